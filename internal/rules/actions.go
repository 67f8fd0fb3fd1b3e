// internal/rules/actions.go
package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/metalfleet/inspectd/internal/types"
)

/*
 * Action operator plugins.
 *
 * Actions mutate the node record through the shared execution context, in
 * list order. The "fail" action is terminal: it records the failure on the
 * node and signals the engine to stop processing further rules.
 *
 * Attribute paths are slash-separated ("/properties/cpu_arch") and rooted at
 * a fixed allow-list of mutable node fields; arbitrary node fields are not
 * writable from rules.
 */

// Node fields writable by set-attribute/del-attribute.
var mutableAttributeRoots = map[string]bool{
	"properties":  true,
	"extra":       true,
	"driver_info": true,
}

// failAction marks inspection as failed and stops rule processing.
type failAction struct{}

func (a *failAction) Validate(params types.Params) error {
	return requireString(params, "msg")
}

func (a *failAction) Execute(ctx *ExecContext, params types.Params) error {
	msg, _ := params["msg"].(string)
	ctx.Node.LastError = msg
	ctx.record("inspection failed: %s", msg)
	return fmt.Errorf("%w: %s", types.ErrRuleProcessingStopped, msg)
}

// setAttributeAction writes a value at a slash-separated node path,
// creating intermediate objects as needed.
type setAttributeAction struct{}

func (a *setAttributeAction) Validate(params types.Params) error {
	if err := validateAttributePath(params); err != nil {
		return err
	}
	if _, ok := params["value"]; !ok {
		return fmt.Errorf("missing required parameter %q", "value")
	}
	return nil
}

func (a *setAttributeAction) Execute(ctx *ExecContext, params types.Params) error {
	path, _ := params["path"].(string)
	root, keys := splitAttributePath(path)

	target := attributeRoot(ctx.Node, root)
	for _, key := range keys[:len(keys)-1] {
		next, ok := target[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			target[key] = next
		}
		target = next
	}
	target[keys[len(keys)-1]] = params["value"]
	ctx.record("set attribute %s", path)
	return nil
}

// delAttributeAction removes a value at a slash-separated node path.
// Missing intermediate objects make this a no-op: deletion is idempotent.
type delAttributeAction struct{}

func (a *delAttributeAction) Validate(params types.Params) error {
	return validateAttributePath(params)
}

func (a *delAttributeAction) Execute(ctx *ExecContext, params types.Params) error {
	path, _ := params["path"].(string)
	root, keys := splitAttributePath(path)

	target := attributeRoot(ctx.Node, root)
	for _, key := range keys[:len(keys)-1] {
		next, ok := target[key].(map[string]any)
		if !ok {
			return nil
		}
		target = next
	}
	delete(target, keys[len(keys)-1])
	ctx.record("deleted attribute %s", path)
	return nil
}

// setTraitAction adds a trait to the node. Params: {"trait": "..."}.
type setTraitAction struct{}

func (a *setTraitAction) Validate(params types.Params) error {
	return requireString(params, "trait")
}

func (a *setTraitAction) Execute(ctx *ExecContext, params types.Params) error {
	trait, _ := params["trait"].(string)
	ctx.Node.AddTrait(trait)
	ctx.record("added trait %s", trait)
	return nil
}

// delTraitAction removes a trait from the node; absent traits are a no-op.
type delTraitAction struct{}

func (a *delTraitAction) Validate(params types.Params) error {
	return requireString(params, "trait")
}

func (a *delTraitAction) Execute(ctx *ExecContext, params types.Params) error {
	trait, _ := params["trait"].(string)
	ctx.Node.RemoveTrait(trait)
	ctx.record("removed trait %s", trait)
	return nil
}

// setCapabilityAction sets one capability in the node's
// properties["capabilities"] "k1:v1,k2:v2" string.
type setCapabilityAction struct{}

func (a *setCapabilityAction) Validate(params types.Params) error {
	if err := requireString(params, "name"); err != nil {
		return err
	}
	if _, ok := params["value"]; !ok {
		return fmt.Errorf("missing required parameter %q", "value")
	}
	return nil
}

func (a *setCapabilityAction) Execute(ctx *ExecContext, params types.Params) error {
	name, _ := params["name"].(string)
	value, ok := toString(params["value"])
	if !ok {
		return fmt.Errorf("capability value for %q has no string form", name)
	}

	caps := parseCapabilities(ctx.Node)
	caps[name] = value
	storeCapabilities(ctx.Node, caps)
	ctx.record("set capability %s=%s", name, value)
	return nil
}

// unsetCapabilityAction removes one capability; absent names are a no-op.
type unsetCapabilityAction struct{}

func (a *unsetCapabilityAction) Validate(params types.Params) error {
	return requireString(params, "name")
}

func (a *unsetCapabilityAction) Execute(ctx *ExecContext, params types.Params) error {
	name, _ := params["name"].(string)
	caps := parseCapabilities(ctx.Node)
	delete(caps, name)
	storeCapabilities(ctx.Node, caps)
	ctx.record("unset capability %s", name)
	return nil
}

// logAction emits a log line; useful for dry-running rules in production.
type logAction struct{}

func (a *logAction) Validate(params types.Params) error {
	return requireString(params, "msg")
}

func (a *logAction) Execute(ctx *ExecContext, params types.Params) error {
	msg, _ := params["msg"].(string)
	ctx.Logger.Info(msg, "node", ctx.Node.UUID)
	return nil
}

func requireString(params types.Params, key string) error {
	raw, ok := params[key]
	if !ok {
		return fmt.Errorf("missing required parameter %q", key)
	}
	if s, ok := raw.(string); !ok || s == "" {
		return fmt.Errorf("parameter %q must be a non-empty string", key)
	}
	return nil
}

func validateAttributePath(params types.Params) error {
	raw, ok := params["path"]
	if !ok {
		return fmt.Errorf("missing required parameter %q", "path")
	}
	path, ok := raw.(string)
	if !ok || !strings.HasPrefix(path, "/") {
		return fmt.Errorf("parameter %q must be a slash-separated path", "path")
	}
	root, keys := splitAttributePath(path)
	if !mutableAttributeRoots[root] {
		roots := make([]string, 0, len(mutableAttributeRoots))
		for r := range mutableAttributeRoots {
			roots = append(roots, r)
		}
		sort.Strings(roots)
		return fmt.Errorf("attribute root %q is not writable, allowed roots: %s",
			root, strings.Join(roots, ", "))
	}
	if len(keys) == 0 {
		return fmt.Errorf("path %q does not address a key inside %s", path, root)
	}
	for _, key := range keys {
		if key == "" {
			return fmt.Errorf("path %q contains an empty component", path)
		}
	}
	return nil
}

// splitAttributePath splits "/properties/a/b" into root "properties" and
// keys ["a", "b"]. Callers must have validated the shape first.
func splitAttributePath(path string) (string, []string) {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

func attributeRoot(node *types.Node, root string) map[string]any {
	var m *map[string]any
	switch root {
	case "properties":
		m = &node.Properties
	case "extra":
		m = &node.Extra
	case "driver_info":
		m = &node.DriverInfo
	default:
		// Unreachable after Validate; return a throwaway map rather
		// than panic inside action execution.
		tmp := make(map[string]any)
		return tmp
	}
	if *m == nil {
		*m = make(map[string]any)
	}
	return *m
}

// parseCapabilities decodes the "k1:v1,k2:v2" convention from
// properties["capabilities"]. Malformed entries are dropped.
func parseCapabilities(node *types.Node) map[string]string {
	caps := make(map[string]string)
	raw, _ := node.Properties["capabilities"].(string)
	for _, pair := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if ok && name != "" {
			caps[name] = value
		}
	}
	return caps
}

func storeCapabilities(node *types.Node, caps map[string]string) {
	if node.Properties == nil {
		node.Properties = make(map[string]any)
	}
	if len(caps) == 0 {
		delete(node.Properties, "capabilities")
		return
	}
	names := make([]string, 0, len(caps))
	for name := range caps {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+":"+caps[name])
	}
	node.Properties["capabilities"] = strings.Join(pairs, ",")
}
