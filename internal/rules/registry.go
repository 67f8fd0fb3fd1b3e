// internal/rules/registry.go
package rules

import (
	"fmt"
	"sort"

	"github.com/metalfleet/inspectd/internal/types"
)

/*
 * Operator registry.
 *
 * Two independently keyed tables of pluggable operators: condition operators
 * and action operators. Both are closed sets populated once at construction;
 * there is no runtime registration. The registry is a pure lookup + dispatch
 * layer injected into the validator and the evaluation engine.
 */

// ConditionPlugin evaluates one matched value against operator params.
// Evaluate must be side-effect-free; params have already passed Validate.
type ConditionPlugin interface {
	// Validate checks operator-specific params at rule authoring time.
	Validate(params types.Params) error

	// Evaluate reports whether value satisfies the operator.
	Evaluate(value any, params types.Params) bool
}

// ActionPlugin executes one rule action against the shared execution
// context. Execute may mutate ctx.Node and may fail.
type ActionPlugin interface {
	// Validate checks operator-specific params at rule authoring time.
	Validate(params types.Params) error

	// Execute applies the action. Returning an error wrapping
	// types.ErrRuleProcessingStopped halts all further rule processing
	// for the node (terminal classification).
	Execute(ctx *ExecContext, params types.Params) error
}

// Registry is the name-keyed operator table.
type Registry struct {
	conditions map[string]ConditionPlugin
	actions    map[string]ActionPlugin
}

// NewRegistry builds the closed operator set. Operator names are part of the
// stored-rule format; removing one invalidates persisted rules.
func NewRegistry() *Registry {
	return &Registry{
		conditions: map[string]ConditionPlugin{
			"eq":       &compareCondition{mode: cmpEq},
			"ne":       &compareCondition{mode: cmpNe},
			"lt":       &compareCondition{mode: cmpLt},
			"le":       &compareCondition{mode: cmpLe},
			"gt":       &compareCondition{mode: cmpGt},
			"ge":       &compareCondition{mode: cmpGe},
			"in":       &inCondition{},
			"in-net":   &inNetCondition{},
			"matches":  &regexCondition{anchored: true},
			"contains": &regexCondition{anchored: false},
			"is-empty": &isEmptyCondition{},
		},
		actions: map[string]ActionPlugin{
			"fail":             &failAction{},
			"set-attribute":    &setAttributeAction{},
			"del-attribute":    &delAttributeAction{},
			"set-trait":        &setTraitAction{},
			"del-trait":        &delTraitAction{},
			"set-capability":   &setCapabilityAction{},
			"unset-capability": &unsetCapabilityAction{},
			"log":              &logAction{},
		},
	}
}

// Condition looks up a condition operator by name.
func (r *Registry) Condition(name string) (ConditionPlugin, error) {
	p, ok := r.conditions[name]
	if !ok {
		return nil, fmt.Errorf("%w: condition operator %q", types.ErrNotFound, name)
	}
	return p, nil
}

// Action looks up an action operator by name.
func (r *Registry) Action(name string) (ActionPlugin, error) {
	p, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: action operator %q", types.ErrNotFound, name)
	}
	return p, nil
}

// ConditionNames returns the sorted condition operator names. Used to build
// the authoring-surface schema from the registry contents at startup.
func (r *Registry) ConditionNames() []string {
	names := make([]string, 0, len(r.conditions))
	for name := range r.conditions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActionNames returns the sorted action operator names.
func (r *Registry) ActionNames() []string {
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
