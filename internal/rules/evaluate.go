// internal/rules/evaluate.go
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/metalfleet/inspectd/internal/core/metrics"
	"github.com/metalfleet/inspectd/internal/types"
)

/*
 * Rule evaluation engine.
 *
 * Given a node record and its collected inventory document, applies the
 * stored rule list in order. Stored order is an externally observable
 * contract: two rules matching the same node execute in that order, never
 * in parallel, because actions may have cross-rule side effects on the
 * record.
 *
 * Evaluation flow per rule:
 *   1. Skip disabled and out-of-scope rules.
 *   2. Project the node into a document (so later rules observe mutations
 *      applied by earlier rules' actions).
 *   3. Evaluate conditions: resolve field -> select document by scheme ->
 *      reduce matches by multiplicity -> apply invert. Conditions are ANDed
 *      with short-circuit on the first false.
 *   4. On match, execute actions in list order against a shared execution
 *      context. An action failure aborts the rule's remaining actions and is
 *      recorded in the rule's outcome, but evaluation of subsequent rules
 *      continues - unless the failure is terminal (fail action), which stops
 *      all further processing for this node.
 *
 * Concurrency: one Apply call runs to completion synchronously. Concurrent
 * evaluation of the same node is not coordinated here; the caller holds an
 * exclusive lease on the record.
 */

// InspectionScopeProperty is the node property a rule's scope is matched
// against. Rules with an empty scope apply to every node.
const InspectionScopeProperty = "inspection_scope"

// ExecContext is the shared state passed through a matched rule's action
// list. Actions mutate Node in place, so later actions (and later rules)
// observe earlier effects.
type ExecContext struct {
	Node      *types.Node
	Logger    *slog.Logger
	Mutations []string
}

// record appends a human-readable mutation description to the outcome log.
func (c *ExecContext) record(format string, args ...any) {
	c.Mutations = append(c.Mutations, fmt.Sprintf(format, args...))
}

// RuleOutcome is the per-rule result of one Apply call.
type RuleOutcome struct {
	RuleUUID   types.RuleID `json:"rule_uuid"`
	Matched    bool         `json:"matched"`
	ActionsRun int          `json:"actions_run"`
	Mutations  []string     `json:"mutations,omitempty"`
	Err        error        `json:"-"`
	Error      string       `json:"error,omitempty"`
}

// Engine evaluates stored rules against a node and its inventory data.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
}

// NewEngine creates an evaluation engine bound to an operator registry.
func NewEngine(registry *Registry, logger *slog.Logger) *Engine {
	return &Engine{registry: registry, logger: logger}
}

// Apply runs the ordered rule list against (node, inventory) and returns the
// ordered outcome log. The node is mutated in place by matched actions. The
// returned error reports only infrastructure failures (a node that cannot be
// projected); per-rule errors live in the outcomes.
func (e *Engine) Apply(ctx context.Context, node *types.Node, inventory map[string]any, ruleList []types.Rule) ([]RuleOutcome, error) {
	outcomes := make([]RuleOutcome, 0, len(ruleList))

	for _, rule := range ruleList {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		if rule.Disabled {
			e.logger.Debug("skipping disabled rule", "rule", rule.UUID)
			continue
		}
		if !e.inScope(rule, node) {
			e.logger.Debug("skipping out-of-scope rule",
				"rule", rule.UUID, "scope", rule.Scope)
			continue
		}

		nodeDoc, err := projectNode(node)
		if err != nil {
			return outcomes, fmt.Errorf("projecting node %s: %w", node.UUID, err)
		}

		outcome := RuleOutcome{RuleUUID: rule.UUID}
		metrics.RulesEvaluated.Inc()

		matched, err := e.evaluateConditions(rule, nodeDoc, inventory)
		if err != nil {
			outcome.Err = err
			outcome.Error = err.Error()
			outcomes = append(outcomes, outcome)
			continue
		}

		outcome.Matched = matched
		if !matched {
			outcomes = append(outcomes, outcome)
			continue
		}
		metrics.RulesMatched.Inc()

		terminal := e.executeActions(rule, node, &outcome)
		outcomes = append(outcomes, outcome)
		if terminal {
			e.logger.Info("rule requested stop of further processing",
				"rule", rule.UUID, "node", node.UUID)
			break
		}
	}

	return outcomes, nil
}

func (e *Engine) inScope(rule types.Rule, node *types.Node) bool {
	if rule.Scope == "" {
		return true
	}
	scope, _ := node.Properties[InspectionScopeProperty].(string)
	return rule.Scope == scope
}

// evaluateConditions ANDs the rule's conditions, short-circuiting on the
// first false. An empty condition list is vacuously true.
func (e *Engine) evaluateConditions(rule types.Rule, nodeDoc, inventory map[string]any) (bool, error) {
	for _, cond := range rule.Conditions {
		ok, err := e.evaluateCondition(cond, nodeDoc, inventory)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) evaluateCondition(cond types.Condition, nodeDoc, inventory map[string]any) (bool, error) {
	scheme, path, err := ParseField(cond.Field)
	if err != nil {
		return false, err
	}

	doc := inventory
	if scheme == types.SchemeNode {
		doc = nodeDoc
	}

	matches, err := Resolve(path, doc)
	if err != nil {
		return false, fmt.Errorf("resolving field %q: %w", cond.Field, err)
	}

	plugin, err := e.registry.Condition(cond.Op)
	if err != nil {
		return false, err
	}

	var result bool
	switch cond.Multiple {
	case types.MultipleAll:
		result = true
		for _, m := range matches {
			if !plugin.Evaluate(m.Value, cond.Params) {
				result = false
				break
			}
		}
	case types.MultipleFirst:
		result = len(matches) > 0 && plugin.Evaluate(matches[0].Value, cond.Params)
	default: // any
		for _, m := range matches {
			if plugin.Evaluate(m.Value, cond.Params) {
				result = true
				break
			}
		}
	}

	if cond.Invert {
		result = !result
	}
	return result, nil
}

// executeActions runs a matched rule's actions in list order. Returns true
// when a terminal action requested that rule processing stop.
func (e *Engine) executeActions(rule types.Rule, node *types.Node, outcome *RuleOutcome) bool {
	execCtx := &ExecContext{
		Node:   node,
		Logger: e.logger.With("rule", rule.UUID),
	}

	for _, action := range rule.Actions {
		plugin, err := e.registry.Action(action.Action)
		if err != nil {
			outcome.Err = err
			outcome.Error = err.Error()
			metrics.ActionFailures.Inc()
			break
		}

		err = plugin.Execute(execCtx, action.Params)
		if err != nil {
			outcome.Err = err
			outcome.Error = err.Error()
			outcome.Mutations = execCtx.Mutations
			if errors.Is(err, types.ErrRuleProcessingStopped) {
				outcome.ActionsRun++
				return true
			}
			metrics.ActionFailures.Inc()
			e.logger.Error("action execution failed",
				"rule", rule.UUID, "action", action.Action,
				"node", node.UUID, "error", err)
			break
		}
		outcome.ActionsRun++
	}

	outcome.Mutations = execCtx.Mutations
	return false
}

// projectNode renders the node record as a document for node:// paths. The
// projection uses the record's JSON form, so the addressable field names are
// exactly the wire names (provision_state, driver_info, ...).
func projectNode(node *types.Node) (map[string]any, error) {
	raw, err := json.Marshal(node)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
