// internal/types/rules.go
package types

/*
 * Domain types for inspection rules.
 *
 * Provides Rule, Condition and Action structures used by internal/rules for
 * validation and evaluation. These types are wire-format agnostic; raw JSON
 * from the authoring surface is converted here by the rule validator.
 *
 * Key types:
 *   - Rule: ordered conditions (AND-combined) gating an ordered action list
 *   - Condition: scheme-qualified field, operator name, multiplicity, invert
 *   - Action: operator name plus operator-specific params
 *
 * Ordering is load-bearing: actions execute in list order and later actions
 * may depend on mutations from earlier ones. Rules themselves are processed
 * in stored order (insertion/id order) by the evaluation engine.
 */

// Condition is a single validated rule condition.
type Condition struct {
	// Field is the original scheme-qualified path string, kept for
	// round-tripping back to the authoring surface.
	Field string `json:"field"`

	// Op names a condition operator known to the registry.
	Op string `json:"op"`

	// Multiple selects how multiple path matches reduce to one boolean.
	Multiple Multiplicity `json:"multiple"`

	// Invert negates the multiplicity result.
	Invert bool `json:"invert"`

	// Params holds the operator-specific keys, already stripped of the
	// reserved field/op/multiple/invert keys.
	Params Params `json:"params"`
}

// Action is a single validated rule action.
type Action struct {
	// Action names an action operator known to the registry.
	Action string `json:"action"`

	// Params holds the operator-specific keys.
	Params Params `json:"params"`
}

// Rule is a stored inspection rule. Conditions may be empty (an always-true
// rule); the action list is never empty for a valid rule.
type Rule struct {
	UUID        RuleID      `json:"uuid"`
	Description string      `json:"description,omitempty"`
	Scope       string      `json:"scope,omitempty"`
	Disabled    bool        `json:"disabled"`
	Conditions  []Condition `json:"conditions"`
	Actions     []Action    `json:"actions"`
}
