// internal/rules/validate.go
package rules

import (
	"fmt"

	"github.com/metalfleet/inspectd/internal/types"
)

/*
 * Rule validation.
 *
 * Gate-keeps rule authoring, independent of evaluation. Validation order is
 * deliberate and observable through error messages: shape checks first, then
 * operator resolution, then field parsing, then per-operator parameter
 * validation. A rule either validates completely or nothing is persisted.
 *
 * Raw conditions and actions arrive as open maps: reserved keys (op, field,
 * multiple, invert / action) describe the condition itself, every remaining
 * key belongs to the named operator and is validated by its plugin.
 */

// Reserved condition keys; everything else is operator params.
var reservedConditionKeys = map[string]bool{
	"op":       true,
	"field":    true,
	"multiple": true,
	"invert":   true,
}

// Validator validates raw rule input against the operator registry.
type Validator struct {
	registry *Registry
}

// NewValidator returns a validator bound to the given registry.
func NewValidator(registry *Registry) *Validator {
	return &Validator{registry: registry}
}

// RuleInput is a proposed rule as submitted for creation.
type RuleInput struct {
	UUID        string           `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Scope       string           `json:"scope,omitempty" yaml:"scope,omitempty"`
	Disabled    bool             `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Conditions  []map[string]any `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions     []map[string]any `json:"actions" yaml:"actions"`
}

// ValidateRule validates a complete proposed rule and returns the validated
// form. A UUID is generated when absent; a provided UUID must be well formed.
func (v *Validator) ValidateRule(input RuleInput) (*types.Rule, error) {
	id := types.RuleID(input.UUID)
	if input.UUID == "" {
		id = types.NewRuleID()
	} else if _, err := types.ParseRuleID(input.UUID); err != nil {
		return nil, fmt.Errorf("%w: malformed rule UUID %q", types.ErrInvalid, input.UUID)
	}

	if len(input.Description) > types.MaxDescriptionLength {
		return nil, fmt.Errorf("%w: description exceeds %d characters",
			types.ErrInvalid, types.MaxDescriptionLength)
	}

	conditions, err := v.ValidateConditions(input.Conditions)
	if err != nil {
		return nil, err
	}
	actions, err := v.ValidateActions(input.Actions)
	if err != nil {
		return nil, err
	}

	return &types.Rule{
		UUID:        id,
		Description: input.Description,
		Scope:       input.Scope,
		Disabled:    input.Disabled,
		Conditions:  conditions,
		Actions:     actions,
	}, nil
}

// ValidateConditions validates a raw condition list, preserving input order.
// The list may be empty: such a rule always matches.
func (v *Validator) ValidateConditions(raw []map[string]any) ([]types.Condition, error) {
	conditions := make([]types.Condition, 0, len(raw))
	for i, entry := range raw {
		cond, err := v.validateCondition(entry)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		conditions = append(conditions, cond)
	}
	return conditions, nil
}

func (v *Validator) validateCondition(entry map[string]any) (types.Condition, error) {
	op, ok := entry["op"].(string)
	if !ok || op == "" {
		return types.Condition{}, fmt.Errorf("%w: %q is required", types.ErrInvalid, "op")
	}
	plugin, err := v.registry.Condition(op)
	if err != nil {
		// Unknown operator is a shape failure, surfaced before the
		// field is even looked at.
		return types.Condition{}, fmt.Errorf("%w: unknown condition operator %q",
			types.ErrInvalid, op)
	}

	field, ok := entry["field"].(string)
	if !ok || field == "" {
		return types.Condition{}, fmt.Errorf("%w: %q is required", types.ErrInvalid, "field")
	}

	multiple := types.MultipleAny
	if raw, present := entry["multiple"]; present {
		s, ok := raw.(string)
		if !ok || !types.ValidMultiplicity(types.Multiplicity(s)) {
			return types.Condition{}, fmt.Errorf(
				"%w: %q must be one of all, any, first", types.ErrInvalid, "multiple")
		}
		multiple = types.Multiplicity(s)
	}

	invert := false
	if raw, present := entry["invert"]; present {
		b, ok := raw.(bool)
		if !ok {
			return types.Condition{}, fmt.Errorf("%w: %q must be a boolean",
				types.ErrInvalid, "invert")
		}
		invert = b
	}

	if _, _, err := ParseField(field); err != nil {
		return types.Condition{}, err
	}

	params := make(types.Params)
	for key, value := range entry {
		if !reservedConditionKeys[key] {
			params[key] = value
		}
	}
	if err := plugin.Validate(params); err != nil {
		return types.Condition{}, fmt.Errorf("%w: invalid parameters for operator %q: %v",
			types.ErrInvalid, op, err)
	}

	return types.Condition{
		Field:    field,
		Op:       op,
		Multiple: multiple,
		Invert:   invert,
		Params:   params,
	}, nil
}

// ValidateActions validates a raw action list, preserving input order.
// At least one action is required.
func (v *Validator) ValidateActions(raw []map[string]any) ([]types.Action, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: at least one action is required", types.ErrInvalid)
	}

	actions := make([]types.Action, 0, len(raw))
	for i, entry := range raw {
		name, ok := entry["action"].(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("action %d: %w: %q is required",
				i, types.ErrInvalid, "action")
		}
		plugin, err := v.registry.Action(name)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w: unknown action operator %q",
				i, types.ErrInvalid, name)
		}

		params := make(types.Params)
		for key, value := range entry {
			if key != "action" {
				params[key] = value
			}
		}
		if err := plugin.Validate(params); err != nil {
			return nil, fmt.Errorf("action %d: %w: invalid parameters for action %q: %v",
				i, types.ErrInvalid, name, err)
		}

		actions = append(actions, types.Action{Action: name, Params: params})
	}
	return actions, nil
}
