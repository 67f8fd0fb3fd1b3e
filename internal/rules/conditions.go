// internal/rules/conditions.go
package rules

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"

	"github.com/metalfleet/inspectd/internal/types"
)

/*
 * Condition operator plugins.
 *
 * Implements the 11 condition operators with type-aware comparison rules:
 *
 *   - eq/ne: equality with numeric tolerance (int vs float JSON mixing)
 *   - lt/le/gt/ge: numeric comparison, false for incomparable types
 *   - in: membership test with equality semantics
 *   - in-net: IP address membership in a CIDR prefix
 *   - matches/contains: anchored and unanchored regular expressions
 *   - is-empty: nil, empty string, empty array or empty object
 *
 * Why function-ish structs over one big switch: each operator carries its
 * own param contract, and Validate must run at rule-authoring time without
 * an evaluation context.
 */

type compareMode int

const (
	cmpEq compareMode = iota
	cmpNe
	cmpLt
	cmpLe
	cmpGt
	cmpGe
)

// compareCondition implements eq/ne/lt/le/gt/ge over params {"value": ...}.
type compareCondition struct {
	mode compareMode
}

func (c *compareCondition) Validate(params types.Params) error {
	value, ok := params["value"]
	if !ok {
		return fmt.Errorf("missing required parameter %q", "value")
	}
	if c.mode == cmpEq || c.mode == cmpNe {
		return nil
	}
	if _, ok := toFloat64(value); !ok {
		return fmt.Errorf("ordering comparison requires a numeric value, got %T", value)
	}
	return nil
}

func (c *compareCondition) Evaluate(value any, params types.Params) bool {
	target := params["value"]
	switch c.mode {
	case cmpEq:
		return compareEqual(value, target)
	case cmpNe:
		return !compareEqual(value, target)
	}

	ord, ok := compareNumeric(value, target)
	if !ok {
		return false
	}
	switch c.mode {
	case cmpLt:
		return ord < 0
	case cmpLe:
		return ord <= 0
	case cmpGt:
		return ord > 0
	case cmpGe:
		return ord >= 0
	}
	return false
}

// inCondition implements membership over params {"values": [...]}.
type inCondition struct{}

func (c *inCondition) Validate(params types.Params) error {
	raw, ok := params["values"]
	if !ok {
		return fmt.Errorf("missing required parameter %q", "values")
	}
	values, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("parameter %q must be an array, got %T", "values", raw)
	}
	if len(values) == 0 {
		return fmt.Errorf("parameter %q must not be empty", "values")
	}
	if len(values) > types.MaxInOperatorValues {
		return types.ErrTooManyInValues
	}
	return nil
}

func (c *inCondition) Evaluate(value any, params types.Params) bool {
	values, ok := params["values"].([]any)
	if !ok {
		return false
	}
	for _, elem := range values {
		if compareEqual(value, elem) {
			return true
		}
	}
	return false
}

// inNetCondition implements CIDR membership over params {"value": "10.0.0.0/8"}.
type inNetCondition struct{}

func (c *inNetCondition) Validate(params types.Params) error {
	raw, ok := params["value"]
	if !ok {
		return fmt.Errorf("missing required parameter %q", "value")
	}
	s, ok := raw.(string)
	if !ok {
		return fmt.Errorf("parameter %q must be a CIDR string, got %T", "value", raw)
	}
	if _, err := netip.ParsePrefix(s); err != nil {
		return fmt.Errorf("invalid CIDR %q: %v", s, err)
	}
	return nil
}

func (c *inNetCondition) Evaluate(value any, params types.Params) bool {
	s, ok := params["value"].(string)
	if !ok {
		return false
	}
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return false
	}
	vs, ok := value.(string)
	if !ok {
		return false
	}
	addr, err := netip.ParseAddr(vs)
	if err != nil {
		return false
	}
	return prefix.Contains(addr)
}

// regexCondition implements matches (anchored) and contains (search) over
// params {"value": "<regexp>"}.
type regexCondition struct {
	anchored bool
}

func (c *regexCondition) Validate(params types.Params) error {
	raw, ok := params["value"]
	if !ok {
		return fmt.Errorf("missing required parameter %q", "value")
	}
	s, ok := raw.(string)
	if !ok {
		return fmt.Errorf("parameter %q must be a regular expression string, got %T", "value", raw)
	}
	if _, err := regexp.Compile(c.pattern(s)); err != nil {
		return fmt.Errorf("invalid regular expression %q: %v", s, err)
	}
	return nil
}

func (c *regexCondition) Evaluate(value any, params types.Params) bool {
	s, ok := params["value"].(string)
	if !ok {
		return false
	}
	re, err := regexp.Compile(c.pattern(s))
	if err != nil {
		return false
	}
	vs, ok := toString(value)
	if !ok {
		return false
	}
	return re.MatchString(vs)
}

func (c *regexCondition) pattern(s string) string {
	if c.anchored {
		return "^(?:" + s + ")$"
	}
	return s
}

// isEmptyCondition matches nil, empty strings, empty arrays and empty
// objects. Takes no parameters.
type isEmptyCondition struct{}

func (c *isEmptyCondition) Validate(params types.Params) error {
	if len(params) != 0 {
		return fmt.Errorf("operator takes no parameters")
	}
	return nil
}

func (c *isEmptyCondition) Evaluate(value any, params types.Params) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}

// compareEqual performs equality comparison with numeric type coercion.
// Handles float64/int/int64 mixing between JSON documents and rule params.
func compareEqual(a, b any) bool {
	if na, oka := toFloat64(a); oka {
		if nb, okb := toFloat64(b); okb {
			return na == nb
		}
		return false
	}
	return a == b
}

// compareNumeric performs three-way numeric comparison (-1/0/1).
// The second result is false for incomparable types.
func compareNumeric(a, b any) (int, bool) {
	na, oka := toFloat64(a)
	nb, okb := toFloat64(b)
	if !oka || !okb {
		return 0, false
	}
	switch {
	case na < nb:
		return -1, true
	case na > nb:
		return 1, true
	default:
		return 0, true
	}
}

// toFloat64 converts numeric types to float64. JSON decoding produces
// float64; YAML rule files and Go literals in tests produce int/int64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// toString renders scalar values for regexp matching. Composite values do
// not have a canonical string form and fail the match instead.
func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case bool:
		return strconv.FormatBool(s), true
	default:
		return "", false
	}
}
