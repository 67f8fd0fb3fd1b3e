// Package types provides domain models shared across inspectd components.
//
// Zero-dependency design: types.go, errors.go, rules.go and node.go use only
// the standard library. ID utilities in ids.go import uuid but are isolated
// so that consumers which never mint IDs do not pull it in.
package types

// Scheme selects which root document a condition field addresses.
type Scheme string

const (
	// SchemeNode addresses the managed node record.
	SchemeNode Scheme = "node"

	// SchemeData addresses the collected inventory data. This is the
	// default when a field carries no scheme prefix.
	SchemeData Scheme = "data"
)

// Multiplicity reduces a path's multiple matches to one boolean outcome.
type Multiplicity string

const (
	// MultipleAll requires the operator to hold for every matched value.
	// Vacuously true when the path matches nothing.
	MultipleAll Multiplicity = "all"

	// MultipleAny requires the operator to hold for at least one matched
	// value. Vacuously false when the path matches nothing. Default.
	MultipleAny Multiplicity = "any"

	// MultipleFirst evaluates the operator only against the first matched
	// value in resolver traversal order. Vacuously false on zero matches.
	MultipleFirst Multiplicity = "first"
)

// ValidMultiplicity reports whether m is one of the known multiplicities.
func ValidMultiplicity(m Multiplicity) bool {
	switch m {
	case MultipleAll, MultipleAny, MultipleFirst:
		return true
	}
	return false
}

// Params is an operator-specific open key/value mapping. Values are
// loosely typed (string/number/bool/nested mapping) and validated per
// operator at the boundary, not by a single closed schema.
type Params map[string]any

// PathSegment represents one component of a field path.
// String for object keys, int for array indices, wildcard for expansion.
type PathSegment struct {
	Key      string // object key (mutually exclusive with Index/Wildcard)
	Index    int    // array index (mutually exclusive with Key/Wildcard)
	IsIndex  bool   // disambiguates Index=0 from unset
	Wildcard bool   // true = wildcard segment
}

// Resource limits enforced by the rule engine to keep evaluation bounded.
const (
	// MaxPathDepth prevents stack overflow during recursive path
	// resolution. 16 levels handles deeply nested inventory documents.
	MaxPathDepth = 16

	// MaxNestedWildcards limits wildcard expansion to prevent
	// combinatorial fan-out during resolution.
	MaxNestedWildcards = 2

	// MaxInOperatorValues limits the "in" operator list size.
	MaxInOperatorValues = 64

	// MaxDescriptionLength bounds rule and runbook descriptions.
	MaxDescriptionLength = 255
)
