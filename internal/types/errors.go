package types

import "errors"

// Sentinel errors for inspectd operations. Dynamic detail is attached by
// wrapping (fmt.Errorf("%w: ...", ErrInvalid)); callers discriminate with
// errors.Is.
var (
	// ErrInvalid indicates a malformed rule, condition, action, path or
	// runbook definition, or an ownership-policy violation. Never retried.
	ErrInvalid = errors.New("invalid input")

	// ErrNotFound is the single generic lookup failure. Its message is
	// deliberately fixed: unresolvable, ambiguous and conflicting lookups
	// all surface identically so an untrusted reporting client cannot
	// enumerate the fleet.
	ErrNotFound = errors.New("requested resource could not be found")

	// ErrInvalidRunbook indicates duplicate (interface, step) pairs in a
	// runbook's step list.
	ErrInvalidRunbook = errors.New("invalid runbook")

	// ErrDHCPConfiguration indicates the DHCP provider API could not be
	// reached or rejected a request after all retry attempts.
	ErrDHCPConfiguration = errors.New("DHCP configuration error")

	// ErrPathTooDeep indicates a field path exceeds MaxPathDepth.
	ErrPathTooDeep = errors.New("field path exceeds maximum depth")

	// ErrTooManyWildcards indicates a field path exceeds MaxNestedWildcards.
	ErrTooManyWildcards = errors.New("field path has too many wildcards")

	// ErrTooManyInValues indicates an "in" operator exceeds MaxInOperatorValues.
	ErrTooManyInValues = errors.New("in operator has too many values")

	// ErrRuleProcessingStopped signals that a terminal action requested
	// that no further rules be processed for this node.
	ErrRuleProcessingStopped = errors.New("rule processing stopped")
)
