package types

import "github.com/google/uuid"

// RuleID identifies an inspection rule. String alias keeps JSON string
// serialization while giving type safety across store and engine APIs.
type RuleID string

// RunbookID identifies a runbook.
type RunbookID string

// NewRuleID generates a random (v4) rule identifier.
// Panics only on a broken entropy source (uuid.Must); acceptable here.
func NewRuleID() RuleID {
	return RuleID(uuid.Must(uuid.NewRandom()).String())
}

// NewRunbookID generates a random (v4) runbook identifier.
func NewRunbookID() RunbookID {
	return RunbookID(uuid.Must(uuid.NewRandom()).String())
}

// ParseRuleID validates and converts a string to RuleID.
func ParseRuleID(s string) (RuleID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return RuleID(s), nil
}

// ParseRunbookID validates and converts a string to RunbookID.
func ParseRunbookID(s string) (RunbookID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return RunbookID(s), nil
}

// IsUUID reports whether s is a well-formed UUID of any version.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
