// internal/types/runbook.go
package types

// RunbookStep is one ordered deployment/cleaning step inside a runbook.
// Args may contain sensitive values subject to masking on read.
type RunbookStep struct {
	Interface string         `json:"interface"`
	Step      string         `json:"step"`
	Args      map[string]any `json:"args"`
	Order     int            `json:"order"`
}

// Runbook is an ordered, named sequence of steps with ownership/visibility
// attributes. Invariants (enforced by internal/runbook): steps non-empty, no
// duplicate (interface, step) pair, and owner/public mutually exclusive.
type Runbook struct {
	UUID           RunbookID      `json:"uuid"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	DisableRamdisk bool           `json:"disable_ramdisk"`
	Extra          map[string]any `json:"extra"`
	Public         bool           `json:"public"`
	Owner          string         `json:"owner,omitempty"`
	Steps          []RunbookStep  `json:"steps"`
}
