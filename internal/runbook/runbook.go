// internal/runbook/runbook.go
package runbook

import (
	"fmt"
	"sort"
	"strings"

	"github.com/metalfleet/inspectd/internal/types"
)

/*
 * Runbook validation, ownership policy and patching.
 *
 * A runbook either validates completely or nothing is persisted; the checks
 * here run before any storage attempt. Patch support works on the validated
 * form: apply the allow-listed changes to a copy, then run full validation
 * on the result, so a patch can never produce a runbook that direct creation
 * would have rejected.
 */

// Patch-able top-level runbook fields.
var patchableFields = map[string]bool{
	"extra":       true,
	"name":        true,
	"steps":       true,
	"description": true,
	"public":      true,
	"owner":       true,
}

// Patch-able per-step fields.
var patchableStepFields = map[string]bool{
	"args":      true,
	"interface": true,
	"order":     true,
	"step":      true,
}

// Step arg keys whose values are masked on read.
var sensitiveArgKeys = map[string]bool{
	"password":   true,
	"passphrase": true,
	"secret":     true,
	"token":      true,
}

const maskedValue = "***"

// Caller identifies who is creating or patching a runbook. A project-scoped
// caller owns exactly one project; a system-scoped caller is unrestricted.
type Caller struct {
	ProjectID   string
	SystemScope bool
}

// Input is a proposed runbook as submitted for creation.
type Input struct {
	UUID           string           `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	Name           string           `json:"name" yaml:"name"`
	Description    string           `json:"description,omitempty" yaml:"description,omitempty"`
	DisableRamdisk bool             `json:"disable_ramdisk,omitempty" yaml:"disable_ramdisk,omitempty"`
	Extra          map[string]any   `json:"extra,omitempty" yaml:"extra,omitempty"`
	Public         bool             `json:"public,omitempty" yaml:"public,omitempty"`
	Owner          string           `json:"owner,omitempty" yaml:"owner,omitempty"`
	Steps          []StepInput      `json:"steps" yaml:"steps"`
}

// StepInput is one proposed runbook step.
type StepInput struct {
	Interface string         `json:"interface" yaml:"interface"`
	Step      string         `json:"step" yaml:"step"`
	Args      map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	Order     int            `json:"order,omitempty" yaml:"order,omitempty"`
}

// Validate checks a proposed runbook and returns the validated form. The
// caller's scope constrains ownership: a project-scoped caller may only own
// their own project, and an unset owner defaults to it.
func Validate(input Input, caller Caller) (*types.Runbook, error) {
	id := types.RunbookID(input.UUID)
	if input.UUID == "" {
		id = types.NewRunbookID()
	} else if _, err := types.ParseRunbookID(input.UUID); err != nil {
		return nil, fmt.Errorf("%w: malformed runbook UUID %q", types.ErrInvalid, input.UUID)
	}

	if input.Name == "" {
		return nil, fmt.Errorf("%w: runbook name is required", types.ErrInvalid)
	}
	if len(input.Description) > types.MaxDescriptionLength {
		return nil, fmt.Errorf("%w: description exceeds %d characters",
			types.ErrInvalid, types.MaxDescriptionLength)
	}

	owner, err := resolveOwner(input.Owner, input.Public, caller)
	if err != nil {
		return nil, err
	}

	steps, err := validateSteps(input.Steps)
	if err != nil {
		return nil, err
	}

	return &types.Runbook{
		UUID:           id,
		Name:           input.Name,
		Description:    input.Description,
		DisableRamdisk: input.DisableRamdisk,
		Extra:          input.Extra,
		Public:         input.Public,
		Owner:          owner,
		Steps:          steps,
	}, nil
}

// resolveOwner enforces owner/public exclusivity and the ownership policy.
func resolveOwner(owner string, public bool, caller Caller) (string, error) {
	if public && owner != "" {
		return "", fmt.Errorf(
			"%w: a runbook cannot be public and owned at the same time", types.ErrInvalid)
	}
	if caller.SystemScope {
		return owner, nil
	}
	if public {
		return "", fmt.Errorf(
			"%w: only a system-scoped caller may create public runbooks", types.ErrInvalid)
	}
	if owner == "" {
		return caller.ProjectID, nil
	}
	if owner != caller.ProjectID {
		return "", fmt.Errorf("%w: a project-scoped caller may only own runbooks for project %q",
			types.ErrInvalid, caller.ProjectID)
	}
	return owner, nil
}

// validateSteps checks the step list and detects duplicate (interface, step)
// pairs, reporting every offending pair at once.
func validateSteps(inputs []StepInput) ([]types.RunbookStep, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one step is required", types.ErrInvalid)
	}

	steps := make([]types.RunbookStep, 0, len(inputs))
	seen := make(map[string]int)
	var duplicates []string
	for i, in := range inputs {
		if in.Interface == "" {
			return nil, fmt.Errorf("%w: step %d: %q is required", types.ErrInvalid, i, "interface")
		}
		if in.Step == "" {
			return nil, fmt.Errorf("%w: step %d: %q is required", types.ErrInvalid, i, "step")
		}

		pair := in.Interface + "." + in.Step
		seen[pair]++
		if seen[pair] == 2 {
			duplicates = append(duplicates, pair)
		}

		steps = append(steps, types.RunbookStep{
			Interface: in.Interface,
			Step:      in.Step,
			Args:      in.Args,
			Order:     in.Order,
		})
	}

	if len(duplicates) > 0 {
		sort.Strings(duplicates)
		return nil, fmt.Errorf("%w: duplicate steps: %s",
			types.ErrInvalidRunbook, strings.Join(duplicates, ", "))
	}
	return steps, nil
}

// ApplyPatch applies an allow-listed field update to a runbook and
// re-validates the result. Unknown fields are rejected, as is any change
// that would leave the runbook simultaneously public and owned: patching
// public=true on an owned runbook fails unless the same patch clears owner.
func ApplyPatch(current *types.Runbook, patch map[string]any, caller Caller) (*types.Runbook, error) {
	input := Input{
		UUID:           string(current.UUID),
		Name:           current.Name,
		Description:    current.Description,
		DisableRamdisk: current.DisableRamdisk,
		Extra:          current.Extra,
		Public:         current.Public,
		Owner:          current.Owner,
		Steps:          stepInputs(current.Steps),
	}

	for field, value := range patch {
		if !patchableFields[field] {
			return nil, fmt.Errorf("%w: field %q is not patchable", types.ErrInvalid, field)
		}
		switch field {
		case "name":
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %q must be a string", types.ErrInvalid, field)
			}
			input.Name = s
		case "description":
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %q must be a string", types.ErrInvalid, field)
			}
			input.Description = s
		case "extra":
			m, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %q must be an object", types.ErrInvalid, field)
			}
			input.Extra = m
		case "public":
			b, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: %q must be a boolean", types.ErrInvalid, field)
			}
			// Marking an owned runbook public is rejected by the
			// exclusivity check below; the owner must be cleared
			// explicitly in the same patch.
			input.Public = b
		case "owner":
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %q must be a string", types.ErrInvalid, field)
			}
			input.Owner = s
		case "steps":
			steps, err := patchSteps(value)
			if err != nil {
				return nil, err
			}
			input.Steps = steps
		}
	}

	return Validate(input, caller)
}

// patchSteps decodes a full replacement step list from patch input,
// enforcing the per-step field allow-list.
func patchSteps(value any) ([]StepInput, error) {
	rawList, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q must be an array of steps", types.ErrInvalid, "steps")
	}

	steps := make([]StepInput, 0, len(rawList))
	for i, raw := range rawList {
		entry, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: step %d must be an object", types.ErrInvalid, i)
		}
		var step StepInput
		for field, fv := range entry {
			if !patchableStepFields[field] {
				return nil, fmt.Errorf("%w: step %d: field %q is not patchable",
					types.ErrInvalid, i, field)
			}
			switch field {
			case "interface":
				step.Interface, ok = fv.(string)
			case "step":
				step.Step, ok = fv.(string)
			case "args":
				step.Args, ok = fv.(map[string]any)
			case "order":
				// JSON numbers decode as float64.
				var n float64
				n, ok = fv.(float64)
				step.Order = int(n)
			}
			if !ok {
				return nil, fmt.Errorf("%w: step %d: field %q has the wrong type",
					types.ErrInvalid, i, field)
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func stepInputs(steps []types.RunbookStep) []StepInput {
	out := make([]StepInput, 0, len(steps))
	for _, s := range steps {
		out = append(out, StepInput{
			Interface: s.Interface,
			Step:      s.Step,
			Args:      s.Args,
			Order:     s.Order,
		})
	}
	return out
}

// Masked returns a read-only copy of the runbook with sensitive step arg
// values replaced. The stored runbook is never modified.
func Masked(rb *types.Runbook) *types.Runbook {
	out := *rb
	out.Steps = make([]types.RunbookStep, len(rb.Steps))
	for i, step := range rb.Steps {
		out.Steps[i] = step
		if len(step.Args) == 0 {
			continue
		}
		args := make(map[string]any, len(step.Args))
		for key, value := range step.Args {
			if sensitiveArgKeys[strings.ToLower(key)] {
				args[key] = maskedValue
			} else {
				args[key] = value
			}
		}
		out.Steps[i].Args = args
	}
	return &out
}
