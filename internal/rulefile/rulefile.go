// Package rulefile loads versioned YAML rule files for bulk import.
package rulefile

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/metalfleet/inspectd/internal/rules"
	"github.com/metalfleet/inspectd/internal/types"
)

// SchemaVersion is the only rule-file schema this build understands.
// The field exists so the format can evolve without guessing.
const SchemaVersion = "1.0"

// File is the on-disk shape of a rule file.
type File struct {
	SchemaVersion string            `yaml:"schema_version"`
	Rules         []rules.RuleInput `yaml:"rules"`
}

// Load reads a rule file and validates every rule in it through the
// given validator. Either all rules validate or nothing is returned, so
// an import is all-or-nothing.
func Load(path string, validator *rules.Validator) ([]*types.Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rule file: %w", err)
	}
	defer f.Close()
	return Read(f, validator)
}

// Read is Load for an already-open stream.
func Read(r io.Reader, validator *rules.Validator) ([]*types.Rule, error) {
	var file File
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: malformed rule file: %v", types.ErrInvalid, err)
	}

	if file.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema_version %q, want %q",
			types.ErrInvalid, file.SchemaVersion, SchemaVersion)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("%w: rule file contains no rules", types.ErrInvalid)
	}

	validated := make([]*types.Rule, 0, len(file.Rules))
	for i, input := range file.Rules {
		rule, err := validator.ValidateRule(input)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		validated = append(validated, rule)
	}
	return validated, nil
}
