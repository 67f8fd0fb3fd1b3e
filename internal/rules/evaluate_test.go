package rules

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/metalfleet/inspectd/internal/types"
)

func testEngine() *Engine {
	return NewEngine(NewRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func eqCondition(field string, value any) types.Condition {
	return types.Condition{
		Field:    field,
		Op:       "eq",
		Multiple: types.MultipleAny,
		Params:   types.Params{"value": value},
	}
}

func traitAction(trait string) types.Action {
	return types.Action{Action: "set-trait", Params: types.Params{"trait": trait}}
}

func TestApply_ConditionMatching(t *testing.T) {
	inventory := map[string]any{
		"inventory": map[string]any{
			"cpu":   map[string]any{"count": float64(4), "architecture": "x86_64"},
			"disks": []any{},
		},
	}

	tests := []struct {
		name        string
		conditions  []types.Condition
		wantMatched bool
	}{
		{
			name:        "no conditions always matches",
			conditions:  nil,
			wantMatched: true,
		},
		{
			name: "single true condition",
			conditions: []types.Condition{
				eqCondition("inventory.cpu.count", 4),
			},
			wantMatched: true,
		},
		{
			name: "conditions are ANDed",
			conditions: []types.Condition{
				eqCondition("inventory.cpu.count", 4),
				eqCondition("inventory.cpu.architecture", "aarch64"),
			},
			wantMatched: false,
		},
		{
			name: "invert negates the result",
			conditions: []types.Condition{
				{
					Field:    "inventory.cpu.architecture",
					Op:       "eq",
					Multiple: types.MultipleAny,
					Invert:   true,
					Params:   types.Params{"value": "aarch64"},
				},
			},
			wantMatched: true,
		},
		{
			name: "node scheme reads the node record",
			conditions: []types.Condition{
				eqCondition("node://provision_state", "inspect wait"),
			},
			wantMatched: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &types.Node{
				UUID:           "n1",
				ProvisionState: types.ProvisionStateInspectWait,
			}
			rule := types.Rule{
				UUID:       types.NewRuleID(),
				Conditions: tt.conditions,
				Actions:    []types.Action{traitAction("CUSTOM_MATCHED")},
			}

			outcomes, err := testEngine().Apply(context.Background(), node, inventory, []types.Rule{rule})
			if err != nil {
				t.Fatalf("Apply() error: %v", err)
			}
			if len(outcomes) != 1 {
				t.Fatalf("Apply() returned %d outcomes, want 1", len(outcomes))
			}
			if outcomes[0].Matched != tt.wantMatched {
				t.Errorf("Matched = %v, want %v", outcomes[0].Matched, tt.wantMatched)
			}
			if node.HasTrait("CUSTOM_MATCHED") != tt.wantMatched {
				t.Errorf("trait presence = %v, want %v",
					node.HasTrait("CUSTOM_MATCHED"), tt.wantMatched)
			}
		})
	}
}

// Multiplicity semantics, including the vacuous zero-match cases: all is
// vacuously true, any and first are vacuously false.
func TestApply_Multiplicity(t *testing.T) {
	inventory := map[string]any{
		"disks": []any{
			map[string]any{"size_gb": float64(100)},
			map[string]any{"size_gb": float64(500)},
		},
		"empty": []any{},
	}

	tests := []struct {
		name        string
		field       string
		op          string
		multiple    types.Multiplicity
		params      types.Params
		wantMatched bool
	}{
		{
			name:  "any matches when one value qualifies",
			field: "disks[*].size_gb", op: "gt",
			multiple: types.MultipleAny, params: types.Params{"value": 200},
			wantMatched: true,
		},
		{
			name:  "all fails when one value disqualifies",
			field: "disks[*].size_gb", op: "gt",
			multiple: types.MultipleAll, params: types.Params{"value": 200},
			wantMatched: false,
		},
		{
			name:  "all holds when every value qualifies",
			field: "disks[*].size_gb", op: "ge",
			multiple: types.MultipleAll, params: types.Params{"value": 100},
			wantMatched: true,
		},
		{
			name:  "first binds to document order",
			field: "disks[*].size_gb", op: "eq",
			multiple: types.MultipleFirst, params: types.Params{"value": 100},
			wantMatched: true,
		},
		{
			name:  "first ignores later matches",
			field: "disks[*].size_gb", op: "eq",
			multiple: types.MultipleFirst, params: types.Params{"value": 500},
			wantMatched: false,
		},
		{
			name:  "all is vacuously true on zero matches",
			field: "empty[*].size_gb", op: "gt",
			multiple: types.MultipleAll, params: types.Params{"value": 0},
			wantMatched: true,
		},
		{
			name:  "any is vacuously false on zero matches",
			field: "empty[*].size_gb", op: "gt",
			multiple: types.MultipleAny, params: types.Params{"value": 0},
			wantMatched: false,
		},
		{
			name:  "first is vacuously false on zero matches",
			field: "empty[*].size_gb", op: "gt",
			multiple: types.MultipleFirst, params: types.Params{"value": 0},
			wantMatched: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &types.Node{UUID: "n1"}
			rule := types.Rule{
				UUID: types.NewRuleID(),
				Conditions: []types.Condition{{
					Field:    tt.field,
					Op:       tt.op,
					Multiple: tt.multiple,
					Params:   tt.params,
				}},
				Actions: []types.Action{traitAction("CUSTOM_MATCHED")},
			}

			outcomes, err := testEngine().Apply(context.Background(), node, inventory, []types.Rule{rule})
			if err != nil {
				t.Fatalf("Apply() error: %v", err)
			}
			if outcomes[0].Matched != tt.wantMatched {
				t.Errorf("Matched = %v, want %v", outcomes[0].Matched, tt.wantMatched)
			}
		})
	}
}

func TestApply_SkipsDisabledAndOutOfScope(t *testing.T) {
	node := &types.Node{
		UUID:       "n1",
		Properties: map[string]any{InspectionScopeProperty: "dc-west"},
	}
	ruleList := []types.Rule{
		{
			UUID:     types.NewRuleID(),
			Disabled: true,
			Actions:  []types.Action{traitAction("CUSTOM_DISABLED")},
		},
		{
			UUID:    types.NewRuleID(),
			Scope:   "dc-east",
			Actions: []types.Action{traitAction("CUSTOM_WRONG_SCOPE")},
		},
		{
			UUID:    types.NewRuleID(),
			Scope:   "dc-west",
			Actions: []types.Action{traitAction("CUSTOM_IN_SCOPE")},
		},
		{
			UUID:    types.NewRuleID(),
			Actions: []types.Action{traitAction("CUSTOM_UNSCOPED")},
		},
	}

	outcomes, err := testEngine().Apply(context.Background(), node, map[string]any{}, ruleList)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	// Skipped rules produce no outcome entries.
	if len(outcomes) != 2 {
		t.Fatalf("Apply() returned %d outcomes, want 2", len(outcomes))
	}
	if node.HasTrait("CUSTOM_DISABLED") || node.HasTrait("CUSTOM_WRONG_SCOPE") {
		t.Errorf("skipped rules ran actions: traits = %v", node.Traits)
	}
	if !node.HasTrait("CUSTOM_IN_SCOPE") || !node.HasTrait("CUSTOM_UNSCOPED") {
		t.Errorf("expected rules did not run: traits = %v", node.Traits)
	}
}

func TestApply_FailActionStopsProcessing(t *testing.T) {
	node := &types.Node{UUID: "n1"}
	ruleList := []types.Rule{
		{
			UUID:    types.NewRuleID(),
			Actions: []types.Action{traitAction("CUSTOM_BEFORE")},
		},
		{
			UUID: types.NewRuleID(),
			Actions: []types.Action{
				{Action: "fail", Params: types.Params{"msg": "unsupported hardware"}},
				traitAction("CUSTOM_SAME_RULE_AFTER"),
			},
		},
		{
			UUID:    types.NewRuleID(),
			Actions: []types.Action{traitAction("CUSTOM_NEXT_RULE")},
		},
	}

	outcomes, err := testEngine().Apply(context.Background(), node, map[string]any{}, ruleList)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("Apply() returned %d outcomes, want 2 (third rule never evaluated)", len(outcomes))
	}
	if !errors.Is(outcomes[1].Err, types.ErrRuleProcessingStopped) {
		t.Errorf("outcome error = %v, want ErrRuleProcessingStopped", outcomes[1].Err)
	}
	if node.LastError != "unsupported hardware" {
		t.Errorf("node.LastError = %q", node.LastError)
	}
	if !node.HasTrait("CUSTOM_BEFORE") {
		t.Error("rule before the failure did not run")
	}
	if node.HasTrait("CUSTOM_SAME_RULE_AFTER") || node.HasTrait("CUSTOM_NEXT_RULE") {
		t.Errorf("processing continued past terminal action: traits = %v", node.Traits)
	}
}

// A non-terminal action failure aborts the rule's remaining actions but
// later rules still run.
func TestApply_ActionFailureIsPerRule(t *testing.T) {
	node := &types.Node{UUID: "n1"}
	ruleList := []types.Rule{
		{
			UUID: types.NewRuleID(),
			Actions: []types.Action{
				// set-capability with a composite value fails at
				// execution time.
				{Action: "set-capability", Params: types.Params{
					"name": "bad", "value": []any{"composite"},
				}},
				traitAction("CUSTOM_AFTER_FAILURE"),
			},
		},
		{
			UUID:    types.NewRuleID(),
			Actions: []types.Action{traitAction("CUSTOM_NEXT_RULE")},
		},
	}

	outcomes, err := testEngine().Apply(context.Background(), node, map[string]any{}, ruleList)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("Apply() returned %d outcomes, want 2", len(outcomes))
	}
	if outcomes[0].Err == nil {
		t.Error("first outcome missing action error")
	}
	if node.HasTrait("CUSTOM_AFTER_FAILURE") {
		t.Error("failed rule's remaining actions ran")
	}
	if !node.HasTrait("CUSTOM_NEXT_RULE") {
		t.Error("subsequent rule did not run after per-rule failure")
	}
}

// Later rules observe node mutations applied by earlier rules' actions.
func TestApply_NodeReprojection(t *testing.T) {
	node := &types.Node{UUID: "n1"}
	ruleList := []types.Rule{
		{
			UUID: types.NewRuleID(),
			Actions: []types.Action{
				{Action: "set-attribute", Params: types.Params{
					"path": "/properties/marker", "value": "set-by-rule-1",
				}},
			},
		},
		{
			UUID: types.NewRuleID(),
			Conditions: []types.Condition{
				eqCondition("node://properties.marker", "set-by-rule-1"),
			},
			Actions: []types.Action{traitAction("CUSTOM_SAW_MARKER")},
		},
	}

	outcomes, err := testEngine().Apply(context.Background(), node, map[string]any{}, ruleList)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !outcomes[1].Matched {
		t.Error("second rule did not observe first rule's mutation")
	}
	if !node.HasTrait("CUSTOM_SAW_MARKER") {
		t.Errorf("traits = %v", node.Traits)
	}
}

// End-to-end: validate raw input, then evaluate against inventory.
func TestApply_EndToEnd(t *testing.T) {
	validator := testValidator()
	rule, err := validator.ValidateRule(RuleInput{
		Description: "tag quad-core machines",
		Conditions: []map[string]any{
			{"op": "eq", "field": "data://inventory.cpu.count", "value": 4},
		},
		Actions: []map[string]any{
			{"action": "set-trait", "trait": "CUSTOM_QUAD_CORE"},
		},
	})
	if err != nil {
		t.Fatalf("ValidateRule() error: %v", err)
	}

	node := &types.Node{UUID: "n1", ProvisionState: types.ProvisionStateInspectWait}
	inventory := map[string]any{
		"inventory": map[string]any{
			"cpu": map[string]any{"count": float64(4)},
		},
	}

	outcomes, err := testEngine().Apply(context.Background(), node, inventory, []types.Rule{*rule})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !outcomes[0].Matched {
		t.Fatal("rule did not match quad-core inventory")
	}
	if !node.HasTrait("CUSTOM_QUAD_CORE") {
		t.Errorf("traits = %v, want CUSTOM_QUAD_CORE", node.Traits)
	}
	if outcomes[0].ActionsRun != 1 {
		t.Errorf("ActionsRun = %d, want 1", outcomes[0].ActionsRun)
	}
}

func TestApply_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	node := &types.Node{UUID: "n1"}
	ruleList := []types.Rule{{
		UUID:    types.NewRuleID(),
		Actions: []types.Action{traitAction("CUSTOM_MATCHED")},
	}}

	outcomes, err := testEngine().Apply(ctx, node, map[string]any{}, ruleList)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Apply() error = %v, want context.Canceled", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("Apply() returned %d outcomes, want 0", len(outcomes))
	}
}
