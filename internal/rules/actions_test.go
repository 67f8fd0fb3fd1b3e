package rules

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/metalfleet/inspectd/internal/types"
)

func testExecContext(node *types.Node) *ExecContext {
	return &ExecContext{
		Node:   node,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func action(t *testing.T, name string) ActionPlugin {
	t.Helper()
	plugin, err := NewRegistry().Action(name)
	if err != nil {
		t.Fatalf("Action(%q): %v", name, err)
	}
	return plugin
}

func TestFailAction(t *testing.T) {
	node := &types.Node{UUID: "n1"}
	ctx := testExecContext(node)

	err := action(t, "fail").Execute(ctx, types.Params{"msg": "no disks found"})
	if !errors.Is(err, types.ErrRuleProcessingStopped) {
		t.Fatalf("fail.Execute() error = %v, want ErrRuleProcessingStopped", err)
	}
	if node.LastError != "no disks found" {
		t.Errorf("node.LastError = %q, want %q", node.LastError, "no disks found")
	}
}

func TestSetAttributeAction(t *testing.T) {
	tests := []struct {
		name    string
		node    *types.Node
		path    string
		value   any
		check   func(t *testing.T, node *types.Node)
		wantErr bool
	}{
		{
			name:  "sets top-level property",
			node:  &types.Node{},
			path:  "/properties/cpu_arch",
			value: "x86_64",
			check: func(t *testing.T, node *types.Node) {
				if node.Properties["cpu_arch"] != "x86_64" {
					t.Errorf("properties = %v", node.Properties)
				}
			},
		},
		{
			name:  "creates intermediate objects",
			node:  &types.Node{},
			path:  "/extra/hardware/gpu",
			value: "none",
			check: func(t *testing.T, node *types.Node) {
				hw, _ := node.Extra["hardware"].(map[string]any)
				if hw == nil || hw["gpu"] != "none" {
					t.Errorf("extra = %v", node.Extra)
				}
			},
		},
		{
			name:  "overwrites scalar intermediate",
			node:  &types.Node{Extra: map[string]any{"hardware": "old"}},
			path:  "/extra/hardware/gpu",
			value: "none",
			check: func(t *testing.T, node *types.Node) {
				hw, _ := node.Extra["hardware"].(map[string]any)
				if hw == nil || hw["gpu"] != "none" {
					t.Errorf("extra = %v", node.Extra)
				}
			},
		},
		{
			name:  "writes into driver_info",
			node:  &types.Node{DriverInfo: map[string]any{"ipmi_address": "10.0.0.1"}},
			path:  "/driver_info/ipmi_port",
			value: float64(623),
			check: func(t *testing.T, node *types.Node) {
				if node.DriverInfo["ipmi_port"] != float64(623) {
					t.Errorf("driver_info = %v", node.DriverInfo)
				}
				if node.DriverInfo["ipmi_address"] != "10.0.0.1" {
					t.Errorf("existing driver_info keys disturbed: %v", node.DriverInfo)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plugin := action(t, "set-attribute")
			params := types.Params{"path": tt.path, "value": tt.value}
			if err := plugin.Validate(params); err != nil {
				t.Fatalf("Validate() error: %v", err)
			}
			if err := plugin.Execute(testExecContext(tt.node), params); err != nil {
				t.Fatalf("Execute() error: %v", err)
			}
			tt.check(t, tt.node)
		})
	}
}

func TestDelAttributeAction(t *testing.T) {
	node := &types.Node{
		Properties: map[string]any{
			"cpu_arch": "x86_64",
			"nested":   map[string]any{"inner": "v"},
		},
	}
	plugin := action(t, "del-attribute")

	if err := plugin.Execute(testExecContext(node), types.Params{"path": "/properties/cpu_arch"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if _, ok := node.Properties["cpu_arch"]; ok {
		t.Error("cpu_arch still present after delete")
	}

	// Deleting an absent path is a no-op, not an error.
	if err := plugin.Execute(testExecContext(node), types.Params{"path": "/properties/missing/deep"}); err != nil {
		t.Fatalf("Execute() on absent path error: %v", err)
	}
}

func TestAttributePathValidation(t *testing.T) {
	tests := []struct {
		name    string
		path    any
		wantErr bool
	}{
		{"mutable root", "/properties/x", false},
		{"extra root", "/extra/x", false},
		{"driver_info root", "/driver_info/x", false},
		{"nested path", "/properties/a/b/c", false},
		{"non-writable root", "/provision_state", true},
		{"traits not writable via attribute", "/traits/0", true},
		{"missing leading slash", "properties/x", true},
		{"root only", "/properties", true},
		{"empty component", "/properties//x", true},
		{"non-string path", 42, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := action(t, "del-attribute").Validate(types.Params{"path": tt.path})
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(path=%v) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestTraitActions(t *testing.T) {
	node := &types.Node{}
	set := action(t, "set-trait")
	del := action(t, "del-trait")

	if err := set.Execute(testExecContext(node), types.Params{"trait": "CUSTOM_GPU"}); err != nil {
		t.Fatalf("set-trait error: %v", err)
	}
	if !node.HasTrait("CUSTOM_GPU") {
		t.Fatal("trait not added")
	}

	// Adding twice stays deduplicated.
	if err := set.Execute(testExecContext(node), types.Params{"trait": "CUSTOM_GPU"}); err != nil {
		t.Fatalf("set-trait repeat error: %v", err)
	}
	if len(node.Traits) != 1 {
		t.Fatalf("traits = %v, want single entry", node.Traits)
	}

	if err := del.Execute(testExecContext(node), types.Params{"trait": "CUSTOM_GPU"}); err != nil {
		t.Fatalf("del-trait error: %v", err)
	}
	if node.HasTrait("CUSTOM_GPU") {
		t.Fatal("trait still present after delete")
	}

	// Removing an absent trait is a no-op.
	if err := del.Execute(testExecContext(node), types.Params{"trait": "CUSTOM_GPU"}); err != nil {
		t.Fatalf("del-trait absent error: %v", err)
	}
}

func TestCapabilityActions(t *testing.T) {
	node := &types.Node{
		Properties: map[string]any{"capabilities": "boot_mode:uefi"},
	}
	set := action(t, "set-capability")
	unset := action(t, "unset-capability")

	if err := set.Execute(testExecContext(node), types.Params{"name": "secure_boot", "value": "true"}); err != nil {
		t.Fatalf("set-capability error: %v", err)
	}
	// Serialization is sorted by name.
	if got := node.Properties["capabilities"]; got != "boot_mode:uefi,secure_boot:true" {
		t.Fatalf("capabilities = %q", got)
	}

	if err := set.Execute(testExecContext(node), types.Params{"name": "boot_mode", "value": "bios"}); err != nil {
		t.Fatalf("set-capability overwrite error: %v", err)
	}
	if got := node.Properties["capabilities"]; got != "boot_mode:bios,secure_boot:true" {
		t.Fatalf("capabilities = %q", got)
	}

	if err := unset.Execute(testExecContext(node), types.Params{"name": "boot_mode"}); err != nil {
		t.Fatalf("unset-capability error: %v", err)
	}
	if got := node.Properties["capabilities"]; got != "secure_boot:true" {
		t.Fatalf("capabilities = %q", got)
	}

	// Removing the last capability removes the property entirely.
	if err := unset.Execute(testExecContext(node), types.Params{"name": "secure_boot"}); err != nil {
		t.Fatalf("unset-capability last error: %v", err)
	}
	if _, ok := node.Properties["capabilities"]; ok {
		t.Fatalf("capabilities property still present: %v", node.Properties)
	}
}

// Test actions see the effects of earlier actions in the same rule
func TestActions_OrderingEffects(t *testing.T) {
	node := &types.Node{}
	ctx := testExecContext(node)

	set := action(t, "set-attribute")
	del := action(t, "del-attribute")

	if err := set.Execute(ctx, types.Params{"path": "/properties/x", "value": "1"}); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if err := del.Execute(ctx, types.Params{"path": "/properties/x"}); err != nil {
		t.Fatalf("del error: %v", err)
	}
	if _, ok := node.Properties["x"]; ok {
		t.Error("delete did not observe earlier set")
	}
	if len(ctx.Mutations) != 2 {
		t.Errorf("mutations = %v, want two entries", ctx.Mutations)
	}
}
