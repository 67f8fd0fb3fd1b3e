// internal/types/node.go
package types

import "slices"

// Provision states relevant to inspection. The full fleet lifecycle lives
// with the conductor; the inspection core only needs to recognize the state
// a node must be in to be eligible for lookup resolution.
const (
	ProvisionStateEnroll        = "enroll"
	ProvisionStateManageable    = "manageable"
	ProvisionStateInspecting    = "inspecting"
	ProvisionStateInspectWait   = "inspect wait"
	ProvisionStateInspectFailed = "inspect failed"
	ProvisionStateAvailable     = "available"
)

// Node is the managed fleet record as seen by the inspection core. The JSON
// tags double as the field names visible to node:// condition paths, so
// renaming one is an externally observable change.
type Node struct {
	UUID               string         `json:"uuid"`
	ProvisionState     string         `json:"provision_state"`
	LastError          string         `json:"last_error,omitempty"`
	Properties         map[string]any `json:"properties"`
	Extra              map[string]any `json:"extra"`
	DriverInfo         map[string]any `json:"driver_info"`
	DriverInternalInfo map[string]any `json:"driver_internal_info"`
	Traits             []string       `json:"traits"`
}

// Port is a network interface owned by a node.
type Port struct {
	UUID     string `json:"uuid"`
	NodeUUID string `json:"node_uuid"`
	Address  string `json:"address"` // MAC
}

// SetDriverInternalInfo stores a value in the node's side-channel cache,
// allocating the map on first use.
func (n *Node) SetDriverInternalInfo(key string, value any) {
	if n.DriverInternalInfo == nil {
		n.DriverInternalInfo = make(map[string]any)
	}
	n.DriverInternalInfo[key] = value
}

// DelDriverInternalInfo removes a cached value; missing keys are a no-op.
func (n *Node) DelDriverInternalInfo(key string) {
	delete(n.DriverInternalInfo, key)
}

// HasTrait reports whether the node carries the named trait.
func (n *Node) HasTrait(name string) bool {
	return slices.Contains(n.Traits, name)
}

// AddTrait adds a trait if not already present.
func (n *Node) AddTrait(name string) {
	if !n.HasTrait(name) {
		n.Traits = append(n.Traits, name)
	}
}

// RemoveTrait removes a trait; absent traits are a no-op.
func (n *Node) RemoveTrait(name string) {
	n.Traits = slices.DeleteFunc(n.Traits, func(t string) bool {
		return t == name
	})
}
