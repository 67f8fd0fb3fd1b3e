package lookup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/metalfleet/inspectd/internal/types"
)

// fakeStore serves a fixed node set from memory.
type fakeStore struct {
	nodes []*types.Node
	ports []types.Port
}

func (s *fakeStore) GetByUUID(ctx context.Context, uuid string) (*types.Node, error) {
	for _, n := range s.nodes {
		if n.UUID == uuid {
			return n, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *fakeStore) GetByPortAddresses(ctx context.Context, macs []string) ([]*types.Node, error) {
	owners := make(map[string]bool)
	var out []*types.Node
	for _, mac := range macs {
		for _, p := range s.ports {
			if p.Address != mac || owners[p.NodeUUID] {
				continue
			}
			owners[p.NodeUUID] = true
			n, err := s.GetByUUID(ctx, p.NodeUUID)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *fakeStore) ListByProvisionState(ctx context.Context, state string) ([]*types.Node, error) {
	var out []*types.Node
	for _, n := range s.nodes {
		if n.ProvisionState == state {
			out = append(out, n)
		}
	}
	return out, nil
}

func testService(store NodeStore) *Service {
	return New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func waitingNode(uuid string) *types.Node {
	return &types.Node{UUID: uuid, ProvisionState: types.ProvisionStateInspectWait}
}

func TestLookup(t *testing.T) {
	nodeA := waitingNode("aaaa")
	nodeA.DriverInternalInfo = map[string]any{
		LookupCacheField: []string{"10.0.0.99"},
	}
	nodeB := waitingNode("bbbb")
	nodeActive := &types.Node{UUID: "cccc", ProvisionState: types.ProvisionStateAvailable}

	bmcNode := waitingNode("dddd")
	bmcNode.DriverInternalInfo = map[string]any{
		LookupCacheField: []string{"10.1.1.1", "bmc-d.example.com"},
	}

	store := &fakeStore{
		nodes: []*types.Node{nodeA, nodeB, nodeActive, bmcNode},
		ports: []types.Port{
			{UUID: "p1", NodeUUID: "aaaa", Address: "aa:bb:cc:dd:ee:01"},
			{UUID: "p2", NodeUUID: "bbbb", Address: "aa:bb:cc:dd:ee:02"},
			{UUID: "p3", NodeUUID: "cccc", Address: "aa:bb:cc:dd:ee:03"},
		},
	}

	tests := []struct {
		name     string
		nodeUUID string
		macs     []string
		bmc      []string
		want     string
		wantErr  bool
	}{
		{
			name:     "by claimed uuid",
			nodeUUID: "aaaa",
			want:     "aaaa",
		},
		{
			name: "by mac",
			macs: []string{"aa:bb:cc:dd:ee:01", "de:ad:be:ef:00:00"},
			want: "aaaa",
		},
		{
			name:     "uuid and mac agree",
			nodeUUID: "aaaa",
			macs:     []string{"aa:bb:cc:dd:ee:01"},
			want:     "aaaa",
		},
		{
			name:     "uuid and mac conflict",
			nodeUUID: "aaaa",
			macs:     []string{"aa:bb:cc:dd:ee:02"},
			wantErr:  true,
		},
		{
			name:    "macs spanning two nodes are ambiguous",
			macs:    []string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02"},
			wantErr: true,
		},
		{
			name:    "no hints at all",
			wantErr: true,
		},
		{
			name:     "unknown uuid",
			nodeUUID: "ffff",
			wantErr:  true,
		},
		{
			name:    "unknown mac",
			macs:    []string{"de:ad:be:ef:00:00"},
			wantErr: true,
		},
		{
			name:     "node not awaiting inspection",
			nodeUUID: "cccc",
			wantErr:  true,
		},
		{
			name: "mac match in wrong state",
			macs: []string{"aa:bb:cc:dd:ee:03"},
			wantErr: true,
		},
		{
			name: "by cached bmc address",
			bmc:  []string{"10.1.1.1"},
			want: "dddd",
		},
		{
			name: "bmc hostname match is case-insensitive",
			bmc:  []string{"BMC-D.example.COM"},
			want: "dddd",
		},
		{
			name:    "unknown bmc address",
			bmc:     []string{"10.9.9.9"},
			wantErr: true,
		},
		{
			name: "mac and bmc evidence agree",
			macs: []string{"aa:bb:cc:dd:ee:01"},
			bmc:  []string{"10.0.0.99"},
			want: "aaaa",
		},
		{
			name:    "mac and bmc evidence disagree",
			macs:    []string{"aa:bb:cc:dd:ee:01"},
			bmc:     []string{"10.1.1.1"},
			wantErr: true,
		},
		{
			name: "bmc miss does not disturb mac resolution",
			macs: []string{"aa:bb:cc:dd:ee:01"},
			bmc:  []string{"10.9.9.9"},
			want: "aaaa",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := testService(store).Lookup(context.Background(), tt.nodeUUID, tt.macs, tt.bmc)
			if tt.wantErr {
				if !errors.Is(err, types.ErrNotFound) {
					t.Fatalf("Lookup() error = %v, want ErrNotFound", err)
				}
				// Uniform message regardless of the failure mode.
				if err.Error() != types.ErrNotFound.Error() {
					t.Errorf("Lookup() error message %q leaks detail", err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Lookup() unexpected error: %v", err)
			}
			if node.UUID != tt.want {
				t.Errorf("Lookup() = %s, want %s", node.UUID, tt.want)
			}
		})
	}
}

// brokenStore fails every read with a non-NotFound error.
type brokenStore struct {
	fakeStore
	err error
}

func (s *brokenStore) GetByUUID(ctx context.Context, uuid string) (*types.Node, error) {
	return nil, s.err
}

func TestLookup_StorageErrorsPropagate(t *testing.T) {
	// Only lookup failures collapse into the generic error. A broken
	// database is the operator's problem, not the ramdisk's, and hiding
	// it behind NotFound would send the node to inspect failed with a
	// uselessly generic cause.
	storageErr := errors.New("database connection refused")
	svc := testService(&brokenStore{err: storageErr})

	_, err := svc.Lookup(context.Background(), "aaaa", nil, nil)
	if !errors.Is(err, storageErr) {
		t.Fatalf("Lookup() error = %v, want wrapped storage error", err)
	}
	if errors.Is(err, types.ErrNotFound) {
		t.Error("storage failure surfaced as the generic lookup error")
	}
}

func TestLookup_BMCAmbiguity(t *testing.T) {
	nodeA := waitingNode("aaaa")
	nodeA.DriverInternalInfo = map[string]any{LookupCacheField: []string{"10.1.1.1"}}
	nodeB := waitingNode("bbbb")
	// []any simulates a record round-tripped through JSON storage.
	nodeB.DriverInternalInfo = map[string]any{LookupCacheField: []any{"10.1.1.1"}}

	store := &fakeStore{nodes: []*types.Node{nodeA, nodeB}}

	_, err := testService(store).Lookup(context.Background(), "", nil, []string{"10.1.1.1"})
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("Lookup() error = %v, want ErrNotFound on ambiguity", err)
	}
}

func TestCacheLookupAddresses(t *testing.T) {
	resolver := func(ctx context.Context, host string) ([]string, error) {
		switch host {
		case "bmc.example.com":
			return []string{"10.2.3.4"}, nil
		case "broken.example.com":
			return nil, errors.New("no such host")
		}
		return nil, errors.New("unexpected host " + host)
	}

	tests := []struct {
		name       string
		driverInfo map[string]any
		bridging   bool
		want       []string
	}{
		{
			name: "bare ip is cached without resolution",
			driverInfo: map[string]any{
				"ipmi_address": "10.0.0.5",
			},
			want: []string{"10.0.0.5"},
		},
		{
			name: "hostname resolves and both forms are cached",
			driverInfo: map[string]any{
				"redfish_address": "https://bmc.example.com:443",
			},
			want: []string{"bmc.example.com", "10.2.3.4"},
		},
		{
			name: "bracketed ipv6 with port",
			driverInfo: map[string]any{
				"ipmi_address": "[fd00::5]:623",
			},
			want: []string{"fd00::5"},
		},
		{
			name: "loopback excluded",
			driverInfo: map[string]any{
				"ipmi_address":    "127.0.0.1",
				"redfish_address": "https://bmc.example.com",
			},
			want: []string{"bmc.example.com", "10.2.3.4"},
		},
		{
			name: "ipmi fields skipped under bridging",
			driverInfo: map[string]any{
				"ipmi_address":    "10.0.0.5",
				"redfish_address": "10.0.0.6",
			},
			bridging: true,
			want:     []string{"10.0.0.6"},
		},
		{
			name: "resolution failure keeps the hostname itself",
			driverInfo: map[string]any{
				"redfish_address": "broken.example.com",
			},
			want: []string{"broken.example.com"},
		},
		{
			name: "non-address fields ignored",
			driverInfo: map[string]any{
				"ipmi_username": "admin",
				"ipmi_port":     623,
			},
			want: nil,
		},
		{
			name: "duplicates collapse",
			driverInfo: map[string]any{
				"ipmi_address":     "10.0.0.5",
				"redfish_address":  "10.0.0.5",
			},
			want: []string{"10.0.0.5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &types.Node{UUID: "n1", DriverInfo: tt.driverInfo}
			cacher := &Cacher{
				IPMIBridgingEnabled: tt.bridging,
				Resolve:             resolver,
				Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
			}
			cacher.CacheLookupAddresses(context.Background(), node)

			if tt.want == nil {
				if _, present := node.DriverInternalInfo[LookupCacheField]; present {
					t.Fatalf("cache entry present, want absent: %v", node.DriverInternalInfo)
				}
				return
			}
			got, _ := node.DriverInternalInfo[LookupCacheField].([]string)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("cached addresses = %v, want %v", got, tt.want)
			}
		})
	}
}

// A refreshed cache replaces the old entry, and an emptied driver_info
// clears it.
func TestCacheLookupAddresses_Refresh(t *testing.T) {
	node := &types.Node{
		UUID:       "n1",
		DriverInfo: map[string]any{"ipmi_address": "10.0.0.5"},
	}
	cacher := &Cacher{Resolve: func(ctx context.Context, host string) ([]string, error) {
		return nil, errors.New("unused")
	}}

	cacher.CacheLookupAddresses(context.Background(), node)
	node.DriverInfo["ipmi_address"] = "10.0.0.6"
	cacher.CacheLookupAddresses(context.Background(), node)

	got, _ := node.DriverInternalInfo[LookupCacheField].([]string)
	if !reflect.DeepEqual(got, []string{"10.0.0.6"}) {
		t.Fatalf("cached addresses = %v, want refreshed entry", got)
	}

	node.DriverInfo = nil
	cacher.CacheLookupAddresses(context.Background(), node)
	if _, present := node.DriverInternalInfo[LookupCacheField]; present {
		t.Fatal("cache entry not cleared after driver_info emptied")
	}
}
