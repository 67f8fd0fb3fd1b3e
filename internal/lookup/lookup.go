// internal/lookup/lookup.go
package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"sort"
	"strings"

	"github.com/metalfleet/inspectd/internal/core/metrics"
	"github.com/metalfleet/inspectd/internal/types"
)

/*
 * Node lookup for unauthenticated ramdisk callbacks.
 *
 * The booted ramdisk knows, at best, its own MAC addresses, the BMC
 * addresses it can see, and sometimes the node UUID it was handed on the
 * kernel command line. Lookup resolves those hints to exactly one node
 * record, or fails.
 *
 * Every failure mode returns the same generic ErrNotFound. The caller is
 * unauthenticated, so distinguishing "no such node" from "wrong state" from
 * "ambiguous match" would leak fleet topology. Details go to the log only.
 *
 * BMC matching never talks to the network at lookup time: it compares
 * against addresses cached in driver_internal_info by CacheLookupAddresses,
 * which runs when inspection starts (while the node record is being
 * modified anyway and DNS latency is acceptable).
 */

// LookupCacheField is the driver_internal_info key holding the cached BMC
// addresses for this node.
const LookupCacheField = "lookup_bmc_addresses"

// NodeStore is the persistence surface lookup needs.
type NodeStore interface {
	// GetByUUID fetches one node, ErrNotFound when absent.
	GetByUUID(ctx context.Context, uuid string) (*types.Node, error)

	// GetByPortAddresses returns the distinct nodes owning a port with
	// any of the given MAC addresses.
	GetByPortAddresses(ctx context.Context, macs []string) ([]*types.Node, error)

	// ListByProvisionState returns all nodes in the given state.
	ListByProvisionState(ctx context.Context, state string) ([]*types.Node, error)
}

// Service resolves ramdisk-provided hints to a node record.
type Service struct {
	store  NodeStore
	logger *slog.Logger
}

// New creates a lookup service.
func New(store NodeStore, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// notFound logs the real reason and returns the uniform external error.
func (s *Service) notFound(outcome string, args ...any) error {
	s.logger.Info("lookup failed: "+outcome, args...)
	metrics.LookupOutcomes.WithLabelValues(outcome).Inc()
	return types.ErrNotFound
}

// Lookup resolves (nodeUUID, macs, bmcAddresses) to exactly one node in the
// inspect wait state. Hints that disagree with each other fail the lookup.
func (s *Service) Lookup(ctx context.Context, nodeUUID string, macs, bmcAddresses []string) (*types.Node, error) {
	if nodeUUID == "" && len(macs) == 0 && len(bmcAddresses) == 0 {
		return nil, s.notFound("no_hints")
	}

	var node *types.Node

	if nodeUUID != "" {
		found, err := s.store.GetByUUID(ctx, nodeUUID)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return nil, s.notFound("unknown_uuid", "node", nodeUUID)
			}
			return nil, fmt.Errorf("fetching node: %w", err)
		}
		node = found
	}

	if len(macs) > 0 {
		candidates, err := s.store.GetByPortAddresses(ctx, macs)
		if err != nil {
			return nil, fmt.Errorf("looking up ports: %w", err)
		}
		switch {
		case len(candidates) > 1:
			return nil, s.notFound("mac_ambiguous", "macs", macs)
		case len(candidates) == 1:
			if node != nil && node.UUID != candidates[0].UUID {
				return nil, s.notFound("mac_conflict",
					"claimed", node.UUID, "port_owner", candidates[0].UUID)
			}
			node = candidates[0]
		}
	}

	if node != nil && node.ProvisionState != types.ProvisionStateInspectWait {
		return nil, s.notFound("wrong_state",
			"node", node.UUID, "state", node.ProvisionState)
	}

	if len(bmcAddresses) > 0 {
		candidates, err := s.scanByBMC(ctx, bmcAddresses)
		if err != nil {
			return nil, err
		}
		switch {
		case node != nil:
			// Evidence that points at somebody else overrides the
			// earlier resolution rather than being ignored.
			if len(candidates) > 0 && !containsNode(candidates, node.UUID) {
				return nil, s.notFound("bmc_conflict", "resolved", node.UUID)
			}
		case len(candidates) == 1:
			node = candidates[0]
		case len(candidates) > 1:
			return nil, s.notFound("bmc_ambiguous",
				"first", candidates[0].UUID, "second", candidates[1].UUID)
		}
	}

	if node == nil {
		return nil, s.notFound("no_match", "macs", macs)
	}

	metrics.LookupOutcomes.WithLabelValues("resolved").Inc()
	return node, nil
}

// scanByBMC matches the reported BMC addresses against the cached address
// set of every node waiting for inspection.
func (s *Service) scanByBMC(ctx context.Context, bmcAddresses []string) ([]*types.Node, error) {
	waiting, err := s.store.ListByProvisionState(ctx, types.ProvisionStateInspectWait)
	if err != nil {
		return nil, fmt.Errorf("listing nodes awaiting inspection: %w", err)
	}

	var candidates []*types.Node
	for _, candidate := range waiting {
		if bmcAddressesIntersect(candidate, bmcAddresses) {
			candidates = append(candidates, candidate)
		}
	}
	return candidates, nil
}

func containsNode(nodes []*types.Node, uuid string) bool {
	for _, n := range nodes {
		if n.UUID == uuid {
			return true
		}
	}
	return false
}

func bmcAddressesIntersect(node *types.Node, reported []string) bool {
	cached := cachedAddresses(node)
	if len(cached) == 0 {
		return false
	}
	for _, addr := range reported {
		if cached[normalizeAddress(addr)] {
			return true
		}
	}
	return false
}

// cachedAddresses reads the lookup cache, tolerating both []string (fresh
// records) and []any (records round-tripped through JSON).
func cachedAddresses(node *types.Node) map[string]bool {
	out := make(map[string]bool)
	switch v := node.DriverInternalInfo[LookupCacheField].(type) {
	case []string:
		for _, addr := range v {
			out[normalizeAddress(addr)] = true
		}
	case []any:
		for _, raw := range v {
			if addr, ok := raw.(string); ok {
				out[normalizeAddress(addr)] = true
			}
		}
	}
	return out
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(addr), "[]"))
}

// HostResolver resolves a hostname to its addresses. Injectable for tests;
// the zero value of Cacher uses the system resolver.
type HostResolver func(ctx context.Context, host string) ([]string, error)

func systemResolve(ctx context.Context, host string) ([]string, error) {
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// Cacher populates the lookup address cache on node records.
type Cacher struct {
	// IPMIBridgingEnabled excludes ipmi_* driver_info fields from the
	// cache: with bridging, the address belongs to the bridge, not to
	// this node's BMC, and would collide across nodes.
	IPMIBridgingEnabled bool

	Resolve HostResolver
	Logger  *slog.Logger
}

// CacheLookupAddresses collects every *_address field from driver_info,
// extracts the host part, resolves it, and stores the resulting address set
// in driver_internal_info. An empty result clears the cache entry.
func (c *Cacher) CacheLookupAddresses(ctx context.Context, node *types.Node) {
	resolve := c.Resolve
	if resolve == nil {
		resolve = systemResolve
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	seen := make(map[string]bool)
	var addresses []string
	add := func(addr string) {
		addr = normalizeAddress(addr)
		if addr == "" || seen[addr] || isLoopback(addr) {
			return
		}
		seen[addr] = true
		addresses = append(addresses, addr)
	}

	fields := make([]string, 0, len(node.DriverInfo))
	for field := range node.DriverInfo {
		if strings.HasSuffix(field, "_address") {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)

	for _, field := range fields {
		raw := node.DriverInfo[field]
		if c.IPMIBridgingEnabled && strings.HasPrefix(field, "ipmi_") {
			continue
		}
		value, ok := raw.(string)
		if !ok || value == "" {
			continue
		}

		host := extractHost(value)
		if host == "" {
			continue
		}
		add(host)

		if _, err := netip.ParseAddr(host); err == nil {
			continue
		}
		resolved, err := resolve(ctx, host)
		if err != nil {
			logger.Warn("could not resolve BMC hostname",
				"node", node.UUID, "field", field, "host", host, "error", err)
			continue
		}
		for _, addr := range resolved {
			add(addr)
		}
	}

	if len(addresses) == 0 {
		node.DelDriverInternalInfo(LookupCacheField)
		return
	}
	node.SetDriverInternalInfo(LookupCacheField, addresses)
}

// extractHost pulls the host out of a BMC address value, which may be a bare
// host, a bracketed IPv6 literal or a full URL (redfish_address is often
// "https://bmc.example.com:443").
func extractHost(value string) string {
	if strings.Contains(value, "://") {
		u, err := url.Parse(value)
		if err != nil || u.Hostname() == "" {
			return ""
		}
		return u.Hostname()
	}
	host := value
	// Split off an explicit port. Unbracketed IPv6 literals fail the
	// split with "too many colons" and pass through unchanged.
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.Trim(host, "[]")
}

func isLoopback(addr string) bool {
	if addr == "localhost" {
		return true
	}
	parsed, err := netip.ParseAddr(addr)
	return err == nil && parsed.IsLoopback()
}
