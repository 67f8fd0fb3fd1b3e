package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/metalfleet/inspectd/internal/types"
)

// NodeStore reads and writes fleet records. It satisfies the lookup
// engine's store interface; creation exists for seeding and tests, the
// records themselves are owned by the conductor.
type NodeStore struct {
	q *Queries
}

// NewNodeStore creates a node store over the shared query layer.
func NewNodeStore(q *Queries) *NodeStore {
	return &NodeStore{q: q}
}

type nodeRow struct {
	UUID               string `db:"uuid"`
	ProvisionState     string `db:"provision_state"`
	LastError          string `db:"last_error"`
	Properties         []byte `db:"properties"`
	Extra              []byte `db:"extra"`
	DriverInfo         []byte `db:"driver_info"`
	DriverInternalInfo []byte `db:"driver_internal_info"`
	Traits             []byte `db:"traits"`
}

func (r nodeRow) toNode() (*types.Node, error) {
	node := &types.Node{
		UUID:           r.UUID,
		ProvisionState: r.ProvisionState,
		LastError:      r.LastError,
	}
	for _, col := range []struct {
		raw  []byte
		dest any
	}{
		{r.Properties, &node.Properties},
		{r.Extra, &node.Extra},
		{r.DriverInfo, &node.DriverInfo},
		{r.DriverInternalInfo, &node.DriverInternalInfo},
		{r.Traits, &node.Traits},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return nil, fmt.Errorf("decoding node %s: %w", r.UUID, err)
		}
	}
	return node, nil
}

// GetByUUID fetches one node, ErrNotFound when absent.
func (s *NodeStore) GetByUUID(ctx context.Context, uuid string) (*types.Node, error) {
	var row nodeRow
	if err := s.q.Get(ctx, "get-node", &row, uuid); err != nil {
		return nil, notFoundOr(err, "fetching node")
	}
	return row.toNode()
}

// GetByPortAddresses returns the distinct nodes owning a port with any of
// the given MAC addresses.
func (s *NodeStore) GetByPortAddresses(ctx context.Context, macs []string) ([]*types.Node, error) {
	if len(macs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`SELECT DISTINCT n.uuid, n.provision_state, n.last_error,
		n.properties, n.extra, n.driver_info, n.driver_internal_info, n.traits
		FROM nodes n JOIN ports p ON p.node_uuid = n.uuid
		WHERE p.address IN (?) ORDER BY n.uuid`, macs)
	if err != nil {
		return nil, fmt.Errorf("building port query: %w", err)
	}

	dbx := s.q.DB()
	var rows []nodeRow
	if err := dbx.SelectContext(ctx, &rows, dbx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying ports: %w", err)
	}
	return rowsToNodes(rows)
}

// ListByProvisionState returns all nodes in the given state.
func (s *NodeStore) ListByProvisionState(ctx context.Context, state string) ([]*types.Node, error) {
	var rows []nodeRow
	if err := s.q.Select(ctx, "list-nodes-by-provision-state", &rows, state); err != nil {
		return nil, fmt.Errorf("listing nodes by state: %w", err)
	}
	return rowsToNodes(rows)
}

// Save writes back a node mutated by rule actions or the lookup cache.
func (s *NodeStore) Save(ctx context.Context, node *types.Node) error {
	cols, err := nodeJSONColumns(node)
	if err != nil {
		return err
	}

	res, err := s.q.Exec(ctx, "update-node",
		node.ProvisionState, node.LastError,
		cols[0], cols[1], cols[2], cols[3], cols[4],
		nowStamp(), node.UUID)
	if err != nil {
		return fmt.Errorf("updating node %s: %w", node.UUID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// Create inserts a fleet record.
func (s *NodeStore) Create(ctx context.Context, node *types.Node) error {
	cols, err := nodeJSONColumns(node)
	if err != nil {
		return err
	}

	now := nowStamp()
	_, err = s.q.Exec(ctx, "create-node",
		node.UUID, node.ProvisionState, node.LastError,
		cols[0], cols[1], cols[2], cols[3], cols[4], now, now)
	if err != nil {
		return fmt.Errorf("creating node %s: %w", node.UUID, err)
	}
	return nil
}

// CreatePort attaches a network port to a node.
func (s *NodeStore) CreatePort(ctx context.Context, port types.Port) error {
	if _, err := s.q.Exec(ctx, "create-port", port.UUID, port.NodeUUID, port.Address); err != nil {
		return fmt.Errorf("creating port %s: %w", port.UUID, err)
	}
	return nil
}

func rowsToNodes(rows []nodeRow) ([]*types.Node, error) {
	nodes := make([]*types.Node, 0, len(rows))
	for _, row := range rows {
		node, err := row.toNode()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// nodeJSONColumns renders the five JSON columns in table order.
func nodeJSONColumns(node *types.Node) ([]string, error) {
	properties, err := marshalObject(node.Properties)
	if err != nil {
		return nil, fmt.Errorf("encoding properties: %w", err)
	}
	extra, err := marshalObject(node.Extra)
	if err != nil {
		return nil, fmt.Errorf("encoding extra: %w", err)
	}
	driverInfo, err := marshalObject(node.DriverInfo)
	if err != nil {
		return nil, fmt.Errorf("encoding driver_info: %w", err)
	}
	internalInfo, err := marshalObject(node.DriverInternalInfo)
	if err != nil {
		return nil, fmt.Errorf("encoding driver_internal_info: %w", err)
	}
	traits := "[]"
	if node.Traits != nil {
		raw, err := json.Marshal(node.Traits)
		if err != nil {
			return nil, fmt.Errorf("encoding traits: %w", err)
		}
		traits = string(raw)
	}
	return []string{properties, extra, driverInfo, internalInfo, traits}, nil
}
