package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/metalfleet/inspectd/internal/types"
)

// RunbookStore persists runbooks and their steps. Steps are a composition:
// they are written, replaced and removed together with their runbook, always
// inside one transaction.
type RunbookStore struct {
	q *Queries
}

// NewRunbookStore creates a runbook store over the shared query layer.
func NewRunbookStore(q *Queries) *RunbookStore {
	return &RunbookStore{q: q}
}

var runbookSortable = map[string]bool{
	"id":         true,
	"uuid":       true,
	"name":       true,
	"owner":      true,
	"created_at": true,
}

type runbookRow struct {
	UUID           string `db:"uuid"`
	Name           string `db:"name"`
	Description    string `db:"description"`
	DisableRamdisk bool   `db:"disable_ramdisk"`
	Extra          []byte `db:"extra"`
	Public         bool   `db:"public"`
	Owner          string `db:"owner"`
}

type runbookStepRow struct {
	Interface string `db:"interface"`
	Step      string `db:"step"`
	Args      []byte `db:"args"`
	StepOrder int    `db:"step_order"`
}

func (r runbookRow) toRunbook() (*types.Runbook, error) {
	rb := &types.Runbook{
		UUID:           types.RunbookID(r.UUID),
		Name:           r.Name,
		Description:    r.Description,
		DisableRamdisk: r.DisableRamdisk,
		Public:         r.Public,
		Owner:          r.Owner,
	}
	if len(r.Extra) > 0 {
		if err := json.Unmarshal(r.Extra, &rb.Extra); err != nil {
			return nil, fmt.Errorf("decoding extra for runbook %s: %w", r.UUID, err)
		}
	}
	return rb, nil
}

// Create persists a validated runbook with its steps.
func (s *RunbookStore) Create(ctx context.Context, rb *types.Runbook) error {
	extra, err := marshalObject(rb.Extra)
	if err != nil {
		return fmt.Errorf("encoding extra: %w", err)
	}

	tx, err := s.q.DB().Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	now := nowStamp()
	insert := tx.Rebind(`INSERT INTO runbooks
		(uuid, name, description, disable_ramdisk, extra, public, owner, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert,
		string(rb.UUID), rb.Name, rb.Description, rb.DisableRamdisk,
		extra, rb.Public, rb.Owner, now, now); err != nil {
		tx.Rollback()
		return fmt.Errorf("creating runbook %s: %w", rb.UUID, err)
	}

	if err := insertSteps(ctx, tx, rb); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Update replaces a runbook's fields and its whole step list.
func (s *RunbookStore) Update(ctx context.Context, rb *types.Runbook) error {
	extra, err := marshalObject(rb.Extra)
	if err != nil {
		return fmt.Errorf("encoding extra: %w", err)
	}

	tx, err := s.q.DB().Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	update := tx.Rebind(`UPDATE runbooks
		SET name = ?, description = ?, disable_ramdisk = ?, extra = ?, public = ?, owner = ?, updated_at = ?
		WHERE uuid = ?`)
	res, err := tx.ExecContext(ctx, update,
		rb.Name, rb.Description, rb.DisableRamdisk, extra,
		rb.Public, rb.Owner, nowStamp(), string(rb.UUID))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("updating runbook %s: %w", rb.UUID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		tx.Rollback()
		return err
	} else if n == 0 {
		tx.Rollback()
		return types.ErrNotFound
	}

	del := tx.Rebind("DELETE FROM runbook_steps WHERE runbook_uuid = ?")
	if _, err := tx.ExecContext(ctx, del, string(rb.UUID)); err != nil {
		tx.Rollback()
		return fmt.Errorf("replacing steps for runbook %s: %w", rb.UUID, err)
	}
	if err := insertSteps(ctx, tx, rb); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetByUUID fetches one runbook with its ordered steps.
func (s *RunbookStore) GetByUUID(ctx context.Context, uuid string) (*types.Runbook, error) {
	var row runbookRow
	if err := s.q.Get(ctx, "get-runbook", &row, uuid); err != nil {
		return nil, notFoundOr(err, "fetching runbook")
	}
	return s.withSteps(ctx, row)
}

// GetByName fetches one runbook by its unique name.
func (s *RunbookStore) GetByName(ctx context.Context, name string) (*types.Runbook, error) {
	var row runbookRow
	if err := s.q.Get(ctx, "get-runbook-by-name", &row, name); err != nil {
		return nil, notFoundOr(err, "fetching runbook")
	}
	return s.withSteps(ctx, row)
}

func (s *RunbookStore) withSteps(ctx context.Context, row runbookRow) (*types.Runbook, error) {
	rb, err := row.toRunbook()
	if err != nil {
		return nil, err
	}

	var stepRows []runbookStepRow
	if err := s.q.Select(ctx, "get-runbook-steps", &stepRows, row.UUID); err != nil {
		return nil, fmt.Errorf("fetching steps for runbook %s: %w", row.UUID, err)
	}
	for _, sr := range stepRows {
		step := types.RunbookStep{
			Interface: sr.Interface,
			Step:      sr.Step,
			Order:     sr.StepOrder,
		}
		if len(sr.Args) > 0 {
			if err := json.Unmarshal(sr.Args, &step.Args); err != nil {
				return nil, fmt.Errorf("decoding step args for runbook %s: %w", row.UUID, err)
			}
		}
		rb.Steps = append(rb.Steps, step)
	}
	return rb, nil
}

// List returns a page of runbooks without their steps; steps load on get.
func (s *RunbookStore) List(ctx context.Context, opts ListOpts) ([]*types.Runbook, error) {
	key, dir, tail, err := orderClause(opts, runbookSortable)
	if err != nil {
		return nil, err
	}

	query := "SELECT uuid, name, description, disable_ramdisk, extra, public, owner FROM runbooks"
	args := []any{}
	if opts.Marker != "" {
		clause, binds := markerClause("runbooks", key, dir)
		query += clause
		for i := 0; i < binds; i++ {
			args = append(args, opts.Marker)
		}
	}
	query += tail

	dbx := s.q.DB()
	var rows []runbookRow
	if err := dbx.SelectContext(ctx, &rows, dbx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing runbooks: %w", err)
	}

	runbooks := make([]*types.Runbook, 0, len(rows))
	for _, row := range rows {
		rb, err := row.toRunbook()
		if err != nil {
			return nil, err
		}
		runbooks = append(runbooks, rb)
	}
	return runbooks, nil
}

// Destroy deletes a runbook and its steps, ErrNotFound when absent. Steps
// are removed explicitly: SQLite only honors the schema's cascade when
// foreign keys are switched on per connection.
func (s *RunbookStore) Destroy(ctx context.Context, uuid string) error {
	tx, err := s.q.DB().Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	del := tx.Rebind("DELETE FROM runbook_steps WHERE runbook_uuid = ?")
	if _, err := tx.ExecContext(ctx, del, uuid); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting steps for runbook %s: %w", uuid, err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM runbooks WHERE uuid = ?"), uuid)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting runbook %s: %w", uuid, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		tx.Rollback()
		return err
	} else if n == 0 {
		tx.Rollback()
		return types.ErrNotFound
	}
	return tx.Commit()
}

func insertSteps(ctx context.Context, tx *sqlx.Tx, rb *types.Runbook) error {
	insert := tx.Rebind(`INSERT INTO runbook_steps
		(runbook_uuid, interface, step, args, step_order)
		VALUES (?, ?, ?, ?, ?)`)
	for _, step := range rb.Steps {
		args, err := marshalObject(step.Args)
		if err != nil {
			return fmt.Errorf("encoding step args: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insert,
			string(rb.UUID), step.Interface, step.Step, args, step.Order); err != nil {
			return fmt.Errorf("creating step %s.%s for runbook %s: %w",
				step.Interface, step.Step, rb.UUID, err)
		}
	}
	return nil
}

func marshalObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
