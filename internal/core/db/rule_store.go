package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/metalfleet/inspectd/internal/types"
)

/*
 * Persistence stores.
 *
 * Each store wraps the named-query layer and maps rows to domain types.
 * List endpoints take marker-based pagination with an allow-listed sort
 * column; the sort key is checked before any SQL is assembled so an unknown
 * key never reaches the database.
 *
 * Timestamps are stored as RFC3339 UTC strings, the one representation both
 * the SQLite TEXT columns (with their format CHECK) and the PostgreSQL
 * timestamp columns accept.
 */

// ListOpts controls pagination and ordering for list queries.
type ListOpts struct {
	Limit   int
	Marker  string // UUID of the last row from the previous page
	SortKey string // empty means id
	SortDir string // asc (default) or desc
}

const defaultListLimit = 1000

// orderClause validates opts against the table's sort allow-list and renders
// the ORDER BY / LIMIT tail. The id tie-break keeps pages stable when the
// sort column has duplicates. The effective key and direction are returned
// so the marker predicate can follow the same ordering.
func orderClause(opts ListOpts, sortable map[string]bool) (key, dir, tail string, err error) {
	key = opts.SortKey
	if key == "" {
		key = "id"
	}
	if !sortable[key] {
		return "", "", "", fmt.Errorf("%w: cannot sort by %q", types.ErrInvalid, key)
	}

	dir = "ASC"
	switch opts.SortDir {
	case "", "asc":
	case "desc":
		dir = "DESC"
	default:
		return "", "", "", fmt.Errorf("%w: sort direction must be asc or desc", types.ErrInvalid)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	return key, dir, fmt.Sprintf(" ORDER BY %s %s, id ASC LIMIT %d", key, dir, limit), nil
}

// markerClause renders the WHERE predicate selecting the rows strictly after
// the marker row under (key dir, id ASC) ordering. Returns the clause and
// the number of times the marker UUID must be bound.
func markerClause(table, key, dir string) (string, int) {
	cmp := ">"
	if dir == "DESC" {
		cmp = "<"
	}
	sub := func(column string) string {
		return fmt.Sprintf("(SELECT %s FROM %s WHERE uuid = ?)", column, table)
	}
	if key == "id" {
		return fmt.Sprintf(" WHERE id %s %s", cmp, sub("id")), 1
	}
	return fmt.Sprintf(" WHERE (%s %s %s OR (%s = %s AND id > %s))",
		key, cmp, sub(key), key, sub(key), sub("id")), 3
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func notFoundOr(err error, context string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrNotFound
	}
	return fmt.Errorf("%s: %w", context, err)
}

// RuleStore persists inspection rules.
type RuleStore struct {
	q *Queries
}

// NewRuleStore creates a rule store over the shared query layer.
func NewRuleStore(q *Queries) *RuleStore {
	return &RuleStore{q: q}
}

var ruleSortable = map[string]bool{
	"id":          true,
	"uuid":        true,
	"description": true,
	"scope":       true,
	"created_at":  true,
}

type ruleRow struct {
	UUID        string `db:"uuid"`
	Description string `db:"description"`
	Scope       string `db:"scope"`
	Disabled    bool   `db:"disabled"`
	Conditions  []byte `db:"conditions"`
	Actions     []byte `db:"actions"`
}

func (r ruleRow) toRule() (*types.Rule, error) {
	rule := &types.Rule{
		UUID:        types.RuleID(r.UUID),
		Description: r.Description,
		Scope:       r.Scope,
		Disabled:    r.Disabled,
	}
	if err := json.Unmarshal(r.Conditions, &rule.Conditions); err != nil {
		return nil, fmt.Errorf("decoding conditions for rule %s: %w", r.UUID, err)
	}
	if err := json.Unmarshal(r.Actions, &rule.Actions); err != nil {
		return nil, fmt.Errorf("decoding actions for rule %s: %w", r.UUID, err)
	}
	return rule, nil
}

// Create persists a validated rule.
func (s *RuleStore) Create(ctx context.Context, rule *types.Rule) error {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("encoding conditions: %w", err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("encoding actions: %w", err)
	}

	now := nowStamp()
	_, err = s.q.Exec(ctx, "create-rule",
		string(rule.UUID), rule.Description, rule.Scope, rule.Disabled,
		string(conditions), string(actions), now, now)
	if err != nil {
		return fmt.Errorf("creating rule %s: %w", rule.UUID, err)
	}
	return nil
}

// GetByUUID fetches one rule, ErrNotFound when absent.
func (s *RuleStore) GetByUUID(ctx context.Context, uuid string) (*types.Rule, error) {
	var row ruleRow
	if err := s.q.Get(ctx, "get-rule", &row, uuid); err != nil {
		return nil, notFoundOr(err, "fetching rule")
	}
	return row.toRule()
}

// List returns a page of rules.
func (s *RuleStore) List(ctx context.Context, opts ListOpts) ([]*types.Rule, error) {
	key, dir, tail, err := orderClause(opts, ruleSortable)
	if err != nil {
		return nil, err
	}

	query := "SELECT uuid, description, scope, disabled, conditions, actions FROM inspection_rules"
	args := []any{}
	if opts.Marker != "" {
		clause, binds := markerClause("inspection_rules", key, dir)
		query += clause
		for i := 0; i < binds; i++ {
			args = append(args, opts.Marker)
		}
	}
	query += tail

	dbx := s.q.DB()
	var rows []ruleRow
	if err := dbx.SelectContext(ctx, &rows, dbx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}

	rules := make([]*types.Rule, 0, len(rows))
	for _, row := range rows {
		rule, err := row.toRule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// ListEnabled returns every enabled rule in stored order. This is the rule
// list the evaluation engine runs, so the ordering is part of the contract.
func (s *RuleStore) ListEnabled(ctx context.Context) ([]*types.Rule, error) {
	var rows []ruleRow
	if err := s.q.Select(ctx, "list-enabled-rules", &rows, false); err != nil {
		return nil, fmt.Errorf("listing enabled rules: %w", err)
	}

	rules := make([]*types.Rule, 0, len(rows))
	for _, row := range rows {
		rule, err := row.toRule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Destroy deletes a rule, ErrNotFound when absent.
func (s *RuleStore) Destroy(ctx context.Context, uuid string) error {
	res, err := s.q.Exec(ctx, "delete-rule", uuid)
	if err != nil {
		return fmt.Errorf("deleting rule %s: %w", uuid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.ErrNotFound
	}
	return nil
}
