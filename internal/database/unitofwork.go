package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/sotplane/datasync/internal/content"
)

type Action string

const (
	ActionUnchanged Action = "unchanged"
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionDeleted   Action = "deleted"
)

// Change describes what a unit of work did to one artifact. Before and After
// map column names to values; Before is nil for created artifacts and After
// is nil for deleted ones.
type Change struct {
	Kind     content.Kind   `json:"kind"`
	Action   Action         `json:"action"`
	ID       int64          `json:"id"`
	Name     string         `json:"name"`
	FilePath string         `json:"file_path"`
	Before   map[string]any `json:"before,omitempty"`
	After    map[string]any `json:"after,omitempty"`
}

// UnitOfWork groups all writes of a single sync into one transaction. It is
// finished exactly once, by Commit or Abort.
type UnitOfWork struct {
	d      *Database
	tx     *sql.Tx
	owner  Owner
	closed bool
}

// Begin starts a unit of work on behalf of owner. The transaction outlives
// cancellation of ctx: only Commit and Abort end it.
func (d *Database) Begin(ctx context.Context, owner Owner) (*UnitOfWork, error) {
	tx, err := d.db.BeginTx(context.WithoutCancel(ctx), d.txOptions())
	if err != nil {
		return nil, err
	}
	return &UnitOfWork{d: d, tx: tx, owner: owner}, nil
}

func (u *UnitOfWork) Owner() Owner {
	return u.owner
}

func (u *UnitOfWork) Commit() error {
	if u.closed {
		return ErrUnitOfWorkClosed
	}
	u.closed = true
	return u.tx.Commit()
}

func (u *UnitOfWork) Abort() error {
	if u.closed {
		return ErrUnitOfWorkClosed
	}
	u.closed = true
	return u.tx.Rollback()
}

func (u *UnitOfWork) Closed() bool {
	return u.closed
}

func (u *UnitOfWork) check() error {
	if u.closed {
		return ErrUnitOfWorkClosed
	}
	return nil
}

// SetCurrentHead records the commit the owning repository is synchronized to.
func (u *UnitOfWork) SetCurrentHead(ctx context.Context, head string) error {
	if err := u.check(); err != nil {
		return err
	}
	return u.d.update(ctx, u.tx, "repositories", u.owner.ID, []string{"current_head"}, head)
}

// LookupInventory returns the id of the inventory record kind/name.
func (u *UnitOfWork) LookupInventory(ctx context.Context, kind, name string) (int64, error) {
	if err := u.check(); err != nil {
		return 0, err
	}

	var id int64
	err := u.tx.QueryRowContext(ctx, fmt.Sprintf("SELECT id FROM inventory WHERE kind = %s AND name = %s", u.d.arg(0), u.d.arg(1)), kind, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
	}
	return id, err
}

// Purge removes the owner's artifacts of kind that are not in keep.
func (u *UnitOfWork) Purge(ctx context.Context, kind content.Kind, keep []int64) ([]Change, error) {
	if err := u.check(); err != nil {
		return nil, err
	}

	i := slices.IndexFunc(ownedStores, func(s ownedStore) bool { return s.kind == kind })
	if i < 0 {
		return nil, fmt.Errorf("no store for content kind %q", kind)
	}

	return u.d.purge(ctx, u.tx, ownedStores[i], u.owner, keep)
}

// ownedStore describes where artifacts of one content kind live and how they
// are removed.
type ownedStore struct {
	kind      content.Kind
	table     string
	ownerKind string
	ownerID   string
	filePath  string
	label     []string
	remove    func(ctx context.Context, d *Database, tx *sql.Tx, ids []int64) error
}

func deleteRows(table string) func(context.Context, *Database, *sql.Tx, []int64) error {
	return func(ctx context.Context, d *Database, tx *sql.Tx, ids []int64) error {
		return d.execIn(ctx, tx, "DELETE FROM "+table+" WHERE id IN (%s)", ids)
	}
}

func owned(kind content.Kind, table string, label ...string) ownedStore {
	return ownedStore{
		kind:      kind,
		table:     table,
		ownerKind: "owner_kind",
		ownerID:   "owner_id",
		filePath:  "file_path",
		label:     label,
		remove:    deleteRows(table),
	}
}

// ownedStores is ordered so that dependents are removed before what they refer to.
var ownedStores = []ownedStore{
	func() ownedStore {
		s := owned(content.ConfigContexts, "config_contexts", "name")
		s.remove = func(ctx context.Context, d *Database, tx *sql.Tx, ids []int64) error {
			if err := d.execIn(ctx, tx, "DELETE FROM context_assignments WHERE context_id IN (%s)", ids); err != nil {
				return err
			}
			return deleteRows("config_contexts")(ctx, d, tx, ids)
		}
		return s
	}(),
	{
		kind:      content.LocalConfigContexts,
		table:     "inventory",
		ownerKind: "local_context_owner_kind",
		ownerID:   "local_context_owner_id",
		filePath:  "local_context_file_path",
		label:     []string{"kind", "name"},
		remove: func(ctx context.Context, d *Database, tx *sql.Tx, ids []int64) error {
			return d.execIn(ctx, tx, `UPDATE inventory SET local_context_data = NULL, local_context_schema_id = NULL,
local_context_owner_kind = NULL, local_context_owner_id = NULL, local_context_file_path = NULL WHERE id IN (%s)`, ids)
		},
	},
	owned(content.ExportTemplates, "export_templates", "content_type", "name"),
	owned(content.SavedQueries, "saved_queries", "name"),
	owned(content.Jobs, "jobs", "module"),
	func() ownedStore {
		s := owned(content.ConfigContextSchemas, "config_context_schemas", "name")
		s.remove = func(ctx context.Context, d *Database, tx *sql.Tx, ids []int64) error {
			if err := d.execIn(ctx, tx, "UPDATE config_contexts SET schema_id = NULL WHERE schema_id IN (%s)", ids); err != nil {
				return err
			}
			if err := d.execIn(ctx, tx, "UPDATE inventory SET local_context_schema_id = NULL WHERE local_context_schema_id IN (%s)", ids); err != nil {
				return err
			}
			return deleteRows("config_context_schemas")(ctx, d, tx, ids)
		}
		return s
	}(),
}

func (d *Database) purge(ctx context.Context, tx *sql.Tx, store ownedStore, owner Owner, keep []int64) ([]Change, error) {
	query := fmt.Sprintf("SELECT id, %s, %s FROM %s WHERE %s = %s AND %s = %s ORDER BY id",
		store.filePath, strings.Join(store.label, ", "), store.table,
		store.ownerKind, d.arg(0), store.ownerID, d.arg(1))

	rows, err := tx.QueryContext(ctx, query, owner.Kind, owner.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []Change
	var ids []int64
	for rows.Next() {
		var id int64
		var filePath string
		label := make([]string, len(store.label))
		dest := []any{&id, &filePath}
		for i := range label {
			dest = append(dest, &label[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		if slices.Contains(keep, id) {
			continue
		}

		ids = append(ids, id)
		changes = append(changes, Change{
			Kind:     store.kind,
			Action:   ActionDeleted,
			ID:       id,
			Name:     strings.Join(label, "/"),
			FilePath: filePath,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}

	return changes, store.remove(ctx, d, tx, ids)
}

// execIn runs query, whose single %s is replaced by placeholders, in batches of ids.
func (d *Database) execIn(ctx context.Context, tx *sql.Tx, query string, ids []int64) error {
	for batch := range slices.Chunk(ids, 500) {
		args := make([]any, len(batch))
		for i := range batch {
			args[i] = batch[i]
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(query, joinArgs(d.args(len(batch)))), args...); err != nil {
			return err
		}
	}
	return nil
}

// record is one owned artifact to be upserted by its natural key.
type record struct {
	kind      content.Kind
	table     string
	name      string
	filePath  string
	keys      []string
	keyValues []any
	columns   []string
	values    []any
}

func (u *UnitOfWork) upsert(ctx context.Context, r record) (Change, error) {
	if err := u.check(); err != nil {
		return Change{}, err
	}

	columns := append(slices.Clone(r.columns), "file_path")
	values := make([]any, 0, len(columns))
	for _, v := range r.values {
		values = append(values, normalize(v))
	}
	values = append(values, r.filePath)

	keys := append([]string{"owner_kind", "owner_id"}, r.keys...)
	keyValues := append([]any{u.owner.Kind, u.owner.ID}, r.keyValues...)

	where := make([]string, len(keys))
	for i := range keys {
		where[i] = fmt.Sprintf("%s = %s", keys[i], u.d.arg(i))
	}

	change := Change{Kind: r.kind, Name: r.name, FilePath: r.filePath, After: columnMap(columns, values)}

	var id int64
	current := make([]any, len(columns))
	dest := []any{&id}
	for i := range current {
		dest = append(dest, &current[i])
	}

	query := fmt.Sprintf("SELECT id, %s FROM %s WHERE %s", strings.Join(columns, ", "), r.table, strings.Join(where, " AND "))
	err := u.tx.QueryRowContext(ctx, query, keyValues...).Scan(dest...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id, err := u.d.insert(ctx, u.tx, r.table, append(keys, columns...), append(keyValues, values...)...)
		if err != nil {
			return Change{}, err
		}
		change.ID, change.Action = id, ActionCreated
		return change, nil
	case err != nil:
		return Change{}, err
	}

	change.ID = id
	before := make([]any, len(columns))
	for i := range columns {
		before[i] = coerce(normalize(current[i]), values[i])
	}
	change.Before = columnMap(columns, before)

	if slices.Equal(before, values) {
		change.Action = ActionUnchanged
		return change, nil
	}

	change.Action = ActionUpdated
	return change, u.d.update(ctx, u.tx, r.table, change.ID, columns, values...)
}

func columnMap(columns []string, values []any) map[string]any {
	m := make(map[string]any, len(columns))
	for i := range columns {
		m[columns[i]] = values[i]
	}
	return m
}

// normalize maps driver and Go values onto nil, int64 and string so that
// stored and desired values compare equal across SQL dialects.
func normalize(v any) any {
	switch v := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	case string:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case bool:
		if v {
			return int64(1)
		}
		return int64(0)
	case *int64:
		if v == nil {
			return nil
		}
		return *v
	default:
		return fmt.Sprint(v)
	}
}

// coerce converts a stored value to the type of like. Some drivers return
// integers as text.
func coerce(v any, like any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if _, ok := like.(int64); ok {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
	}
	return v
}
