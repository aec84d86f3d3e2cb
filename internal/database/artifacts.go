package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/achille-roussel/sqlrange"

	"github.com/sotplane/datasync/internal/content"
)

type ConfigContextSchema struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	DataSchema  json.RawMessage `json:"data_schema"`
	FilePath    string          `json:"file_path"`
}

// InventoryRef points at an inventory record.
type InventoryRef struct {
	ID   int64  `json:"-"`
	Kind string `json:"kind"`
	Name string `json:"name"`
}

func (r InventoryRef) String() string {
	return r.Kind + "/" + r.Name
}

type ConfigContext struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Weight      int             `json:"weight"`
	Description string          `json:"description,omitempty"`
	IsActive    bool            `json:"is_active"`
	Data        json.RawMessage `json:"data"`
	SchemaID    *int64          `json:"schema_id,omitempty"`
	FilePath    string          `json:"file_path"`
	Assignments []InventoryRef  `json:"assignments,omitempty"`
}

type ExportTemplate struct {
	ID            int64  `json:"id"`
	ContentType   string `json:"content_type"`
	Name          string `json:"name"`
	TemplateCode  string `json:"template_code"`
	FileExtension string `json:"file_extension,omitempty"`
	FilePath      string `json:"file_path"`
}

type SavedQuery struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Query    string `json:"query"`
	FilePath string `json:"file_path"`
}

type Job struct {
	ID          int64  `json:"id"`
	Module      string `json:"module"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Grouping    string `json:"grouping,omitempty"`
	Source      string `json:"-"`
	FilePath    string `json:"file_path"`
}

// LocalContext is context data attached directly to one inventory record.
type LocalContext struct {
	Record   InventoryRef    `json:"record"`
	Data     json.RawMessage `json:"data"`
	SchemaID *int64          `json:"schema_id,omitempty"`
	FilePath string          `json:"file_path"`
	Owner    *Owner          `json:"-"`
}

func (u *UnitOfWork) UpsertConfigContextSchema(ctx context.Context, s *ConfigContextSchema) (Change, error) {
	c, err := u.upsert(ctx, record{
		kind:      content.ConfigContextSchemas,
		table:     "config_context_schemas",
		name:      s.Name,
		filePath:  s.FilePath,
		keys:      []string{"name"},
		keyValues: []any{s.Name},
		columns:   []string{"description", "data_schema"},
		values:    []any{s.Description, s.DataSchema},
	})
	s.ID = c.ID
	return c, err
}

// ForeignConfigContextSchema finds a schema by name among those not owned by
// the unit of work's owner.
func (u *UnitOfWork) ForeignConfigContextSchema(ctx context.Context, name string) (*ConfigContextSchema, error) {
	if err := u.check(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, name, description, data_schema, file_path FROM config_context_schemas
WHERE name = %s AND NOT (owner_kind = %s AND owner_id = %s)
ORDER BY id`, u.d.arg(0), u.d.arg(1), u.d.arg(2))

	for row, err := range sqlrange.QueryContext[schemaRow](ctx, u.tx, query, name, u.owner.Kind, u.owner.ID) {
		if err != nil {
			return nil, err
		}
		return row.schema(), nil
	}

	return nil, fmt.Errorf("config context schema %q: %w", name, ErrNotFound)
}

func (u *UnitOfWork) UpsertConfigContext(ctx context.Context, cc *ConfigContext) (Change, error) {
	c, err := u.upsert(ctx, record{
		kind:      content.ConfigContexts,
		table:     "config_contexts",
		name:      cc.Name,
		filePath:  cc.FilePath,
		keys:      []string{"name"},
		keyValues: []any{cc.Name},
		columns:   []string{"weight", "description", "is_active", "data", "schema_id"},
		values:    []any{cc.Weight, cc.Description, cc.IsActive, cc.Data, cc.SchemaID},
	})
	if err != nil {
		return c, err
	}
	cc.ID = c.ID

	current, err := u.d.assignments(ctx, u.tx, cc.ID)
	if err != nil {
		return c, err
	}

	want := slices.Clone(cc.Assignments)
	slices.SortFunc(want, compareRefs)
	want = slices.CompactFunc(want, func(a, b InventoryRef) bool { return a.ID == b.ID })

	if slices.EqualFunc(current, want, func(a, b InventoryRef) bool { return a.ID == b.ID }) {
		return c, nil
	}

	if err := u.d.delete(ctx, u.tx, "context_assignments", "context_id", cc.ID); err != nil {
		return c, err
	}
	for _, ref := range want {
		if _, err := u.tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO context_assignments (context_id, inventory_id) VALUES (%s)", joinArgs(u.d.args(2))),
			cc.ID, ref.ID); err != nil {
			return c, err
		}
	}

	if c.Action == ActionUnchanged {
		c.Action = ActionUpdated
	}
	if c.Before != nil {
		c.Before["assignments"] = refStrings(current)
	}
	c.After["assignments"] = refStrings(want)

	return c, nil
}

func compareRefs(a, b InventoryRef) int {
	return strings.Compare(a.String(), b.String())
}

func refStrings(refs []InventoryRef) []string {
	s := make([]string, len(refs))
	for i := range refs {
		s[i] = refs[i].String()
	}
	return s
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (d *Database) assignments(ctx context.Context, q querier, contextID int64) ([]InventoryRef, error) {
	query := fmt.Sprintf(`SELECT i.id, i.kind, i.name FROM context_assignments a
JOIN inventory i ON i.id = a.inventory_id
WHERE a.context_id = %s
ORDER BY i.kind, i.name`, d.arg(0))

	var refs []InventoryRef
	for row, err := range sqlrange.QueryContext[inventoryRow](ctx, q, query, contextID) {
		if err != nil {
			return nil, err
		}
		refs = append(refs, InventoryRef{ID: row.ID, Kind: row.Kind, Name: row.Name})
	}
	return refs, nil
}

func (u *UnitOfWork) UpsertExportTemplate(ctx context.Context, t *ExportTemplate) (Change, error) {
	c, err := u.upsert(ctx, record{
		kind:      content.ExportTemplates,
		table:     "export_templates",
		name:      t.ContentType + "/" + t.Name,
		filePath:  t.FilePath,
		keys:      []string{"content_type", "name"},
		keyValues: []any{t.ContentType, t.Name},
		columns:   []string{"template_code", "file_extension"},
		values:    []any{t.TemplateCode, t.FileExtension},
	})
	t.ID = c.ID
	return c, err
}

func (u *UnitOfWork) UpsertSavedQuery(ctx context.Context, q *SavedQuery) (Change, error) {
	c, err := u.upsert(ctx, record{
		kind:      content.SavedQueries,
		table:     "saved_queries",
		name:      q.Name,
		filePath:  q.FilePath,
		keys:      []string{"name"},
		keyValues: []any{q.Name},
		columns:   []string{"query"},
		values:    []any{q.Query},
	})
	q.ID = c.ID
	return c, err
}

func (u *UnitOfWork) UpsertJob(ctx context.Context, j *Job) (Change, error) {
	c, err := u.upsert(ctx, record{
		kind:      content.Jobs,
		table:     "jobs",
		name:      j.Module,
		filePath:  j.FilePath,
		keys:      []string{"module"},
		keyValues: []any{j.Module},
		columns:   []string{"name", "description", "job_grouping", "source"},
		values:    []any{j.Name, j.Description, j.Grouping, j.Source},
	})
	j.ID = c.ID
	return c, err
}

// SetLocalContext attaches context data to an inventory record. The record
// must exist and must not carry local context data of another owner.
func (u *UnitOfWork) SetLocalContext(ctx context.Context, lc *LocalContext) (Change, error) {
	if err := u.check(); err != nil {
		return Change{}, err
	}

	query := fmt.Sprintf(`SELECT id, kind, name, local_context_data, local_context_schema_id, local_context_owner_kind, local_context_owner_id, local_context_file_path
FROM inventory WHERE kind = %s AND name = %s`, u.d.arg(0), u.d.arg(1))

	var row *localContextRow
	for r, err := range sqlrange.QueryContext[localContextRow](ctx, u.tx, query, lc.Record.Kind, lc.Record.Name) {
		if err != nil {
			return Change{}, err
		}
		row = &r
	}
	if row == nil {
		return Change{}, fmt.Errorf("%s %q: %w", lc.Record.Kind, lc.Record.Name, ErrNotFound)
	}
	lc.Record.ID = row.ID

	if row.Data.Valid && (row.OwnerKind.String != u.owner.Kind || row.OwnerID.Int64 != u.owner.ID) {
		return Change{}, fmt.Errorf("%s %q already has local context data from %s: %w", lc.Record.Kind, lc.Record.Name, row.owner(), ErrDataConflict)
	}

	columns := []string{"local_context_data", "local_context_schema_id", "local_context_owner_kind", "local_context_owner_id", "local_context_file_path"}
	values := []any{normalize(lc.Data), normalize(lc.SchemaID), u.owner.Kind, u.owner.ID, lc.FilePath}

	change := Change{
		Kind:     content.LocalConfigContexts,
		ID:       row.ID,
		Name:     lc.Record.String(),
		FilePath: lc.FilePath,
		After:    columnMap(columns, values),
	}

	if !row.Data.Valid {
		change.Action = ActionCreated
	} else {
		before := []any{row.Data.String, nullInt(row.SchemaID), row.OwnerKind.String, row.OwnerID.Int64, row.FilePath.String}
		change.Before = columnMap(columns, before)
		if slices.Equal(before, values) {
			change.Action = ActionUnchanged
			return change, nil
		}
		change.Action = ActionUpdated
	}

	return change, u.d.update(ctx, u.tx, "inventory", row.ID, columns, values...)
}

func nullInt(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

type schemaRow struct {
	ID          int64          `sql:"id"`
	Name        string         `sql:"name"`
	Description sql.NullString `sql:"description"`
	DataSchema  string         `sql:"data_schema"`
	FilePath    string         `sql:"file_path"`
}

func (r schemaRow) schema() *ConfigContextSchema {
	return &ConfigContextSchema{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description.String,
		DataSchema:  json.RawMessage(r.DataSchema),
		FilePath:    r.FilePath,
	}
}

type inventoryRow struct {
	ID   int64  `sql:"id"`
	Kind string `sql:"kind"`
	Name string `sql:"name"`
}

type localContextRow struct {
	ID        int64          `sql:"id"`
	Kind      string         `sql:"kind"`
	Name      string         `sql:"name"`
	Data      sql.NullString `sql:"local_context_data"`
	SchemaID  sql.NullInt64  `sql:"local_context_schema_id"`
	OwnerKind sql.NullString `sql:"local_context_owner_kind"`
	OwnerID   sql.NullInt64  `sql:"local_context_owner_id"`
	FilePath  sql.NullString `sql:"local_context_file_path"`
}

func (r localContextRow) owner() Owner {
	return Owner{Kind: r.OwnerKind.String, ID: r.OwnerID.Int64}
}

type contextRow struct {
	ID          int64          `sql:"id"`
	Name        string         `sql:"name"`
	Weight      int            `sql:"weight"`
	Description sql.NullString `sql:"description"`
	IsActive    bool           `sql:"is_active"`
	Data        string         `sql:"data"`
	SchemaID    sql.NullInt64  `sql:"schema_id"`
	FilePath    string         `sql:"file_path"`
}

type templateRow struct {
	ID            int64          `sql:"id"`
	ContentType   string         `sql:"content_type"`
	Name          string         `sql:"name"`
	TemplateCode  string         `sql:"template_code"`
	FileExtension sql.NullString `sql:"file_extension"`
	FilePath      string         `sql:"file_path"`
}

type queryRow struct {
	ID       int64  `sql:"id"`
	Name     string `sql:"name"`
	Query    string `sql:"query"`
	FilePath string `sql:"file_path"`
}

type jobRow struct {
	ID          int64          `sql:"id"`
	Module      string         `sql:"module"`
	Name        string         `sql:"name"`
	Description sql.NullString `sql:"description"`
	Grouping    sql.NullString `sql:"job_grouping"`
	Source      string         `sql:"source"`
	FilePath    string         `sql:"file_path"`
}

func collect[Row any, T any](ctx context.Context, d *Database, query string, conv func(Row) T, args ...any) ([]T, error) {
	var out []T
	for row, err := range sqlrange.QueryContext[Row](ctx, d.db, query, args...) {
		if err != nil {
			return nil, err
		}
		out = append(out, conv(row))
	}
	return out, nil
}

func (d *Database) ownerWhere() string {
	return fmt.Sprintf("WHERE owner_kind = %s AND owner_id = %s", d.arg(0), d.arg(1))
}

func (d *Database) ListConfigContextSchemas(ctx context.Context, owner Owner) ([]*ConfigContextSchema, error) {
	return collect(ctx, d, `SELECT id, name, description, data_schema, file_path FROM config_context_schemas `+d.ownerWhere()+` ORDER BY name`,
		schemaRow.schema, owner.Kind, owner.ID)
}

// ListConfigContexts returns the owner's config contexts with their assignments.
func (d *Database) ListConfigContexts(ctx context.Context, owner Owner) ([]*ConfigContext, error) {
	contexts, err := collect(ctx, d, `SELECT id, name, weight, description, is_active, data, schema_id, file_path FROM config_contexts `+d.ownerWhere()+` ORDER BY name`,
		func(r contextRow) *ConfigContext {
			cc := &ConfigContext{
				ID:          r.ID,
				Name:        r.Name,
				Weight:      r.Weight,
				Description: r.Description.String,
				IsActive:    r.IsActive,
				Data:        json.RawMessage(r.Data),
				FilePath:    r.FilePath,
			}
			if r.SchemaID.Valid {
				cc.SchemaID = &r.SchemaID.Int64
			}
			return cc
		}, owner.Kind, owner.ID)
	if err != nil {
		return nil, err
	}

	for _, cc := range contexts {
		if cc.Assignments, err = d.assignments(ctx, d.db, cc.ID); err != nil {
			return nil, err
		}
	}
	return contexts, nil
}

func (d *Database) ListExportTemplates(ctx context.Context, owner Owner) ([]*ExportTemplate, error) {
	return collect(ctx, d, `SELECT id, content_type, name, template_code, file_extension, file_path FROM export_templates `+d.ownerWhere()+` ORDER BY content_type, name`,
		func(r templateRow) *ExportTemplate {
			return &ExportTemplate{
				ID:            r.ID,
				ContentType:   r.ContentType,
				Name:          r.Name,
				TemplateCode:  r.TemplateCode,
				FileExtension: r.FileExtension.String,
				FilePath:      r.FilePath,
			}
		}, owner.Kind, owner.ID)
}

func (d *Database) ListSavedQueries(ctx context.Context, owner Owner) ([]*SavedQuery, error) {
	return collect(ctx, d, `SELECT id, name, query, file_path FROM saved_queries `+d.ownerWhere()+` ORDER BY name`,
		func(r queryRow) *SavedQuery {
			return &SavedQuery{ID: r.ID, Name: r.Name, Query: r.Query, FilePath: r.FilePath}
		}, owner.Kind, owner.ID)
}

func (d *Database) ListJobs(ctx context.Context, owner Owner) ([]*Job, error) {
	return collect(ctx, d, `SELECT id, module, name, description, job_grouping, source, file_path FROM jobs `+d.ownerWhere()+` ORDER BY module`,
		func(r jobRow) *Job {
			return &Job{
				ID:          r.ID,
				Module:      r.Module,
				Name:        r.Name,
				Description: r.Description.String,
				Grouping:    r.Grouping.String,
				Source:      r.Source,
				FilePath:    r.FilePath,
			}
		}, owner.Kind, owner.ID)
}

// GetLocalContext returns the local context data of an inventory record, or
// nil if it has none.
func (d *Database) GetLocalContext(ctx context.Context, kind, name string) (*LocalContext, error) {
	query := fmt.Sprintf(`SELECT id, kind, name, local_context_data, local_context_schema_id, local_context_owner_kind, local_context_owner_id, local_context_file_path
FROM inventory WHERE kind = %s AND name = %s`, d.arg(0), d.arg(1))

	for r, err := range sqlrange.QueryContext[localContextRow](ctx, d.db, query, kind, name) {
		if err != nil {
			return nil, err
		}
		if !r.Data.Valid {
			return nil, nil
		}
		lc := &LocalContext{
			Record:   InventoryRef{ID: r.ID, Kind: r.Kind, Name: r.Name},
			Data:     json.RawMessage(r.Data.String),
			FilePath: r.FilePath.String,
		}
		owner := r.owner()
		lc.Owner = &owner
		if r.SchemaID.Valid {
			lc.SchemaID = &r.SchemaID.Int64
		}
		return lc, nil
	}

	return nil, fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
}

// CountOwned returns how many artifacts of kind owner holds.
func (d *Database) CountOwned(ctx context.Context, owner Owner, kind content.Kind) (int, error) {
	i := slices.IndexFunc(ownedStores, func(s ownedStore) bool { return s.kind == kind })
	if i < 0 {
		return 0, errors.New("unknown content kind")
	}
	s := ownedStores[i]

	var n int
	err := d.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = %s AND %s = %s", s.table, s.ownerKind, d.arg(0), s.ownerID, d.arg(1)), owner.Kind, owner.ID).Scan(&n)
	return n, err
}
