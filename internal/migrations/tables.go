package migrations

import (
	"fmt"
	"strings"
)

const (
	sqlite = iota
	postgres
	mysql
)

type sqlColumn struct {
	Name                    string
	Type                    sqlDataType
	AutoIncrementPrimaryKey bool
	PrimaryKey              bool
	Unique                  bool
	NotNull                 bool
	Default                 string
}

type sqlDataType interface {
	SQL(kind int) string
}

type sqlInteger struct{}
type sqlText struct{}
type sqlVarChar struct{}

func (sqlInteger) SQL(kind int) string {
	if kind == mysql {
		return "INT"
	}
	return "INTEGER"
}

func (sqlText) SQL(_ int) string {
	return "TEXT"
}

// sqlVarChar is for columns taking part in keys: MySQL cannot index TEXT.
func (sqlVarChar) SQL(kind int) string {
	if kind == sqlite {
		return "TEXT"
	}
	return "VARCHAR(255)"
}

func (c sqlColumn) SQL(kind int) string {
	var parts []string

	if c.AutoIncrementPrimaryKey {
		switch kind {
		case sqlite:
			parts = append(parts, c.Name, sqlInteger{}.SQL(kind))
		case postgres:
			parts = append(parts, c.Name, "SERIAL")
		case mysql:
			parts = append(parts, c.Name, sqlInteger{}.SQL(kind), "AUTO_INCREMENT")
		}
	} else {
		parts = append(parts, c.Name, c.Type.SQL(kind))
		if c.NotNull {
			parts = append(parts, "NOT NULL")
		}
		if c.Default != "" {
			parts = append(parts, "DEFAULT", c.Default)
		}
	}

	return strings.Join(parts, " ")
}

type sqlForeignKey struct {
	Column          string
	References      string
	OnDeleteCascade bool
}

type sqlConstraint struct {
	Columns []string
}

type sqlTable struct {
	name              string
	columns           []sqlColumn
	primaryKeyColumns []string // composite primary key
	foreignKeys       []sqlForeignKey
	unique            []sqlConstraint
	iteration         string // prefix for constraints
}

func createSQLTable(name string) *sqlTable {
	return &sqlTable{
		name:      name,
		iteration: "ds_v1",
	}
}

func (t *sqlTable) IntegerPrimaryKeyAutoincrementColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlInteger{}, AutoIncrementPrimaryKey: true})
	return t
}

func (t *sqlTable) IntegerNonNullColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlInteger{}, NotNull: true})
	return t
}

func (t *sqlTable) IntegerNonNullDefaultColumn(name string, def string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlInteger{}, NotNull: true, Default: def})
	return t
}

func (t *sqlTable) IntegerColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlInteger{}})
	return t
}

func (t *sqlTable) VarCharNonNullUniqueColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlVarChar{}, NotNull: true, Unique: true})
	return t
}

func (t *sqlTable) VarCharColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlVarChar{}})
	return t
}

func (t *sqlTable) TextColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlText{}})
	return t
}

func (t *sqlTable) TextNonNullColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlText{}, NotNull: true})
	return t
}

func (t *sqlTable) VarCharNonNullColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlVarChar{}, NotNull: true})
	return t
}

func (t *sqlTable) VarCharNonNullDefaultColumn(name string, def string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlVarChar{}, NotNull: true, Default: def})
	return t
}

func (t *sqlTable) PrimaryKey(columns ...string) *sqlTable {
	t.primaryKeyColumns = columns
	return t
}

func (t *sqlTable) ForeignKey(column string, references string) *sqlTable {
	t.foreignKeys = append(t.foreignKeys, sqlForeignKey{
		Column:     column,
		References: references,
	})
	return t
}

func (t *sqlTable) Unique(columns ...string) *sqlTable {
	t.unique = append(t.unique, sqlConstraint{
		Columns: columns,
	})
	return t
}

func (t *sqlTable) ForeignKeyOnDeleteCascade(column string, references string) *sqlTable {
	t.foreignKeys = append(t.foreignKeys, sqlForeignKey{
		Column:          column,
		References:      references,
		OnDeleteCascade: true,
	})
	return t
}

// SQL renders the CREATE TABLE statement. Constraint names are ours, and short
// enough for MySQL's 64 character limit, so later migrations can refer to them.
func (t *sqlTable) SQL(kind int) string {
	c := make([]string, len(t.columns))
	for i := range t.columns {
		c[i] = t.columns[i].SQL(kind)
	}

	for i := range t.columns {
		if t.columns[i].AutoIncrementPrimaryKey || t.columns[i].PrimaryKey {
			c = append(c, fmt.Sprintf("CONSTRAINT %s_%s_pkey PRIMARY KEY (%s)", t.iteration, t.name, t.columns[i].Name))
		}
		if t.columns[i].Unique {
			c = append(c, fmt.Sprintf("CONSTRAINT %[1]s_%[2]s_%[3]s_unique UNIQUE (%[3]s)", t.iteration, t.name, t.columns[i].Name))
		}
	}

	if len(t.primaryKeyColumns) > 0 {
		c = append(c, fmt.Sprintf("CONSTRAINT %s_%s_pkey PRIMARY KEY (%s)", t.iteration, t.name, strings.Join(t.primaryKeyColumns, ", ")))
	}

	for _, fk := range t.foreignKeys {
		f := fmt.Sprintf("CONSTRAINT %s_%s_%s_fkey FOREIGN KEY (%s) REFERENCES %s", t.iteration, t.name, fk.Column, fk.Column, fk.References)
		if fk.OnDeleteCascade {
			f += " ON DELETE CASCADE"
		}
		c = append(c, f)
	}

	for i, constraint := range t.unique {
		c = append(c, fmt.Sprintf("CONSTRAINT %s_%s_%d_unique UNIQUE (%s)", t.iteration, t.name, i, strings.Join(constraint.Columns, ", ")))
	}

	return `CREATE TABLE IF NOT EXISTS ` + t.name + ` (` + strings.Join(c, ", ") + `);`
}
