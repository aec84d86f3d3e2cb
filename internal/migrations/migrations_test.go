package migrations

import (
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/sotplane/datasync/internal/config"
)

func TestMigrationsAreOrdered(t *testing.T) {
	for _, dialect := range []string{"sqlite", "postgresql", "mysql"} {
		t.Run(dialect, func(t *testing.T) {
			fsys := tablesFS(0, dialect, append(append([]*sqlTable{}, schema...), syncResults...))
			entries, err := fs.ReadDir(fsys, ".")
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != len(schema)+len(syncResults) {
				t.Fatalf("expected %d migrations, got %d", len(schema)+len(syncResults), len(entries))
			}
			if got := entries[0].Name(); got != "000_secrets.up.sql" {
				t.Fatalf("unexpected first migration %q", got)
			}
			if got := entries[len(entries)-1].Name(); got != "012_sync_log_entries.up.sql" {
				t.Fatalf("unexpected last migration %q", got)
			}
		})
	}
}

func TestConstraintNamesFitMySQL(t *testing.T) {
	for _, tbl := range append(append([]*sqlTable{}, schema...), syncResults...) {
		stmt := tbl.SQL(mysql)
		for _, part := range strings.Split(stmt, "CONSTRAINT ")[1:] {
			name, _, _ := strings.Cut(part, " ")
			if len(name) > 64 {
				t.Errorf("%s: constraint name %q too long", tbl.name, name)
			}
		}
	}
}

func TestTableSQL(t *testing.T) {
	tbl := createSQLTable("things").
		IntegerPrimaryKeyAutoincrementColumn("id").
		VarCharNonNullColumn("name").
		VarCharNonNullDefaultColumn("head", "''").
		IntegerColumn("parent_id").
		Unique("name", "head").
		ForeignKeyOnDeleteCascade("parent_id", "things(id)")

	for kind, exp := range map[int]string{
		sqlite:   "CREATE TABLE IF NOT EXISTS things (id INTEGER, name TEXT NOT NULL, head TEXT NOT NULL DEFAULT '', parent_id INTEGER, CONSTRAINT ds_v1_things_pkey PRIMARY KEY (id), CONSTRAINT ds_v1_things_parent_id_fkey FOREIGN KEY (parent_id) REFERENCES things(id) ON DELETE CASCADE, CONSTRAINT ds_v1_things_0_unique UNIQUE (name, head));",
		postgres: "CREATE TABLE IF NOT EXISTS things (id SERIAL, name VARCHAR(255) NOT NULL, head VARCHAR(255) NOT NULL DEFAULT '', parent_id INTEGER, CONSTRAINT ds_v1_things_pkey PRIMARY KEY (id), CONSTRAINT ds_v1_things_parent_id_fkey FOREIGN KEY (parent_id) REFERENCES things(id) ON DELETE CASCADE, CONSTRAINT ds_v1_things_0_unique UNIQUE (name, head));",
		mysql:    "CREATE TABLE IF NOT EXISTS things (id INT AUTO_INCREMENT, name VARCHAR(255) NOT NULL, head VARCHAR(255) NOT NULL DEFAULT '', parent_id INT, CONSTRAINT ds_v1_things_pkey PRIMARY KEY (id), CONSTRAINT ds_v1_things_parent_id_fkey FOREIGN KEY (parent_id) REFERENCES things(id) ON DELETE CASCADE, CONSTRAINT ds_v1_things_0_unique UNIQUE (name, head));",
	} {
		if got := tbl.SQL(kind); got != exp {
			t.Errorf("kind %d:\nexp %s\ngot %s", kind, exp, got)
		}
	}
}

func TestRunSQLite(t *testing.T) {
	c := &config.Database{SQL: &config.SQLDatabase{Driver: "sqlite", DSN: t.TempDir() + "/test.db"}}
	db, err := New().WithConfig(c).WithMigrate(true).Run(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	defer db.CloseDB()

	// A second run finds nothing to do.
	db2, err := New().WithConfig(c).WithMigrate(true).Run(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	defer db2.CloseDB()

	var n int
	if err := db.DB().QueryRowContext(t.Context(), "SELECT COUNT(*) FROM repositories").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected no repositories, got %d", n)
	}
}

func TestRunWithoutMigrating(t *testing.T) {
	c := &config.Database{SQL: &config.SQLDatabase{Driver: "sqlite", DSN: t.TempDir() + "/test.db"}}

	if _, err := New().WithConfig(c).Run(t.Context()); !errors.Is(err, ErrNotMigrated) {
		t.Fatalf("expected not migrated, got %v", err)
	}

	db, err := New().WithConfig(c).WithMigrate(true).Run(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	defer db.CloseDB()

	reader, err := New().WithConfig(c).Run(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	defer reader.CloseDB()

	if _, err := db.DB().ExecContext(t.Context(), "UPDATE "+migrationsTable+" SET dirty = 1"); err != nil {
		t.Fatal(err)
	}
	if _, err := New().WithConfig(c).Run(t.Context()); !errors.Is(err, ErrNotMigrated) {
		t.Fatalf("expected dirty schema to be rejected, got %v", err)
	}
}
