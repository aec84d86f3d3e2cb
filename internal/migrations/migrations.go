// Package migrations owns the database schema. The schema is generated per
// SQL dialect from the table definitions below and applied with golang-migrate.
package migrations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/yalue/merged_fs"

	"github.com/sotplane/datasync/internal/config"
	"github.com/sotplane/datasync/internal/database"
	ds_fs "github.com/sotplane/datasync/internal/fs"
	"github.com/sotplane/datasync/internal/logging"
)

const migrationsTable = "schema_migrations"

// ErrNotMigrated is returned when opening a database without migrating
// finds no complete schema.
var ErrNotMigrated = errors.New("database schema is not initialized or a migration is incomplete")

type Migrator struct {
	config  *config.Database
	log     *logging.Logger
	migrate bool
}

func New() *Migrator {
	return &Migrator{}
}

func (m *Migrator) WithConfig(c *config.Database) *Migrator {
	m.config = c
	return m
}

func (m *Migrator) WithLogger(log *logging.Logger) *Migrator {
	m.log = log
	return m
}

// WithMigrate controls whether Run applies pending migrations or only opens the database.
func (m *Migrator) WithMigrate(yes bool) *Migrator {
	m.migrate = yes
	return m
}

// Run opens the database and, if asked to, brings its schema up to date.
func (m *Migrator) Run(ctx context.Context) (*database.Database, error) {
	db := database.New().WithConfig(m.config).WithLogger(m.log)
	if err := db.InitDB(ctx); err != nil {
		return nil, err
	}

	if !m.migrate {
		if err := checkVersion(ctx, db); err != nil {
			db.CloseDB()
			return nil, err
		}
		return db, nil
	}

	dialect, err := db.Dialect()
	if err != nil {
		return nil, err
	}

	src, err := Migrations(dialect)
	if err != nil {
		return nil, err
	}

	var drv migratedb.Driver
	switch dialect {
	case "sqlite":
		drv, err = migratesqlite.WithInstance(db.DB(), &migratesqlite.Config{MigrationsTable: migrationsTable})
	case "postgresql":
		drv, err = migratepgx.WithInstance(db.DB(), &migratepgx.Config{MigrationsTable: migrationsTable})
	case "mysql":
		drv, err = migratemysql.WithInstance(db.DB(), &migratemysql.Config{MigrationsTable: migrationsTable})
	}
	if err != nil {
		return nil, fmt.Errorf("migrations driver: %w", err)
	}

	mg, err := migrate.NewWithInstance("iofs", src, dialect, drv)
	if err != nil {
		return nil, err
	}
	mg.Log = &migrateLogger{log: m.log}

	// NB: mg.Close() would close the shared *sql.DB as well.
	if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := mg.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, err
	}
	m.log.Debugf("database schema at version %d (dirty: %v)", version, dirty)

	return db, nil
}

// Migrations returns the migration source for the given dialect.
func Migrations(dialect string) (source.Driver, error) {
	fsys := merged_fs.MergeMultiple(
		initialSchemaFS(dialect),
		syncResultsFS(len(schema), dialect),
	)
	return iofs.New(fsys, ".")
}

func dialectKind(dialect string) int {
	switch dialect {
	case "postgresql":
		return postgres
	case "mysql":
		return mysql
	default:
		return sqlite
	}
}

func initialSchemaFS(dialect string) fs.FS {
	return tablesFS(0, dialect, schema)
}

func syncResultsFS(offset int, dialect string) fs.FS {
	return tablesFS(offset, dialect, syncResults)
}

func tablesFS(offset int, dialect string, tables []*sqlTable) fs.FS {
	kind := dialectKind(dialect)
	m := make(map[string]string, len(tables))
	for i, tbl := range tables {
		m[fmt.Sprintf("%03d_%s.up.sql", i+offset, tbl.name)] = tbl.SQL(kind)
	}
	return ds_fs.MapFS(m)
}

// checkVersion reads the migrations table without creating it.
func checkVersion(ctx context.Context, db *database.Database) error {
	var version int64
	var dirty bool
	err := db.DB().QueryRowContext(ctx, "SELECT version, dirty FROM "+migrationsTable+" LIMIT 1").Scan(&version, &dirty)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotMigrated, err)
	}
	if dirty {
		return fmt.Errorf("%w: version %d is dirty", ErrNotMigrated, version)
	}
	return nil
}

type migrateLogger struct {
	log *logging.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.log.Debugf(format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return l.log.DebugEnabled()
}

// ownedColumns adds the columns tying a row to the repository that provided it.
func ownedColumns(t *sqlTable) *sqlTable {
	return t.
		VarCharNonNullColumn("owner_kind").
		IntegerNonNullColumn("owner_id").
		VarCharNonNullColumn("file_path")
}

// schema holds the configuration and synchronized content tables. Released
// entries may not change: add new tables or migrations after them instead.
var schema = []*sqlTable{
	createSQLTable("secrets").
		IntegerPrimaryKeyAutoincrementColumn("id").
		VarCharNonNullUniqueColumn("name").
		TextColumn("value"),
	createSQLTable("credential_groups").
		IntegerPrimaryKeyAutoincrementColumn("id").
		VarCharNonNullUniqueColumn("name"),
	createSQLTable("credential_group_secrets").
		IntegerNonNullColumn("group_id").
		IntegerNonNullColumn("secret_id").
		VarCharNonNullColumn("access_type").
		VarCharNonNullColumn("role").
		PrimaryKey("group_id", "access_type", "role").
		ForeignKeyOnDeleteCascade("group_id", "credential_groups(id)").
		ForeignKey("secret_id", "secrets(id)"),
	createSQLTable("repositories").
		IntegerPrimaryKeyAutoincrementColumn("id").
		VarCharNonNullUniqueColumn("name").
		VarCharNonNullUniqueColumn("slug").
		TextNonNullColumn("remote_url").
		VarCharNonNullColumn("branch").
		IntegerNonNullDefaultColumn("depth", "0").
		IntegerColumn("credential_group_id").
		TextColumn("provided_contents").
		VarCharNonNullDefaultColumn("current_head", "''").
		VarCharColumn("sync_interval").
		ForeignKey("credential_group_id", "credential_groups(id)"),
	createSQLTable("inventory").
		IntegerPrimaryKeyAutoincrementColumn("id").
		VarCharNonNullColumn("kind").
		VarCharNonNullColumn("name").
		TextColumn("local_context_data").
		IntegerColumn("local_context_schema_id").
		VarCharColumn("local_context_owner_kind").
		IntegerColumn("local_context_owner_id").
		VarCharColumn("local_context_file_path").
		Unique("kind", "name"),
	ownedColumns(createSQLTable("config_context_schemas").
		IntegerPrimaryKeyAutoincrementColumn("id")).
		VarCharNonNullColumn("name").
		TextColumn("description").
		TextNonNullColumn("data_schema").
		Unique("owner_kind", "owner_id", "name"),
	ownedColumns(createSQLTable("config_contexts").
		IntegerPrimaryKeyAutoincrementColumn("id")).
		VarCharNonNullColumn("name").
		IntegerNonNullDefaultColumn("weight", "1000").
		TextColumn("description").
		IntegerNonNullDefaultColumn("is_active", "1").
		TextNonNullColumn("data").
		IntegerColumn("schema_id").
		Unique("owner_kind", "owner_id", "name"),
	createSQLTable("context_assignments").
		IntegerNonNullColumn("context_id").
		IntegerNonNullColumn("inventory_id").
		PrimaryKey("context_id", "inventory_id").
		ForeignKeyOnDeleteCascade("context_id", "config_contexts(id)").
		ForeignKeyOnDeleteCascade("inventory_id", "inventory(id)"),
	ownedColumns(createSQLTable("export_templates").
		IntegerPrimaryKeyAutoincrementColumn("id")).
		VarCharNonNullColumn("content_type").
		VarCharNonNullColumn("name").
		TextNonNullColumn("template_code").
		VarCharColumn("file_extension").
		Unique("owner_kind", "owner_id", "content_type", "name"),
	ownedColumns(createSQLTable("saved_queries").
		IntegerPrimaryKeyAutoincrementColumn("id")).
		VarCharNonNullColumn("name").
		TextNonNullColumn("query").
		Unique("owner_kind", "owner_id", "name"),
	ownedColumns(createSQLTable("jobs").
		IntegerPrimaryKeyAutoincrementColumn("id")).
		VarCharNonNullColumn("module").
		VarCharNonNullColumn("name").
		TextColumn("description").
		VarCharColumn("job_grouping").
		TextNonNullColumn("source").
		Unique("owner_kind", "owner_id", "module"),
}

// syncResults records sync outcomes and their log entries.
var syncResults = []*sqlTable{
	createSQLTable("sync_results").
		IntegerPrimaryKeyAutoincrementColumn("id").
		IntegerNonNullColumn("repository_id").
		VarCharNonNullColumn("repository_name").
		IntegerNonNullDefaultColumn("dry_run", "0").
		VarCharNonNullColumn("status").
		VarCharNonNullColumn("state").
		VarCharNonNullDefaultColumn("previous_head", "''").
		VarCharNonNullDefaultColumn("head", "''").
		VarCharNonNullColumn("started_at").
		VarCharNonNullColumn("finished_at").
		ForeignKeyOnDeleteCascade("repository_id", "repositories(id)"),
	createSQLTable("sync_log_entries").
		IntegerPrimaryKeyAutoincrementColumn("id").
		IntegerNonNullColumn("result_id").
		IntegerNonNullColumn("seq").
		VarCharNonNullColumn("log_grouping").
		VarCharNonNullColumn("level").
		TextNonNullColumn("message").
		VarCharNonNullColumn("created_at").
		ForeignKeyOnDeleteCascade("result_id", "sync_results(id)"),
}
