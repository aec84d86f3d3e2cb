package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sotplane/datasync/internal/archive"
	"github.com/sotplane/datasync/internal/config"
	"github.com/sotplane/datasync/internal/database"
	"github.com/sotplane/datasync/internal/datasync"
	"github.com/sotplane/datasync/internal/gitsync"
	"github.com/sotplane/datasync/internal/logging"
	"github.com/sotplane/datasync/internal/migrations"
)

type rootOptions struct {
	configFiles []string
	logLevel    logging.Level
	logFormat   string
	dataDir     string
	progress    bool
}

func (o *rootOptions) logger() *logging.Logger {
	return logging.NewLogger(logging.Config{Level: o.logLevel, Format: o.logFormat})
}

// loadConfig merges and validates the configuration files. Without any
// database configuration the SQLite database below the data directory is
// used.
func (o *rootOptions) loadConfig() (*config.Root, error) {
	bs, err := config.Merge(o.configFiles, true)
	if err != nil {
		return nil, err
	}

	root, err := config.Parse(bs)
	if err != nil {
		return nil, err
	}

	if root.SetSQLitePersistentByDefault(o.dataDir) {
		if err := os.MkdirAll(o.dataDir, 0o755); err != nil {
			return nil, err
		}
	}
	return root, nil
}

// environment is what every database backed command works with.
type environment struct {
	root *config.Root
	log  *logging.Logger
	db   *database.Database
}

// open returns the database. Commands that write apply pending migrations
// first; the others require an up to date schema.
func (o *rootOptions) open(ctx context.Context, migrate bool) (*environment, error) {
	root, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	log := o.logger()
	db, err := migrations.New().
		WithConfig(root.Database).
		WithLogger(log).
		WithMigrate(migrate).
		Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &environment{root: root, log: log, db: db}, nil
}

func (e *environment) close() {
	e.db.CloseDB()
}

func (e *environment) engine(ctx context.Context) (*datasync.Engine, error) {
	if e.log.DebugEnabled() {
		gitsync.InstallHTTPLogging(e.log)
	}

	engine := datasync.New().
		WithDatabase(e.db).
		WithGitRoot(e.root.GitRootDir()).
		WithTransport(gitsync.New().WithLogger(e.log)).
		WithLogger(e.log)

	if e.root.Archive != nil {
		sink, err := archive.New(ctx, e.root.Archive)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		engine.WithArchive(sink)
	}

	return engine, nil
}
