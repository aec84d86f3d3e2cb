package database

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/rds/auth"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib" // database/sql compatible driver for pgx
	sqldblogger "github.com/simukti/sqldb-logger"
	"github.com/simukti/sqldb-logger/logadapter/zerologadapter"
	modernc "modernc.org/sqlite"

	"github.com/sotplane/datasync/internal/aws"
	"github.com/sotplane/datasync/internal/config"
	"github.com/sotplane/datasync/internal/logging"
)

const (
	sqlite = iota
	postgres
	mysql
)

const SQLiteMemoryOnlyDSN = "file::memory:?cache=shared"

// Database implements the database operations. It will hide any differences between the varying SQL databases from the rest of the codebase.
type Database struct {
	db     *sql.DB
	config *config.Database
	kind   int
	log    *logging.Logger
}

func New() *Database {
	return &Database{}
}

func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) Dialect() (string, error) {
	switch d.kind {
	case sqlite:
		return "sqlite", nil
	case postgres:
		return "postgresql", nil
	case mysql:
		return "mysql", nil
	default:
		return "", fmt.Errorf("unknown kind: %d", d.kind)
	}
}

func (d *Database) WithConfig(config *config.Database) *Database {
	d.config = config
	return d
}

func (d *Database) WithLogger(log *logging.Logger) *Database {
	d.log = log
	return d
}

func (d *Database) InitDB(ctx context.Context) error {
	var err error
	switch {
	case d.config != nil && d.config.AWSRDS != nil:
		// There are three options for authentication to Amazon RDS:
		//
		// 1. Using a secret of type "password". This requires the database user configured with the password.
		// 2. Using a secret of type "aws_auth". The secret stores the AWS credentials to use to authenticate to the database. The database
		//    has no password configured for the user.
		// 3. Using no secret at all. In this case, the AWS SDK will use the default credential provider chain.
		//
		// In case of the second and third option, the SQL driver will use the AWS SDK to regenerate an authentication token for
		// the database user as necessary.

		c := d.config.AWSRDS
		drv := c.Driver
		endpoint := os.ExpandEnv(c.Endpoint)
		region := os.ExpandEnv(c.Region)
		dbUser := os.ExpandEnv(c.DatabaseUser)
		dbName := os.ExpandEnv(c.DatabaseName)
		dsn := os.ExpandEnv(c.DSN)
		rootCertificates := c.RootCertificates

		var authCallback func(context.Context) (string, error)

		if c.Credentials != nil {
			authCallback = func(ctx context.Context) (string, error) {
				value, err := c.Credentials.Resolve(ctx)
				if err != nil {
					return "", err
				}

				var password string

				switch value := value.(type) {
				case config.SecretPassword:
					password = value.Password
					if password == "" {
						return "", fmt.Errorf("missing or invalid password value in secret %q", c.Credentials.Name)
					}

				case config.SecretAWS:
					credentials := aws.NewSecretCredentialsProvider(c.Credentials)
					password, err = auth.BuildAuthToken(ctx, endpoint, region, dbUser, credentials)
					if err != nil {
						return "", err
					}

				default:
					return "", fmt.Errorf("unsupported secret type '%T' for RDS credentials", value)
				}

				d.log.Debugf("Using a secret for RDS authentication at %s", endpoint)

				return password, nil
			}

		} else {
			awsCfg, err := aws.Config(ctx, region, nil)
			if err != nil {
				return err
			}

			authCallback = func(ctx context.Context) (string, error) {
				return auth.BuildAuthToken(ctx, endpoint, region, dbUser, awsCfg.Credentials)
			}

			d.log.Debugf("Using AWS default credential provider chain for RDS authentication at %s", endpoint)
		}

		var connector driver.Connector

		switch drv {
		case "postgres":
			drv = "pgx" // Convenience
			fallthrough
		case "pgx":
			dbHost, dbPort, found := strings.Cut(endpoint, ":")
			if !found {
				return fmt.Errorf("invalid endpoint format, expected host:port, got %s", endpoint)
			}

			port, err := strconv.Atoi(dbPort)
			if err != nil || port <= 0 || port > 65535 {
				return fmt.Errorf("invalid port in endpoint, expected host:port, got %s", endpoint)
			}

			var cfg *pgx.ConnConfig
			if dsn != "" {
				cfg, err = pgx.ParseConfig(dsn)
				if err != nil {
					return err
				}
			} else {
				password, err := authCallback(ctx)
				if err != nil {
					return err
				}

				dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=require", dbHost, port, dbUser, password, dbName)
				cfg, err = pgx.ParseConfig(dsn)
				if err != nil {
					return err
				}
			}

			connector = stdlib.GetConnector(*cfg)
			d.kind = postgres

		case "mysql":
			tlsConfigName := "true"
			if rootCertificates != "" {
				rootCertPool := x509.NewCertPool()
				pem, err := os.ReadFile(rootCertificates)
				if err != nil {
					return err
				}

				if ok := rootCertPool.AppendCertsFromPEM(pem); !ok {
					return errors.New("failed to process X.509 root certificate PEM file")
				}

				if err := mysqldriver.RegisterTLSConfig("custom", &tls.Config{
					RootCAs:    rootCertPool,
					MinVersion: tls.VersionTLS12,
				}); err != nil {
					return err
				}
				tlsConfigName = "custom"
			}

			var cfg *mysqldriver.Config
			if dsn != "" {
				cfg, err = mysqldriver.ParseDSN(dsn)
				if err != nil {
					return err
				}
			} else {
				cfg = &mysqldriver.Config{
					User:                    dbUser,
					Net:                     "tcp",
					Addr:                    endpoint,
					DBName:                  dbName,
					AllowCleartextPasswords: true,
					AllowNativePasswords:    true,
					TLSConfig:               tlsConfigName,
				}

				_ = cfg.Apply(mysqldriver.BeforeConnect(func(ctx context.Context, config *mysqldriver.Config) error {
					config.Passwd, err = authCallback(ctx)
					return err
				}))
			}

			connector, err = mysqldriver.NewConnector(cfg)
			if err != nil {
				return err
			}
			d.kind = mysql
		default:
			return fmt.Errorf("unsupported AWS RDS driver: %s", drv)
		}

		d.db = sql.OpenDB(connector)

		d.log.Debugf("Connected to %s RDS instance at %s", drv, endpoint)

	case d.config == nil:
		// Default to memory-only SQLite if no config is provided.
		fallthrough
	case d.config != nil && d.config.SQL != nil && (d.config.SQL.Driver == "sqlite3" || d.config.SQL.Driver == "sqlite"):
		dsn := SQLiteMemoryOnlyDSN
		if d.config != nil && d.config.SQL != nil && d.config.SQL.DSN != "" {
			dsn = os.ExpandEnv(d.config.SQL.DSN)
		}
		d.kind = sqlite
		d.db = d.open(sqliteDSN(dsn), &modernc.Driver{})
		// A single connection serializes writers; concurrent syncs queue on BeginTx
		// instead of failing with SQLITE_BUSY.
		d.db.SetMaxOpenConns(1)
		if _, err := d.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			return err
		}

	case d.config != nil && d.config.SQL != nil && (d.config.SQL.Driver == "postgres" || d.config.SQL.Driver == "pgx"):
		dsn := os.ExpandEnv(d.config.SQL.DSN)
		d.kind = postgres
		if _, err := pgx.ParseConfig(dsn); err != nil {
			return err
		}
		d.db = d.open(dsn, stdlib.GetDefaultDriver())

	case d.config != nil && d.config.SQL != nil && d.config.SQL.Driver == "mysql":
		dsn := os.ExpandEnv(d.config.SQL.DSN)
		d.kind = mysql
		if _, err := mysqldriver.ParseDSN(dsn); err != nil {
			return err
		}
		d.db = d.open(dsn, &mysqldriver.MySQLDriver{})

	default:
		return errors.New("unsupported database connection type")
	}

	return d.db.PingContext(ctx)
}

// open wraps the driver so that every statement is logged at debug level.
func (d *Database) open(dsn string, drv driver.Driver) *sql.DB {
	return sqldblogger.OpenDriver(dsn, drv, zerologadapter.New(d.log.Zerolog()),
		sqldblogger.WithMinimumLevel(sqldblogger.LevelDebug),
		sqldblogger.WithSQLQueryAsMessage(true),
	)
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func (d *Database) CloseDB() {
	d.db.Close()
}

func (d *Database) txOptions() *sql.TxOptions {
	if d.kind == sqlite {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}

var tableLabels = map[string]string{
	"secrets":           "secret",
	"credential_groups": "credential group",
	"repositories":      "repository",
	"sync_results":      "sync result",
}

func (d *Database) lookupID(ctx context.Context, tx *sql.Tx, table string, name string) (int64, error) {
	var id int64
	query := fmt.Sprintf("SELECT id FROM %s WHERE (name = %s)", table, d.arg(0))
	err := tx.QueryRowContext(ctx, query, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s %q: %w", tableLabels[table], name, ErrNotFound)
	}
	return id, err
}

// save updates the row matching the key columns, or inserts one, and returns its id.
func (d *Database) save(ctx context.Context, tx *sql.Tx, table string, keys []string, keyValues []any, columns []string, values ...any) (int64, error) {
	where := make([]string, len(keys))
	for i := range keys {
		where[i] = fmt.Sprintf("%s = %s", keys[i], d.arg(i))
	}

	var id int64
	err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT id FROM %s WHERE %s", table, strings.Join(where, " AND ")), keyValues...).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return d.insert(ctx, tx, table, append(append([]string{}, keys...), columns...), append(append([]any{}, keyValues...), values...)...)
	case err != nil:
		return 0, err
	}

	if len(columns) == 0 {
		return id, nil
	}
	return id, d.update(ctx, tx, table, id, columns, values...)
}

func (d *Database) insert(ctx context.Context, tx *sql.Tx, table string, columns []string, values ...any) (int64, error) {
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), joinArgs(d.args(len(columns))))

	if d.kind == postgres {
		var id int64
		if err := tx.QueryRowContext(ctx, query+" RETURNING id", values...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	result, err := tx.ExecContext(ctx, query, values...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (d *Database) update(ctx context.Context, tx *sql.Tx, table string, id int64, columns []string, values ...any) error {
	set := make([]string, len(columns))
	for i := range columns {
		set[i] = fmt.Sprintf("%s = %s", columns[i], d.arg(i))
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s", table, strings.Join(set, ", "), d.arg(len(columns)))
	_, err := tx.ExecContext(ctx, query, append(values, id)...)
	return err
}

func (d *Database) delete(ctx context.Context, tx *sql.Tx, table, keyColumn string, keyValue any) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", table, keyColumn, d.arg(0))
	_, err := tx.ExecContext(ctx, query, keyValue)
	return err
}

func (d *Database) arg(i int) string {
	if d.kind == postgres {
		return "$" + strconv.Itoa(i+1)
	}
	return "?"
}

func (d *Database) args(n int) []string {
	args := make([]string, n)
	for i := range n {
		args[i] = d.arg(i)
	}

	return args
}

func joinArgs(args []string) string {
	return strings.Join(args, ", ")
}

func tx1(ctx context.Context, db *Database, f func(*sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, db.txOptions())
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := f(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func tx2[T any](ctx context.Context, db *Database, f func(*sql.Tx) (T, error)) (T, error) {
	var zero T

	tx, err := db.db.BeginTx(ctx, db.txOptions())
	if err != nil {
		return zero, err
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := f(tx)
	if err != nil {
		return zero, err
	}

	if err = tx.Commit(); err != nil {
		return zero, err
	}

	return result, nil
}
