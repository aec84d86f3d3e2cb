// Package dbs provides the database configurations tests run against. SQLite
// is always included; PostgreSQL and MySQL containers are added when
// DATASYNC_TEST_CONTAINERS is set.
package dbs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/sotplane/datasync/internal/config"
)

const ContainersEnv = "DATASYNC_TEST_CONTAINERS"

type Config struct {
	Setup    func(*testing.T) testcontainers.Container
	Cleanup  func(*testing.T, testcontainers.Container) func()
	Database func(*testing.T, testcontainers.Container) *config.Root
}

func Configs(t *testing.T) map[string]Config {
	t.Helper()

	configs := map[string]Config{
		"sqlite": {
			Database: func(t *testing.T, _ testcontainers.Container) *config.Root {
				return &config.Root{Database: &config.Database{SQL: &config.SQLDatabase{
					Driver: "sqlite",
					DSN:    filepath.Join(t.TempDir(), "test.db"),
				}}}
			},
		},
	}

	if os.Getenv(ContainersEnv) == "" {
		return configs
	}

	configs["postgres"] = Config{
		Setup: func(t *testing.T) testcontainers.Container {
			ctr, err := postgres.Run(t.Context(), "postgres:17-alpine",
				postgres.WithDatabase("datasync"),
				postgres.WithUsername("datasync"),
				postgres.WithPassword("datasync"),
				postgres.BasicWaitStrategies(),
			)
			if err != nil {
				t.Fatal(err)
			}
			return ctr
		},
		Cleanup: cleanup,
		Database: func(t *testing.T, ctr testcontainers.Container) *config.Root {
			dsn, err := ctr.(*postgres.PostgresContainer).ConnectionString(t.Context(), "sslmode=disable")
			if err != nil {
				t.Fatal(err)
			}
			return &config.Root{Database: &config.Database{SQL: &config.SQLDatabase{Driver: "postgres", DSN: dsn}}}
		},
	}

	configs["mysql"] = Config{
		Setup: func(t *testing.T) testcontainers.Container {
			ctr, err := mysql.Run(t.Context(), "mysql:8.4",
				mysql.WithDatabase("datasync"),
				mysql.WithUsername("datasync"),
				mysql.WithPassword("datasync"),
			)
			if err != nil {
				t.Fatal(err)
			}
			return ctr
		},
		Cleanup: cleanup,
		Database: func(t *testing.T, ctr testcontainers.Container) *config.Root {
			dsn, err := ctr.(*mysql.MySQLContainer).ConnectionString(t.Context())
			if err != nil {
				t.Fatal(err)
			}
			return &config.Root{Database: &config.Database{SQL: &config.SQLDatabase{Driver: "mysql", DSN: dsn}}}
		},
	}

	return configs
}

func cleanup(t *testing.T, ctr testcontainers.Container) func() {
	return func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Log(err)
		}
	}
}
