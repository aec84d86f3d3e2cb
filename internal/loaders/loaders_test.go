package loaders_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/testcontainers/testcontainers-go"

	"github.com/sotplane/datasync/internal/config"
	"github.com/sotplane/datasync/internal/content"
	"github.com/sotplane/datasync/internal/database"
	"github.com/sotplane/datasync/internal/loaders"
	"github.com/sotplane/datasync/internal/migrations"
	"github.com/sotplane/datasync/internal/progress"
	"github.com/sotplane/datasync/internal/test/dbs"
)

const testConfig = `
inventory:
  devices: [sw1, sw2]
  locations: [dc1]
  roles: [leaf]
repositories:
  netbox:
    remote_url: https://git.example.com/org/netbox-data.git
    provided_contents:
    - extras.configcontextschema
    - extras.configcontext
    - extras.localconfigcontext
    - extras.exporttemplate
    - extras.graphqlquery
    - extras.job
  contexts-only:
    remote_url: https://git.example.com/org/contexts.git
    provided_contents: [extras.configcontext]
`

const ntpSchema = `{
  "_metadata": {"name": "NTP", "description": "NTP settings"},
  "data_schema": {
    "type": "object",
    "properties": {"ntp-servers": {"type": "array", "items": {"type": "string"}}},
    "required": ["ntp-servers"]
  }
}`

const ntpContext = `_metadata:
  name: NTP servers
  weight: 1500
  config_context_schema: NTP
  locations: [dc1]
  roles:
  - name: leaf
ntp-servers:
- 172.16.10.22
- 172.16.10.33
`

type file struct {
	path string
	data string
}

func forEachDB(t *testing.T, f func(t *testing.T, db *database.Database)) {
	for databaseType, databaseConfig := range dbs.Configs(t) {
		t.Run(databaseType, func(t *testing.T) {
			t.Parallel()
			var ctr testcontainers.Container
			if databaseConfig.Setup != nil {
				ctr = databaseConfig.Setup(t)
				t.Cleanup(databaseConfig.Cleanup(t, ctr))
			}

			db, err := migrations.New().
				WithConfig(databaseConfig.Database(t, ctr).Database).
				WithMigrate(true).
				Run(t.Context())
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(db.CloseDB)

			root, err := config.Parse([]byte(testConfig))
			if err != nil {
				t.Fatal(err)
			}
			if err := db.LoadConfig(t.Context(), progress.New(false, ""), root); err != nil {
				t.Fatal(err)
			}

			f(t, db)
		})
	}
}

// sync loads files for repository in one unit of work and commits it when
// every file loaded.
func sync(t *testing.T, db *database.Database, registry *loaders.Registry, repository string, files ...file) (*loaders.Session, []database.Change, error) {
	t.Helper()
	ctx := t.Context()

	repo, err := db.GetRepository(ctx, repository)
	if err != nil {
		t.Fatal(err)
	}

	uow, err := db.Begin(ctx, repo.Owner())
	if err != nil {
		t.Fatal(err)
	}

	s, err := registry.Session(uow, repo)
	if err != nil {
		t.Fatal(err)
	}

	var all []database.Change
	run := func() error {
		for _, f := range files {
			l, provided := s.Claim(f.path)
			if l == nil || !provided {
				continue
			}
			changes, err := s.Load(ctx, l, f.path, []byte(f.data))
			if loaders.Fatal(err) {
				return err
			}
			all = append(all, changes...)
		}
		changes, err := s.Finalize(ctx)
		if err != nil {
			return err
		}
		all = append(all, changes...)
		changes, err = s.Reconcile(ctx)
		all = append(all, changes...)
		return err
	}

	if err := run(); err != nil {
		if err := uow.Abort(); err != nil {
			t.Fatal(err)
		}
		return s, all, err
	}
	if err := uow.Commit(); err != nil {
		t.Fatal(err)
	}
	return s, all, nil
}

func TestClaim(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *database.Database) {
		tests := []struct {
			path     string
			kind     content.Kind
			provided bool
		}{
			{path: "config_context_schemas/ntp.json", kind: content.ConfigContextSchemas},
			{path: "config_contexts/ntp.yaml", kind: content.ConfigContexts, provided: true},
			{path: "config_contexts/devices/sw1.json", kind: content.LocalConfigContexts},
			{path: "config_contexts/virtual_machines/vm1.yml", kind: content.LocalConfigContexts},
			{path: "config_contexts/racks/r1.json"},
			{path: "config_contexts/ntp.txt"},
			{path: "export_templates/dcim/device/inventory.csv", kind: content.ExportTemplates},
			{path: "export_templates/dcim/device.csv"},
			{path: "graphql_queries/devices.graphql", kind: content.SavedQueries},
			{path: "jobs/backup.rego", kind: content.Jobs},
			{path: "jobs/lib/util.rego", kind: content.Jobs},
			{path: "README.md"},
		}

		repo, err := db.GetRepository(t.Context(), "contexts-only")
		if err != nil {
			t.Fatal(err)
		}
		s, err := loaders.Default().Session(nil, repo)
		if err != nil {
			t.Fatal(err)
		}

		for _, tc := range tests {
			l, provided := s.Claim(tc.path)
			var kind content.Kind
			if l != nil {
				kind = l.Kind()
			}
			if kind != tc.kind || provided != tc.provided {
				t.Errorf("%s: expected %q (provided %v), got %q (provided %v)", tc.path, tc.kind, tc.provided, kind, provided)
			}
		}
	})
}

func TestLoadContexts(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *database.Database) {
		ctx := t.Context()
		registry := loaders.Default()

		_, changes, err := sync(t, db, registry, "netbox",
			file{"config_context_schemas/ntp.json", ntpSchema},
			file{"config_contexts/devices/sw1.json", `{"_metadata": {"config_context_schema": "NTP"}, "ntp-servers": ["10.0.0.1"]}`},
			file{"config_contexts/ntp.yaml", ntpContext},
			file{"config_contexts/plain.json", `{"_metadata": {"name": "Plain", "is_active": false}, "b": 2, "a": 1}`},
		)
		if err != nil {
			t.Fatal(err)
		}

		actions := make([]database.Action, len(changes))
		for i := range changes {
			actions[i] = changes[i].Action
		}
		if diff := cmp.Diff([]database.Action{database.ActionCreated, database.ActionCreated, database.ActionCreated, database.ActionCreated}, actions); diff != "" {
			t.Fatalf("unexpected actions (-want +got):\n%s", diff)
		}

		repo, err := db.GetRepository(ctx, "netbox")
		if err != nil {
			t.Fatal(err)
		}

		contexts, err := db.ListConfigContexts(ctx, repo.Owner())
		if err != nil {
			t.Fatal(err)
		}

		schemas, err := db.ListConfigContextSchemas(ctx, repo.Owner())
		if err != nil {
			t.Fatal(err)
		}
		if len(schemas) != 1 {
			t.Fatalf("expected one schema, got %d", len(schemas))
		}

		exp := []*database.ConfigContext{
			{
				Name:     "NTP servers",
				Weight:   1500,
				IsActive: true,
				Data:     []byte(`{"ntp-servers":["172.16.10.22","172.16.10.33"]}`),
				SchemaID: &schemas[0].ID,
				FilePath: "config_contexts/ntp.yaml",
				Assignments: []database.InventoryRef{
					{Kind: "location", Name: "dc1"},
					{Kind: "role", Name: "leaf"},
				},
			},
			{
				Name:     "Plain",
				Weight:   1000,
				Data:     []byte(`{"a":1,"b":2}`),
				FilePath: "config_contexts/plain.json",
			},
		}
		if diff := cmp.Diff(exp, contexts, cmpopts.IgnoreFields(database.ConfigContext{}, "ID"), cmpopts.IgnoreFields(database.InventoryRef{}, "ID"), cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("unexpected contexts (-want +got):\n%s", diff)
		}

		lc, err := db.GetLocalContext(ctx, "device", "sw1")
		if err != nil {
			t.Fatal(err)
		}
		if string(lc.Data) != `{"ntp-servers":["10.0.0.1"]}` || lc.FilePath != "config_contexts/devices/sw1.json" {
			t.Fatalf("unexpected local context %+v", lc)
		}

		// Loading the same files again changes nothing.
		_, changes, err = sync(t, db, registry, "netbox",
			file{"config_context_schemas/ntp.json", ntpSchema},
			file{"config_contexts/devices/sw1.json", `{"_metadata": {"config_context_schema": "NTP"}, "ntp-servers": ["10.0.0.1"]}`},
			file{"config_contexts/ntp.yaml", ntpContext},
			file{"config_contexts/plain.json", `{"_metadata": {"name": "Plain", "is_active": false}, "a": 1, "b": 2}`},
		)
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range changes {
			if c.Action != database.ActionUnchanged {
				t.Fatalf("expected no change, got %+v", c)
			}
		}
	})
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		note  string
		file  file
		fatal bool
		check func(error) bool
	}{
		{
			note:  "schema with invalid JSON",
			file:  file{"config_context_schemas/bad.json", `{"_metadata": {"name": "Bad"}, "data_schema": {`},
			fatal: true,
		},
		{
			note:  "schema that does not compile",
			file:  file{"config_context_schemas/bad.json", `{"_metadata": {"name": "Bad"}, "data_schema": {"type": 12}}`},
			fatal: true,
		},
		{
			note: "context without name",
			file: file{"config_contexts/a.json", `{"_metadata": {"weight": 10}, "a": 1}`},
		},
		{
			note: "context with unknown metadata",
			file: file{"config_contexts/a.json", `{"_metadata": {"name": "A", "racks": ["r1"]}}`},
		},
		{
			note: "context assigned to a missing record",
			file: file{"config_contexts/a.json", `{"_metadata": {"name": "A", "locations": ["dc9"]}}`},
		},
		{
			note: "context with unknown schema",
			file: file{"config_contexts/a.json", `{"_metadata": {"name": "A", "config_context_schema": "missing"}}`},
		},
		{
			note: "context with invalid YAML",
			file: file{"config_contexts/a.yaml", "_metadata: [unterminated"},
		},
		{
			note: "export template for an unknown model",
			file: file{"export_templates/dcim/widget/list.txt", "{{ obj }}"},
			check: func(err error) bool {
				var e *loaders.UnknownContentTypeError
				return errors.As(err, &e) && e.ContentType == "dcim.widget"
			},
		},
		{
			note:  "query that does not parse",
			file:  file{"graphql_queries/broken.graphql", "query { devices { name "},
			fatal: true,
		},
		{
			note:  "local context for a missing device",
			file:  file{"config_contexts/devices/sw9.json", `{"a": 1}`},
			fatal: true,
			check: func(err error) bool {
				var e *loaders.RecordNotFoundError
				return errors.As(err, &e) && e.Kind == "device" && e.Name == "sw9" && errors.Is(err, database.ErrNotFound)
			},
		},
	}

	forEachDB(t, func(t *testing.T, db *database.Database) {
		for _, tc := range tests {
			t.Run(tc.note, func(t *testing.T) {
				ctx := t.Context()
				repo, err := db.GetRepository(ctx, "netbox")
				if err != nil {
					t.Fatal(err)
				}
				uow, err := db.Begin(ctx, repo.Owner())
				if err != nil {
					t.Fatal(err)
				}
				defer uow.Abort()

				s, err := loaders.Default().Session(uow, repo)
				if err != nil {
					t.Fatal(err)
				}

				l, _ := s.Claim(tc.file.path)
				if l == nil {
					t.Fatalf("%s is not claimed", tc.file.path)
				}

				_, err = s.Load(ctx, l, tc.file.path, []byte(tc.file.data))
				if err == nil {
					t.Fatal("expected error")
				}
				if loaders.Fatal(err) != tc.fatal {
					t.Fatalf("expected fatal=%v, got %v", tc.fatal, err)
				}
				if tc.check != nil && !tc.check(err) {
					t.Fatalf("unexpected error %v", err)
				}
			})
		}
	})
}

func TestReconcile(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *database.Database) {
		ctx := t.Context()
		registry := loaders.Default()

		if _, _, err := sync(t, db, registry, "netbox",
			file{"config_contexts/a.json", `{"_metadata": {"name": "A"}}`},
			file{"config_contexts/b.json", `{"_metadata": {"name": "B"}}`},
			file{"config_contexts/c.json", `{"_metadata": {"name": "C"}}`},
			file{"export_templates/dcim/device/list.csv", "{{ name }}"},
			file{"graphql_queries/devices.graphql", "query { devices { name } }"},
		); err != nil {
			t.Fatal(err)
		}

		// b is gone and c no longer parses: both are deleted, as are the
		// template and query.
		_, changes, err := sync(t, db, registry, "netbox",
			file{"config_contexts/a.json", `{"_metadata": {"name": "A"}}`},
			file{"config_contexts/c.json", `{"_metadata": {}}`},
		)
		if err != nil {
			t.Fatal(err)
		}

		var deleted []string
		for _, c := range changes {
			if c.Action == database.ActionDeleted {
				deleted = append(deleted, c.Kind.String()+":"+c.Name)
			}
		}
		exp := []string{"extras.configcontext:B", "extras.configcontext:C", "extras.exporttemplate:dcim.device/list.csv", "extras.graphqlquery:devices"}
		if diff := cmp.Diff(exp, deleted); diff != "" {
			t.Fatalf("unexpected deletions (-want +got):\n%s", diff)
		}

		repo, err := db.GetRepository(ctx, "netbox")
		if err != nil {
			t.Fatal(err)
		}
		contexts, err := db.ListConfigContexts(ctx, repo.Owner())
		if err != nil {
			t.Fatal(err)
		}
		var names []string
		for _, cc := range contexts {
			names = append(names, cc.Name)
		}
		if diff := cmp.Diff([]string{"A"}, names); diff != "" {
			t.Fatalf("unexpected contexts (-want +got):\n%s", diff)
		}
	})
}

func TestDuplicateNames(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *database.Database) {
		_, _, err := sync(t, db, loaders.Default(), "netbox",
			file{"config_context_schemas/a.json", `{"_metadata": {"name": "Same"}, "data_schema": {}}`},
			file{"config_context_schemas/b.json", `{"_metadata": {"name": "Same"}, "data_schema": {}}`},
		)
		var perr *loaders.ParseError
		if !errors.As(err, &perr) || perr.Path != "config_context_schemas/b.json" {
			t.Fatalf("expected duplicate error for b.json, got %v", err)
		}
	})
}

func TestJobs(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *database.Database) {
		ctx := t.Context()
		registry := loaders.Default()

		s, changes, err := sync(t, db, registry, "netbox",
			file{"jobs/backup.rego", "package jobs.backup\n\nmetadata := {\"name\": \"Backup\"}\n\nrun := true"},
			file{"jobs/lib/util.rego", "package jobs.lib\n\nf(x) := x"},
		)
		if err != nil {
			t.Fatal(err)
		}
		if len(changes) != 1 || changes[0].Name != "jobs.backup" || changes[0].Action != database.ActionCreated {
			t.Fatalf("unexpected changes %+v", changes)
		}
		if len(s.Jobs().Jobs()) != 1 {
			t.Fatalf("unexpected job set %+v", s.Jobs().Jobs())
		}

		repo, err := db.GetRepository(ctx, "netbox")
		if err != nil {
			t.Fatal(err)
		}
		stored, err := db.ListJobs(ctx, repo.Owner())
		if err != nil {
			t.Fatal(err)
		}
		if len(stored) != 1 || stored[0].Name != "Backup" || stored[0].FilePath != "jobs/backup.rego" {
			t.Fatalf("unexpected jobs %+v", stored)
		}

		_, _, err = sync(t, db, registry, "netbox",
			file{"jobs/backup.rego", "package jobs.backup\n\nrun := "},
		)
		var perr *loaders.ParseError
		if !errors.As(err, &perr) || !perr.Strict || perr.Path != "jobs/backup.rego" {
			t.Fatalf("expected strict parse error, got %v", err)
		}

		// The failed sync was aborted.
		stored, err = db.ListJobs(ctx, repo.Owner())
		if err != nil {
			t.Fatal(err)
		}
		if len(stored) != 1 {
			t.Fatalf("unexpected jobs %+v", stored)
		}
	})
}
