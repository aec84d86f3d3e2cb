package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sotplane/datasync/internal/config"
	"github.com/sotplane/datasync/internal/content"
)

func TestParseSecretResolve(t *testing.T) {
	result, err := config.Parse([]byte(`{
		repositories: {
			configs: {
				remote_url: https://example.com/configs.git,
				credential_group: gitlab,
			}
		},
		credential_groups: {
			gitlab: {
				secrets: [
					{secret: gitlab_user, access_type: http, role: username},
					{secret: gitlab_token, access_type: http, role: token},
				]
			}
		},
		secrets: {
			gitlab_user: {
				type: text,
				value: bob
			},
			gitlab_token: {
				type: token_auth,
				token: '${DATASYNC_TOKEN}'
			}
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv("DATASYNC_TOKEN", "s3cr3t")

	group := result.CredentialGroups["gitlab"]
	value, err := group.Lookup(config.AccessTypeHTTP, config.RoleToken).Resolve(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(config.SecretTokenAuth{Token: "s3cr3t"}, value); diff != "" {
		t.Fatalf("unexpected secret (-want, +got):\n%s", diff)
	}

	if group.Lookup(config.AccessTypeGeneric, config.RoleToken) != nil {
		t.Fatal("expected no generic token")
	}
}

func TestParseRepositoryDefaults(t *testing.T) {
	result, err := config.Parse([]byte(`
repositories:
  Site Configs:
    remote_url: https://example.com/configs.git
    provided_contents: [extras.configcontext]
  pinned:
    slug: pinned-v1
    remote_url: https://example.com/pinned.git
    branch: v1.0.0
    depth: 1
    sync_interval: 10m
`))
	if err != nil {
		t.Fatal(err)
	}

	repo := result.Repositories["Site Configs"]
	if repo.Name != "Site Configs" || repo.Slug != "site_configs" || repo.Ref() != "main" {
		t.Fatalf("unexpected defaults: %+v", repo)
	}

	pinned := result.Repositories["pinned"]
	if pinned.Slug != "pinned-v1" || pinned.Ref() != "v1.0.0" || pinned.Depth != 1 || pinned.SyncInterval.String() != "10m0s" {
		t.Fatalf("unexpected repository: %+v", pinned)
	}

	kinds, err := repo.Contents()
	if err != nil {
		t.Fatal(err)
	}
	if !kinds.Contains(content.ConfigContexts) || kinds.Contains(content.Jobs) {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		note   string
		config string
		errMsg string
	}{
		{
			note: "unknown field",
			config: `repositories:
  a:
    remote_url: https://example.com/a.git
    colour: blue`,
			errMsg: "colour",
		},
		{
			note: "ssh remote",
			config: `repositories:
  a:
    remote_url: ssh://git@example.com/a.git`,
			errMsg: "only http and https are supported",
		},
		{
			note: "unknown content kind",
			config: `repositories:
  a:
    remote_url: https://example.com/a.git
    provided_contents: [extras.widget]`,
			errMsg: `unknown content kind "extras.widget"`,
		},
		{
			note: "missing credential group",
			config: `repositories:
  a:
    remote_url: https://example.com/a.git
    credential_group: nope`,
			errMsg: `credential group "nope" not found`,
		},
		{
			note: "missing secret",
			config: `credential_groups:
  g:
    secrets:
      - secret: nope
        access_type: http
        role: token`,
			errMsg: `secret "nope" not found`,
		},
		{
			note: "two archives",
			config: `archive:
  filesystem:
    path: /tmp/a
  aws:
    bucket: b`,
			errMsg: "exactly one of",
		},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.config))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.errMsg) {
				t.Fatalf("expected error containing %q, got %v", tc.errMsg, err)
			}
		})
	}
}

func TestDuplicateProvidedContent(t *testing.T) {
	t.Run("disjoint contents on the same remote", func(t *testing.T) {
		_, err := config.Parse([]byte(`
repositories:
  jobs:
    remote_url: https://example.com/shared.git
    provided_contents: [extras.job]
  contexts:
    remote_url: https://example.com/shared.git
    provided_contents: [extras.configcontext]
`))
		if err != nil {
			t.Fatal(err)
		}
	})

	t.Run("identical contents on the same remote", func(t *testing.T) {
		_, err := config.Parse([]byte(`
repositories:
  first:
    remote_url: https://example.com/shared.git
    provided_contents: [extras.job]
  second:
    remote_url: https://example.com/shared.git
    provided_contents: [extras.job]
`))
		var dup *config.DuplicateProvidedContentError
		if !errors.As(err, &dup) {
			t.Fatalf("expected duplicate content error, got %v", err)
		}
		if dup.Other != "first" || dup.Repository != "second" || !dup.Kinds.Contains(content.Jobs) {
			t.Fatalf("unexpected error: %+v", dup)
		}
	})

	t.Run("identical contents on different remotes", func(t *testing.T) {
		a := &config.Repository{Name: "a", RemoteURL: "https://example.com/a.git", ProvidedContents: config.StringSet{"extras.job"}}
		b := &config.Repository{Name: "b", RemoteURL: "https://example.com/b.git", ProvidedContents: config.StringSet{"extras.job"}}
		if err := config.CheckProvidedContent(a, b); err != nil {
			t.Fatal(err)
		}
	})
}

func TestSecretTypes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATASYNC_TEST_SECRET", "from-env")

	tests := []struct {
		note   string
		value  map[string]any
		exp    any
		errMsg string
	}{
		{note: "text", value: map[string]any{"type": "text", "value": "plain"}, exp: config.SecretText{Value: "plain"}},
		{note: "env", value: map[string]any{"type": "env", "variable": "DATASYNC_TEST_SECRET"}, exp: config.SecretText{Value: "from-env"}},
		{note: "env unset", value: map[string]any{"type": "env", "variable": "DATASYNC_TEST_UNSET"}, errMsg: "is not set"},
		{note: "file", value: map[string]any{"type": "file", "path": path}, exp: config.SecretText{Value: "from-file"}},
		{note: "file missing", value: map[string]any{"type": "file", "path": filepath.Join(dir, "missing")}, errMsg: "no such file"},
		{note: "basic auth", value: map[string]any{"type": "basic_auth", "username": "u", "password": "p"}, exp: config.SecretBasicAuth{Username: "u", Password: "p"}},
		{note: "github app", value: map[string]any{"type": "github_app_auth", "integration_id": 1, "installation_id": "2", "private_key": "k.pem"},
			exp: config.SecretGitHubApp{IntegrationID: 1, InstallationID: 2, PrivateKey: "k.pem"}},
		{note: "unknown", value: map[string]any{"type": "carrier_pigeon"}, errMsg: "unknown secret type"},
		{note: "empty", value: map[string]any{}, errMsg: "is not configured"},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			secret := &config.Secret{Name: "s", Value: tc.value}
			value, err := secret.Ref().Resolve(t.Context())
			if tc.errMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tc.errMsg) {
					t.Fatalf("expected error containing %q, got %v", tc.errMsg, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.exp, value); diff != "" {
				t.Fatalf("unexpected value (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestUnresolvedSecretRef(t *testing.T) {
	ref := &config.SecretRef{Name: "ghost"}
	if _, err := ref.Resolve(t.Context()); err == nil || !strings.Contains(err.Error(), `secret "ghost" not found`) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInventoryRecords(t *testing.T) {
	root, err := config.Parse([]byte(`
inventory:
  devices: [sw2, sw1]
  regions: [emea]
`))
	if err != nil {
		t.Fatal(err)
	}

	exp := []config.InventoryRecord{
		{Kind: "device", Name: "sw1"},
		{Kind: "device", Name: "sw2"},
		{Kind: "region", Name: "emea"},
	}
	if diff := cmp.Diff(exp, root.Inventory.Records()); diff != "" {
		t.Fatalf("unexpected records (-want, +got):\n%s", diff)
	}
}

func TestGitRootDir(t *testing.T) {
	root := &config.Root{GitRoot: "/srv/git"}
	t.Setenv(config.GitRootEnv, "")
	if got := root.GitRootDir(); got != "/srv/git" {
		t.Fatalf("expected configured root, got %q", got)
	}

	t.Setenv(config.GitRootEnv, "/var/lib/datasync")
	if got := root.GitRootDir(); got != "/var/lib/datasync" {
		t.Fatalf("expected env override, got %q", got)
	}
}

func TestMerge(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("repositories:\n  a:\n    remote_url: https://example.com/a.git\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("repositories:\n  b:\n    remote_url: https://example.com/b.git\n"), 0644); err != nil {
		t.Fatal(err)
	}

	bs, err := config.Merge([]string{a, b}, true)
	if err != nil {
		t.Fatal(err)
	}

	root, err := config.Parse(bs)
	if err != nil {
		t.Fatal(err)
	}
	if len(root.Repositories) != 2 {
		t.Fatalf("expected two repositories, got %d", len(root.Repositories))
	}

	if err := os.WriteFile(b, []byte("repositories:\n  a:\n    remote_url: https://example.com/other.git\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = config.Merge([]string{a, b}, true)
	var conflict *config.MergeConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if exp := (config.MergeConflictError{Path: "/repositories/a/remote_url", Files: [2]string{a, b}}); *conflict != exp {
		t.Fatalf("expected %+v, got %+v", exp, *conflict)
	}

	bs, err = config.Merge([]string{a, b}, false)
	if err != nil {
		t.Fatal(err)
	}
	root, err = config.Parse(bs)
	if err != nil {
		t.Fatal(err)
	}
	if got := root.Repositories["a"].RemoteURL; got != "https://example.com/other.git" {
		t.Fatalf("expected last file to win, got %q", got)
	}
}

func TestMergeConflictNamesBothFiles(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.yaml": "repositories:\n  a:\n    remote_url: https://example.com/a.git\n    provided_contents: [extras.job]\n",
		"b.yaml": "repositories:\n  a:\n    branch: main\n",
		"c.yaml": "repositories:\n  a:\n    branch: develop\n",
		"d.yaml": "repositories:\n  a:\n    provided_contents: [extras.configcontext]\n",
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
	}
	path := func(name string) string { return filepath.Join(dir, name) }

	tests := []struct {
		note  string
		files []string
		exp   config.MergeConflictError
	}{
		{
			note:  "leaf set by a merged mapping",
			files: []string{path("b.yaml"), path("c.yaml")},
			exp:   config.MergeConflictError{Path: "/repositories/a/branch", Files: [2]string{path("b.yaml"), path("c.yaml")}},
		},
		{
			note:  "leaf set by a copied mapping",
			files: []string{path("a.yaml"), path("b.yaml"), path("d.yaml")},
			exp:   config.MergeConflictError{Path: "/repositories/a/provided_contents", Files: [2]string{path("a.yaml"), path("d.yaml")}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			_, err := config.Merge(tc.files, true)
			var conflict *config.MergeConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("expected conflict, got %v", err)
			}
			if *conflict != tc.exp {
				t.Fatalf("expected %+v, got %+v", tc.exp, *conflict)
			}
		})
	}
}

func TestMergeDirectory(t *testing.T) {
	dir := t.TempDir()
	for name, data := range map[string]string{
		"repositories.yaml": "repositories:\n  a:\n    remote_url: https://example.com/a.git\n",
		"service.json":      `{"service": {"workers": 2}}`,
		"README.md":         "# not configuration\n",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
	}

	// The directory and one of its files: the file is read once only.
	bs, err := config.Merge([]string{dir, filepath.Join(dir, "service.json")}, true)
	if err != nil {
		t.Fatal(err)
	}
	root, err := config.Parse(bs)
	if err != nil {
		t.Fatal(err)
	}
	if len(root.Repositories) != 1 || root.Service == nil || root.Service.Workers != 2 {
		t.Fatalf("unexpected configuration %+v", root)
	}
}
