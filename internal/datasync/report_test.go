package datasync

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sotplane/datasync/internal/content"
	"github.com/sotplane/datasync/internal/database"
	"github.com/sotplane/datasync/internal/gitdiff"
	"github.com/sotplane/datasync/internal/logging"
)

func messages(l *Log) []string {
	var msgs []string
	for _, e := range l.Entries() {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

func TestReportDiff(t *testing.T) {
	l := newLog(logging.NewNop())
	reportDiff(l, gitdiff.Changes{
		Added:    []string{"config_contexts/a.json"},
		Modified: []string{"graphql_queries/q.graphql"},
		Removed:  []string{"jobs/old.rego"},
	})

	exp := []string{
		"Addition - `config_contexts/a.json`",
		"Modification - `graphql_queries/q.graphql`",
		"Removal - `jobs/old.rego`",
	}
	if diff := cmp.Diff(exp, messages(l)); diff != "" {
		t.Fatalf("unexpected entries (-want +got):\n%s", diff)
	}
	for i, e := range l.Entries() {
		if e.Seq != int64(i+1) || e.Grouping != content.RepositoryGrouping {
			t.Fatalf("unexpected entry %+v", e)
		}
	}
}

func TestReportChange(t *testing.T) {
	tests := []struct {
		note   string
		change database.Change
		dryRun bool
		exp    []string
	}{
		{
			note:   "created",
			change: database.Change{Kind: content.SavedQueries, Action: database.ActionCreated, Name: "devices", FilePath: "graphql_queries/devices.graphql"},
			exp:    []string{`Created graphql query "devices" (graphql_queries/devices.graphql)`},
		},
		{
			note:   "deleted dry run",
			change: database.Change{Kind: content.ConfigContexts, Action: database.ActionDeleted, Name: "NTP servers"},
			dryRun: true,
			exp:    []string{`Would delete config context "NTP servers"`},
		},
		{
			note:   "unchanged",
			change: database.Change{Kind: content.ConfigContexts, Action: database.ActionUnchanged, Name: "NTP servers"},
			dryRun: true,
		},
		{
			note: "updated dry run",
			change: database.Change{
				Kind:   content.ConfigContexts,
				Action: database.ActionUpdated,
				Name:   "NTP servers",
				Before: map[string]any{"weight": int64(1000), "data": `{"a":1,"b":2}`, "is_active": int64(1)},
				After:  map[string]any{"weight": int64(1500), "data": `{"a":1,"b":3}`, "is_active": int64(1)},
			},
			dryRun: true,
			exp: []string{
				`Would update config context "NTP servers"`,
				`data: {"b":3}`,
				"weight: 1000 -> 1500",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			l := newLog(logging.NewNop())
			reportChange(l, tc.change, tc.dryRun)
			if diff := cmp.Diff(tc.exp, messages(l)); diff != "" {
				t.Fatalf("unexpected entries (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDetailsTextDiff(t *testing.T) {
	lines := details(database.Change{
		Kind:   content.ExportTemplates,
		Action: database.ActionUpdated,
		Before: map[string]any{"template_code": "name\n{{ device.name }}\n"},
		After:  map[string]any{"template_code": "name,site\n{{ device.name }}\n"},
	})
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", lines)
	}
	for _, want := range []string{"template_code:", "--- a/template_code", "-name", "+name,site"} {
		if !strings.Contains(lines[0], want) {
			t.Fatalf("expected %q in %q", want, lines[0])
		}
	}
}

func TestLocks(t *testing.T) {
	l := NewLocks()
	if !l.TryLock("a") || l.TryLock("a") {
		t.Fatal("expected exclusive lock")
	}
	if !l.TryLock("b") {
		t.Fatal("locks of different repositories interfere")
	}
	l.Unlock("a")
	if l.Held("a") || !l.Held("b") {
		t.Fatal("unexpected lock state")
	}
	if !l.TryLock("a") {
		t.Fatal("expected lock after unlock")
	}
}
