package datasync

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/akedrou/textdiff"

	"github.com/sotplane/datasync/internal/content"
	"github.com/sotplane/datasync/internal/database"
	"github.com/sotplane/datasync/internal/gitdiff"
	"github.com/sotplane/datasync/internal/jsonpatch"
)

// Columns holding JSON documents are reported as merge patches, multi-line
// columns as unified diffs.
var (
	documentColumns = []string{"data", "data_schema", "local_context_data"}
	textColumns     = []string{"template_code", "query", "source"}
)

// reportDiff logs one line per file touched between the current and the
// fetched head.
func reportDiff(log *Log, diff gitdiff.Changes) {
	for _, path := range diff.Added {
		log.Info(content.RepositoryGrouping, "Addition - `%s`", path)
	}
	for _, path := range diff.Modified {
		log.Info(content.RepositoryGrouping, "Modification - `%s`", path)
	}
	for _, path := range diff.Removed {
		log.Info(content.RepositoryGrouping, "Removal - `%s`", path)
	}
}

// reportChange logs an artifact change. Dry runs also log what an update
// would modify.
func reportChange(log *Log, c database.Change, dryRun bool) {
	if c.Action == database.ActionUnchanged {
		return
	}

	g := c.Kind.Grouping()
	msg := fmt.Sprintf("%s %s %q", verb(c.Action, dryRun), c.Kind.Label(), c.Name)
	if c.FilePath != "" {
		msg += fmt.Sprintf(" (%s)", c.FilePath)
	}
	log.Info(g, "%s", msg)

	if !dryRun || c.Action != database.ActionUpdated {
		return
	}
	for _, line := range details(c) {
		log.Info(g, "%s", line)
	}
}

func verb(action database.Action, dryRun bool) string {
	var v string
	switch action {
	case database.ActionCreated:
		v = "create"
	case database.ActionUpdated:
		v = "update"
	case database.ActionDeleted:
		v = "delete"
	default:
		v = string(action)
	}
	if dryRun {
		return "Would " + v
	}
	return strings.ToUpper(v[:1]) + v[1:] + "d"
}

// details describes every column an update modifies.
func details(c database.Change) []string {
	var lines []string
	for _, col := range slices.Sorted(maps.Keys(c.After)) {
		before, after := c.Before[col], c.After[col]
		if equal(before, after) {
			continue
		}

		switch {
		case slices.Contains(documentColumns, col):
			patch, err := jsonpatch.MergePatch(raw(before), raw(after))
			if err != nil {
				lines = append(lines, fmt.Sprintf("%s: changed", col))
				continue
			}
			lines = append(lines, fmt.Sprintf("%s: %s", col, patch))
		case slices.Contains(textColumns, col):
			diff := textdiff.Unified("a/"+col, "b/"+col, text(before), text(after))
			lines = append(lines, fmt.Sprintf("%s:\n%s", col, strings.TrimRight(diff, "\n")))
		default:
			lines = append(lines, fmt.Sprintf("%s: %s -> %s", col, text(before), text(after)))
		}
	}
	return lines
}

func equal(a, b any) bool {
	return text(a) == text(b)
}

func raw(v any) json.RawMessage {
	switch v := v.(type) {
	case nil:
		return nil
	case string:
		return json.RawMessage(v)
	case []byte:
		return json.RawMessage(v)
	default:
		bs, _ := json.Marshal(v)
		return bs
	}
}

func text(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
