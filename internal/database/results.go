package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/achille-roussel/sqlrange"
)

// SyncResult is the persisted record of one sync, dry runs included.
type SyncResult struct {
	ID             int64      `json:"id"`
	RepositoryID   int64      `json:"repository_id"`
	RepositoryName string     `json:"repository"`
	DryRun         bool       `json:"dry_run"`
	Status         string     `json:"status"`
	State          string     `json:"state"`
	PreviousHead   string     `json:"previous_head,omitempty"`
	Head           string     `json:"head,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     time.Time  `json:"finished_at"`
	Entries        []LogEntry `json:"entries,omitempty"`
}

type LogEntry struct {
	Seq       int64     `json:"seq"`
	Grouping  string    `json:"grouping"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertSyncResult stores the result with its log entries and returns its id.
func (d *Database) InsertSyncResult(ctx context.Context, r *SyncResult) (int64, error) {
	return tx2(ctx, d, func(tx *sql.Tx) (int64, error) {
		id, err := d.insert(ctx, tx, "sync_results",
			[]string{"repository_id", "repository_name", "dry_run", "status", "state", "previous_head", "head", "started_at", "finished_at"},
			r.RepositoryID, r.RepositoryName, normalize(r.DryRun), r.Status, r.State, r.PreviousHead, r.Head, formatTime(r.StartedAt), formatTime(r.FinishedAt))
		if err != nil {
			return 0, err
		}

		for _, e := range r.Entries {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO sync_log_entries (result_id, seq, log_grouping, level, message, created_at) VALUES (%s)", joinArgs(d.args(6))),
				id, e.Seq, e.Grouping, e.Level, e.Message, formatTime(e.CreatedAt)); err != nil {
				return 0, err
			}
		}

		r.ID = id
		return id, nil
	})
}

// GetSyncResult returns the result together with its log entries in sequence order.
func (d *Database) GetSyncResult(ctx context.Context, id int64) (*SyncResult, error) {
	results, err := d.querySyncResults(ctx, fmt.Sprintf("WHERE id = %s", d.arg(0)), id)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("sync result %d: %w", id, ErrNotFound)
	}

	r := results[0]
	query := fmt.Sprintf("SELECT seq, log_grouping, level, message, created_at FROM sync_log_entries WHERE result_id = %s ORDER BY seq", d.arg(0))
	for row, err := range sqlrange.QueryContext[logEntryRow](ctx, d.db, query, id) {
		if err != nil {
			return nil, err
		}
		r.Entries = append(r.Entries, LogEntry{
			Seq:       row.Seq,
			Grouping:  row.Grouping,
			Level:     row.Level,
			Message:   row.Message,
			CreatedAt: parseTime(row.CreatedAt),
		})
	}

	return r, nil
}

// ListSyncResults returns the latest results, newest first, without log
// entries. An empty repository name lists the results of all repositories.
func (d *Database) ListSyncResults(ctx context.Context, repository string, limit int) ([]*SyncResult, error) {
	where, args := "", []any{}
	if repository != "" {
		where, args = fmt.Sprintf("WHERE repository_name = %s", d.arg(0)), append(args, repository)
	}
	if limit > 0 {
		where += fmt.Sprintf(" ORDER BY id DESC LIMIT %d", limit)
	} else {
		where += " ORDER BY id DESC"
	}
	return d.querySyncResults(ctx, where, args...)
}

func (d *Database) querySyncResults(ctx context.Context, where string, args ...any) ([]*SyncResult, error) {
	query := "SELECT id, repository_id, repository_name, dry_run, status, state, previous_head, head, started_at, finished_at FROM sync_results " + where

	var results []*SyncResult
	for row, err := range sqlrange.QueryContext[syncResultRow](ctx, d.db, query, args...) {
		if err != nil {
			return nil, err
		}
		results = append(results, &SyncResult{
			ID:             row.ID,
			RepositoryID:   row.RepositoryID,
			RepositoryName: row.RepositoryName,
			DryRun:         row.DryRun,
			Status:         row.Status,
			State:          row.State,
			PreviousHead:   row.PreviousHead,
			Head:           row.Head,
			StartedAt:      parseTime(row.StartedAt),
			FinishedAt:     parseTime(row.FinishedAt),
		})
	}
	return results, nil
}

type syncResultRow struct {
	ID             int64  `sql:"id"`
	RepositoryID   int64  `sql:"repository_id"`
	RepositoryName string `sql:"repository_name"`
	DryRun         bool   `sql:"dry_run"`
	Status         string `sql:"status"`
	State          string `sql:"state"`
	PreviousHead   string `sql:"previous_head"`
	Head           string `sql:"head"`
	StartedAt      string `sql:"started_at"`
	FinishedAt     string `sql:"finished_at"`
}

type logEntryRow struct {
	Seq       int64  `sql:"seq"`
	Grouping  string `sql:"log_grouping"`
	Level     string `sql:"level"`
	Message   string `sql:"message"`
	CreatedAt string `sql:"created_at"`
}

// Timestamps are stored as text so that every dialect round-trips them unchanged.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
