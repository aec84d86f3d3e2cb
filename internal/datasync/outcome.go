package datasync

import (
	"time"

	"github.com/sotplane/datasync/internal/database"
	"github.com/sotplane/datasync/internal/gitdiff"
)

// State is a step of the sync state machine.
type State string

const (
	StateIdle                 State = "idle"
	StateResolvingCredentials State = "resolving_credentials"
	StateFetching             State = "fetching"
	StateDiffing              State = "diffing"
	StateLoading              State = "loading"
	StateReconciling          State = "reconciling"
	StateCommitted            State = "committed"
	StateRolledBack           State = "rolled_back"
	// StateDiscarded ends a dry run whose staged writes were thrown away
	// without any failure.
	StateDiscarded State = "discarded"
)

func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateDiscarded
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

type Options struct {
	DryRun bool
	// Force reloads the tree even when the fetched head equals the current head.
	Force bool
}

// Outcome is the result of one sync attempt.
type Outcome struct {
	ID           int64               `json:"id,omitempty"`
	Repository   string              `json:"repository"`
	DryRun       bool                `json:"dry_run"`
	Status       Status              `json:"status"`
	State        State               `json:"state"`
	PreviousHead string              `json:"previous_head,omitempty"`
	Head         string              `json:"head,omitempty"`    // current_head after the sync.
	Fetched      string              `json:"fetched,omitempty"` // Commit the remote reference resolved to.
	Diff         gitdiff.Changes     `json:"diff"`
	Changes      []database.Change   `json:"changes,omitempty"`
	Log          []database.LogEntry `json:"log"`
	StartedAt    time.Time           `json:"started_at"`
	FinishedAt   time.Time           `json:"finished_at"`
}

func (o *Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// Count returns the number of changes with the given action.
func (o *Outcome) Count(action database.Action) int {
	var n int
	for _, c := range o.Changes {
		if c.Action == action {
			n++
		}
	}
	return n
}

func (o *Outcome) result(repositoryID int64) *database.SyncResult {
	return &database.SyncResult{
		RepositoryID:   repositoryID,
		RepositoryName: o.Repository,
		DryRun:         o.DryRun,
		Status:         string(o.Status),
		State:          string(o.State),
		PreviousHead:   o.PreviousHead,
		Head:           o.Head,
		StartedAt:      o.StartedAt,
		FinishedAt:     o.FinishedAt,
		Entries:        o.Log,
	}
}
