// Package datasync reconciles the artifacts a repository owns with the files
// at the head of its remote reference.
//
// A sync resolves credentials, fetches the remote, diffs the fetched commit
// against the current head and then loads the complete tree through the
// loader registry in one unit of work. Artifacts not derived from the tree
// are deleted before the unit of work commits together with the new head.
// Dry runs do the same work and abort the unit of work instead.
package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/sotplane/datasync/internal/archive"
	"github.com/sotplane/datasync/internal/config"
	"github.com/sotplane/datasync/internal/content"
	"github.com/sotplane/datasync/internal/credentials"
	"github.com/sotplane/datasync/internal/database"
	"github.com/sotplane/datasync/internal/gitdiff"
	"github.com/sotplane/datasync/internal/gitsync"
	"github.com/sotplane/datasync/internal/jobs"
	"github.com/sotplane/datasync/internal/loaders"
	"github.com/sotplane/datasync/internal/logging"
	"github.com/sotplane/datasync/internal/metrics"
)

var ErrSyncRunning = errors.New("sync already running")

type Engine struct {
	db        *database.Database
	transport gitsync.Transport
	registry  *loaders.Registry
	jobs      *jobs.Registry
	resolver  *credentials.Resolver
	locks     *Locks
	archive   archive.Sink
	gitRoot   string
	log       *logging.Logger
}

func New() *Engine {
	return &Engine{
		transport: gitsync.New(),
		registry:  loaders.Default(),
		jobs:      jobs.NewRegistry(),
		locks:     NewLocks(),
		gitRoot:   filepath.Join(os.TempDir(), "datasync", "git"),
	}
}

func (e *Engine) WithDatabase(db *database.Database) *Engine {
	e.db = db
	return e
}

func (e *Engine) WithTransport(t gitsync.Transport) *Engine {
	e.transport = t
	return e
}

func (e *Engine) WithRegistry(r *loaders.Registry) *Engine {
	e.registry = r
	return e
}

func (e *Engine) WithJobs(r *jobs.Registry) *Engine {
	e.jobs = r
	return e
}

// WithResolver overrides the credential resolver. By default credential
// groups are read from the database.
func (e *Engine) WithResolver(r *credentials.Resolver) *Engine {
	e.resolver = r
	return e
}

func (e *Engine) WithLocks(l *Locks) *Engine {
	e.locks = l
	return e
}

func (e *Engine) WithArchive(s archive.Sink) *Engine {
	e.archive = s
	return e
}

func (e *Engine) WithGitRoot(dir string) *Engine {
	e.gitRoot = dir
	return e
}

func (e *Engine) WithLogger(log *logging.Logger) *Engine {
	e.log = log
	return e
}

func (e *Engine) Jobs() *jobs.Registry {
	return e.jobs
}

func (e *Engine) Locks() *Locks {
	return e.locks
}

func (e *Engine) workdir(repo *database.Repository) string {
	return filepath.Join(e.gitRoot, repo.Slug)
}

// Sync runs one sync of the named repository. The error is only non-nil if
// the sync could not be attempted or its result not stored; failures of the
// sync itself are reported by the outcome.
func (e *Engine) Sync(ctx context.Context, name string, opts Options) (*Outcome, error) {
	log := e.log.With("repository", name)
	out := &Outcome{Repository: name, DryRun: opts.DryRun, State: StateIdle, StartedAt: time.Now().UTC()}
	rec := newLog(log)

	if !e.locks.TryLock(name) {
		rec.Info(content.RepositoryGrouping, "Skipping sync of %s: %v", name, ErrSyncRunning)
		out.Status, out.Log, out.FinishedAt = StatusSkipped, rec.Entries(), time.Now().UTC()
		return out, nil
	}
	defer e.locks.Unlock(name)

	repo, err := e.db.GetRepository(ctx, name)
	if err != nil {
		return nil, err
	}
	out.PreviousHead, out.Head = repo.CurrentHead, repo.CurrentHead

	r := &run{e: e, repo: repo, opts: opts, out: out, log: rec}
	r.execute(ctx)

	out.Log, out.FinishedAt = rec.Entries(), time.Now().UTC()
	if out.State == StateRolledBack {
		out.Status = StatusFailure
	} else {
		out.Status = StatusSuccess
	}

	metrics.SyncFinished(name, string(out.Status), opts.DryRun, out.StartedAt, out.FinishedAt)
	if out.State == StateCommitted {
		countChanges(name, out.Changes)
	}
	log.Infof("sync finished: status=%s state=%s head=%s", out.Status, out.State, out.Head)

	ctx = context.WithoutCancel(ctx)
	id, err := e.db.InsertSyncResult(ctx, out.result(repo.ID))
	if err != nil {
		return out, fmt.Errorf("store sync result: %w", err)
	}
	out.ID = id
	e.store(ctx, repo, out)

	return out, nil
}

func (e *Engine) store(ctx context.Context, repo *database.Repository, out *Outcome) {
	if e.archive == nil {
		return
	}

	bs, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		e.log.Errorf("failed to encode sync result %d: %v", out.ID, err)
		return
	}

	key := path.Join(repo.Slug, fmt.Sprintf("%d.json", out.ID))
	if err := e.archive.Store(ctx, key, bs); err != nil {
		e.log.Warnf("failed to archive sync result %d of %s: %v", out.ID, repo.Name, err)
	}
}

func countChanges(repository string, changes []database.Change) {
	type key struct {
		kind   content.Kind
		action database.Action
	}
	counts := make(map[key]int)
	for _, c := range changes {
		counts[key{c.Kind, c.Action}]++
	}
	for k, n := range counts {
		metrics.ArtifactChanged(repository, string(k.kind), string(k.action), n)
	}
}

// run is the state of one sync.
type run struct {
	e    *Engine
	repo *database.Repository
	opts Options
	out  *Outcome
	log  *Log
}

func (r *run) execute(ctx context.Context) {
	repoGrouping := content.RepositoryGrouping
	workdir := r.e.workdir(r.repo)

	r.out.State = StateResolvingCredentials
	resolver := r.e.resolver
	if resolver == nil {
		resolver = credentials.NewResolver(r.e.db)
	}
	creds, err := resolver.Resolve(ctx, r.repo.CredentialGroup, config.AccessTypeHTTP)
	if err != nil {
		r.fail(repoGrouping, err)
		return
	}
	remote, err := credentials.URL(r.repo.RemoteURL, creds)
	if err != nil {
		r.fail(repoGrouping, fmt.Errorf("remote URL: %w", err))
		return
	}

	r.out.State = StateFetching
	res, err := r.e.transport.Fetch(ctx, gitsync.Request{
		Repository:  r.repo.Name,
		Workdir:     workdir,
		URL:         remote,
		Ref:         r.repo.Ref(),
		Depth:       r.repo.Depth,
		CurrentHead: r.repo.CurrentHead,
	})
	if err != nil {
		r.fail(repoGrouping, err)
		return
	}
	r.out.Fetched = res.Head
	r.log.Info(repoGrouping, "Fetched %s at %q: %s", credentials.Redact(r.repo.RemoteURL), r.repo.Ref(), res.Head)

	if !res.Changed && !r.opts.Force {
		r.log.Info(repoGrouping, "Repository is already synchronized at %s", res.Head)
		r.out.State = StateCommitted
		if r.opts.DryRun {
			r.out.State = StateDiscarded
		}
		return
	}

	r.out.State = StateDiffing
	diff, err := gitdiff.Diff(workdir, r.repo.CurrentHead, res.Head)
	if err != nil {
		r.fail(repoGrouping, fmt.Errorf("diff: %w", err))
		return
	}
	r.out.Diff = diff
	if r.opts.DryRun {
		reportDiff(r.log, diff)
	} else {
		r.log.Info(repoGrouping, "%d added, %d modified, %d removed files", len(diff.Added), len(diff.Modified), len(diff.Removed))
	}

	snapshot, err := gitdiff.Open(workdir, res.Head)
	if err != nil {
		r.fail(repoGrouping, err)
		return
	}

	r.out.State = StateLoading
	uow, err := r.e.db.Begin(ctx, r.repo.Owner())
	if err != nil {
		r.fail(repoGrouping, err)
		return
	}
	defer func() {
		if !uow.Closed() {
			_ = uow.Abort()
		}
	}()

	session, err := r.e.registry.Session(uow, r.repo)
	if err != nil {
		r.fail(repoGrouping, err)
		return
	}

	if !r.load(ctx, session, snapshot) {
		return
	}

	// Past this point the sync runs to completion.
	ctx = context.WithoutCancel(ctx)

	r.out.State = StateReconciling
	deleted, err := session.Reconcile(ctx)
	if err != nil {
		r.fail(repoGrouping, err)
		return
	}
	r.record(deleted)

	if err := uow.SetCurrentHead(ctx, res.Head); err != nil {
		r.fail(repoGrouping, err)
		return
	}

	if r.opts.DryRun {
		if err := uow.Abort(); err != nil {
			r.fail(repoGrouping, err)
			return
		}
		r.log.Info(repoGrouping, "Dry run complete, no changes were made")
		r.out.State = StateDiscarded
		return
	}

	if err := uow.Commit(); err != nil {
		r.fail(repoGrouping, fmt.Errorf("commit: %w", err))
		return
	}
	r.out.Head = res.Head
	r.out.State = StateCommitted

	if set := session.Jobs(); set != nil {
		r.e.jobs.Replace(set)
	} else {
		r.e.jobs.Unregister(r.repo.Slug)
	}
	r.log.Info(repoGrouping, "Synchronized to %s", res.Head)
}

// load runs the claiming loader on every file of the snapshot in path order
// and reports whether loading may proceed to reconciliation.
func (r *run) load(ctx context.Context, session *loaders.Session, snapshot *gitdiff.Snapshot) bool {
	for _, file := range snapshot.Files() {
		if err := ctx.Err(); err != nil {
			r.fail(content.RepositoryGrouping, fmt.Errorf("sync cancelled: %w", err))
			return false
		}

		l, provided := session.Claim(file)
		if l == nil {
			continue
		}
		g := l.Kind().Grouping()
		if !provided {
			r.log.Warning(g, "Skipping %s: repository does not provide %s", file, l.Kind())
			continue
		}

		data, err := snapshot.ReadFile(file)
		if err != nil {
			r.fail(g, err)
			return false
		}

		changes, err := session.Load(ctx, l, file, data)
		switch {
		case err == nil:
			r.record(changes)
		case loaders.Fatal(err):
			r.fail(g, err)
			return false
		default:
			r.log.Warning(g, "Skipping %v", err)
		}
	}

	if err := ctx.Err(); err != nil {
		r.fail(content.RepositoryGrouping, fmt.Errorf("sync cancelled: %w", err))
		return false
	}

	changes, err := session.Finalize(ctx)
	r.record(changes)
	if err != nil {
		g := content.RepositoryGrouping
		var perr *loaders.ParseError
		if errors.As(err, &perr) {
			g = perr.Kind.Grouping()
		}
		r.fail(g, err)
		return false
	}
	return true
}

func (r *run) record(changes []database.Change) {
	for _, c := range changes {
		if c.Action == database.ActionUnchanged {
			continue
		}
		r.out.Changes = append(r.out.Changes, c)
		reportChange(r.log, c, r.opts.DryRun)
	}
}

// fail ends the sync. Staged changes are discarded along with the unit of
// work and are no longer part of the outcome.
func (r *run) fail(grouping string, err error) {
	r.log.Failure(grouping, "%v", err)
	if n := len(r.out.Changes); n > 0 {
		r.log.Info(content.RepositoryGrouping, "Rolled back %d staged changes", n)
		r.out.Changes = nil
	}
	r.out.State = StateRolledBack
}

// RestoreJobs rebuilds the job registry from the working trees of the
// repositories providing jobs, at their current heads.
func (e *Engine) RestoreJobs(ctx context.Context) error {
	repos, err := e.db.ListRepositories(ctx)
	if err != nil {
		return err
	}

	for _, repo := range repos {
		provided, err := repo.Contents()
		if err != nil || !provided.Contains(content.Jobs) || repo.CurrentHead == "" {
			continue
		}

		set, err := compileJobs(e.workdir(repo), repo)
		if err != nil {
			e.log.Warnf("failed to restore jobs of %s: %v", repo.Name, err)
			continue
		}
		e.jobs.Replace(set)
	}
	return nil
}

func compileJobs(workdir string, repo *database.Repository) (*jobs.Set, error) {
	snapshot, err := gitdiff.Open(workdir, repo.CurrentHead)
	if err != nil {
		return nil, err
	}

	files := make(map[string]string)
	l := loaders.NewJobLoader()
	for _, file := range snapshot.Files() {
		if !l.Claims(file) {
			continue
		}
		data, err := snapshot.ReadFile(file)
		if err != nil {
			return nil, err
		}
		files[file] = string(data)
	}
	return jobs.Compile(repo.Slug, files)
}

// Delete removes the repository with everything it owns and its working
// directory. It fails with ErrSyncRunning while the repository syncs.
func (e *Engine) Delete(ctx context.Context, name string) error {
	if !e.locks.TryLock(name) {
		return fmt.Errorf("repository %q: %w", name, ErrSyncRunning)
	}
	defer e.locks.Unlock(name)

	repo, err := e.db.GetRepository(ctx, name)
	if err != nil {
		return err
	}
	if err := e.db.DeleteRepository(ctx, name); err != nil {
		return err
	}

	e.jobs.Unregister(repo.Slug)
	return os.RemoveAll(e.workdir(repo))
}
