// Package loaders turns repository files into owned artifacts. Each loader
// claims the file paths of one content kind; a Session dispatches the files
// of one sync to them and tracks what they produced so that artifacts no
// longer backed by a file can be removed.
package loaders

import (
	"context"
	"fmt"
	"slices"

	"github.com/gobwas/glob"

	"github.com/sotplane/datasync/internal/content"
	"github.com/sotplane/datasync/internal/database"
	"github.com/sotplane/datasync/internal/jobs"
)

// Loader derives artifacts of one content kind from files.
type Loader interface {
	Kind() content.Kind
	Claims(path string) bool
	// Load stages the artifacts of one file through the session's unit of work.
	Load(ctx context.Context, s *Session, path string, data []byte) ([]database.Change, error)
}

// Finalizer is implemented by loaders that act once all files of their kind
// have been loaded.
type Finalizer interface {
	Finalize(ctx context.Context, s *Session) ([]database.Change, error)
}

// Factory creates the loader state of a single sync.
type Factory func() Loader

type Registry struct {
	factories []Factory
	schemas   *SchemaCache
}

func NewRegistry(factories ...Factory) *Registry {
	return &Registry{factories: factories, schemas: NewSchemaCache(defaultSchemaCacheSize)}
}

// Default returns a registry with a loader for every content kind.
func Default() *Registry {
	return NewRegistry(
		NewSchemaLoader,
		NewContextLoader,
		NewLocalContextLoader,
		NewExportTemplateLoader,
		NewSavedQueryLoader,
		NewJobLoader,
	)
}

// Session starts dispatching the files of one sync of repo, staging writes
// through uow.
func (r *Registry) Session(uow *database.UnitOfWork, repo *database.Repository) (*Session, error) {
	provided, err := repo.Contents()
	if err != nil {
		return nil, err
	}

	s := &Session{
		uow:      uow,
		repo:     repo,
		provided: provided,
		schemas:  r.schemas,
		keep:     make(map[content.Kind][]int64),
		names:    make(map[content.Kind]map[string]string),
		loaded:   make(map[string]*database.ConfigContextSchema),
	}
	for _, f := range r.factories {
		s.loaders = append(s.loaders, f())
	}
	return s, nil
}

// Session is the loader state of one sync. It is not safe for concurrent use.
type Session struct {
	uow      *database.UnitOfWork
	repo     *database.Repository
	provided content.Set
	schemas  *SchemaCache
	loaders  []Loader

	keep   map[content.Kind][]int64
	names  map[content.Kind]map[string]string
	loaded map[string]*database.ConfigContextSchema
	jobs   *jobs.Set
}

func (s *Session) UnitOfWork() *database.UnitOfWork {
	return s.uow
}

func (s *Session) Repository() *database.Repository {
	return s.repo
}

func (s *Session) Schemas() *SchemaCache {
	return s.schemas
}

// Claim returns the loader claiming path and whether the repository
// provides its kind. Unclaimed paths return a nil loader.
func (s *Session) Claim(path string) (Loader, bool) {
	for _, l := range s.loaders {
		if l.Claims(path) {
			return l, s.provided.Contains(l.Kind())
		}
	}
	return nil, false
}

// Load runs l on one file. Artifacts it produced are kept at reconciliation.
// A file that fails keeps nothing, not even what it produced before.
func (s *Session) Load(ctx context.Context, l Loader, path string, data []byte) ([]database.Change, error) {
	changes, err := l.Load(ctx, s, path, data)
	if err != nil {
		return nil, err
	}

	s.track(changes)
	return changes, nil
}

// Finalize runs the finalizers of the provided kinds.
func (s *Session) Finalize(ctx context.Context) ([]database.Change, error) {
	var all []database.Change
	for _, l := range s.loaders {
		f, ok := l.(Finalizer)
		if !ok || !s.provided.Contains(l.Kind()) {
			continue
		}
		changes, err := f.Finalize(ctx, s)
		if err != nil {
			return all, err
		}
		s.track(changes)
		all = append(all, changes...)
	}
	return all, nil
}

// reconcileOrder removes artifacts before the schemas they may refer to.
var reconcileOrder = []content.Kind{
	content.ConfigContexts,
	content.LocalConfigContexts,
	content.ExportTemplates,
	content.SavedQueries,
	content.Jobs,
	content.ConfigContextSchemas,
}

// Reconcile deletes the owned artifacts of every kind that this sync did not
// produce. Kinds the repository does not provide lose all their artifacts.
func (s *Session) Reconcile(ctx context.Context) ([]database.Change, error) {
	var all []database.Change
	for _, kind := range reconcileOrder {
		var keep []int64
		if s.provided.Contains(kind) {
			keep = s.keep[kind]
		}

		changes, err := s.uow.Purge(ctx, kind, keep)
		if err != nil {
			return all, fmt.Errorf("reconcile %s: %w", kind.Grouping(), err)
		}
		all = append(all, changes...)
	}
	return all, nil
}

// Jobs returns the job code compiled during this sync, or nil if the
// repository does not provide jobs.
func (s *Session) Jobs() *jobs.Set {
	return s.jobs
}

// schema resolves a config context schema by name. Schemas of the
// repository itself only count when this sync loaded them; stored ones are
// about to be reconciled away.
func (s *Session) schema(ctx context.Context, name string) (*database.ConfigContextSchema, error) {
	if schema, ok := s.loaded[name]; ok {
		return schema, nil
	}
	return s.uow.ForeignConfigContextSchema(ctx, name)
}

func (s *Session) track(changes []database.Change) {
	for _, c := range changes {
		if c.Action != database.ActionDeleted {
			s.keep[c.Kind] = append(s.keep[c.Kind], c.ID)
		}
	}
}

// unique reserves name for path among the artifacts of kind produced by
// this sync.
func (s *Session) unique(kind content.Kind, name, path string) error {
	names := s.names[kind]
	if names == nil {
		names = make(map[string]string)
		s.names[kind] = names
	}
	if other, ok := names[name]; ok && other != path {
		return fmt.Errorf("%s %q is already defined in %s", kind.Label(), name, other)
	}
	names[name] = path
	return nil
}

// patterns claims paths matching any of a set of globs.
type patterns []glob.Glob

func compile(globs ...string) patterns {
	p := make(patterns, len(globs))
	for i := range globs {
		p[i] = glob.MustCompile(globs[i], '/')
	}
	return p
}

func (p patterns) Claims(path string) bool {
	return slices.ContainsFunc(p, func(g glob.Glob) bool { return g.Match(path) })
}
