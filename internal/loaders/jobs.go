package loaders

import (
	"context"
	"errors"

	"github.com/sotplane/datasync/internal/content"
	"github.com/sotplane/datasync/internal/database"
	"github.com/sotplane/datasync/internal/jobs"
)

const jobsDir = "jobs"

// JobLoader collects jobs/**.rego and compiles them together once all files
// are known. Code that does not compile fails the sync.
type JobLoader struct {
	patterns
	modules map[string]string
}

func NewJobLoader() Loader {
	return &JobLoader{patterns: compile(jobsDir + "/**.rego"), modules: make(map[string]string)}
}

func (*JobLoader) Kind() content.Kind { return content.Jobs }

func (l *JobLoader) Load(_ context.Context, _ *Session, path string, data []byte) ([]database.Change, error) {
	l.modules[path] = string(data)
	return nil, nil
}

func (l *JobLoader) Finalize(ctx context.Context, s *Session) ([]database.Change, error) {
	set, err := jobs.Compile(s.Repository().Slug, l.modules)
	if err != nil {
		path := jobsDir
		var cerr *jobs.CompileError
		if errors.As(err, &cerr) && cerr.File != "" {
			path, err = cerr.File, cerr.Err
		}
		return nil, &ParseError{Kind: l.Kind(), Path: path, Strict: true, Err: err}
	}

	var changes []database.Change
	for _, j := range set.Jobs() {
		c, err := s.UnitOfWork().UpsertJob(ctx, &database.Job{
			Module:      j.Module,
			Name:        j.Name,
			Description: j.Description,
			Grouping:    j.Grouping,
			Source:      j.Source,
			FilePath:    j.FilePath,
		})
		if err != nil {
			return changes, err
		}
		changes = append(changes, c)
	}

	s.jobs = set
	return changes, nil
}
