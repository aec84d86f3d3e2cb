// Package service keeps every configured repository synchronized in the
// background and serves health, metrics and sync results over HTTP.
package service

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sotplane/datasync/internal/config"
	"github.com/sotplane/datasync/internal/database"
	"github.com/sotplane/datasync/internal/datasync"
	"github.com/sotplane/datasync/internal/logging"
	"github.com/sotplane/datasync/internal/pool"
)

var (
	defaultInterval = 5 * time.Minute
	errorInterval   = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

const (
	defaultWorkers        = 4
	defaultMetricsAddress = "localhost:8282"
)

type Service struct {
	config *config.Service
	db     *database.Database
	engine *datasync.Engine
	pool   *pool.Pool
	log    *logging.Logger
}

func New() *Service {
	return &Service{config: &config.Service{}}
}

func (s *Service) WithConfig(c *config.Service) *Service {
	if c != nil {
		s.config = c
	}
	return s
}

func (s *Service) WithDatabase(db *database.Database) *Service {
	s.db = db
	return s
}

func (s *Service) WithEngine(e *datasync.Engine) *Service {
	s.engine = e
	return s
}

func (s *Service) WithLogger(log *logging.Logger) *Service {
	s.log = log
	return s
}

// Start restores the job registry and schedules a sync task per repository.
// Tasks stop when ctx is done.
func (s *Service) Start(ctx context.Context) error {
	if err := s.engine.RestoreJobs(ctx); err != nil {
		return err
	}

	s.pool = pool.New(ctx, cmp.Or(s.config.Workers, defaultWorkers))
	return s.Schedule(ctx)
}

// Schedule adds a sync task for every repository not yet scheduled and
// removes the tasks of repositories that no longer exist.
func (s *Service) Schedule(ctx context.Context) error {
	repos, err := s.db.ListRepositories(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(repos))
	for _, repo := range repos {
		known[repo.Name] = true
		interval := cmp.Or(time.Duration(repo.SyncInterval), time.Duration(s.config.Interval), defaultInterval)
		if err := s.pool.Add(repo.Name, s.task(repo.Name, interval)); err == nil {
			s.log.Debugf("scheduled %s every %v", repo.Name, interval)
		}
	}
	for _, name := range s.pool.Names() {
		if !known[name] {
			s.pool.Remove(name)
		}
	}
	return nil
}

func (s *Service) task(name string, interval time.Duration) pool.Func {
	return func(ctx context.Context) time.Time {
		out, err := s.engine.Sync(ctx, name, datasync.Options{})
		switch {
		case errors.Is(err, database.ErrNotFound):
			s.log.Infof("repository %s no longer exists, unscheduling", name)
			return time.Time{}
		case err != nil:
			s.log.Errorf("sync of %s failed: %v", name, err)
			return time.Now().Add(errorInterval)
		case out.Status == datasync.StatusFailure:
			return time.Now().Add(min(interval, errorInterval))
		}
		return time.Now().Add(interval)
	}
}

// Trigger syncs the named repository as soon as a worker is free.
func (s *Service) Trigger(name string) error {
	if err := s.pool.Trigger(name); err != nil {
		return database.ErrNotFound
	}
	return nil
}

// Run starts the background syncs and serves the HTTP endpoints until ctx
// is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	addr := cmp.Or(s.config.MetricsAddress, defaultMetricsAddress)
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		s.log.Infof("serving on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.pool.Wait()
	return err
}
