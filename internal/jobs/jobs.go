// Package jobs compiles the Rego job code of a repository and keeps the
// compiled code of every repository in its own, isolated registry entry.
//
// Every package that defines a rule named run is a job. An optional metadata
// object in the same package names and describes it:
//
//	package jobs.backup
//
//	metadata := {"name": "Backup", "description": "Back up configs", "grouping": "Maintenance"}
//
//	run := {"devices": count(input.devices)}
package jobs

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const (
	runRule      = "run"
	metadataRule = "metadata"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrUndefined   = errors.New("job result is undefined")
)

// Job is one job discovered in a repository.
type Job struct {
	Module      string `json:"module"` // Package path without the data prefix.
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Grouping    string `json:"grouping,omitempty"`
	FilePath    string `json:"file_path"`
	Source      string `json:"-"`
}

// CompileError reports job code that fails to parse or compile.
type CompileError struct {
	File string // Empty when the error is not bound to one file.
	Err  error
}

func (e *CompileError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s: %v", e.File, e.Err)
	}
	return e.Err.Error()
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// Set is the compiled job code of one repository.
type Set struct {
	Slug     string
	compiler *ast.Compiler
	jobs     []Job
}

type metadata struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Grouping    string `mapstructure:"grouping"`
}

// Compile parses and compiles files, a map of path to Rego source, into a
// Set of its own.
func Compile(slug string, files map[string]string) (*Set, error) {
	paths := slices.Sorted(maps.Keys(files))
	modules := make(map[string]*ast.Module, len(files))

	for _, path := range paths {
		m, err := ast.ParseModuleWithOpts(path, files[path], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, &CompileError{File: path, Err: err}
		}
		modules[path] = m
	}

	c := ast.NewCompiler()
	if c.Compile(modules); c.Failed() {
		return nil, &CompileError{Err: c.Errors}
	}

	set := &Set{Slug: slug, compiler: c}
	seen := make(map[string]int)

	for _, path := range paths {
		m := modules[path]
		pkg := strings.TrimPrefix(m.Package.Path.String(), "data.")

		for _, rule := range m.Rules {
			if rule.Head.Ref().String() != runRule {
				continue
			}
			if _, ok := seen[pkg]; ok {
				continue
			}
			seen[pkg] = len(set.jobs)
			set.jobs = append(set.jobs, Job{
				Module:   pkg,
				Name:     pkg[strings.LastIndex(pkg, ".")+1:],
				Grouping: parent(pkg),
				FilePath: path,
				Source:   files[path],
			})
		}
	}

	// Metadata may live in any file of the package.
	for _, path := range paths {
		m := modules[path]
		pkg := strings.TrimPrefix(m.Package.Path.String(), "data.")
		i, ok := seen[pkg]
		if !ok {
			continue
		}

		for _, rule := range m.Rules {
			if rule.Head.Ref().String() != metadataRule || rule.Head.Value == nil {
				continue
			}
			v, err := ast.JSON(rule.Head.Value.Value)
			if err != nil {
				return nil, &CompileError{File: path, Err: fmt.Errorf("metadata of %s must be a constant object: %w", pkg, err)}
			}
			var md metadata
			if err := mapstructure.Decode(v, &md); err != nil {
				return nil, &CompileError{File: path, Err: fmt.Errorf("metadata of %s: %w", pkg, err)}
			}
			job := &set.jobs[i]
			job.Name = cmp.Or(md.Name, job.Name)
			job.Description = md.Description
			job.Grouping = cmp.Or(md.Grouping, job.Grouping)
		}
	}

	return set, nil
}

func parent(pkg string) string {
	if i := strings.LastIndex(pkg, "."); i > 0 {
		return pkg[:i]
	}
	return pkg
}

// Jobs returns the discovered jobs ordered by file path.
func (s *Set) Jobs() []Job {
	if s == nil {
		return nil
	}
	return s.jobs
}

func (s *Set) lookup(module string) (Job, bool) {
	for _, j := range s.Jobs() {
		if j.Module == module {
			return j, true
		}
	}
	return Job{}, false
}

// Run evaluates the run rule of a job with input.
func (s *Set) Run(ctx context.Context, module string, input any) (any, error) {
	if _, ok := s.lookup(module); !ok {
		return nil, fmt.Errorf("%s: %w", module, ErrJobNotFound)
	}

	rs, err := rego.New(
		rego.Compiler(s.compiler),
		rego.Query("data."+module+"."+runRule),
		rego.Input(input),
	).Eval(ctx)
	if err != nil {
		return nil, err
	}

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, fmt.Errorf("%s: %w", module, ErrUndefined)
	}

	return rs[0].Expressions[0].Value, nil
}

// Registry holds the compiled job code of every repository, keyed by slug.
// Sets never share a compiler, so packages of one repository are invisible
// to another.
type Registry struct {
	mu   sync.RWMutex
	sets map[string]*Set
}

func NewRegistry() *Registry {
	return &Registry{sets: make(map[string]*Set)}
}

// Replace installs set for its slug, dropping whatever was registered
// before. A set with no jobs unregisters the slug.
func (r *Registry) Replace(set *Set) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(set.Jobs()) == 0 {
		delete(r.sets, set.Slug)
		return
	}
	r.sets[set.Slug] = set
}

func (r *Registry) Unregister(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sets, slug)
}

// Jobs lists the jobs registered for slug.
func (r *Registry) Jobs(slug string) []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.sets[slug].Jobs())
}

func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.sets))
}

func (r *Registry) Run(ctx context.Context, slug, module string, input any) (any, error) {
	r.mu.RLock()
	set, ok := r.sets[slug]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", slug, module, ErrJobNotFound)
	}
	return set.Run(ctx, module, input)
}
