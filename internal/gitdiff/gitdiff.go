// Package gitdiff computes which files changed between two commits of a
// working tree and exposes the tree of a commit for loading. Both operate on
// git objects rather than the checkout, so the result does not depend on
// what else happens to be on disk.
package gitdiff

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// Changes lists relative file paths, each slice sorted.
type Changes struct {
	Added    []string `json:"added,omitempty"`
	Modified []string `json:"modified,omitempty"`
	Removed  []string `json:"removed,omitempty"`
}

func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Removed) == 0
}

// Diff returns the files added, modified and removed going from one commit
// to another. An empty or unknown from commit classifies every file of to as
// added.
func Diff(workdir, from, to string) (Changes, error) {
	repository, err := git.PlainOpen(workdir)
	if err != nil {
		return Changes{}, err
	}

	toTree, err := tree(repository, to)
	if err != nil {
		return Changes{}, err
	}

	var fromTree *object.Tree
	if from != "" {
		fromTree, err = tree(repository, from)
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			fromTree = nil
		} else if err != nil {
			return Changes{}, err
		}
	}

	if fromTree == nil {
		files, err := list(toTree)
		if err != nil {
			return Changes{}, err
		}
		return Changes{Added: files}, nil
	}

	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return Changes{}, err
	}

	var result Changes
	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return Changes{}, err
		}
		switch action {
		case merkletrie.Insert:
			result.Added = append(result.Added, change.To.Name)
		case merkletrie.Delete:
			result.Removed = append(result.Removed, change.From.Name)
		case merkletrie.Modify:
			result.Modified = append(result.Modified, change.To.Name)
		}
	}

	slices.Sort(result.Added)
	slices.Sort(result.Modified)
	slices.Sort(result.Removed)

	return result, nil
}

// Snapshot is the file tree of one commit.
type Snapshot struct {
	Commit string
	tree   *object.Tree
	files  []string
}

// Open returns the snapshot of commit in the repository at workdir.
func Open(workdir, commit string) (*Snapshot, error) {
	repository, err := git.PlainOpen(workdir)
	if err != nil {
		return nil, err
	}

	t, err := tree(repository, commit)
	if err != nil {
		return nil, err
	}

	files, err := list(t)
	if err != nil {
		return nil, err
	}

	return &Snapshot{Commit: commit, tree: t, files: files}, nil
}

// Files returns every file path of the snapshot in lexicographic order.
func (s *Snapshot) Files() []string {
	return s.files
}

func (s *Snapshot) ReadFile(path string) ([]byte, error) {
	f, err := s.tree.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, &fs.PathError{Op: "read", Path: path, Err: fs.ErrNotExist}
	} else if err != nil {
		return nil, err
	}

	contents, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return []byte(contents), nil
}

func tree(repository *git.Repository, commit string) (*object.Tree, error) {
	if !plumbing.IsHash(commit) {
		return nil, fmt.Errorf("invalid commit hash %q", commit)
	}

	c, err := repository.CommitObject(plumbing.NewHash(commit))
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", commit, err)
	}
	return c.Tree()
}

func list(t *object.Tree) ([]string, error) {
	var files []string
	err := t.Files().ForEach(func(f *object.File) error {
		files = append(files, f.Name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}
