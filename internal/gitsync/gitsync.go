// Package gitsync implements the repository transport. It maintains one local
// working tree per repository and checks out a branch, tag or commit hash in
// it. No thread pooling happens here: the caller guarantees that a working
// directory is used by a single fetch at a time.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/sotplane/datasync/internal/credentials"
	"github.com/sotplane/datasync/internal/logging"
	"github.com/sotplane/datasync/internal/metrics"
)

// remoteFile records, inside .git, the credential-free URL the working tree
// was cloned from. A different URL wipes the working tree.
const remoteFile = "datasync-remote"

const remote = "origin"

func init() {
	// For Azure DevOps compatibility. More details: https://github.com/go-git/go-git/issues/64
	transport.UnsupportedCapabilities = []capability.Capability{
		capability.ThinPack,
	}
}

var ErrReferenceNotFound = errors.New("reference not found")

type Request struct {
	Repository  string // Used for logs and metrics only.
	Workdir     string
	URL         string // May carry credentials as userinfo.
	Ref         string // Branch name, tag or commit hash.
	Depth       int    // 0 fetches the full history.
	CurrentHead string
}

type Result struct {
	Head    string
	Changed bool
}

// Transport fetches a repository into a working directory.
type Transport interface {
	Fetch(ctx context.Context, req Request) (Result, error)
}

// TransportError wraps every failure to fetch or check out a repository.
type TransportError struct {
	URL string // Redacted.
	Ref string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fetch %s at %q: %v", e.URL, e.Ref, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type Git struct {
	log *logging.Logger
}

func New() *Git {
	return &Git{}
}

func (g *Git) WithLogger(log *logging.Logger) *Git {
	g.log = log
	return g
}

// Fetch brings the working directory to the commit ref resolves to. Files of
// a previous checkout that are not part of the new tree are removed.
func (g *Git) Fetch(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	head, err := g.fetch(ctx, req)
	if err != nil {
		metrics.GitFetchFailed(req.Repository)
		return Result{}, &TransportError{URL: credentials.Redact(req.URL), Ref: req.Ref, Err: scrub(err, req.URL)}
	}

	metrics.GitFetchSucceeded(req.Repository, start)
	g.log.Debugf("fetched %s at %q: %s", credentials.Redact(req.URL), req.Ref, head)

	return Result{Head: head, Changed: head != req.CurrentHead}, nil
}

func (g *Git) fetch(ctx context.Context, req Request) (string, error) {
	if req.Ref == "" {
		return "", errors.New("no reference to check out")
	}

	clean := credentials.Redact(req.URL)

	if data, err := os.ReadFile(filepath.Join(req.Workdir, ".git", remoteFile)); err == nil {
		if strings.TrimSpace(string(data)) != clean {
			g.log.Infof("remote of %s changed, removing its working tree", req.Workdir)
			if err := os.RemoveAll(req.Workdir); err != nil {
				return "", err
			}
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	repository, err := git.PlainOpen(req.Workdir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repository, err = initRepository(req.Workdir, clean)
		if err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	err = repository.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remote,
		RemoteURL:  req.URL,
		Depth:      req.Depth,
		Force:      true,
		Prune:      true,
		Tags:       git.NoTags,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", remote)),
			gitconfig.RefSpec("+refs/tags/*:refs/tags/*"),
		},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", err
	}

	hash, err := resolve(repository, req.Ref)
	if err != nil {
		return "", err
	}

	w, err := repository.Worktree()
	if err != nil {
		return "", err
	}

	if err := w.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return "", err
	}

	// Checkout leaves untracked files behind.
	if err := w.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return "", err
	}

	return hash.String(), nil
}

// scrub drops credentials a lower layer may have copied into an error message.
func scrub(err error, rawURL string) error {
	u, perr := url.Parse(rawURL)
	if perr != nil || u.User == nil {
		return err
	}
	if userinfo := u.User.String() + "@"; strings.Contains(err.Error(), userinfo) {
		return errors.New(strings.ReplaceAll(err.Error(), userinfo, ""))
	}
	return err
}

func initRepository(dir, url string) (*git.Repository, error) {
	// Whatever is in the way is not a repository we manage.
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	repository, err := git.PlainInit(dir, false)
	if err != nil {
		return nil, err
	}

	if _, err := repository.CreateRemote(&gitconfig.RemoteConfig{Name: remote, URLs: []string{url}}); err != nil {
		return nil, err
	}

	if err := os.WriteFile(filepath.Join(dir, ".git", remoteFile), []byte(url+"\n"), 0o644); err != nil {
		return nil, err
	}

	return repository, nil
}

// resolve looks ref up as a branch, then as a tag and finally as a commit hash.
func resolve(repository *git.Repository, ref string) (plumbing.Hash, error) {
	if r, err := repository.Reference(plumbing.NewRemoteReferenceName(remote, ref), true); err == nil {
		return r.Hash(), nil
	}

	if r, err := repository.Reference(plumbing.NewTagReferenceName(ref), true); err == nil {
		// Annotated tags point at a tag object rather than the commit.
		if tag, err := repository.TagObject(r.Hash()); err == nil {
			commit, err := tag.Commit()
			if err != nil {
				return plumbing.ZeroHash, err
			}
			return commit.Hash, nil
		}
		return r.Hash(), nil
	}

	if plumbing.IsHash(ref) {
		hash := plumbing.NewHash(ref)
		if _, err := repository.CommitObject(hash); err == nil {
			return hash, nil
		}
	}

	return plumbing.ZeroHash, fmt.Errorf("%q: %w", ref, ErrReferenceNotFound)
}
