// Package gitrepo commits uploaded media into the site repository and
// announces the commits to the deploy pipeline.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	platformerrors "github.com/jmgilman/go/errors"

	"foliocache/internal/config"
	"foliocache/internal/upload"
)

// Repo implements upload.Repository on a go-git working tree. Commits are
// serialized; the worktree is not safe for concurrent staging.
type Repo struct {
	mu     sync.Mutex
	repo   *gogit.Repository
	fs     billy.Filesystem
	author string
	email  string
	remote string
	push   bool
	auth   transport.AuthMethod
	now    func() time.Time
}

// Open opens the repository checked out at cfg.Path.
func Open(cfg config.RepoConfig) (*Repo, error) {
	r, err := gogit.PlainOpen(cfg.Path)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeNotFound, "open repository "+cfg.Path)
	}
	return NewWithRepository(r, cfg)
}

// NewWithRepository wraps an already opened repository, e.g. one backed by
// memfs in tests.
func NewWithRepository(r *gogit.Repository, cfg config.RepoConfig) (*Repo, error) {
	wt, err := r.Worktree()
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "repository has no worktree")
	}
	repo := &Repo{
		repo:   r,
		fs:     wt.Filesystem,
		author: cfg.Author,
		email:  cfg.Email,
		remote: cfg.Remote,
		push:   cfg.Push,
		now:    time.Now,
	}
	if repo.author == "" {
		repo.author = "foliocache"
	}
	if repo.email == "" {
		repo.email = "foliocache@localhost"
	}
	if repo.remote == "" {
		repo.remote = gogit.DefaultRemoteName
	}
	if cfg.Token != "" {
		user := cfg.Username
		if user == "" {
			// Token auth ignores the user name but it must be non-empty.
			user = "x-access-token"
		}
		repo.auth = &githttp.BasicAuth{Username: user, Password: cfg.Token}
	}
	return repo, nil
}

// Commit writes data at p, stages it and commits. Committing bytes that are
// already at p is not an error: the current HEAD is returned.
func (r *Repo) Commit(ctx context.Context, data []byte, p, message string) (upload.Commit, error) {
	if err := ctx.Err(); err != nil {
		return upload.Commit{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	wt, err := r.repo.Worktree()
	if err != nil {
		return upload.Commit{}, platformerrors.Wrap(err, platformerrors.CodeInternal, "get worktree")
	}
	if dir := path.Dir(p); dir != "." {
		if err := r.fs.MkdirAll(dir, 0o755); err != nil {
			return upload.Commit{}, platformerrors.Wrap(err, platformerrors.CodeInternal, "create "+dir)
		}
	}
	if err := util.WriteFile(r.fs, p, data, 0o644); err != nil {
		return upload.Commit{}, platformerrors.Wrap(err, platformerrors.CodeInternal, "write "+p)
	}
	if _, err := wt.Add(p); err != nil {
		return upload.Commit{}, platformerrors.Wrap(err, platformerrors.CodeInternal, "stage "+p)
	}

	hash, err := wt.Commit(message, &gogit.CommitOptions{
		Author: &object.Signature{Name: r.author, Email: r.email, When: r.now()},
	})
	if errors.Is(err, gogit.ErrEmptyCommit) {
		head, herr := r.repo.Head()
		if herr != nil {
			return upload.Commit{}, platformerrors.Wrap(herr, platformerrors.CodeInternal, "resolve HEAD")
		}
		hash, err = head.Hash(), nil
	}
	if err != nil {
		return upload.Commit{}, platformerrors.Wrap(err, platformerrors.CodeInternal, "commit "+p)
	}

	if r.push {
		if err := r.pushLocked(ctx); err != nil {
			return upload.Commit{}, err
		}
	}
	return upload.Commit{ID: hash.String(), Path: p}, nil
}

func (r *Repo) pushLocked(ctx context.Context) error {
	err := r.repo.PushContext(ctx, &gogit.PushOptions{RemoteName: r.remote, Auth: r.auth})
	if err == nil || errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	return platformerrors.Wrap(err, platformerrors.CodeNetwork, fmt.Sprintf("push to %s", r.remote))
}

// Head returns the current HEAD commit hash.
func (r *Repo) Head() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, err := r.repo.Head()
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}
