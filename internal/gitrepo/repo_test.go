package gitrepo

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foliocache/internal/config"
)

func newMemRepo(t *testing.T, cfg config.RepoConfig) (*Repo, *gogit.Repository) {
	t.Helper()
	raw, err := gogit.Init(memory.NewStorage(), memfs.New())
	require.NoError(t, err)
	r, err := NewWithRepository(raw, cfg)
	require.NoError(t, err)
	r.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r, raw
}

func fileAt(t *testing.T, raw *gogit.Repository, hash, p string) string {
	t.Helper()
	c, err := raw.CommitObject(plumbing.NewHash(hash))
	require.NoError(t, err)
	f, err := c.File(p)
	require.NoError(t, err)
	rd, err := f.Reader()
	require.NoError(t, err)
	defer rd.Close()
	b, err := io.ReadAll(rd)
	require.NoError(t, err)
	return string(b)
}

func TestCommitWritesAndCommits(t *testing.T) {
	t.Parallel()

	r, raw := newMemRepo(t, config.RepoConfig{Author: "Folio Bot", Email: "bot@example.com"})

	c, err := r.Commit(context.Background(), []byte("%PDF-1.7"), "public/media/documents/abc-cv.pdf", "Add document cv.pdf")
	require.NoError(t, err)
	assert.Equal(t, "public/media/documents/abc-cv.pdf", c.Path)
	assert.Len(t, c.ID, 40)

	obj, err := raw.CommitObject(plumbing.NewHash(c.ID))
	require.NoError(t, err)
	assert.Equal(t, "Add document cv.pdf", obj.Message)
	assert.Equal(t, "Folio Bot", obj.Author.Name)
	assert.Equal(t, "bot@example.com", obj.Author.Email)
	assert.Equal(t, "%PDF-1.7", fileAt(t, raw, c.ID, c.Path))

	head, err := r.Head()
	require.NoError(t, err)
	assert.Equal(t, c.ID, head)
}

func TestCommitSameBytesReturnsHead(t *testing.T) {
	t.Parallel()

	r, _ := newMemRepo(t, config.RepoConfig{})
	ctx := context.Background()

	first, err := r.Commit(ctx, []byte("v1"), "public/media/images/a.png", "Add image a.png")
	require.NoError(t, err)
	again, err := r.Commit(ctx, []byte("v1"), "public/media/images/a.png", "Add image a.png")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	next, err := r.Commit(ctx, []byte("v2"), "public/media/images/b.png", "Add image b.png")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID)
}

func TestCommitPushFailureKeepsLocalCommit(t *testing.T) {
	t.Parallel()

	r, raw := newMemRepo(t, config.RepoConfig{Push: true, Remote: "origin", Token: "t0ken"})
	_, err := r.Commit(context.Background(), []byte("x"), "public/media/files/x.bin", "Add file x.bin")
	require.Error(t, err)
	assert.Equal(t, platformerrors.CodeNetwork, platformerrors.GetCode(err))

	head, herr := raw.Head()
	require.NoError(t, herr)
	assert.Equal(t, "x", fileAt(t, raw, head.Hash().String(), "public/media/files/x.bin"))
}

func TestCommitHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	r, _ := newMemRepo(t, config.RepoConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Commit(ctx, []byte("x"), "a.txt", "msg")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTokenAuthDefaultsUser(t *testing.T) {
	t.Parallel()

	r, _ := newMemRepo(t, config.RepoConfig{Token: "secret"})
	require.NotNil(t, r.auth)
	assert.Equal(t, "http-basic-auth", r.auth.Name())
}
