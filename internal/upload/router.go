package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"foliocache/internal/faults"
	"foliocache/internal/logging"
	"foliocache/internal/media"
	"foliocache/internal/persist"
	"foliocache/internal/store"
	"foliocache/internal/tasks"
)

// Hints describe an object handed to the CDN.
type Hints struct {
	Name        string
	ContentType string
	Digest      digest.Digest
	Kind        media.Kind
}

type RemoteObject struct {
	URL        string
	SizeBytes  int64
	Identifier string
}

// CDN uploads bytes to a remote media host.
type CDN interface {
	Upload(ctx context.Context, data []byte, hints Hints) (RemoteObject, error)
}

type Commit struct {
	ID   string
	Path string
}

// Repository commits bytes at a path in a version-controlled repository.
type Repository interface {
	Commit(ctx context.Context, data []byte, path, message string) (Commit, error)
}

// DeployNotifier announces a commit to whatever deploys the site.
type DeployNotifier interface {
	NotifyDeploy(ctx context.Context, commitID, message string) error
}

// PendingCommit is a commit that fell back to ephemeral storage and must be
// retried later.
type PendingCommit struct {
	Key     string `json:"key"`
	Path    string `json:"path"`
	Message string `json:"message"`
	Digest  string `json:"digest"`
	// Staged is the document holding the bytes until the commit lands.
	Staged string `json:"staged,omitempty"`
}

// PendingRecorder queues a PendingCommit for a later flush.
type PendingRecorder interface {
	RecordCommit(ctx context.Context, p PendingCommit) error
}

// StoredAsset is the outcome of a successful execution.
type StoredAsset struct {
	Destination Destination `json:"destination"`
	Reason      string      `json:"reason"`
	URL         string      `json:"url,omitempty"`
	Path        string      `json:"path,omitempty"`
	CommitID    string      `json:"commitId,omitempty"`
	Identifier  string      `json:"identifier"`
	SizeBytes   int64       `json:"sizeBytes"`
	// Durable is false while the bytes only exist in the ephemeral store.
	Durable  bool `json:"durable"`
	FellBack bool `json:"fellBack,omitempty"`
}

type Options struct {
	Thresholds Thresholds
	CDN        CDN
	Repository Repository
	Deployer   DeployNotifier
	Pending    PendingRecorder

	// Ephemeral holds committed bytes for preview until the deploy lands.
	Ephemeral *store.Store
	// Staging keeps the bytes of deferred commits outside any cache store.
	Staging persist.Documents
	// PublicBase is the site origin the committed path is served under.
	PublicBase string
	PathPrefix string

	QuotaThreshold float64
	Background     *tasks.Pool
	Now            func() time.Time
	Logger         *slog.Logger
}

type Router struct {
	th         Thresholds
	cdn        CDN
	repo       Repository
	deployer   DeployNotifier
	pending    PendingRecorder
	ephemeral  *store.Store
	staging    persist.Documents
	publicBase string
	prefix     string
	threshold  float64
	bg         *tasks.Pool
	now        func() time.Time
	logger     *slog.Logger
}

var (
	errNoCDN  = errors.New("cdn not configured")
	errNoRepo = errors.New("repository not configured")
)

// ErrAssetLost is returned by RetryCommit when neither the staged document
// nor the ephemeral copy holds the asset any more.
var ErrAssetLost = errors.New("deferred asset bytes lost")

func New(opts Options) *Router {
	r := &Router{
		th:         opts.Thresholds,
		cdn:        opts.CDN,
		repo:       opts.Repository,
		deployer:   opts.Deployer,
		pending:    opts.Pending,
		ephemeral:  opts.Ephemeral,
		staging:    opts.Staging,
		publicBase: strings.TrimRight(opts.PublicBase, "/"),
		prefix:     strings.Trim(opts.PathPrefix, "/"),
		threshold:  opts.QuotaThreshold,
		bg:         opts.Background,
		now:        opts.Now,
		logger:     logging.OrDiscard(opts.Logger).With(slog.String("component", "uploads")),
	}
	if r.th == (Thresholds{}) {
		r.th = DefaultThresholds()
	}
	if r.threshold <= 0 {
		r.threshold = 0.9
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.bg == nil {
		r.bg = tasks.NewPool(4, time.Minute, r.logger)
	}
	return r
}

func (r *Router) Thresholds() Thresholds { return r.th }

func (r *Router) Decide(c Candidate) Decision { return Decide(c, r.th) }

// Store decides and executes in one call.
func (r *Router) Store(ctx context.Context, c Candidate) (Decision, StoredAsset, error) {
	d := r.Decide(c)
	asset, err := r.Execute(ctx, c, d)
	return d, asset, err
}

// Execute runs the write path for d. A Rejected decision returns its reason
// as an UploadRejected error without touching any collaborator.
func (r *Router) Execute(ctx context.Context, c Candidate, d Decision) (StoredAsset, error) {
	switch d.Destination {
	case Rejected:
		return StoredAsset{}, faults.New(faults.UploadRejected, d.Reason)
	case Remote:
		return r.executeRemote(ctx, c, d)
	case Committed:
		return r.executeCommitted(ctx, c, d)
	default:
		return StoredAsset{}, faults.Newf(faults.UploadRejected, "unknown destination %s", d.Destination)
	}
}

func (r *Router) executeRemote(ctx context.Context, c Candidate, d Decision) (StoredAsset, error) {
	id := digest.FromBytes(c.Bytes)
	obj, err := r.uploadRemote(ctx, c, id)
	if err == nil {
		return StoredAsset{
			Destination: Remote,
			Reason:      d.Reason,
			URL:         obj.URL,
			Identifier:  obj.Identifier,
			SizeBytes:   obj.SizeBytes,
			Durable:     true,
		}, nil
	}

	if d.Forced || c.Kind != media.Video || c.SizeBytes >= r.th.VideoRemoteMin {
		return StoredAsset{}, faults.Wrap(err, faults.UploadFailed, d.Reason+": remote upload failed")
	}

	r.logger.WarnContext(ctx, "remote upload failed, committing instead",
		slog.String("name", c.Name), slog.Any("error", err))
	asset, cerr := r.executeCommitted(ctx, c, Decision{Destination: Committed, Reason: ReasonSmallVideo})
	if cerr != nil {
		return StoredAsset{}, faults.Newf(faults.UploadFailed, "remote upload failed: %v; commit failed: %v", err, cerr)
	}
	asset.FellBack = true
	return asset, nil
}

func (r *Router) uploadRemote(ctx context.Context, c Candidate, id digest.Digest) (RemoteObject, error) {
	if r.cdn == nil {
		return RemoteObject{}, errNoCDN
	}
	obj, err := r.cdn.Upload(ctx, c.Bytes, Hints{
		Name:        c.Name,
		ContentType: media.ContentType(c.Extension),
		Digest:      id,
		Kind:        c.Kind,
	})
	if err != nil {
		return RemoteObject{}, err
	}
	if obj.Identifier == "" {
		obj.Identifier = id.String()
	}
	if obj.SizeBytes == 0 {
		obj.SizeBytes = c.SizeBytes
	}
	return obj, nil
}

func (r *Router) executeCommitted(ctx context.Context, c Candidate, d Decision) (StoredAsset, error) {
	id := digest.FromBytes(c.Bytes)
	repoPath := r.RepoPath(c, id)
	msg := fmt.Sprintf("Add %s %s", c.Kind, c.Name)
	key := r.mirror(ctx, c, repoPath)

	asset := StoredAsset{
		Destination: Committed,
		Reason:      d.Reason,
		URL:         key.URL(),
		Path:        repoPath,
		Identifier:  id.String(),
		SizeBytes:   c.SizeBytes,
	}

	commit, err := r.commit(ctx, c.Bytes, repoPath, msg)
	if err == nil {
		asset.CommitID = commit.ID
		asset.Path = commit.Path
		asset.Durable = true
		r.notifyDeploy(commit.ID, msg)
		return asset, nil
	}

	if r.ephemeral == nil || key == "" {
		return StoredAsset{}, faults.Wrap(err, faults.UploadFailed, d.Reason+": commit failed")
	}
	r.logger.WarnContext(ctx, "commit failed, keeping ephemeral copy",
		slog.String("path", repoPath), slog.Any("error", err))
	asset.FellBack = true
	if r.pending != nil {
		p := PendingCommit{Key: string(key), Path: repoPath, Message: msg, Digest: id.String()}
		p.Staged = r.stage(ctx, id, c.Bytes)
		if perr := r.pending.RecordCommit(ctx, p); perr != nil {
			r.logger.WarnContext(ctx, "could not queue commit retry", slog.String("path", repoPath), slog.Any("error", perr))
		}
	}
	return asset, nil
}

func (r *Router) commit(ctx context.Context, data []byte, repoPath, msg string) (Commit, error) {
	if r.repo == nil {
		return Commit{}, errNoRepo
	}
	return r.repo.Commit(ctx, data, repoPath, msg)
}

// mirror puts the bytes into the ephemeral store under the URL the committed
// file will be served from, sweeping the store first when it is near quota.
func (r *Router) mirror(ctx context.Context, c Candidate, repoPath string) store.RequestKey {
	if r.ephemeral == nil {
		return ""
	}
	if u := r.ephemeral.EstimateUsage(ctx); !u.HasRoom(r.threshold) {
		evicted := r.ephemeral.EvictFraction(store.FractionSweep)
		r.logger.InfoContext(ctx, "made room for upload preview",
			slog.String("store", r.ephemeral.Name()), slog.Int("evicted", len(evicted)))
	}
	key := store.Key(http.MethodGet, r.publicURL(repoPath))
	h := http.Header{}
	h.Set("Content-Type", media.ContentType(c.Extension))
	r.ephemeral.Put(key, store.NewEntry(key, http.StatusOK, h, c.Bytes, r.now()))
	return key
}

func (r *Router) notifyDeploy(commitID, msg string) {
	if r.deployer == nil {
		return
	}
	r.bg.Go("notify-deploy", func(ctx context.Context) error {
		return r.deployer.NotifyDeploy(ctx, commitID, msg)
	})
}

func stagedKey(id digest.Digest) string { return "staged-upload/" + id.Encoded() }

// stage writes data to the staging documents and returns its key, or "" when
// there is nowhere durable to put it.
func (r *Router) stage(ctx context.Context, id digest.Digest, data []byte) string {
	if r.staging == nil {
		return ""
	}
	key := stagedKey(id)
	if err := r.staging.Write(ctx, key, data); err != nil {
		r.logger.WarnContext(ctx, "could not stage deferred commit, preview copy only",
			slog.String("digest", id.String()), slog.Any("error", err))
		return ""
	}
	return key
}

// RetryCommit commits a previously deferred asset, reading its bytes from the
// staged document or, failing that, the ephemeral copy. When both are gone it
// returns ErrAssetLost.
func (r *Router) RetryCommit(ctx context.Context, p PendingCommit) error {
	data, err := r.deferredBytes(ctx, p)
	if err != nil {
		return err
	}
	commit, err := r.commit(ctx, data, p.Path, p.Message)
	if err != nil {
		return faults.Wrap(err, faults.UploadFailed, "retry commit "+p.Path)
	}
	if p.Staged != "" {
		if err := r.staging.Delete(ctx, p.Staged); err != nil {
			r.logger.WarnContext(ctx, "could not remove staged upload",
				slog.String("key", p.Staged), slog.Any("error", err))
		}
	}
	r.notifyDeploy(commit.ID, p.Message)
	return nil
}

func (r *Router) deferredBytes(ctx context.Context, p PendingCommit) ([]byte, error) {
	if p.Staged != "" && r.staging != nil {
		b, ok, err := r.staging.Read(ctx, p.Staged)
		if err != nil {
			return nil, faults.Wrap(err, faults.CacheUnavailable, "read staged "+p.Path)
		}
		if ok && sameDigest(b, p.Digest) {
			return b, nil
		}
	}
	if r.ephemeral != nil {
		if ent, ok := r.ephemeral.Get(store.RequestKey(p.Key)); ok && sameDigest(ent.Body, p.Digest) {
			return ent.Body, nil
		}
	}
	return nil, fmt.Errorf("%w: %s (%s)", ErrAssetLost, p.Path, p.Digest)
}

func sameDigest(b []byte, want string) bool {
	return want == "" || digest.FromBytes(b).String() == want
}

// Wait blocks until pending deploy notifications finish.
func (r *Router) Wait() { r.bg.Wait() }

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// RepoPath is prefix/<kind dir>/<short digest>-<sanitized name>.
func (r *Router) RepoPath(c Candidate, id digest.Digest) string {
	name := unsafeName.ReplaceAllString(path.Base(c.Name), "-")
	name = strings.Trim(name, "-")
	if name == "" || name == "." {
		name = "asset"
		if c.Extension != "" {
			name += "." + c.Extension
		}
	}
	short := id.Encoded()
	if len(short) > 12 {
		short = short[:12]
	}
	return path.Join(r.prefix, kindDir(c.Kind), short+"-"+strings.ToLower(name))
}

func kindDir(k media.Kind) string {
	switch k {
	case media.Image:
		return "images"
	case media.Video:
		return "videos"
	case media.Document:
		return "documents"
	default:
		return "files"
	}
}

func (r *Router) publicURL(repoPath string) string {
	p := strings.TrimPrefix(repoPath, "public/")
	return r.publicBase + "/" + p
}
