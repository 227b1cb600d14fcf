package offline

import (
	"context"
	"errors"
	"fmt"

	"foliocache/internal/upload"
)

// KindCommitAsset is the action recorded when a repository commit fell back
// to the ephemeral store.
const KindCommitAsset = "commit-asset"

// CommitRecorder queues deferred commits on a Coordinator. It implements
// upload.PendingRecorder.
type CommitRecorder struct {
	C *Coordinator
}

func (r CommitRecorder) RecordCommit(ctx context.Context, p upload.PendingCommit) error {
	_, err := r.C.RecordPendingAction(ctx, KindCommitAsset, p)
	return err
}

// HandleCommits registers retry as the commit-asset handler. Malformed
// payloads and assets whose bytes are gone are discarded.
func (c *Coordinator) HandleCommits(retry func(ctx context.Context, p upload.PendingCommit) error) {
	c.Handle(KindCommitAsset, func(ctx context.Context, a Action) error {
		var p upload.PendingCommit
		if err := a.Decode(&p); err != nil {
			return fmt.Errorf("%w: malformed commit payload: %v", ErrDiscard, err)
		}
		err := retry(ctx, p)
		if errors.Is(err, upload.ErrAssetLost) {
			return fmt.Errorf("%w: %v", ErrDiscard, err)
		}
		return err
	})
}
