package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"foliocache/internal/faults"
	"foliocache/internal/logging"
	"foliocache/internal/persist"
)

// DefaultDocumentKey is where the state lives when Options.Key is empty.
const DefaultDocumentKey = "offline-state"

// Handler replays one action. A nil error removes the action from the queue.
type Handler func(ctx context.Context, a Action) error

var errNoHandler = errors.New("no handler registered")

// ErrDiscard marks an action that can never succeed. A handler error wrapping
// it removes the action without counting it as reconciled.
var ErrDiscard = errors.New("action discarded")

// FlushResult counts what one flush did with the queue.
type FlushResult struct {
	Reconciled int `json:"reconciled"`
	Failed     int `json:"failed"`
	Discarded  int `json:"discarded"`
	Remaining  int `json:"remaining"`
}

type Options struct {
	Docs   persist.Documents
	Key    string
	Now    func() time.Time
	Logger *slog.Logger
}

// Coordinator serializes every mutation of the offline state and writes the
// whole document after each one.
type Coordinator struct {
	docs   persist.Documents
	key    string
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	loaded   bool
	state    State
	handlers map[string]Handler

	flushMu sync.Mutex
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		docs:     opts.Docs,
		key:      opts.Key,
		now:      opts.Now,
		logger:   logging.OrDiscard(opts.Logger).With(slog.String("component", "offline")),
		state:    freshState(),
		handlers: map[string]Handler{},
	}
	if c.docs == nil {
		c.docs = persist.NewMemory()
	}
	if c.key == "" {
		c.key = DefaultDocumentKey
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Handle registers h for actions of kind, replacing any previous handler.
func (c *Coordinator) Handle(kind string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

// Load reads the durable state. A missing, unreadable or corrupt document
// yields a fresh empty state; the error is logged, never returned.
func (c *Coordinator) Load(ctx context.Context) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = c.read(ctx)
	c.loaded = true
	return c.state.clone()
}

func (c *Coordinator) read(ctx context.Context) State {
	b, ok, err := c.docs.Read(ctx, c.key)
	if err != nil {
		c.logger.WarnContext(ctx, "offline state unreadable, starting empty",
			slog.Any("error", faults.Wrap(err, faults.PersistenceCorrupt, "read "+c.key)))
		return freshState()
	}
	if !ok {
		return freshState()
	}
	s, err := decodeState(b)
	if err != nil {
		c.logger.WarnContext(ctx, "offline state corrupt, starting empty",
			slog.Any("error", faults.Wrap(err, faults.PersistenceCorrupt, "decode "+c.key)))
		return freshState()
	}
	return s
}

func (c *Coordinator) ensureLoadedLocked(ctx context.Context) {
	if !c.loaded {
		c.state = c.read(ctx)
		c.loaded = true
	}
}

// State returns a copy of the current state.
func (c *Coordinator) State(ctx context.Context) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked(ctx)
	return c.state.clone()
}

// persistLocked writes next and adopts it only when the write succeeded.
func (c *Coordinator) persistLocked(ctx context.Context, next State) error {
	b, err := encodeState(next)
	if err != nil {
		return err
	}
	if err := c.docs.Write(ctx, c.key, b); err != nil {
		return faults.Wrap(err, faults.CacheUnavailable, "write offline state")
	}
	c.state = next
	return nil
}

// RecordPendingAction appends an action built from kind and payload and
// persists the state. On a failed write the queue is left unchanged.
func (c *Coordinator) RecordPendingAction(ctx context.Context, kind string, payload any) (Action, error) {
	a, err := NewAction(kind, payload, c.now())
	if err != nil {
		return Action{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	if err := c.Enqueue(ctx, a); err != nil {
		return Action{}, err
	}
	return a, nil
}

// Enqueue appends a prepared action.
func (c *Coordinator) Enqueue(ctx context.Context, a Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked(ctx)

	next := c.state.clone()
	next.PendingActions = append(next.PendingActions, a)
	if err := c.persistLocked(ctx, next); err != nil {
		return err
	}
	c.logger.DebugContext(ctx, "action queued", slog.String("id", a.ID), slog.String("kind", a.Kind),
		slog.Int("pending", len(next.PendingActions)))
	return nil
}

// SetManifestVersion records v and reports whether it differed.
func (c *Coordinator) SetManifestVersion(ctx context.Context, v string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked(ctx)

	if c.state.CacheManifestVersion == v {
		return false, nil
	}
	next := c.state.clone()
	next.CacheManifestVersion = v
	if err := c.persistLocked(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// Flush replays the queue and returns the number of actions reconciled. See
// Reconcile.
func (c *Coordinator) Flush(ctx context.Context) (int, error) {
	res, err := c.Reconcile(ctx)
	return res.Reconciled, err
}

// Reconcile replays the queue in FIFO order. An action whose handler fails is
// logged and kept in place; successful actions are removed. Actions whose
// handler returns ErrDiscard are removed and counted apart. LastSyncAt only
// moves when the queue ends up empty. Actions queued while a flush runs are
// left for the next one. The error is non-nil only when the new state could
// not be written.
func (c *Coordinator) Reconcile(ctx context.Context) (FlushResult, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	c.ensureLoadedLocked(ctx)
	queue := append([]Action(nil), c.state.PendingActions...)
	handlers := make(map[string]Handler, len(c.handlers))
	for k, h := range c.handlers {
		handlers[k] = h
	}
	c.mu.Unlock()

	done := make(map[string]bool, len(queue))
	failed := make(map[string]bool)
	discarded := make(map[string]bool)
	for _, a := range queue {
		if ctx.Err() != nil {
			break
		}
		h, ok := handlers[a.Kind]
		var err error
		if !ok {
			err = errNoHandler
		} else {
			err = h(ctx, a)
		}
		switch {
		case err == nil:
			done[a.ID] = true
		case errors.Is(err, ErrDiscard):
			discarded[a.ID] = true
			c.logger.ErrorContext(ctx, "pending action cannot succeed, discarding",
				slog.String("id", a.ID), slog.String("kind", a.Kind), slog.Any("error", err))
		default:
			failed[a.ID] = true
			c.logger.WarnContext(ctx, "pending action failed, keeping it",
				slog.String("id", a.ID), slog.String("kind", a.Kind), slog.Any("error", err))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.state.clone()
	kept := next.PendingActions[:0]
	for _, a := range next.PendingActions {
		if done[a.ID] || discarded[a.ID] {
			continue
		}
		if failed[a.ID] {
			a.Attempts++
		}
		kept = append(kept, a)
	}
	next.PendingActions = kept
	if len(kept) == 0 {
		next.LastSyncAt = c.now().UTC()
	}
	res := FlushResult{
		Reconciled: len(done),
		Failed:     len(failed),
		Discarded:  len(discarded),
		Remaining:  len(c.state.PendingActions),
	}
	if len(done) == 0 && len(failed) == 0 && len(discarded) == 0 && len(queue) > 0 {
		// Cancelled before anything ran.
		return res, ctx.Err()
	}
	if err := c.persistLocked(ctx, next); err != nil {
		return FlushResult{Remaining: res.Remaining}, err
	}
	res.Remaining = len(kept)
	if len(queue) > 0 {
		c.logger.InfoContext(ctx, "flushed pending actions",
			slog.Int("reconciled", res.Reconciled), slog.Int("failed", res.Failed),
			slog.Int("discarded", res.Discarded), slog.Int("remaining", res.Remaining))
	}
	return res, nil
}

// Pending is the number of queued actions.
func (c *Coordinator) Pending(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked(ctx)
	return len(c.state.PendingActions)
}
