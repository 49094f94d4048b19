// Package batch coalesces local mutations into per-scope change batches.
// Rapid edits (keystroke-level updates from the UI) reset a debounce timer;
// a max-wait bound guarantees a flush even under continuous editing.
package batch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/soren/packsync/internal/model"
)

// FlushFunc receives a quiesced batch for one scope. Called off the caller's
// goroutine (from the debounce timer).
type FlushFunc func(scopeID string, changes []model.ChangeRecord)

// Queue accumulates pending changes per scope. Owned exclusively by the sync
// core; all state is guarded by one mutex.
type Queue struct {
	localDevice string
	debounce    time.Duration
	maxWait     time.Duration
	flush       FlushFunc
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]*scopePending
	closed  bool
}

type scopePending struct {
	changes []model.ChangeRecord
	firstAt time.Time
	timer   *time.Timer
}

// New builds a queue. localDevice filters out changes applied from remote
// peers so they are not broadcast back (origin tagging).
func New(localDevice string, debounce, maxWait time.Duration, flush FlushFunc, logger *slog.Logger) *Queue {
	return &Queue{
		localDevice: localDevice,
		debounce:    debounce,
		maxWait:     maxWait,
		flush:       flush,
		logger:      logger,
		pending:     make(map[string]*scopePending),
	}
}

// Add enqueues one mutation notification. Changes that originated on another
// device are ignored; their origin already broadcast them.
func (q *Queue) Add(rec model.ChangeRecord) {
	if rec.OriginDeviceID != q.localDevice {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	now := time.Now()
	sp, ok := q.pending[rec.ParentScopeID]
	if !ok {
		sp = &scopePending{firstAt: now}
		q.pending[rec.ParentScopeID] = sp
	}
	sp.changes = append(sp.changes, rec)

	// Debounce resets on every mutation, but never past firstAt+maxWait so
	// continuous editing cannot starve peers.
	delay := q.debounce
	if bound := sp.firstAt.Add(q.maxWait).Sub(now); bound < delay {
		delay = bound
	}
	if delay < 0 {
		delay = 0
	}
	if sp.timer != nil {
		sp.timer.Stop()
	}
	scopeID := rec.ParentScopeID
	sp.timer = time.AfterFunc(delay, func() { q.flushScope(scopeID) })
}

func (q *Queue) flushScope(scopeID string) {
	q.mu.Lock()
	sp, ok := q.pending[scopeID]
	if !ok || len(sp.changes) == 0 {
		q.mu.Unlock()
		return
	}
	changes := sp.changes
	delete(q.pending, scopeID)
	q.mu.Unlock()

	q.logger.Debug("flushing change batch", "scope", scopeID, "changes", len(changes))
	q.flush(scopeID, changes)
}

// FlushAll flushes every pending scope immediately (shutdown path).
func (q *Queue) FlushAll() {
	q.mu.Lock()
	scopes := make([]string, 0, len(q.pending))
	for scopeID, sp := range q.pending {
		if sp.timer != nil {
			sp.timer.Stop()
		}
		scopes = append(scopes, scopeID)
	}
	q.mu.Unlock()

	for _, scopeID := range scopes {
		q.flushScope(scopeID)
	}
}

// PendingScopes returns scopes with unflushed changes, for status reporting.
func (q *Queue) PendingScopes() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	scopes := make([]string, 0, len(q.pending))
	for scopeID := range q.pending {
		scopes = append(scopes, scopeID)
	}
	return scopes
}

// Close stops all timers and drops pending changes without flushing.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, sp := range q.pending {
		if sp.timer != nil {
			sp.timer.Stop()
		}
	}
	q.pending = make(map[string]*scopePending)
}
