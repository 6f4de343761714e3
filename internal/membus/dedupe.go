package membus

import (
	"context"
	"errors"
	"sync"
	"time"
)

type dedupeKey struct {
	path string
	hash string
}

type dedupeEntry struct {
	done     chan struct{}
	res      *WriteResult
	err      error
	finished time.Time
}

// dedupeTable makes identical writes idempotent within a short window.
// A duplicate that arrives while the original is still running waits for
// it and shares its outcome; one that arrives after completion gets the
// cached outcome. Only final outcomes are kept: a write that failed for a
// retryable reason can be resubmitted immediately.
type dedupeTable struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[dedupeKey]*dedupeEntry
	hits    uint64
}

func newDedupeTable(window time.Duration) *dedupeTable {
	return &dedupeTable{window: window, now: time.Now, entries: make(map[dedupeKey]*dedupeEntry)}
}

// do runs fn once per key and window. shared reports whether the outcome
// came from another call.
func (t *dedupeTable) do(ctx context.Context, key dedupeKey, fn func() (*WriteResult, error)) (res *WriteResult, shared bool, err error) {
	t.mu.Lock()
	now := t.now()
	t.sweep(now)
	if e, ok := t.entries[key]; ok {
		t.hits++
		t.mu.Unlock()
		select {
		case <-e.done:
			return e.res, true, e.err
		case <-ctx.Done():
			return nil, true, newError(CodeWriteTimeout, ctx.Err(), "waiting for an identical write to %s", key.path)
		}
	}
	e := &dedupeEntry{done: make(chan struct{})}
	t.entries[key] = e
	t.mu.Unlock()

	e.res, e.err = fn()

	t.mu.Lock()
	e.finished = t.now()
	if !final(e.err) && t.entries[key] == e {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	close(e.done)
	return e.res, false, e.err
}

// supersede drops the finished outcomes on path other than hash. A commit
// calls it so that repeating an earlier write runs again instead of
// replaying a result the commit has overwritten.
func (t *dedupeTable) supersede(path, hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if k.path == path && k.hash != hash && !e.finished.IsZero() {
			delete(t.entries, k)
		}
	}
}

// sweep drops entries whose window has passed. Callers hold t.mu.
func (t *dedupeTable) sweep(now time.Time) {
	for k, e := range t.entries {
		if !e.finished.IsZero() && now.Sub(e.finished) >= t.window {
			delete(t.entries, k)
		}
	}
}

func (t *dedupeTable) hitCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hits
}

// final reports whether an outcome may be replayed to a duplicate.
func final(err error) bool {
	return err == nil || errors.Is(err, ErrConflict) || errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound)
}
