package membus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	errAborted    = errors.New("membus: write aborted by a concurrent write")
	errSuperseded = errors.New("membus: write superseded by a newer submission")
)

// writer is one write registered on a path until it finishes.
type writer struct {
	id        string
	submitted time.Time
	policy    Resolution
	baseHash  string

	// Guarded by slotTable.mu.
	aborted      bool
	superseded   bool
	supersededBy string
	committed    bool
}

type pathSlot struct {
	lock    chan struct{}
	writers []*writer
}

// slotTable tracks pending writers per path. Registration is where
// overlapping writers learn about each other and the arriving writer's
// policy is applied to everyone still pending; the per-path lock then
// serializes the survivors. Flags are re-checked right before commit, so a
// writer marked aborted or superseded while it was already inside the
// store transaction still rolls back.
type slotTable struct {
	mu    sync.Mutex
	paths map[string]*pathSlot
}

func newSlotTable() *slotTable {
	return &slotTable{paths: make(map[string]*pathSlot)}
}

func (t *slotTable) register(path string, w *writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.paths[path]
	if !ok {
		s = &pathSlot{lock: make(chan struct{}, 1)}
		t.paths[path] = s
	}
	for _, other := range s.writers {
		if other.committed || other.aborted || other.superseded {
			continue
		}
		switch w.policy {
		case Abort:
			other.aborted = true
			w.aborted = true
		case LastWriteWins:
			if other.submitted.After(w.submitted) {
				w.superseded = true
				w.supersededBy = other.id
			} else {
				other.superseded = true
				other.supersededBy = w.id
			}
		case Merge:
			// Both proceed one after the other; the second merges against
			// what the first committed.
		}
	}
	s.writers = append(s.writers, w)
}

// release unregisters w and drops the slot once nobody uses it.
func (t *slotTable) release(path string, w *writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.paths[path]
	if !ok {
		return
	}
	for i, other := range s.writers {
		if other == w {
			s.writers = append(s.writers[:i], s.writers[i+1:]...)
			break
		}
	}
	if len(s.writers) == 0 {
		delete(t.paths, path)
	}
}

// lock takes the per-path mutex. The slot exists while w is registered.
func (t *slotTable) lock(ctx context.Context, path string) (unlock func(), err error) {
	t.mu.Lock()
	s := t.paths[path]
	t.mu.Unlock()
	select {
	case s.lock <- struct{}{}:
		return func() { <-s.lock }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// state returns w's flags.
func (t *slotTable) state(w *writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return w.flagErr()
}

// commit marks w committed unless it was aborted or superseded. It runs
// inside the store transaction.
func (t *slotTable) commit(w *writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := w.flagErr(); err != nil {
		return err
	}
	w.committed = true
	return nil
}

// uncommit clears the committed mark after a failed commit.
func (t *slotTable) uncommit(w *writer) {
	t.mu.Lock()
	w.committed = false
	t.mu.Unlock()
}

func (t *slotTable) supersededBy(w *writer) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return w.supersededBy
}

func (w *writer) flagErr() error {
	switch {
	case w.aborted:
		return errAborted
	case w.superseded:
		return errSuperseded
	}
	return nil
}
