package membus

import "time"

// PendingWriters reports how many writers are registered on path.
func (b *Bus) PendingWriters(path string) int {
	b.slots.mu.Lock()
	defer b.slots.mu.Unlock()
	if s, ok := b.slots.paths[path]; ok {
		return len(s.writers)
	}
	return 0
}

// SetClock replaces the dedupe table clock.
func (b *Bus) SetClock(now func() time.Time) {
	b.dedupe.mu.Lock()
	b.dedupe.now = now
	b.dedupe.mu.Unlock()
}
