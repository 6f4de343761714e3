package membus

import (
	"hash/fnv"
	"sync"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/HendryAvila/membus/internal/docstore"
)

const epochStripes = 256

// readCache is the level-1 cache in front of the document store, bounded
// by the approximate byte size of cached records.
//
// Each path hashes to an epoch stripe that writes bump before deleting the
// entry. A reader remembers the epoch before reading the store and only
// fills the cache if it is unchanged, so a read that raced a write can
// never install the older version.
type readCache struct {
	c *ristretto.Cache[string, *docstore.Record]

	mu     sync.Mutex
	epochs [epochStripes]uint64
}

func newReadCache(sizeMB int) (*readCache, error) {
	if sizeMB <= 0 {
		return &readCache{}, nil
	}
	maxCost := int64(sizeMB) << 20
	counters := maxCost / 100
	if counters < 10_000 {
		counters = 10_000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, *docstore.Record]{
		NumCounters: counters,
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &readCache{c: c}, nil
}

func stripe(path string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return int(h.Sum32() % epochStripes)
}

func (rc *readCache) get(path string) (*docstore.Record, bool) {
	if rc.c == nil {
		return nil, false
	}
	rec, ok := rc.c.Get(path)
	if !ok || rec == nil {
		return nil, false
	}
	cp := *rec
	cp.Document = rec.Document.Clone()
	return &cp, true
}

func (rc *readCache) epoch(path string) uint64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.epochs[stripe(path)]
}

// fill caches rec unless path was invalidated since epoch was taken.
func (rc *readCache) fill(path string, epoch uint64, rec *docstore.Record) {
	if rc.c == nil || rec == nil {
		return
	}
	cp := *rec
	cp.Document = rec.Document.Clone()

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.epochs[stripe(path)] != epoch {
		return
	}
	rc.c.Set(path, &cp, recordCost(&cp))
	rc.c.Wait()
}

func (rc *readCache) invalidate(path string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.epochs[stripe(path)]++
	if rc.c != nil {
		rc.c.Del(path)
	}
}

func (rc *readCache) hitRatio() float64 {
	if rc.c == nil || rc.c.Metrics == nil {
		return 0
	}
	return rc.c.Metrics.Ratio()
}

func (rc *readCache) close() {
	if rc.c != nil {
		rc.c.Close()
	}
}

func recordCost(rec *docstore.Record) int64 {
	cost := int64(len(rec.Path) + len(rec.Content) + len(rec.ContentHash) + 128)
	for k, v := range rec.Frontmatter {
		cost += int64(len(k)) + 32
		if s, ok := v.(string); ok {
			cost += int64(len(s))
		}
	}
	return cost
}
