// Package vectorindex is the secondary semantic index of the memory bus,
// backed by chromem-go. Records are keyed by document path and carry the
// document's content hash so staleness can be detected against the
// document store.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

var (
	// ErrNotFound is returned by Get for unknown ids.
	ErrNotFound = errors.New("vectorindex: record not found")
	// ErrDimension is returned when an embedding has the wrong size.
	ErrDimension = errors.New("vectorindex: embedding dimension mismatch")
)

// Record is one indexed document.
type Record struct {
	ID        string            `json:"id"`
	Embedding []float32         `json:"-"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata"`
}

// Result is a similarity match.
type Result struct {
	Record
	Similarity float64 `json:"similarity"`
}

// Config selects where the index lives.
type Config struct {
	// URL is "mem://" for a process-local index or "file:///dir" for a
	// persistent one.
	URL        string
	Collection string
	Dimensions int
	// Compress gzips persisted documents.
	Compress bool
	Logger   *slog.Logger
}

// Index wraps a chromem collection. The live collection can be replaced
// atomically by Rebuild.
type Index struct {
	mu     sync.RWMutex
	db     *chromem.DB
	col    *chromem.Collection
	active string

	rebuildMu sync.Mutex
	base      string
	dir       string
	dims      int
	logger    *slog.Logger
}

const activeMarker = "ACTIVE"

// Open creates or loads the index described by cfg.
func Open(cfg Config) (*Index, error) {
	if cfg.Collection == "" {
		cfg.Collection = "membus"
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("vectorindex: dimensions must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Index{
		base:   cfg.Collection,
		dims:   cfg.Dimensions,
		logger: logger.With("component", "vectorindex"),
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: parse url %q: %w", cfg.URL, err)
	}
	switch u.Scheme {
	case "", "mem", "memory":
		ix.db = chromem.NewDB()
	case "file":
		ix.dir = filepath.FromSlash(u.Host + u.Path)
		if ix.dir == "" {
			ix.dir = filepath.FromSlash(u.Opaque)
		}
		if err := os.MkdirAll(ix.dir, 0700); err != nil {
			return nil, fmt.Errorf("vectorindex: create dir: %w", err)
		}
		ix.db, err = chromem.NewPersistentDB(filepath.Join(ix.dir, "chromem"), cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("vectorindex: open persistent db: %w", err)
		}
	default:
		return nil, fmt.Errorf("vectorindex: unsupported url scheme %q", u.Scheme)
	}

	ix.active = ix.readMarker()
	ix.col, err = ix.db.GetOrCreateCollection(ix.active, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: open collection %s: %w", ix.active, err)
	}
	ix.dropStale()
	return ix, nil
}

// Dimensions returns the embedding size the index accepts.
func (ix *Index) Dimensions() int { return ix.dims }

// Collection returns the name of the live collection.
func (ix *Index) Collection() string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.active
}

func (ix *Index) live() *chromem.Collection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.col
}

// Count returns the number of records in the live collection.
func (ix *Index) Count() int { return ix.live().Count() }

// Close is a no-op: persistent writes are synchronous in chromem.
func (ix *Index) Close() error { return nil }

// ─── Writes ──────────────────────────────────────────────────────────────────

// Upsert inserts or replaces a record.
func (ix *Index) Upsert(ctx context.Context, rec Record) error {
	return ix.add(ctx, ix.live(), rec)
}

func (ix *Index) add(ctx context.Context, col *chromem.Collection, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("vectorindex: empty id")
	}
	if len(rec.Embedding) != ix.dims {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(rec.Embedding), ix.dims)
	}
	meta := make(map[string]string, len(rec.Metadata))
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	err := col.AddDocument(ctx, chromem.Document{
		ID:        rec.ID,
		Metadata:  meta,
		Embedding: append([]float32(nil), rec.Embedding...),
		Content:   rec.Content,
	})
	if err != nil {
		return fmt.Errorf("vectorindex: upsert %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes records; unknown ids are ignored.
func (ix *Index) Delete(ctx context.Context, ids ...string) error {
	col := ix.live()
	var present []string
	for _, id := range ids {
		if _, err := col.GetByID(ctx, id); err == nil {
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, present...); err != nil {
		return fmt.Errorf("vectorindex: delete: %w", err)
	}
	return nil
}

// ─── Reads ───────────────────────────────────────────────────────────────────

// Get returns the record with id.
func (ix *Index) Get(ctx context.Context, id string) (*Record, error) {
	doc, err := ix.live().GetByID(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}
	return &Record{ID: doc.ID, Embedding: doc.Embedding, Content: doc.Content, Metadata: doc.Metadata}, nil
}

// Query returns up to topK records most similar to embedding that pass
// the filter, best first. chromem only filters on exact metadata equality:
// archived exclusion is pushed down, while weight, date and tag criteria
// are applied after scoring the whole collection.
func (ix *Index) Query(ctx context.Context, embedding []float32, topK int, f Filter) ([]Result, error) {
	if len(embedding) != ix.dims {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(embedding), ix.dims)
	}
	if topK <= 0 {
		topK = 10
	}
	col := ix.live()
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	n := topK
	var where map[string]string
	if f.needsPostFilter() {
		n = count
	} else if !f.IncludeArchived {
		where = map[string]string{MetaArchived: "false"}
	}
	if n > count {
		n = count
	}

	raw, err := queryN(ctx, col, embedding, n, where)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: query: %w", err)
	}
	out := make([]Result, 0, topK)
	for _, r := range raw {
		if !f.Match(r.Metadata) {
			continue
		}
		out = append(out, Result{
			Record:     Record{ID: r.ID, Embedding: r.Embedding, Content: r.Content, Metadata: r.Metadata},
			Similarity: float64(r.Similarity),
		})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// Hashes returns id → content hash for every record in the live
// collection.
func (ix *Index) Hashes(ctx context.Context) (map[string]string, error) {
	col := ix.live()
	count := col.Count()
	out := make(map[string]string, count)
	if count == 0 {
		return out, nil
	}
	// chromem has no listing API; a full-width query with any unit vector
	// visits every document.
	axis := make([]float32, ix.dims)
	axis[0] = 1
	raw, err := queryN(ctx, col, axis, count, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: list: %w", err)
	}
	for _, r := range raw {
		out[r.ID] = r.Metadata[MetaContentHash]
	}
	return out, nil
}

// queryN asks for n results, shrinking n if the collection lost documents
// between counting and querying.
func queryN(ctx context.Context, col *chromem.Collection, emb []float32, n int, where map[string]string) ([]chromem.Result, error) {
	for {
		raw, err := col.QueryEmbedding(ctx, emb, n, where, nil)
		if err == nil {
			return raw, nil
		}
		c := col.Count()
		if c >= n {
			return nil, err
		}
		if c == 0 {
			return nil, nil
		}
		n = c
	}
}

// ─── Rebuild ─────────────────────────────────────────────────────────────────

// AddFunc stores one record into a staging collection.
type AddFunc func(ctx context.Context, rec Record) error

// Rebuild builds a fresh collection through fill and swaps it in only when
// fill succeeds. On error or cancellation the staging collection is
// dropped and the live collection is untouched. It returns the number of
// records written to the new collection.
func (ix *Index) Rebuild(ctx context.Context, fill func(add AddFunc) error) (int, error) {
	ix.rebuildMu.Lock()
	defer ix.rebuildMu.Unlock()

	name := fmt.Sprintf("%s-%d", ix.base, time.Now().UnixNano())
	staging, err := ix.db.CreateCollection(name, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("vectorindex: create staging collection: %w", err)
	}
	added := 0
	add := func(ctx context.Context, rec Record) error {
		if err := ix.add(ctx, staging, rec); err != nil {
			return err
		}
		added++
		return nil
	}

	discard := func(cause error) (int, error) {
		if err := ix.db.DeleteCollection(name); err != nil {
			ix.logger.Warn("drop staging collection", "collection", name, "error", err)
		}
		return added, cause
	}
	if err := fill(add); err != nil {
		return discard(err)
	}
	if err := ctx.Err(); err != nil {
		return discard(err)
	}
	if staging.Count() != added {
		return discard(fmt.Errorf("vectorindex: staging holds %d records, wrote %d", staging.Count(), added))
	}
	if err := ix.writeMarker(name); err != nil {
		return discard(err)
	}

	ix.mu.Lock()
	old := ix.active
	ix.col = staging
	ix.active = name
	ix.mu.Unlock()

	if err := ix.db.DeleteCollection(old); err != nil {
		ix.logger.Warn("drop previous collection", "collection", old, "error", err)
	}
	ix.logger.Info("index rebuilt", "collection", name, "records", added)
	return added, nil
}

func (ix *Index) readMarker() string {
	if ix.dir == "" {
		return ix.base
	}
	b, err := os.ReadFile(filepath.Join(ix.dir, activeMarker))
	if err != nil {
		return ix.base
	}
	name := strings.TrimSpace(string(b))
	if name == "" {
		return ix.base
	}
	return name
}

func (ix *Index) writeMarker(name string) error {
	if ix.dir == "" {
		return nil
	}
	tmp := filepath.Join(ix.dir, activeMarker+".tmp")
	if err := os.WriteFile(tmp, []byte(name+"\n"), 0600); err != nil {
		return fmt.Errorf("vectorindex: write marker: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(ix.dir, activeMarker)); err != nil {
		return fmt.Errorf("vectorindex: commit marker: %w", err)
	}
	return nil
}

// dropStale removes collections left behind by interrupted rebuilds.
func (ix *Index) dropStale() {
	var stale []string
	for name := range ix.db.ListCollections() {
		if name != ix.active && (name == ix.base || strings.HasPrefix(name, ix.base+"-")) {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	for _, name := range stale {
		if err := ix.db.DeleteCollection(name); err != nil {
			ix.logger.Warn("drop stale collection", "collection", name, "error", err)
			continue
		}
		ix.logger.Info("dropped stale collection", "collection", name)
	}
}
