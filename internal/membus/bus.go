// Package membus is the memory bus: a write-through coordinator over an
// authoritative document store and a secondary vector index, and a reader
// that cascades from exact lookup to keyword search to semantic search.
//
// Writes land in the document store synchronously and reach the vector
// index through the sync queue. A consistency monitor rebuilds the index
// from the store when the two drift apart.
package membus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/HendryAvila/membus/internal/consistency"
	"github.com/HendryAvila/membus/internal/docstore"
	"github.com/HendryAvila/membus/internal/embed"
	"github.com/HendryAvila/membus/internal/syncq"
	"github.com/HendryAvila/membus/internal/telemetry"
	"github.com/HendryAvila/membus/internal/vectorindex"
)

// ─── Adapters ────────────────────────────────────────────────────────────────

// DocumentStore is the authoritative store. *docstore.Store implements it.
type DocumentStore interface {
	consistency.Documents
	consistency.IncidentStore
	Get(ctx context.Context, path string) (*docstore.Record, error)
	Put(ctx context.Context, doc Document, hash string, opts docstore.PutOptions) (*docstore.Record, error)
	Delete(ctx context.Context, path string, opts docstore.PutOptions) (bool, error)
	Revision(ctx context.Context, path, hash string) (*docstore.Record, error)
	Search(ctx context.Context, q docstore.KeywordQuery) ([]docstore.SearchHit, error)
	AppendAudit(ctx context.Context, e docstore.AuditEntry) error
	Stats(ctx context.Context) (*docstore.Stats, error)
}

// VectorIndex is the semantic index. *vectorindex.Index implements it.
type VectorIndex interface {
	consistency.Vectors
	Upsert(ctx context.Context, rec vectorindex.Record) error
	Delete(ctx context.Context, ids ...string) error
	Query(ctx context.Context, embedding []float32, topK int, f vectorindex.Filter) ([]vectorindex.Result, error)
	Count() int
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Config tunes the bus. Zero values take the defaults.
type Config struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// DedupeWindow is how long an identical write returns the first
	// write's outcome.
	DedupeWindow time.Duration
	// RetryBackoff are the delays between attempts of a transient store
	// failure; its length is the number of retries.
	RetryBackoff []time.Duration
	// CacheSizeMB bounds the level-1 cache. Negative disables it.
	CacheSizeMB int
	// KeywordLimit is the default number of keyword matches.
	KeywordLimit int
	DefaultTopK  int

	Queue       syncq.Config
	Consistency consistency.Config
	Scorer      Scorer
	Logger      *slog.Logger
	Metrics     *telemetry.Metrics
}

// DefaultConfig returns the production defaults with the spill log under
// dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		WriteTimeout: 200 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		DedupeWindow: time.Second,
		RetryBackoff: []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond},
		CacheSizeMB:  100,
		KeywordLimit: 10,
		DefaultTopK:  10,
		Queue:        syncq.DefaultConfig(dataDir),
		Consistency:  consistency.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig("")
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = def.DedupeWindow
	}
	if c.RetryBackoff == nil {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.CacheSizeMB == 0 {
		c.CacheSizeMB = def.CacheSizeMB
	}
	if c.KeywordLimit <= 0 {
		c.KeywordLimit = def.KeywordLimit
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = def.DefaultTopK
	}
	if c.Scorer == nil {
		c.Scorer = DefaultScorer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ─── Bus ─────────────────────────────────────────────────────────────────────

// Bus coordinates reads and writes across both stores.
type Bus struct {
	cfg      Config
	docs     DocumentStore
	vecs     VectorIndex
	embedder embed.Embedder
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	cache   *readCache
	dedupe  *dedupeTable
	slots   *slotTable
	queue   *syncq.Queue
	monitor *consistency.Monitor

	writes      atomic.Uint64
	reads       atomic.Uint64
	escalations atomic.Uint64
	readsBy     [4]atomic.Uint64
}

// New wires a bus over the given adapters and starts the sync workers.
// Call Start to run the consistency monitor and Close to stop everything.
func New(cfg Config, docs DocumentStore, vecs VectorIndex, embedder embed.Embedder) (*Bus, error) {
	if docs == nil || vecs == nil || embedder == nil {
		return nil, errors.New("membus: document store, vector index and embedder are required")
	}
	cfg = cfg.withDefaults()
	b := &Bus{
		cfg:      cfg,
		docs:     docs,
		vecs:     vecs,
		embedder: embedder,
		logger:   cfg.Logger.With("component", "membus"),
		metrics:  cfg.Metrics,
		dedupe:   newDedupeTable(cfg.DedupeWindow),
		slots:    newSlotTable(),
	}

	cache, err := newReadCache(cfg.CacheSizeMB)
	if err != nil {
		return nil, fmt.Errorf("membus: read cache: %w", err)
	}
	b.cache = cache

	mcfg := cfg.Consistency
	if mcfg.Logger == nil {
		mcfg.Logger = cfg.Logger
	}
	if mcfg.Metrics == nil {
		mcfg.Metrics = cfg.Metrics
	}

	qcfg := cfg.Queue
	if qcfg.Logger == nil {
		qcfg.Logger = cfg.Logger
	}
	qcfg.OnSuccess = func(job syncq.Job, lag time.Duration) {
		b.metrics.RecordSync(context.Background(), "success", lag)
		b.monitor.RecordSuccess()
	}
	qcfg.OnDeadLetter = func(dl syncq.DeadLetter) {
		b.metrics.RecordSync(context.Background(), "dead_letter", 0)
		b.monitor.RecordFailure(context.Background(), dl.Job.ContentID, dl.Error)
	}
	// The monitor exists before the queue starts replaying spilled jobs
	// into the callbacks above; it only reaches the queue once New returns.
	b.monitor = consistency.New(mcfg, docs, vecs, queueRef{b}, embedder, docs)
	q, err := syncq.New(qcfg, b.sync)
	if err != nil {
		cache.close()
		return nil, fmt.Errorf("membus: sync queue: %w", err)
	}
	b.queue = q
	return b, nil
}

// queueRef hands the monitor the queue before it exists.
type queueRef struct{ b *Bus }

func (r queueRef) Pause()                     { r.b.queue.Pause() }
func (r queueRef) Resume()                    { r.b.queue.Resume() }
func (r queueRef) PendingIDs() map[string]int { return r.b.queue.PendingIDs() }
func (r queueRef) LagP95() time.Duration      { return r.b.queue.LagP95() }
func (r queueRef) ResetLag()                  { r.b.queue.ResetLag() }

// Start runs the consistency monitor until ctx is done.
func (b *Bus) Start(ctx context.Context) {
	go b.monitor.Run(ctx)
}

// Close stops the sync workers, flushing queued jobs to the spill log when
// one is configured.
func (b *Bus) Close(ctx context.Context) error {
	b.monitor.Cancel()
	err := b.queue.Close(ctx)
	b.cache.close()
	return err
}

// sync applies one job to the vector index.
func (b *Bus) sync(ctx context.Context, job *syncq.Job) error {
	switch job.Op {
	case syncq.OpDelete:
		return b.vecs.Delete(ctx, job.ContentID)
	case syncq.OpUpsert:
		if len(job.Embedding) == 0 {
			vec, err := b.embedder.Embed(ctx, job.Content)
			if err != nil {
				return fmt.Errorf("embed %s: %w", job.ContentID, err)
			}
			// Kept on the job so retries skip the embedding call.
			job.Embedding = vec
		}
		return b.vecs.Upsert(ctx, vectorindex.Record{
			ID:        job.ContentID,
			Embedding: job.Embedding,
			Content:   job.Content,
			Metadata:  job.Metadata,
		})
	default:
		return fmt.Errorf("membus: unknown sync op %q", job.Op)
	}
}

// ─── Operations ──────────────────────────────────────────────────────────────

// Stats is a point-in-time view of the bus.
type Stats struct {
	Writes        uint64                `json:"writes"`
	Reads         uint64                `json:"reads"`
	Escalations   uint64                `json:"escalations"`
	ReadsByLevel  map[string]uint64     `json:"reads_by_level"`
	DedupeHits    uint64                `json:"dedupe_hits"`
	CacheHitRatio float64               `json:"cache_hit_ratio"`
	Documents     int                   `json:"documents"`
	Store         docstore.Stats        `json:"store"`
	Vectors       int                   `json:"vectors"`
	Queue         syncq.Stats           `json:"queue"`
	FailureStreak int                   `json:"failure_streak"`
	LastCheck     *consistency.Snapshot `json:"last_check,omitempty"`
}

// Stats reports counters of the bus and its components.
func (b *Bus) Stats(ctx context.Context) (*Stats, error) {
	docs, err := b.docs.Stats(ctx)
	if err != nil {
		return nil, AsError(err)
	}
	return &Stats{
		Writes:      b.writes.Load(),
		Reads:       b.reads.Load(),
		Escalations: b.escalations.Load(),
		ReadsByLevel: map[string]uint64{
			"exact":    b.readsBy[1].Load(),
			"keyword":  b.readsBy[2].Load(),
			"semantic": b.readsBy[3].Load(),
		},
		DedupeHits:    b.dedupe.hitCount(),
		CacheHitRatio: b.cache.hitRatio(),
		Documents:     docs.Documents,
		Store:         *docs,
		Vectors:       b.vecs.Count(),
		Queue:         b.queue.Stats(),
		FailureStreak: b.monitor.FailureStreak(),
		LastCheck:     b.monitor.LastSnapshot(),
	}, nil
}

// Check runs one consistency check now, rebuilding if the desync has
// persisted long enough.
func (b *Bus) Check(ctx context.Context) (*consistency.Snapshot, error) {
	return b.monitor.Check(ctx)
}

// Inspect compares the stores without acting on the result.
func (b *Bus) Inspect(ctx context.Context) (*consistency.Snapshot, error) {
	return b.monitor.Inspect(ctx)
}

// Rebuild re-derives the vector index from the document store.
func (b *Bus) Rebuild(ctx context.Context) (*consistency.Incident, error) {
	return b.monitor.Rebuild(ctx)
}

// CancelRebuild stops a running rebuild.
func (b *Bus) CancelRebuild() bool { return b.monitor.Cancel() }

// Incidents returns recent incidents, newest first.
func (b *Bus) Incidents(ctx context.Context, limit int) ([]consistency.Incident, error) {
	return b.monitor.Incidents(ctx, limit)
}

// DeadLetters returns jobs that exhausted their retries.
func (b *Bus) DeadLetters() []syncq.DeadLetter { return b.queue.DeadLetters() }

// RequeueDeadLetter puts a dead-lettered job back on the queue.
func (b *Bus) RequeueDeadLetter(jobID string) error {
	if err := b.queue.Requeue(jobID); err != nil {
		if errors.Is(err, syncq.ErrBackpressure) {
			return newError(CodeBackpressure, err, "sync queue is saturated")
		}
		return newError(CodeNotFound, err, "%v", err)
	}
	return nil
}

// WaitSynced blocks until every queued sync job has been handled.
func (b *Bus) WaitSynced(ctx context.Context) error { return b.queue.WaitIdle(ctx) }

// Scan walks every stored document in path order.
func (b *Bus) Scan(ctx context.Context, batch int, fn func([]docstore.Record) error) error {
	return b.docs.Scan(ctx, batch, fn)
}
