// Package consistency watches the vector index for divergence from the
// document store and rebuilds it from the store when divergence persists.
//
// A check compares content hashes by path and classifies every mismatch as
// missing (document without vector), stale (hash differs) or orphaned
// (vector without document). Paths with sync jobs still in flight are not
// counted against the index. After DesyncChecks consecutive divergent
// checks the monitor pauses the sync queue, re-embeds every document into a
// staging collection, swaps it in and records an incident.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/HendryAvila/membus/internal/docstore"
	"github.com/HendryAvila/membus/internal/embed"
	"github.com/HendryAvila/membus/internal/telemetry"
	"github.com/HendryAvila/membus/internal/vectorindex"
)

// ErrDesyncDetected marks a check that found the index out of step with the
// store. It is logged and counted, never returned to readers or writers.
var ErrDesyncDetected = errors.New("consistency: desync detected")

// Documents is the part of the document store the monitor reads.
type Documents interface {
	Hashes(ctx context.Context, sample int) (map[string]string, error)
	GetMany(ctx context.Context, paths []string) (map[string]*docstore.Record, error)
	Count(ctx context.Context) (int, error)
	Scan(ctx context.Context, batch int, fn func([]docstore.Record) error) error
}

// Vectors is the part of the vector index the monitor checks and rebuilds.
type Vectors interface {
	Hashes(ctx context.Context) (map[string]string, error)
	Rebuild(ctx context.Context, fill func(add vectorindex.AddFunc) error) (int, error)
}

// Queue is the sync queue as seen by the monitor.
type Queue interface {
	Pause()
	Resume()
	PendingIDs() map[string]int
	LagP95() time.Duration
	ResetLag()
}

// IncidentStore persists incidents. The document store implements it.
type IncidentStore interface {
	PutIncident(ctx context.Context, in docstore.IncidentRow) error
	RecentIncidents(ctx context.Context, limit int) ([]docstore.IncidentRow, error)
}

// Config tunes the monitor.
type Config struct {
	Interval     time.Duration
	LagThreshold time.Duration
	// DesyncChecks is how many consecutive divergent checks trigger a
	// rebuild.
	DesyncChecks int
	// SampleSize limits each check to a random subset of documents; zero
	// checks everything.
	SampleSize int
	// BatchSize is how many documents a rebuild reads and embeds at once.
	BatchSize int
	// RebuildRate caps embeddings per second during a rebuild; zero is
	// unlimited.
	RebuildRate float64
	// AlertThreshold is the failure streak that raises a governance alert.
	AlertThreshold int
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		LagThreshold:   300 * time.Millisecond,
		DesyncChecks:   3,
		BatchSize:      32,
		AlertThreshold: 3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.LagThreshold <= 0 {
		c.LagThreshold = def.LagThreshold
	}
	if c.DesyncChecks <= 0 {
		c.DesyncChecks = def.DesyncChecks
	}
	if c.SampleSize < 0 {
		c.SampleSize = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = def.AlertThreshold
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Snapshot is the outcome of one consistency check.
type Snapshot struct {
	Backend   string    `json:"backend"`
	CheckedAt time.Time `json:"checked_at"`
	Documents int       `json:"documents"`
	Vectors   int       `json:"vectors"`
	Sampled   int       `json:"sampled"`
	// PendingSkipped counts documents not judged because a sync job for
	// them is still queued.
	PendingSkipped int      `json:"pending_skipped"`
	Missing        []string `json:"missing,omitempty"`
	Stale          []string `json:"stale,omitempty"`
	Orphaned       []string `json:"orphaned,omitempty"`
	Affected       int      `json:"affected"`
	LagP95MS       float64  `json:"lag_p95_ms"`
	LagExceeded    bool     `json:"lag_exceeded"`
	Desynced       bool     `json:"desynced"`

	ConsecutiveDesynced int       `json:"consecutive_desynced,omitempty"`
	DesyncSince         time.Time `json:"desync_since,omitempty"`
	DesyncDurationMS    int64     `json:"desync_duration_ms,omitempty"`
	Rebuild             *Incident `json:"rebuild,omitempty"`
}

// Monitor runs consistency checks and rebuilds.
type Monitor struct {
	cfg       Config
	docs      Documents
	vecs      Vectors
	queue     Queue
	embedder  embed.Embedder
	incidents IncidentStore
	logger    *slog.Logger
	metrics   *telemetry.Metrics

	mu          sync.Mutex
	consecutive int
	desyncSince time.Time
	last        *Snapshot
	streak      int
	recent      []Incident

	rebuildMu sync.Mutex
	cancelMu  sync.Mutex
	cancel    context.CancelFunc
}

// New wires a monitor. incidents may be nil, in which case incidents are
// only kept in memory.
func New(cfg Config, docs Documents, vecs Vectors, queue Queue, embedder embed.Embedder, incidents IncidentStore) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:       cfg,
		docs:      docs,
		vecs:      vecs,
		queue:     queue,
		embedder:  embedder,
		incidents: incidents,
		logger:    cfg.Logger.With("component", "consistency"),
		metrics:   cfg.Metrics,
	}
}

// Run checks on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("consistency check failed", "error", err)
			}
		}
	}
}

// Inspect compares the store against the index without acting on the
// result.
func (m *Monitor) Inspect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Backend: "vector_index", CheckedAt: time.Now().UTC()}

	docHashes, err := m.docs.Hashes(ctx, m.cfg.SampleSize)
	if err != nil {
		return nil, fmt.Errorf("consistency: read document hashes: %w", err)
	}
	vecHashes, err := m.vecs.Hashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("consistency: read index hashes: %w", err)
	}
	pending := m.queue.PendingIDs()

	snap.Sampled = len(docHashes)
	snap.Vectors = len(vecHashes)
	snap.Documents = len(docHashes)
	if m.cfg.SampleSize > 0 {
		if snap.Documents, err = m.docs.Count(ctx); err != nil {
			return nil, fmt.Errorf("consistency: count documents: %w", err)
		}
	}

	for path, hash := range docHashes {
		if pending[path] > 0 {
			snap.PendingSkipped++
			continue
		}
		vh, ok := vecHashes[path]
		switch {
		case !ok:
			snap.Missing = append(snap.Missing, path)
		case vh != hash:
			snap.Stale = append(snap.Stale, path)
		}
	}

	var candidates []string
	for id := range vecHashes {
		if _, ok := docHashes[id]; !ok && pending[id] == 0 {
			candidates = append(candidates, id)
		}
	}
	sort.Strings(candidates)
	if m.cfg.SampleSize > 0 && len(candidates) > 0 {
		// Outside the sample a vector may still have its document.
		if len(candidates) > m.cfg.SampleSize {
			candidates = candidates[:m.cfg.SampleSize]
		}
		found, err := m.docs.GetMany(ctx, candidates)
		if err != nil {
			return nil, fmt.Errorf("consistency: verify orphans: %w", err)
		}
		for _, id := range candidates {
			if found[id] == nil {
				snap.Orphaned = append(snap.Orphaned, id)
			}
		}
	} else {
		snap.Orphaned = candidates
	}

	sort.Strings(snap.Missing)
	sort.Strings(snap.Stale)
	snap.Affected = len(snap.Missing) + len(snap.Stale) + len(snap.Orphaned)
	lag := m.queue.LagP95()
	snap.LagP95MS = float64(lag) / float64(time.Millisecond)
	snap.LagExceeded = lag > m.cfg.LagThreshold
	snap.Desynced = snap.Affected > 0 || snap.LagExceeded
	return snap, nil
}

// Check runs one consistency check. It returns nil when the index is in
// step with the store, otherwise the snapshot describing the divergence.
// Once divergence has lasted DesyncChecks consecutive checks the index is
// rebuilt before Check returns.
func (m *Monitor) Check(ctx context.Context) (*Snapshot, error) {
	snap, err := m.Inspect(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if !snap.Desynced {
		if m.consecutive > 0 {
			m.logger.Info("index back in sync", "after_checks", m.consecutive)
		}
		m.consecutive = 0
		m.desyncSince = time.Time{}
		m.last = snap
		m.mu.Unlock()
		return nil, nil
	}
	m.consecutive++
	if m.desyncSince.IsZero() {
		m.desyncSince = snap.CheckedAt
	}
	snap.ConsecutiveDesynced = m.consecutive
	snap.DesyncSince = m.desyncSince
	snap.DesyncDurationMS = snap.CheckedAt.Sub(m.desyncSince).Milliseconds()
	trigger := m.consecutive >= m.cfg.DesyncChecks
	m.last = snap
	m.mu.Unlock()

	m.metrics.RecordDesync(ctx)
	m.logger.Warn("index out of sync",
		"error", ErrDesyncDetected,
		"missing", len(snap.Missing), "stale", len(snap.Stale), "orphaned", len(snap.Orphaned),
		"lag_p95_ms", snap.LagP95MS, "consecutive", snap.ConsecutiveDesynced)

	if trigger {
		inc, err := m.rebuild(ctx, TriggerDesync, snap)
		if inc != nil {
			cp := *inc
			cp.Snapshot = nil
			snap.Rebuild = &cp
		}
		if err != nil {
			return snap, err
		}
	}
	return snap, nil
}

// LastSnapshot returns the result of the most recent Check.
func (m *Monitor) LastSnapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
