package consistency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/HendryAvila/membus/internal/docstore"
	"github.com/HendryAvila/membus/internal/vectorindex"
)

var (
	// ErrRebuildInProgress is returned when a rebuild is already running.
	ErrRebuildInProgress = errors.New("consistency: rebuild already in progress")
	// ErrCountMismatch is returned when the rebuilt index does not account
	// for every document in the store.
	ErrCountMismatch = errors.New("consistency: rebuilt index count mismatch")
)

// Rebuild triggers.
const (
	TriggerDesync   = "desync"
	TriggerOperator = "operator"
)

// Rebuild re-derives the whole vector index from the document store. It is
// safe to cancel: the live index is only replaced after every document has
// been re-embedded.
func (m *Monitor) Rebuild(ctx context.Context) (*Incident, error) {
	return m.rebuild(ctx, TriggerOperator, nil)
}

// Cancel stops a running rebuild. It reports whether one was running.
func (m *Monitor) Cancel() bool {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	if m.cancel == nil {
		return false
	}
	m.cancel()
	return true
}

func (m *Monitor) rebuild(ctx context.Context, trigger string, snap *Snapshot) (*Incident, error) {
	if !m.rebuildMu.TryLock() {
		return nil, ErrRebuildInProgress
	}
	defer m.rebuildMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	m.cancelMu.Lock()
	m.cancel = cancel
	m.cancelMu.Unlock()
	defer func() {
		m.cancelMu.Lock()
		m.cancel = nil
		m.cancelMu.Unlock()
		cancel()
	}()

	inc := &Incident{
		ID:        uuid.NewString(),
		Kind:      KindRebuild,
		Status:    StatusRunning,
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
		Snapshot:  snap,
	}
	m.record(ctx, inc)
	m.logger.Warn("rebuilding vector index", "incident", inc.ID, "trigger", trigger)

	m.queue.Pause()
	defer m.queue.Resume()

	scanned := 0
	indexed, err := m.vecs.Rebuild(ctx, func(add vectorindex.AddFunc) error {
		limit := rate.Inf
		if m.cfg.RebuildRate > 0 {
			limit = rate.Limit(m.cfg.RebuildRate)
		}
		limiter := rate.NewLimiter(limit, m.cfg.BatchSize)

		err := m.docs.Scan(ctx, m.cfg.BatchSize, func(recs []docstore.Record) error {
			for _, r := range recs {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				text := vectorindex.EmbeddingText(r.Document)
				vec, err := m.embedder.Embed(ctx, text)
				if err != nil {
					return fmt.Errorf("embed %s: %w", r.Path, err)
				}
				if err := add(ctx, vectorindex.Record{
					ID:        r.Path,
					Embedding: vec,
					Content:   text,
					Metadata:  vectorindex.Metadata(r.Document, r.ContentHash, ""),
				}); err != nil {
					return err
				}
				scanned++
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Writes keep landing in the store while drains are paused; their
		// jobs apply to the new index once the queue resumes.
		count, err := m.docs.Count(ctx)
		if err != nil {
			return err
		}
		diff := count - scanned
		if diff < 0 {
			diff = -diff
		}
		if diff > len(m.queue.PendingIDs()) {
			return fmt.Errorf("%w: store holds %d documents, indexed %d", ErrCountMismatch, count, scanned)
		}
		return nil
	})

	finished := time.Now().UTC()
	inc.FinishedAt = &finished
	inc.DurationMS = finished.Sub(inc.StartedAt).Milliseconds()
	inc.Documents = scanned
	inc.Indexed = indexed
	switch {
	case err == nil:
		inc.Status = StatusCompleted
		m.queue.ResetLag()
		m.mu.Lock()
		m.consecutive = 0
		m.desyncSince = time.Time{}
		m.mu.Unlock()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		inc.Status = StatusCancelled
		inc.Error = err.Error()
	default:
		inc.Status = StatusFailed
		inc.Error = err.Error()
	}
	m.record(ctx, inc)
	m.metrics.RecordRebuild(ctx, inc.Status)

	log := m.logger.With("incident", inc.ID, "status", inc.Status,
		"documents", scanned, "indexed", indexed, "duration_ms", inc.DurationMS)
	if err != nil {
		log.Error("vector index rebuild did not complete", "error", err)
		return inc, fmt.Errorf("consistency: rebuild: %w", err)
	}
	log.Info("vector index rebuilt")
	return inc, nil
}
