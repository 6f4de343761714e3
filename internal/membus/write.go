package membus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/HendryAvila/membus/internal/docstore"
	"github.com/HendryAvila/membus/internal/document"
	"github.com/HendryAvila/membus/internal/syncq"
	"github.com/HendryAvila/membus/internal/vectorindex"
)

var errChanged = errors.New("membus: document changed since it was read")

// Write persists a write, update or delete to the document store and queues
// its propagation to the vector index.
//
// Conflicts under last_write_wins and merge come back as a result with
// status conflict and a nil error. Under abort the result is accompanied by
// a conflict error. A write that exhausted its retries returns status
// timeout and a write_timeout error. Validation, backpressure and store
// failures return a nil result.
func (b *Bus) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	start := time.Now()
	req, err := b.validateWrite(req, start)
	if err != nil {
		b.metrics.RecordWrite(ctx, string(req.Operation), "invalid", time.Since(start))
		return nil, err
	}

	hash := document.Hash(string(req.Operation), req.Document)
	res, shared, err := b.dedupe.do(ctx, dedupeKey{path: req.Document.Path, hash: hash}, func() (*WriteResult, error) {
		return b.execute(ctx, req, hash, start)
	})
	if shared {
		b.logger.Debug("duplicate write", "path", req.Document.Path, "content_hash", hash)
	} else {
		b.writes.Add(1)
		if res != nil {
			b.audit(ctx, req, res)
		}
	}
	status := "error"
	if res != nil {
		status = string(res.Status)
	}
	b.metrics.RecordWrite(ctx, string(req.Operation), status, time.Since(start))

	if res != nil {
		cp := *res
		res = &cp
	}
	return res, err
}

func (b *Bus) validateWrite(req WriteRequest, now time.Time) (WriteRequest, error) {
	fe := fieldErrors{}
	switch req.Operation {
	case OpWrite, OpUpdate, OpDelete:
	case "":
		fe.add("operation", "is required")
	default:
		fe.add("operation", "must be one of write, update, delete")
	}

	if req.Document.Path == "" {
		fe.add("document.path", "is required")
	} else if p, err := document.NormalizePath(req.Document.Path); err != nil {
		fe.add("document.path", err.Error())
	} else {
		req.Document.Path = p
	}

	switch req.Operation {
	case OpWrite:
		if req.Document.Content == "" {
			fe.add("document.content", "is required for write")
		}
	case OpUpdate:
		if req.Document.Content == "" && len(req.Document.Frontmatter) == 0 {
			fe.add("document", "update needs content or frontmatter")
		}
	}

	switch req.Metadata.ConflictResolution {
	case "":
		req.Metadata.ConflictResolution = LastWriteWins
	case LastWriteWins, Abort, Merge:
	default:
		fe.add("metadata.conflict_resolution", "must be one of last_write_wins, abort, merge")
	}

	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = now
	}
	req.Document = req.Document.Clone()
	return req, fe.err()
}

// execute runs one write that is not a duplicate.
func (b *Bus) execute(ctx context.Context, req WriteRequest, hash string, start time.Time) (*WriteResult, error) {
	path := req.Document.Path
	res := &WriteResult{
		WriteID:     uuid.NewString(),
		Path:        path,
		Timestamp:   start.UTC(),
		ContentHash: hash,
	}
	finish := func() *WriteResult {
		res.LatencyMS = ms(time.Since(start))
		return res
	}

	if err := b.queue.Admit(); err != nil {
		b.metrics.RecordBackpressure(ctx)
		if errors.Is(err, syncq.ErrClosed) {
			return nil, newError(CodeAdapterUnavailable, err, "memory bus is shutting down")
		}
		return nil, newError(CodeBackpressure, err, "sync queue is saturated, retry later")
	}

	w := &writer{
		id:        res.WriteID,
		submitted: req.SubmittedAt,
		policy:    req.Metadata.ConflictResolution,
		baseHash:  req.BaseHash,
	}
	b.slots.register(path, w)
	defer b.slots.release(path, w)

	if w.baseHash == "" {
		cur, err := b.current(ctx, path)
		if err != nil {
			return nil, err
		}
		if cur != nil {
			w.baseHash = cur.ContentHash
		}
	}

	unlock, err := b.slots.lock(ctx, path)
	if err != nil {
		res.Status = StatusTimeout
		return finish(), newError(CodeWriteTimeout, err, "waiting for a concurrent write to %s", path)
	}
	defer unlock()

	if err := b.slots.state(w); err != nil {
		return b.conflict(finish(), w, nil, err)
	}
	cur, err := b.current(ctx, path)
	if err != nil {
		return nil, err
	}

	// Resolve against what is committed now.
	switch w.policy {
	case LastWriteWins:
		if cur != nil && cur.SubmittedAt.After(req.SubmittedAt) {
			return b.conflict(finish(), w, cur, errSuperseded)
		}
	case Abort:
		if currentHash(cur) != w.baseHash {
			return b.conflict(finish(), w, cur, errChanged)
		}
	}

	if req.Operation == OpDelete {
		return b.executeDelete(ctx, req, w, cur, res, finish)
	}

	var doc Document
	submitted := req.SubmittedAt
	switch req.Operation {
	case OpUpdate:
		if cur == nil {
			return nil, newError(CodeNotFound, docstore.ErrNotFound, "no document at %s to update", path)
		}
		doc = applyPatch(cur.Document, req.Document)
	default:
		doc = req.Document
		if w.policy == Merge && cur != nil && cur.ContentHash != w.baseHash {
			merged, ok := b.merge(ctx, w.baseHash, cur, req.Document, req.SubmittedAt)
			if !ok {
				res.Status = StatusConflict
				res.Reason = ReasonMergeConflict
				incoming := req.Document.Clone()
				current := cur.Document.Clone()
				res.Conflict = &Conflict{
					BaseHash:     w.baseHash,
					CurrentHash:  cur.ContentHash,
					IncomingHash: hash,
					Current:      &current,
					Incoming:     &incoming,
				}
				b.logger.Info("merge needs manual review", "path", path, "write_id", res.WriteID)
				return finish(), nil
			}
			doc = merged
			if cur.SubmittedAt.After(submitted) {
				submitted = cur.SubmittedAt
			}
		}
	}
	stamp(&doc, cur, time.Now().UTC())
	stored := document.Hash(string(OpWrite), doc)

	var rec *docstore.Record
	persistStart := time.Now()
	err = b.persist(ctx, func(actx context.Context) error {
		r, err := b.docs.Put(actx, doc, stored, docstore.PutOptions{
			SubmittedAt:  submitted,
			BeforeCommit: func() error { return b.slots.commit(w) },
		})
		if err != nil {
			b.slots.uncommit(w)
			return err
		}
		rec = r
		return nil
	})
	res.PersistMS = ms(time.Since(persistStart))
	if err != nil {
		return b.persistFailed(finish(), w, cur, err)
	}
	b.cache.invalidate(path)
	b.dedupe.supersede(path, hash)

	res.Status = StatusSuccess
	res.ContentHash = stored
	res.Version = rec.Version
	b.enqueue(res, syncq.Job{
		ContentID:   path,
		Op:          syncq.OpUpsert,
		PayloadHash: stored,
		Content:     vectorindex.EmbeddingText(doc),
		Metadata:    vectorindex.Metadata(doc, stored, res.WriteID),
		WriteID:     res.WriteID,
	})
	return finish(), nil
}

func (b *Bus) executeDelete(ctx context.Context, req WriteRequest, w *writer, cur *docstore.Record, res *WriteResult, finish func() *WriteResult) (*WriteResult, error) {
	if cur == nil {
		return nil, newError(CodeNotFound, docstore.ErrNotFound, "no document at %s", req.Document.Path)
	}
	persistStart := time.Now()
	err := b.persist(ctx, func(actx context.Context) error {
		_, err := b.docs.Delete(actx, req.Document.Path, docstore.PutOptions{
			BeforeCommit: func() error { return b.slots.commit(w) },
		})
		if err != nil {
			b.slots.uncommit(w)
		}
		return err
	})
	res.PersistMS = ms(time.Since(persistStart))
	if err != nil {
		return b.persistFailed(finish(), w, cur, err)
	}
	b.cache.invalidate(req.Document.Path)
	b.dedupe.supersede(req.Document.Path, res.ContentHash)

	res.Status = StatusSuccess
	b.enqueue(res, syncq.Job{
		ContentID:   req.Document.Path,
		Op:          syncq.OpDelete,
		PayloadHash: res.ContentHash,
		WriteID:     res.WriteID,
	})
	return finish(), nil
}

// persist runs fn with one attempt per backoff step plus one, each bounded
// by the write timeout. Only transient failures are retried.
func (b *Bus) persist(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
		err = fn(actx)
		cancel()
		if err == nil || !docstore.IsTransient(err) || attempt >= len(b.cfg.RetryBackoff) {
			return err
		}
		b.logger.Debug("retrying transient store failure", "attempt", attempt+1, "error", err)
		select {
		case <-time.After(b.cfg.RetryBackoff[attempt]):
		case <-ctx.Done():
			return err
		}
	}
}

func (b *Bus) persistFailed(res *WriteResult, w *writer, cur *docstore.Record, err error) (*WriteResult, error) {
	switch {
	case errors.Is(err, errAborted) || errors.Is(err, errSuperseded):
		return b.conflict(res, w, cur, err)
	case docstore.IsTransient(err):
		res.Status = StatusTimeout
		b.logger.Warn("write timed out", "path", res.Path, "write_id", res.WriteID, "error", err)
		return res, newError(CodeWriteTimeout, err, "persisting %s did not succeed within the retry budget", res.Path)
	default:
		b.logger.Error("document store write failed", "path", res.Path, "write_id", res.WriteID, "error", err)
		return nil, newError(CodeAdapterUnavailable, err, "document store unavailable")
	}
}

// conflict fills a conflict result. Superseded writes are an outcome, not
// an error; everything else is a conflict error.
func (b *Bus) conflict(res *WriteResult, w *writer, cur *docstore.Record, cause error) (*WriteResult, error) {
	res.Status = StatusConflict
	res.Conflict = &Conflict{
		BaseHash:     w.baseHash,
		CurrentHash:  currentHash(cur),
		IncomingHash: res.ContentHash,
	}
	if errors.Is(cause, errSuperseded) {
		res.Reason = ReasonSuperseded
		res.Conflict.SupersededBy = b.slots.supersededBy(w)
		b.logger.Info("discarded superseded write",
			"path", res.Path, "write_id", res.WriteID, "superseded_by", res.Conflict.SupersededBy)
		return res, nil
	}
	return res, newError(CodeConflict, cause, "concurrent write to %s", res.Path)
}

// merge resolves incoming against cur. A writer that registered before the
// path had a document merges against an empty ancestor.
func (b *Bus) merge(ctx context.Context, baseHash string, cur *docstore.Record, incoming Document, submitted time.Time) (Document, bool) {
	var base Document
	if baseHash != "" {
		rev, err := b.docs.Revision(ctx, cur.Path, baseHash)
		if err != nil {
			if !errors.Is(err, docstore.ErrNotFound) {
				b.logger.Warn("merge ancestor unavailable", "path", cur.Path, "error", err)
			}
			return Document{}, false
		}
		base = rev.Document
	}
	return mergeDocuments(base, cur.Document, incoming, cur.SubmittedAt, submitted)
}

// current returns the stored document at path, or nil when there is none.
func (b *Bus) current(ctx context.Context, path string) (*docstore.Record, error) {
	rec, err := b.docs.Get(ctx, path)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, docstore.ErrNotFound):
		return nil, nil
	case docstore.IsTransient(err):
		return nil, newError(CodeWriteTimeout, err, "reading %s", path)
	default:
		return nil, newError(CodeAdapterUnavailable, err, "document store unavailable")
	}
}

// enqueue hands the sync job to the queue. A job the queue refuses leaves
// the document persisted and the index behind; it is kept as a dead letter
// so it can be requeued, and the monitor repairs it otherwise.
func (b *Bus) enqueue(res *WriteResult, job syncq.Job) {
	if err := b.queue.Enqueue(job); err != nil {
		if errors.Is(err, syncq.ErrBackpressure) {
			b.metrics.RecordBackpressure(context.Background())
		}
		b.logger.Error("sync enqueue failed", "path", job.ContentID, "write_id", res.WriteID, "error", err)
		if !errors.Is(err, syncq.ErrClosed) {
			b.queue.Reject(job, err)
		}
		return
	}
	res.SyncPending = true
	est := b.queue.LagP95()
	if est <= 0 {
		est = b.cfg.Queue.JobTimeout
	}
	if est <= 0 {
		est = 300 * time.Millisecond
	}
	res.EstimatedSyncCompletion = time.Now().Add(est).UTC()
}

func (b *Bus) audit(ctx context.Context, req WriteRequest, res *WriteResult) {
	err := b.docs.AppendAudit(context.WithoutCancel(ctx), docstore.AuditEntry{
		Timestamp:   res.Timestamp,
		Operation:   string(req.Operation),
		Path:        res.Path,
		AgentID:     req.AgentID,
		Status:      string(res.Status),
		LatencyMS:   res.LatencyMS,
		WriteID:     res.WriteID,
		ContentHash: res.ContentHash,
	})
	if err != nil {
		b.logger.Warn("audit append failed", "write_id", res.WriteID, "error", err)
	}
}

// applyPatch merges frontmatter keys into cur and replaces the content when
// the patch has any.
func applyPatch(cur, p Document) Document {
	out := cur.Clone()
	if out.Frontmatter == nil {
		out.Frontmatter = document.Frontmatter{}
	}
	if p.Content != "" {
		out.Content = p.Content
	}
	for k, v := range p.Frontmatter.Clone() {
		out.Frontmatter[k] = v
	}
	return out
}

// stamp sets created_at (kept from the previous version when present) and
// last_modified.
func stamp(doc *Document, prev *docstore.Record, now time.Time) {
	if doc.Frontmatter == nil {
		doc.Frontmatter = document.Frontmatter{}
	}
	if _, ok := doc.Frontmatter[document.KeyCreatedAt]; !ok {
		created := now.Format(time.RFC3339Nano)
		if prev != nil {
			if t, ok := prev.Frontmatter.Time(document.KeyCreatedAt); ok {
				created = t.UTC().Format(time.RFC3339Nano)
			}
		}
		doc.Frontmatter[document.KeyCreatedAt] = created
	}
	doc.Frontmatter[document.KeyLastModified] = now.Format(time.RFC3339Nano)
}

func currentHash(rec *docstore.Record) string {
	if rec == nil {
		return ""
	}
	return rec.ContentHash
}
