package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry is one executed write operation.
type AuditEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Operation   string    `json:"operation"`
	Path        string    `json:"path"`
	AgentID     string    `json:"agent_id,omitempty"`
	Status      string    `json:"status"`
	LatencyMS   float64   `json:"latency_ms"`
	WriteID     string    `json:"write_id"`
	ContentHash string    `json:"content_hash,omitempty"`
}

// IncidentRow is a persisted incident. Detail carries the producer's own
// JSON payload.
type IncidentRow struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Detail     json.RawMessage `json:"detail"`
}

// ─── Audit log ───────────────────────────────────────────────────────────────

// AppendAudit records an executed write.
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.execHook(ctx, s.db,
		`INSERT INTO audit_log (vault, timestamp, operation, path, agent_id, status, latency_ms, write_id, content_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.cfg.Vault, formatTime(e.Timestamp), e.Operation, e.Path, e.AgentID, e.Status,
		e.LatencyMS, e.WriteID, e.ContentHash,
	)
	if err != nil {
		return classify(fmt.Errorf("docstore: append audit: %w", err))
	}
	return nil
}

// RecentAudit returns the newest audit entries first. An empty path returns
// entries for every path.
func (s *Store) RecentAudit(ctx context.Context, path string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT timestamp, operation, path, agent_id, status, latency_ms, write_id, content_hash
	      FROM audit_log WHERE vault = ?`
	args := []any{s.cfg.Vault}
	if path != "" {
		q += ` AND path = ?`
		args = append(args, path)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.queryHook(ctx, s.db, q, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("docstore: recent audit: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			ts string
		)
		if err := rows.Scan(&ts, &e.Operation, &e.Path, &e.AgentID, &e.Status, &e.LatencyMS, &e.WriteID, &e.ContentHash); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

// ─── Incidents ───────────────────────────────────────────────────────────────

// PutIncident inserts or updates an incident by ID.
func (s *Store) PutIncident(ctx context.Context, in IncidentRow) error {
	detail := in.Detail
	if len(detail) == 0 {
		detail = json.RawMessage("{}")
	}
	var finished any
	if in.FinishedAt != nil {
		finished = formatTime(*in.FinishedAt)
	}
	_, err := s.execHook(ctx, s.db,
		`INSERT INTO incidents (id, vault, kind, status, started_at, finished_at, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   finished_at = excluded.finished_at,
		   detail = excluded.detail`,
		in.ID, s.cfg.Vault, in.Kind, in.Status, formatTime(in.StartedAt), finished, string(detail),
	)
	if err != nil {
		return classify(fmt.Errorf("docstore: put incident %s: %w", in.ID, err))
	}
	return nil
}

// RecentIncidents returns the newest incidents first.
func (s *Store) RecentIncidents(ctx context.Context, limit int) ([]IncidentRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.queryHook(ctx, s.db,
		`SELECT id, kind, status, started_at, finished_at, detail
		 FROM incidents WHERE vault = ? ORDER BY started_at DESC LIMIT ?`,
		s.cfg.Vault, limit,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("docstore: recent incidents: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []IncidentRow
	for rows.Next() {
		var (
			in       IncidentRow
			started  string
			finished *string
			detail   string
		)
		if err := rows.Scan(&in.ID, &in.Kind, &in.Status, &started, &finished, &detail); err != nil {
			return nil, err
		}
		in.StartedAt = parseTime(started)
		if finished != nil {
			t := parseTime(*finished)
			in.FinishedAt = &t
		}
		in.Detail = json.RawMessage(detail)
		out = append(out, in)
	}
	return out, classify(rows.Err())
}
