package consistency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/HendryAvila/membus/internal/docstore"
)

// Incident kinds.
const (
	KindRebuild         = "rebuild"
	KindGovernanceAlert = "governance_alert"
)

// Incident statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
	StatusOpen      = "open"
)

const recentIncidents = 50

// Incident is a structured record of a rebuild or governance alert.
type Incident struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	Trigger    string     `json:"trigger,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	Documents  int        `json:"documents,omitempty"`
	Indexed    int        `json:"indexed,omitempty"`
	Snapshot   *Snapshot  `json:"snapshot,omitempty"`

	FailureStreak int    `json:"failure_streak,omitempty"`
	ContentID     string `json:"content_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// record keeps the incident in memory and persists it. Persistence errors
// are logged; an incident must never fail the operation it describes.
func (m *Monitor) record(ctx context.Context, inc *Incident) {
	cp := *inc
	if inc.Snapshot != nil {
		snap := *inc.Snapshot
		snap.Rebuild = nil
		cp.Snapshot = &snap
	}

	m.mu.Lock()
	replaced := false
	for i := range m.recent {
		if m.recent[i].ID == cp.ID {
			m.recent[i] = cp
			replaced = true
			break
		}
	}
	if !replaced {
		m.recent = append(m.recent, cp)
		if len(m.recent) > recentIncidents {
			m.recent = m.recent[len(m.recent)-recentIncidents:]
		}
	}
	m.mu.Unlock()

	if inc.Status != StatusRunning {
		m.metrics.RecordIncident(ctx, inc.Kind)
	}
	if m.incidents == nil {
		return
	}
	detail, err := json.Marshal(cp)
	if err != nil {
		m.logger.Error("encode incident", "incident", inc.ID, "error", err)
		return
	}
	row := docstore.IncidentRow{
		ID:         cp.ID,
		Kind:       cp.Kind,
		Status:     cp.Status,
		StartedAt:  cp.StartedAt,
		FinishedAt: cp.FinishedAt,
		Detail:     detail,
	}
	if err := m.incidents.PutIncident(context.WithoutCancel(ctx), row); err != nil {
		m.logger.Error("persist incident", "incident", inc.ID, "error", err)
	}
}

// Incidents returns recent incidents, newest first.
func (m *Monitor) Incidents(ctx context.Context, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 20
	}
	if m.incidents != nil {
		rows, err := m.incidents.RecentIncidents(ctx, limit)
		if err != nil {
			return nil, err
		}
		out := make([]Incident, 0, len(rows))
		for _, row := range rows {
			var inc Incident
			if err := json.Unmarshal(row.Detail, &inc); err != nil || inc.ID == "" {
				inc = Incident{ID: row.ID, Kind: row.Kind, StartedAt: row.StartedAt, FinishedAt: row.FinishedAt}
			}
			inc.Status = row.Status
			out = append(out, inc)
		}
		return out, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Incident, 0, limit)
	for i := len(m.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.recent[i])
	}
	return out, nil
}

// ─── Governance ──────────────────────────────────────────────────────────────

// RecordFailure extends the sync failure streak. Every AlertThreshold
// consecutive failures raise a governance alert incident.
func (m *Monitor) RecordFailure(ctx context.Context, contentID, reason string) {
	m.mu.Lock()
	m.streak++
	streak := m.streak
	m.mu.Unlock()

	m.logger.Warn("sync failure", "content_id", contentID, "streak", streak, "reason", reason)
	if streak%m.cfg.AlertThreshold != 0 {
		return
	}
	now := time.Now().UTC()
	inc := &Incident{
		ID:            uuid.NewString(),
		Kind:          KindGovernanceAlert,
		Status:        StatusOpen,
		StartedAt:     now,
		FinishedAt:    &now,
		FailureStreak: streak,
		ContentID:     contentID,
		Error:         reason,
	}
	m.record(ctx, inc)
	m.logger.Error("governance alert: sync failure streak", "incident", inc.ID, "streak", streak)
}

// RecordSuccess resets the failure streak.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streak > 0 {
		m.logger.Info("sync failure streak reset", "previous", m.streak)
	}
	m.streak = 0
}

// FailureStreak returns the current streak of consecutive sync failures.
func (m *Monitor) FailureStreak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streak
}
