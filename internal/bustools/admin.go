package bustools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/membus/internal/consistency"
	"github.com/HendryAvila/membus/internal/membus"
)

// StatsTool handles the membus_stats MCP tool.
type StatsTool struct {
	bus *membus.Bus
}

// NewStatsTool creates a StatsTool.
func NewStatsTool(bus *membus.Bus) *StatsTool {
	return &StatsTool{bus: bus}
}

// Definition returns the MCP tool definition for membus_stats.
func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("membus_stats",
		mcp.WithDescription("Show memory bus statistics: traffic, cascade levels, cache, sync queue and consistency."),
		mcp.WithString("format",
			mcp.Description("'text' (default) or 'json'"),
			mcp.Enum("text", "json"),
		),
	)
}

// Handle processes the membus_stats tool call.
func (t *StatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := t.bus.Stats(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	if req.GetString("format", "") == "json" {
		return jsonResult(stats), nil
	}
	return mcp.NewToolResultText(FormatStats(stats)), nil
}

// FormatStats renders stats as Markdown.
func FormatStats(s *membus.Stats) string {
	var sb strings.Builder
	sb.WriteString("## Memory Bus Statistics\n\n")
	fmt.Fprintf(&sb, "- **Documents**: %s (%d archived, %s revisions)\n",
		humanize.Comma(int64(s.Documents)), s.Store.Archived, humanize.Comma(int64(s.Store.Revisions)))
	fmt.Fprintf(&sb, "- **Store size**: %s (%s audit entries, %d incidents)\n",
		humanize.IBytes(uint64(max(s.Store.SizeBytes, 0))), humanize.Comma(int64(s.Store.AuditRows)), s.Store.Incidents)
	fmt.Fprintf(&sb, "- **Vectors**: %s\n", humanize.Comma(int64(s.Vectors)))
	fmt.Fprintf(&sb, "- **Writes**: %s (dedupe hits: %s)\n",
		humanize.Comma(int64(s.Writes)), humanize.Comma(int64(s.DedupeHits)))
	fmt.Fprintf(&sb, "- **Reads**: %s (exact %d, keyword %d, semantic %d)\n",
		humanize.Comma(int64(s.Reads)),
		s.ReadsByLevel["exact"], s.ReadsByLevel["keyword"], s.ReadsByLevel["semantic"])
	fmt.Fprintf(&sb, "- **Escalations**: %s\n", humanize.Comma(int64(s.Escalations)))
	fmt.Fprintf(&sb, "- **Cache hit ratio**: %.1f%%\n", s.CacheHitRatio*100)

	q := s.Queue
	sb.WriteString("\n### Sync queue\n\n")
	fmt.Fprintf(&sb, "- **Depth**: %d (in flight %d)\n", q.Depth, q.InFlight)
	fmt.Fprintf(&sb, "- **Memory**: %s\n", humanize.IBytes(uint64(max(q.MemoryBytes, 0))))
	fmt.Fprintf(&sb, "- **Spilled**: %d jobs, %s\n", q.SpillJobs, humanize.IBytes(uint64(max(q.SpillBytes, 0))))
	fmt.Fprintf(&sb, "- **Processed**: %s\n", humanize.Comma(int64(q.Processed)))
	fmt.Fprintf(&sb, "- **Dead letters**: %d\n", q.DeadLetters)
	fmt.Fprintf(&sb, "- **Lag p95**: %s\n", q.LagP95.Round(time.Millisecond))
	if q.Saturated {
		sb.WriteString("- **Backpressure**: active\n")
	}
	if q.Paused {
		sb.WriteString("- **Paused**: rebuild in progress\n")
	}

	sb.WriteString("\n### Consistency\n\n")
	fmt.Fprintf(&sb, "- **Failure streak**: %d\n", s.FailureStreak)
	if s.LastCheck != nil {
		fmt.Fprintf(&sb, "- **Last check**: %s, %s\n", humanize.Time(s.LastCheck.CheckedAt), checkVerdict(s.LastCheck))
	} else {
		sb.WriteString("- **Last check**: never\n")
	}
	return sb.String()
}

func checkVerdict(s *consistency.Snapshot) string {
	if !s.Desynced {
		return "consistent"
	}
	return fmt.Sprintf("desynced (%d affected, %d consecutive)", s.Affected, s.ConsecutiveDesynced)
}

// ─── CheckTool ──────────────────────────────────────────────────────────────

// CheckTool handles the membus_check MCP tool.
type CheckTool struct {
	bus *membus.Bus
}

// NewCheckTool creates a CheckTool.
func NewCheckTool(bus *membus.Bus) *CheckTool {
	return &CheckTool{bus: bus}
}

// Definition returns the MCP tool definition for membus_check.
func (t *CheckTool) Definition() mcp.Tool {
	return mcp.NewTool("membus_check",
		mcp.WithDescription(
			"Compare the document store with the vector index now. Repeated divergence triggers an automatic rebuild.",
		),
		mcp.WithBoolean("dry_run",
			mcp.Description("Inspect only: do not count toward the automatic rebuild threshold"),
		),
	)
}

// Handle processes the membus_check tool call.
func (t *CheckTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	check := t.bus.Check
	if boolArg(req, "dry_run", false) {
		check = t.bus.Inspect
	}
	snap, err := check(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(FormatSnapshot(snap)), nil
}

const listLimit = 10

// FormatSnapshot renders a consistency snapshot as Markdown.
func FormatSnapshot(s *consistency.Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Consistency check (%s)\n\n", s.Backend)
	fmt.Fprintf(&sb, "- **Verdict**: %s\n", checkVerdict(s))
	fmt.Fprintf(&sb, "- **Documents**: %d | **Vectors**: %d | **Sampled**: %d\n", s.Documents, s.Vectors, s.Sampled)
	if s.PendingSkipped > 0 {
		fmt.Fprintf(&sb, "- **Pending sync (skipped)**: %d\n", s.PendingSkipped)
	}
	fmt.Fprintf(&sb, "- **Lag p95**: %.0fms", s.LagP95MS)
	if s.LagExceeded {
		sb.WriteString(" (over threshold)")
	}
	sb.WriteString("\n")
	if s.DesyncDurationMS > 0 {
		fmt.Fprintf(&sb, "- **Desynced for**: %s\n", time.Duration(s.DesyncDurationMS)*time.Millisecond)
	}
	writeIDs(&sb, "Missing", s.Missing)
	writeIDs(&sb, "Stale", s.Stale)
	writeIDs(&sb, "Orphaned", s.Orphaned)
	if s.Rebuild != nil {
		fmt.Fprintf(&sb, "\nRebuild %s: %s\n", s.Rebuild.ID, s.Rebuild.Status)
	}
	return sb.String()
}

func writeIDs(sb *strings.Builder, label string, ids []string) {
	if len(ids) == 0 {
		return
	}
	shown := ids
	if len(shown) > listLimit {
		shown = shown[:listLimit]
	}
	fmt.Fprintf(sb, "- **%s** (%d): %s", label, len(ids), strings.Join(shown, ", "))
	if len(ids) > len(shown) {
		fmt.Fprintf(sb, ", ... %d more", len(ids)-len(shown))
	}
	sb.WriteString("\n")
}

// ─── RebuildTool ────────────────────────────────────────────────────────────

// RebuildTool handles the membus_rebuild MCP tool.
type RebuildTool struct {
	bus *membus.Bus
}

// NewRebuildTool creates a RebuildTool.
func NewRebuildTool(bus *membus.Bus) *RebuildTool {
	return &RebuildTool{bus: bus}
}

// Definition returns the MCP tool definition for membus_rebuild.
func (t *RebuildTool) Definition() mcp.Tool {
	return mcp.NewTool("membus_rebuild",
		mcp.WithDescription(
			"Re-embed every document into a fresh vector collection and swap it in. "+
				"Reads keep using the old index until the swap. Pass cancel=true to stop a running rebuild.",
		),
		mcp.WithBoolean("cancel",
			mcp.Description("Cancel the rebuild in progress instead of starting one"),
		),
	)
}

// Handle processes the membus_rebuild tool call.
func (t *RebuildTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if boolArg(req, "cancel", false) {
		if t.bus.CancelRebuild() {
			return mcp.NewToolResultText("Rebuild cancellation requested."), nil
		}
		return mcp.NewToolResultText("No rebuild is running."), nil
	}
	inc, err := t.bus.Rebuild(ctx)
	if err != nil && inc == nil {
		return errorResult(err), nil
	}
	text := FormatIncident(inc)
	if err != nil {
		return mcp.NewToolResultError(text + "\n" + membus.AsError(err).Message), nil
	}
	return mcp.NewToolResultText(text), nil
}

// FormatIncident renders one incident on a single line plus its error.
func FormatIncident(inc *consistency.Incident) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s] %s", inc.ID, inc.Kind, inc.Status)
	if inc.Trigger != "" {
		fmt.Fprintf(&sb, " (trigger: %s)", inc.Trigger)
	}
	fmt.Fprintf(&sb, " started %s, took %s", humanize.Time(inc.StartedAt),
		(time.Duration(inc.DurationMS) * time.Millisecond).String())
	if inc.Documents > 0 {
		fmt.Fprintf(&sb, ", indexed %d/%d", inc.Indexed, inc.Documents)
	}
	if inc.FailureStreak > 0 {
		fmt.Fprintf(&sb, ", failure streak %d", inc.FailureStreak)
	}
	if inc.Error != "" {
		fmt.Fprintf(&sb, "\n    error: %s", inc.Error)
	}
	return sb.String()
}

// ─── IncidentsTool ──────────────────────────────────────────────────────────

// IncidentsTool handles the membus_incidents MCP tool.
type IncidentsTool struct {
	bus *membus.Bus
}

// NewIncidentsTool creates an IncidentsTool.
func NewIncidentsTool(bus *membus.Bus) *IncidentsTool {
	return &IncidentsTool{bus: bus}
}

// Definition returns the MCP tool definition for membus_incidents.
func (t *IncidentsTool) Definition() mcp.Tool {
	return mcp.NewTool("membus_incidents",
		mcp.WithDescription("List recent rebuild and governance-alert incidents, newest first."),
		mcp.WithNumber("limit",
			mcp.Description("Max incidents (default: 10)"),
		),
	)
}

// Handle processes the membus_incidents tool call.
func (t *IncidentsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	incs, err := t.bus.Incidents(ctx, intArg(req, "limit", 10))
	if err != nil {
		return errorResult(err), nil
	}
	if len(incs) == 0 {
		return mcp.NewToolResultText("No incidents recorded."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d incidents:\n\n", len(incs))
	for i := range incs {
		sb.WriteString(FormatIncident(&incs[i]))
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// ─── DeadLettersTool ────────────────────────────────────────────────────────

// DeadLettersTool handles the membus_dead_letters MCP tool.
type DeadLettersTool struct {
	bus *membus.Bus
}

// NewDeadLettersTool creates a DeadLettersTool.
func NewDeadLettersTool(bus *membus.Bus) *DeadLettersTool {
	return &DeadLettersTool{bus: bus}
}

// Definition returns the MCP tool definition for membus_dead_letters.
func (t *DeadLettersTool) Definition() mcp.Tool {
	return mcp.NewTool("membus_dead_letters",
		mcp.WithDescription(
			"List sync jobs that failed every attempt, or requeue one by job_id.",
		),
		mcp.WithString("requeue",
			mcp.Description("Job id to put back on the sync queue"),
		),
	)
}

// Handle processes the membus_dead_letters tool call.
func (t *DeadLettersTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetString("requeue", ""); id != "" {
		if err := t.bus.RequeueDeadLetter(id); err != nil {
			return errorResult(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Requeued %s.", id)), nil
	}

	dead := t.bus.DeadLetters()
	if len(dead) == 0 {
		return mcp.NewToolResultText("No dead letters."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d dead letters:\n\n", len(dead))
	for _, d := range dead {
		fmt.Fprintf(&sb, "%s %s %s (attempts %d, failed %s)\n    %s\n",
			d.Job.ID, d.Job.Op, d.Job.ContentID, d.Job.AttemptCount, humanize.Time(d.FailedAt), d.Error)
	}
	return mcp.NewToolResultText(sb.String()), nil
}
