package bustools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/membus/internal/docstore"
	"github.com/HendryAvila/membus/internal/embed"
	"github.com/HendryAvila/membus/internal/membus"
	"github.com/HendryAvila/membus/internal/syncq"
	"github.com/HendryAvila/membus/internal/vectorindex"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

// newTestBus creates a bus over a temp-dir document store and an in-memory
// vector index. opts adjust the bus configuration.
func newTestBus(t *testing.T, opts ...func(*membus.Config)) *membus.Bus {
	t.Helper()
	store, err := docstore.New(docstore.Config{
		Path:             filepath.Join(t.TempDir(), "documents.db"),
		Vault:            "test",
		MaxSearchResults: 50,
		RevisionLimit:    4,
	})
	if err != nil {
		t.Fatalf("failed to create document store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	index, err := vectorindex.Open(vectorindex.Config{URL: "mem://", Collection: "test", Dimensions: 16})
	if err != nil {
		t.Fatalf("failed to open vector index: %v", err)
	}

	cfg := membus.Config{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  5 * time.Second,
		Queue:        syncq.Config{Workers: 1, JobTimeout: 5 * time.Second},
	}
	for _, o := range opts {
		o(&cfg)
	}
	bus, err := membus.New(cfg, store, index, embed.NewHash(16))
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Close(ctx)
	})
	return bus
}

// makeReq builds a mcp.CallToolRequest with the given arguments.
func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// resultText extracts the text content from a tool result.
func resultText(r *mcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func call(t *testing.T, handle func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	res, err := handle(context.Background(), makeReq(args))
	if err != nil {
		t.Fatalf("handler returned Go error: %v", err)
	}
	return res
}

func save(t *testing.T, bus *membus.Bus, path, content string) {
	t.Helper()
	res := call(t, NewWriteTool(bus).Handle, map[string]interface{}{"path": path, "content": content})
	if res.IsError {
		t.Fatalf("write %s failed: %s", path, resultText(res))
	}
}

func synced(t *testing.T, bus *membus.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.WaitSynced(ctx); err != nil {
		t.Fatalf("WaitSynced: %v", err)
	}
}

// ─── Definitions ─────────────────────────────────────────────────────────────

func TestDefinitions(t *testing.T) {
	bus := newTestBus(t)
	tests := []struct {
		def      mcp.Tool
		name     string
		required []string
	}{
		{NewWriteTool(bus).Definition(), "membus_write", []string{"path"}},
		{NewDeleteTool(bus).Definition(), "membus_delete", []string{"path"}},
		{NewReadTool(bus).Definition(), "membus_read", nil},
		{NewStatsTool(bus).Definition(), "membus_stats", nil},
		{NewCheckTool(bus).Definition(), "membus_check", nil},
		{NewRebuildTool(bus).Definition(), "membus_rebuild", nil},
		{NewIncidentsTool(bus).Definition(), "membus_incidents", nil},
		{NewDeadLettersTool(bus).Definition(), "membus_dead_letters", nil},
	}
	for _, tt := range tests {
		if tt.def.Name != tt.name {
			t.Errorf("tool name = %q, want %q", tt.def.Name, tt.name)
		}
		for _, r := range tt.required {
			found := false
			for _, got := range tt.def.InputSchema.Required {
				if got == r {
					found = true
				}
			}
			if !found {
				t.Errorf("%s: %q should be required", tt.name, r)
			}
		}
	}
}

// ─── WriteTool ───────────────────────────────────────────────────────────────

func TestWriteTool_ReturnsWriteResult(t *testing.T) {
	bus := newTestBus(t)
	res := call(t, NewWriteTool(bus).Handle, map[string]interface{}{
		"path":        "notes/auth.md",
		"content":     "JWT middleware",
		"frontmatter": map[string]interface{}{"title": "Auth", "tags": []interface{}{"security"}},
		"agent_id":    "agent-7",
	})
	if res.IsError {
		t.Fatalf("unexpected error: %s", resultText(res))
	}

	var out membus.WriteResult
	if err := json.Unmarshal([]byte(resultText(res)), &out); err != nil {
		t.Fatalf("result is not a write result: %v", err)
	}
	if out.Status != membus.StatusSuccess {
		t.Errorf("status = %s, want success", out.Status)
	}
	if out.WriteID == "" || out.ContentHash == "" {
		t.Errorf("write_id and content_hash should be set: %+v", out)
	}
	if out.Path != "notes/auth.md" {
		t.Errorf("path = %s", out.Path)
	}
}

func TestWriteTool_Validation(t *testing.T) {
	bus := newTestBus(t)
	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"missing path", map[string]interface{}{"content": "x"}, "validation_error"},
		{"missing content", map[string]interface{}{"path": "a.md"}, "validation_error"},
		{"delete rejected", map[string]interface{}{"path": "a.md", "operation": "delete"}, "membus_delete"},
		{"bad submitted_at", map[string]interface{}{"path": "a.md", "content": "x", "submitted_at": "yesterday"}, "RFC3339"},
		{"escaping path", map[string]interface{}{"path": "../etc/passwd", "content": "x"}, "path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(t, NewWriteTool(bus).Handle, tt.args)
			if !res.IsError {
				t.Fatalf("expected error result, got: %s", resultText(res))
			}
			if !strings.Contains(resultText(res), tt.want) {
				t.Errorf("error = %q, want mention of %q", resultText(res), tt.want)
			}
		})
	}
}

func TestWriteTool_UpdatePatchesFrontmatter(t *testing.T) {
	bus := newTestBus(t)
	save(t, bus, "a.md", "body")

	res := call(t, NewWriteTool(bus).Handle, map[string]interface{}{
		"path":        "a.md",
		"operation":   "update",
		"frontmatter": map[string]interface{}{"status": "final"},
	})
	if res.IsError {
		t.Fatalf("update failed: %s", resultText(res))
	}

	read := call(t, NewReadTool(bus).Handle, map[string]interface{}{"exact_path": "a.md", "format": "json"})
	var out membus.ReadResult
	if err := json.Unmarshal([]byte(resultText(read)), &out); err != nil {
		t.Fatalf("decode read: %v", err)
	}
	if len(out.Matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(out.Matches))
	}
	if out.Matches[0].Content != "body" {
		t.Errorf("content = %q, want body", out.Matches[0].Content)
	}
	if out.Matches[0].Frontmatter.String("status") != "final" {
		t.Errorf("status frontmatter not applied: %v", out.Matches[0].Frontmatter)
	}
}

func TestWriteTool_AbortConflictReportsBothHashes(t *testing.T) {
	bus := newTestBus(t)
	save(t, bus, "a.md", "v1")

	res := call(t, NewWriteTool(bus).Handle, map[string]interface{}{
		"path":                "a.md",
		"content":             "v2",
		"conflict_resolution": "abort",
		"base_hash":           "stale-hash",
	})
	if !res.IsError {
		t.Fatalf("expected conflict, got: %s", resultText(res))
	}
	text := resultText(res)
	if !strings.HasPrefix(text, "conflict:") {
		t.Errorf("error should start with the code, got: %s", text)
	}
	if !strings.Contains(text, "current_hash") {
		t.Errorf("conflict should include the write result, got: %s", text)
	}
}

// ─── DeleteTool ──────────────────────────────────────────────────────────────

func writeID(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	var out struct {
		WriteID string `json:"write_id"`
	}
	if err := json.Unmarshal([]byte(resultText(res)), &out); err != nil {
		t.Fatalf("result is not JSON: %v\n%s", err, resultText(res))
	}
	return out.WriteID
}

func TestDeleteTool(t *testing.T) {
	bus := newTestBus(t)
	save(t, bus, "gone.md", "bye")

	res := call(t, NewDeleteTool(bus).Handle, map[string]interface{}{"path": "gone.md"})
	if res.IsError {
		t.Fatalf("delete failed: %s", resultText(res))
	}

	// A repeat inside the dedupe window is the same delete.
	again := call(t, NewDeleteTool(bus).Handle, map[string]interface{}{"path": "gone.md"})
	if again.IsError {
		t.Fatalf("repeated delete should replay, got: %s", resultText(again))
	}
	if writeID(t, again) != writeID(t, res) {
		t.Errorf("repeated delete should return the first write_id")
	}

	never := call(t, NewDeleteTool(bus).Handle, map[string]interface{}{"path": "never.md"})
	if !never.IsError || !strings.Contains(resultText(never), "not_found") {
		t.Errorf("deleting a missing note should be not_found, got: %s", resultText(never))
	}

	missing := call(t, NewDeleteTool(bus).Handle, map[string]interface{}{})
	if !missing.IsError {
		t.Error("delete without path should fail")
	}
}

func TestDeleteTool_SecondDeleteAfterWindow(t *testing.T) {
	bus := newTestBus(t, func(c *membus.Config) { c.DedupeWindow = time.Nanosecond })
	save(t, bus, "gone.md", "bye")

	if res := call(t, NewDeleteTool(bus).Handle, map[string]interface{}{"path": "gone.md"}); res.IsError {
		t.Fatalf("delete failed: %s", resultText(res))
	}
	time.Sleep(time.Millisecond)

	again := call(t, NewDeleteTool(bus).Handle, map[string]interface{}{"path": "gone.md"})
	if !again.IsError || !strings.Contains(resultText(again), "not_found") {
		t.Errorf("second delete should be not_found, got: %s", resultText(again))
	}
}

// ─── ReadTool ────────────────────────────────────────────────────────────────

func TestReadTool_ExactPath(t *testing.T) {
	bus := newTestBus(t)
	save(t, bus, "notes/a.md", "alpha content")

	res := call(t, NewReadTool(bus).Handle, map[string]interface{}{"exact_path": "notes/a.md"})
	if res.IsError {
		t.Fatalf("read failed: %s", resultText(res))
	}
	text := resultText(res)
	if !strings.Contains(text, "level: exact") {
		t.Errorf("expected exact level, got: %s", text)
	}
	if !strings.Contains(text, "alpha content") {
		t.Errorf("standard detail should include a snippet, got: %s", text)
	}
}

func TestReadTool_KeywordShorthandEscalates(t *testing.T) {
	bus := newTestBus(t)
	save(t, bus, "db.md", "postgres connection pooling")
	save(t, bus, "ui.md", "button colors")

	res := call(t, NewReadTool(bus).Handle, map[string]interface{}{
		"exact_path": "missing.md",
		"keywords":   "postgres pooling",
		"format":     "json",
	})
	var out membus.ReadResult
	if err := json.Unmarshal([]byte(resultText(res)), &out); err != nil {
		t.Fatalf("decode: %v (%s)", err, resultText(res))
	}
	if out.SourceLevel != membus.LevelKeyword {
		t.Errorf("source level = %d, want keyword", out.SourceLevel)
	}
	if out.Escalations != 1 {
		t.Errorf("escalations = %d, want 1", out.Escalations)
	}
	if len(out.Matches) != 1 || out.Matches[0].Path != "db.md" {
		t.Errorf("matches = %+v, want db.md only", out.Matches)
	}
}

func TestReadTool_SemanticQuery(t *testing.T) {
	bus := newTestBus(t)
	save(t, bus, "cats.md", "cats purr and sleep")
	synced(t, bus)

	res := call(t, NewReadTool(bus).Handle, map[string]interface{}{"query": "cats sleep", "detail_level": "summary"})
	text := resultText(res)
	if !strings.Contains(text, "cats.md") || !strings.Contains(text, "similarity") {
		t.Errorf("expected semantic match with similarity, got: %s", text)
	}
	if !strings.Contains(text, "detail_level") {
		t.Errorf("summary mode should end with the footer, got: %s", text)
	}
	if strings.Contains(text, "purr") {
		t.Errorf("summary mode should omit content, got: %s", text)
	}
}

func TestReadTool_NoClauses(t *testing.T) {
	bus := newTestBus(t)
	res := call(t, NewReadTool(bus).Handle, map[string]interface{}{})
	if !res.IsError || !strings.Contains(resultText(res), "validation_error") {
		t.Errorf("empty read should be a validation error, got: %s", resultText(res))
	}
}

func TestReadTool_NothingFound(t *testing.T) {
	bus := newTestBus(t)
	res := call(t, NewReadTool(bus).Handle, map[string]interface{}{"exact_path": "nope.md"})
	if res.IsError {
		t.Fatalf("a miss is not an error: %s", resultText(res))
	}
	if !strings.Contains(resultText(res), "No notes found") {
		t.Errorf("got: %s", resultText(res))
	}
}

// ─── Admin tools ─────────────────────────────────────────────────────────────

func TestStatsTool(t *testing.T) {
	bus := newTestBus(t)
	save(t, bus, "a.md", "x")
	synced(t, bus)

	text := resultText(call(t, NewStatsTool(bus).Handle, map[string]interface{}{}))
	for _, want := range []string{"Memory Bus Statistics", "**Documents**: 1 (0 archived, 1 revisions)", "**Store size**", "1 audit entries", "**Writes**: 1", "Sync queue"} {
		if !strings.Contains(text, want) {
			t.Errorf("stats missing %q:\n%s", want, text)
		}
	}

	raw := resultText(call(t, NewStatsTool(bus).Handle, map[string]interface{}{"format": "json"}))
	var s membus.Stats
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("json stats: %v", err)
	}
	if s.Documents != 1 {
		t.Errorf("documents = %d, want 1", s.Documents)
	}
	if s.Store.Revisions != 1 || s.Store.SizeBytes <= 0 {
		t.Errorf("store stats = %+v", s.Store)
	}
}

func TestCheckTool_ConsistentAfterSync(t *testing.T) {
	bus := newTestBus(t)
	save(t, bus, "a.md", "x")
	save(t, bus, "b.md", "y")
	synced(t, bus)

	text := resultText(call(t, NewCheckTool(bus).Handle, map[string]interface{}{"dry_run": true}))
	if !strings.Contains(text, "consistent") {
		t.Errorf("expected consistent verdict, got: %s", text)
	}
}

func TestRebuildAndIncidentsTools(t *testing.T) {
	bus := newTestBus(t)
	incidents := NewIncidentsTool(bus)

	if text := resultText(call(t, incidents.Handle, map[string]interface{}{})); !strings.Contains(text, "No incidents") {
		t.Errorf("expected no incidents, got: %s", text)
	}

	save(t, bus, "a.md", "x")
	synced(t, bus)
	res := call(t, NewRebuildTool(bus).Handle, map[string]interface{}{})
	if res.IsError {
		t.Fatalf("rebuild failed: %s", resultText(res))
	}
	if !strings.Contains(resultText(res), "completed") {
		t.Errorf("rebuild should complete, got: %s", resultText(res))
	}

	text := resultText(call(t, incidents.Handle, map[string]interface{}{"limit": float64(5)}))
	if !strings.Contains(text, "1 incidents") || !strings.Contains(text, "[rebuild]") {
		t.Errorf("expected the rebuild incident, got: %s", text)
	}

	cancel := resultText(call(t, NewRebuildTool(bus).Handle, map[string]interface{}{"cancel": true}))
	if !strings.Contains(cancel, "No rebuild is running") {
		t.Errorf("got: %s", cancel)
	}
}

func TestDeadLettersTool(t *testing.T) {
	bus := newTestBus(t)
	tool := NewDeadLettersTool(bus)

	if text := resultText(call(t, tool.Handle, map[string]interface{}{})); text != "No dead letters." {
		t.Errorf("got: %s", text)
	}
	res := call(t, tool.Handle, map[string]interface{}{"requeue": "no-such-job"})
	if !res.IsError || !strings.Contains(resultText(res), "not_found") {
		t.Errorf("requeue of unknown job should be not_found, got: %s", resultText(res))
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func TestParseDetailLevel(t *testing.T) {
	tests := map[string]string{"": DetailStandard, "summary": DetailSummary, "full": DetailFull, "bogus": DetailStandard}
	for in, want := range tests {
		if got := ParseDetailLevel(in); got != want {
			t.Errorf("ParseDetailLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	got := truncate("ñññ", 3)
	if got != "ñ..." {
		t.Errorf("truncate = %q, want %q", got, "ñ...")
	}
	if truncate("short", 10) != "short" {
		t.Error("short strings must be unchanged")
	}
}
