package bustools

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/membus/internal/membus"
)

// WriteTool handles the membus_write MCP tool.
type WriteTool struct {
	bus *membus.Bus
}

// NewWriteTool creates a WriteTool.
func NewWriteTool(bus *membus.Bus) *WriteTool {
	return &WriteTool{bus: bus}
}

// Definition returns the MCP tool definition for membus_write.
func (t *WriteTool) Definition() mcp.Tool {
	return mcp.NewTool("membus_write",
		mcp.WithDescription(
			"Create, replace or patch a note in shared memory. The document store is updated before this returns; "+
				"the semantic index catches up asynchronously (see sync_pending and estimated_sync_completion).",
		),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Vault-relative note path, e.g. 'projects/auth.md'"),
		),
		mcp.WithString("content",
			mcp.Description("Markdown body. Required for operation=write; optional for update"),
		),
		mcp.WithObject("frontmatter",
			mcp.Description("YAML frontmatter keys (title, tags, hebbian_weights, archived, ...). Update merges keys into the existing note"),
		),
		mcp.WithString("operation",
			mcp.Description("write (default) replaces the note; update patches it"),
			mcp.Enum(string(membus.OpWrite), string(membus.OpUpdate)),
		),
		mcp.WithString("agent_id",
			mcp.Description("Identifier of the calling agent, recorded in the audit log"),
		),
		mcp.WithString("conflict_resolution",
			mcp.Description("Policy against concurrent writers of the same path (default last_write_wins)"),
			mcp.Enum(string(membus.LastWriteWins), string(membus.Abort), string(membus.Merge)),
		),
		mcp.WithString("base_hash",
			mcp.Description("content_hash of the version you edited; enables merge and abort against later changes"),
		),
		mcp.WithString("submitted_at",
			mcp.Description("RFC3339 submission time used to order last_write_wins (default: now)"),
		),
	)
}

type writeArgs struct {
	Operation          membus.Operation  `json:"operation"`
	Path               string            `json:"path"`
	Content            string            `json:"content"`
	Frontmatter        map[string]any    `json:"frontmatter"`
	AgentID            string            `json:"agent_id"`
	ConflictResolution membus.Resolution `json:"conflict_resolution"`
	BaseHash           string            `json:"base_hash"`
	SubmittedAt        string            `json:"submitted_at"`
}

// Handle processes the membus_write tool call.
func (t *WriteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args writeArgs
	if err := bindArgs(req, &args); err != nil {
		return argError("malformed arguments: " + err.Error()), nil
	}
	if args.Operation == "" {
		args.Operation = membus.OpWrite
	}
	if args.Operation == membus.OpDelete {
		return argError("use membus_delete to delete notes"), nil
	}

	wreq := membus.WriteRequest{
		Operation: args.Operation,
		Document: membus.Document{
			Path:        args.Path,
			Content:     args.Content,
			Frontmatter: args.Frontmatter,
		},
		AgentID:  args.AgentID,
		BaseHash: args.BaseHash,
		Metadata: membus.WriteMetadata{ConflictResolution: args.ConflictResolution},
	}
	if args.SubmittedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, args.SubmittedAt)
		if err != nil {
			return argError("submitted_at must be RFC3339"), nil
		}
		wreq.SubmittedAt = ts
	}

	res, err := t.bus.Write(ctx, wreq)
	if err != nil {
		return conflictResult(err, res), nil
	}
	return jsonResult(res), nil
}

// ─── DeleteTool ─────────────────────────────────────────────────────────────

// DeleteTool handles the membus_delete MCP tool.
type DeleteTool struct {
	bus *membus.Bus
}

// NewDeleteTool creates a DeleteTool.
func NewDeleteTool(bus *membus.Bus) *DeleteTool {
	return &DeleteTool{bus: bus}
}

// Definition returns the MCP tool definition for membus_delete.
func (t *DeleteTool) Definition() mcp.Tool {
	return mcp.NewTool("membus_delete",
		mcp.WithDescription("Delete a note from shared memory. The vector index entry is removed asynchronously."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Vault-relative note path"),
		),
		mcp.WithString("agent_id",
			mcp.Description("Identifier of the calling agent, recorded in the audit log"),
		),
	)
}

// Handle processes the membus_delete tool call.
func (t *DeleteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")
	if path == "" {
		return argError("'path' is required"), nil
	}
	res, err := t.bus.Write(ctx, membus.WriteRequest{
		Operation: membus.OpDelete,
		Document:  membus.Document{Path: path},
		AgentID:   req.GetString("agent_id", ""),
	})
	if err != nil {
		return conflictResult(err, res), nil
	}
	return jsonResult(res), nil
}
