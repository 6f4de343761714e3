package bustools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/membus/internal/membus"
)

// ReadTool handles the membus_read MCP tool.
type ReadTool struct {
	bus *membus.Bus
}

// NewReadTool creates a ReadTool.
func NewReadTool(bus *membus.Bus) *ReadTool {
	return &ReadTool{bus: bus}
}

// Definition returns the MCP tool definition for membus_read.
func (t *ReadTool) Definition() mcp.Tool {
	return mcp.NewTool("membus_read",
		mcp.WithDescription(
			"Retrieve notes from shared memory through a cascade: exact path, then keyword search, then semantic search. "+
				"The cheapest level that finds something answers; give several clauses to allow escalation.",
		),
		mcp.WithString("exact_path",
			mcp.Description("Level 1: vault-relative path of a note"),
		),
		mcp.WithString("keywords",
			mcp.Description("Level 2 shorthand: whitespace-separated terms, all of which must match"),
		),
		mcp.WithObject("keyword_search",
			mcp.Description("Level 2: {terms: [...], fields: [title|tags|content], match_mode: all|any, limit}"),
		),
		mcp.WithString("query",
			mcp.Description("Level 3 shorthand: natural-language text for semantic search"),
		),
		mcp.WithObject("semantic_search",
			mcp.Description("Level 3: {query_text, top_k, filters: {hebbian_weight_min, agent_id, tags, created_after, ...}}"),
		),
		mcp.WithString("query_type",
			mcp.Description("Level to start at (default: the lowest clause given)"),
			mcp.Enum(string(membus.QueryExact), string(membus.QueryKeyword), string(membus.QuerySemantic)),
		),
		mcp.WithBoolean("force_semantic",
			mcp.Description("Also append semantic matches when a lower level already answered"),
		),
		mcp.WithObject("metadata",
			mcp.Description("{use_cache: bool, timeout_ms: int, consistency_level: eventual|strong}"),
		),
		mcp.WithString("detail_level",
			mcp.Description(
				"'summary' (paths and scores only), 'standard' (default, 200-char snippets), 'full' (complete content and frontmatter)",
			),
			mcp.Enum(DetailLevelValues()...),
		),
		mcp.WithString("format",
			mcp.Description("'text' (default) or 'json' for the raw read result"),
			mcp.Enum("text", "json"),
		),
	)
}

type readArgs struct {
	membus.ReadRequest
	Keywords    string `json:"keywords"`
	Query       string `json:"query"`
	DetailLevel string `json:"detail_level"`
	Format      string `json:"format"`
}

// Handle processes the membus_read tool call.
func (t *ReadTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args readArgs
	if err := bindArgs(req, &args); err != nil {
		return argError("malformed arguments: " + err.Error()), nil
	}
	rreq := args.ReadRequest
	if rreq.KeywordSearch == nil && strings.TrimSpace(args.Keywords) != "" {
		rreq.KeywordSearch = &membus.KeywordSearch{Terms: strings.Fields(args.Keywords)}
	}
	if rreq.SemanticSearch == nil && strings.TrimSpace(args.Query) != "" {
		rreq.SemanticSearch = &membus.SemanticSearch{QueryText: args.Query}
	}

	res, err := t.bus.Read(ctx, rreq)
	if err != nil {
		return errorResult(err), nil
	}
	if args.Format == "json" {
		return jsonResult(res), nil
	}
	return mcp.NewToolResultText(formatRead(res, ParseDetailLevel(args.DetailLevel))), nil
}

var levelNames = map[int]string{
	membus.LevelExact:    "exact",
	membus.LevelKeyword:  "keyword",
	membus.LevelSemantic: "semantic",
}

func formatRead(res *membus.ReadResult, detail string) string {
	var b strings.Builder
	level := levelNames[res.SourceLevel]
	if level == "" {
		level = "none"
	}
	fmt.Fprintf(&b, "status: %s | level: %s | matches: %d | escalations: %d | %.1fms",
		res.Status, level, res.TotalMatches, res.Escalations, res.SearchLatencyMS)
	if res.CacheHit {
		b.WriteString(" | cached")
	}
	b.WriteString("\n")
	if res.Error != nil {
		fmt.Fprintf(&b, "warning: %s: %s\n", res.Error.Code, res.Error.Message)
	}
	if len(res.Matches) == 0 {
		b.WriteString("\nNo notes found.\n")
		return b.String()
	}
	b.WriteString("\n")

	for i, m := range res.Matches {
		fmt.Fprintf(&b, "[%d] %s (%s%s)\n", i+1, m.Path, levelNames[m.SourceLevel], score(m))
		switch detail {
		case DetailSummary:
		case DetailFull:
			if title := m.Frontmatter.String("title"); title != "" {
				fmt.Fprintf(&b, "    title: %s\n", title)
			}
			if tags := m.Frontmatter.Tags(); len(tags) > 0 {
				fmt.Fprintf(&b, "    tags: %s\n", strings.Join(tags, ", "))
			}
			fmt.Fprintf(&b, "    hash: %s | version: %d\n", m.ContentHash, m.Version)
			fmt.Fprintf(&b, "%s\n", m.Content)
		default:
			fmt.Fprintf(&b, "    %s\n", truncate(strings.ReplaceAll(m.Content, "\n", " "), snippetLen))
		}
		b.WriteString("\n")
	}
	if detail == DetailSummary {
		b.WriteString(SummaryFooter)
	}
	return b.String()
}

func score(m membus.Match) string {
	switch {
	case m.SimilarityScore != 0:
		return fmt.Sprintf(", similarity %.3f", m.SimilarityScore)
	case m.RelevanceScore != 0:
		return fmt.Sprintf(", relevance %.1f", m.RelevanceScore)
	default:
		return ""
	}
}
