// Package bustools provides the MCP tool handlers of the memory bus.
//
// Each tool follows the same pattern:
//   - A struct holding the *membus.Bus injected via constructor
//   - Definition() returns the mcp.Tool schema
//   - Handle() translates the call into a bus request and renders the result
//
// Failures are reported with mcp.NewToolResultError carrying the stable
// error code and message; handlers never return a Go error to the server.
package bustools

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/membus/internal/membus"
)

// Detail levels for tools that return documents.
const (
	DetailSummary  = "summary"
	DetailStandard = "standard"
	DetailFull     = "full"
)

// DetailLevelValues returns the enum values for tool definitions.
func DetailLevelValues() []string {
	return []string{DetailSummary, DetailStandard, DetailFull}
}

// ParseDetailLevel defaults to standard for empty or unknown values.
func ParseDetailLevel(s string) string {
	switch s {
	case DetailSummary, DetailFull:
		return s
	default:
		return DetailStandard
	}
}

// SummaryFooter is appended to summary-mode responses.
const SummaryFooter = "\n---\nUse detail_level: standard or full for document content."

const snippetLen = 200

// truncate cuts s to max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

// intArg extracts an integer argument, returning defaultVal if the key is
// missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// boolArg extracts a boolean argument from a tool request.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// bindArgs decodes the call arguments into target through their JSON form,
// so request structs keep a single set of json tags.
func bindArgs(req mcp.CallToolRequest, target any) error {
	raw, err := json.Marshal(req.GetArguments())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

// errorResult renders err as "<code>: <message>" plus any field details.
func errorResult(err error) *mcp.CallToolResult {
	e := membus.AsError(err)
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	for _, k := range sortedKeys(e.Fields) {
		fmt.Fprintf(&b, "\n- %s: %s", k, e.Fields[k])
	}
	return mcp.NewToolResultError(b.String())
}

func argError(msg string) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", membus.CodeValidation, msg))
}

// jsonResult renders v as indented JSON text.
func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encoding result: %w", err))
	}
	return mcp.NewToolResultText(string(out))
}

// conflictResult reports an aborted write: the error line followed by the
// write result so the caller still sees both hashes.
func conflictResult(err error, res *membus.WriteResult) *mcp.CallToolResult {
	var e *membus.Error
	if res == nil || !errors.As(err, &e) || e.Code != membus.CodeConflict {
		return errorResult(err)
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s\n%s", e.Code, e.Message, out))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
