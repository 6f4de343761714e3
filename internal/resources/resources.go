// Package resources implements MCP resource handlers for the memory bus.
//
// Resources provide read-only data that the host can consume for context.
// They use URI-based addressing (membus://...) following MCP conventions.
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/membus/internal/membus"
)

// URIs served by the handler.
const (
	StatsURI  = "membus://stats"
	HealthURI = "membus://health"
)

// Handler manages memory bus resource endpoints.
type Handler struct {
	bus *membus.Bus
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(bus *membus.Bus) *Handler {
	return &Handler{bus: bus}
}

// StatsResource returns the MCP resource definition for bus statistics.
func (h *Handler) StatsResource() mcp.Resource {
	return mcp.NewResource(
		StatsURI,
		"Memory Bus Statistics",
		mcp.WithResourceDescription("Traffic counters, cascade levels, cache and sync queue state"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleStats returns the current statistics as JSON.
func (h *Handler) HandleStats(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	stats, err := h.bus.Stats(ctx)
	if err != nil {
		return errorResource(req.Params.URI, err), nil
	}
	return jsonResource(req.Params.URI, stats)
}

// HealthResource returns the MCP resource definition for store consistency.
func (h *Handler) HealthResource() mcp.Resource {
	return mcp.NewResource(
		HealthURI,
		"Memory Bus Consistency",
		mcp.WithResourceDescription("Live comparison of the document store and the vector index"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleHealth inspects both stores without counting toward a rebuild.
func (h *Handler) HandleHealth(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	snap, err := h.bus.Inspect(ctx)
	if err != nil {
		return errorResource(req.Params.URI, err), nil
	}
	return jsonResource(req.Params.URI, snap)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// errorResource returns a resource with the error code and message.
func errorResource(uri string, err error) []mcp.ResourceContents {
	e := membus.AsError(err)
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s: %s", e.Code, e.Message),
		},
	}
}
