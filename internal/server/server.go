// Package server wires all memory bus components and creates the MCP server.
//
// This is the composition root: it opens the concrete stores, builds the
// bus over them and registers the tools, prompts and resources that depend
// on it. No business logic lives here, only wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/HendryAvila/membus/internal/bustools"
	"github.com/HendryAvila/membus/internal/config"
	"github.com/HendryAvila/membus/internal/docstore"
	"github.com/HendryAvila/membus/internal/embed"
	"github.com/HendryAvila/membus/internal/membus"
	"github.com/HendryAvila/membus/internal/prompts"
	"github.com/HendryAvila/membus/internal/resources"
	"github.com/HendryAvila/membus/internal/telemetry"
	"github.com/HendryAvila/membus/internal/vectorindex"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Runtime holds the opened stores and the bus built over them.
type Runtime struct {
	Config *config.Config
	Docs   *docstore.Store
	Index  *vectorindex.Index
	Bus    *membus.Bus
	logger *slog.Logger
}

// Open builds the full stack described by cfg. The caller owns the result
// and must call Close. The consistency monitor is not started; call
// Bus.Start for long-running processes.
func Open(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	embedder, err := embed.New(cfg.Embedding.Model, cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	docs, err := docstore.New(cfg.DocStore())
	if err != nil {
		return nil, fmt.Errorf("opening document store: %w", err)
	}

	vcfg := cfg.VecIndex()
	vcfg.Logger = logger
	index, err := vectorindex.Open(vcfg)
	if err != nil {
		_ = docs.Close()
		return nil, fmt.Errorf("opening vector index: %w", err)
	}

	metrics, err := telemetry.New(nil)
	if err != nil {
		_ = docs.Close()
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	bcfg := cfg.Bus()
	bcfg.Logger = logger
	bcfg.Metrics = metrics
	bus, err := membus.New(bcfg, docs, index, embedder)
	if err != nil {
		_ = index.Close()
		_ = docs.Close()
		return nil, fmt.Errorf("creating bus: %w", err)
	}

	logger.Info("memory bus ready",
		"vault", cfg.Vault,
		"documents", cfg.DocumentStorePath(),
		"vectors", vcfg.URL,
		"embedding", embedder.Model(),
		"dimensions", embedder.Dimensions(),
	)
	return &Runtime{Config: cfg, Docs: docs, Index: index, Bus: bus, logger: logger}, nil
}

// Close drains the bus and closes both stores. Every step runs even if an
// earlier one fails.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := r.Bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing bus: %w", err))
	}
	if err := r.Index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing vector index: %w", err))
	}
	if err := r.Docs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing document store: %w", err))
	}
	return errors.Join(errs...)
}

// New creates the MCP server with all tools, prompts and resources
// registered against rt.Bus.
func New(rt *Runtime) *server.MCPServer {
	s := server.NewMCPServer(
		"membus",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	registerBusTools(s, rt.Bus)

	// --- Register prompts ---

	recallPrompt := prompts.NewRecallPrompt()
	s.AddPrompt(recallPrompt.Definition(), recallPrompt.Handle)

	healthPrompt := prompts.NewHealthPrompt()
	s.AddPrompt(healthPrompt.Definition(), healthPrompt.Handle)

	// --- Register resources ---

	resourceHandler := resources.NewHandler(rt.Bus)
	s.AddResource(resourceHandler.StatsResource(), resourceHandler.HandleStats)
	s.AddResource(resourceHandler.HealthResource(), resourceHandler.HandleHealth)

	return s
}

// registerBusTools registers the memory bus MCP tools with the server.
func registerBusTools(s *server.MCPServer, bus *membus.Bus) {
	// --- Write path ---
	writeTool := bustools.NewWriteTool(bus)
	s.AddTool(writeTool.Definition(), writeTool.Handle)

	deleteTool := bustools.NewDeleteTool(bus)
	s.AddTool(deleteTool.Definition(), deleteTool.Handle)

	// --- Read cascade ---
	readTool := bustools.NewReadTool(bus)
	s.AddTool(readTool.Definition(), readTool.Handle)

	// --- Operations ---
	statsTool := bustools.NewStatsTool(bus)
	s.AddTool(statsTool.Definition(), statsTool.Handle)

	checkTool := bustools.NewCheckTool(bus)
	s.AddTool(checkTool.Definition(), checkTool.Handle)

	rebuildTool := bustools.NewRebuildTool(bus)
	s.AddTool(rebuildTool.Definition(), rebuildTool.Handle)

	incidentsTool := bustools.NewIncidentsTool(bus)
	s.AddTool(incidentsTool.Definition(), incidentsTool.Handle)

	deadLettersTool := bustools.NewDeadLettersTool(bus)
	s.AddTool(deadLettersTool.Definition(), deadLettersTool.Handle)
}

// serverInstructions returns the system instructions that tell the AI how
// to use the memory bus effectively.
func serverInstructions() string {
	return `You have access to membus, a shared memory for agents backed by a
document store (source of truth) and a semantic vector index.

## Writing
- membus_write stores a Markdown note with YAML frontmatter. It returns as
  soon as the document store has the note; the semantic index follows
  within a few hundred milliseconds (sync_pending=true).
- Repeating an identical write within a second is harmless: it returns the
  first write's result.
- Concurrent writers of one path are resolved by conflict_resolution:
  last_write_wins (default), abort, or merge. Pass base_hash (the
  content_hash you read) to merge or abort against changes made since.
- A backpressure error means the sync queue is full. Retry later.

## Reading
- membus_read runs a cascade and stops at the first level that finds
  something: exact_path, then keywords, then query (semantic).
- Give the cheaper clauses when you can; semantic search costs the most.
- Use detail_level=summary to scan, full to read.
- metadata.consistency_level=strong waits for pending sync before a
  semantic search.

## Operations
- membus_stats, membus_check and membus_incidents report health.
- membus_rebuild re-derives the vector index from the document store.
- membus_dead_letters lists sync jobs that failed every retry.`
}
