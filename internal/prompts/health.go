package prompts

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// HealthPrompt handles the membus-health MCP prompt.
// It instructs the AI to report on store consistency and sync backlog.
type HealthPrompt struct{}

// NewHealthPrompt creates a HealthPrompt.
func NewHealthPrompt() *HealthPrompt {
	return &HealthPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *HealthPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("membus-health",
		mcp.WithPromptDescription(
			"Check the health of shared memory: sync backlog, dead letters, "+
				"consistency between the document store and the vector index, and recent incidents.",
		),
	)
}

// Handle processes the membus-health prompt request.
func (p *HealthPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "Memory Bus Health",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"Please check the health of shared memory:\n\n" +
						"1. Run `membus_stats` and report queue depth, lag p95 and whether backpressure is active\n" +
						"2. Run `membus_check` with dry_run=true and report any missing, stale or orphaned notes\n" +
						"3. If there are dead letters, list them with `membus_dead_letters` and ask me before requeueing\n" +
						"4. Run `membus_incidents` and summarize anything from the last day\n" +
						"5. Recommend `membus_rebuild` only if the check shows divergence that is not explained by pending sync",
				),
			},
		},
	}, nil
}
