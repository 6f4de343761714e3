// Package prompts implements MCP prompt handlers for the memory bus.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the AI to execute a specific sequence. Unlike tools (which
// the AI calls), prompts are initiated by the user.
package prompts

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// RecallPrompt handles the membus-recall MCP prompt.
// It guides the AI through the read cascade for a topic.
type RecallPrompt struct{}

// NewRecallPrompt creates a RecallPrompt.
func NewRecallPrompt() *RecallPrompt {
	return &RecallPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *RecallPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("membus-recall",
		mcp.WithPromptDescription(
			"Recall what shared memory knows about a topic, starting with the cheapest lookup "+
				"and escalating to semantic search only when needed.",
		),
		mcp.WithArgument("topic",
			mcp.ArgumentDescription("What to recall: a note path, keywords or a question"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("agent_id",
			mcp.ArgumentDescription("Your agent id, used to weight Hebbian filters"),
		),
	)
}

// Handle processes the membus-recall prompt request.
func (p *RecallPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	topic := req.Params.Arguments["topic"]
	if topic == "" {
		topic = "the current task"
	}
	agent := req.Params.Arguments["agent_id"]
	agentHint := ""
	if agent != "" {
		agentHint = fmt.Sprintf(
			"\nWhen semantic results are noisy, add semantic_search.filters {agent_id: %q, hebbian_weight_min: 0.5}.", agent)
	}

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Recall: %s", topic),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"Recall what shared memory knows about: %s\n\n"+
						"Please:\n"+
						"1. If it looks like a note path, call `membus_read` with exact_path\n"+
						"2. Otherwise call `membus_read` with keywords (a few distinctive terms) and query (the topic as a sentence), "+
						"so the cascade can escalate from keyword to semantic search on its own\n"+
						"3. Start with detail_level=summary, then read the most relevant notes with detail_level=full\n"+
						"4. Summarize what you found and cite note paths%s",
					topic, agentHint,
				)),
			},
		},
	}, nil
}
