// membus: shared memory bus for agents
//
// An MCP server that keeps a document store (the source of truth) and a
// semantic vector index in step, answering reads through an exact, keyword
// and semantic cascade.
//
// Usage:
//
//	membus serve                # Start MCP server (stdio transport)
//	membus stats                # Print bus statistics
//	membus check [--dry-run]    # Compare the document store with the index
//	membus rebuild              # Re-derive the vector index
//	membus export <dir>         # Write every note to a Markdown vault
//	membus import <dir>         # Load a Markdown vault through the bus
//	membus dead-letters         # List or requeue failed sync jobs
//	membus version
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
