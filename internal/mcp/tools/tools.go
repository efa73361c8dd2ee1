// Package tools defines the shared [Tool] type used by every MCP dispatch
// table in memoryd. Each sub-package (memorytool, searchtool,
// diagnosticstool, pingtool) exports a constructor
// function that returns a slice of [Tool] values ready for registration
// with an mcp.Server.
package tools

import (
	"context"

	"github.com/agentctx/memoryd/pkg/types"
)

// Tool represents a single MCP-exposed operation ready for registration
// with an mcp.Server.
//
// Each Tool carries its LLM-facing schema ([types.ToolDefinition]) together
// with the handler function invoked when a client calls the tool.
type Tool struct {
	// Definition is the tool's LLM-facing schema including its name,
	// description, and JSON Schema parameter specification.
	Definition types.ToolDefinition

	// Handler executes the tool with JSON-encoded args and returns a
	// JSON-encoded result string on success, or a descriptive error.
	// Implementations must be safe for concurrent use and must respect
	// context cancellation.
	Handler func(ctx context.Context, args string) (string, error)
}
