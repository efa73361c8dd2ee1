// Package pingtool provides the "ping" MCP tool: a
// dependency-free liveness check for the dispatch table.
package pingtool

import (
	"context"

	"github.com/agentctx/memoryd/internal/mcp/tools"
	"github.com/agentctx/memoryd/pkg/types"
)

// NewTools returns the single "ping" tool.
func NewTools() []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:                "ping",
				Description:         "Liveness check. Always returns \"pong\".",
				Parameters:          map[string]any{"type": "object", "properties": map[string]any{}},
				EstimatedDurationMs: 1,
				MaxDurationMs:       50,
				Idempotent:          true,
			},
			Handler: func(_ context.Context, _ string) (string, error) {
				return `"pong"`, nil
			},
		},
	}
}
