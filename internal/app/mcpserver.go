package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentctx/memoryd/internal/observe"
)

// NewMCPServer builds an mcp.Server exposing every tool in a.Tools. Each
// tools.Tool handler is a JSON-args-in, JSON-string-out function; this
// wraps it in the raw mcp.ToolHandler shape the SDK expects, round-tripping
// the tool's declared JSON Schema parameters into the SDK's *jsonschema.Schema
// type and recording a tool-call metric + trace span per invocation, the
// same instrumentation boundary observe.Middleware applies to the HTTP
// surface.
func (a *App) NewMCPServer(name, version string) (*mcp.Server, error) {
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil)

	for _, t := range a.Tools {
		schema, err := parametersToSchema(t.Definition.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %q: build input schema: %w", t.Definition.Name, err)
		}
		server.AddTool(&mcp.Tool{
			Name:        t.Definition.Name,
			Description: t.Definition.Description,
			InputSchema: schema,
		}, a.instrument(t.Definition.Name, t.Handler))
	}
	return server, nil
}

// instrument wraps a tool handler with the metrics/tracing boundary every
// call crosses, mirroring teacher's observe.Middleware applied per-request
// rather than per-tool.
func (a *App) instrument(name string, handler func(context.Context, string) (string, error)) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := observe.StartSpan(ctx, "mcp.tool/"+name)
		defer span.End()

		args := "{}"
		if len(req.Params.Arguments) > 0 {
			args = string(req.Params.Arguments)
		}

		result, err := handler(ctx, args)
		status := "ok"
		if err != nil {
			status = "error"
		}
		a.metrics.RecordToolCall(ctx, name, status)

		if err != nil {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: result}},
		}, nil
	}
}

// parametersToSchema round-trips a tools.Tool's JSON-Schema-shaped
// map[string]any into the SDK's typed *jsonschema.Schema by marshaling and
// unmarshaling through JSON, since types.ToolDefinition stores schemas as
// plain maps to stay independent of any particular SDK's schema type.
func parametersToSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		return &jsonschema.Schema{Type: "object"}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}
