// Package searchtool provides the MCP tools that expose Hybrid Search, the
// Lineage Engine, and the Evolution Engine: context_hybrid_search,
// context_get_lineage, and context_query_evolution.
package searchtool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentctx/memoryd/internal/errs"
	"github.com/agentctx/memoryd/internal/evolution"
	"github.com/agentctx/memoryd/internal/graph"
	"github.com/agentctx/memoryd/internal/hybridsearch"
	"github.com/agentctx/memoryd/internal/lineage"
	"github.com/agentctx/memoryd/internal/mcp/tools"
	"github.com/agentctx/memoryd/pkg/types"
)

// Deps bundles the query engines these tools dispatch to.
type Deps struct {
	HybridSearch *hybridsearch.Engine
	Lineage      *lineage.Engine
	Evolution    *evolution.Engine
}

// ─────────────────────────────────────────────────────────────────────────
// context_hybrid_search
// ─────────────────────────────────────────────────────────────────────────

type hybridSearchArgs struct {
	Query     string   `json:"query"`
	Limit     int      `json:"limit,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	Weights   *weights `json:"weights,omitempty"`
}

type weights struct {
	Semantic float64 `json:"semantic"`
	Keyword  float64 `json:"keyword"`
	Graph    float64 `json:"graph"`
}

func makeHybridSearchHandler(d Deps) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a hybridSearchArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("search tool: context_hybrid_search: parse arguments: %w", err)
		}
		if a.Query == "" {
			return "", errs.Wrap("search tool: context_hybrid_search", errs.InvalidArgument, fmt.Errorf("query is required"))
		}

		opts := hybridsearch.Options{Query: a.Query, Limit: a.Limit, SessionID: a.SessionID}
		if a.Weights != nil {
			opts.Weights = &hybridsearch.Weights{Semantic: a.Weights.Semantic, Keyword: a.Weights.Keyword, Graph: a.Weights.Graph}
		}

		results, err := d.HybridSearch.Search(ctx, opts)
		if err != nil {
			return "", fmt.Errorf("search tool: context_hybrid_search: %w", err)
		}
		return marshal("context_hybrid_search", results)
	}
}

// ─────────────────────────────────────────────────────────────────────────
// context_get_lineage
// ─────────────────────────────────────────────────────────────────────────

type lineageArgs struct {
	EntityID  string `json:"entityId"`
	Direction string `json:"direction,omitempty"`
	MaxDepth  int    `json:"maxDepth,omitempty"`
}

type lineageResult struct {
	EntityID        string         `json:"entityId"`
	Direction       string         `json:"direction"`
	Upstream        []graph.Entity `json:"upstream"`
	Downstream      []graph.Entity `json:"downstream"`
	UpstreamCount   int            `json:"upstreamCount"`
	DownstreamCount int            `json:"downstreamCount"`
}

func makeGetLineageHandler(d Deps) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a lineageArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("search tool: context_get_lineage: parse arguments: %w", err)
		}
		if a.EntityID == "" {
			return "", errs.Wrap("search tool: context_get_lineage", errs.InvalidArgument, fmt.Errorf("entityId is required"))
		}
		direction := a.Direction
		if direction == "" {
			direction = "both"
		}

		result := lineageResult{EntityID: a.EntityID, Direction: direction}

		if direction == "upstream" || direction == "both" {
			up, err := d.Lineage.GetAncestors(ctx, a.EntityID, a.MaxDepth)
			if err != nil {
				return "", fmt.Errorf("search tool: context_get_lineage: %w", err)
			}
			result.Upstream = up
			result.UpstreamCount = len(up)
		}
		if direction == "downstream" || direction == "both" {
			down, err := d.Lineage.GetDescendants(ctx, a.EntityID, a.MaxDepth)
			if err != nil {
				return "", fmt.Errorf("search tool: context_get_lineage: %w", err)
			}
			result.Downstream = down
			result.DownstreamCount = len(down)
		}

		return marshal("context_get_lineage", result)
	}
}

// ─────────────────────────────────────────────────────────────────────────
// context_query_evolution
// ─────────────────────────────────────────────────────────────────────────

type evolutionArgs struct {
	EntityID  string `json:"entityId"`
	StartTime string `json:"startTime,omitempty"`
	EndTime   string `json:"endTime,omitempty"`
}

func makeQueryEvolutionHandler(d Deps) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a evolutionArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("search tool: context_query_evolution: parse arguments: %w", err)
		}
		if a.EntityID == "" {
			return "", errs.Wrap("search tool: context_query_evolution", errs.InvalidArgument, fmt.Errorf("entityId is required"))
		}

		opts := evolution.Options{}
		if a.StartTime != "" {
			t, err := time.Parse(time.RFC3339, a.StartTime)
			if err != nil {
				return "", errs.Wrap("search tool: context_query_evolution", errs.InvalidArgument, fmt.Errorf("bad startTime: %w", err))
			}
			opts.StartTime = t
		}
		if a.EndTime != "" {
			t, err := time.Parse(time.RFC3339, a.EndTime)
			if err != nil {
				return "", errs.Wrap("search tool: context_query_evolution", errs.InvalidArgument, fmt.Errorf("bad endTime: %w", err))
			}
			opts.EndTime = t
		}

		timeline, err := d.Evolution.GetEvolution(ctx, a.EntityID, opts)
		if err != nil {
			return "", fmt.Errorf("search tool: context_query_evolution: %w", err)
		}
		return marshal("context_query_evolution", timeline)
	}
}

// ─────────────────────────────────────────────────────────────────────────
// NewTools
// ─────────────────────────────────────────────────────────────────────────

// NewTools constructs the search/lineage/evolution tool set, wired to d.
func NewTools(d Deps) []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "context_hybrid_search",
				Description: "Search memories and entities using fused semantic, keyword, and graph-proximity signals.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query":     map[string]any{"type": "string"},
						"limit":     map[string]any{"type": "integer"},
						"sessionId": map[string]any{"type": "string"},
						"weights": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"semantic": map[string]any{"type": "number"},
								"keyword":  map[string]any{"type": "number"},
								"graph":    map[string]any{"type": "number"},
							},
						},
					},
					"required": []string{"query"},
				},
				EstimatedDurationMs: 150,
				MaxDurationMs:       3000,
				Idempotent:          true,
				CacheableSeconds:    10,
			},
			Handler: makeHybridSearchHandler(d),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "context_get_lineage",
				Description: "Return the upstream ancestors and/or downstream descendants of an entity along DERIVED_FROM edges.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"entityId":  map[string]any{"type": "string"},
						"direction": map[string]any{"type": "string", "enum": []string{"upstream", "downstream", "both"}},
						"maxDepth":  map[string]any{"type": "integer"},
					},
					"required": []string{"entityId"},
				},
				EstimatedDurationMs: 80,
				MaxDurationMs:       2000,
				Idempotent:          true,
				CacheableSeconds:    30,
			},
			Handler: makeGetLineageHandler(d),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "context_query_evolution",
				Description: "Return the change timeline for an entity, optionally bounded to a time window.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"entityId":  map[string]any{"type": "string"},
						"startTime": map[string]any{"type": "string", "format": "date-time"},
						"endTime":   map[string]any{"type": "string", "format": "date-time"},
					},
					"required": []string{"entityId"},
				},
				EstimatedDurationMs: 60,
				MaxDurationMs:       2000,
				Idempotent:          true,
				CacheableSeconds:    30,
			},
			Handler: makeQueryEvolutionHandler(d),
		},
	}
}

func marshal(op string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("search tool: %s: encode result: %w", op, err)
	}
	return string(b), nil
}
