// Package diagnosticstool provides the MCP tools that expose the
// Diagnostics Store's SARIF ingest/diff/query pipeline: diagnostics_ingest,
// diagnostics_diff, diagnostics_latest, and diagnostics_findings.
package diagnosticstool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentctx/memoryd/internal/addressing"
	"github.com/agentctx/memoryd/internal/diagnostics"
	"github.com/agentctx/memoryd/internal/errs"
	"github.com/agentctx/memoryd/internal/graph"
	"github.com/agentctx/memoryd/internal/mcp/tools"
	"github.com/agentctx/memoryd/pkg/types"
)

// Deps bundles the Diagnostics Store and the (optional) Graph Manager used
// to best-effort propagate analysis/finding nodes.
type Deps struct {
	Store  *diagnostics.Store
	Graph  *graph.Store
	Logger *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// ─────────────────────────────────────────────────────────────────────────
// diagnostics_ingest
// ─────────────────────────────────────────────────────────────────────────

type ingestArgs struct {
	ProjectID   string                     `json:"projectId"`
	TreeHash    string                     `json:"treeHash"`
	ConfigHash  string                     `json:"configHash"`
	CommitHash  string                     `json:"commitHash,omitempty"`
	EnvHash     string                     `json:"envHash,omitempty"`
	ToolName    string                     `json:"toolName,omitempty"`
	ToolVersion string                     `json:"toolVersion,omitempty"`
	DurationMs  int64                      `json:"durationMs,omitempty"`
	Metadata    map[string]any             `json:"metadata,omitempty"`
	Sarif       *diagnostics.SarifDocument `json:"sarif,omitempty"`
	Findings    []diagnostics.RawFinding   `json:"findings,omitempty"`
}

func makeIngestHandler(d Deps) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a ingestArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("diagnostics tool: diagnostics_ingest: parse arguments: %w", err)
		}
		if a.ProjectID == "" || a.TreeHash == "" || a.ConfigHash == "" {
			return "", errs.Wrap("diagnostics tool: diagnostics_ingest", errs.InvalidArgument,
				fmt.Errorf("projectId, treeHash, and configHash are required"))
		}
		if a.Sarif == nil && len(a.Findings) == 0 {
			return "", errs.Wrap("diagnostics tool: diagnostics_ingest", errs.InvalidArgument,
				fmt.Errorf("one of sarif or findings is required"))
		}

		toolName, toolVersion := a.ToolName, a.ToolVersion
		raw := a.Findings
		var rawInput string
		if a.Sarif != nil {
			parsedName, parsedVersion, findings, err := diagnostics.ParseSarif(*a.Sarif)
			if err != nil {
				return "", fmt.Errorf("diagnostics tool: diagnostics_ingest: %w", err)
			}
			toolName, toolVersion, raw = parsedName, parsedVersion, findings
			if encoded, err := json.Marshal(a.Sarif); err == nil {
				rawInput = string(encoded)
			}
		}

		pre, err := diagnostics.PreNormalize(raw)
		if err != nil {
			return "", fmt.Errorf("diagnostics tool: diagnostics_ingest: %w", err)
		}
		analysisID, err := diagnostics.ComputeAnalysisID(a.ProjectID, a.TreeHash, toolName, toolVersion, a.ConfigHash, pre)
		if err != nil {
			return "", fmt.Errorf("diagnostics tool: diagnostics_ingest: %w", err)
		}
		findings, err := diagnostics.Finalize(analysisID, pre)
		if err != nil {
			return "", fmt.Errorf("diagnostics tool: diagnostics_ingest: %w", err)
		}
		digest, err := diagnostics.FindingsDigest(findings)
		if err != nil {
			return "", fmt.Errorf("diagnostics tool: diagnostics_ingest: %w", err)
		}

		runID, err := addressing.NewID()
		if err != nil {
			return "", fmt.Errorf("diagnostics tool: diagnostics_ingest: %w", err)
		}

		status := diagnostics.StatusPassed
		for _, f := range findings {
			if f.Severity == diagnostics.SeverityError {
				status = diagnostics.StatusFailed
				break
			}
		}

		run := diagnostics.Run{
			RunID:          runID,
			AnalysisID:     analysisID,
			ProjectID:      a.ProjectID,
			TreeHash:       a.TreeHash,
			CommitHash:     a.CommitHash,
			ToolName:       toolName,
			ToolVersion:    toolVersion,
			ConfigHash:     a.ConfigHash,
			EnvHash:        a.EnvHash,
			Status:         status,
			CreatedAt:      time.Now().UTC(),
			DurationMs:     a.DurationMs,
			FindingsDigest: digest,
			RawInput:       rawInput,
			Metadata:       a.Metadata,
		}

		if err := d.Store.SaveRun(ctx, run, findings); err != nil {
			return "", fmt.Errorf("diagnostics tool: diagnostics_ingest: %w", err)
		}

		if d.Graph != nil {
			PropagateRunToGraph(ctx, d.Graph, d.logger(), run, findings)
		}

		return marshal("diagnostics_ingest", map[string]any{
			"success":       true,
			"runId":         runID,
			"analysisId":    analysisID,
			"findingsCount": len(findings),
		})
	}
}

// PropagateRunToGraph best-effort mirrors an ingested analysis and its
// findings into the knowledge graph as ANALYSIS/FINDING entities linked by
// HAS_FINDING relationships, so context_get_lineage and hybrid search can
// surface diagnostics alongside memories. Failures are logged, not
// returned: internal/reconcile calls this same function to rebuild these
// nodes from the authoritative SQL log when propagation was skipped or
// failed at ingest time.
func PropagateRunToGraph(ctx context.Context, g *graph.Store, logger *slog.Logger, run diagnostics.Run, findings []diagnostics.NormalizedFinding) {
	if logger == nil {
		logger = slog.Default()
	}
	analysisEntity, err := g.MergeEntity(ctx, graph.EntityInput{
		ID:   "analysis:" + run.AnalysisID,
		Type: "DIAGNOSTIC_ANALYSIS",
		Name: run.ToolName + "@" + run.ToolVersion,
		Properties: map[string]any{
			"projectId": run.ProjectID,
			"treeHash":  run.TreeHash,
			"status":    string(run.Status),
		},
	})
	if err != nil {
		logger.Warn("diagnostics tool: graph propagation failed for analysis", "error", err, "analysisId", run.AnalysisID)
		return
	}

	for _, f := range findings {
		findingEntity, err := g.MergeEntity(ctx, graph.EntityInput{
			ID:   "finding:" + f.FindingID,
			Type: "DIAGNOSTIC_FINDING",
			Name: f.RuleID,
			Properties: map[string]any{
				"severity": string(f.Severity),
				"filePath": f.FilePath,
				"message":  f.NormalizedMessage,
			},
		})
		if err != nil {
			logger.Warn("diagnostics tool: graph propagation failed for finding", "error", err, "findingId", f.FindingID)
			continue
		}
		if _, err := g.CreateRelationship(ctx, graph.RelationshipInput{
			Type:     "HAS_FINDING",
			SourceID: analysisEntity.ID,
			TargetID: findingEntity.ID,
			Weight:   1,
		}); err != nil {
			logger.Warn("diagnostics tool: relationship propagation failed", "error", err, "findingId", f.FindingID)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────
// diagnostics_diff
// ─────────────────────────────────────────────────────────────────────────

type diffArgs struct {
	AnalysisIDA string `json:"analysisIdA"`
	AnalysisIDB string `json:"analysisIdB"`
}

func makeDiffHandler(d Deps) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a diffArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("diagnostics tool: diagnostics_diff: parse arguments: %w", err)
		}
		if a.AnalysisIDA == "" || a.AnalysisIDB == "" {
			return "", errs.Wrap("diagnostics tool: diagnostics_diff", errs.InvalidArgument, fmt.Errorf("analysisIdA and analysisIdB are required"))
		}
		result, err := d.Store.DiffAnalyses(ctx, a.AnalysisIDA, a.AnalysisIDB)
		if err != nil {
			return "", fmt.Errorf("diagnostics tool: diagnostics_diff: %w", err)
		}
		return marshal("diagnostics_diff", result)
	}
}

// ─────────────────────────────────────────────────────────────────────────
// diagnostics_latest
// ─────────────────────────────────────────────────────────────────────────

type latestArgs struct {
	ProjectID   string `json:"projectId"`
	ToolName    string `json:"toolName,omitempty"`
	ToolVersion string `json:"toolVersion,omitempty"`
	TreeHash    string `json:"treeHash,omitempty"`
}

func makeLatestHandler(d Deps) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a latestArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("diagnostics tool: diagnostics_latest: parse arguments: %w", err)
		}
		if a.ProjectID == "" {
			return "", errs.Wrap("diagnostics tool: diagnostics_latest", errs.InvalidArgument, fmt.Errorf("projectId is required"))
		}
		run, found, err := d.Store.GetLatestRun(ctx, diagnostics.LatestRunFilter{
			ProjectID: a.ProjectID, ToolName: a.ToolName, ToolVersion: a.ToolVersion, TreeHash: a.TreeHash,
		})
		if err != nil {
			return "", fmt.Errorf("diagnostics tool: diagnostics_latest: %w", err)
		}
		if !found {
			return marshal("diagnostics_latest", map[string]bool{"found": false})
		}
		return marshal("diagnostics_latest", run)
	}
}

// ─────────────────────────────────────────────────────────────────────────
// diagnostics_findings
// ─────────────────────────────────────────────────────────────────────────

type findingsArgs struct {
	AnalysisID string `json:"analysisId"`
}

func makeFindingsHandler(d Deps) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a findingsArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("diagnostics tool: diagnostics_findings: parse arguments: %w", err)
		}
		if a.AnalysisID == "" {
			return "", errs.Wrap("diagnostics tool: diagnostics_findings", errs.InvalidArgument, fmt.Errorf("analysisId is required"))
		}
		findings, err := d.Store.ListFindings(ctx, a.AnalysisID)
		if err != nil {
			return "", fmt.Errorf("diagnostics tool: diagnostics_findings: %w", err)
		}
		return marshal("diagnostics_findings", findings)
	}
}

// ─────────────────────────────────────────────────────────────────────────
// NewTools
// ─────────────────────────────────────────────────────────────────────────

// NewTools constructs the diagnostics tool set, wired to d.
func NewTools(d Deps) []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "diagnostics_ingest",
				Description: "Ingest a SARIF document or a pre-parsed finding list for a project/tree/tool/config tuple, returning the content-addressed analysis id.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"projectId":   map[string]any{"type": "string"},
						"treeHash":    map[string]any{"type": "string"},
						"configHash":  map[string]any{"type": "string"},
						"commitHash":  map[string]any{"type": "string"},
						"envHash":     map[string]any{"type": "string"},
						"toolName":    map[string]any{"type": "string"},
						"toolVersion": map[string]any{"type": "string"},
						"durationMs":  map[string]any{"type": "integer"},
						"metadata":    map[string]any{"type": "object"},
						"sarif":       map[string]any{"type": "object"},
						"findings":    map[string]any{"type": "array"},
					},
					"required": []string{"projectId", "treeHash", "configHash"},
				},
				EstimatedDurationMs: 100,
				MaxDurationMs:       5000,
				Idempotent:          true,
			},
			Handler: makeIngestHandler(d),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "diagnostics_diff",
				Description: "Diff the finding sets of two analyses, returning introduced/resolved/unchanged finding ids.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"analysisIdA": map[string]any{"type": "string"},
						"analysisIdB": map[string]any{"type": "string"},
					},
					"required": []string{"analysisIdA", "analysisIdB"},
				},
				EstimatedDurationMs: 30,
				MaxDurationMs:       1000,
				Idempotent:          true,
				CacheableSeconds:    60,
			},
			Handler: makeDiffHandler(d),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "diagnostics_latest",
				Description: "Return the most recent diagnostics run matching the given project/tool filters.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"projectId":   map[string]any{"type": "string"},
						"toolName":    map[string]any{"type": "string"},
						"toolVersion": map[string]any{"type": "string"},
						"treeHash":    map[string]any{"type": "string"},
					},
					"required": []string{"projectId"},
				},
				EstimatedDurationMs: 20,
				MaxDurationMs:       500,
				Idempotent:          true,
				CacheableSeconds:    10,
			},
			Handler: makeLatestHandler(d),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "diagnostics_findings",
				Description: "List every finding attached to an analysis.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"analysisId": map[string]any{"type": "string"}},
					"required":   []string{"analysisId"},
				},
				EstimatedDurationMs: 20,
				MaxDurationMs:       1000,
				Idempotent:          true,
				CacheableSeconds:    30,
			},
			Handler: makeFindingsHandler(d),
		},
	}
}

func marshal(op string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("diagnostics tool: %s: encode result: %w", op, err)
	}
	return string(b), nil
}
