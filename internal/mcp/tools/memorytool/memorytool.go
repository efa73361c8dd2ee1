// Package memorytool provides the MCP tools that expose memoryd's Session
// Manager and per-session Memory Manager: context_session_start,
// context_session_end, context_save, context_get, context_search,
// context_delete, and context_checkpoint.
//
// Each handler is built by a small makeXHandler(dep) func(ctx, args string)
// (string, error) constructor; NewTools(deps) aggregates them into a
// []tools.Tool dispatch table.
package memorytool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/agentctx/memoryd/internal/bm25index"
	"github.com/agentctx/memoryd/internal/errs"
	"github.com/agentctx/memoryd/internal/eventstore"
	"github.com/agentctx/memoryd/internal/extractor"
	"github.com/agentctx/memoryd/internal/graph"
	"github.com/agentctx/memoryd/internal/inferencer"
	"github.com/agentctx/memoryd/internal/mcp/tools"
	"github.com/agentctx/memoryd/internal/memorymgr"
	"github.com/agentctx/memoryd/internal/sessionmgr"
	"github.com/agentctx/memoryd/pkg/provider/embeddings"
	"github.com/agentctx/memoryd/pkg/types"
)

// MemoryAccessor returns the per-session Memory Manager for sessionID,
// creating and hydrating it from the Event Store on first use. Declared
// here (teacher's interface-at-point-of-use convention, see
// internal/memorymgr.VectorIndexer) so this package does not depend
// directly on whatever concrete registry internal/app constructs.
type MemoryAccessor interface {
	Get(ctx context.Context, sessionID string) (*memorymgr.Manager, error)
}

// Deps bundles every collaborator the memory tool handlers need. Embedder,
// Keywords, EntityExtractor, Relationships, and Graph may be nil: their
// corresponding enrichment step (embedding, keyword indexing, entity
// extraction) is then skipped rather than failing the call, matching
// "best-effort propagate" posture for non-authoritative
// stores.
type Deps struct {
	Sessions        *sessionmgr.Manager
	Memories        MemoryAccessor
	Events          *eventstore.Store
	Embedder        embeddings.Provider
	Keywords        *bm25index.Index
	EntityExtractor *extractor.Extractor
	Relationships   *inferencer.Inferencer
	Graph           *graph.Store
	Logger          *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// ─────────────────────────────────────────────────────────────────────────
// context_session_start
// ─────────────────────────────────────────────────────────────────────────

type sessionStartArgs struct {
	Name           string `json:"name,omitempty"`
	ProjectDir     string `json:"projectDir,omitempty"`
	ContinueFrom   string `json:"continueFrom,omitempty"`
	DefaultChannel string `json:"defaultChannel,omitempty"`
}

func makeSessionStartHandler(d Deps) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a sessionStartArgs
		if args != "" {
			if err := json.Unmarshal([]byte(args), &a); err != nil {
				return "", fmt.Errorf("memory tool: context_session_start: parse arguments: %w", err)
			}
		}
		sess, err := d.Sessions.Start(ctx, sessionmgr.StartOptions{
			Name:           a.Name,
			ProjectDir:     a.ProjectDir,
			ContinueFrom:   a.ContinueFrom,
			DefaultChannel: a.DefaultChannel,
		})
		if err != nil {
			return "", fmt.Errorf("memory tool: context_session_start: %w", err)
		}
		return marshal("context_session_start", sess)
	}
}

// ─────────────────────────────────────────────────────────────────────────
// context_session_end
// ─────────────────────────────────────────────────────────────────────────

type sessionEndArgs struct {
	SessionID string `json:"sessionId"`
}

func makeSessionEndHandler(d Deps) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a sessionEndArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: context_session_end: parse arguments: %w", err)
		}
		if a.SessionID == "" {
			return "", errs.Wrap("memory tool: context_session_end", errs.InvalidSession, fmt.Errorf("sessionId is required"))
		}
		if err := d.Sessions.End(ctx, a.SessionID); err != nil {
			return "", fmt.Errorf("memory tool: context_session_end: %w", err)
		}
		return marshal("context_session_end", map[string]string{"message": "session ended"})
	}
}

// ─────────────────────────────────────────────────────────────────────────
// context_save
// ─────────────────────────────────────────────────────────────────────────

type saveArgs struct {
	SessionID       string            `json:"sessionId"`
	Key             string            `json:"key"`
	Value           string            `json:"value"`
	Category        string            `json:"category,omitempty"`
	Priority        string            `json:"priority,omitempty"`
	Channel         string            `json:"channel,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ExtractEntities bool              `json:"extractEntities,omitempty"`
}

func makeSaveHandler(d Deps) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a saveArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: context_save: parse arguments: %w", err)
		}
		if a.SessionID == "" {
			return "", errs.Wrap("memory tool: context_save", errs.InvalidSession, fmt.Errorf("sessionId is required"))
		}
		if a.Key == "" {
			return "", errs.Wrap("memory tool: context_save", errs.InvalidArgument, fmt.Errorf("key is required"))
		}

		mm, err := d.Memories.Get(ctx, a.SessionID)
		if err != nil {
			return "", fmt.Errorf("memory tool: context_save: %w", err)
		}

		opts := memorymgr.SaveOptions{
			Category: a.Category,
			Priority: memorymgr.Priority(a.Priority),
			Channel:  a.Channel,
			Metadata: a.Metadata,
		}
		if d.Embedder != nil {
			vec, err := d.Embedder.Embed(ctx, a.Value)
			if err != nil {
				d.logger().Warn("memory tool: context_save: embedding failed, saving without vector", "error", err)
			} else {
				opts.Embedding = vec
			}
		}

		mem, err := mm.Save(ctx, a.Key, a.Value, opts)
		if err != nil {
			return "", fmt.Errorf("memory tool: context_save: %w", err)
		}

		if d.Keywords != nil {
			content := bm25index.RenderForIndex(map[string]string{"key": a.Key, "value": a.Value, "category": a.Category})
			if err := d.Keywords.Upsert(bm25index.Document{ID: mem.ID, Content: content, SessionID: a.SessionID}); err != nil {
				d.logger().Warn("memory tool: context_save: keyword index upsert failed", "error", err, "memoryId", mem.ID)
			}
		}

		var entityIDs []string
		if a.ExtractEntities && d.EntityExtractor != nil && d.Graph != nil {
			entityIDs = extractAndLink(ctx, d, a.Value, extractor.Context{Key: a.Key, Value: a.Value, Category: a.Category})
		}

		result := map[string]any{
			"success":  true,
			"memoryId": mem.ID,
			"key":      mem.Key,
		}
		if len(entityIDs) > 0 {
			result["entityIds"] = entityIDs
		}
		return marshal("context_save", result)
	}
}

// extractAndLink runs the Entity Extractor and Relationship Inferencer over
// text and best-effort merges the results into the graph, returning the ids
// of every entity touched. Failures are logged, not propagated: graph
// enrichment is a non-authoritative side effect of a memory save.
func extractAndLink(ctx context.Context, d Deps, text string, hint extractor.Context) []string {
	entities := d.EntityExtractor.Extract(text, &hint)
	if len(entities) == 0 {
		return nil
	}

	ids := make(map[string]string, len(entities)) // name -> entity id
	entityIDs := make([]string, 0, len(entities))
	for _, e := range entities {
		ent, err := d.Graph.MergeEntity(ctx, graph.EntityInput{
			Type: string(e.Type),
			Name: e.Name,
			Properties: map[string]any{
				"confidence": e.Confidence,
			},
		})
		if err != nil {
			d.logger().Warn("memory tool: context_save: merge entity failed", "error", err, "entity", e.Name)
			continue
		}
		ids[e.Name] = ent.ID
		entityIDs = append(entityIDs, ent.ID)
	}

	if d.Relationships == nil {
		return entityIDs
	}
	rels := d.Relationships.Infer(entities, inferencer.ContextWindow(text))
	for _, r := range rels {
		sourceID, sok := ids[r.SourceName]
		targetID, tok := ids[r.TargetName]
		if !sok || !tok {
			continue
		}
		if _, err := d.Graph.CreateRelationship(ctx, graph.RelationshipInput{
			Type:     string(r.Type),
			SourceID: sourceID,
			TargetID: targetID,
			Weight:   r.Weight,
		}); err != nil {
			d.logger().Warn("memory tool: context_save: create relationship failed", "error", err, "type", r.Type)
		}
	}
	return entityIDs
}

// ─────────────────────────────────────────────────────────────────────────
// context_get / context_search
// ─────────────────────────────────────────────────────────────────────────

type getArgs struct {
	SessionID  string `json:"sessionId"`
	Key        string `json:"key,omitempty"`
	Query      string `json:"query,omitempty"`
	KeyPattern string `json:"keyPattern,omitempty"`
	Category   string `json:"category,omitempty"`
	Channel    string `json:"channel,omitempty"`
	Priority   string `json:"priority,omitempty"`
	Sort       string `json:"sort,omitempty"`
	Offset     int    `json:"offset,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func makeGetHandler(d Deps) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a getArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: context_get: parse arguments: %w", err)
		}
		if a.SessionID == "" {
			return "", errs.Wrap("memory tool: context_get", errs.InvalidSession, fmt.Errorf("sessionId is required"))
		}
		mm, err := d.Memories.Get(ctx, a.SessionID)
		if err != nil {
			return "", fmt.Errorf("memory tool: context_get: %w", err)
		}

		if a.Key != "" {
			mem, err := mm.Get(a.Key)
			if err != nil {
				return "", fmt.Errorf("memory tool: context_get: %w", err)
			}
			return marshal("context_get", mem)
		}

		results, err := mm.Recall(ctx, recallQueryFrom(a, mm))
		if err != nil {
			return "", fmt.Errorf("memory tool: context_get: %w", err)
		}
		return marshal("context_get", results)
	}
}

type searchArgs = getArgs

func makeSearchHandler(d Deps) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a searchArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: context_search: parse arguments: %w", err)
		}
		if a.SessionID == "" {
			return "", errs.Wrap("memory tool: context_search", errs.InvalidSession, fmt.Errorf("sessionId is required"))
		}
		mm, err := d.Memories.Get(ctx, a.SessionID)
		if err != nil {
			return "", fmt.Errorf("memory tool: context_search: %w", err)
		}
		results, err := mm.Recall(ctx, recallQueryFrom(a, mm))
		if err != nil {
			return "", fmt.Errorf("memory tool: context_search: %w", err)
		}
		return marshal("context_search", results)
	}
}

func recallQueryFrom(a getArgs, mm *memorymgr.Manager) memorymgr.RecallQuery {
	return memorymgr.RecallQuery{
		Key:        "",
		KeyPattern: firstNonEmpty(a.KeyPattern, a.Query),
		Category:   a.Category,
		Channel:    a.Channel,
		Priority:   memorymgr.Priority(a.Priority),
		SessionID:  a.SessionID,
		Sort:       memorymgr.SortOrder(a.Sort),
		Offset:     a.Offset,
		Limit:      a.Limit,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ─────────────────────────────────────────────────────────────────────────
// context_delete
// ─────────────────────────────────────────────────────────────────────────

type deleteArgs struct {
	SessionID string `json:"sessionId"`
	Key       string `json:"key"`
}

func makeDeleteHandler(d Deps) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a deleteArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: context_delete: parse arguments: %w", err)
		}
		if a.SessionID == "" {
			return "", errs.Wrap("memory tool: context_delete", errs.InvalidSession, fmt.Errorf("sessionId is required"))
		}
		mm, err := d.Memories.Get(ctx, a.SessionID)
		if err != nil {
			return "", fmt.Errorf("memory tool: context_delete: %w", err)
		}

		var memoryID string
		if existing, err := mm.Get(a.Key); err == nil {
			memoryID = existing.ID
		}

		found, err := mm.Delete(ctx, a.Key)
		if err != nil {
			return "", fmt.Errorf("memory tool: context_delete: %w", err)
		}
		if found && memoryID != "" && d.Keywords != nil {
			if err := d.Keywords.Delete(memoryID); err != nil {
				d.logger().Warn("memory tool: context_delete: keyword index delete failed", "error", err, "memoryId", memoryID)
			}
		}
		return marshal("context_delete", map[string]string{"message": "deleted"})
	}
}

// ─────────────────────────────────────────────────────────────────────────
// context_checkpoint
// ─────────────────────────────────────────────────────────────────────────

type checkpointArgs struct {
	SessionID   string `json:"sessionId"`
	Description string `json:"description,omitempty"`
}

func makeCheckpointHandler(d Deps) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a checkpointArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: context_checkpoint: parse arguments: %w", err)
		}
		if a.SessionID == "" {
			return "", errs.Wrap("memory tool: context_checkpoint", errs.InvalidSession, fmt.Errorf("sessionId is required"))
		}
		mm, err := d.Memories.Get(ctx, a.SessionID)
		if err != nil {
			return "", fmt.Errorf("memory tool: context_checkpoint: %w", err)
		}
		count := mm.Count()
		if err := d.Events.CreateCheckpoint(ctx, a.SessionID, count, a.Description); err != nil {
			return "", fmt.Errorf("memory tool: context_checkpoint: %w", err)
		}
		d.Sessions.SetMemoryCount(a.SessionID, count)
		return marshal("context_checkpoint", map[string]string{"message": "checkpoint created"})
	}
}

// ─────────────────────────────────────────────────────────────────────────
// NewTools
// ─────────────────────────────────────────────────────────────────────────

// NewTools constructs the session and memory tool set, wired to d.
func NewTools(d Deps) []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "context_session_start",
				Description: "Start a new memoryd session, optionally continuing from a prior session's state.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":           map[string]any{"type": "string"},
						"projectDir":     map[string]any{"type": "string"},
						"continueFrom":   map[string]any{"type": "string"},
						"defaultChannel": map[string]any{"type": "string"},
					},
				},
				EstimatedDurationMs: 20,
				MaxDurationMs:       500,
			},
			Handler: makeSessionStartHandler(d),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "context_session_end",
				Description: "End an active memoryd session.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"sessionId": map[string]any{"type": "string"}},
					"required":   []string{"sessionId"},
				},
				EstimatedDurationMs: 10,
				MaxDurationMs:       200,
			},
			Handler: makeSessionEndHandler(d),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "context_save",
				Description: "Save a new key/value memory in the current session (fails if the key already exists), optionally extracting entities and relationships into the knowledge graph.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"sessionId":       map[string]any{"type": "string"},
						"key":             map[string]any{"type": "string"},
						"value":           map[string]any{"type": "string"},
						"category":        map[string]any{"type": "string"},
						"priority":        map[string]any{"type": "string", "enum": []string{"high", "normal", "low"}},
						"channel":         map[string]any{"type": "string"},
						"metadata":        map[string]any{"type": "object"},
						"extractEntities": map[string]any{"type": "boolean"},
					},
					"required": []string{"sessionId", "key", "value"},
				},
				EstimatedDurationMs: 50,
				MaxDurationMs:       2000,
			},
			Handler: makeSaveHandler(d),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "context_get",
				Description: "Fetch a single memory by key, or query memories by filter when key is omitted.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"sessionId":  map[string]any{"type": "string"},
						"key":        map[string]any{"type": "string"},
						"query":      map[string]any{"type": "string"},
						"keyPattern": map[string]any{"type": "string"},
						"category":   map[string]any{"type": "string"},
						"channel":    map[string]any{"type": "string"},
						"priority":   map[string]any{"type": "string"},
						"sort":       map[string]any{"type": "string"},
						"offset":     map[string]any{"type": "integer"},
						"limit":      map[string]any{"type": "integer"},
					},
					"required": []string{"sessionId"},
				},
				EstimatedDurationMs: 15,
				MaxDurationMs:       500,
				Idempotent:          true,
				CacheableSeconds:    5,
			},
			Handler: makeGetHandler(d),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "context_search",
				Description: "Search memories in the current session by key pattern and filters.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"sessionId":  map[string]any{"type": "string"},
						"query":      map[string]any{"type": "string"},
						"keyPattern": map[string]any{"type": "string"},
						"category":   map[string]any{"type": "string"},
						"channel":    map[string]any{"type": "string"},
						"priority":   map[string]any{"type": "string"},
						"sort":       map[string]any{"type": "string"},
						"offset":     map[string]any{"type": "integer"},
						"limit":      map[string]any{"type": "integer"},
					},
					"required": []string{"sessionId", "query"},
				},
				EstimatedDurationMs: 15,
				MaxDurationMs:       500,
				Idempotent:          true,
				CacheableSeconds:    5,
			},
			Handler: makeSearchHandler(d),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "context_delete",
				Description: "Delete a memory by key from the current session.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"sessionId": map[string]any{"type": "string"},
						"key":       map[string]any{"type": "string"},
					},
					"required": []string{"sessionId", "key"},
				},
				EstimatedDurationMs: 15,
				MaxDurationMs:       500,
			},
			Handler: makeDeleteHandler(d),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "context_checkpoint",
				Description: "Record a checkpoint of the current session's memory count.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"sessionId":   map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
					},
					"required": []string{"sessionId"},
				},
				EstimatedDurationMs: 10,
				MaxDurationMs:       500,
			},
			Handler: makeCheckpointHandler(d),
		},
	}
}

func marshal(op string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("memory tool: %s: encode result: %w", op, err)
	}
	return string(b), nil
}
