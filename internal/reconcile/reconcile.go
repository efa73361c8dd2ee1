// Package reconcile implements the reconciliation pass named in :
// since the Event Store (SQLite) and the Vector Index / Graph Manager
// (Postgres) are separate backing stores, a write that updates the Event
// Store but fails to propagate to one of the others leaves that store
// stale rather than inconsistent-and-rolled-back. The Event Store and the
// Diagnostics Store are authoritative; Reconciler rebuilds the
// best-effort-propagated stores (Vector Index, Graph) from them, the same
// replay discipline internal/memorymgr and internal/sessionmgr use to
// rebuild their own in-memory state from the log on startup.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentctx/memoryd/internal/diagnostics"
	"github.com/agentctx/memoryd/internal/errs"
	"github.com/agentctx/memoryd/internal/eventstore"
	"github.com/agentctx/memoryd/internal/graph"
	"github.com/agentctx/memoryd/internal/mcp/tools/diagnosticstool"
	"github.com/agentctx/memoryd/internal/vectorindex"
)

// Reconciler rebuilds the Vector Index and the Graph's diagnostics nodes
// from the Event Store and Diagnostics Store respectively.
type Reconciler struct {
	events      *eventstore.Store
	diagnostics *diagnostics.Store
	vectors     *vectorindex.Index
	graphStore  *graph.Store
	logger      *slog.Logger
}

// New constructs a Reconciler. vectors and graphStore may be nil, in which
// case the corresponding pass is skipped and reported as such.
func New(events *eventstore.Store, diag *diagnostics.Store, vectors *vectorindex.Index, graphStore *graph.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{events: events, diagnostics: diag, vectors: vectors, graphStore: graphStore, logger: logger}
}

// VectorReport summarizes a ReconcileVectorIndex run.
type VectorReport struct {
	SessionsScanned  int
	MemoriesUpserted int
	Skipped          bool
}

// GraphReport summarizes a ReconcileGraph run.
type GraphReport struct {
	RunsScanned int
	Skipped     bool
}

// Report is the combined result of ReconcileAll.
type Report struct {
	Vector    VectorReport
	Graph     GraphReport
	StartedAt time.Time
	Duration  time.Duration
}

// ReconcileAll runs both passes in sequence and returns a combined report.
// Each pass is independent: a failure in one does not prevent the other
// from running, since both target different backing stores.
func (r *Reconciler) ReconcileAll(ctx context.Context) (Report, error) {
	started := time.Now()
	rep := Report{StartedAt: started}

	vecRep, vecErr := r.ReconcileVectorIndex(ctx)
	rep.Vector = vecRep

	graphRep, graphErr := r.ReconcileGraph(ctx)
	rep.Graph = graphRep

	rep.Duration = time.Since(started)

	if vecErr != nil {
		return rep, fmt.Errorf("reconcile: vector index: %w", vecErr)
	}
	if graphErr != nil {
		return rep, fmt.Errorf("reconcile: graph: %w", graphErr)
	}
	return rep, nil
}

// memoryState tracks a single memory's replayed state across its event
// sequence, enough to re-derive a vectorindex.Record.
type memoryState struct {
	id        string
	sessionID string
	value     string
	embedding []float32
	deleted   bool
}

// ReconcileVectorIndex replays every session's events in the Event Store
// and re-upserts a vectorindex.Record for every live memory that carries an
// embedding, restoring rows the Vector Index may have lost (a crash between
// the Memory Manager's event append and its IndexMemory call, or a Vector
// Index restored from an older backup than the Event Store).
func (r *Reconciler) ReconcileVectorIndex(ctx context.Context) (VectorReport, error) {
	var rep VectorReport
	if r.vectors == nil {
		rep.Skipped = true
		return rep, nil
	}

	sessionIDs, err := r.events.ListSessionIDs(ctx)
	if err != nil {
		return rep, fmt.Errorf("list session ids: %w", err)
	}

	for _, sessionID := range sessionIDs {
		events, err := r.events.GetBySession(ctx, sessionID)
		if err != nil {
			return rep, fmt.Errorf("get events for session %s: %w", sessionID, err)
		}
		rep.SessionsScanned++

		states := replayMemoryStates(sessionID, events)
		for _, st := range states {
			if st.deleted || len(st.embedding) == 0 {
				continue
			}
			if err := r.vectors.Upsert(ctx, vectorindex.Record{
				ID:        st.id,
				SessionID: st.sessionID,
				Content:   st.value,
				Embedding: st.embedding,
			}); err != nil {
				return rep, errs.Wrap("reconcile.vector_index", errs.StorageError, fmt.Errorf("upsert memory %s: %w", st.id, err))
			}
			rep.MemoriesUpserted++
		}
	}

	r.logger.Info("vector index reconciliation complete",
		"sessionsScanned", rep.SessionsScanned, "memoriesUpserted", rep.MemoriesUpserted)
	return rep, nil
}

// replayMemoryStates rebuilds, per memory id, the fields needed to restore
// a vectorindex.Record, mirroring internal/memorymgr's own hydration logic
// but tracking every memory ever seen rather than discarding deleted ones
// immediately (a delete must suppress re-upserting a stale record, not
// merely be absent from the final map).
func replayMemoryStates(sessionID string, events []eventstore.Event) map[string]*memoryState {
	states := make(map[string]*memoryState)

	var saved struct {
		ID        string    `json:"id"`
		Value     string    `json:"value"`
		Embedding []float32 `json:"embedding,omitempty"`
	}
	var updated struct {
		ID        string    `json:"id"`
		Value     *string   `json:"value,omitempty"`
		Embedding []float32 `json:"embedding,omitempty"`
	}
	var deleted struct {
		ID string `json:"id"`
	}

	for _, ev := range events {
		switch eventstore.EventKind(ev.Type) {
		case eventstore.MemorySaved:
			saved.Embedding = nil
			if err := json.Unmarshal(ev.Payload, &saved); err != nil {
				continue
			}
			states[saved.ID] = &memoryState{id: saved.ID, sessionID: sessionID, value: saved.Value, embedding: saved.Embedding}
		case eventstore.MemoryUpdated:
			updated.Value, updated.Embedding = nil, nil
			if err := json.Unmarshal(ev.Payload, &updated); err != nil {
				continue
			}
			st, ok := states[updated.ID]
			if !ok {
				continue
			}
			if updated.Value != nil {
				st.value = *updated.Value
			}
			if len(updated.Embedding) > 0 {
				st.embedding = updated.Embedding
			}
		case eventstore.MemoryDeleted:
			if err := json.Unmarshal(ev.Payload, &deleted); err != nil {
				continue
			}
			if st, ok := states[deleted.ID]; ok {
				st.deleted = true
			}
		}
	}
	return states
}

// ReconcileGraph replays every run recorded in the Diagnostics Store and
// re-propagates its analysis/finding nodes into the Graph, using the same
// best-effort merge path the diagnostics_ingest tool uses at write time
// (see diagnosticstool.PropagateRunToGraph). Safe to run repeatedly:
// MergeEntity is idempotent by id.
func (r *Reconciler) ReconcileGraph(ctx context.Context) (GraphReport, error) {
	var rep GraphReport
	if r.graphStore == nil {
		rep.Skipped = true
		return rep, nil
	}

	runs, err := r.diagnostics.ListAllRuns(ctx)
	if err != nil {
		return rep, fmt.Errorf("list all runs: %w", err)
	}

	for _, run := range runs {
		findings, err := r.diagnostics.ListFindings(ctx, run.AnalysisID)
		if err != nil {
			return rep, fmt.Errorf("list findings for analysis %s: %w", run.AnalysisID, err)
		}
		diagnosticstool.PropagateRunToGraph(ctx, r.graphStore, r.logger, run, findings)
		rep.RunsScanned++
	}

	r.logger.Info("graph reconciliation complete", "runsScanned", rep.RunsScanned)
	return rep, nil
}
