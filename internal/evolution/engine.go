// Package evolution implements the Evolution Engine:
// per-entity change timelines synthesized from internal/temporal's version
// history plus internal/graph's relationship data, grounded on the same
// query idioms as internal/lineage.
package evolution

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentctx/memoryd/internal/errs"
	"github.com/agentctx/memoryd/internal/graph"
	"github.com/agentctx/memoryd/internal/temporal"
)

// ChangeType enumerates the kinds of change an entity version can represent.
type ChangeType string

const (
	ChangeCreated        ChangeType = "created"
	ChangeUpdated        ChangeType = "updated"
	ChangeDeleted        ChangeType = "deleted"
	ChangeRelatedChanged ChangeType = "related_changed"
)

// Change is one entry in a Timeline.
type Change struct {
	EntityID      string
	ChangeType    ChangeType
	Version       int
	Timestamp     time.Time
	PreviousState *graph.Entity
	State         graph.Entity
}

// Timeline is the getEvolution/getRelatedEvolution result shape.
type Timeline struct {
	EntityID string
	Changes  []Change
}

// RelatedTimeline pairs a neighbor entity id with its own Timeline.
type RelatedTimeline struct {
	NeighborID string
	Timeline   Timeline
}

// CorrelatedPair is one entry of EvolutionComparison.CorrelatedChanges:
// two changes (one from each compared entity) within the correlation
// window.
type CorrelatedPair struct {
	A CorrelatedChange
	B CorrelatedChange
}

// CorrelatedChange names a single side of a CorrelatedPair with its entity
// id so results remain unambiguous once flattened.
type CorrelatedChange struct {
	EntityID string
	Change   Change
}

// EvolutionComparison is the compareEvolution result shape.
type EvolutionComparison struct {
	EntityA               string
	EntityB               string
	CorrelatedChanges     []CorrelatedPair
	CommonRelatedEntities []string
}

// ErrEntityEvolutionNotFound is returned by compareEvolution when either
// entity has no version history.
var ErrEntityEvolutionNotFound = fmt.Errorf("evolution: entity has no history")

const defaultMaxTimelineDepth = 100

// Options configures getEvolution's optional filters.
type Options struct {
	StartTime      time.Time
	EndTime        time.Time
	ChangeTypes    []ChangeType
	IncludeRelated bool
}

// Engine answers evolution queries against a shared pgx pool.
type Engine struct {
	pool              *pgxpool.Pool
	temporalStore     *temporal.Store
	graphStore        *graph.Store
	maxTimelineDepth  int
	correlationWindow time.Duration
}

// New returns an Engine. maxTimelineDepth and correlationWindow come from
// config.GraphConfig; zero values fall back to defaults (100,
// 1 hour).
func New(pool *pgxpool.Pool, temporalStore *temporal.Store, graphStore *graph.Store, maxTimelineDepth int, correlationWindow time.Duration) *Engine {
	if maxTimelineDepth <= 0 {
		maxTimelineDepth = defaultMaxTimelineDepth
	}
	if correlationWindow <= 0 {
		correlationWindow = time.Hour
	}
	return &Engine{
		pool:              pool,
		temporalStore:     temporalStore,
		graphStore:        graphStore,
		maxTimelineDepth:  maxTimelineDepth,
		correlationWindow: correlationWindow,
	}
}

// GetEvolution implements getEvolution.
func (e *Engine) GetEvolution(ctx context.Context, entityID string, opts Options) (*Timeline, error) {
	const op = "evolution: get evolution"

	history, err := e.temporalStore.GetEntityHistory(ctx, entityID)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	if len(history) == 0 {
		return nil, errs.Wrap(op, errs.NotFound, fmt.Errorf("entity %q has no history", entityID))
	}

	// history is newest-first; walk oldest-first to derive changeType.
	ascending := make([]graph.Entity, len(history))
	for i, v := range history {
		ascending[len(history)-1-i] = v
	}

	var changes []Change
	for i, v := range ascending {
		ct := ChangeUpdated
		var prev *graph.Entity
		switch {
		case i == 0:
			ct = ChangeCreated
		case v.ValidTo != nil && i == len(ascending)-1:
			ct = ChangeDeleted
		}
		if i > 0 {
			p := ascending[i-1]
			prev = &p
		}

		ts := v.ValidFrom
		if !opts.StartTime.IsZero() && ts.Before(opts.StartTime) {
			continue
		}
		if !opts.EndTime.IsZero() && ts.After(opts.EndTime) {
			continue
		}
		if len(opts.ChangeTypes) > 0 && !containsChangeType(opts.ChangeTypes, ct) {
			continue
		}

		changes = append(changes, Change{
			EntityID:      entityID,
			ChangeType:    ct,
			Version:       v.Version,
			Timestamp:     ts,
			PreviousState: prev,
			State:         v,
		})
	}

	if opts.IncludeRelated {
		related, err := e.relatedChangedEntries(ctx, entityID, opts)
		if err != nil {
			return nil, errs.Wrap(op, errs.StorageError, err)
		}
		changes = append(changes, related...)
	}

	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Timestamp.Before(changes[j].Timestamp) })

	if limit := e.maxTimelineDepth; len(changes) > limit {
		changes = changes[len(changes)-limit:]
	}

	return &Timeline{EntityID: entityID, Changes: changes}, nil
}

// relatedChangedEntries emits a related_changed Change for each incident
// relationship whose validFrom falls in the requested window.
func (e *Engine) relatedChangedEntries(ctx context.Context, entityID string, opts Options) ([]Change, error) {
	rels, err := e.graphStore.FindRelationshipsByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	var out []Change
	for _, r := range rels {
		ts := r.ValidFrom
		if !opts.StartTime.IsZero() && ts.Before(opts.StartTime) {
			continue
		}
		if !opts.EndTime.IsZero() && ts.After(opts.EndTime) {
			continue
		}
		if len(opts.ChangeTypes) > 0 && !containsChangeType(opts.ChangeTypes, ChangeRelatedChanged) {
			continue
		}
		self, err := e.graphStore.GetEntity(ctx, entityID)
		if err != nil {
			continue
		}
		out = append(out, Change{
			EntityID:   entityID,
			ChangeType: ChangeRelatedChanged,
			Version:    self.Version,
			Timestamp:  ts,
			State:      *self,
		})
	}
	return out, nil
}

// GetRelatedEvolution implements getRelatedEvolution.
func (e *Engine) GetRelatedEvolution(ctx context.Context, entityID string) ([]RelatedTimeline, error) {
	const op = "evolution: get related evolution"

	rels, err := e.graphStore.FindRelationshipsByEntity(ctx, entityID)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}

	var results []RelatedTimeline
	seen := map[string]bool{}
	for _, r := range rels {
		neighbor := r.TargetID
		if neighbor == entityID {
			neighbor = r.SourceID
		}
		if seen[neighbor] {
			continue
		}
		seen[neighbor] = true

		timeline, err := e.GetEvolution(ctx, neighbor, Options{})
		if err != nil {
			if errs.KindOf(err) == errs.NotFound {
				continue
			}
			return nil, errs.Wrap(op, errs.StorageError, err)
		}
		results = append(results, RelatedTimeline{NeighborID: neighbor, Timeline: *timeline})
	}
	return results, nil
}

// CompareEvolution implements compareEvolution.
func (e *Engine) CompareEvolution(ctx context.Context, a, b string) (*EvolutionComparison, error) {
	const op = "evolution: compare evolution"

	timelineA, err := e.GetEvolution(ctx, a, Options{})
	if err != nil {
		if errs.KindOf(err) == errs.NotFound {
			return nil, errs.Wrap(op, errs.NotFound, ErrEntityEvolutionNotFound)
		}
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	timelineB, err := e.GetEvolution(ctx, b, Options{})
	if err != nil {
		if errs.KindOf(err) == errs.NotFound {
			return nil, errs.Wrap(op, errs.NotFound, ErrEntityEvolutionNotFound)
		}
		return nil, errs.Wrap(op, errs.StorageError, err)
	}

	var correlated []CorrelatedPair
	for _, ca := range timelineA.Changes {
		for _, cb := range timelineB.Changes {
			delta := ca.Timestamp.Sub(cb.Timestamp)
			if delta < 0 {
				delta = -delta
			}
			if delta <= e.correlationWindow {
				correlated = append(correlated, CorrelatedPair{
					A: CorrelatedChange{EntityID: a, Change: ca},
					B: CorrelatedChange{EntityID: b, Change: cb},
				})
			}
		}
	}

	neighborsA, err := e.neighborSet(ctx, a)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	neighborsB, err := e.neighborSet(ctx, b)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}

	var common []string
	for n := range neighborsA {
		if neighborsB[n] {
			common = append(common, n)
		}
	}
	sort.Strings(common)

	return &EvolutionComparison{
		EntityA:               a,
		EntityB:               b,
		CorrelatedChanges:     correlated,
		CommonRelatedEntities: common,
	}, nil
}

func (e *Engine) neighborSet(ctx context.Context, entityID string) (map[string]bool, error) {
	rels, err := e.graphStore.FindRelationshipsByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	set := map[string]bool{}
	for _, r := range rels {
		if r.SourceID != entityID {
			set[r.SourceID] = true
		}
		if r.TargetID != entityID {
			set[r.TargetID] = true
		}
	}
	return set, nil
}

func containsChangeType(types []ChangeType, ct ChangeType) bool {
	for _, t := range types {
		if t == ct {
			return true
		}
	}
	return false
}
