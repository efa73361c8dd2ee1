// Package lineage implements the Lineage Engine: BFS and
// shortest-path queries over DERIVED_FROM edges stored by internal/graph,
// grounded on the pack's correlator-io-correlator lineage store shape
// (parameterized SQL plus in-process graph traversal, with the same
// cycle-safety posture internal/graph already enforces on write).
package lineage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentctx/memoryd/internal/errs"
	"github.com/agentctx/memoryd/internal/graph"
)

// Engine answers lineage queries against a pgx pool shared with
// internal/graph.
type Engine struct {
	pool *pgxpool.Pool
}

// New returns an Engine backed by pool.
func New(pool *pgxpool.Pool) *Engine {
	return &Engine{pool: pool}
}

// Entry is one row of a lineage query result: an entity plus its generation
// relative to the query's center (negative = ancestor, 0 = self, positive =
// descendant) and the DERIVED_FROM edge connecting it to its parent, or nil
// for roots.
type Entry struct {
	Entity     graph.Entity
	Generation int
	Derivation *graph.Relationship
}

// LineageGraph is the result shape returned by buildLineageGraph.
type LineageGraph struct {
	CenterEntityID  string
	Nodes           []graph.Entity
	Edges           []graph.Relationship
	AncestorCount   int
	DescendantCount int
}

// ErrLineagePathNotFound is returned by GetLineagePath when fromId cannot
// reach toId within maxDepth.
var ErrLineagePathNotFound = fmt.Errorf("lineage: path not found")

const defaultMaxDepth = 10

// GetAncestors implements getAncestors: BFS outward following
// DERIVED_FROM from start; order by depth ascending then stable by id.
func (e *Engine) GetAncestors(ctx context.Context, entityID string, maxDepth int) ([]graph.Entity, error) {
	const op = "lineage: get ancestors"
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	if err := e.requireEntity(ctx, op, entityID); err != nil {
		return nil, err
	}

	result, err := e.bfsWithGeneration(ctx, entityID, maxDepth, outgoing, 1)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	return orderedByDepthThenID(result), nil
}

// GetDescendants implements getDescendants: BFS inward.
func (e *Engine) GetDescendants(ctx context.Context, entityID string, maxDepth int) ([]graph.Entity, error) {
	const op = "lineage: get descendants"
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	if err := e.requireEntity(ctx, op, entityID); err != nil {
		return nil, err
	}

	result, err := e.bfsWithGeneration(ctx, entityID, maxDepth, incoming, 1)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	return orderedByDepthThenID(result), nil
}

// GetRootAncestors implements getRootAncestors: ancestors with
// no outgoing DERIVED_FROM edge of their own.
func (e *Engine) GetRootAncestors(ctx context.Context, entityID string) ([]graph.Entity, error) {
	const op = "lineage: get root ancestors"
	ancestors, err := e.GetAncestors(ctx, entityID, defaultMaxDepth)
	if err != nil {
		return nil, err
	}

	var roots []graph.Entity
	for _, a := range ancestors {
		rels, err := e.outgoingDerivedFrom(ctx, a.ID)
		if err != nil {
			return nil, errs.Wrap(op, errs.StorageError, err)
		}
		if len(rels) == 0 {
			roots = append(roots, a)
		}
	}
	return roots, nil
}

// GetLineagePath finds the shortest path under DERIVED_FROM from fromId to
// toId, in either derivation direction, failing with ErrLineagePathNotFound
// when none exists.
func (e *Engine) GetLineagePath(ctx context.Context, fromID, toID string, maxDepth int) ([]graph.Entity, error) {
	const op = "lineage: get lineage path"
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}

	visited := map[string][]string{fromID: {fromID}}
	queue := []string{fromID}
	depth := 0

	for len(queue) > 0 && depth < maxDepth {
		var next []string
		for _, id := range queue {
			neighbors, err := e.neighborIDs(ctx, id)
			if err != nil {
				return nil, errs.Wrap(op, errs.StorageError, err)
			}
			for _, n := range neighbors {
				if _, seen := visited[n]; seen {
					continue
				}
				path := append(append([]string{}, visited[id]...), n)
				visited[n] = path
				if n == toID {
					return e.fetchOrdered(ctx, path)
				}
				next = append(next, n)
			}
		}
		queue = next
		depth++
	}
	return nil, errs.Wrap(op, errs.NotFound, ErrLineagePathNotFound)
}

// GetEvolutionTimeline implements getEvolutionTimeline:
// ancestors (generation<0), self (0), descendants (>0), deduped by id,
// sorted by generation ascending; each entry carries the derivation
// relationship to its parent (or null for roots).
func (e *Engine) GetEvolutionTimeline(ctx context.Context, entityID string) ([]Entry, error) {
	const op = "lineage: get evolution timeline"
	if err := e.requireEntity(ctx, op, entityID); err != nil {
		return nil, err
	}

	ancestors, err := e.bfsWithGeneration(ctx, entityID, defaultMaxDepth, outgoing, -1)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	descendants, err := e.bfsWithGeneration(ctx, entityID, defaultMaxDepth, incoming, 1)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}

	self, err := e.getEntity(ctx, entityID)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}

	entries := make([]Entry, 0, len(ancestors)+len(descendants)+1)
	entries = append(entries, ancestors...)
	entries = append(entries, Entry{Entity: *self, Generation: 0})
	entries = append(entries, descendants...)

	seen := map[string]bool{}
	deduped := entries[:0]
	for _, entry := range entries {
		if seen[entry.Entity.ID] {
			continue
		}
		seen[entry.Entity.ID] = true
		deduped = append(deduped, entry)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].Generation < deduped[j].Generation
	})
	return deduped, nil
}

// BuildLineageGraph implements buildLineageGraph: returns the
// subgraph for visualization, null-id rows filtered out.
func (e *Engine) BuildLineageGraph(ctx context.Context, entityID string, depth int) (*LineageGraph, error) {
	const op = "lineage: build lineage graph"
	if depth <= 0 {
		depth = 3
	}
	if err := e.requireEntity(ctx, op, entityID); err != nil {
		return nil, err
	}

	ancestors, err := e.bfs(ctx, entityID, depth, outgoing)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	descendants, err := e.bfs(ctx, entityID, depth, incoming)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}

	nodeIDs := map[string]bool{entityID: true}
	var nodes []graph.Entity
	center, err := e.getEntity(ctx, entityID)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	nodes = append(nodes, *center)
	for _, a := range ancestors {
		if a.ID != "" && !nodeIDs[a.ID] {
			nodeIDs[a.ID] = true
			nodes = append(nodes, a)
		}
	}
	for _, d := range descendants {
		if d.ID != "" && !nodeIDs[d.ID] {
			nodeIDs[d.ID] = true
			nodes = append(nodes, d)
		}
	}

	var edges []graph.Relationship
	for id := range nodeIDs {
		rels, err := e.allDerivedFrom(ctx, id)
		if err != nil {
			return nil, errs.Wrap(op, errs.StorageError, err)
		}
		for _, r := range rels {
			if nodeIDs[r.SourceID] && nodeIDs[r.TargetID] {
				edges = append(edges, r)
			}
		}
	}
	edges = dedupRelationships(edges)

	return &LineageGraph{
		CenterEntityID:  entityID,
		Nodes:           nodes,
		Edges:           edges,
		AncestorCount:   len(ancestors),
		DescendantCount: len(descendants),
	}, nil
}

// direction selects which side of a DERIVED_FROM edge to follow.
type direction int

const (
	outgoing direction = iota // follow source_id = current (ancestors: child -> parent)
	incoming                  // follow target_id = current (descendants: parent -> child)
)

func (e *Engine) requireEntity(ctx context.Context, op, id string) error {
	_, err := e.getEntity(ctx, id)
	if err != nil {
		return errs.Wrap(op, errs.NotFound, fmt.Errorf("entity %q not found: %w", id, err))
	}
	return nil
}

func (e *Engine) getEntity(ctx context.Context, id string) (*graph.Entity, error) {
	const q = `
		SELECT id, type, name, properties, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at
		FROM   entities
		WHERE  id = $1 AND valid_to IS NULL`
	rows, err := e.pool.Query(ctx, q, id)
	if err != nil {
		return nil, err
	}
	entities, err := collectEntities(rows)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("not found")
	}
	return &entities[0], nil
}

func (e *Engine) neighborIDs(ctx context.Context, id string) ([]string, error) {
	const q = `
		SELECT CASE WHEN source_id = $1 THEN target_id ELSE source_id END
		FROM   relationships
		WHERE  type = $2 AND valid_to IS NULL AND (source_id = $1 OR target_id = $1)`
	rows, err := e.pool.Query(ctx, q, id, graph.DerivedFromType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		ids = append(ids, n)
	}
	return ids, rows.Err()
}

func (e *Engine) outgoingDerivedFrom(ctx context.Context, id string) ([]graph.Relationship, error) {
	const q = `
		SELECT id, type, source_id, target_id, properties, weight, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at
		FROM   relationships
		WHERE  source_id = $1 AND type = $2 AND valid_to IS NULL`
	rows, err := e.pool.Query(ctx, q, id, graph.DerivedFromType)
	if err != nil {
		return nil, err
	}
	return collectRelationships(rows)
}

func (e *Engine) allDerivedFrom(ctx context.Context, id string) ([]graph.Relationship, error) {
	const q = `
		SELECT id, type, source_id, target_id, properties, weight, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at
		FROM   relationships
		WHERE  (source_id = $1 OR target_id = $1) AND type = $2 AND valid_to IS NULL`
	rows, err := e.pool.Query(ctx, q, id, graph.DerivedFromType)
	if err != nil {
		return nil, err
	}
	return collectRelationships(rows)
}

// bfs walks DERIVED_FROM edges from start up to maxDepth hops in the given
// direction and returns all reachable entities (start excluded).
func (e *Engine) bfs(ctx context.Context, start string, maxDepth int, dir direction) ([]graph.Entity, error) {
	entries, err := e.bfsWithGeneration(ctx, start, maxDepth, dir, 1)
	if err != nil {
		return nil, err
	}
	entities := make([]graph.Entity, 0, len(entries))
	for _, entry := range entries {
		entities = append(entities, entry.Entity)
	}
	return entities, nil
}

// bfsWithGeneration is bfs but also records each entity's generation,
// signed by genSign (-1 for ancestors, +1 for descendants).
func (e *Engine) bfsWithGeneration(ctx context.Context, start string, maxDepth int, dir direction, genSign int) ([]Entry, error) {
	visited := map[string]bool{start: true}
	parentOf := map[string]string{}
	frontier := []string{start}
	var result []Entry
	depth := 0

	for len(frontier) > 0 && depth < maxDepth {
		depth++
		var next []string
		for _, id := range frontier {
			var q string
			if dir == outgoing {
				q = `SELECT target_id FROM relationships WHERE source_id = $1 AND type = $2 AND valid_to IS NULL`
			} else {
				q = `SELECT source_id FROM relationships WHERE target_id = $1 AND type = $2 AND valid_to IS NULL`
			}
			rows, err := e.pool.Query(ctx, q, id, graph.DerivedFromType)
			if err != nil {
				return nil, err
			}
			var neighbors []string
			for rows.Next() {
				var n string
				if err := rows.Scan(&n); err != nil {
					rows.Close()
					return nil, err
				}
				neighbors = append(neighbors, n)
			}
			rows.Close()

			for _, n := range neighbors {
				if visited[n] {
					continue
				}
				visited[n] = true
				parentOf[n] = id
				next = append(next, n)
			}
		}
		frontier = next

		for _, id := range frontier {
			ent, err := e.getEntity(ctx, id)
			if err != nil {
				continue
			}
			var derivation *graph.Relationship
			if parent, ok := parentOf[id]; ok {
				rel, err := e.derivationBetween(ctx, id, parent, dir)
				if err == nil {
					derivation = rel
				}
			}
			result = append(result, Entry{Entity: *ent, Generation: genSign * depth, Derivation: derivation})
		}
	}
	return result, nil
}

func (e *Engine) derivationBetween(ctx context.Context, child, parent string, dir direction) (*graph.Relationship, error) {
	var q string
	if dir == outgoing {
		q = `SELECT id, type, source_id, target_id, properties, weight, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at
		     FROM relationships WHERE source_id = $1 AND target_id = $2 AND type = $3 AND valid_to IS NULL LIMIT 1`
	} else {
		q = `SELECT id, type, source_id, target_id, properties, weight, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at
		     FROM relationships WHERE source_id = $2 AND target_id = $1 AND type = $3 AND valid_to IS NULL LIMIT 1`
	}
	rows, err := e.pool.Query(ctx, q, child, parent, graph.DerivedFromType)
	if err != nil {
		return nil, err
	}
	rels, err := collectRelationships(rows)
	if err != nil {
		return nil, err
	}
	if len(rels) == 0 {
		return nil, fmt.Errorf("not found")
	}
	return &rels[0], nil
}

func (e *Engine) fetchOrdered(ctx context.Context, ids []string) ([]graph.Entity, error) {
	ordered := make([]graph.Entity, 0, len(ids))
	for _, id := range ids {
		ent, err := e.getEntity(ctx, id)
		if err != nil {
			continue
		}
		ordered = append(ordered, *ent)
	}
	return ordered, nil
}

func orderedByDepthThenID(entries []Entry) []graph.Entity {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Generation != entries[j].Generation {
			return entries[i].Generation < entries[j].Generation
		}
		return entries[i].Entity.ID < entries[j].Entity.ID
	})
	entities := make([]graph.Entity, 0, len(entries))
	for _, entry := range entries {
		entities = append(entities, entry.Entity)
	}
	return entities
}

func dedupRelationships(rels []graph.Relationship) []graph.Relationship {
	seen := map[string]bool{}
	out := rels[:0]
	for _, r := range rels {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}

// collectEntities and collectRelationships mirror internal/graph's scan
// helpers (duplicated rather than exported: lineage reads the same tables
// through its own parameterized queries, same teacher idiom of a
// package-local scan helper per store).

func collectEntities(rows pgx.Rows) ([]graph.Entity, error) {
	entities, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.Entity, error) {
		var (
			e         graph.Entity
			propsJSON []byte
		)
		if err := row.Scan(&e.ID, &e.Type, &e.Name, &propsJSON, &e.Version, &e.ValidFrom, &e.ValidTo, &e.EventTime, &e.IngestionTime, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return graph.Entity{}, err
		}
		if len(propsJSON) > 0 {
			if err := json.Unmarshal(propsJSON, &e.Properties); err != nil {
				return graph.Entity{}, fmt.Errorf("unmarshal entity properties: %w", err)
			}
		}
		if e.Properties == nil {
			e.Properties = map[string]any{}
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	if entities == nil {
		entities = []graph.Entity{}
	}
	return entities, nil
}

func collectRelationships(rows pgx.Rows) ([]graph.Relationship, error) {
	rels, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.Relationship, error) {
		var (
			r         graph.Relationship
			propsJSON []byte
		)
		if err := row.Scan(&r.ID, &r.Type, &r.SourceID, &r.TargetID, &propsJSON, &r.Weight, &r.Version, &r.ValidFrom, &r.ValidTo, &r.EventTime, &r.IngestionTime, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return graph.Relationship{}, err
		}
		if len(propsJSON) > 0 {
			if err := json.Unmarshal(propsJSON, &r.Properties); err != nil {
				return graph.Relationship{}, fmt.Errorf("unmarshal relationship properties: %w", err)
			}
		}
		if r.Properties == nil {
			r.Properties = map[string]any{}
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	if rels == nil {
		rels = []graph.Relationship{}
	}
	return rels, nil
}
