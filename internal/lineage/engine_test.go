package lineage_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentctx/memoryd/internal/errs"
	"github.com/agentctx/memoryd/internal/graph"
	"github.com/agentctx/memoryd/internal/lineage"
)

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MEMORYD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEMORYD_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// chain creates a DERIVED_FROM chain root -> ... -> leaf, returning the
// entities in creation order (root first).
func chain(t *testing.T, store *graph.Store, names ...string) []graph.Entity {
	t.Helper()
	ctx := context.Background()
	var entities []graph.Entity
	for _, n := range names {
		e, err := store.CreateEntity(ctx, graph.EntityInput{Type: "CONCEPT", Name: n})
		if err != nil {
			t.Fatalf("CreateEntity(%s): %v", n, err)
		}
		entities = append(entities, *e)
	}
	for i := 1; i < len(entities); i++ {
		// entities[i] DERIVED_FROM entities[i-1]: child -> parent.
		if _, err := store.CreateRelationship(ctx, graph.RelationshipInput{
			Type: graph.DerivedFromType, SourceID: entities[i].ID, TargetID: entities[i-1].ID,
		}); err != nil {
			t.Fatalf("CreateRelationship %s->%s: %v", names[i], names[i-1], err)
		}
	}
	return entities
}

func newTestSetup(t *testing.T) (*graph.Store, *lineage.Engine) {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS relationships CASCADE",
		"DROP TABLE IF EXISTS entities CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema %q: %v", stmt, err)
		}
	}
	if err := graph.Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	store := graph.New(pool)
	return store, lineage.New(pool)
}

func TestGetAncestors(t *testing.T) {
	store, engine := newTestSetup(t)
	ctx := context.Background()

	// root <- mid <- leaf (leaf DERIVED_FROM mid DERIVED_FROM root).
	entities := chain(t, store, "root", "mid", "leaf")
	leaf := entities[2]

	ancestors, err := engine.GetAncestors(ctx, leaf.ID, 10)
	if err != nil {
		t.Fatalf("GetAncestors: %v", err)
	}
	if len(ancestors) != 2 {
		t.Fatalf("want 2 ancestors, got %d", len(ancestors))
	}
}

func TestGetDescendants(t *testing.T) {
	store, engine := newTestSetup(t)
	ctx := context.Background()

	entities := chain(t, store, "root", "mid", "leaf")
	root := entities[0]

	descendants, err := engine.GetDescendants(ctx, root.ID, 10)
	if err != nil {
		t.Fatalf("GetDescendants: %v", err)
	}
	if len(descendants) != 2 {
		t.Fatalf("want 2 descendants, got %d", len(descendants))
	}
}

func TestGetRootAncestors(t *testing.T) {
	store, engine := newTestSetup(t)
	ctx := context.Background()

	entities := chain(t, store, "root", "mid", "leaf")
	leaf := entities[2]

	roots, err := engine.GetRootAncestors(ctx, leaf.ID)
	if err != nil {
		t.Fatalf("GetRootAncestors: %v", err)
	}
	if len(roots) != 1 || roots[0].Name != "root" {
		t.Fatalf("want [root], got %+v", roots)
	}
}

func TestGetLineagePath(t *testing.T) {
	store, engine := newTestSetup(t)
	ctx := context.Background()

	entities := chain(t, store, "root", "mid", "leaf")
	root, leaf := entities[0], entities[2]

	path, err := engine.GetLineagePath(ctx, leaf.ID, root.ID, 10)
	if err != nil {
		t.Fatalf("GetLineagePath: %v", err)
	}
	if len(path) != 3 {
		t.Fatalf("want path length 3, got %d", len(path))
	}
	if path[0].ID != leaf.ID || path[len(path)-1].ID != root.ID {
		t.Errorf("path should run leaf -> root, got %+v", path)
	}
}

func TestGetLineagePathNotFound(t *testing.T) {
	store, engine := newTestSetup(t)
	ctx := context.Background()

	a, err := store.CreateEntity(ctx, graph.EntityInput{Type: "CONCEPT", Name: "isolated-a"})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	b, err := store.CreateEntity(ctx, graph.EntityInput{Type: "CONCEPT", Name: "isolated-b"})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	_, err = engine.GetLineagePath(ctx, a.ID, b.ID, 10)
	if errs.KindOf(err) != errs.NotFound {
		t.Errorf("want NotFound, got %v", err)
	}
}

func TestGetEvolutionTimeline(t *testing.T) {
	store, engine := newTestSetup(t)
	ctx := context.Background()

	entities := chain(t, store, "root", "mid", "leaf")
	mid := entities[1]

	timeline, err := engine.GetEvolutionTimeline(ctx, mid.ID)
	if err != nil {
		t.Fatalf("GetEvolutionTimeline: %v", err)
	}
	if len(timeline) != 3 {
		t.Fatalf("want 3 entries (root, mid, leaf), got %d", len(timeline))
	}
	for i := 1; i < len(timeline); i++ {
		if timeline[i-1].Generation > timeline[i].Generation {
			t.Errorf("timeline not sorted by generation: %+v", timeline)
		}
	}
	var sawSelf bool
	for _, entry := range timeline {
		if entry.Entity.ID == mid.ID {
			sawSelf = true
			if entry.Generation != 0 {
				t.Errorf("self generation = %d, want 0", entry.Generation)
			}
		}
	}
	if !sawSelf {
		t.Error("timeline should include the entity itself")
	}
}

func TestBuildLineageGraph(t *testing.T) {
	store, engine := newTestSetup(t)
	ctx := context.Background()

	entities := chain(t, store, "root", "mid", "leaf")
	mid := entities[1]

	g, err := engine.BuildLineageGraph(ctx, mid.ID, 3)
	if err != nil {
		t.Fatalf("BuildLineageGraph: %v", err)
	}
	if g.CenterEntityID != mid.ID {
		t.Errorf("CenterEntityID = %q, want %q", g.CenterEntityID, mid.ID)
	}
	if len(g.Nodes) != 3 {
		t.Errorf("want 3 nodes, got %d", len(g.Nodes))
	}
	if len(g.Edges) != 2 {
		t.Errorf("want 2 edges, got %d", len(g.Edges))
	}
	if g.AncestorCount != 1 || g.DescendantCount != 1 {
		t.Errorf("want 1 ancestor and 1 descendant, got %d/%d", g.AncestorCount, g.DescendantCount)
	}
}
