package evolution_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentctx/memoryd/internal/errs"
	"github.com/agentctx/memoryd/internal/evolution"
	"github.com/agentctx/memoryd/internal/graph"
	"github.com/agentctx/memoryd/internal/temporal"
)

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MEMORYD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEMORYD_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestSetup(t *testing.T) (*graph.Store, *temporal.Store, *evolution.Engine) {
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

	graphStore := graph.New(pool)
	temporalStore := temporal.New(pool, true)
	engine := evolution.New(pool, temporalStore, graphStore, 100, time.Hour)
	return graphStore, temporalStore, engine
}

func TestGetEvolutionFirstVersionIsCreated(t *testing.T) {
	_, temporalStore, engine := newTestSetup(t)
	ctx := context.Background()

	if _, err := temporalStore.StoreEntity(ctx, graph.EntityInput{ID: "ent-1", Type: "TASK", Name: "v1"}); err != nil {
		t.Fatalf("StoreEntity: %v", err)
	}

	timeline, err := engine.GetEvolution(ctx, "ent-1", evolution.Options{})
	if err != nil {
		t.Fatalf("GetEvolution: %v", err)
	}
	if len(timeline.Changes) != 1 {
		t.Fatalf("want 1 change, got %d", len(timeline.Changes))
	}
	if timeline.Changes[0].ChangeType != evolution.ChangeCreated {
		t.Errorf("ChangeType = %q, want created", timeline.Changes[0].ChangeType)
	}
}

func TestGetEvolutionSubsequentVersionsAreUpdated(t *testing.T) {
	_, temporalStore, engine := newTestSetup(t)
	ctx := context.Background()

	if _, err := temporalStore.StoreEntity(ctx, graph.EntityInput{ID: "ent-2", Type: "TASK", Name: "v1"}); err != nil {
		t.Fatalf("StoreEntity v1: %v", err)
	}
	if _, err := temporalStore.StoreEntity(ctx, graph.EntityInput{ID: "ent-2", Type: "TASK", Name: "v2"}); err != nil {
		t.Fatalf("StoreEntity v2: %v", err)
	}

	timeline, err := engine.GetEvolution(ctx, "ent-2", evolution.Options{})
	if err != nil {
		t.Fatalf("GetEvolution: %v", err)
	}
	if len(timeline.Changes) != 2 {
		t.Fatalf("want 2 changes, got %d", len(timeline.Changes))
	}
	if timeline.Changes[0].ChangeType != evolution.ChangeCreated {
		t.Errorf("first change = %q, want created", timeline.Changes[0].ChangeType)
	}
	if timeline.Changes[1].ChangeType != evolution.ChangeUpdated {
		t.Errorf("second change = %q, want updated", timeline.Changes[1].ChangeType)
	}
	if timeline.Changes[1].PreviousState == nil {
		t.Fatal("second change should have PreviousState")
	}
	if timeline.Changes[1].PreviousState.Name != "v1" {
		t.Errorf("PreviousState.Name = %q, want v1", timeline.Changes[1].PreviousState.Name)
	}
	for i := 1; i < len(timeline.Changes); i++ {
		if timeline.Changes[i-1].Timestamp.After(timeline.Changes[i].Timestamp) {
			t.Error("changes should be sorted ascending by timestamp")
		}
	}
}

func TestGetEvolutionMissingEntity(t *testing.T) {
	_, _, engine := newTestSetup(t)
	ctx := context.Background()

	_, err := engine.GetEvolution(ctx, "does-not-exist", evolution.Options{})
	if errs.KindOf(err) != errs.NotFound {
		t.Errorf("want NotFound, got %v", err)
	}
}

func TestGetRelatedEvolution(t *testing.T) {
	graphStore, temporalStore, engine := newTestSetup(t)
	ctx := context.Background()

	if _, err := temporalStore.StoreEntity(ctx, graph.EntityInput{ID: "task-a", Type: "TASK", Name: "a"}); err != nil {
		t.Fatalf("StoreEntity a: %v", err)
	}
	if _, err := temporalStore.StoreEntity(ctx, graph.EntityInput{ID: "task-b", Type: "TASK", Name: "b"}); err != nil {
		t.Fatalf("StoreEntity b: %v", err)
	}
	if _, err := graphStore.CreateRelationship(ctx, graph.RelationshipInput{
		Type: "DEPENDS_ON", SourceID: "task-a", TargetID: "task-b",
	}); err != nil {
		t.Fatalf("CreateRelationship: %v", err)
	}

	related, err := engine.GetRelatedEvolution(ctx, "task-a")
	if err != nil {
		t.Fatalf("GetRelatedEvolution: %v", err)
	}
	if len(related) != 1 || related[0].NeighborID != "task-b" {
		t.Fatalf("want 1 related timeline for task-b, got %+v", related)
	}
}

func TestCompareEvolutionCorrelatesWithinWindow(t *testing.T) {
	graphStore, temporalStore, engine := newTestSetup(t)
	ctx := context.Background()

	if _, err := temporalStore.StoreEntity(ctx, graph.EntityInput{ID: "cmp-a", Type: "TASK", Name: "a"}); err != nil {
		t.Fatalf("StoreEntity a: %v", err)
	}
	if _, err := temporalStore.StoreEntity(ctx, graph.EntityInput{ID: "cmp-b", Type: "TASK", Name: "b"}); err != nil {
		t.Fatalf("StoreEntity b: %v", err)
	}
	if _, err := graphStore.CreateRelationship(ctx, graph.RelationshipInput{
		Type: "RELATED_TO", SourceID: "cmp-a", TargetID: "shared-neighbor",
	}); err != nil {
		t.Fatalf("CreateRelationship a: %v", err)
	}
	if _, err := graphStore.CreateRelationship(ctx, graph.RelationshipInput{
		Type: "RELATED_TO", SourceID: "cmp-b", TargetID: "shared-neighbor",
	}); err != nil {
		t.Fatalf("CreateRelationship b: %v", err)
	}

	cmp, err := engine.CompareEvolution(ctx, "cmp-a", "cmp-b")
	if err != nil {
		t.Fatalf("CompareEvolution: %v", err)
	}
	if len(cmp.CorrelatedChanges) == 0 {
		t.Error("expected at least one correlated change (both created around the same time)")
	}
	if len(cmp.CommonRelatedEntities) != 1 || cmp.CommonRelatedEntities[0] != "shared-neighbor" {
		t.Errorf("CommonRelatedEntities = %v, want [shared-neighbor]", cmp.CommonRelatedEntities)
	}
}

func TestCompareEvolutionMissingEntity(t *testing.T) {
	_, _, engine := newTestSetup(t)
	ctx := context.Background()

	_, err := engine.CompareEvolution(ctx, "nope-a", "nope-b")
	if errs.KindOf(err) != errs.NotFound {
		t.Errorf("want NotFound, got %v", err)
	}
}
