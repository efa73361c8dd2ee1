package temporal_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentctx/memoryd/internal/errs"
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

func newTestStore(t *testing.T, enabled bool) *temporal.Store {
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
	return temporal.New(pool, enabled)
}

func TestStoreEntityVersionsMonotonically(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()

	v1, err := store.StoreEntity(ctx, graph.EntityInput{ID: "ent-1", Type: "TASK", Name: "v1"})
	if err != nil {
		t.Fatalf("StoreEntity v1: %v", err)
	}
	if v1.Version != 1 {
		t.Errorf("first version = %d, want 1", v1.Version)
	}
	if v1.ValidTo != nil {
		t.Errorf("first version ValidTo = %v, want nil", v1.ValidTo)
	}

	v2, err := store.StoreEntity(ctx, graph.EntityInput{ID: "ent-1", Type: "TASK", Name: "v2"})
	if err != nil {
		t.Fatalf("StoreEntity v2: %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("second version = %d, want 2", v2.Version)
	}

	history, err := store.GetEntityHistory(ctx, "ent-1")
	if err != nil {
		t.Fatalf("GetEntityHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("want 2 history rows, got %d", len(history))
	}
	if history[0].Version != 2 {
		t.Errorf("history[0].Version = %d, want 2 (newest-first)", history[0].Version)
	}

	currentCount := 0
	for _, e := range history {
		if e.ValidTo == nil {
			currentCount++
		}
	}
	if currentCount != 1 {
		t.Errorf("exactly one current row expected, got %d", currentCount)
	}
}

func TestUpdateEntityMergesProperties(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()

	if _, err := store.StoreEntity(ctx, graph.EntityInput{
		ID: "ent-merge", Type: "TASK", Name: "task", Properties: map[string]any{"status": "open"},
	}); err != nil {
		t.Fatalf("StoreEntity: %v", err)
	}

	updated, err := store.UpdateEntity(ctx, "ent-merge", map[string]any{"assignee": "alice"})
	if err != nil {
		t.Fatalf("UpdateEntity: %v", err)
	}
	if updated.Properties["status"] != "open" {
		t.Errorf("UpdateEntity should preserve existing properties, got %v", updated.Properties)
	}
	if updated.Properties["assignee"] != "alice" {
		t.Errorf("UpdateEntity should merge new property, got %v", updated.Properties)
	}
	if updated.Version != 2 {
		t.Errorf("UpdateEntity should bump version, got %d", updated.Version)
	}
}

func TestUpdateEntityMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()

	_, err := store.UpdateEntity(ctx, "does-not-exist", map[string]any{})
	if errs.KindOf(err) != errs.NotFound {
		t.Errorf("want NotFound, got %v", err)
	}
}

func TestInvalidateEntityDoesNotInsertTombstone(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()

	if _, err := store.StoreEntity(ctx, graph.EntityInput{ID: "ent-inv", Type: "TASK", Name: "v1"}); err != nil {
		t.Fatalf("StoreEntity: %v", err)
	}
	if err := store.InvalidateEntity(ctx, "ent-inv"); err != nil {
		t.Fatalf("InvalidateEntity: %v", err)
	}

	history, err := store.GetEntityHistory(ctx, "ent-inv")
	if err != nil {
		t.Fatalf("GetEntityHistory: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("invalidate should not add a row, want 1, got %d", len(history))
	}
	if history[0].ValidTo == nil {
		t.Error("invalidated row should have ValidTo set")
	}

	// A later StoreEntity starts version n+1 from history.
	v2, err := store.StoreEntity(ctx, graph.EntityInput{ID: "ent-inv", Type: "TASK", Name: "v2"})
	if err != nil {
		t.Fatalf("StoreEntity after invalidate: %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("version after invalidate+store = %d, want 2", v2.Version)
	}
}

func TestGetEntityAtTime(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()

	if _, err := store.StoreEntity(ctx, graph.EntityInput{ID: "ent-time", Type: "TASK", Name: "v1"}); err != nil {
		t.Fatalf("StoreEntity v1: %v", err)
	}
	mid := time.Now()
	time.Sleep(10 * time.Millisecond)
	if _, err := store.StoreEntity(ctx, graph.EntityInput{ID: "ent-time", Type: "TASK", Name: "v2"}); err != nil {
		t.Fatalf("StoreEntity v2: %v", err)
	}

	atMid, err := store.GetEntityAtTime(ctx, "ent-time", mid)
	if err != nil {
		t.Fatalf("GetEntityAtTime(mid): %v", err)
	}
	if atMid.Name != "v1" {
		t.Errorf("GetEntityAtTime(mid).Name = %q, want v1", atMid.Name)
	}

	atNow, err := store.GetEntityAtTime(ctx, "ent-time", time.Now())
	if err != nil {
		t.Fatalf("GetEntityAtTime(now): %v", err)
	}
	if atNow.Name != "v2" {
		t.Errorf("GetEntityAtTime(now).Name = %q, want v2", atNow.Name)
	}
}

func TestStoreRelationshipVersions(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()

	v1, err := store.StoreRelationship(ctx, graph.RelationshipInput{
		ID: "rel-1", Type: "DEPENDS_ON", SourceID: "a", TargetID: "b", Weight: 0.5,
	})
	if err != nil {
		t.Fatalf("StoreRelationship v1: %v", err)
	}
	if v1.Version != 1 {
		t.Errorf("version = %d, want 1", v1.Version)
	}

	v2, err := store.StoreRelationship(ctx, graph.RelationshipInput{
		ID: "rel-1", Type: "DEPENDS_ON", SourceID: "a", TargetID: "b", Weight: 0.9,
	})
	if err != nil {
		t.Fatalf("StoreRelationship v2: %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("version = %d, want 2", v2.Version)
	}
	if v2.Weight != 0.9 {
		t.Errorf("Weight = %v, want 0.9", v2.Weight)
	}
}

func TestVersioningDisabledStaysAtVersionOne(t *testing.T) {
	store := newTestStore(t, false)
	ctx := context.Background()

	v1, err := store.StoreEntity(ctx, graph.EntityInput{ID: "ent-novers", Type: "TASK", Name: "v1"})
	if err != nil {
		t.Fatalf("StoreEntity v1: %v", err)
	}
	v2, err := store.StoreEntity(ctx, graph.EntityInput{ID: "ent-novers", Type: "TASK", Name: "v2"})
	if err != nil {
		t.Fatalf("StoreEntity v2: %v", err)
	}
	if v1.Version != 1 || v2.Version != 1 {
		t.Errorf("disabled versioning should stay at version 1, got %d then %d", v1.Version, v2.Version)
	}
}
