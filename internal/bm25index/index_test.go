package bm25index_test

import (
	"path/filepath"
	"testing"

	"github.com/agentctx/memoryd/internal/bm25index"
)

func newTestIndex(t *testing.T) *bm25index.Index {
	t.Helper()
	dir := t.TempDir()
	idx, err := bm25index.New(filepath.Join(dir, "keyword.bleve"), 1.2, 0.75)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestUpsertAndSearch(t *testing.T) {
	idx := newTestIndex(t)

	if err := idx.Upsert(bm25index.Document{ID: "d1", Content: "the user prefers dark mode and vim keybindings"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(bm25index.Document{ID: "d2", Content: "we decided to use postgresql for the database"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := idx.Search("dark mode preferences", 10, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].Document.ID != "d1" {
		t.Errorf("top result = %q, want d1", results[0].Document.ID)
	}
}

func TestSearchScopedBySession(t *testing.T) {
	idx := newTestIndex(t)

	if err := idx.Upsert(bm25index.Document{ID: "s1", SessionID: "sess-1", Content: "postgres migration plan"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(bm25index.Document{ID: "s2", SessionID: "sess-2", Content: "postgres migration plan"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := idx.Search("postgres migration", 10, "sess-1")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Document.ID != "s1" {
		t.Fatalf("want only s1, got %+v", results)
	}
}

func TestDeleteRemovesDocument(t *testing.T) {
	idx := newTestIndex(t)

	if err := idx.Upsert(bm25index.Document{ID: "del-1", Content: "ephemeral note"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Delete("del-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	results, err := idx.Search("ephemeral", 10, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("want 0 results after delete, got %d", len(results))
	}
}

func TestRenderForIndexIsDeterministic(t *testing.T) {
	fields := map[string]string{"b": "second", "a": "first", "empty": ""}
	got := bm25index.RenderForIndex(fields)
	want := "a: first\nb: second\n"
	if got != want {
		t.Errorf("RenderForIndex = %q, want %q", got, want)
	}
}
