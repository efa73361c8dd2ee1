package hybridsearch_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agentctx/memoryd/internal/bm25index"
	"github.com/agentctx/memoryd/internal/hybridsearch"
)

func newKeywordIndex(t *testing.T) *bm25index.Index {
	t.Helper()
	dir := t.TempDir()
	idx, err := bm25index.New(filepath.Join(dir, "keyword.bleve"), 1.2, 0.75)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestSearchKeywordOnlyRedistributesWeight(t *testing.T) {
	keywords := newKeywordIndex(t)
	if err := keywords.Upsert(bm25index.Document{ID: "m1", Content: "we decided to use postgresql for storage"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := keywords.Upsert(bm25index.Document{ID: "m2", Content: "completely unrelated content about gardening"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	engine := hybridsearch.New(nil, keywords, nil, nil, nil, nil, hybridsearch.Weights{Semantic: 0.5, Keyword: 0.3, Graph: 0.2}, 2)

	results, err := engine.Search(context.Background(), hybridsearch.Options{Query: "postgresql storage decision", Limit: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].MemoryID != "m1" {
		t.Errorf("top result = %q, want m1", results[0].MemoryID)
	}
	if results[0].HybridScore <= 0 {
		t.Errorf("HybridScore should reflect the full redistributed keyword weight, got %v", results[0].HybridScore)
	}
	for _, mode := range results[0].SearchModes {
		if mode != "keyword" {
			t.Errorf("only the keyword mode should be active, saw %q", mode)
		}
	}
}

func TestSearchWithNoEnginesReturnsEmpty(t *testing.T) {
	engine := hybridsearch.New(nil, nil, nil, nil, nil, nil, hybridsearch.Weights{Semantic: 0.5, Keyword: 0.3, Graph: 0.2}, 2)

	results, err := engine.Search(context.Background(), hybridsearch.Options{Query: "anything", Limit: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("want 0 results with no engines configured, got %d", len(results))
	}
}

func TestSearchRespectsLimit(t *testing.T) {
	keywords := newKeywordIndex(t)
	for i := 0; i < 5; i++ {
		if err := keywords.Upsert(bm25index.Document{ID: string(rune('a' + i)), Content: "shared keyword topic"}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	engine := hybridsearch.New(nil, keywords, nil, nil, nil, nil, hybridsearch.Weights{Semantic: 0.5, Keyword: 0.3, Graph: 0.2}, 2)
	results, err := engine.Search(context.Background(), hybridsearch.Options{Query: "shared keyword topic", Limit: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("want 2 results (limit), got %d", len(results))
	}
}
