package config_test

import (
	"strings"
	"testing"

	"github.com/agentctx/memoryd/internal/config"
)

func TestLoadFromReaderAppliesDefaultsForOmittedFields(t *testing.T) {
	yamlDoc := `
storage:
  db_path: /var/lib/memoryd/events.db
`
	cfg, err := config.LoadFromReader(strings.NewReader(yamlDoc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Storage.DBPath != "/var/lib/memoryd/events.db" {
		t.Errorf("DBPath = %q, want overridden value", cfg.Storage.DBPath)
	}
	// Omitted fields should retain DefaultConfig's values.
	if cfg.BM25.K1 != 1.2 {
		t.Errorf("BM25.K1 = %v, want default 1.2", cfg.BM25.K1)
	}
	if cfg.Graph.MaxLineageDepth != 10 {
		t.Errorf("MaxLineageDepth = %d, want default 10", cfg.Graph.MaxLineageDepth)
	}
}

func TestLoadFromReaderOverridesProvidedFields(t *testing.T) {
	yamlDoc := `
storage:
  db_path: events.db
hybrid_search:
  semantic: 0.7
  keyword: 0.2
  graph: 0.1
bm25:
  k1: 1.5
  b: 0.6
providers:
  llm_provider:
    name: openai
    api_key: sk-test
  embedding_provider:
    name: ollama
`
	cfg, err := config.LoadFromReader(strings.NewReader(yamlDoc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.HybridSearch.Semantic != 0.7 || cfg.HybridSearch.Keyword != 0.2 || cfg.HybridSearch.Graph != 0.1 {
		t.Errorf("HybridSearch = %+v, want overridden weights", cfg.HybridSearch)
	}
	if cfg.BM25.K1 != 1.5 || cfg.BM25.B != 0.6 {
		t.Errorf("BM25 = %+v, want overridden", cfg.BM25)
	}
	if cfg.Providers.LLM.Name != "openai" || cfg.Providers.LLM.APIKey != "sk-test" {
		t.Errorf("Providers.LLM = %+v, want openai/sk-test", cfg.Providers.LLM)
	}
	if cfg.Providers.Embedding.Name != "ollama" {
		t.Errorf("Providers.Embedding.Name = %q, want ollama", cfg.Providers.Embedding.Name)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	yamlDoc := `
storage:
  db_path: events.db
totally_unknown_field: true
`
	if _, err := config.LoadFromReader(strings.NewReader(yamlDoc)); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestLoadFromReaderRejectsInvalidConfig(t *testing.T) {
	yamlDoc := `
storage:
  db_path: ""
`
	if _, err := config.LoadFromReader(strings.NewReader(yamlDoc)); err == nil {
		t.Fatal("expected validation error for empty db_path")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load("/nonexistent/path/to/memoryd.yaml"); err == nil {
		t.Fatal("expected error loading nonexistent file")
	}
}

func TestLoadFromReaderEmptyDocumentUsesDefaults(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader(empty): %v", err)
	}
	// Default db_path is non-empty, so an empty document should validate.
	if cfg.Storage.DBPath == "" {
		t.Error("expected default db_path to survive an empty document")
	}
}
