package config_test

import (
	"testing"

	"github.com/agentctx/memoryd/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("DefaultConfig() should validate cleanly, got: %v", err)
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := config.DefaultConfig()

	if cfg.BM25.K1 != 1.2 || cfg.BM25.B != 0.75 {
		t.Errorf("bm25 defaults = {%v, %v}, want {1.2, 0.75}", cfg.BM25.K1, cfg.BM25.B)
	}
	sum := cfg.HybridSearch.Semantic + cfg.HybridSearch.Keyword + cfg.HybridSearch.Graph
	if sum < 0.999999 || sum > 1.000001 {
		t.Errorf("default hybrid weights sum to %v, want 1.0", sum)
	}
	if cfg.Graph.MaxLineageDepth != 10 {
		t.Errorf("MaxLineageDepth = %d, want 10", cfg.Graph.MaxLineageDepth)
	}
	if cfg.Graph.MaxTimelineDepth != 100 {
		t.Errorf("MaxTimelineDepth = %d, want 100", cfg.Graph.MaxTimelineDepth)
	}
	if cfg.Storage.DefaultBatchSize != 100 {
		t.Errorf("DefaultBatchSize = %d, want 100", cfg.Storage.DefaultBatchSize)
	}
	if cfg.Extraction.MinConfidence != 0.5 {
		t.Errorf("MinConfidence = %v, want 0.5", cfg.Extraction.MinConfidence)
	}
	if cfg.Extraction.MaxRelationshipsPerPair != 3 {
		t.Errorf("MaxRelationshipsPerPair = %d, want 3", cfg.Extraction.MaxRelationshipsPerPair)
	}
	if cfg.Storage.RetentionDays != 365 {
		t.Errorf("RetentionDays = %d, want 365", cfg.Storage.RetentionDays)
	}
	if cfg.HybridSearch.MaxGraphHops != 2 {
		t.Errorf("MaxGraphHops = %d, want 2", cfg.HybridSearch.MaxGraphHops)
	}
	if !cfg.Storage.EnableAutoMerge {
		t.Error("EnableAutoMerge should default true")
	}
	if !cfg.Storage.VersioningEnabled {
		t.Error("VersioningEnabled should default true")
	}
}

func TestLogLevelIsValid(t *testing.T) {
	cases := []struct {
		level config.LogLevel
		want  bool
	}{
		{"", true},
		{config.LogLevelDebug, true},
		{config.LogLevelInfo, true},
		{config.LogLevelWarn, true},
		{config.LogLevelError, true},
		{"verbose", false},
	}
	for _, tc := range cases {
		if got := tc.level.IsValid(); got != tc.want {
			t.Errorf("LogLevel(%q).IsValid() = %v, want %v", tc.level, got, tc.want)
		}
	}
}

func TestTransportIsValid(t *testing.T) {
	cases := []struct {
		transport config.Transport
		want      bool
	}{
		{"", true},
		{config.TransportStdio, true},
		{config.TransportHTTP, true},
		{"websocket", false},
	}
	for _, tc := range cases {
		if got := tc.transport.IsValid(); got != tc.want {
			t.Errorf("Transport(%q).IsValid() = %v, want %v", tc.transport, got, tc.want)
		}
	}
}

func TestValidateRejectsMissingDBPath(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.DBPath = ""
	if err := config.Validate(cfg); err == nil {
		t.Fatal("expected error for empty storage.db_path")
	}
}

func TestValidateRejectsVectorSearchWithoutDimensions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.EnableVectorSearch = true
	cfg.Storage.VectorDimensions = 0
	if err := config.Validate(cfg); err == nil {
		t.Fatal("expected error when enable_vector_search is true but vector_dimensions is 0")
	}
}

func TestValidateRejectsOutOfRangeMinConfidence(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Extraction.MinConfidence = 1.5
	if err := config.Validate(cfg); err == nil {
		t.Fatal("expected error for min_confidence out of [0,1]")
	}
}

func TestValidateRequiresListenAddrForHTTPTransport(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MCP.Transport = config.TransportHTTP
	cfg.MCP.ListenAddr = ""
	if err := config.Validate(cfg); err == nil {
		t.Fatal("expected error when mcp.transport is http without listen_addr")
	}
}

func TestValidateRejectsInvalidLogLevel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.LogLevel = "verbose"
	if err := config.Validate(cfg); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestValidateAllowsUnnormalizedHybridWeightsWithWarning(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HybridSearch.Semantic = 0.9
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("out-of-range hybrid weight sum should warn, not fail validation: %v", err)
	}
}
