// Package config provides the configuration schema, loader, and provider
// registry for memoryd: the SQLite/Postgres DSNs, embedding/LLM provider
// selection, hybrid-search weights, and every other tunable option.
package config

import "time"

// LogLevel controls slog verbosity across every memoryd component.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised levels (or empty,
// which callers should treat as the "info" default).
func (l LogLevel) IsValid() bool {
	switch l {
	case "", LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// Config is the root configuration structure for memoryd.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Providers    ProvidersConfig    `yaml:"providers"`
	HybridSearch HybridSearchConfig `yaml:"hybrid_search"`
	BM25         BM25Config         `yaml:"bm25"`
	Graph        GraphConfig        `yaml:"graph"`
	Extraction   ExtractionConfig   `yaml:"extraction"`
	MCP          MCPConfig          `yaml:"mcp"`
}

// ServerConfig holds process-wide logging and health-check settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Empty is treated as "info".
	LogLevel LogLevel `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz and /readyz HTTP
	// endpoints. Empty disables the health server entirely.
	HealthAddr string `yaml:"health_addr"`
}

// StorageConfig holds the dbPath/diagnosticsDbPath/graphEndpoint/
// vectorEndpoint options.
type StorageConfig struct {
	// DBPath is the SQLite file backing the Event Store (events, checkpoints).
	DBPath string `yaml:"db_path"`

	// DiagnosticsDBPath is the SQLite file backing the Diagnostics Store
	// (diag_runs, diag_findings). May equal DBPath; kept separate in config
	// because the two stores are independently reconcilable.
	DiagnosticsDBPath string `yaml:"diagnostics_db_path"`

	// GraphEndpoint is the DSN for the property-graph/vector backing store
	// (PostgreSQL via pgx).
	GraphEndpoint string `yaml:"graph_endpoint"`

	// VectorEndpoint overrides GraphEndpoint for the Vector Index when the
	// vector store is deployed separately. Empty means "same as GraphEndpoint".
	VectorEndpoint string `yaml:"vector_endpoint"`

	// EnableVectorSearch gates whether the Memory Manager and Hybrid Search
	// attempt semantic/vector operations at all.
	EnableVectorSearch bool `yaml:"enable_vector_search"`

	// VectorDimensions is the embedding dimension used for the vector index
	// column (e.g., 768, 1536). Must match the configured embedding provider.
	VectorDimensions int `yaml:"vector_dimensions"`

	// DefaultBatchSize bounds Graph Manager batch-create chunking.
	DefaultBatchSize int `yaml:"default_batch_size"`

	// EnableAutoMerge toggles Graph Manager MERGE-by-id semantics versus the
	// get-then-create fallback.
	EnableAutoMerge bool `yaml:"enable_auto_merge"`

	// RetentionDays bounds how long the Temporal Store keeps superseded
	// entity/relationship versions before they become pruning-eligible.
	RetentionDays int `yaml:"retention_days"`

	// VersioningEnabled toggles bi-temporal versioning globally.
	VersioningEnabled bool `yaml:"versioning_enabled"`
}

// ProvidersConfig selects the embedding and LLM provider implementations.
type ProvidersConfig struct {
	Embedding ProviderEntry `yaml:"embedding_provider"`
	LLM       ProviderEntry `yaml:"llm_provider"`
}

// ProviderEntry is the common configuration block shared by provider kinds.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "ollama", "mock").
	Name string `yaml:"name"`

	// APIKey is the provider's API key.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration not covered above.
	Options map[string]any `yaml:"options"`
}

// HybridSearchConfig holds the fusion weights for hybrid search. Weights
// must sum to 1.0 ± epsilon; [Validate] only logs a warning otherwise,
// and hybridsearch renormalizes them at query time.
type HybridSearchConfig struct {
	Semantic float64 `yaml:"semantic"`
	Keyword  float64 `yaml:"keyword"`
	Graph    float64 `yaml:"graph"`

	// MaxGraphHops caps graph-proximity BFS depth (default 2).
	MaxGraphHops int `yaml:"max_graph_hops"`
}

// BM25Config holds the keyword-index scoring parameters.
type BM25Config struct {
	K1 float64 `yaml:"k1"`
	B  float64 `yaml:"b"`
}

// GraphConfig holds lineage/timeline bounds shared by the Lineage and
// Evolution Engines.
type GraphConfig struct {
	MaxLineageDepth int `yaml:"max_lineage_depth"`
	MaxTimelineDepth int `yaml:"max_timeline_depth"`

	// CorrelationWindow bounds how close two entities' changes must be in
	// time to be reported as "correlated" by the Evolution Engine's
	// compareEvolution.
	CorrelationWindow time.Duration `yaml:"correlation_window"`
}

// ExtractionConfig holds the shared confidence floor used by both the
// Entity Extractor and the Relationship Inferencer.
type ExtractionConfig struct {
	MinConfidence           float64 `yaml:"min_confidence"`
	MaxRelationshipsPerPair int     `yaml:"max_relationships_per_pair"`
}

// Transport enumerates how an MCP tool surface is exposed.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	switch t {
	case "", TransportStdio, TransportHTTP:
		return true
	default:
		return false
	}
}

// MCPConfig configures the inbound MCP tool-dispatch surface.
type MCPConfig struct {
	// Transport selects how the dispatch table is exposed. "stdio" is the
	// default used by cmd/memoryd.
	Transport Transport `yaml:"transport"`

	// ListenAddr is used when Transport is "http".
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns a Config populated with memoryd's documented
// defaults (bm25 k1=1.2/b=0.75, hybrid weights 0.5/0.3/0.2, maxLineageDepth=10,
// maxTimelineDepth=100, defaultBatchSize=100, minConfidence=0.5, maxHops=2,
// maxRelationshipsPerPair=3, retentionDays=365).
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{LogLevel: LogLevelInfo},
		Storage: StorageConfig{
			DBPath:            "memoryd.db",
			DiagnosticsDBPath: "memoryd-diagnostics.db",
			DefaultBatchSize:  100,
			EnableAutoMerge:   true,
			RetentionDays:     365,
			VersioningEnabled: true,
			VectorDimensions:  768,
		},
		HybridSearch: HybridSearchConfig{
			Semantic:     0.5,
			Keyword:      0.3,
			Graph:        0.2,
			MaxGraphHops: 2,
		},
		BM25: BM25Config{K1: 1.2, B: 0.75},
		Graph: GraphConfig{
			MaxLineageDepth:   10,
			MaxTimelineDepth:  100,
			CorrelationWindow: time.Hour,
		},
		Extraction: ExtractionConfig{
			MinConfidence:           0.5,
			MaxRelationshipsPerPair: 3,
		},
		MCP: MCPConfig{Transport: TransportStdio},
	}
}
