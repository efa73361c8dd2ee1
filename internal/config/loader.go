package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind, used by
// [Validate] to warn about unrecognised names without rejecting them (a
// caller may legitimately register a custom factory under any name).
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anyllm", "mock"},
	"embeddings": {"openai", "ollama", "mock"},
}

// Load reads the YAML configuration file at path, applies [DefaultConfig] for
// unset fields, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, starting from [DefaultConfig]
// so that omitted fields keep their documented defaults, and validates the
// result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found; out-of-range hybrid
// weights are *not* validation failures but are logged.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.MCP.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("mcp.transport %q is invalid; valid values: stdio, http", cfg.MCP.Transport))
	}
	if cfg.MCP.Transport == TransportHTTP && cfg.MCP.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("mcp.listen_addr is required when mcp.transport is http"))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, fmt.Errorf("storage.db_path is required"))
	}
	if cfg.Storage.EnableVectorSearch && cfg.Storage.VectorDimensions <= 0 {
		errs = append(errs, fmt.Errorf("storage.vector_dimensions must be positive when storage.enable_vector_search is true"))
	}
	if cfg.Extraction.MinConfidence < 0 || cfg.Extraction.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("extraction.min_confidence %.2f must be in [0,1]", cfg.Extraction.MinConfidence))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embedding.Name)

	if cfg.Providers.Embedding.Name != "" && !cfg.Storage.EnableVectorSearch {
		slog.Warn("providers.embedding_provider is configured but storage.enable_vector_search is false; embeddings will be accepted but never searched")
	}

	sum := cfg.HybridSearch.Semantic + cfg.HybridSearch.Keyword + cfg.HybridSearch.Graph
	if sum > 0 && (sum < 0.999999 || sum > 1.000001) {
		slog.Warn("hybrid_search weights do not sum to 1.0; hybridsearch renormalizes at query time",
			"semantic", cfg.HybridSearch.Semantic, "keyword", cfg.HybridSearch.Keyword, "graph", cfg.HybridSearch.Graph, "sum", sum)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	for _, k := range known {
		if k == name {
			return
		}
	}
	slog.Warn("unknown provider name — may be a typo or a custom-registered provider",
		"kind", kind, "name", name, "known", known)
}
