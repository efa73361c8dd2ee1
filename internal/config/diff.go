package config

// ConfigDiff describes what changed between two configs. Only fields that are
// safe to apply without reopening a store are tracked in detail; fields that
// require a restart (dbPath, graphEndpoint, vectorDimensions, ...) are
// reported only via RestartRequired so the watcher's caller can decide what
// to do.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	HybridWeightsChanged bool
	NewHybridWeights     HybridSearchConfig

	MinConfidenceChanged bool
	NewMinConfidence     float64

	RetentionDaysChanged bool
	NewRetentionDays     int

	// RestartRequired is true when a field that cannot be hot-reloaded changed
	// (storage paths/endpoints, vector dimensions, MCP transport).
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.HybridSearch != new.HybridSearch {
		d.HybridWeightsChanged = true
		d.NewHybridWeights = new.HybridSearch
	}

	if old.Extraction.MinConfidence != new.Extraction.MinConfidence {
		d.MinConfidenceChanged = true
		d.NewMinConfidence = new.Extraction.MinConfidence
	}

	if old.Storage.RetentionDays != new.Storage.RetentionDays {
		d.RetentionDaysChanged = true
		d.NewRetentionDays = new.Storage.RetentionDays
	}

	if old.Storage.DBPath != new.Storage.DBPath ||
		old.Storage.DiagnosticsDBPath != new.Storage.DiagnosticsDBPath ||
		old.Storage.GraphEndpoint != new.Storage.GraphEndpoint ||
		old.Storage.VectorEndpoint != new.Storage.VectorEndpoint ||
		old.Storage.VectorDimensions != new.Storage.VectorDimensions ||
		old.MCP.Transport != new.MCP.Transport ||
		old.MCP.ListenAddr != new.MCP.ListenAddr {
		d.RestartRequired = true
	}

	return d
}
