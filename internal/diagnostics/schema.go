package diagnostics

import (
	"context"
	"database/sql"
	"fmt"
)

const ddlRuns = `
CREATE TABLE IF NOT EXISTS diag_runs (
    run_id          TEXT PRIMARY KEY,
    analysis_id     TEXT NOT NULL,
    project_id      TEXT NOT NULL,
    tree_hash       TEXT NOT NULL,
    commit_hash     TEXT,
    tool_name       TEXT NOT NULL,
    tool_version    TEXT NOT NULL,
    config_hash     TEXT NOT NULL,
    env_hash        TEXT,
    status          TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    duration_ms     INTEGER,
    findings_digest TEXT NOT NULL,
    raw_input       TEXT,
    metadata        TEXT
);
`

const ddlRunsIndexAnalysis = `CREATE INDEX IF NOT EXISTS idx_diag_runs_analysis_id ON diag_runs (analysis_id);`
const ddlRunsIndexProject = `CREATE INDEX IF NOT EXISTS idx_diag_runs_project_id ON diag_runs (project_id, created_at DESC);`

const ddlFindings = `
CREATE TABLE IF NOT EXISTS diag_findings (
    finding_id  TEXT PRIMARY KEY,
    analysis_id TEXT NOT NULL,
    rule_id     TEXT,
    severity    TEXT NOT NULL,
    message     TEXT NOT NULL,
    file_path   TEXT NOT NULL,
    start_line  INTEGER NOT NULL,
    start_col   INTEGER,
    end_line    INTEGER,
    end_col     INTEGER
);
`

const ddlFindingsIndexAnalysis = `CREATE INDEX IF NOT EXISTS idx_diag_findings_analysis_id ON diag_findings (analysis_id);`

// Migrate applies the diagnostics schema idempotently.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{ddlRuns, ddlRunsIndexAnalysis, ddlRunsIndexProject, ddlFindings, ddlFindingsIndexAnalysis}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("diagnostics: migrate: %w", err)
		}
	}
	return nil
}
