package diagnostics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentctx/memoryd/internal/addressing"
	"github.com/agentctx/memoryd/internal/errs"
)

// Status enumerates the outcome of a diagnostics run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
)

// Run is a single diagnostics run record. Many runs may reference the same
// AnalysisID; findings are attached to the analysis, not the run.
type Run struct {
	RunID          string
	AnalysisID     string
	ProjectID      string
	TreeHash       string
	CommitHash     string
	ToolName       string
	ToolVersion    string
	ConfigHash     string
	EnvHash        string
	Status         Status
	CreatedAt      time.Time
	DurationMs     int64
	FindingsDigest string
	RawInput       string
	Metadata       map[string]any
}

// Store is the SQLite-backed Diagnostics Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// the diagnostics schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: open: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Ping reports whether the underlying SQLite connection is reachable, for
// use as a health.Checker.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ComputeAnalysisID computes the AnalysisId for the given tuple, resolving
// the circular FindingsDigest/AnalysisId dependency via the two-stage pre-hash
// scheme (see PreFindingsDigest).
func ComputeAnalysisID(projectID, treeHash, toolName, toolVersion, configHash string, pre []PreFinding) (string, error) {
	digest, err := PreFindingsDigest(pre)
	if err != nil {
		return "", fmt.Errorf("diagnostics: compute analysis id: %w", err)
	}
	id, err := addressing.ComputeAnalysisID(addressing.AnalysisIDInput{
		ProjectID: projectID, TreeHash: treeHash, ToolName: toolName,
		ToolVersion: toolVersion, ConfigHash: configHash, FindingsDigest: digest,
	})
	if err != nil {
		return "", fmt.Errorf("diagnostics: compute analysis id: %w", err)
	}
	return id, nil
}

// SaveRun persists run and findings atomically: either both commit or
// neither does. Findings already present for the analysis (by FindingId) are
// not duplicated.
func (s *Store) SaveRun(ctx context.Context, run Run, findings []NormalizedFinding) error {
	metadataJSON, err := json.Marshal(run.Metadata)
	if err != nil {
		return errs.Wrap("diagnostics.save_run", errs.InvalidArgument, fmt.Errorf("marshal metadata: %w", err))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap("diagnostics.save_run", errs.StorageError, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO diag_runs (
			run_id, analysis_id, project_id, tree_hash, commit_hash, tool_name, tool_version,
			config_hash, env_hash, status, created_at, duration_ms, findings_digest, raw_input, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.AnalysisID, run.ProjectID, run.TreeHash, run.CommitHash, run.ToolName, run.ToolVersion,
		run.ConfigHash, run.EnvHash, string(run.Status), run.CreatedAt.UTC().Format(time.RFC3339Nano),
		run.DurationMs, run.FindingsDigest, run.RawInput, string(metadataJSON),
	)
	if err != nil {
		return errs.Wrap("diagnostics.save_run", errs.StorageError, fmt.Errorf("insert run: %w", err))
	}

	for _, f := range findings {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO diag_findings (
				finding_id, analysis_id, rule_id, severity, message, file_path, start_line, start_col, end_line, end_col
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.FindingID, f.AnalysisID, f.RuleID, string(f.Severity), f.NormalizedMessage, f.FilePath,
			f.StartLine, f.StartColumn, f.EndLine, f.EndColumn,
		)
		if err != nil {
			return errs.Wrap("diagnostics.save_run", errs.StorageError, fmt.Errorf("insert finding: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap("diagnostics.save_run", errs.StorageError, err)
	}
	return nil
}

// LatestRunFilter narrows GetLatestRun.
type LatestRunFilter struct {
	ProjectID   string
	ToolName    string
	ToolVersion string
	TreeHash    string
}

// GetLatestRun returns the most recent run matching filter.
func (s *Store) GetLatestRun(ctx context.Context, filter LatestRunFilter) (*Run, bool, error) {
	query := `SELECT run_id, analysis_id, project_id, tree_hash, commit_hash, tool_name, tool_version,
		config_hash, env_hash, status, created_at, duration_ms, findings_digest, raw_input, metadata
		FROM diag_runs WHERE project_id = ?`
	args := []any{filter.ProjectID}
	if filter.ToolName != "" {
		query += " AND tool_name = ?"
		args = append(args, filter.ToolName)
	}
	if filter.ToolVersion != "" {
		query += " AND tool_version = ?"
		args = append(args, filter.ToolVersion)
	}
	if filter.TreeHash != "" {
		query += " AND tree_hash = ?"
		args = append(args, filter.TreeHash)
	}
	query += " ORDER BY created_at DESC LIMIT 1"

	row := s.db.QueryRowContext(ctx, query, args...)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Wrap("diagnostics.get_latest_run", errs.StorageError, err)
	}
	return run, true, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows, letting scanRunRow
// back both single-row and multi-row queries against diag_runs.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row *sql.Row) (*Run, error) {
	return scanRunRow(row)
}

func scanRunRow(row rowScanner) (*Run, error) {
	var (
		r            Run
		status       string
		createdAt    string
		commitHash   sql.NullString
		envHash      sql.NullString
		rawInput     sql.NullString
		metadataJSON sql.NullString
		durationMs   sql.NullInt64
	)
	if err := row.Scan(&r.RunID, &r.AnalysisID, &r.ProjectID, &r.TreeHash, &commitHash, &r.ToolName, &r.ToolVersion,
		&r.ConfigHash, &envHash, &status, &createdAt, &durationMs, &r.FindingsDigest, &rawInput, &metadataJSON); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.CommitHash = commitHash.String
	r.EnvHash = envHash.String
	r.RawInput = rawInput.String
	r.DurationMs = durationMs.Int64
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = ts
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &r.Metadata)
	}
	return &r, nil
}

// ListAllRuns returns every run in the store ordered by creation time
// ascending. Used by internal/reconcile to replay diagnostics runs back into
// the entity graph after a rebuild.
func (s *Store) ListAllRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, analysis_id, project_id, tree_hash, commit_hash, tool_name, tool_version,
			config_hash, env_hash, status, created_at, duration_ms, findings_digest, raw_input, metadata
		FROM diag_runs ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, errs.Wrap("diagnostics.list_all_runs", errs.StorageError, err)
	}
	defer rows.Close()

	out := make([]Run, 0)
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, errs.Wrap("diagnostics.list_all_runs", errs.StorageError, err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap("diagnostics.list_all_runs", errs.StorageError, err)
	}
	return out, nil
}

// ListFindings returns every finding for analysisID.
func (s *Store) ListFindings(ctx context.Context, analysisID string) ([]NormalizedFinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT finding_id, analysis_id, rule_id, severity, message, file_path, start_line, start_col, end_line, end_col
		FROM diag_findings WHERE analysis_id = ? ORDER BY file_path, start_line, start_col, rule_id, finding_id`,
		analysisID,
	)
	if err != nil {
		return nil, errs.Wrap("diagnostics.list_findings", errs.StorageError, err)
	}
	defer rows.Close()

	out := make([]NormalizedFinding, 0)
	for rows.Next() {
		var f NormalizedFinding
		var severity string
		var ruleID, message, filePath sql.NullString
		var startCol, endLine, endCol sql.NullInt64
		if err := rows.Scan(&f.FindingID, &f.AnalysisID, &ruleID, &severity, &message, &filePath, &f.StartLine, &startCol, &endLine, &endCol); err != nil {
			return nil, errs.Wrap("diagnostics.list_findings", errs.StorageError, err)
		}
		f.RuleID = ruleID.String
		f.Severity = Severity(severity)
		f.NormalizedMessage = message.String
		f.FilePath = filePath.String
		f.StartColumn = int(startCol.Int64)
		f.EndLine = int(endLine.Int64)
		f.EndColumn = int(endCol.Int64)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap("diagnostics.list_findings", errs.StorageError, err)
	}
	return out, nil
}

// DeleteProject removes every run and finding associated with projectID,
// cascading through the analyses that belong only to this project's runs.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap("diagnostics.delete_project", errs.StorageError, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT analysis_id FROM diag_runs WHERE project_id = ?`, projectID)
	if err != nil {
		return errs.Wrap("diagnostics.delete_project", errs.StorageError, err)
	}
	var analysisIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return errs.Wrap("diagnostics.delete_project", errs.StorageError, err)
		}
		analysisIDs = append(analysisIDs, id)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM diag_runs WHERE project_id = ?`, projectID); err != nil {
		return errs.Wrap("diagnostics.delete_project", errs.StorageError, err)
	}
	for _, id := range analysisIDs {
		var remaining int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM diag_runs WHERE analysis_id = ?`, id).Scan(&remaining); err != nil {
			return errs.Wrap("diagnostics.delete_project", errs.StorageError, err)
		}
		if remaining == 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM diag_findings WHERE analysis_id = ?`, id); err != nil {
				return errs.Wrap("diagnostics.delete_project", errs.StorageError, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap("diagnostics.delete_project", errs.StorageError, err)
	}
	return nil
}

// DiffResult is the output of DiffAnalyses.
type DiffResult struct {
	Introduced []string
	Resolved   []string
	Unchanged  []string
}

// DiffAnalyses compares the finding-id sets of two analyses. unchanged = A ∩ B,
// introduced = B \ A, resolved = A \ B.
func (s *Store) DiffAnalyses(ctx context.Context, analysisIDA, analysisIDB string) (DiffResult, error) {
	a, err := s.ListFindings(ctx, analysisIDA)
	if err != nil {
		return DiffResult{}, fmt.Errorf("diagnostics: diff analyses: %w", err)
	}
	b, err := s.ListFindings(ctx, analysisIDB)
	if err != nil {
		return DiffResult{}, fmt.Errorf("diagnostics: diff analyses: %w", err)
	}
	return DiffFindingSets(a, b), nil
}

// DiffFindingSets computes the set difference directly over two in-memory
// finding slices, without a store round-trip.
func DiffFindingSets(a, b []NormalizedFinding) DiffResult {
	setA := make(map[string]struct{}, len(a))
	for _, f := range a {
		setA[f.FindingID] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, f := range b {
		setB[f.FindingID] = struct{}{}
	}

	var result DiffResult
	for id := range setA {
		if _, ok := setB[id]; ok {
			result.Unchanged = append(result.Unchanged, id)
		} else {
			result.Resolved = append(result.Resolved, id)
		}
	}
	for id := range setB {
		if _, ok := setA[id]; !ok {
			result.Introduced = append(result.Introduced, id)
		}
	}
	sort.Strings(result.Unchanged)
	sort.Strings(result.Resolved)
	sort.Strings(result.Introduced)
	return result
}
