package eventstore

import (
	"context"
	"database/sql"
	"fmt"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — append-only event journal + checkpoints
// ─────────────────────────────────────────────────────────────────────────────

const ddlEvents = `
CREATE TABLE IF NOT EXISTS events (
    id          INTEGER  PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT     NOT NULL,
    type        TEXT     NOT NULL,
    timestamp   TEXT     NOT NULL,
    payload     TEXT     NOT NULL,
    category    TEXT,
    priority    TEXT,
    channel     TEXT
);
`

const ddlEventsIndex = `
CREATE INDEX IF NOT EXISTS idx_events_session_id ON events (session_id, id);
`

const ddlCheckpoints = `
CREATE TABLE IF NOT EXISTS checkpoints (
    session_id   TEXT NOT NULL,
    memory_count INTEGER NOT NULL,
    description  TEXT,
    created_at   TEXT NOT NULL
);
`

const ddlCheckpointsIndex = `
CREATE INDEX IF NOT EXISTS idx_checkpoints_session_id ON checkpoints (session_id);
`

// Migrate applies all DDL statements idempotently. Safe to call on every
// process start: each statement is a CREATE TABLE/INDEX IF NOT EXISTS run
// in sequence.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{ddlEvents, ddlEventsIndex, ddlCheckpoints, ddlCheckpointsIndex}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("eventstore: migrate: %w", err)
		}
	}
	return nil
}
