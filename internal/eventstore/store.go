// Package eventstore implements the durable, append-only event journal that
// backs session and memory state. Every mutation to a session's memories is
// recorded as a typed event; the Memory Manager rebuilds its in-memory cache
// by replaying a session's events in sequence order (see internal/memorymgr).
//
// The store is backed by SQLite (database/sql + mattn/go-sqlite3), with a
// migrate-on-open step and parameterized queries throughout, since the
// event log has no need for a network-accessible server.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentctx/memoryd/internal/errs"
)

// EventKind enumerates the event types known to the store. Additional types
// pass through opaquely — the store does not validate Type against this set.
type EventKind string

const (
	SessionStarted EventKind = "SESSION_STARTED"
	SessionEnded   EventKind = "SESSION_ENDED"
	MemorySaved    EventKind = "MEMORY_SAVED"
	MemoryUpdated  EventKind = "MEMORY_UPDATED"
	MemoryDeleted  EventKind = "MEMORY_DELETED"
	MemoryRecalled EventKind = "MEMORY_RECALLED"
	Checkpoint     EventKind = "CHECKPOINT"
)

// Indexed carries the facets of an event payload that are promoted to their
// own columns for filtering without a JSON scan.
type Indexed struct {
	Category string
	Priority string
	Channel  string
}

// Event is a single immutable row in the journal.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Timestamp time.Time
	Payload   json.RawMessage
	Indexed   Indexed
}

// CheckpointRow is a reference point recorded for replay/debugging purposes.
// It does not change hydration semantics — the Memory Manager always replays
// every event, not just those since the last checkpoint.
type CheckpointRow struct {
	SessionID   string
	MemoryCount int
	Description string
	CreatedAt   time.Time
}

// maxDeleteBatch bounds the size of an IN-list used by deleteSessions, per
// requirement to chunk unbounded batches.
const maxDeleteBatch = 500

// Store is the SQLite-backed Event Store. The zero value is not usable; call
// Open to construct one.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// the journal schema. The returned Store's *sql.DB is a connection pool; a
// single process should share one Store per database file.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the underlying SQLite connection is reachable, for
// use as a health.Checker.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append inserts a new event for sessionID and returns its assigned id. The
// sequence number is the SQLite-assigned monotonically increasing row id,
// which is what callers use to order replay.
func (s *Store) Append(ctx context.Context, sessionID string, eventType EventKind, payload any, indexed Indexed) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, errs.Wrap("eventstore.append", errs.InvalidArgument, fmt.Errorf("marshal payload: %w", err))
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, type, timestamp, payload, category, priority, channel)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, string(eventType), nowRFC3339(), string(raw), indexed.Category, indexed.Priority, indexed.Channel,
	)
	if err != nil {
		return 0, errs.Wrap("eventstore.append", errs.StorageError, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.Wrap("eventstore.append", errs.StorageError, err)
	}
	return id, nil
}

// GetBySession returns all events for sessionID in strict sequence order.
func (s *Store) GetBySession(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, type, timestamp, payload, category, priority, channel
		 FROM events WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, errs.Wrap("eventstore.get_by_session", errs.StorageError, err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var (
			e        Event
			tsStr    string
			category sql.NullString
			priority sql.NullString
			channel  sql.NullString
			payload  string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &tsStr, &payload, &category, &priority, &channel); err != nil {
			return nil, errs.Wrap("eventstore.get_by_session", errs.StorageError, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, errs.Wrap("eventstore.get_by_session", errs.ConsistencyError, fmt.Errorf("parse timestamp: %w", err))
		}
		e.Timestamp = ts
		e.Payload = json.RawMessage(payload)
		e.Indexed = Indexed{Category: category.String, Priority: priority.String, Channel: channel.String}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap("eventstore.get_by_session", errs.StorageError, err)
	}
	return events, nil
}

// CreateCheckpoint writes a checkpoint row for sessionID.
func (s *Store) CreateCheckpoint(ctx context.Context, sessionID string, memoryCount int, description string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, memory_count, description, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, memoryCount, description, nowRFC3339(),
	)
	if err != nil {
		return errs.Wrap("eventstore.create_checkpoint", errs.StorageError, err)
	}
	return nil
}

// FindSessionIDsByProjectDir returns the ids of sessions whose SESSION_STARTED
// event payload has a matching projectDir. Matching is byte-literal against
// the normalized absolute path stored at session start.
func (s *Store) FindSessionIDsByProjectDir(ctx context.Context, dir string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, payload FROM events WHERE type = ? ORDER BY id ASC`,
		string(SessionStarted),
	)
	if err != nil {
		return nil, errs.Wrap("eventstore.find_session_ids_by_project_dir", errs.StorageError, err)
	}
	defer rows.Close()

	var payload struct {
		ProjectDir string `json:"projectDir"`
	}
	ids := make([]string, 0)
	for rows.Next() {
		var sessionID, raw string
		if err := rows.Scan(&sessionID, &raw); err != nil {
			return nil, errs.Wrap("eventstore.find_session_ids_by_project_dir", errs.StorageError, err)
		}
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			continue // malformed payload: skip per failure semantics
		}
		if payload.ProjectDir == dir {
			ids = append(ids, sessionID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap("eventstore.find_session_ids_by_project_dir", errs.StorageError, err)
	}
	return ids, nil
}

// ListSessionIDs returns the distinct session ids that have at least one
// event recorded, ordered by id ascending (first-seen order). Used by
// internal/reconcile to enumerate every session whose memories may need
// re-propagating to the Vector Index.
func (s *Store) ListSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM events GROUP BY session_id ORDER BY MIN(id) ASC`,
	)
	if err != nil {
		return nil, errs.Wrap("eventstore.list_session_ids", errs.StorageError, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap("eventstore.list_session_ids", errs.StorageError, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap("eventstore.list_session_ids", errs.StorageError, err)
	}
	return ids, nil
}

// DeleteSessions removes all events and checkpoints for the given session
// ids, chunking the IN-list at maxDeleteBatch entries.
func (s *Store) DeleteSessions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for start := 0; start < len(ids); start += maxDeleteBatch {
		end := start + maxDeleteBatch
		if end > len(ids) {
			end = len(ids)
		}
		if err := s.deleteSessionChunk(ctx, ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) deleteSessionChunk(ctx context.Context, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap("eventstore.delete_sessions", errs.StorageError, err)
	}
	defer tx.Rollback()

	placeholders, args := buildInClause(ids)

	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE session_id IN ("+placeholders+")", args...); err != nil {
		return errs.Wrap("eventstore.delete_sessions", errs.StorageError, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM checkpoints WHERE session_id IN ("+placeholders+")", args...); err != nil {
		return errs.Wrap("eventstore.delete_sessions", errs.StorageError, err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap("eventstore.delete_sessions", errs.StorageError, err)
	}
	return nil
}

func buildInClause(ids []string) (string, []any) {
	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	return string(placeholders), args
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
