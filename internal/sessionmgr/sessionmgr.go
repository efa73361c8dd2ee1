// Package sessionmgr implements the session lifecycle state machine atop the
// Event Store: (none) -> start -> active -> end -> ended, with an abandoned
// terminal for unclean shutdowns. It uses a mutex-guarded struct with slog
// lifecycle logging.
package sessionmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentctx/memoryd/internal/addressing"
	"github.com/agentctx/memoryd/internal/errs"
	"github.com/agentctx/memoryd/internal/eventstore"
)

// Status enumerates the session lifecycle states.
type Status string

const (
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusAbandoned Status = "abandoned"
)

// Session is the domain entity returned to callers.
type Session struct {
	ID             string
	Name           string
	ProjectDir     string
	DefaultChannel string
	Status         Status
	StartedAt      time.Time
	EndedAt        *time.Time
	MemoryCount    int
}

// StartOptions carries the optional fields accepted by Start.
type StartOptions struct {
	Name           string
	ProjectDir     string
	ContinueFrom   string
	DefaultChannel string
}

type sessionStartedPayload struct {
	Name           string `json:"name,omitempty"`
	ProjectDir     string `json:"projectDir,omitempty"`
	DefaultChannel string `json:"defaultChannel,omitempty"`
	ContinueFrom   string `json:"continueFrom,omitempty"`
	StartedAt      string `json:"startedAt"`
}

type sessionEndedPayload struct {
	EndedAt string `json:"endedAt"`
}

// Manager owns the in-memory session registry and mediates every transition
// through the Event Store behind a single mutex-guarded struct.
type Manager struct {
	mu       sync.Mutex
	store    *eventstore.Store
	sessions map[string]*Session
	logger   *slog.Logger
}

// New constructs a Manager and reconstructs its session registry from the
// Event Store by replaying every SESSION_STARTED/SESSION_ENDED event across
// all sessions. Sessions left active without an ENDED event are marked
// abandoned so stale state from an unclean shutdown is never reported as
// active.
func New(ctx context.Context, store *eventstore.Store, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:    store,
		sessions: make(map[string]*Session),
		logger:   logger,
	}

	ids, err := store.ListSessionIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: new: %w", err)
	}
	for _, id := range ids {
		events, err := store.GetBySession(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("sessionmgr: new: replay session %s: %w", id, err)
		}
		sess := replaySession(id, events)
		if sess != nil {
			m.sessions[id] = sess
		}
	}
	if n := len(m.sessions); n > 0 {
		m.logger.Info("session registry rebuilt from event log", "sessions", n)
	}
	return m, nil
}

// replaySession rebuilds a single Session's state from its event sequence.
// A session left active with no SESSION_ENDED event is reported as
// abandoned rather than active, since the process that owned it is gone.
func replaySession(id string, events []eventstore.Event) *Session {
	var sess *Session
	for _, ev := range events {
		switch eventstore.EventKind(ev.Type) {
		case eventstore.SessionStarted:
			var payload sessionStartedPayload
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				continue
			}
			startedAt, _ := time.Parse(time.RFC3339Nano, payload.StartedAt)
			sess = &Session{
				ID:             id,
				Name:           payload.Name,
				ProjectDir:     payload.ProjectDir,
				DefaultChannel: payload.DefaultChannel,
				Status:         StatusActive,
				StartedAt:      startedAt,
			}
		case eventstore.SessionEnded:
			if sess == nil {
				continue
			}
			var payload sessionEndedPayload
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				continue
			}
			endedAt, _ := time.Parse(time.RFC3339Nano, payload.EndedAt)
			sess.Status = StatusEnded
			sess.EndedAt = &endedAt
		case eventstore.MemorySaved:
			if sess != nil {
				sess.MemoryCount++
			}
		case eventstore.MemoryDeleted:
			if sess != nil && sess.MemoryCount > 0 {
				sess.MemoryCount--
			}
		}
	}
	if sess != nil && sess.Status == StatusActive {
		sess.Status = StatusAbandoned
	}
	return sess
}

// Start begins a new session, emitting SESSION_STARTED. Starting a session
// while another is active is explicitly allowed: concurrent sessions are a
// first-class feature.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*Session, error) {
	id, err := addressing.NewID()
	if err != nil {
		return nil, errs.Wrap("sessionmgr.start", errs.StorageError, err)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:             id,
		Name:           opts.Name,
		ProjectDir:     opts.ProjectDir,
		DefaultChannel: opts.DefaultChannel,
		Status:         StatusActive,
		StartedAt:      now,
	}

	payload := sessionStartedPayload{
		Name:           opts.Name,
		ProjectDir:     opts.ProjectDir,
		DefaultChannel: opts.DefaultChannel,
		ContinueFrom:   opts.ContinueFrom,
		StartedAt:      now.Format(time.RFC3339Nano),
	}
	if _, err := m.store.Append(ctx, id, eventstore.SessionStarted, payload, eventstore.Indexed{Channel: opts.DefaultChannel}); err != nil {
		return nil, fmt.Errorf("sessionmgr: start: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.logger.Info("session started", "session_id", id, "project_dir", opts.ProjectDir, "continue_from", opts.ContinueFrom)
	return sess, nil
}

// End transitions id to ended, emitting SESSION_ENDED. End is idempotent
// once a session has reached a terminal state: calling it again is a no-op
// rather than an error.
func (m *Manager) End(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok && sess.Status != StatusActive {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if !ok {
		return errs.Wrap("sessionmgr.end", errs.NotFound, fmt.Errorf("session %s not found", id))
	}

	now := time.Now().UTC()
	payload := sessionEndedPayload{EndedAt: now.Format(time.RFC3339Nano)}
	if _, err := m.store.Append(ctx, id, eventstore.SessionEnded, payload, eventstore.Indexed{}); err != nil {
		return fmt.Errorf("sessionmgr: end: %w", err)
	}

	m.mu.Lock()
	sess.Status = StatusEnded
	sess.EndedAt = &now
	m.mu.Unlock()

	m.logger.Info("session ended", "session_id", id)
	return nil
}

// ListOptions filters ListSessions.
type ListOptions struct {
	Status Status // zero value means no filter
}

// List returns all known sessions, optionally filtered by status.
func (m *Manager) List(_ context.Context, opts ListOptions) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if opts.Status != "" && sess.Status != opts.Status {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, errs.Wrap("sessionmgr.get", errs.NotFound, fmt.Errorf("session %s not found", id))
	}
	return sess, nil
}

// SetMemoryCount updates the cached MemoryCount for a session. The
// context_checkpoint tool handler calls it so Session reads reflect the
// count at the last checkpoint without a join back to the event log.
func (m *Manager) SetMemoryCount(id string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		sess.MemoryCount = count
	}
}

// MarkAbandoned flags a session discovered active at startup with no recent
// event as abandoned, per unclean-shutdown terminal state.
func (m *Manager) MarkAbandoned(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok && sess.Status == StatusActive {
		sess.Status = StatusAbandoned
	}
}
