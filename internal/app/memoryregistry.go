package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentctx/memoryd/internal/eventstore"
	"github.com/agentctx/memoryd/internal/memorymgr"
)

// memoryRegistry lazily opens and caches one memorymgr.Manager per session,
// satisfying memorytool.MemoryAccessor. A session's Manager is hydrated from
// the Event Store on first access and then kept in memory for the lifetime
// of the process, the same "open once, mutate in place" pattern
// internal/sessionmgr uses for its own session cache.
type memoryRegistry struct {
	events  *eventstore.Store
	vectors memorymgr.VectorIndexer

	mu       sync.Mutex
	managers map[string]*memorymgr.Manager
}

func newMemoryRegistry(events *eventstore.Store, vectors memorymgr.VectorIndexer) *memoryRegistry {
	return &memoryRegistry{
		events:   events,
		vectors:  vectors,
		managers: make(map[string]*memorymgr.Manager),
	}
}

// Get returns the Memory Manager for sessionID, opening and hydrating one
// from the Event Store if this is the first request for that session.
func (r *memoryRegistry) Get(ctx context.Context, sessionID string) (*memorymgr.Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if mgr, ok := r.managers[sessionID]; ok {
		return mgr, nil
	}

	mgr, err := memorymgr.Open(ctx, r.events, r.vectors, sessionID)
	if err != nil {
		return nil, fmt.Errorf("memory registry: open session %s: %w", sessionID, err)
	}
	r.managers[sessionID] = mgr
	return mgr, nil
}
