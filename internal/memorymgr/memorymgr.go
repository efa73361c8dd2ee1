// Package memorymgr materializes a session's memories from the Event Store
// and mediates all writes. Filtering follows a filter-by-AND-fields shape
// that always returns an empty non-nil slice on no matches. State lives
// only in the event log: hydration replays it to rebuild the in-memory
// cache rather than reading memories directly from a row store.
package memorymgr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"context"

	"github.com/agentctx/memoryd/internal/addressing"
	"github.com/agentctx/memoryd/internal/errs"
	"github.com/agentctx/memoryd/internal/eventstore"
)

// Priority enumerates memory priority levels.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Privacy enumerates memory visibility scopes.
type Privacy string

const (
	PrivacySession Privacy = "session"
	PrivacyGlobal  Privacy = "global"
)

// Memory is the domain entity materialized from MEMORY_* events.
type Memory struct {
	ID        string
	SessionID string
	Key       string
	Value     string
	Category  string
	Priority  Priority
	Privacy   Privacy
	Channel   string
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
	Embedding []float32
}

// SaveOptions carries the optional fields accepted by Save/SaveOrUpdate.
type SaveOptions struct {
	Category  string
	Priority  Priority
	Privacy   Privacy
	Channel   string
	Metadata  map[string]string
	Embedding []float32
}

// UpdatePartial carries the fields a caller wants to change; nil/zero fields
// are left untouched except Metadata, which is merged shallowly key-by-key.
type UpdatePartial struct {
	Value     *string
	Category  *string
	Priority  *Priority
	Channel   *string
	Metadata  map[string]string
	Embedding []float32
}

// Stats summarizes a Manager's cache for getStats().
type Stats struct {
	MemoryCount       int
	HydrationWarnings int
}

// VectorIndexer is the subset of internal/vectorindex's capability this
// package depends on. Declared here (teacher's interface-at-point-of-use
// convention, see pkg/memory.SemanticIndex) to avoid a direct package
// dependency from memorymgr to vectorindex.
type VectorIndexer interface {
	IndexMemory(ctx context.Context, sessionID, memoryID string, embedding []float32) error
	Search(ctx context.Context, sessionID string, query []float32, limit int, threshold float64) ([]VectorHit, error)
}

// VectorHit is a single semantic search result joined back to a MemoryId.
type VectorHit struct {
	MemoryID   string
	Similarity float64
}

type savedPayload struct {
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Value     string            `json:"value"`
	Category  string            `json:"category,omitempty"`
	Priority  string            `json:"priority,omitempty"`
	Privacy   string            `json:"privacy,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt string            `json:"createdAt"`
	UpdatedAt string            `json:"updatedAt"`
	Embedding []float32         `json:"embedding,omitempty"`
}

type updatedPayload struct {
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Value     *string           `json:"value,omitempty"`
	Category  *string           `json:"category,omitempty"`
	Priority  *string           `json:"priority,omitempty"`
	Channel   *string           `json:"channel,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"embedding,omitempty"`
	UpdatedAt string            `json:"updatedAt"`
}

type deletedPayload struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type recalledPayload struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

// Manager is a single-writer, per-session materialized view over the Event
// Store. It is not safe to run two Managers against the same session
// concurrently.
type Manager struct {
	mu                sync.Mutex
	sessionID         string
	store             *eventstore.Store
	vectors           VectorIndexer
	memories          map[string]*Memory // keyed by Key
	byID              map[string]*Memory // keyed by ID
	hydrationWarnings int
}

// Open constructs a Manager for sessionID and hydrates it by replaying every
// event recorded for that session, in order.
func Open(ctx context.Context, store *eventstore.Store, vectors VectorIndexer, sessionID string) (*Manager, error) {
	m := &Manager{
		sessionID: sessionID,
		store:     store,
		vectors:   vectors,
		memories:  make(map[string]*Memory),
		byID:      make(map[string]*Memory),
	}
	events, err := store.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("memorymgr: open: %w", err)
	}
	m.hydrate(events)
	return m, nil
}

func (m *Manager) hydrate(events []eventstore.Event) {
	for _, ev := range events {
		switch eventstore.EventKind(ev.Type) {
		case eventstore.MemorySaved:
			var p savedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				m.hydrationWarnings++
				continue
			}
			mem := memoryFromSaved(m.sessionID, p)
			m.memories[mem.Key] = mem
			m.byID[mem.ID] = mem
		case eventstore.MemoryUpdated:
			var p updatedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				m.hydrationWarnings++
				continue
			}
			mem, ok := m.byID[p.ID]
			if !ok {
				m.hydrationWarnings++
				continue
			}
			applyUpdate(mem, p)
		case eventstore.MemoryDeleted:
			var p deletedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				m.hydrationWarnings++
				continue
			}
			delete(m.memories, p.Key)
			delete(m.byID, p.ID)
		default:
			// SESSION_STARTED, SESSION_ENDED, MEMORY_RECALLED, CHECKPOINT, and any
			// unknown type are ignored for hydration purposes.
		}
	}
}

func memoryFromSaved(sessionID string, p savedPayload) *Memory {
	createdAt, _ := time.Parse(time.RFC3339Nano, p.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339Nano, p.UpdatedAt)
	priority := Priority(p.Priority)
	if priority == "" {
		priority = PriorityNormal
	}
	privacy := Privacy(p.Privacy)
	if privacy == "" {
		privacy = PrivacySession
	}
	return &Memory{
		ID:        p.ID,
		SessionID: sessionID,
		Key:       p.Key,
		Value:     p.Value,
		Category:  p.Category,
		Priority:  priority,
		Privacy:   privacy,
		Channel:   p.Channel,
		Metadata:  p.Metadata,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		Embedding: p.Embedding,
	}
}

func applyUpdate(mem *Memory, p updatedPayload) {
	if p.Value != nil {
		mem.Value = *p.Value
	}
	if p.Category != nil {
		mem.Category = *p.Category
	}
	if p.Priority != nil {
		mem.Priority = Priority(*p.Priority)
	}
	if p.Channel != nil {
		mem.Channel = *p.Channel
	}
	if p.Embedding != nil {
		mem.Embedding = p.Embedding
	}
	if len(p.Metadata) > 0 {
		if mem.Metadata == nil {
			mem.Metadata = make(map[string]string, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			mem.Metadata[k] = v
		}
	}
	if updatedAt, err := time.Parse(time.RFC3339Nano, p.UpdatedAt); err == nil {
		mem.UpdatedAt = updatedAt
	}
}

// Save creates a new memory under key. It fails with errs.AlreadyExists if
// key is already present.
func (m *Manager) Save(ctx context.Context, key, value string, opts SaveOptions) (*Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.memories[key]; exists {
		return nil, errs.Wrap("memorymgr.save", errs.AlreadyExists, fmt.Errorf("memory key %q already exists", key))
	}

	id, err := addressing.NewID()
	if err != nil {
		return nil, errs.Wrap("memorymgr.save", errs.StorageError, err)
	}
	now := time.Now().UTC()
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	privacy := opts.Privacy
	if privacy == "" {
		privacy = PrivacySession
	}

	mem := &Memory{
		ID:        id,
		SessionID: m.sessionID,
		Key:       key,
		Value:     value,
		Category:  opts.Category,
		Priority:  priority,
		Privacy:   privacy,
		Channel:   opts.Channel,
		Metadata:  opts.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
		Embedding: opts.Embedding,
	}

	payload := savedPayload{
		ID: id, Key: key, Value: value, Category: opts.Category,
		Priority: string(priority), Privacy: string(privacy), Channel: opts.Channel,
		Metadata: opts.Metadata, CreatedAt: now.Format(time.RFC3339Nano),
		UpdatedAt: now.Format(time.RFC3339Nano), Embedding: opts.Embedding,
	}
	if _, err := m.store.Append(ctx, m.sessionID, eventstore.MemorySaved, payload, eventstore.Indexed{
		Category: opts.Category, Priority: string(priority), Channel: opts.Channel,
	}); err != nil {
		return nil, fmt.Errorf("memorymgr: save: %w", err)
	}

	m.memories[key] = mem
	m.byID[id] = mem

	if len(opts.Embedding) > 0 && m.vectors != nil {
		if err := m.vectors.IndexMemory(ctx, m.sessionID, id, opts.Embedding); err != nil {
			return nil, errs.Wrap("memorymgr.save", errs.ServiceUnavailable, err)
		}
	}

	return mem, nil
}

// SaveOrUpdate saves key if absent, otherwise merges value/opts into the
// existing memory.
func (m *Manager) SaveOrUpdate(ctx context.Context, key, value string, opts SaveOptions) (*Memory, error) {
	m.mu.Lock()
	_, exists := m.memories[key]
	m.mu.Unlock()

	if !exists {
		return m.Save(ctx, key, value, opts)
	}
	return m.Update(ctx, key, UpdatePartial{
		Value: &value, Category: &opts.Category, Priority: &opts.Priority,
		Channel: &opts.Channel, Metadata: opts.Metadata, Embedding: opts.Embedding,
	})
}

// Update merges partial into the memory at key. It fails with
// errs.NotFound if key is absent.
func (m *Manager) Update(ctx context.Context, key string, partial UpdatePartial) (*Memory, error) {
	m.mu.Lock()
	mem, ok := m.memories[key]
	if !ok {
		m.mu.Unlock()
		return nil, errs.Wrap("memorymgr.update", errs.NotFound, fmt.Errorf("memory key %q not found", key))
	}
	id := mem.ID
	m.mu.Unlock()

	now := time.Now().UTC()
	payload := updatedPayload{ID: id, Key: key, Metadata: partial.Metadata, Embedding: partial.Embedding, UpdatedAt: now.Format(time.RFC3339Nano)}
	if partial.Value != nil {
		payload.Value = partial.Value
	}
	if partial.Category != nil {
		payload.Category = partial.Category
	}
	if partial.Priority != nil {
		s := string(*partial.Priority)
		payload.Priority = &s
	}
	if partial.Channel != nil {
		payload.Channel = partial.Channel
	}

	if _, err := m.store.Append(ctx, m.sessionID, eventstore.MemoryUpdated, payload, eventstore.Indexed{}); err != nil {
		return nil, fmt.Errorf("memorymgr: update: %w", err)
	}

	m.mu.Lock()
	applyUpdate(mem, payload)
	m.mu.Unlock()

	if len(partial.Embedding) > 0 && m.vectors != nil {
		if err := m.vectors.IndexMemory(ctx, m.sessionID, id, partial.Embedding); err != nil {
			return nil, errs.Wrap("memorymgr.update", errs.ServiceUnavailable, err)
		}
	}

	return mem, nil
}

// Delete removes the memory at key, emitting MEMORY_DELETED. Returns false
// (with no error) if key was not present.
func (m *Manager) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	mem, ok := m.memories[key]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	id := mem.ID
	m.mu.Unlock()

	if _, err := m.store.Append(ctx, m.sessionID, eventstore.MemoryDeleted, deletedPayload{ID: id, Key: key}, eventstore.Indexed{}); err != nil {
		return false, fmt.Errorf("memorymgr: delete: %w", err)
	}

	m.mu.Lock()
	delete(m.memories, key)
	delete(m.byID, id)
	m.mu.Unlock()
	return true, nil
}

// Get returns the memory at key.
func (m *Manager) Get(key string) (*Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memories[key]
	if !ok {
		return nil, errs.Wrap("memorymgr.get", errs.NotFound, fmt.Errorf("memory key %q not found", key))
	}
	return mem, nil
}

// GetByID returns the memory with the given id.
func (m *Manager) GetByID(id string) (*Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.byID[id]
	if !ok {
		return nil, errs.Wrap("memorymgr.get_by_id", errs.NotFound, fmt.Errorf("memory id %q not found", id))
	}
	return mem, nil
}

// Has reports whether key exists.
func (m *Manager) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.memories[key]
	return ok
}

// Count returns the number of live memories.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.memories)
}

// GetStats returns the manager's cache statistics, including the count of
// malformed events skipped during hydration.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{MemoryCount: len(m.memories), HydrationWarnings: m.hydrationWarnings}
}

// ListFilter filters the List operation.
type ListFilter struct {
	Category string
	Channel  string
	Priority Priority
}

// List returns all memories matching filter. An empty filter returns every
// live memory. The result is never nil, even when empty.
func (m *Manager) List(filter ListFilter) []*Memory {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Memory, 0)
	for _, mem := range m.memories {
		if filter.Category != "" && mem.Category != filter.Category {
			continue
		}
		if filter.Channel != "" && mem.Channel != filter.Channel {
			continue
		}
		if filter.Priority != "" && mem.Priority != filter.Priority {
			continue
		}
		out = append(out, mem)
	}
	return out
}

// SortOrder enumerates RecallQuery sort modes.
type SortOrder string

const (
	SortCreatedAsc  SortOrder = "created_asc"
	SortCreatedDesc SortOrder = "created_desc"
	SortUpdatedAsc  SortOrder = "updated_asc"
	SortUpdatedDesc SortOrder = "updated_desc"
)

// RecallQuery is the filter/sort/page spec accepted by Recall.
type RecallQuery struct {
	Key        string
	KeyPattern string
	Category   string
	Channel    string
	Priority   Priority
	SessionID  string
	Sort       SortOrder
	Offset     int
	Limit      int // 0 means default of 100
}

// Recall performs a server-side filter over the cache and emits a
// MEMORY_RECALLED audit event carrying the affected count. Recall never
// mutates state.
func (m *Manager) Recall(ctx context.Context, q RecallQuery) ([]*Memory, error) {
	m.mu.Lock()
	candidates := make([]*Memory, 0, len(m.memories))
	for _, mem := range m.memories {
		candidates = append(candidates, mem)
	}
	m.mu.Unlock()

	var keyRe *regexp.Regexp
	if q.KeyPattern != "" {
		pattern := globToRegexp(q.KeyPattern)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errs.Wrap("memorymgr.recall", errs.InvalidArgument, fmt.Errorf("bad keyPattern %q: %w", q.KeyPattern, err))
		}
		keyRe = re
	}

	filtered := make([]*Memory, 0, len(candidates))
	for _, mem := range candidates {
		if q.Key != "" && mem.Key != q.Key {
			continue
		}
		if keyRe != nil && !keyRe.MatchString(mem.Key) {
			continue
		}
		if q.Category != "" && mem.Category != q.Category {
			continue
		}
		if q.Channel != "" && mem.Channel != q.Channel {
			continue
		}
		if q.Priority != "" && mem.Priority != q.Priority {
			continue
		}
		if q.SessionID != "" && mem.SessionID != q.SessionID {
			continue
		}
		filtered = append(filtered, mem)
	}

	sortMemories(filtered, q.Sort)

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	paged := paginate(filtered, q.Offset, limit)

	if _, err := m.store.Append(ctx, m.sessionID, eventstore.MemoryRecalled, recalledPayload{Query: q.Key + q.KeyPattern, Count: len(paged)}, eventstore.Indexed{}); err != nil {
		return nil, fmt.Errorf("memorymgr: recall: %w", err)
	}

	return paged, nil
}

func sortMemories(mems []*Memory, order SortOrder) {
	switch order {
	case SortCreatedAsc:
		sort.Slice(mems, func(i, j int) bool { return mems[i].CreatedAt.Before(mems[j].CreatedAt) })
	case SortCreatedDesc:
		sort.Slice(mems, func(i, j int) bool { return mems[i].CreatedAt.After(mems[j].CreatedAt) })
	case SortUpdatedAsc:
		sort.Slice(mems, func(i, j int) bool { return mems[i].UpdatedAt.Before(mems[j].UpdatedAt) })
	case SortUpdatedDesc, "":
		sort.Slice(mems, func(i, j int) bool { return mems[i].UpdatedAt.After(mems[j].UpdatedAt) })
	}
}

func paginate(mems []*Memory, offset, limit int) []*Memory {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(mems) {
		return []*Memory{}
	}
	end := offset + limit
	if end > len(mems) {
		end = len(mems)
	}
	return mems[offset:end]
}

// globToRegexp converts shell glob syntax (* and ?) into an anchored regexp,
// per `keyPattern` semantics.
func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// SemanticSearchOptions configures SemanticSearch.
type SemanticSearchOptions struct {
	Limit     int
	Threshold float64
	Category  string
}

// SemanticSearchResult joins a vector hit back to its Memory record.
type SemanticSearchResult struct {
	Memory     *Memory
	Similarity float64
}

// SemanticSearch delegates to the Vector Index, scoped to this session, and
// joins results back to in-memory Memory records.
func (m *Manager) SemanticSearch(ctx context.Context, queryEmbedding []float32, opts SemanticSearchOptions) ([]SemanticSearchResult, error) {
	if m.vectors == nil {
		return nil, errs.Wrap("memorymgr.semantic_search", errs.ServiceUnavailable, fmt.Errorf("no vector index configured"))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	hits, err := m.vectors.Search(ctx, m.sessionID, queryEmbedding, limit, opts.Threshold)
	if err != nil {
		return nil, errs.Wrap("memorymgr.semantic_search", errs.ServiceUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SemanticSearchResult, 0, len(hits))
	for _, hit := range hits {
		mem, ok := m.byID[hit.MemoryID]
		if !ok {
			continue
		}
		if opts.Category != "" && mem.Category != opts.Category {
			continue
		}
		out = append(out, SemanticSearchResult{Memory: mem, Similarity: hit.Similarity})
	}
	return out, nil
}
