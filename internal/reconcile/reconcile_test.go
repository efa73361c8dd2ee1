package reconcile

import (
	"encoding/json"
	"testing"

	"github.com/agentctx/memoryd/internal/eventstore"
)

func marshalEvent(t *testing.T, kind eventstore.EventKind, payload any) eventstore.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return eventstore.Event{Type: string(kind), Payload: raw}
}

func TestReplayMemoryStates_SaveWithEmbedding(t *testing.T) {
	events := []eventstore.Event{
		marshalEvent(t, eventstore.MemorySaved, map[string]any{
			"id": "mem-1", "value": "hello", "embedding": []float32{1, 0, 0},
		}),
	}

	states := replayMemoryStates("sess-1", events)
	st, ok := states["mem-1"]
	if !ok {
		t.Fatalf("expected mem-1 in replayed states, got %+v", states)
	}
	if st.deleted {
		t.Error("freshly saved memory should not be tombstoned")
	}
	if st.value != "hello" {
		t.Errorf("value = %q, want hello", st.value)
	}
	if len(st.embedding) != 3 || st.embedding[0] != 1 {
		t.Errorf("embedding not restored: %+v", st.embedding)
	}
	if st.sessionID != "sess-1" {
		t.Errorf("sessionID = %q, want sess-1", st.sessionID)
	}
}

func TestReplayMemoryStates_UpdateOverwritesEmbedding(t *testing.T) {
	newValue := "updated"
	events := []eventstore.Event{
		marshalEvent(t, eventstore.MemorySaved, map[string]any{
			"id": "mem-1", "value": "hello", "embedding": []float32{1, 0, 0},
		}),
		marshalEvent(t, eventstore.MemoryUpdated, map[string]any{
			"id": "mem-1", "value": &newValue, "embedding": []float32{0, 1, 0},
		}),
	}

	states := replayMemoryStates("sess-1", events)
	st, ok := states["mem-1"]
	if !ok {
		t.Fatalf("expected mem-1 in replayed states")
	}
	if st.value != "updated" {
		t.Errorf("value = %q, want updated", st.value)
	}
	if len(st.embedding) != 3 || st.embedding[1] != 1 {
		t.Errorf("embedding not overwritten: %+v", st.embedding)
	}
}

func TestReplayMemoryStates_UpdateWithoutEmbeddingKeepsPrior(t *testing.T) {
	newValue := "updated"
	events := []eventstore.Event{
		marshalEvent(t, eventstore.MemorySaved, map[string]any{
			"id": "mem-1", "value": "hello", "embedding": []float32{1, 0, 0},
		}),
		marshalEvent(t, eventstore.MemoryUpdated, map[string]any{
			"id": "mem-1", "value": &newValue,
		}),
	}

	states := replayMemoryStates("sess-1", events)
	st := states["mem-1"]
	if len(st.embedding) != 3 || st.embedding[0] != 1 {
		t.Errorf("embedding should be retained when update omits it, got %+v", st.embedding)
	}
}

func TestReplayMemoryStates_DeleteTombstonesRatherThanRemoves(t *testing.T) {
	events := []eventstore.Event{
		marshalEvent(t, eventstore.MemorySaved, map[string]any{
			"id": "mem-1", "value": "hello", "embedding": []float32{1, 0, 0},
		}),
		marshalEvent(t, eventstore.MemoryDeleted, map[string]any{"id": "mem-1"}),
	}

	states := replayMemoryStates("sess-1", events)
	st, ok := states["mem-1"]
	if !ok {
		t.Fatalf("deleted memory should remain in the map as a tombstone")
	}
	if !st.deleted {
		t.Error("expected deleted == true after a MEMORY_DELETED event")
	}
}

func TestReplayMemoryStates_DeleteOfUnknownMemoryIsIgnored(t *testing.T) {
	events := []eventstore.Event{
		marshalEvent(t, eventstore.MemoryDeleted, map[string]any{"id": "never-saved"}),
	}

	states := replayMemoryStates("sess-1", events)
	if len(states) != 0 {
		t.Errorf("expected no state for a delete with no prior save, got %+v", states)
	}
}

func TestReplayMemoryStates_MultipleMemoriesIndependent(t *testing.T) {
	events := []eventstore.Event{
		marshalEvent(t, eventstore.MemorySaved, map[string]any{
			"id": "mem-1", "value": "a", "embedding": []float32{1, 0},
		}),
		marshalEvent(t, eventstore.MemorySaved, map[string]any{
			"id": "mem-2", "value": "b", "embedding": []float32{0, 1},
		}),
		marshalEvent(t, eventstore.MemoryDeleted, map[string]any{"id": "mem-1"}),
	}

	states := replayMemoryStates("sess-1", events)
	if len(states) != 2 {
		t.Fatalf("expected 2 tracked memories, got %d", len(states))
	}
	if !states["mem-1"].deleted {
		t.Error("mem-1 should be tombstoned")
	}
	if states["mem-2"].deleted {
		t.Error("mem-2 should not be affected by mem-1's delete")
	}
}

func TestReport_SkippedWhenStoresAreNil(t *testing.T) {
	r := New(nil, nil, nil, nil, nil)

	vecRep, err := r.ReconcileVectorIndex(nil)
	if err != nil {
		t.Fatalf("ReconcileVectorIndex with nil vectors: %v", err)
	}
	if !vecRep.Skipped {
		t.Error("expected vector pass to report Skipped with a nil index")
	}

	graphRep, err := r.ReconcileGraph(nil)
	if err != nil {
		t.Fatalf("ReconcileGraph with nil graph store: %v", err)
	}
	if !graphRep.Skipped {
		t.Error("expected graph pass to report Skipped with a nil graph store")
	}
}
