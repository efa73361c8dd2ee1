package app

import (
	"context"

	"github.com/agentctx/memoryd/internal/memorymgr"
	"github.com/agentctx/memoryd/internal/vectorindex"
)

// vectorIndexerAdapter adapts *vectorindex.Index (content-keyed, session/
// entity filterable) to the memorymgr.VectorIndexer shape the Memory
// Manager depends on. memorymgr declares its own narrow interface at the
// point of use (see memorymgr.VectorIndexer's doc comment) rather than
// importing internal/vectorindex directly, so this adapter is where the
// two shapes actually meet.
type vectorIndexerAdapter struct {
	index *vectorindex.Index
}

// newVectorIndexer wraps index for use as a memorymgr.VectorIndexer. Returns
// nil when index is nil, so callers can pass the result straight through
// without a separate nil check (memorymgr.Manager treats a nil VectorIndexer
// as "semantic indexing disabled").
func newVectorIndexer(index *vectorindex.Index) memorymgr.VectorIndexer {
	if index == nil {
		return nil
	}
	return &vectorIndexerAdapter{index: index}
}

// IndexMemory upserts the memory's embedding into the Vector Index. The
// memory's text content isn't available at this call site (only its
// embedding is), so Content is left empty; searches key on MemoryID and
// join back to the Memory Manager for display text, matching VectorHit's
// own id-only shape.
func (a *vectorIndexerAdapter) IndexMemory(ctx context.Context, sessionID, memoryID string, embedding []float32) error {
	return a.index.Upsert(ctx, vectorindex.Record{
		ID:        memoryID,
		SessionID: sessionID,
		Embedding: embedding,
	})
}

// Search runs a cosine-similarity top-K search scoped to sessionID and
// converts the results to memorymgr.VectorHit, applying threshold as a
// post-filter since vectorindex.Index has no native similarity floor.
func (a *vectorIndexerAdapter) Search(ctx context.Context, sessionID string, query []float32, limit int, threshold float64) ([]memorymgr.VectorHit, error) {
	results, err := a.index.Search(ctx, query, limit, vectorindex.Filter{SessionID: sessionID})
	if err != nil {
		return nil, err
	}

	hits := make([]memorymgr.VectorHit, 0, len(results))
	for _, r := range results {
		if r.Similarity < threshold {
			continue
		}
		hits = append(hits, memorymgr.VectorHit{MemoryID: r.Record.ID, Similarity: r.Similarity})
	}
	return hits, nil
}
