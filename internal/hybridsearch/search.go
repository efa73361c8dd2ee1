// Package hybridsearch fans out to the Vector Index, BM25 Index, and Graph
// Manager concurrently via errgroup, min-max normalizes each mode's scores,
// and fuses them with configurable weights.
package hybridsearch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/agentctx/memoryd/internal/bm25index"
	"github.com/agentctx/memoryd/internal/errs"
	"github.com/agentctx/memoryd/internal/extractor"
	"github.com/agentctx/memoryd/internal/graph"
	"github.com/agentctx/memoryd/internal/lineage"
	"github.com/agentctx/memoryd/internal/vectorindex"
)

// Weights are the per-mode fusion weights from config.HybridSearchConfig.
type Weights struct {
	Semantic float64
	Keyword  float64
	Graph    float64
}

// Options configures a Search call.
type Options struct {
	Query     string
	Limit     int
	SessionID string
	Weights   *Weights // nil uses the Engine's configured default
}

// GraphContext describes how a result relates to entities mentioned by the
// query.
type GraphContext struct {
	RelatedEntityIDs  []string
	RelationshipTypes []string
	HopDistance       int
}

// Result is the result shape for one candidate memory/entity.
type Result struct {
	MemoryID     string
	Content      string
	Similarity   float64
	HybridScore  float64
	SearchModes  []string
	ModeScores   map[string]float64
	GraphContext *GraphContext
}

// Embedder produces a query embedding for the Semantic signal. nil disables
// that mode.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Engine fuses the three Hybrid Search signals.
type Engine struct {
	vectors         *vectorindex.Index
	keywords        *bm25index.Index
	graphStore      *graph.Store
	lineageEngine   *lineage.Engine
	entityExtractor *extractor.Extractor
	embedder        Embedder
	maxGraphHops    int

	weightsMu      sync.RWMutex
	defaultWeights Weights
}

// New returns an Engine. Any of vectors, keywords, embedder may be nil to
// disable that mode.
func New(vectors *vectorindex.Index, keywords *bm25index.Index, graphStore *graph.Store, lineageEngine *lineage.Engine, entityExtractor *extractor.Extractor, embedder Embedder, defaultWeights Weights, maxGraphHops int) *Engine {
	if maxGraphHops <= 0 {
		maxGraphHops = 2
	}
	return &Engine{
		vectors:         vectors,
		keywords:        keywords,
		graphStore:      graphStore,
		lineageEngine:   lineageEngine,
		entityExtractor: entityExtractor,
		embedder:        embedder,
		defaultWeights:  defaultWeights,
		maxGraphHops:    maxGraphHops,
	}
}

// DefaultWeights returns the fusion weights used when a Search call does not
// override them via Options.Weights.
func (e *Engine) DefaultWeights() Weights {
	e.weightsMu.RLock()
	defer e.weightsMu.RUnlock()
	return e.defaultWeights
}

// SetDefaultWeights replaces the fusion weights, letting internal/config's
// file watcher hot-reload hybridWeights without restarting the process.
func (e *Engine) SetDefaultWeights(w Weights) {
	e.weightsMu.Lock()
	defer e.weightsMu.Unlock()
	e.defaultWeights = w
}

type modeHit struct {
	id      string
	content string
	score   float64
}

// Search fans out to the semantic, keyword, and graph sources concurrently
// and fuses their results into a single ranked list.
func (e *Engine) Search(ctx context.Context, opts Options) ([]Result, error) {
	const op = "hybridsearch: search"
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	weights := e.DefaultWeights()
	if opts.Weights != nil {
		weights = *opts.Weights
	}

	var (
		semanticHits []modeHit
		keywordHits  []modeHit
		graphHits    map[string]graphProximity
		mentioned    []extractor.Entity
	)

	eg, egCtx := errgroup.WithContext(ctx)

	if e.vectors != nil && e.embedder != nil {
		eg.Go(func() error {
			vec, err := e.embedder.Embed(egCtx, opts.Query)
			if err != nil {
				return fmt.Errorf("hybrid search: embed query: %w", err)
			}
			results, err := e.vectors.Search(egCtx, vec, limit*3, vectorindex.Filter{SessionID: opts.SessionID})
			if err != nil {
				return fmt.Errorf("hybrid search: vector search: %w", err)
			}
			for _, r := range results {
				semanticHits = append(semanticHits, modeHit{id: r.Record.ID, content: r.Record.Content, score: r.Similarity})
			}
			return nil
		})
	}

	if e.keywords != nil {
		eg.Go(func() error {
			results, err := e.keywords.Search(opts.Query, limit*3, opts.SessionID)
			if err != nil {
				return fmt.Errorf("hybrid search: keyword search: %w", err)
			}
			for _, r := range results {
				keywordHits = append(keywordHits, modeHit{id: r.Document.ID, content: r.Document.Content, score: r.Score})
			}
			return nil
		})
	}

	if e.graphStore != nil && e.entityExtractor != nil {
		eg.Go(func() error {
			mentioned = e.entityExtractor.Extract(opts.Query, nil)
			hits, err := e.graphProximityScores(egCtx, mentioned)
			if err != nil {
				return fmt.Errorf("hybrid search: graph proximity: %w", err)
			}
			graphHits = hits
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}

	activeWeights := redistribute(weights, e.vectors != nil && e.embedder != nil, e.keywords != nil, e.graphStore != nil && e.entityExtractor != nil)

	normSemantic := minMaxNormalize(semanticHits)
	normKeyword := minMaxNormalize(keywordHits)

	candidates := map[string]*Result{}
	ensure := func(id, content string) *Result {
		if r, ok := candidates[id]; ok {
			return r
		}
		r := &Result{MemoryID: id, Content: content, ModeScores: map[string]float64{}}
		candidates[id] = r
		return r
	}

	for id, score := range normSemantic {
		content := contentFor(semanticHits, id)
		r := ensure(id, content)
		r.Similarity = score
		r.ModeScores["semantic"] = score
		r.SearchModes = appendMode(r.SearchModes, "semantic")
	}
	for id, score := range normKeyword {
		content := contentFor(keywordHits, id)
		r := ensure(id, content)
		r.ModeScores["keyword"] = score
		r.SearchModes = appendMode(r.SearchModes, "keyword")
	}
	for id, gp := range graphHits {
		r := ensure(id, "")
		r.ModeScores["graph"] = gp.score
		r.SearchModes = appendMode(r.SearchModes, "graph")
		r.GraphContext = &GraphContext{
			RelatedEntityIDs:  gp.relatedEntityIDs,
			RelationshipTypes: gp.relationshipTypes,
			HopDistance:       gp.hopDistance,
		}
	}

	results := make([]Result, 0, len(candidates))
	for _, r := range candidates {
		r.HybridScore = activeWeights.Semantic*r.ModeScores["semantic"] +
			activeWeights.Keyword*r.ModeScores["keyword"] +
			activeWeights.Graph*r.ModeScores["graph"]
		results = append(results, *r)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].HybridScore > results[j].HybridScore })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

type graphProximity struct {
	score             float64
	relatedEntityIDs  []string
	relationshipTypes []string
	hopDistance       int
}

// graphProximityScores computes the Graph signal: for each entity within
// maxGraphHops of a mentioned entity, score = 1/(1+hopDistance).
func (e *Engine) graphProximityScores(ctx context.Context, mentioned []extractor.Entity) (map[string]graphProximity, error) {
	scores := map[string]graphProximity{}
	for _, m := range mentioned {
		entities, err := e.graphStore.FindEntitiesByType(ctx, m.Type)
		if err != nil {
			return nil, err
		}
		var centerID string
		for _, ent := range entities {
			if ent.Name == m.Name {
				centerID = ent.ID
				break
			}
		}
		if centerID == "" {
			continue
		}

		scores[centerID] = graphProximity{score: 1.0, relatedEntityIDs: []string{centerID}, hopDistance: 0}

		frontier := []string{centerID}
		for hop := 1; hop <= e.maxGraphHops && len(frontier) > 0; hop++ {
			var next []string
			for _, id := range frontier {
				rels, err := e.graphStore.FindRelationshipsByEntity(ctx, id)
				if err != nil {
					return nil, err
				}
				for _, r := range rels {
					neighbor := r.TargetID
					if neighbor == id {
						neighbor = r.SourceID
					}
					if _, seen := scores[neighbor]; seen {
						continue
					}
					scores[neighbor] = graphProximity{
						score:             1.0 / (1.0 + float64(hop)),
						relatedEntityIDs:  []string{centerID},
						relationshipTypes: []string{r.Type},
						hopDistance:       hop,
					}
					next = append(next, neighbor)
				}
			}
			frontier = next
		}
	}
	return scores, nil
}

func contentFor(hits []modeHit, id string) string {
	for _, h := range hits {
		if h.id == id {
			return h.content
		}
	}
	return ""
}

func appendMode(modes []string, mode string) []string {
	for _, m := range modes {
		if m == mode {
			return modes
		}
	}
	return append(modes, mode)
}

// minMaxNormalize rescales hit scores into [0,1] across the candidate set.
func minMaxNormalize(hits []modeHit) map[string]float64 {
	if len(hits) == 0 {
		return nil
	}
	min, max := hits[0].score, hits[0].score
	for _, h := range hits {
		if h.score < min {
			min = h.score
		}
		if h.score > max {
			max = h.score
		}
	}
	out := make(map[string]float64, len(hits))
	if max == min {
		for _, h := range hits {
			out[h.id] = 1.0
		}
		return out
	}
	for _, h := range hits {
		out[h.id] = (h.score - min) / (max - min)
	}
	return out
}

// redistribute normalizes weights when a mode is unavailable: its weight is
// redistributed proportionally across the remaining modes.
func redistribute(w Weights, semanticOn, keywordOn, graphOn bool) Weights {
	var total float64
	if semanticOn {
		total += w.Semantic
	}
	if keywordOn {
		total += w.Keyword
	}
	if graphOn {
		total += w.Graph
	}
	if total == 0 {
		return Weights{}
	}

	out := Weights{}
	if semanticOn {
		out.Semantic = w.Semantic / total
	}
	if keywordOn {
		out.Keyword = w.Keyword / total
	}
	if graphOn {
		out.Graph = w.Graph / total
	}
	return out
}
