// Package bm25index implements the Keyword signal of Hybrid Search
// as an incremental inverted index over bleve/v2, grounded
// on the pack's vinayprograms-agent internal/memory/bleve_store.go (same
// open-or-create index lifecycle, same document-mapping-per-field shape).
package bm25index

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/agentctx/memoryd/internal/errs"
)

// Document is one keyword-searchable record (a memory entry, entity name,
// or diagnostics finding rendered to text).
type Document struct {
	ID        string
	Content   string
	SessionID string
	EntityID  string
}

// Result is a Document plus its BM25-style relevance score.
type Result struct {
	Document Document
	Score    float64
}

// Index is the bleve-backed keyword index. k1 and b are recorded for
// documentation and for any future custom similarity hook; bleve/v2's
// scorch backend scores matches with a BM25-family formula that is not
// independently exposed for per-index k1/b tuning through the public API.
// k1 and b therefore have no effect on scoring here.
type Index struct {
	bleveIndex bleve.Index
	k1, b      float64
}

type docMapping struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
	EntityID  string `json:"entity_id"`
}

// New opens (or creates) a bleve index rooted at path and records the BM25
// parameters from config.BM25Config; they do not change scoring (see Index).
func New(path string, k1, b float64) (*Index, error) {
	const op = "bm25index: new"

	var idx bleve.Index
	if _, err := os.Stat(path); os.IsNotExist(err) {
		created, err := bleve.New(path, buildMapping())
		if err != nil {
			return nil, errs.Wrap(op, errs.StorageError, err)
		}
		idx = created
	} else {
		opened, err := bleve.Open(path)
		if err != nil {
			return nil, errs.Wrap(op, errs.StorageError, err)
		}
		idx = opened
	}

	return &Index{bleveIndex: idx, k1: k1, b: b}, nil
}

func buildMapping() mapping.IndexMapping {
	docMap := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	docMap.AddFieldMappingsAt("content", textField)

	keywordField := bleve.NewKeywordFieldMapping()
	docMap.AddFieldMappingsAt("session_id", keywordField)
	docMap.AddFieldMappingsAt("entity_id", keywordField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMap
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

// Close closes the underlying bleve index.
func (idx *Index) Close() error {
	return idx.bleveIndex.Close()
}

// Upsert indexes or replaces a Document by id.
func (idx *Index) Upsert(doc Document) error {
	const op = "bm25index: upsert"
	m := docMapping{ID: doc.ID, Content: doc.Content, SessionID: doc.SessionID, EntityID: doc.EntityID}
	if err := idx.bleveIndex.Index(doc.ID, m); err != nil {
		return errs.Wrap(op, errs.StorageError, err)
	}
	return nil
}

// Delete removes a Document by id. Deleting a non-existent id is not an
// error (bleve's Delete is itself idempotent).
func (idx *Index) Delete(id string) error {
	const op = "bm25index: delete"
	if err := idx.bleveIndex.Delete(id); err != nil {
		return errs.Wrap(op, errs.StorageError, err)
	}
	return nil
}

// Search implements Keyword signal: topK BM25 matches for
// queryText, optionally scoped to a session.
func (idx *Index) Search(queryText string, topK int, sessionID string) ([]Result, error) {
	const op = "bm25index: search"
	if topK <= 0 {
		topK = 10
	}

	matchQuery := bleve.NewMatchQuery(queryText)
	matchQuery.SetField("content")

	var searchQuery = bleve.Query(matchQuery)
	if sessionID != "" {
		sessionQuery := bleve.NewTermQuery(sessionID)
		sessionQuery.SetField("session_id")
		searchQuery = bleve.NewConjunctionQuery(matchQuery, sessionQuery)
	}

	req := bleve.NewSearchRequest(searchQuery)
	req.Size = topK
	req.Fields = []string{"content", "session_id", "entity_id"}

	searchResult, err := idx.bleveIndex.Search(req)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}

	results := make([]Result, 0, len(searchResult.Hits))
	for _, hit := range searchResult.Hits {
		content, _ := hit.Fields["content"].(string)
		sid, _ := hit.Fields["session_id"].(string)
		eid, _ := hit.Fields["entity_id"].(string)
		results = append(results, Result{
			Document: Document{ID: hit.ID, Content: content, SessionID: sid, EntityID: eid},
			Score:    hit.Score,
		})
	}
	return results, nil
}

// RenderForIndex flattens a map of named fields into a single text blob
// for documents (entities, diagnostics findings) that have structured
// content rather than a single free-text field.
func RenderForIndex(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if fields[k] == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", k, fields[k])
	}
	return b.String()
}
