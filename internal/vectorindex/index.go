// Package vectorindex implements the Vector Index: a pgvector-backed embedding store with cosine-similarity top-K
// search, directly adapted from teacher's pkg/memory/postgres/semantic_index.go
// (same table shape, same HNSW index, generalized from chat chunks to
// arbitrary memory/entity content records).
package vectorindex

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/agentctx/memoryd/internal/errs"
)

const ddlTemplate = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS embeddings (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    entity_id   TEXT         NOT NULL DEFAULT '',
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_embeddings_session_id
    ON embeddings (session_id);

CREATE INDEX IF NOT EXISTS idx_embeddings_entity_id
    ON embeddings (entity_id);

CREATE INDEX IF NOT EXISTS idx_embeddings_vector
    ON embeddings USING hnsw (embedding vector_cosine_ops);
`

// Migrate installs the pgvector extension and the embeddings table, sized
// to dimensions. Changing dimensions after first migration requires a
// manual schema update, same caveat as teacher's ddlL2.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlTemplate, dimensions)); err != nil {
		return errs.Wrap("vectorindex: migrate", errs.StorageError, err)
	}
	return nil
}

// Record is a single embedded item.
type Record struct {
	ID        string
	SessionID string
	Content   string
	Embedding []float32
	EntityID  string
}

// Result is a Record plus its cosine similarity to the query vector
// (1 - cosine distance, in [-1, 1], normalized to [0,1] by callers that
// need it for hybrid fusion per ).
type Result struct {
	Record     Record
	Similarity float64
}

// Filter narrows Search to a subset of embeddings.
type Filter struct {
	SessionID string
	EntityID  string
}

// Index is the Vector Index over a pgx pool.
type Index struct {
	pool *pgxpool.Pool
}

// New returns an Index backed by pool. Callers must call [Migrate] first.
func New(pool *pgxpool.Pool) *Index {
	return &Index{pool: pool}
}

// Upsert implements embedding-store side: index or replace a
// Record by id.
func (idx *Index) Upsert(ctx context.Context, rec Record) error {
	const op = "vectorindex: upsert"
	const q = `
		INSERT INTO embeddings (id, session_id, content, embedding, entity_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
		    session_id = EXCLUDED.session_id,
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    entity_id  = EXCLUDED.entity_id,
		    timestamp  = now()`

	vec := pgvector.NewVector(rec.Embedding)
	if _, err := idx.pool.Exec(ctx, q, rec.ID, rec.SessionID, rec.Content, vec, rec.EntityID); err != nil {
		return errs.Wrap(op, errs.StorageError, err)
	}
	return nil
}

// Delete removes a Record by id. Deleting a non-existent id is not an
// error.
func (idx *Index) Delete(ctx context.Context, id string) error {
	const op = "vectorindex: delete"
	if _, err := idx.pool.Exec(ctx, `DELETE FROM embeddings WHERE id = $1`, id); err != nil {
		return errs.Wrap(op, errs.StorageError, err)
	}
	return nil
}

// Search implements Semantic signal: topK nearest neighbors
// by cosine distance, optionally filtered, ordered most-similar first.
func (idx *Index) Search(ctx context.Context, query []float32, topK int, filter Filter) ([]Result, error) {
	const op = "vectorindex: search"
	if topK <= 0 {
		topK = 10
	}

	args := []any{pgvector.NewVector(query)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var where string
	if filter.SessionID != "" {
		where += " AND session_id = " + next(filter.SessionID)
	}
	if filter.EntityID != "" {
		where += " AND entity_id = " + next(filter.EntityID)
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, session_id, content, embedding, entity_id,
		       1 - (embedding <=> $1) AS similarity
		FROM   embeddings
		WHERE  true %s
		ORDER  BY embedding <=> $1
		LIMIT  %s`, where, limitArg)

	rows, err := idx.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Result, error) {
		var (
			r   Result
			vec pgvector.Vector
		)
		if err := row.Scan(&r.Record.ID, &r.Record.SessionID, &r.Record.Content, &vec, &r.Record.EntityID, &r.Similarity); err != nil {
			return Result{}, err
		}
		r.Record.Embedding = vec.Slice()
		return r, nil
	})
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	if results == nil {
		results = []Result{}
	}
	return results, nil
}
