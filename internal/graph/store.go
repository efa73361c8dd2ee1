package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentctx/memoryd/internal/addressing"
	"github.com/agentctx/memoryd/internal/errs"
)

// Store implements the Graph Manager over a pgx connection
// pool, directly adapted from teacher's pkg/memory/postgres/knowledge_graph.go
// — same upsert-on-conflict and parameterized-query discipline, generalized
// from game entities to GraphEntity/GraphRelationship.
type Store struct {
	pool             *pgxpool.Pool
	defaultBatchSize int
	autoMerge        bool
}

// Option configures a Store.
type Option func(*Store)

// WithBatchSize overrides the default batch-create chunk size.
func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.defaultBatchSize = n
		}
	}
}

// WithAutoMerge toggles MergeEntity's upsert-by-id behavior. When disabled,
// MergeEntity falls back to get-then-create.
func WithAutoMerge(enabled bool) Option {
	return func(s *Store) { s.autoMerge = enabled }
}

// New returns a Store backed by pool. Callers must call [Migrate] before
// first use.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, defaultBatchSize: 100, autoMerge: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool exposes the underlying connection pool so that internal/temporal and
// internal/lineage, which extend this store's tables, can share one pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// CreateEntity implements createEntity: generates an id when
// absent, stamps timestamps, serializes Properties as canonical JSON.
func (s *Store) CreateEntity(ctx context.Context, in EntityInput) (*Entity, error) {
	const op = "graph: create entity"

	id := in.ID
	if id == "" {
		generated, err := addressing.NewID()
		if err != nil {
			return nil, errs.Wrap(op, errs.StorageError, err)
		}
		id = generated
	}

	propsJSON, err := json.Marshal(orEmpty(in.Properties))
	if err != nil {
		return nil, errs.Wrap(op, errs.InvalidArgument, err)
	}

	eventTime := in.EventTime
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}

	const q = `
		INSERT INTO entities (id, type, name, properties, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, now(), NULL, $5, now(), now(), now())
		RETURNING row_id, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at`

	var e Entity
	e.ID, e.Type, e.Name = id, in.Type, in.Name
	e.Properties = orEmpty(in.Properties)

	var rowID int64
	row := s.pool.QueryRow(ctx, q, id, in.Type, in.Name, propsJSON, eventTime)
	if err := row.Scan(&rowID, &e.Version, &e.ValidFrom, &e.ValidTo, &e.EventTime, &e.IngestionTime, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, errs.Wrap(op, errs.AlreadyExists, fmt.Errorf("entity %q already exists", id))
		}
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	return &e, nil
}

// GetEntity implements getEntity, returning the current
// (ValidTo IS NULL) row.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	const op = "graph: get entity"
	const q = `
		SELECT id, type, name, properties, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at
		FROM   entities
		WHERE  id = $1 AND valid_to IS NULL`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	entities, err := collectEntities(rows)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	if len(entities) == 0 {
		return nil, errs.Wrap(op, errs.NotFound, fmt.Errorf("entity %q not found", id))
	}
	return &entities[0], nil
}

// UpdateEntity implements updateEntity: a non-versioned partial
// update in place on the current row (internal/temporal.UpdateEntity is the
// versioned variant that supersedes this for bi-temporal callers).
func (s *Store) UpdateEntity(ctx context.Context, id string, partial map[string]any) error {
	const op = "graph: update entity"
	propsJSON, err := json.Marshal(partial)
	if err != nil {
		return errs.Wrap(op, errs.InvalidArgument, err)
	}

	const q = `
		UPDATE entities
		SET    properties = properties || $2::jsonb,
		       updated_at = now()
		WHERE  id = $1 AND valid_to IS NULL`

	tag, err := s.pool.Exec(ctx, q, id, propsJSON)
	if err != nil {
		return errs.Wrap(op, errs.StorageError, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Wrap(op, errs.NotFound, fmt.Errorf("entity %q not found", id))
	}
	return nil
}

// DeleteEntity implements deleteEntity, removing every version
// row and incident relationships. Deleting a non-existent entity is not an
// error, matching teacher's DeleteEntity convention.
func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	const op = "graph: delete entity"
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(op, errs.StorageError, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM relationships WHERE source_id = $1 OR target_id = $1`, id); err != nil {
		return errs.Wrap(op, errs.StorageError, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE id = $1`, id); err != nil {
		return errs.Wrap(op, errs.StorageError, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(op, errs.StorageError, err)
	}
	return nil
}

// FindEntitiesByType implements findEntitiesByType.
func (s *Store) FindEntitiesByType(ctx context.Context, entityType string) ([]Entity, error) {
	const op = "graph: find entities by type"
	const q = `
		SELECT id, type, name, properties, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at
		FROM   entities
		WHERE  type = $1 AND valid_to IS NULL
		ORDER  BY name`

	rows, err := s.pool.Query(ctx, q, entityType)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	result, err := collectEntities(rows)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	return result, nil
}

// CreateRelationship implements createRelationship. Weight is
// clamped to [0,1] per invariant 7.
func (s *Store) CreateRelationship(ctx context.Context, in RelationshipInput) (*Relationship, error) {
	const op = "graph: create relationship"

	id := in.ID
	if id == "" {
		generated, err := addressing.NewID()
		if err != nil {
			return nil, errs.Wrap(op, errs.StorageError, err)
		}
		id = generated
	}

	propsJSON, err := json.Marshal(orEmpty(in.Properties))
	if err != nil {
		return nil, errs.Wrap(op, errs.InvalidArgument, err)
	}

	eventTime := in.EventTime
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}

	if in.Type == DerivedFromType {
		closesCycle, err := s.wouldCloseCycle(ctx, in.SourceID, in.TargetID)
		if err != nil {
			return nil, errs.Wrap(op, errs.StorageError, err)
		}
		if closesCycle {
			return nil, errs.Wrap(op, errs.ConsistencyError, fmt.Errorf("DERIVED_FROM %s -> %s would close a cycle", in.SourceID, in.TargetID))
		}
	}

	const q = `
		INSERT INTO relationships (id, type, source_id, target_id, properties, weight, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, now(), NULL, $7, now(), now(), now())
		RETURNING row_id, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at`

	var r Relationship
	r.ID, r.Type, r.SourceID, r.TargetID = id, in.Type, in.SourceID, in.TargetID
	r.Properties = orEmpty(in.Properties)
	r.Weight = clampWeight(in.Weight)

	var rowID int64
	row := s.pool.QueryRow(ctx, q, id, in.Type, in.SourceID, in.TargetID, propsJSON, r.Weight, eventTime)
	if err := row.Scan(&rowID, &r.Version, &r.ValidFrom, &r.ValidTo, &r.EventTime, &r.IngestionTime, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, errs.Wrap(op, errs.AlreadyExists, fmt.Errorf("relationship %q already exists", id))
		}
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	return &r, nil
}

// GetRelationship implements getRelationship.
func (s *Store) GetRelationship(ctx context.Context, id string) (*Relationship, error) {
	const op = "graph: get relationship"
	const q = `
		SELECT id, type, source_id, target_id, properties, weight, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at
		FROM   relationships
		WHERE  id = $1 AND valid_to IS NULL`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	rels, err := collectRelationships(rows)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	if len(rels) == 0 {
		return nil, errs.Wrap(op, errs.NotFound, fmt.Errorf("relationship %q not found", id))
	}
	return &rels[0], nil
}

// DeleteRelationship implements deleteRelationship. Deleting a
// non-existent relationship is not an error.
func (s *Store) DeleteRelationship(ctx context.Context, id string) error {
	const op = "graph: delete relationship"
	if _, err := s.pool.Exec(ctx, `DELETE FROM relationships WHERE id = $1`, id); err != nil {
		return errs.Wrap(op, errs.StorageError, err)
	}
	return nil
}

// FindRelationshipsByEntity implements // findRelationshipsByEntity, returning both outgoing and incoming edges.
func (s *Store) FindRelationshipsByEntity(ctx context.Context, entityID string) ([]Relationship, error) {
	const op = "graph: find relationships by entity"
	const q = `
		SELECT id, type, source_id, target_id, properties, weight, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at
		FROM   relationships
		WHERE  (source_id = $1 OR target_id = $1) AND valid_to IS NULL
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, entityID)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	rels, err := collectRelationships(rows)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	return rels, nil
}

// MergeEntity implements mergeEntity: upsert by id when
// auto-merge is enabled, otherwise get-then-create.
func (s *Store) MergeEntity(ctx context.Context, in EntityInput) (*Entity, error) {
	const op = "graph: merge entity"

	if !s.autoMerge {
		if in.ID != "" {
			existing, err := s.GetEntity(ctx, in.ID)
			if err == nil {
				return existing, nil
			}
			if errs.KindOf(err) != errs.NotFound {
				return nil, err
			}
		}
		return s.CreateEntity(ctx, in)
	}

	id := in.ID
	if id == "" {
		generated, err := addressing.NewID()
		if err != nil {
			return nil, errs.Wrap(op, errs.StorageError, err)
		}
		id = generated
	}

	propsJSON, err := json.Marshal(orEmpty(in.Properties))
	if err != nil {
		return nil, errs.Wrap(op, errs.InvalidArgument, err)
	}

	eventTime := in.EventTime
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}

	const q = `
		INSERT INTO entities (id, type, name, properties, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, now(), NULL, $5, now(), now(), now())
		ON CONFLICT (id) WHERE valid_to IS NULL DO UPDATE SET
		    type       = EXCLUDED.type,
		    name       = EXCLUDED.name,
		    properties = EXCLUDED.properties,
		    updated_at = now()
		RETURNING row_id, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at`

	var e Entity
	e.ID, e.Type, e.Name = id, in.Type, in.Name
	e.Properties = orEmpty(in.Properties)

	var rowID int64
	row := s.pool.QueryRow(ctx, q, id, in.Type, in.Name, propsJSON, eventTime)
	if err := row.Scan(&rowID, &e.Version, &e.ValidFrom, &e.ValidTo, &e.EventTime, &e.IngestionTime, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	return &e, nil
}

// BatchCreateEntities implements batchCreateEntities, chunking
// into groups of s.defaultBatchSize (default 100). Partial failure in a
// batch aborts that batch; already-written chunks stay committed, and the
// returned error names the failed chunk and how many entities were committed.
func (s *Store) BatchCreateEntities(ctx context.Context, inputs []EntityInput) ([]Entity, error) {
	const op = "graph: batch create entities"
	result := make([]Entity, 0, len(inputs))

	for start := 0; start < len(inputs); start += s.defaultBatchSize {
		end := start + s.defaultBatchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		chunk := inputs[start:end]

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return result, errs.Wrap(op, errs.StorageError, fmt.Errorf("begin chunk [%d:%d) after %d committed: %w", start, end, len(result), err))
		}

		var chunkResult []Entity
		ok := true
		for _, in := range chunk {
			e, err := s.createEntityTx(ctx, tx, in)
			if err != nil {
				ok = false
				tx.Rollback(ctx)
				return result, errs.Wrap(op, errs.StorageError, fmt.Errorf("chunk [%d:%d) after %d committed: %w", start, end, len(result), err))
			}
			chunkResult = append(chunkResult, *e)
		}
		if ok {
			if err := tx.Commit(ctx); err != nil {
				return result, errs.Wrap(op, errs.StorageError, fmt.Errorf("commit chunk [%d:%d) after %d committed: %w", start, end, len(result), err))
			}
			result = append(result, chunkResult...)
		}
	}
	return result, nil
}

func (s *Store) createEntityTx(ctx context.Context, tx pgx.Tx, in EntityInput) (*Entity, error) {
	id := in.ID
	if id == "" {
		generated, err := addressing.NewID()
		if err != nil {
			return nil, err
		}
		id = generated
	}
	propsJSON, err := json.Marshal(orEmpty(in.Properties))
	if err != nil {
		return nil, err
	}
	eventTime := in.EventTime
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}

	const q = `
		INSERT INTO entities (id, type, name, properties, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, now(), NULL, $5, now(), now(), now())
		RETURNING row_id, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at`

	var e Entity
	e.ID, e.Type, e.Name = id, in.Type, in.Name
	e.Properties = orEmpty(in.Properties)

	var rowID int64
	row := tx.QueryRow(ctx, q, id, in.Type, in.Name, propsJSON, eventTime)
	if err := row.Scan(&rowID, &e.Version, &e.ValidFrom, &e.ValidTo, &e.EventTime, &e.IngestionTime, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// wouldCloseCycle reports whether adding a DERIVED_FROM edge source->target
// would create a cycle: true when target can already transitively reach
// source.
func (s *Store) wouldCloseCycle(ctx context.Context, source, target string) (bool, error) {
	if source == target {
		return true, nil
	}
	const q = `
		WITH RECURSIVE reachable AS (
		    SELECT target_id AS id FROM relationships
		    WHERE source_id = $1 AND type = $2 AND valid_to IS NULL

		    UNION

		    SELECT r.target_id
		    FROM   relationships r
		    JOIN   reachable rc ON r.source_id = rc.id
		    WHERE  r.type = $2 AND r.valid_to IS NULL
		)
		SELECT EXISTS (SELECT 1 FROM reachable WHERE id = $3)`

	var exists bool
	row := s.pool.QueryRow(ctx, q, target, DerivedFromType, source)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}

func collectEntities(rows pgx.Rows) ([]Entity, error) {
	entities, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entity, error) {
		var (
			e         Entity
			propsJSON []byte
		)
		if err := row.Scan(&e.ID, &e.Type, &e.Name, &propsJSON, &e.Version, &e.ValidFrom, &e.ValidTo, &e.EventTime, &e.IngestionTime, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return Entity{}, err
		}
		if len(propsJSON) > 0 {
			if err := json.Unmarshal(propsJSON, &e.Properties); err != nil {
				return Entity{}, fmt.Errorf("unmarshal entity properties: %w", err)
			}
		}
		if e.Properties == nil {
			e.Properties = map[string]any{}
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	if entities == nil {
		entities = []Entity{}
	}
	return entities, nil
}

func collectRelationships(rows pgx.Rows) ([]Relationship, error) {
	rels, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Relationship, error) {
		var (
			r         Relationship
			propsJSON []byte
		)
		if err := row.Scan(&r.ID, &r.Type, &r.SourceID, &r.TargetID, &propsJSON, &r.Weight, &r.Version, &r.ValidFrom, &r.ValidTo, &r.EventTime, &r.IngestionTime, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return Relationship{}, err
		}
		if len(propsJSON) > 0 {
			if err := json.Unmarshal(propsJSON, &r.Properties); err != nil {
				return Relationship{}, fmt.Errorf("unmarshal relationship properties: %w", err)
			}
		}
		if r.Properties == nil {
			r.Properties = map[string]any{}
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	if rels == nil {
		rels = []Relationship{}
	}
	return rels, nil
}
