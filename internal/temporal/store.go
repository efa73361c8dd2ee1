// Package temporal implements the Temporal Store: a
// bi-temporal versioning overlay on top of internal/graph's entities and
// relationships tables. Every write produces a new version row and closes
// out the previous current row, preserving eventTime (domain time)
// independently of ingestionTime (write time).
package temporal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentctx/memoryd/internal/errs"
	"github.com/agentctx/memoryd/internal/graph"
)

// Store layers bi-temporal versioning over the graph schema's version/
// valid_from/valid_to columns, grounded on the same pgx/JSONB/parameterized
// query idiom as internal/graph and on the "version row + validTo sentinel"
// pattern used for out-of-order event handling in the pack's correlator
// example (events re-ordered by event time before state transitions).
type Store struct {
	pool    *pgxpool.Pool
	enabled bool
}

// New returns a Store sharing the connection pool used by internal/graph.
// enabled mirrors "Versioning may be disabled globally via
// config" — when false, writes still succeed and every new row gets
// version 1; each write still closes the current row and inserts a new one,
// so earlier rows remain in the table.
func New(pool *pgxpool.Pool, enabled bool) *Store {
	return &Store{pool: pool, enabled: enabled}
}

// StoreEntity implements storeEntity: produces a new row with
// version = prev+1, validFrom = now, validTo = null, and sets the previous
// current row's validTo = now. eventTime/ingestionTime are preserved
// independently per invariant 5.
func (s *Store) StoreEntity(ctx context.Context, in graph.EntityInput) (*graph.Entity, error) {
	const op = "temporal: store entity"
	if in.ID == "" {
		return nil, errs.Wrap(op, errs.InvalidArgument, fmt.Errorf("id is required for a versioned write"))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	defer tx.Rollback(ctx)

	prevVersion, err := s.closeCurrentEntityTx(ctx, tx, in.ID)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}

	version := prevVersion + 1
	if !s.enabled {
		version = 1
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
		VALUES ($1, $2, $3, $4, $5, now(), NULL, $6, now(), now(), now())
		RETURNING row_id, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at`

	var e graph.Entity
	e.ID, e.Type, e.Name = in.ID, in.Type, in.Name
	e.Properties = orEmpty(in.Properties)

	var rowID int64
	row := tx.QueryRow(ctx, q, in.ID, in.Type, in.Name, propsJSON, version, eventTime)
	if err := row.Scan(&rowID, &e.Version, &e.ValidFrom, &e.ValidTo, &e.EventTime, &e.IngestionTime, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	return &e, nil
}

// UpdateEntity implements updateEntity: fetches the current
// version, shallow-merges partial into its properties, and writes a new
// version via StoreEntity.
func (s *Store) UpdateEntity(ctx context.Context, id string, partial map[string]any) (*graph.Entity, error) {
	const op = "temporal: update entity"

	const q = `
		SELECT type, name, properties, event_time
		FROM   entities
		WHERE  id = $1 AND valid_to IS NULL`
	var (
		entType, name string
		propsJSON     []byte
		eventTime     time.Time
	)
	row := s.pool.QueryRow(ctx, q, id)
	if err := row.Scan(&entType, &name, &propsJSON, &eventTime); err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.Wrap(op, errs.NotFound, fmt.Errorf("entity %q not found", id))
		}
		return nil, errs.Wrap(op, errs.StorageError, err)
	}

	props := map[string]any{}
	if len(propsJSON) > 0 {
		if err := json.Unmarshal(propsJSON, &props); err != nil {
			return nil, errs.Wrap(op, errs.StorageError, err)
		}
	}
	for k, v := range partial {
		props[k] = v
	}

	return s.StoreEntity(ctx, graph.EntityInput{
		ID: id, Type: entType, Name: name, Properties: props, EventTime: eventTime,
	})
}

// InvalidateEntity implements invalidateEntity: sets the
// current row's validTo but does not insert a tombstone row — a later
// StoreEntity starts version n+1 from history.
func (s *Store) InvalidateEntity(ctx context.Context, id string) error {
	const op = "temporal: invalidate entity"
	const q = `UPDATE entities SET valid_to = now() WHERE id = $1 AND valid_to IS NULL`
	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return errs.Wrap(op, errs.StorageError, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Wrap(op, errs.NotFound, fmt.Errorf("entity %q not found or already invalidated", id))
	}
	return nil
}

// GetEntityAtTime implements getEntityAtTime: returns the
// version with validFrom ≤ t < validTo ∨ validTo = null.
func (s *Store) GetEntityAtTime(ctx context.Context, id string, t time.Time) (*graph.Entity, error) {
	const op = "temporal: get entity at time"
	const q = `
		SELECT id, type, name, properties, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at
		FROM   entities
		WHERE  id = $1 AND valid_from <= $2 AND (valid_to IS NULL OR valid_to > $2)
		ORDER  BY version DESC
		LIMIT  1`

	rows, err := s.pool.Query(ctx, q, id, t)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	entities, err := collectEntities(rows)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	if len(entities) == 0 {
		return nil, errs.Wrap(op, errs.NotFound, fmt.Errorf("entity %q has no version valid at %s", id, t))
	}
	return &entities[0], nil
}

// GetEntityHistory implements getEntityHistory: all versions
// newest-first.
func (s *Store) GetEntityHistory(ctx context.Context, id string) ([]graph.Entity, error) {
	const op = "temporal: get entity history"
	const q = `
		SELECT id, type, name, properties, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at
		FROM   entities
		WHERE  id = $1
		ORDER  BY version DESC`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	entities, err := collectEntities(rows)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	return entities, nil
}

// StoreRelationship implements storeRelationship, following
// the same version/validTo pattern as StoreEntity.
func (s *Store) StoreRelationship(ctx context.Context, in graph.RelationshipInput) (*graph.Relationship, error) {
	const op = "temporal: store relationship"
	if in.ID == "" {
		return nil, errs.Wrap(op, errs.InvalidArgument, fmt.Errorf("id is required for a versioned write"))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	defer tx.Rollback(ctx)

	prevVersion, err := s.closeCurrentRelationshipTx(ctx, tx, in.ID)
	if err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}

	version := prevVersion + 1
	if !s.enabled {
		version = 1
	}

	propsJSON, err := json.Marshal(orEmpty(in.Properties))
	if err != nil {
		return nil, errs.Wrap(op, errs.InvalidArgument, err)
	}
	eventTime := in.EventTime
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}
	weight := clampWeight(in.Weight)

	const q = `
		INSERT INTO relationships (id, type, source_id, target_id, properties, weight, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), NULL, $8, now(), now(), now())
		RETURNING row_id, version, valid_from, valid_to, event_time, ingestion_time, created_at, updated_at`

	var r graph.Relationship
	r.ID, r.Type, r.SourceID, r.TargetID = in.ID, in.Type, in.SourceID, in.TargetID
	r.Properties = orEmpty(in.Properties)
	r.Weight = weight

	var rowID int64
	row := tx.QueryRow(ctx, q, in.ID, in.Type, in.SourceID, in.TargetID, propsJSON, weight, version, eventTime)
	if err := row.Scan(&rowID, &r.Version, &r.ValidFrom, &r.ValidTo, &r.EventTime, &r.IngestionTime, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap(op, errs.StorageError, err)
	}
	return &r, nil
}

// PruneBefore deletes non-current versions whose validTo is older than
// cutoff, implementing the configurable retention window of // ("Retention: configurable default (e.g., 365 days) governs pruning of
// very old versions").
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "temporal: prune before"
	tag, err := s.pool.Exec(ctx, `DELETE FROM entities WHERE valid_to IS NOT NULL AND valid_to < $1`, cutoff)
	if err != nil {
		return 0, errs.Wrap(op, errs.StorageError, err)
	}
	relTag, err := s.pool.Exec(ctx, `DELETE FROM relationships WHERE valid_to IS NOT NULL AND valid_to < $1`, cutoff)
	if err != nil {
		return 0, errs.Wrap(op, errs.StorageError, err)
	}
	return tag.RowsAffected() + relTag.RowsAffected(), nil
}

func (s *Store) closeCurrentEntityTx(ctx context.Context, tx pgx.Tx, id string) (int, error) {
	const q = `
		UPDATE entities
		SET    valid_to = now()
		WHERE  id = $1 AND valid_to IS NULL
		RETURNING version`
	var prevVersion int
	row := tx.QueryRow(ctx, q, id)
	if err := row.Scan(&prevVersion); err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return prevVersion, nil
}

func (s *Store) closeCurrentRelationshipTx(ctx context.Context, tx pgx.Tx, id string) (int, error) {
	const q = `
		UPDATE relationships
		SET    valid_to = now()
		WHERE  id = $1 AND valid_to IS NULL
		RETURNING version`
	var prevVersion int
	row := tx.QueryRow(ctx, q, id)
	if err := row.Scan(&prevVersion); err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return prevVersion, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func clampWeight(w float64) float64 {
	switch {
	case w < 0:
		return 0
	case w > 1:
		return 1
	default:
		return w
	}
}

func collectEntities(rows pgx.Rows) ([]graph.Entity, error) {
	entities, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.Entity, error) {
		var (
			e         graph.Entity
			propsJSON []byte
		)
		if err := row.Scan(&e.ID, &e.Type, &e.Name, &propsJSON, &e.Version, &e.ValidFrom, &e.ValidTo, &e.EventTime, &e.IngestionTime, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return graph.Entity{}, err
		}
		if len(propsJSON) > 0 {
			if err := json.Unmarshal(propsJSON, &e.Properties); err != nil {
				return graph.Entity{}, fmt.Errorf("unmarshal entity properties: %w", err)
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
		entities = []graph.Entity{}
	}
	return entities, nil
}
