// Package graph implements the Graph Manager: CRUD over
// entities and relationships in a PostgreSQL-backed property graph, plus
// batch merge. It is the storage foundation for internal/temporal,
// internal/lineage, and internal/evolution.
package graph

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlEntities creates the entities table. Bi-temporal columns (version,
// validFrom, validTo, eventTime, ingestionTime) live here rather than in a
// separate table: internal/temporal writes new rows with an incremented
// version and the previous current row's validTo set, directly adapted from
// teacher's pkg/memory/postgres/schema.go ddlKnowledgeGraph upsert-on-conflict
// table, extended with the columns "EntityVersion" requires.
const ddlEntities = `
CREATE TABLE IF NOT EXISTS entities (
    row_id          BIGSERIAL    PRIMARY KEY,
    id              TEXT         NOT NULL,
    type            TEXT         NOT NULL,
    name            TEXT         NOT NULL,
    properties      JSONB        NOT NULL DEFAULT '{}',
    version         INTEGER      NOT NULL DEFAULT 1,
    valid_from      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    valid_to        TIMESTAMPTZ,
    event_time      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ingestion_time  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_current
    ON entities (id) WHERE valid_to IS NULL;

CREATE INDEX IF NOT EXISTS idx_entities_id ON entities (id);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities (type);
CREATE INDEX IF NOT EXISTS idx_entities_name ON entities (name);
`

// ddlRelationships creates the relationships table. Unlike teacher's
// composite-key edge table, relationships here carry their own id because the bi-temporal overlay in internal/temporal
// versions relationships the same way it versions entities.
const ddlRelationships = `
CREATE TABLE IF NOT EXISTS relationships (
    row_id          BIGSERIAL    PRIMARY KEY,
    id              TEXT         NOT NULL,
    type            TEXT         NOT NULL,
    source_id       TEXT         NOT NULL,
    target_id       TEXT         NOT NULL,
    properties      JSONB        NOT NULL DEFAULT '{}',
    weight          DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    version         INTEGER      NOT NULL DEFAULT 1,
    valid_from      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    valid_to        TIMESTAMPTZ,
    event_time      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ingestion_time  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_relationships_current
    ON relationships (id) WHERE valid_to IS NULL;

CREATE INDEX IF NOT EXISTS idx_relationships_id ON relationships (id);
CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships (source_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships (target_id);
CREATE INDEX IF NOT EXISTS idx_relationships_type ON relationships (type);
`

// Migrate creates the graph tables and indexes if they do not already
// exist. Idempotent, following teacher's postgres.Migrate convention.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlEntities, ddlRelationships} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("graph: migrate: %w", err)
		}
	}
	return nil
}
