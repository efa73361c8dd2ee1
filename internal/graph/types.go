package graph

import "time"

// Entity is a bi-temporal graph entity. Version/ValidFrom/
// ValidTo are populated when the row was read through internal/temporal's
// versioning overlay; a plain internal/graph CRUD call always operates on
// the current row (ValidTo == nil).
type Entity struct {
	ID            string
	Type          string
	Name          string
	Properties    map[string]any
	Version       int
	ValidFrom     time.Time
	ValidTo       *time.Time
	EventTime     time.Time
	IngestionTime time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Relationship is a bi-temporal graph edge. DerivedFromType is
// the well-known relationship type lineage.Engine filters on.
type Relationship struct {
	ID            string
	Type          string
	SourceID      string
	TargetID      string
	Properties    map[string]any
	Weight        float64
	Version       int
	ValidFrom     time.Time
	ValidTo       *time.Time
	EventTime     time.Time
	IngestionTime time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DerivedFromType is the single relationship type the Lineage Engine
// traverses. A DERIVED_FROM edge
// points from the derived entity (SourceID) to its parent (TargetID).
const DerivedFromType = "DERIVED_FROM"

// EntityInput is the argument to CreateEntity/MergeEntity. A zero-value
// EventTime defaults to now() at write time; IngestionTime is always set to
// now() at write time.
type EntityInput struct {
	ID         string
	Type       string
	Name       string
	Properties map[string]any
	EventTime  time.Time
}

// RelationshipInput is the argument to CreateRelationship.
type RelationshipInput struct {
	ID         string
	Type       string
	SourceID   string
	TargetID   string
	Properties map[string]any
	Weight     float64
	EventTime  time.Time
}

// clampWeight enforces invariant 7: relationship weights are in
// [0,1]; values outside are clamped on write.
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
