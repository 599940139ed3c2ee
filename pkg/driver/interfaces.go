package driver

import (
	"context"

	"github.com/soundprediction/credence/pkg/types"
)

// This file defines focused interfaces that follow the Interface Segregation Principle.
// GraphDriver is composed from them. Consumers should depend on the smallest
// interface that meets their needs.

// Transactor opens write transactions.
type Transactor interface {
	// Begin opens a write transaction. Writes are invisible to readers until Commit.
	Begin(ctx context.Context) (GraphTx, error)
}

// EntityReader provides read access to entities.
type EntityReader interface {
	// GetEntity returns the current version of an entity, or ErrNotFound.
	GetEntity(ctx context.Context, id string) (*types.Entity, error)

	// EntityVersions returns every stored version of an entity, oldest first.
	// The last element is the current version.
	EntityVersions(ctx context.Context, id string) ([]*types.Entity, error)

	// AllEntities returns the current version of every entity ordered by id.
	AllEntities(ctx context.Context) ([]*types.Entity, error)
}

// RelationshipReader provides read access to relationships.
type RelationshipReader interface {
	// GetRelationships returns the relationships touching an entity in either direction.
	GetRelationships(ctx context.Context, entityID string) ([]*types.Relationship, error)

	// AllRelationships returns every relationship ordered by id.
	AllRelationships(ctx context.Context) ([]*types.Relationship, error)

	// RelationshipVersions returns every stored version of a relationship,
	// oldest first. The last element is the current version.
	RelationshipVersions(ctx context.Context, id string) ([]*types.Relationship, error)
}

// VectorSearcher provides nearest-neighbour search over entity embeddings.
type VectorSearcher interface {
	// VectorSearch returns up to k entities ordered by descending cosine
	// similarity. Entities without an embedding are skipped.
	VectorSearch(ctx context.Context, embedding []float32, k int) ([]SearchResult, error)
}
