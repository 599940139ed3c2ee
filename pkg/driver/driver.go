package driver

import (
	"context"
	"errors"

	"github.com/soundprediction/credence/pkg/types"
)

// GraphProvider represents the type of graph database provider
type GraphProvider string

const (
	GraphProviderNeo4j  GraphProvider = "neo4j"
	GraphProviderBadger GraphProvider = "badger"
)

// Relationship types the store writes itself.
const (
	RelSupersedes = "SUPERSEDES"
	RelSimilarTo  = "SIMILAR_TO"
)

var (
	// ErrNotFound is returned when an entity or relationship id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrTxClosed is returned by operations on a committed or rolled back transaction.
	ErrTxClosed = errors.New("transaction already closed")
	// ErrDriverClosed is returned after Close.
	ErrDriverClosed = errors.New("driver is closed")
)

// SearchResult is one vector search hit.
type SearchResult struct {
	Entity     *types.Entity
	Similarity float64
}

// GraphTx is an open write transaction on the graph+vector store.
//
// CreateNode upserts by entity id. When the id already exists the stored
// version is archived and linked to the new one with SUPERSEDES; the
// entity's Version, CreatedAt and UpdatedAt fields are set by the call.
// CreateEdge upserts by relationship id the same way, archiving the stored
// version and setting Version and CreatedAt.
type GraphTx interface {
	CreateNode(ctx context.Context, entity *types.Entity) error
	CreateEdge(ctx context.Context, rel *types.Relationship) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// GraphDriver is the full graph+vector store surface credence depends on.
type GraphDriver interface {
	Transactor
	EntityReader
	RelationshipReader
	VectorSearcher

	// CreateIndices prepares indexes and constraints. It is idempotent.
	CreateIndices(ctx context.Context) error

	// Provider returns the type of graph database provider.
	Provider() GraphProvider

	// Close releases all resources held by the driver.
	Close() error
}
