package credence

import (
	"context"
	"time"

	"github.com/soundprediction/credence/pkg/convert"
	"github.com/soundprediction/credence/pkg/evidence"
	"github.com/soundprediction/credence/pkg/reconcile"
	"github.com/soundprediction/credence/pkg/types"
)

// This file defines focused interfaces that follow the Interface Segregation Principle.
// The Credence interface is composed from them.
// Consumers should depend on the smallest interface that meets their needs.

// DocumentProcessor runs documents through the pipeline.
type DocumentProcessor interface {
	// ProcessDocument extracts, resolves, propagates, aggregates and
	// persists one document in a single bi-store transaction.
	ProcessDocument(ctx context.Context, doc *types.Document) (*DocumentResult, error)

	// ProcessBatch processes independent documents on a bounded worker
	// pool. Cancellation takes effect between documents.
	ProcessBatch(ctx context.Context, docs []*types.Document) (*BatchResult, error)
}

// HistoryReader answers provenance and confidence-history queries.
type HistoryReader interface {
	// History reconstructs everything recorded about a target id.
	History(ctx context.Context, targetID string) (*History, error)

	// GetEntity returns the current version of an entity.
	GetEntity(ctx context.Context, id string) (*types.Entity, error)
}

// Converter produces graph, table and vector views.
type Converter interface {
	// Convert converts in-memory data into another mode.
	Convert(ctx context.Context, data convert.Data, to convert.Mode) (*convert.Result, error)

	// ConvertStored loads the stored graph, takes its from view and
	// converts that into to.
	ConvertStored(ctx context.Context, from, to convert.Mode) (*convert.Result, error)
}

// Maintainer covers aggregation queries and store upkeep.
type Maintainer interface {
	// Aggregate combines claims asserting the same fact.
	Aggregate(ctx context.Context, claims []types.Claim) (*evidence.AggregatedClaim, error)

	// AggregateKey aggregates every stored instance of a claim key.
	AggregateKey(ctx context.Context, key string) (*evidence.AggregatedClaim, error)

	// Reconcile replays journaled partial commits.
	Reconcile(ctx context.Context) (*reconcile.Report, error)

	// DecayConfidence applies temporal decay as of now and writes a
	// superseding version for every fact whose confidence dropped.
	DecayConfidence(ctx context.Context, now time.Time) (*DecayResult, error)
}
