package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/soundprediction/credence/pkg/metastore"
	"github.com/soundprediction/credence/pkg/provenance"
	"github.com/soundprediction/credence/pkg/types"
)

// DefaultMaxAttempts bounds replays of one entry.
const DefaultMaxAttempts = 5

// Replayer applies journaled writes to the metadata store. Inserts are
// idempotent, so replaying an entry that partly landed is safe.
type Replayer struct {
	journal     *Journal
	store       metastore.Beginner
	toolID      string
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

// NewReplayer creates a replayer. maxAttempts <= 0 uses DefaultMaxAttempts.
func NewReplayer(journal *Journal, store metastore.Beginner, toolID string, maxAttempts int, logger *slog.Logger) *Replayer {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{
		journal:     journal,
		store:       store,
		toolID:      toolID,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// Report summarizes one replay pass.
type Report struct {
	Replayed []string         `json:"replayed"`
	Skipped  []string         `json:"skipped,omitempty"`
	Failed   map[string]error `json:"-"`
}

// Replay applies every pending entry. Entries that succeed are removed from
// the journal; failures are recorded on the entry and reported.
func (r *Replayer) Replay(ctx context.Context) (*Report, error) {
	entries, err := r.journal.List(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Failed: make(map[string]error)}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if e.AttemptCount >= r.maxAttempts {
			report.Skipped = append(report.Skipped, e.TxID)
			continue
		}
		if err := r.ReplayEntry(ctx, e); err != nil {
			report.Failed[e.TxID] = err
			if recErr := r.journal.RecordError(ctx, e.TxID, err); recErr != nil {
				r.logger.Error("failed to record replay error", "tx_id", e.TxID, "error", recErr)
			}
			continue
		}
		report.Replayed = append(report.Replayed, e.TxID)
	}
	return report, nil
}

// ReplayEntry applies one entry in a single metadata transaction, adds a
// reconcile provenance record per entity and deletes the entry on success.
func (r *Replayer) ReplayEntry(ctx context.Context, e *Entry) (err error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = e.Writes.Apply(ctx, tx); err != nil {
		return fmt.Errorf("failed to apply journaled writes for %s: %w", e.TxID, err)
	}
	for _, id := range e.EntityIDs {
		var rec *types.ProvenanceRecord
		rec, err = provenance.NewRecord(id, provenance.OpReconcile, r.toolID, e.TxID, e.Writes.Len(), nil, nil, r.now())
		if err != nil {
			return err
		}
		if err = tx.InsertProvenance(ctx, rec); err != nil {
			return err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}

	r.logger.Info("replayed partial commit", "tx_id", e.TxID, "entities", len(e.EntityIDs), "writes", e.Writes.Len())
	return r.journal.Delete(ctx, e.TxID)
}
