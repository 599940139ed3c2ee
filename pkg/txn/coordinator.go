// Package txn coordinates writes that must land in both the graph+vector
// store and the metadata store.
//
// There is no two-phase commit across the stores. The coordinator commits
// the graph store first and the metadata store second; when the second
// commit fails it returns a *PartialCommitError, journals the staged
// metadata writes for replay, fires an alert and logs at ERROR. It never
// reports success for a divergent pair.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/soundprediction/credence/pkg/alert"
	"github.com/soundprediction/credence/pkg/driver"
	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/metastore"
	"github.com/soundprediction/credence/pkg/reconcile"
	"github.com/soundprediction/credence/pkg/utils"
)

const tracerName = "github.com/soundprediction/credence/pkg/txn"

// Func is the body of a distributed transaction. Graph writes go to g;
// metadata writes go to m and are applied after g commits.
type Func func(ctx context.Context, g driver.GraphTx, m metastore.Tx) error

// Options configures a Coordinator. Every field is optional.
type Options struct {
	Journal *reconcile.Journal
	Alerter alert.Alerter
	Logger  *slog.Logger
	Tracer  trace.Tracer
	NewID   func() string
	// OnTransition is called for every state change.
	OnTransition func(txID string, from, to State)
}

// Coordinator runs distributed transactions one at a time.
type Coordinator struct {
	graph driver.Transactor
	meta  metastore.Beginner

	journal      *reconcile.Journal
	alerter      alert.Alerter
	logger       *slog.Logger
	tracer       trace.Tracer
	newID        func() string
	onTransition func(txID string, from, to State)

	// mu serializes transactions: one writer per store pair.
	mu sync.Mutex
}

// NewCoordinator creates a coordinator over the two stores.
func NewCoordinator(graph driver.Transactor, meta metastore.Beginner, opts Options) *Coordinator {
	c := &Coordinator{
		graph:        graph,
		meta:         meta,
		journal:      opts.Journal,
		alerter:      opts.Alerter,
		logger:       opts.Logger,
		tracer:       opts.Tracer,
		newID:        opts.NewID,
		onTransition: opts.OnTransition,
	}
	if c.alerter == nil {
		c.alerter = &alert.NoOpAlerter{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

type transaction struct {
	id    string
	state State
	c     *Coordinator
	span  trace.Span
}

func (t *transaction) to(next State) {
	if !CanTransition(t.state, next) {
		// Coordinator bug; surface it loudly but keep going.
		t.c.logger.Error("illegal transaction state transition",
			"tx_id", t.id, "from", t.state.String(), "to", next.String())
	}
	prev := t.state
	t.state = next
	t.span.AddEvent("state", trace.WithAttributes(attribute.String("txn.state", next.String())))
	t.c.logger.Debug("transaction state", "tx_id", t.id, "from", prev.String(), "to", next.String())
	if t.c.onTransition != nil {
		t.c.onTransition(t.id, prev, next)
	}
}

// WithDistributedTransaction opens a transaction on both stores and runs fn.
//
// If fn returns an error or panics, both transactions are rolled back and
// the error is returned. Otherwise the graph store commits first, then the
// staged metadata writes are applied and committed. A failure at that last
// step yields a *PartialCommitError.
//
// ctx is checked once before anything opens. After that the transaction
// runs to completion under a context that ignores cancellation.
func (c *Coordinator) WithDistributedTransaction(ctx context.Context, fn Func) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	t := &transaction{id: c.newID(), state: StateIdle, c: c}
	ctx, t.span = c.tracer.Start(ctx, "txn.WithDistributedTransaction",
		trace.WithAttributes(attribute.String("txn.id", t.id)))
	defer func() {
		if err != nil {
			t.span.RecordError(err)
			t.span.SetStatus(codes.Error, err.Error())
		}
		t.span.SetAttributes(attribute.String("txn.final_state", t.state.String()))
		t.span.End()
	}()

	gtx, err := c.graph.Begin(ctx)
	if err != nil {
		t.to(StateRolledBack)
		return kgerr.Storage("begin_graph_transaction", err)
	}
	mtx, err := c.meta.Begin(ctx)
	if err != nil {
		_ = gtx.Rollback(ctx)
		t.to(StateRolledBack)
		return kgerr.Storage("begin_metadata_transaction", err)
	}
	t.to(StateBothOpen)

	graph := &graphHandle{tx: gtx}
	staged := &stagedHandle{}
	if err := run(ctx, fn, graph, staged); err != nil {
		staged.close()
		t.to(StateRollingBack)
		rbErr := errors.Join(rollback("graph", gtx.Rollback(ctx)), rollback("metadata", mtx.Rollback(ctx)))
		t.to(StateRolledBack)
		if rbErr != nil {
			c.logger.Error("rollback failed", "tx_id", t.id, "error", rbErr)
			return errors.Join(err, rbErr)
		}
		return err
	}
	writes := staged.close()
	entityIDs, relIDs := graph.ids()
	t.span.SetAttributes(
		attribute.Int("txn.entities", len(entityIDs)),
		attribute.Int("txn.relationships", len(relIDs)),
		attribute.Int("txn.metadata_writes", writes.Len()),
	)

	t.to(StateCommitting)
	if err := gtx.Commit(ctx); err != nil {
		_ = gtx.Rollback(ctx)
		_ = mtx.Rollback(ctx)
		t.to(StateRolledBack)
		return kgerr.Storage("commit_graph_transaction", err, entityIDs...)
	}

	if err := applyAndCommit(ctx, mtx, writes); err != nil {
		_ = mtx.Rollback(ctx)
		t.to(StatePartiallyCommitted)
		pce := &PartialCommitError{
			TxID:            t.id,
			EntityIDs:       entityIDs,
			RelationshipIDs: relIDs,
			CommittedStore:  reconcile.StoreGraph,
			FailedStore:     reconcile.StoreMetadata,
			Writes:          writes,
			Err:             err,
		}
		c.report(ctx, pce)
		return pce
	}

	t.to(StateCommitted)
	c.logger.Debug("transaction committed", "tx_id", t.id,
		"entities", len(entityIDs), "relationships", len(relIDs), "metadata_writes", writes.Len())
	return nil
}

func run(ctx context.Context, fn Func, g driver.GraphTx, m metastore.Tx) (err error) {
	defer utils.RecoverAsError(&err)
	return fn(ctx, g, m)
}

func applyAndCommit(ctx context.Context, tx metastore.Tx, w reconcile.Writes) error {
	if err := w.Apply(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func rollback(store string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to roll back %s transaction: %w", store, err)
}

// report journals, alerts and logs a partial commit.
func (c *Coordinator) report(ctx context.Context, pce *PartialCommitError) {
	if c.journal != nil {
		if err := c.journal.Save(ctx, pce.Entry()); err != nil {
			c.logger.Error("failed to journal partial commit", "tx_id", pce.TxID, "error", err)
		} else {
			pce.Journaled = true
		}
	}

	c.logger.Error("partial commit: stores diverged",
		"tx_id", pce.TxID,
		"entity_ids", pce.EntityIDs,
		"relationship_ids", pce.RelationshipIDs,
		"committed_store", pce.CommittedStore,
		"failed_store", pce.FailedStore,
		"journaled", pce.Journaled,
		"error", pce.Err)

	subject := fmt.Sprintf("credence: partial commit %s", pce.TxID)
	if err := c.alerter.Alert(subject, pce.Error()); err != nil {
		c.logger.Warn("failed to send partial commit alert", "tx_id", pce.TxID, "error", err)
	}
}
