package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/soundprediction/credence/pkg/types"
)

// ErrTxClosed is returned by operations on a finished transaction.
var ErrTxClosed = errors.New("metadata transaction already closed")

// Tx is an open metadata-store transaction.
type Tx interface {
	InsertProvenance(ctx context.Context, rec *types.ProvenanceRecord) error
	InsertConfidenceRecord(ctx context.Context, rec *ConfidenceRecord) error
	InsertClaim(ctx context.Context, claim *types.Claim) error
	InsertMention(ctx context.Context, rec *MentionRecord) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner opens metadata transactions. *Store implements it.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// Begin opens a transaction.
func (s *Store) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqlTx{store: s, tx: tx}, nil
}

type sqlTx struct {
	store *Store
	tx    *sql.Tx
	done  bool
}

func (t *sqlTx) InsertProvenance(ctx context.Context, rec *types.ProvenanceRecord) error {
	if t.done {
		return ErrTxClosed
	}
	return t.store.insertProvenance(ctx, t.tx, rec)
}

func (t *sqlTx) InsertConfidenceRecord(ctx context.Context, rec *ConfidenceRecord) error {
	if t.done {
		return ErrTxClosed
	}
	return t.store.insertConfidence(ctx, t.tx, rec)
}

func (t *sqlTx) InsertClaim(ctx context.Context, claim *types.Claim) error {
	if t.done {
		return ErrTxClosed
	}
	return t.store.insertClaim(ctx, t.tx, claim)
}

func (t *sqlTx) InsertMention(ctx context.Context, rec *MentionRecord) error {
	if t.done {
		return ErrTxClosed
	}
	return t.store.insertMention(ctx, t.tx, rec)
}

func (t *sqlTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxClosed
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *sqlTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}
