package txn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/reconcile"
)

var (
	// ErrManagedTransaction is returned when a callback tries to commit or
	// roll back a handle the coordinator owns.
	ErrManagedTransaction = errors.New("transaction is managed by the coordinator")
	// ErrTxClosed is returned by a staged handle used after the callback.
	ErrTxClosed = errors.New("transaction handle used after callback returned")
)

// PartialCommitError reports that the graph store committed and the
// metadata store did not. It carries what reconciliation needs.
type PartialCommitError struct {
	TxID            string
	EntityIDs       []string
	RelationshipIDs []string
	CommittedStore  string
	FailedStore     string
	Writes          reconcile.Writes
	// Journaled is set when the staged writes were saved for replay.
	Journaled bool
	Err       error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("partial commit in transaction %s: %s store committed, %s store failed (entities: %s): %v",
		e.TxID, e.CommittedStore, e.FailedStore, strings.Join(e.EntityIDs, ", "), e.Err)
}

func (e *PartialCommitError) Unwrap() error {
	return e.Err
}

// Is matches kgerr.ErrPartialCommit.
func (e *PartialCommitError) Is(target error) bool {
	t, ok := target.(*kgerr.Error)
	return ok && t.Kind == kgerr.KindPartialCommit
}

// ErrorKind classifies the error for kgerr.KindOf.
func (e *PartialCommitError) ErrorKind() kgerr.Kind {
	return kgerr.KindPartialCommit
}

// Payload renders the user-visible payload.
func (e *PartialCommitError) Payload() kgerr.Payload {
	ids := make([]string, 0, len(e.EntityIDs)+len(e.RelationshipIDs))
	ids = append(ids, e.EntityIDs...)
	ids = append(ids, e.RelationshipIDs...)
	steps := []string{string(kgerr.RecoveryReconcile)}
	if !e.Journaled {
		steps = append(steps, string(kgerr.RecoveryExpertReview))
	}
	return kgerr.Payload{
		Kind:      kgerr.KindPartialCommit.String(),
		Operation: "commit",
		IDs:       ids,
		NextSteps: steps,
		Message:   e.Error(),
	}
}

// Entry converts the error into a journal entry.
func (e *PartialCommitError) Entry() *reconcile.Entry {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return &reconcile.Entry{
		TxID:            e.TxID,
		EntityIDs:       e.EntityIDs,
		RelationshipIDs: e.RelationshipIDs,
		CommittedStore:  e.CommittedStore,
		FailedStore:     e.FailedStore,
		Cause:           cause,
		Writes:          e.Writes,
	}
}
