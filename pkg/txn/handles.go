package txn

import (
	"context"
	"sync"

	"github.com/soundprediction/credence/pkg/driver"
	"github.com/soundprediction/credence/pkg/metastore"
	"github.com/soundprediction/credence/pkg/reconcile"
	"github.com/soundprediction/credence/pkg/types"
)

// graphHandle is the graph transaction seen by a callback. It records the
// ids written and refuses Commit and Rollback.
type graphHandle struct {
	tx driver.GraphTx

	mu       sync.Mutex
	entities []string
	rels     []string
}

func (g *graphHandle) CreateNode(ctx context.Context, e *types.Entity) error {
	if err := g.tx.CreateNode(ctx, e); err != nil {
		return err
	}
	g.mu.Lock()
	g.entities = appendUnique(g.entities, e.ID)
	g.mu.Unlock()
	return nil
}

func (g *graphHandle) CreateEdge(ctx context.Context, r *types.Relationship) error {
	if err := g.tx.CreateEdge(ctx, r); err != nil {
		return err
	}
	g.mu.Lock()
	g.rels = appendUnique(g.rels, r.ID)
	g.mu.Unlock()
	return nil
}

func (g *graphHandle) Commit(context.Context) error   { return ErrManagedTransaction }
func (g *graphHandle) Rollback(context.Context) error { return ErrManagedTransaction }

func (g *graphHandle) ids() (entities, rels []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.entities...), append([]string(nil), g.rels...)
}

// stagedHandle buffers metadata writes until the graph store has committed.
// Records are validated when staged so bad input fails inside the callback.
type stagedHandle struct {
	mu     sync.Mutex
	writes reconcile.Writes
	closed bool
}

var _ metastore.Tx = (*stagedHandle)(nil)

func (s *stagedHandle) stage(validate func() error, add func()) error {
	if err := validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrTxClosed
	}
	add()
	return nil
}

func (s *stagedHandle) InsertProvenance(_ context.Context, rec *types.ProvenanceRecord) error {
	return s.stage(rec.Validate, func() { s.writes.Provenance = append(s.writes.Provenance, rec) })
}

func (s *stagedHandle) InsertConfidenceRecord(_ context.Context, rec *metastore.ConfidenceRecord) error {
	return s.stage(rec.Validate, func() { s.writes.Confidence = append(s.writes.Confidence, rec) })
}

func (s *stagedHandle) InsertClaim(_ context.Context, c *types.Claim) error {
	return s.stage(c.Validate, func() { s.writes.Claims = append(s.writes.Claims, c) })
}

func (s *stagedHandle) InsertMention(_ context.Context, rec *metastore.MentionRecord) error {
	return s.stage(rec.Validate, func() { s.writes.Mentions = append(s.writes.Mentions, rec) })
}

func (s *stagedHandle) Commit(context.Context) error   { return ErrManagedTransaction }
func (s *stagedHandle) Rollback(context.Context) error { return ErrManagedTransaction }

// close stops further staging and returns the staged writes.
func (s *stagedHandle) close() reconcile.Writes {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.writes
}

func appendUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}
