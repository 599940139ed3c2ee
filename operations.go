package credence

import (
	"context"
	"errors"
	"time"

	"github.com/soundprediction/credence/pkg/confidence"
	"github.com/soundprediction/credence/pkg/convert"
	"github.com/soundprediction/credence/pkg/driver"
	"github.com/soundprediction/credence/pkg/evidence"
	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/metastore"
	"github.com/soundprediction/credence/pkg/provenance"
	"github.com/soundprediction/credence/pkg/reconcile"
	"github.com/soundprediction/credence/pkg/types"
)

// History is everything recorded about one entity, relationship or claim.
type History struct {
	TargetID   string
	Provenance []*types.ProvenanceRecord
	Trajectory []provenance.TrajectoryPoint
	Confidence []metastore.ConfidenceRecord
	// Versions is set for entities, oldest first.
	Versions []*types.Entity
	// RelationshipVersions is set for relationships, oldest first.
	RelationshipVersions []*types.Relationship
}

// History reconstructs the provenance chain, confidence trajectory and
// stored versions of a target.
func (c *Client) History(ctx context.Context, targetID string) (*History, error) {
	if targetID == "" {
		return nil, kgerr.Validation("history", "empty target id")
	}
	recs, err := c.ledger.History(ctx, targetID)
	if err != nil {
		return nil, err
	}
	traj, err := c.ledger.Trajectory(ctx, targetID)
	if err != nil {
		return nil, err
	}
	conf, err := c.meta.ConfidenceHistory(ctx, targetID)
	if err != nil {
		return nil, err
	}
	versions, err := c.graph.EntityVersions(ctx, targetID)
	if err != nil && !errors.Is(err, driver.ErrNotFound) {
		return nil, err
	}
	relVersions, err := c.graph.RelationshipVersions(ctx, targetID)
	if err != nil && !errors.Is(err, driver.ErrNotFound) {
		return nil, err
	}
	return &History{
		TargetID:             targetID,
		Provenance:           recs,
		Trajectory:           traj,
		Confidence:           conf,
		Versions:             versions,
		RelationshipVersions: relVersions,
	}, nil
}

// LoadGraph reads the current graph with the provenance ids of every node
// and edge.
func (c *Client) LoadGraph(ctx context.Context) (*convert.Graph, error) {
	entities, err := c.graph.AllEntities(ctx)
	if err != nil {
		return nil, err
	}
	rels, err := c.graph.AllRelationships(ctx)
	if err != nil {
		return nil, err
	}
	g := &convert.Graph{
		Entities:      entities,
		Relationships: rels,
		Provenance:    make(map[string][]string, len(entities)+len(rels)),
	}
	ids := make([]string, 0, len(entities)+len(rels))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	for _, r := range rels {
		ids = append(ids, r.ID)
	}
	for _, id := range ids {
		recs, err := c.meta.ProvenanceHistory(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			g.Provenance[id] = append(g.Provenance[id], rec.ID)
		}
	}
	return g, nil
}

// Convert converts data into the to view and persists one convert
// provenance record per output record.
func (c *Client) Convert(ctx context.Context, data convert.Data, to convert.Mode) (*convert.Result, error) {
	c.convertMu.Lock()
	defer c.convertMu.Unlock()

	res, err := c.converter.Convert(ctx, data, to)
	if err != nil {
		// A failed conversion publishes nothing, so its records go too.
		c.convertRecorder.Discard()
		return nil, err
	}
	if err := c.convertRecorder.Flush(ctx, c.meta); err != nil {
		c.convertRecorder.Discard()
		return nil, kgerr.Storage("record_conversion", err)
	}
	return res, nil
}

// ConvertStored converts the stored graph. The graph is first brought into
// the from view, then converted into to.
func (c *Client) ConvertStored(ctx context.Context, from, to convert.Mode) (*convert.Result, error) {
	g, err := c.LoadGraph(ctx)
	if err != nil {
		return nil, err
	}
	var data convert.Data = g
	if from != convert.ModeGraph {
		first, err := c.Convert(ctx, g, from)
		if err != nil {
			return nil, err
		}
		if from == to {
			return first, nil
		}
		data = first.Data()
	}
	return c.Convert(ctx, data, to)
}

// Aggregate combines claims asserting the same fact.
func (c *Client) Aggregate(ctx context.Context, claims []types.Claim) (*evidence.AggregatedClaim, error) {
	return c.aggregator.Aggregate(ctx, claims)
}

// AggregateKey aggregates every stored instance of a claim key.
func (c *Client) AggregateKey(ctx context.Context, key string) (*evidence.AggregatedClaim, error) {
	claims, err := c.meta.ClaimsByKey(ctx, key)
	if err != nil {
		return nil, kgerr.Storage("load_claims", err)
	}
	if len(claims) == 0 {
		return nil, kgerr.Validation("aggregate_key", "no claims stored for key "+key)
	}
	return c.aggregator.Aggregate(ctx, claims)
}

// Reconcile replays the journal of partial commits into the metadata store.
func (c *Client) Reconcile(ctx context.Context) (*reconcile.Report, error) {
	if c.journal == nil {
		return nil, ErrNoJournal
	}
	return reconcile.NewReplayer(c.journal, c.meta, c.config.ToolID, 0, c.logger).Replay(ctx)
}

// DecayResult lists the facts that received a decayed version.
type DecayResult struct {
	EntityIDs       []string `json:"entity_ids"`
	RelationshipIDs []string `json:"relationship_ids"`
}

// DecayConfidence applies the configured half-life to every entity and
// relationship as of now. Facts whose confidence dropped get a superseding
// version, a confidence record and a decay provenance record, all in one
// distributed transaction.
func (c *Client) DecayConfidence(ctx context.Context, now time.Time) (*DecayResult, error) {
	halfLife := c.config.DecayHalfLife
	if halfLife <= 0 {
		return nil, ErrDecayDisabled
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	entities, err := c.graph.AllEntities(ctx)
	if err != nil {
		return nil, err
	}
	rels, err := c.graph.AllRelationships(ctx)
	if err != nil {
		return nil, err
	}

	recorder := provenance.NewRecorder(c.config.ToolID)
	out := &DecayResult{}
	var (
		decayedEntities []*types.Entity
		decayedRels     []*types.Relationship
		records         []*metastore.ConfidenceRecord
	)
	decay := func(id, kind string, s confidence.Score) (confidence.Score, bool, error) {
		next := confidence.Decay(s, halfLife, now)
		if next.Value >= s.Value {
			return s, false, nil
		}
		before := s.Clone()
		if _, err := recorder.Record(id, provenance.OpDecay,
			map[string]any{"half_life": halfLife.String(), "as_of": now},
			map[string]any{"target_id": id},
			&before, &next); err != nil {
			return s, false, err
		}
		records = append(records, &metastore.ConfidenceRecord{
			ID:         c.config.NewID(),
			TargetID:   id,
			TargetKind: kind,
			Score:      next,
			RecordedAt: now,
		})
		return next, true, nil
	}

	for _, e := range entities {
		next, changed, err := decay(e.ID, metastore.TargetEntity, e.Confidence)
		if err != nil {
			return nil, err
		}
		if !changed {
			continue
		}
		d := cloneEntity(e)
		d.Confidence = next
		decayedEntities = append(decayedEntities, d)
		out.EntityIDs = append(out.EntityIDs, e.ID)
	}
	for _, r := range rels {
		next, changed, err := decay(r.ID, metastore.TargetRelationship, r.Confidence)
		if err != nil {
			return nil, err
		}
		if !changed {
			continue
		}
		d := *r
		d.Confidence = next
		decayedRels = append(decayedRels, &d)
		out.RelationshipIDs = append(out.RelationshipIDs, r.ID)
	}
	if recorder.Len() == 0 {
		return out, nil
	}

	err = c.coordinator.WithDistributedTransaction(ctx, func(ctx context.Context, g driver.GraphTx, m metastore.Tx) error {
		for _, e := range decayedEntities {
			if err := g.CreateNode(ctx, e); err != nil {
				return err
			}
		}
		for _, r := range decayedRels {
			if err := g.CreateEdge(ctx, r); err != nil {
				return err
			}
		}
		if err := recorder.Flush(ctx, m); err != nil {
			return err
		}
		for _, rec := range records {
			if err := m.InsertConfidenceRecord(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.registrar != nil {
		for _, e := range decayedEntities {
			c.registrar.Register(cloneEntity(e))
		}
	}
	c.logger.Info("Confidence decayed",
		"entities", len(out.EntityIDs), "relationships", len(out.RelationshipIDs), "half_life", halfLife)
	return out, nil
}
