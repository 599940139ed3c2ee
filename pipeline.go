package credence

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/soundprediction/credence/pkg/confidence"
	"github.com/soundprediction/credence/pkg/driver"
	"github.com/soundprediction/credence/pkg/evidence"
	"github.com/soundprediction/credence/pkg/extraction"
	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/metastore"
	"github.com/soundprediction/credence/pkg/propagation"
	"github.com/soundprediction/credence/pkg/provenance"
	"github.com/soundprediction/credence/pkg/resolution"
	"github.com/soundprediction/credence/pkg/types"
)

// DocumentResult summarizes one committed document.
type DocumentResult struct {
	DocumentID    string
	RawConfidence float64

	// Mentions carry their resolution outcome: an entity id or a
	// candidate distribution.
	Mentions  []types.Mention
	Ambiguous []*resolution.Ambiguous

	// Entities and Relationships are the versions written to the graph.
	Entities      []*types.Entity
	Relationships []*types.Relationship

	// Claims are the new claim instances; Aggregated holds the combined
	// belief per claim key over every stored instance.
	Claims     []*types.Claim
	Aggregated []*evidence.AggregatedClaim

	// Skipped lists extracted relations that were not persisted.
	Skipped []SkippedRelation
}

// SkippedRelation is an extracted relation the pipeline did not persist.
type SkippedRelation struct {
	Relation extraction.Relation
	Reason   string
}

// BatchResult reports a batch document by document.
type BatchResult struct {
	// Documents is aligned with the input; failed or cancelled documents
	// leave a nil entry.
	Documents []*DocumentResult
	Failures  map[string]error
	// Cancelled lists documents that never started.
	Cancelled []string
}

// Succeeded counts committed documents.
func (b *BatchResult) Succeeded() int {
	n := 0
	for _, d := range b.Documents {
		if d != nil {
			n++
		}
	}
	return n
}

// entityUpdate gathers what one document says about one entity.
type entityUpdate struct {
	id        string
	candidate *types.Entity
	isNew     bool
	strategy  resolution.Strategy

	// extracted, resolved and observed are the first mention's score after
	// the extraction stage, from the resolver, and after the resolution stage.
	extracted confidence.Score
	resolved  confidence.Score
	observed  confidence.Score

	mentions  []types.MentionRef
	embedding []float32
}

// relationUpdate gathers the claim instances for one relationship key.
type relationUpdate struct {
	id       string
	key      string
	source   string
	target   string
	typ      string
	claims   []*types.Claim
	evidence []string
}

// pending is everything a document will write, prepared before the
// transaction opens.
type pending struct {
	doc      *types.Document
	now      time.Time
	recorder *provenance.Recorder

	entities      map[string]*entityUpdate
	entityOrder   []string
	relations     map[string]*relationUpdate
	relationOrder []string
	mentions      []*metastore.MentionRecord
}

// ProcessDocument runs one document through extraction, resolution,
// propagation and aggregation, then persists entities, relationships,
// claims, mentions, confidence history and provenance in one distributed
// transaction. Any failing step stops the document; nothing is written.
func (c *Client) ProcessDocument(ctx context.Context, doc *types.Document) (*DocumentResult, error) {
	if doc == nil {
		return nil, kgerr.Validation("process_document", "no document")
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, types.ContextKeyDocumentID, doc.ID)
	ctx, span := c.tracer.Start(ctx, "credence.ProcessDocument",
		trace.WithAttributes(attribute.String("document.id", doc.ID)))
	defer span.End()

	start := time.Now()
	out, err := c.processDocument(ctx, doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.ErrorContext(ctx, "Failed to process document",
			"document_id", doc.ID, "kind", kgerr.KindOf(err).String(), "error", err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("document.entities", len(out.Entities)),
		attribute.Int("document.relationships", len(out.Relationships)),
		attribute.Int("document.ambiguous", len(out.Ambiguous)),
	)
	c.logger.InfoContext(ctx, "Document committed",
		"document_id", doc.ID,
		"mentions", len(out.Mentions),
		"entities", len(out.Entities),
		"relationships", len(out.Relationships),
		"ambiguous", len(out.Ambiguous),
		"skipped_relations", len(out.Skipped),
		"duration", time.Since(start))
	return out, nil
}

func (c *Client) processDocument(ctx context.Context, doc *types.Document) (*DocumentResult, error) {
	p := &pending{
		doc:       doc,
		now:       c.config.Now(),
		recorder:  provenance.NewRecorder(c.config.ToolID),
		entities:  make(map[string]*entityUpdate),
		relations: make(map[string]*relationUpdate),
	}

	extracted, err := extraction.ExtractDocument(ctx, c.extractor, doc, c.config.MaxSpanChars)
	if err != nil {
		return nil, err
	}
	out := &DocumentResult{DocumentID: doc.ID, RawConfidence: extracted.RawConfidence}

	mentions, extScores, err := c.propagateExtraction(extracted, p.now)
	if err != nil {
		return nil, err
	}

	results, err := c.resolver.ResolveDocument(ctx, mentions)
	if err != nil {
		return nil, err
	}
	resolvedScores, err := c.collectResolutions(p, mentions, results, extScores, out)
	if err != nil {
		return nil, err
	}
	out.Mentions = mentions

	if err := c.collectRelations(p, mentions, extracted.Relations, resolvedScores, out); err != nil {
		return nil, err
	}
	if err := c.embedEntities(ctx, p); err != nil {
		return nil, err
	}
	if err := c.persist(ctx, p, out); err != nil {
		return nil, err
	}
	return out, nil
}

// propagateExtraction carries each mention's raw extraction confidence
// through the extraction stage.
func (c *Client) propagateExtraction(res *extraction.Result, now time.Time) ([]types.Mention, map[string]confidence.Score, error) {
	mentions := make([]types.Mention, len(res.Mentions))
	scores := make(map[string]confidence.Score, len(res.Mentions))
	for i, m := range res.Mentions {
		raw, err := confidence.Assess(m.ExtractionConfidence, now)
		if err != nil {
			return nil, nil, err
		}
		s, err := c.propagator.Propagate(raw, propagation.StageExtraction)
		if err != nil {
			return nil, nil, err
		}
		mentions[i] = *m
		mentions[i].ExtractionConfidence = s.Value
		scores[m.ID] = s
	}
	return mentions, scores, nil
}

// collectResolutions applies each result to its mention, propagates resolved
// scores through the resolution stage and groups mentions by entity.
// Repeated mentions add references, never confidence.
func (c *Client) collectResolutions(p *pending, mentions []types.Mention, results []resolution.Result, extScores map[string]confidence.Score, out *DocumentResult) (map[string]confidence.Score, error) {
	scores := make(map[string]confidence.Score)
	for i, r := range results {
		m := &mentions[i]
		resolution.Apply(m, r)

		switch v := r.(type) {
		case *resolution.Resolved:
			score, err := c.propagator.Propagate(v.Score, propagation.StageResolution)
			if err != nil {
				return nil, err
			}
			scores[m.ID] = score

			u, ok := p.entities[v.EntityID]
			if !ok {
				u = &entityUpdate{
					id:        v.EntityID,
					candidate: v.Entity,
					isNew:     v.IsNew,
					strategy:  v.Strategy,
					extracted: extScores[m.ID],
					resolved:  v.Score,
					observed:  score,
				}
				p.entities[v.EntityID] = u
				p.entityOrder = append(p.entityOrder, v.EntityID)
			}
			u.mentions = append(u.mentions, m.Ref())
			p.mentions = append(p.mentions, &metastore.MentionRecord{
				Mention:    *m,
				State:      metastore.MentionResolved,
				Strategy:   string(v.Strategy),
				Confidence: &score,
				RecordedAt: p.now,
			})

		case *resolution.Ambiguous:
			out.Ambiguous = append(out.Ambiguous, v)
			score := v.Score
			p.mentions = append(p.mentions, &metastore.MentionRecord{
				Mention:    *m,
				State:      metastore.MentionAmbiguous,
				Strategy:   string(v.Strategy),
				Basis:      string(v.Basis),
				Confidence: &score,
				RecordedAt: p.now,
			})
		}
	}
	return scores, nil
}

// collectRelations turns extracted relations between resolved mentions into
// claim instances. A relation's confidence is the conjunction of both
// endpoints and the relation itself, carried through the relationship stage.
func (c *Client) collectRelations(p *pending, mentions []types.Mention, relations []extraction.Relation, resolved map[string]confidence.Score, out *DocumentResult) error {
	byID := make(map[string]*types.Mention, len(mentions))
	for i := range mentions {
		byID[mentions[i].ID] = &mentions[i]
	}
	source := p.doc.Source
	if source.DocumentID == "" {
		source.DocumentID = p.doc.ID
	}

	for _, rel := range relations {
		subj, obj := byID[rel.SubjectMentionID], byID[rel.ObjectMentionID]
		if subj == nil || obj == nil || !subj.IsResolved() || !obj.IsResolved() {
			out.Skipped = append(out.Skipped, SkippedRelation{Relation: rel, Reason: "endpoint mention is unresolved"})
			continue
		}
		if subj.EntityID == obj.EntityID {
			out.Skipped = append(out.Skipped, SkippedRelation{Relation: rel, Reason: "endpoints resolve to the same entity"})
			continue
		}
		srcType, tgtType := p.entities[subj.EntityID].entityType(), p.entities[obj.EntityID].entityType()
		if err := c.schema.CheckRelationship(rel.Predicate, srcType, tgtType); err != nil {
			c.logger.Warn("Relation rejected by schema", "document_id", p.doc.ID, "predicate", rel.Predicate, "error", err)
			out.Skipped = append(out.Skipped, SkippedRelation{Relation: rel, Reason: err.Error()})
			continue
		}

		raw, err := confidence.Assess(rel.Confidence, p.now)
		if err != nil {
			return err
		}
		relScore, err := c.propagator.Propagate(raw, propagation.StageExtraction)
		if err != nil {
			return err
		}
		joint, err := confidence.Conjoin(p.now, resolved[subj.ID], resolved[obj.ID], relScore)
		if err != nil {
			return err
		}
		instance, err := c.propagator.Propagate(joint, propagation.StageRelationship)
		if err != nil {
			return err
		}

		claim := &types.Claim{
			ID:                   c.config.NewID(),
			Subject:              subj.EntityID,
			Predicate:            rel.Predicate,
			Object:               obj.EntityID,
			SupportingMentions:   []string{subj.ID, obj.ID},
			AggregatedConfidence: instance,
			Source:               source,
		}
		if _, err := p.recorder.Record(claim.ID, provenance.OpExtract,
			map[string]any{"document_id": p.doc.ID, "relation": rel},
			map[string]any{"claim_key": claim.Key()},
			nil, &relScore); err != nil {
			return err
		}
		if _, err := p.recorder.Record(claim.ID, provenance.OpPropagate,
			map[string]any{"stages": []string{propagation.StageExtraction, propagation.StageRelationship}, "regime": c.propagator.Regime().Name()},
			map[string]any{"claim_id": claim.ID},
			&joint, &instance); err != nil {
			return err
		}

		key := claim.Key()
		ru, ok := p.relations[key]
		if !ok {
			ru = &relationUpdate{
				id:     RelationshipID(claim.Subject, claim.Predicate, claim.Object),
				key:    key,
				source: claim.Subject,
				target: claim.Object,
				typ:    claim.Predicate,
			}
			p.relations[key] = ru
			p.relationOrder = append(p.relationOrder, key)
		}
		ru.claims = append(ru.claims, claim)
		ru.evidence = appendUnique(ru.evidence, subj.ID, obj.ID)
	}
	return nil
}

func (u *entityUpdate) entityType() string {
	if u == nil || u.candidate == nil {
		return ""
	}
	return u.candidate.Type
}

// RelationshipID returns the stable id of the relationship asserting
// (subject, predicate, object), so claims from later documents supersede
// the same edge.
func RelationshipID(subject, predicate, object string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("credence:relationship:"+subject+"|"+predicate+"|"+object)).String()
}

// embedEntities embeds the names of entities that carry no vector yet.
func (c *Client) embedEntities(ctx context.Context, p *pending) error {
	if c.embedder == nil {
		return nil
	}
	var (
		names []string
		todo  []*entityUpdate
	)
	for _, id := range p.entityOrder {
		u := p.entities[id]
		if u.candidate == nil || u.candidate.HasEmbedding() {
			continue
		}
		names = append(names, u.candidate.CanonicalName)
		todo = append(todo, u)
	}
	if len(todo) == 0 {
		return nil
	}
	vecs, err := c.embedder.Embed(ctx, names)
	if err != nil {
		return kgerr.Extraction("embed_entities", err, p.doc.ID)
	}
	if len(vecs) != len(todo) {
		return kgerr.Extraction("embed_entities", fmt.Errorf("embedder returned %d vectors for %d names", len(vecs), len(todo)), p.doc.ID)
	}
	for i, u := range todo {
		u.embedding = vecs[i]
	}
	return nil
}

// persist reads current state, re-aggregates every touched claim key and
// commits the document. Reads happen before the transaction opens and under
// persistMu, so they see every earlier commit.
func (c *Client) persist(ctx context.Context, p *pending, out *DocumentResult) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	var confRecords []*metastore.ConfidenceRecord
	entities := make([]*types.Entity, 0, len(p.entityOrder))
	for _, id := range p.entityOrder {
		e, rec, err := c.prepareEntity(ctx, p, p.entities[id])
		if err != nil {
			return err
		}
		entities = append(entities, e)
		if rec != nil {
			confRecords = append(confRecords, rec)
		}
	}

	rels := make([]*types.Relationship, 0, len(p.relationOrder))
	var claims []*types.Claim
	for _, key := range p.relationOrder {
		ru := p.relations[key]
		r, agg, recs, err := c.prepareRelationship(ctx, p, ru)
		if err != nil {
			return err
		}
		rels = append(rels, r)
		out.Aggregated = append(out.Aggregated, agg)
		confRecords = append(confRecords, recs...)
		claims = append(claims, ru.claims...)
	}

	err := c.coordinator.WithDistributedTransaction(ctx, func(ctx context.Context, g driver.GraphTx, m metastore.Tx) error {
		for _, e := range entities {
			if err := g.CreateNode(ctx, e); err != nil {
				return err
			}
		}
		for _, r := range rels {
			if err := g.CreateEdge(ctx, r); err != nil {
				return err
			}
		}
		if err := p.recorder.Flush(ctx, m); err != nil {
			return err
		}
		for _, rec := range confRecords {
			if err := m.InsertConfidenceRecord(ctx, rec); err != nil {
				return err
			}
		}
		for _, cl := range claims {
			if err := m.InsertClaim(ctx, cl); err != nil {
				return err
			}
		}
		for _, rec := range p.mentions {
			if err := m.InsertMention(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if c.registrar != nil {
		for _, e := range entities {
			c.registrar.Register(cloneEntity(e))
		}
	}
	out.Entities = entities
	out.Relationships = rels
	out.Claims = claims
	return nil
}

// prepareEntity builds the next version of an entity. A stored entity keeps
// its confidence and gains mention references; a new one takes the
// propagated score of its first mention.
func (c *Client) prepareEntity(ctx context.Context, p *pending, u *entityUpdate) (*types.Entity, *metastore.ConfidenceRecord, error) {
	mentionIDs := make([]string, len(u.mentions))
	for i, ref := range u.mentions {
		mentionIDs[i] = ref.MentionID
	}

	current, err := c.graph.GetEntity(ctx, u.id)
	switch {
	case err == nil:
		e := cloneEntity(current)
		before := current.Confidence.Clone()
		e.SourceMentions = append(e.SourceMentions, u.mentions...)
		e.MentionCount += len(u.mentions)
		if !e.HasEmbedding() && len(u.embedding) > 0 {
			e.Embedding = u.embedding
		}
		if _, err := p.recorder.Record(e.ID, provenance.OpResolve,
			map[string]any{"document_id": p.doc.ID, "mention_ids": mentionIDs, "strategy": u.strategy},
			map[string]any{"entity_id": e.ID},
			&before, &before); err != nil {
			return nil, nil, err
		}
		if _, err := p.recorder.Record(e.ID, provenance.OpPersist,
			map[string]any{"document_id": p.doc.ID, "version": current.Version},
			map[string]any{"entity_id": e.ID, "mention_count": e.MentionCount},
			&before, &e.Confidence); err != nil {
			return nil, nil, err
		}
		return e, nil, nil

	case errors.Is(err, driver.ErrNotFound):
		if u.candidate == nil {
			return nil, nil, kgerr.Storage("load_entity", err, u.id)
		}
		e := cloneEntity(u.candidate)
		e.Confidence = u.observed
		e.SourceMentions = slices.Clone(u.mentions)
		e.MentionCount = len(u.mentions)
		e.Version = 0
		if !e.HasEmbedding() {
			e.Embedding = u.embedding
		}
		steps := []struct {
			op            string
			inputs        any
			before, after *confidence.Score
		}{
			{provenance.OpExtract, map[string]any{"document_id": p.doc.ID, "mention_ids": mentionIDs}, nil, &u.extracted},
			{provenance.OpResolve, map[string]any{"document_id": p.doc.ID, "strategy": u.strategy, "new": u.isNew}, &u.extracted, &u.resolved},
			{provenance.OpPropagate, map[string]any{"stage": propagation.StageResolution, "regime": c.propagator.Regime().Name()}, &u.resolved, &u.observed},
			{provenance.OpPersist, map[string]any{"document_id": p.doc.ID}, nil, &e.Confidence},
		}
		for _, s := range steps {
			if _, err := p.recorder.Record(e.ID, s.op, s.inputs,
				map[string]any{"entity_id": e.ID, "canonical_name": e.CanonicalName, "type": e.Type},
				s.before, s.after); err != nil {
				return nil, nil, err
			}
		}
		return e, &metastore.ConfidenceRecord{
			ID:         c.config.NewID(),
			TargetID:   e.ID,
			TargetKind: metastore.TargetEntity,
			Score:      e.Confidence,
			RecordedAt: p.now,
		}, nil

	default:
		return nil, nil, kgerr.Storage("load_entity", err, u.id)
	}
}

// prepareRelationship re-aggregates every stored instance of the key with
// the new ones and builds the superseding relationship version.
func (c *Client) prepareRelationship(ctx context.Context, p *pending, ru *relationUpdate) (*types.Relationship, *evidence.AggregatedClaim, []*metastore.ConfidenceRecord, error) {
	stored, err := c.meta.ClaimsByKey(ctx, ru.key)
	if err != nil {
		return nil, nil, nil, kgerr.Storage("load_claims", err, ru.id)
	}
	all := make([]types.Claim, 0, len(stored)+len(ru.claims))
	all = append(all, stored...)
	for _, cl := range ru.claims {
		all = append(all, *cl)
	}

	agg, err := c.aggregator.Aggregate(ctx, all)
	if err != nil {
		return nil, nil, nil, err
	}
	final := agg.Confidence
	if len(all) > 1 {
		if final, err = c.propagator.Propagate(final, propagation.StageAggregation); err != nil {
			return nil, nil, nil, err
		}
	}

	existing, err := c.findRelationship(ctx, ru.source, ru.id)
	if err != nil {
		return nil, nil, nil, err
	}
	r := &types.Relationship{
		ID:                 ru.id,
		SourceEntityID:     ru.source,
		TargetEntityID:     ru.target,
		Type:               ru.typ,
		Confidence:         final,
		EvidenceMentionIDs: slices.Clone(ru.evidence),
	}
	var before *confidence.Score
	if existing != nil {
		b := existing.Confidence.Clone()
		before = &b
		r.EvidenceMentionIDs = appendUnique(slices.Clone(existing.EvidenceMentionIDs), ru.evidence...)
		r.Attributes = maps.Clone(existing.Attributes)
	}

	if len(all) > 1 {
		if _, err := p.recorder.Record(r.ID, provenance.OpAggregate,
			map[string]any{"claim_ids": agg.ClaimIDs, "strategy": agg.Audit.Strategy},
			agg.Audit, before, &final); err != nil {
			return nil, nil, nil, err
		}
	}
	if _, err := p.recorder.Record(r.ID, provenance.OpPersist,
		map[string]any{"document_id": p.doc.ID, "claim_key": ru.key},
		map[string]any{"relationship_id": r.ID, "type": r.Type},
		before, &final); err != nil {
		return nil, nil, nil, err
	}

	recs := []*metastore.ConfidenceRecord{{
		ID:         c.config.NewID(),
		TargetID:   r.ID,
		TargetKind: metastore.TargetRelationship,
		Score:      final,
		RecordedAt: p.now,
	}}
	for _, cl := range ru.claims {
		recs = append(recs, &metastore.ConfidenceRecord{
			ID:         c.config.NewID(),
			TargetID:   cl.ID,
			TargetKind: metastore.TargetClaim,
			Score:      cl.AggregatedConfidence,
			RecordedAt: p.now,
		})
	}
	return r, agg, recs, nil
}

// findRelationship returns the stored relationship id touching entityID,
// or nil.
func (c *Client) findRelationship(ctx context.Context, entityID, id string) (*types.Relationship, error) {
	rels, err := c.graph.GetRelationships(ctx, entityID)
	if err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return nil, nil
		}
		return nil, kgerr.Storage("load_relationships", err, entityID)
	}
	for _, r := range rels {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

// ProcessBatch processes documents on a pool of Config.Workers goroutines.
// Each document commits or fails on its own; failures are reported per
// document. Once ctx is cancelled no further document starts, and the
// returned error is ctx's.
func (c *Client) ProcessBatch(ctx context.Context, docs []*types.Document) (*BatchResult, error) {
	ctx = context.WithValue(ctx, types.ContextKeyBatchID, c.config.NewID())
	out := &BatchResult{
		Documents: make([]*DocumentResult, len(docs)),
		Failures:  make(map[string]error),
	}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(c.config.Workers)
	for i, doc := range docs {
		id := documentKey(doc, i)
		if ctx.Err() != nil {
			out.Cancelled = append(out.Cancelled, id)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				out.Cancelled = append(out.Cancelled, id)
				mu.Unlock()
				return nil
			}
			res, err := c.ProcessDocument(ctx, doc)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				out.Documents[i] = res
			case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
				out.Cancelled = append(out.Cancelled, id)
			default:
				out.Failures[id] = err
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(out.Cancelled)

	c.logger.Info("Batch processed",
		"documents", len(docs),
		"succeeded", out.Succeeded(),
		"failed", len(out.Failures),
		"cancelled", len(out.Cancelled))
	if len(out.Cancelled) > 0 {
		return out, ctx.Err()
	}
	return out, nil
}

func documentKey(doc *types.Document, i int) string {
	if doc == nil || doc.ID == "" {
		return fmt.Sprintf("#%d", i)
	}
	return doc.ID
}

func appendUnique(list []string, ids ...string) []string {
	for _, id := range ids {
		if !slices.Contains(list, id) {
			list = append(list, id)
		}
	}
	return list
}

func cloneEntity(e *types.Entity) *types.Entity {
	out := *e
	out.Aliases = slices.Clone(e.Aliases)
	out.Embedding = slices.Clone(e.Embedding)
	out.SourceMentions = slices.Clone(e.SourceMentions)
	out.Attributes = maps.Clone(e.Attributes)
	out.Confidence = e.Confidence.Clone()
	return &out
}
