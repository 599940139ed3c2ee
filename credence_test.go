package credence_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/credence"
	"github.com/soundprediction/credence/pkg/confidence"
	"github.com/soundprediction/credence/pkg/convert"
	"github.com/soundprediction/credence/pkg/driver"
	"github.com/soundprediction/credence/pkg/embedder"
	"github.com/soundprediction/credence/pkg/extraction"
	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/metastore"
	"github.com/soundprediction/credence/pkg/provenance"
	"github.com/soundprediction/credence/pkg/reconcile"
	"github.com/soundprediction/credence/pkg/types"
)

const meetingText = "Jimmy Carter met Anwar Sadat."

// Extraction 0.8 x 0.90, explicit band 0.85 + 0.10 x 0.72, resolution x 0.95.
const carterConfidence = 0.922 * 0.95

// Relation 0.5 x 0.90 is the weakest conjunct, then relationship x 0.92.
const meetingConfidence = 0.45 * 0.92

func newTestClient(t *testing.T, cfg *credence.Config) *credence.Client {
	t.Helper()
	ctx := context.Background()
	graph, err := driver.NewBadgerDriverInMemory()
	require.NoError(t, err)
	meta, err := metastore.Open(ctx, "sqlite", "file::memory:", nil)
	require.NoError(t, err)
	client, err := credence.NewClient(ctx, graph, meta, extraction.NewHeuristicExtractor(nil), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func doc(id, text, publisher string) *types.Document {
	return &types.Document{ID: id, Text: text, Source: types.SourceRef{Publisher: publisher}}
}

func entityNamed(t *testing.T, entities []*types.Entity, name string) *types.Entity {
	t.Helper()
	for _, e := range entities {
		if e.CanonicalName == name {
			return e
		}
	}
	t.Fatalf("no entity named %q", name)
	return nil
}

func operations(recs []*types.ProvenanceRecord) []string {
	ops := make([]string, len(recs))
	for i, r := range recs {
		ops[i] = r.Operation
	}
	return ops
}

func TestProcessDocument(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, nil)

	res, err := client.ProcessDocument(ctx, doc("doc-1", meetingText, "encyclopedia"))
	require.NoError(t, err)

	assert.Equal(t, "doc-1", res.DocumentID)
	require.Len(t, res.Entities, 2)
	require.Len(t, res.Relationships, 1)
	require.Len(t, res.Claims, 1)
	require.Len(t, res.Aggregated, 1)
	assert.Empty(t, res.Ambiguous)
	assert.Empty(t, res.Skipped)
	for _, m := range res.Mentions {
		assert.True(t, m.IsResolved(), m.SurfaceForm)
	}

	carter := entityNamed(t, res.Entities, "Jimmy Carter")
	sadat := entityNamed(t, res.Entities, "Anwar Sadat")
	assert.InDelta(t, carterConfidence, carter.Confidence.Value, 1e-9)
	assert.Equal(t, 1, carter.MentionCount)
	assert.Equal(t, 1, carter.Version)

	rel := res.Relationships[0]
	assert.Equal(t, credence.RelationshipID(carter.ID, "MET", sadat.ID), rel.ID)
	assert.Equal(t, carter.ID, rel.SourceEntityID)
	assert.Equal(t, sadat.ID, rel.TargetEntityID)
	assert.InDelta(t, meetingConfidence, rel.Confidence.Value, 1e-9)
	assert.LessOrEqual(t, rel.Confidence.Value, carter.Confidence.Value)
	assert.LessOrEqual(t, rel.Confidence.Value, sadat.Confidence.Value)

	claim := res.Claims[0]
	assert.Equal(t, "doc-1", claim.Source.DocumentID)
	assert.True(t, res.Aggregated[0].Audit.PassThrough)

	stored, err := client.GetEntity(ctx, carter.ID)
	require.NoError(t, err)
	assert.Equal(t, carter.Confidence.Value, stored.Confidence.Value)

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Claims)
	assert.EqualValues(t, 2, stats.Mentions)
	// Two entities, one relationship and one claim.
	assert.EqualValues(t, 4, stats.ConfidenceRecords)
}

func TestProcessDocumentHistory(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, nil)

	res, err := client.ProcessDocument(ctx, doc("doc-1", meetingText, "encyclopedia"))
	require.NoError(t, err)
	carter := entityNamed(t, res.Entities, "Jimmy Carter")

	hist, err := client.History(ctx, carter.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		provenance.OpExtract, provenance.OpResolve, provenance.OpPropagate, provenance.OpPersist,
	}, operations(hist.Provenance))
	require.Len(t, hist.Confidence, 1)
	assert.InDelta(t, carterConfidence, hist.Confidence[0].Score.Value, 1e-9)
	require.Len(t, hist.Versions, 1)
	require.NotEmpty(t, hist.Trajectory)
	assert.InDelta(t, carterConfidence, hist.Trajectory[len(hist.Trajectory)-1].Value, 1e-9)

	claimHist, err := client.History(ctx, res.Claims[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{provenance.OpExtract, provenance.OpPropagate}, operations(claimHist.Provenance))
	assert.Empty(t, claimHist.Versions)

	_, err = client.History(ctx, "")
	assert.True(t, errors.Is(err, kgerr.ErrValidation))
}

func TestRepeatedMentionsDoNotRaiseConfidence(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, nil)

	first, err := client.ProcessDocument(ctx, doc("doc-1", meetingText, "encyclopedia"))
	require.NoError(t, err)
	carter := entityNamed(t, first.Entities, "Jimmy Carter")

	second, err := client.ProcessDocument(ctx, doc("doc-2", "Jimmy Carter spoke. Jimmy Carter smiled.", "newspaper"))
	require.NoError(t, err)
	require.Len(t, second.Entities, 1)
	again := second.Entities[0]

	assert.Equal(t, carter.ID, again.ID)
	assert.Equal(t, carter.Confidence.Value, again.Confidence.Value)
	assert.Equal(t, 3, again.MentionCount)
	assert.Equal(t, 2, again.Version)

	hist, err := client.History(ctx, carter.ID)
	require.NoError(t, err)
	assert.Len(t, hist.Versions, 2)
	// No confidence change, so no new confidence record.
	assert.Len(t, hist.Confidence, 1)
}

func TestReaggregationAcrossDocuments(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, nil)

	first, err := client.ProcessDocument(ctx, doc("doc-1", meetingText, "encyclopedia"))
	require.NoError(t, err)
	second, err := client.ProcessDocument(ctx, doc("doc-2", meetingText, "newspaper"))
	require.NoError(t, err)

	require.Len(t, second.Relationships, 1)
	rel := second.Relationships[0]
	assert.Equal(t, first.Relationships[0].ID, rel.ID)
	assert.Equal(t, 2, rel.Version)
	assert.Len(t, rel.EvidenceMentionIDs, 4)

	require.Len(t, second.Aggregated, 1)
	agg := second.Aggregated[0]
	assert.Len(t, agg.ClaimIDs, 2)
	assert.False(t, agg.Audit.PassThrough)
	assert.InDelta(t, agg.Confidence.Value*0.98, rel.Confidence.Value, 1e-9)

	hist, err := client.History(ctx, rel.ID)
	require.NoError(t, err)
	assert.Contains(t, operations(hist.Provenance), provenance.OpAggregate)
	require.Len(t, hist.Confidence, 2)
	assert.Equal(t, hist.Confidence[0].ID, hist.Confidence[1].SupersedesID)
	require.Len(t, hist.RelationshipVersions, 2)
	assert.Equal(t, 1, hist.RelationshipVersions[0].Version)
	assert.InDelta(t, first.Relationships[0].Confidence.Value, hist.RelationshipVersions[0].Confidence.Value, 1e-9)
	assert.Equal(t, rel.Version, hist.RelationshipVersions[1].Version)

	fromStore, err := client.AggregateKey(ctx, agg.Key)
	require.NoError(t, err)
	assert.InDelta(t, agg.Confidence.Value, fromStore.Confidence.Value, 1e-9)
}

func TestProcessDocumentRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, nil)

	tests := []struct {
		name string
		doc  *types.Document
	}{
		{"nil", nil},
		{"no id", &types.Document{Text: meetingText}},
		{"blank text", &types.Document{ID: "doc-1", Text: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ProcessDocument(ctx, tt.doc)
			require.Error(t, err)
			assert.Equal(t, kgerr.KindValidation, kgerr.KindOf(err))
		})
	}
}

func TestProcessBatch(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, &credence.Config{Workers: 2})

	docs := []*types.Document{
		doc("d1", meetingText, "encyclopedia"),
		doc("d2", "", "encyclopedia"),
		doc("d3", "Walter Mondale met Anwar Sadat.", "newspaper"),
	}
	res, err := client.ProcessBatch(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded())
	assert.Nil(t, res.Documents[1])
	require.Contains(t, res.Failures, "d2")
	assert.Empty(t, res.Cancelled)

	sadat1 := entityNamed(t, res.Documents[0].Entities, "Anwar Sadat")
	sadat3 := entityNamed(t, res.Documents[2].Entities, "Anwar Sadat")
	assert.Equal(t, sadat1.ID, sadat3.ID)

	stored, err := client.GetEntity(ctx, sadat1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.MentionCount)
}

func TestProcessBatchCancelled(t *testing.T) {
	client := newTestClient(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := client.ProcessBatch(ctx, []*types.Document{
		doc("d1", meetingText, "encyclopedia"),
		doc("d2", meetingText, "newspaper"),
	})
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, res)
	assert.Equal(t, []string{"d1", "d2"}, res.Cancelled)
	assert.Zero(t, res.Succeeded())

	stats, err := client.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Claims)
}

func TestConvertStored(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, &credence.Config{
		Embedder:      embedder.NewHashingEmbedder(32),
		MinSimilarity: 0.95,
	})

	res, err := client.ProcessDocument(ctx, doc("doc-1", meetingText, "encyclopedia"))
	require.NoError(t, err)
	carter := entityNamed(t, res.Entities, "Jimmy Carter")
	assert.Len(t, carter.Embedding, 32)

	table, err := client.ConvertStored(ctx, convert.ModeGraph, convert.ModeTable)
	require.NoError(t, err)
	require.NotNil(t, table.Table)
	assert.Len(t, table.Table.Rows, 2)
	assert.Len(t, table.Table.Edges, 1)
	assert.Empty(t, table.Failures)
	for _, row := range table.Table.Rows {
		assert.NotEmpty(t, row.ProvenanceIDs, row.EntityID)
	}

	vectors, err := client.ConvertStored(ctx, convert.ModeGraph, convert.ModeVector)
	require.NoError(t, err)
	require.NotNil(t, vectors.Vectors)
	assert.Len(t, vectors.Vectors.Records, 2)
	assert.Equal(t, 32, vectors.Vectors.Dimensions)

	hist, err := client.History(ctx, carter.ID)
	require.NoError(t, err)
	assert.Contains(t, operations(hist.Provenance), provenance.OpConvert)
}

func TestConvertUnsupported(t *testing.T) {
	client := newTestClient(t, nil)
	_, err := client.Convert(context.Background(), &convert.Graph{}, convert.ModeGraph)
	var ue *convert.UnsupportedConversionError
	assert.True(t, errors.As(err, &ue))
}

func TestConvertCancelledRecordsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel once the similarity pass has started, after node records are buffered.
	var cancelOnNow atomic.Bool
	client := newTestClient(t, &credence.Config{Now: func() time.Time {
		if cancelOnNow.Load() {
			cancel()
		}
		return time.Now()
	}})

	score := confidence.Score{Value: 0.8, EvidenceWeight: 1, Method: confidence.MethodAssessed}
	vectors := func(a, b string) *convert.Vectors {
		return &convert.Vectors{Dimensions: 2, Records: []convert.VectorRecord{
			{EntityID: a, Confidence: score, Values: []float32{1, 0}},
			{EntityID: b, Confidence: score, Values: []float32{0.9, 0.1}},
		}}
	}

	cancelOnNow.Store(true)
	_, err := client.Convert(ctx, vectors("v1", "v2"), convert.ModeGraph)
	require.ErrorIs(t, err, context.Canceled)
	cancelOnNow.Store(false)

	res, err := client.Convert(context.Background(), vectors("w1", "w2"), convert.ModeGraph)
	require.NoError(t, err)
	assert.Len(t, res.Graph.Entities, 2)

	for _, id := range []string{"v1", "v2"} {
		hist, err := client.History(context.Background(), id)
		require.NoError(t, err)
		assert.Empty(t, hist.Provenance, id)
	}
	hist, err := client.History(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{provenance.OpConvert}, operations(hist.Provenance))
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()

	client := newTestClient(t, nil)
	_, err := client.Reconcile(ctx)
	assert.True(t, errors.Is(err, credence.ErrNoJournal))

	journal, err := reconcile.NewJournal(t.TempDir(), nil)
	require.NoError(t, err)
	client = newTestClient(t, &credence.Config{Journal: journal})
	report, err := client.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Replayed)
	assert.Empty(t, report.Failed)
}

func TestDecayConfidence(t *testing.T) {
	ctx := context.Background()

	client := newTestClient(t, nil)
	_, err := client.DecayConfidence(ctx, time.Now())
	assert.True(t, errors.Is(err, credence.ErrDecayDisabled))

	client = newTestClient(t, &credence.Config{DecayHalfLife: 24 * time.Hour})
	res, err := client.ProcessDocument(ctx, doc("doc-1", meetingText, "encyclopedia"))
	require.NoError(t, err)
	carter := entityNamed(t, res.Entities, "Jimmy Carter")

	out, err := client.DecayConfidence(ctx, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Len(t, out.EntityIDs, 2)
	assert.Len(t, out.RelationshipIDs, 1)

	stored, err := client.GetEntity(ctx, carter.ID)
	require.NoError(t, err)
	assert.InDelta(t, carter.Confidence.Value/4, stored.Confidence.Value, 1e-3)
	assert.Equal(t, 2, stored.Version)

	hist, err := client.History(ctx, carter.ID)
	require.NoError(t, err)
	assert.Equal(t, provenance.OpDecay, hist.Provenance[len(hist.Provenance)-1].Operation)
	assert.Len(t, hist.Confidence, 2)
}
