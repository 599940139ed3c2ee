package convert

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/credence/pkg/confidence"
	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/provenance"
	"github.com/soundprediction/credence/pkg/types"
)

var assessedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func score(v float64) confidence.Score {
	return confidence.Score{Value: v, EvidenceWeight: 2, Method: confidence.MethodBayesian, AssessedAt: assessedAt}
}

func entity(id, name, typ string, emb []float32) *types.Entity {
	return &types.Entity{
		ID:            id,
		CanonicalName: name,
		Type:          typ,
		Confidence:    score(0.8),
		Embedding:     emb,
		MentionCount:  3,
		Version:       1,
	}
}

func newConverter(t *testing.T, opts Options) *Converter {
	t.Helper()
	c, err := NewConverter(opts)
	require.NoError(t, err)
	return c
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("table")
	require.NoError(t, err)
	assert.Equal(t, ModeTable, m)

	_, err = ParseMode("matrix")
	assert.True(t, errors.Is(err, kgerr.ErrValidation))
}

func TestNewConverterValidatesOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"threshold", Options{SimilarityThreshold: 1.5}},
		{"categories", Options{MaxCategories: 1}},
		{"policy", Options{MissingNumeric: "drop"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConverter(tt.opts)
			assert.True(t, errors.Is(err, kgerr.ErrValidation))
		})
	}
}

func TestUnsupportedConversions(t *testing.T) {
	c := newConverter(t, Options{})
	tests := []struct {
		in Data
		to Mode
	}{
		{&Graph{}, ModeGraph},
		{&Table{}, ModeTable},
		{&Vectors{}, ModeVector},
		{&Vectors{}, ModeTable},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.in.Mode(), tt.to), func(t *testing.T) {
			_, err := c.Convert(context.Background(), tt.in, tt.to)
			require.Error(t, err)
			var uce *UnsupportedConversionError
			require.True(t, errors.As(err, &uce))
			assert.Equal(t, tt.in.Mode(), uce.From)
			assert.True(t, errors.Is(err, kgerr.ErrConversion))
			assert.Equal(t, kgerr.KindConversion, kgerr.KindOf(err))
			assert.Equal(t, "conversion", kgerr.PayloadOf(err).Kind)
			assert.False(t, Supported(tt.in.Mode(), tt.to))
		})
	}
	assert.True(t, Supported(ModeGraph, ModeTable))
	assert.True(t, Supported(ModeVector, ModeGraph))
}

func TestGraphToVectorReportsMissingEmbeddings(t *testing.T) {
	g := &Graph{}
	var missing []string
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("e%03d", i)
		var emb []float32
		if i%5 == 0 {
			missing = append(missing, id)
		} else {
			emb = []float32{float32(i), 1, 0}
		}
		g.Entities = append(g.Entities, entity(id, "Entity "+id, "Concept", emb))
	}

	res, err := newConverter(t, Options{}).Convert(context.Background(), g, ModeVector)
	require.NoError(t, err)
	require.Len(t, res.Vectors.Records, 80)
	require.Len(t, res.Failures, 20)
	assert.Equal(t, missing, res.FailedIDs())
	assert.Equal(t, 3, res.Vectors.Dimensions)
	for _, f := range res.Failures {
		assert.Equal(t, kgerr.KindConversion, f.Kind)
	}

	byID := make(map[string]*types.Entity)
	for _, e := range g.Entities {
		byID[e.ID] = e
	}
	for _, rec := range res.Vectors.Records {
		src, ok := byID[rec.EntityID]
		require.True(t, ok)
		assert.Equal(t, src.Embedding, rec.Values)
		assert.True(t, src.Confidence.Equal(rec.Confidence))
		assert.Equal(t, 1.0, rec.Degradation)
	}
}

func TestGraphToVectorDimensionMismatch(t *testing.T) {
	g := &Graph{Entities: []*types.Entity{
		entity("a", "Alpha", "Concept", []float32{1, 0}),
		entity("b", "Beta", "Concept", []float32{0, 1}),
		entity("c", "Gamma", "Concept", []float32{1, 1, 1}),
	}}
	res, err := newConverter(t, Options{}).Convert(context.Background(), g, ModeVector)
	require.NoError(t, err)
	assert.Len(t, res.Vectors.Records, 2)
	assert.Equal(t, []string{"c"}, res.FailedIDs())
}

func sampleGraph() *Graph {
	start := time.Date(1977, 1, 20, 0, 0, 0, 0, time.UTC)
	carter := entity("carter", "Jimmy Carter", "Person", []float32{1, 0, 0})
	carter.Aliases = []string{"Carter", "President Carter"}
	carter.Validity = types.TemporalValidity{Start: &start}
	carter.Attributes = map[string]any{"party": "Democratic", "age": 52}
	carter.SourceMentions = []types.MentionRef{{MentionID: "m1", DocumentID: "d1", Position: 0}}
	carter.Confidence = confidence.Score{
		Value: 0.91, EvidenceWeight: 5, Method: confidence.MethodBayesian, AssessedAt: assessedAt,
		DependsOn: []string{"claim-1"},
	}

	sadat := entity("sadat", "Anwar Sadat", "Person", []float32{0.9, 0.1, 0})
	sadat.Attributes = map[string]any{"party": "NDP"}
	david := entity("camp-david", "Camp David", "Place", nil)

	met := &types.Relationship{
		ID: "r1", SourceEntityID: "carter", TargetEntityID: "sadat", Type: "MET",
		Confidence: score(0.7), EvidenceMentionIDs: []string{"m1", "m2"}, CreatedAt: assessedAt,
	}
	at := &types.Relationship{
		ID: "r2", SourceEntityID: "carter", TargetEntityID: "camp-david", Type: "LOCATED_AT",
		Confidence: score(0.6), CreatedAt: assessedAt,
	}
	return &Graph{
		Entities:      []*types.Entity{carter, sadat, david},
		Relationships: []*types.Relationship{met, at},
		Provenance: map[string][]string{
			"carter": {"prov-1", "prov-2"},
			"r1":     {"prov-3"},
		},
	}
}

func TestGraphToTable(t *testing.T) {
	res, err := newConverter(t, Options{}).Convert(context.Background(), sampleGraph(), ModeTable)
	require.NoError(t, err)
	require.Empty(t, res.Failures)
	tbl := res.Table
	require.Len(t, tbl.Rows, 3)
	require.Len(t, tbl.Edges, 2)

	col, ok := tbl.Column("rel.MET")
	require.True(t, ok)
	assert.True(t, col.Derived)
	assert.Equal(t, KindNumeric, col.Kind)
	col, ok = tbl.Column("attr.party")
	require.True(t, ok)
	assert.Equal(t, KindCategorical, col.Kind)
	col, ok = tbl.Column("attr.age")
	require.True(t, ok)
	assert.Equal(t, KindNumeric, col.Kind)

	carter := tbl.Rows[0]
	assert.Equal(t, "carter", carter.EntityID)
	assert.Equal(t, 1.0, carter.Values["rel.MET"])
	assert.Equal(t, 1.0, carter.Values["rel.LOCATED_AT"])
	assert.Equal(t, "Democratic", carter.Values["attr.party"])
	assert.Equal(t, []string{"prov-1", "prov-2"}, carter.ProvenanceIDs)
	assert.Equal(t, 0.0, tbl.Rows[2].Values["rel.MET"])
	assert.Nil(t, tbl.Rows[2].Values["attr.party"])
	assert.Equal(t, []string{"prov-3"}, tbl.Edges[0].ProvenanceIDs)
}

func TestGraphTableGraphRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newConverter(t, Options{})
	g := sampleGraph()

	toTable, err := c.Convert(ctx, g, ModeTable)
	require.NoError(t, err)
	back, err := c.Convert(ctx, toTable.Table, ModeGraph)
	require.NoError(t, err)
	require.Empty(t, back.Failures)

	require.Len(t, back.Graph.Entities, len(g.Entities))
	for i, want := range g.Entities {
		got := back.Graph.Entities[i]
		assert.Equal(t, want.ID, got.ID)
		assert.True(t, want.Confidence.Equal(got.Confidence), "confidence of %s changed", want.ID)
		assert.Equal(t, want.CanonicalName, got.CanonicalName)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.Aliases, got.Aliases)
		assert.Equal(t, want.Embedding, got.Embedding)
		assert.Equal(t, want.MentionCount, got.MentionCount)
		assert.Equal(t, want.Attributes, got.Attributes)
		assert.Equal(t, want.SourceMentions, got.SourceMentions)
		assert.Equal(t, want.Validity, got.Validity)
	}
	require.Len(t, back.Graph.Relationships, 2)
	assert.Equal(t, *g.Relationships[0], *back.Graph.Relationships[0])
	assert.Equal(t, []string{"prov-1", "prov-2"}, back.Graph.Provenance["carter"])

	// Mutating the output must not touch the input.
	back.Graph.Entities[0].Aliases[0] = "changed"
	assert.Equal(t, "Carter", g.Entities[0].Aliases[0])
}

func TestTableToGraphMissingFields(t *testing.T) {
	tbl := &Table{
		Columns: coreColumns,
		Rows: []Row{
			{EntityID: "ok", Confidence: score(0.5), Values: map[string]any{colName: "Alpha", colType: "Concept"}},
			{EntityID: "noname", Confidence: score(0.5), Values: map[string]any{colType: "Concept"}},
			{EntityID: "", Confidence: score(0.5), Values: map[string]any{colName: "Beta", colType: "Concept"}},
			{EntityID: "badconf", Confidence: confidence.Score{Value: 3, EvidenceWeight: 1, Method: confidence.MethodAssessed},
				Values: map[string]any{colName: "Gamma", colType: "Concept"}},
		},
	}
	res, err := newConverter(t, Options{}).Convert(context.Background(), tbl, ModeGraph)
	require.NoError(t, err)
	assert.Len(t, res.Graph.Entities, 1)
	assert.Equal(t, []string{"noname", "#2", "badconf"}, res.FailedIDs())
}

func featureTable() *Table {
	rows := []Row{
		{EntityID: "a", Confidence: score(0.9), Values: map[string]any{colName: "A", colType: "Person", colMentionCount: 4.0, "attr.score": 1.0}},
		{EntityID: "b", Confidence: score(0.8), Values: map[string]any{colName: "B", colType: "Person", colMentionCount: 2.0, "attr.score": 3.0}},
		{EntityID: "c", Confidence: score(0.7), Values: map[string]any{colName: "C", colType: "Place", colMentionCount: 1.0}},
		{EntityID: "d", Confidence: score(0.6), Values: map[string]any{colName: "D", colType: "Event", colMentionCount: 1.0, "attr.score": 5.0}},
		{EntityID: "e", Confidence: score(0.5), Values: map[string]any{colName: "E", colType: "Idea", colMentionCount: 1.0, "attr.score": 3.0}},
	}
	cols := append(append([]Column(nil), coreColumns...), Column{Name: "attr.score", Kind: KindNumeric})
	return &Table{Columns: cols, Rows: rows}
}

func TestTableToVectorImputesMean(t *testing.T) {
	res, err := newConverter(t, Options{}).Convert(context.Background(), featureTable(), ModeVector)
	require.NoError(t, err)
	require.Empty(t, res.Failures)
	v := res.Vectors

	assert.Equal(t, []string{"type=Person", "type=Event", "type=Idea", "type=Place", colMentionCount, "attr.score"}, v.Features)
	assert.Equal(t, len(v.Features), v.Dimensions)
	require.Len(t, v.Records, 5)

	a := v.Records[0]
	assert.Equal(t, []float32{1, 0, 0, 0, 4, 1}, a.Values)
	assert.Equal(t, 1.0, a.Degradation)
	assert.Equal(t, "A", a.Label)
	assert.True(t, score(0.9).Equal(a.Confidence))

	c := v.Records[2]
	assert.Equal(t, float32(3), c.Values[5])
	assert.InDelta(t, 0.8, c.Degradation, 1e-9)
	assert.Equal(t, 0.7, c.Confidence.Value)

	require.Len(t, res.Degradations, 1)
	assert.Equal(t, "attr.score", res.Degradations[0].Column)
	assert.InDelta(t, 0.8, res.Degradations[0].Factor, 1e-9)
	assert.Equal(t, []string{"c"}, res.Degradations[0].EntityIDs)
	assert.NotEmpty(t, res.Notes)
}

func TestTableToVectorFailPolicy(t *testing.T) {
	c := newConverter(t, Options{MissingNumeric: MissingFail})
	res, err := c.Convert(context.Background(), featureTable(), ModeVector)
	require.NoError(t, err)
	assert.Len(t, res.Vectors.Records, 4)
	assert.Equal(t, []string{"c"}, res.FailedIDs())
	assert.Empty(t, res.Degradations)
}

func TestTableToVectorCategoryCap(t *testing.T) {
	c := newConverter(t, Options{MaxCategories: 3})
	res, err := c.Convert(context.Background(), featureTable(), ModeVector)
	require.NoError(t, err)
	v := res.Vectors
	assert.Equal(t, []string{"type=Person", "type=Event", "type=" + OtherCategory}, v.Features[:3])

	for _, rec := range v.Records {
		switch rec.EntityID {
		case "c", "e":
			assert.Equal(t, float32(1), rec.Values[2], rec.EntityID)
			assert.Less(t, rec.Degradation, 1.0)
		case "a", "b", "d":
			assert.Equal(t, float32(0), rec.Values[2], rec.EntityID)
		}
	}
	var found bool
	for _, d := range res.Degradations {
		if d.Column == colType {
			found = true
			assert.InDelta(t, 0.6, d.Factor, 1e-9)
			assert.ElementsMatch(t, []string{"c", "e"}, d.EntityIDs)
		}
	}
	assert.True(t, found)
}

func TestTableToVectorNoEncodableColumns(t *testing.T) {
	tbl := &Table{Columns: []Column{{Name: colName, Kind: KindText}}, Rows: []Row{{EntityID: "a", Values: map[string]any{colName: "A"}}}}
	_, err := newConverter(t, Options{}).Convert(context.Background(), tbl, ModeVector)
	assert.True(t, errors.Is(err, kgerr.ErrConversion))
}

func TestVectorToGraph(t *testing.T) {
	vecs := &Vectors{
		Dimensions: 3,
		Records: []VectorRecord{
			{EntityID: "a", Label: "Alpha", Type: "Concept", Confidence: score(0.9), Values: []float32{1, 0, 0}, ProvenanceIDs: []string{"pa"}},
			{EntityID: "b", Label: "Beta", Confidence: score(0.8), Values: []float32{0.95, 0.05, 0}},
			{EntityID: "c", Confidence: score(0.7), Values: []float32{0, 1, 0}},
			{EntityID: "d", Confidence: score(0.7), Values: []float32{0, 1}},
		},
	}
	c := newConverter(t, Options{SimilarityThreshold: 0.9, Workers: 2, Now: func() time.Time { return assessedAt }})
	res, err := c.Convert(context.Background(), vecs, ModeGraph)
	require.NoError(t, err)

	assert.Equal(t, []string{"d"}, res.FailedIDs())
	require.Len(t, res.Graph.Entities, 3)
	assert.Equal(t, "Alpha", res.Graph.Entities[0].CanonicalName)
	assert.Equal(t, "c", res.Graph.Entities[2].CanonicalName)
	assert.Equal(t, "Entity", res.Graph.Entities[2].Type)
	assert.Equal(t, []float32{1, 0, 0}, res.Graph.Entities[0].Embedding)
	assert.True(t, score(0.9).Equal(res.Graph.Entities[0].Confidence))

	require.Len(t, res.Graph.Relationships, 1)
	edge := res.Graph.Relationships[0]
	assert.Equal(t, SimilarTo, edge.Type)
	assert.Equal(t, "a", edge.SourceEntityID)
	assert.Equal(t, "b", edge.TargetEntityID)
	assert.Equal(t, confidence.MethodSimilarity, edge.Confidence.Method)
	assert.InDelta(t, edge.Attributes["similarity"].(float64), edge.Confidence.Value, 1e-12)
	assert.Greater(t, edge.Confidence.Value, 0.9)
	require.NoError(t, edge.Validate())

	again, err := c.Convert(context.Background(), vecs, ModeGraph)
	require.NoError(t, err)
	assert.Equal(t, edge.ID, again.Graph.Relationships[0].ID)
}

func TestVectorToGraphCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newConverter(t, Options{}).Convert(ctx, &Vectors{}, ModeGraph)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConvertRecordsProvenance(t *testing.T) {
	rec := provenance.NewRecorder("converter")
	c := newConverter(t, Options{Recorder: rec})
	res, err := c.Convert(context.Background(), sampleGraph(), ModeTable)
	require.NoError(t, err)

	// One record per entity and per relationship.
	assert.Equal(t, 5, rec.Len())
	carter := res.Table.Rows[0]
	require.Len(t, carter.ProvenanceIDs, 3)
	assert.Equal(t, []string{"prov-1", "prov-2"}, carter.ProvenanceIDs[:2])
	assert.Equal(t, rec.IDsFor("carter"), carter.ProvenanceIDs[2:])

	for _, r := range rec.Records() {
		assert.Equal(t, provenance.OpConvert, r.Operation)
		require.NotNil(t, r.ConfidenceBefore)
		assert.Equal(t, r.ConfidenceBefore.Value, r.ConfidenceAfter.Value)
	}
}

func TestWriteParquet(t *testing.T) {
	ctx := context.Background()
	c := newConverter(t, Options{})
	dir := t.TempDir()

	tbl, err := c.Convert(ctx, sampleGraph(), ModeTable)
	require.NoError(t, err)
	require.NoError(t, WriteTableParquet(dir, tbl.Table))

	rows, err := parquet.ReadFile[ParquetRow](filepath.Join(dir, "entities.parquet"))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "carter", rows[0].EntityID)
	assert.Equal(t, 0.91, rows[0].Confidence)
	assert.Equal(t, "prov-1,prov-2", rows[0].ProvenanceIDs)
	assert.Contains(t, rows[0].Values, `"attr.party":"Democratic"`)

	edges, err := parquet.ReadFile[ParquetEdge](filepath.Join(dir, "edges.parquet"))
	require.NoError(t, err)
	assert.Len(t, edges, 2)

	vecs, err := c.Convert(ctx, sampleGraph(), ModeVector)
	require.NoError(t, err)
	path := filepath.Join(dir, "vectors", "entities.parquet")
	require.NoError(t, WriteVectorsParquet(path, vecs.Vectors))
	got, err := parquet.ReadFile[ParquetVector](path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []float32{1, 0, 0}, got[0].Values)
}
