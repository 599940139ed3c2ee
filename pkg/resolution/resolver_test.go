package resolution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/credence/pkg/confidence"
	"github.com/soundprediction/credence/pkg/driver"
	"github.com/soundprediction/credence/pkg/embedder"
	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/schema"
	"github.com/soundprediction/credence/pkg/types"
)

var fixedNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func entity(id, name, typ string, aliases ...string) *types.Entity {
	return &types.Entity{
		ID:            id,
		CanonicalName: name,
		Type:          typ,
		Aliases:       aliases,
		Confidence:    confidence.Score{Value: 0.9, EvidenceWeight: 1, Method: confidence.MethodAssessed},
	}
}

func mention(id, surface, ctxWindow string, pos int) types.Mention {
	return types.Mention{
		ID:                   id,
		SurfaceForm:          surface,
		ContextWindow:        ctxWindow,
		Position:             pos,
		DocumentID:           "doc-1",
		ExtractionConfidence: 0.9,
	}
}

func newResolver(t *testing.T, provider CandidateProvider) *Resolver {
	t.Helper()
	n := 0
	r, err := NewResolver(Options{
		Provider: provider,
		NewID: func() string {
			n++
			return fmt.Sprintf("new-%d", n)
		},
		Now: func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return r
}

func TestStrategyBands(t *testing.T) {
	tests := []struct {
		strategy Strategy
		lo, hi   float64
	}{
		{StrategyExplicit, 0.85, 0.95},
		{StrategyContextual, 0.70, 0.85},
		{StrategyDegraded, 0.50, 0.70},
		{StrategyStrategicAmbiguity, 0.40, 0.60},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			b := tt.strategy.Band()
			assert.Equal(t, tt.lo, b.At(0))
			assert.InDelta(t, tt.hi, b.At(1), 1e-12)
			assert.InDelta(t, tt.hi, b.At(3), 1e-12)
		})
	}
}

func TestResolveExplicitRepeatedMentions(t *testing.T) {
	carter := entity("carter", "Jimmy Carter", "Person", "Carter")
	r := newResolver(t, NewRegistryProvider(carter))

	for i := 0; i < 5; i++ {
		m := mention(fmt.Sprintf("m%d", i), "Jimmy Carter", "President Jimmy Carter met Sadat at Camp David.", i*10)
		res, err := r.Resolve(context.Background(), m, Window{})
		require.NoError(t, err)

		resolved, ok := res.(*Resolved)
		require.True(t, ok, "expected Resolved, got %T", res)
		assert.Equal(t, "carter", resolved.EntityID)
		assert.Equal(t, StrategyExplicit, resolved.Strategy)
		assert.GreaterOrEqual(t, resolved.Score.Value, 0.85)
		assert.False(t, resolved.IsNew)
	}
}

func TestResolveIgnoresMentionCount(t *testing.T) {
	rare := entity("rare", "Anwar Sadat", "Person")
	rare.MentionCount = 1
	common := entity("common", "Menachem Begin", "Person")
	common.MentionCount = 500
	r := newResolver(t, NewRegistryProvider(rare, common))

	a, err := r.Resolve(context.Background(), mention("m1", "Anwar Sadat", "", 0), Window{})
	require.NoError(t, err)
	b, err := r.Resolve(context.Background(), mention("m2", "Menachem Begin", "", 0), Window{})
	require.NoError(t, err)

	assert.Equal(t, a.Confidence().Value, b.Confidence().Value)
}

func TestResolveNewEntity(t *testing.T) {
	reg := NewRegistryProvider()
	r := newResolver(t, reg)

	m := mention("m1", "Camp David Accords", "", 3)
	m.TypeHint = "Agreement"
	res, err := r.Resolve(context.Background(), m, Window{})
	require.NoError(t, err)

	resolved, ok := res.(*Resolved)
	require.True(t, ok)
	assert.True(t, resolved.IsNew)
	assert.Equal(t, "new-1", resolved.EntityID)
	assert.Equal(t, "Agreement", resolved.Entity.Type)
	assert.Equal(t, []types.MentionRef{{MentionID: "m1", DocumentID: "doc-1", Position: 3}}, resolved.Entity.SourceMentions)
	assert.GreaterOrEqual(t, resolved.Score.Value, 0.85)

	// The minted entity is registered, so the next mention matches it.
	res, err = r.Resolve(context.Background(), mention("m2", "camp david accords", "", 9), Window{})
	require.NoError(t, err)
	again := res.(*Resolved)
	assert.False(t, again.IsNew)
	assert.Equal(t, "new-1", again.EntityID)
	assert.Equal(t, 1, reg.Len())
}

func TestResolveConcurrentMintAssignsOneID(t *testing.T) {
	reg := NewRegistryProvider()
	r, err := NewResolver(Options{Provider: reg})
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), mention(fmt.Sprintf("m%d", i), "Cyrus Vance", "", i), Window{})
			if err == nil {
				ids[i] = res.(*Resolved).EntityID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, reg.Len())
}

func TestResolvePronounWithoutContext(t *testing.T) {
	r := newResolver(t, NewRegistryProvider())
	w := Window{Recent: []*types.Entity{
		entity("us", "United States", "Organization"),
		entity("egypt", "Egypt", "Organization"),
	}}

	res, err := r.Resolve(context.Background(), mention("m1", "we", "and then we decided to proceed", 40), w)
	require.NoError(t, err)

	amb, ok := res.(*Ambiguous)
	require.True(t, ok, "expected Ambiguous, got %T", res)
	assert.Equal(t, BasisInsufficientContext, amb.Basis)
	require.Len(t, amb.Distribution, 2)
	sum := 0.0
	for _, c := range amb.Distribution {
		sum += c.Probability
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.NoError(t, types.ValidateDistribution(amb.Distribution))
}

func TestResolvePronounWithContext(t *testing.T) {
	r := newResolver(t, NewRegistryProvider())
	w := Window{Recent: []*types.Entity{
		entity("carter", "Jimmy Carter", "Person", "Carter"),
		entity("sadat", "Anwar Sadat", "Person"),
	}}

	res, err := r.Resolve(context.Background(), mention("m1", "he", "Carter said he would return", 12), w)
	require.NoError(t, err)

	resolved, ok := res.(*Resolved)
	require.True(t, ok, "expected Resolved, got %T", res)
	assert.Equal(t, "carter", resolved.EntityID)
	assert.Equal(t, StrategyContextual, resolved.Strategy)
	assert.GreaterOrEqual(t, resolved.Score.Value, 0.70)
	assert.LessOrEqual(t, resolved.Score.Value, 0.85)
}

func TestResolveStrategicAmbiguity(t *testing.T) {
	r := newResolver(t, NewRegistryProvider())
	w := Window{Recent: []*types.Entity{entity("admin", "Carter Administration", "Organization")}}

	res, err := r.Resolve(context.Background(),
		mention("m1", "the administration", "the administration reportedly conceded that mistakes were made", 5), w)
	require.NoError(t, err)

	amb, ok := res.(*Ambiguous)
	require.True(t, ok)
	assert.Equal(t, BasisStrategicAmbiguity, amb.Basis)
	assert.Equal(t, StrategyStrategicAmbiguity, amb.Strategy)
	assert.GreaterOrEqual(t, amb.Score.Value, 0.40)
	assert.LessOrEqual(t, amb.Score.Value, 0.60)
	assert.Len(t, amb.Distribution, 1)
}

func TestResolveReferenceWithNoCandidates(t *testing.T) {
	r := newResolver(t, NewRegistryProvider())

	res, err := r.Resolve(context.Background(), mention("m1", "they", "they left", 0), Window{})
	require.NoError(t, err)

	amb, ok := res.(*Ambiguous)
	require.True(t, ok)
	assert.Equal(t, BasisNoCandidates, amb.Basis)
	assert.Equal(t, StrategyDegraded, amb.Strategy)
	assert.NotNil(t, amb.Distribution)
	assert.Empty(t, amb.Distribution)
	// An empty candidate set is the only distribution that does not sum to 1.
	assert.NoError(t, types.ValidateDistribution(amb.Distribution))
	_, found := amb.Top()
	assert.False(t, found)
}

func TestResolveTiedNames(t *testing.T) {
	r := newResolver(t, NewRegistryProvider(
		entity("carter-jimmy", "Jimmy Carter", "Person", "Carter"),
		entity("carter-rosalynn", "Rosalynn Carter", "Person", "Carter"),
	))

	res, err := r.Resolve(context.Background(), mention("m1", "Carter", "Carter arrived", 0), Window{})
	require.NoError(t, err)

	amb, ok := res.(*Ambiguous)
	require.True(t, ok)
	assert.Equal(t, BasisInsufficientContext, amb.Basis)
	assert.Len(t, amb.Distribution, 2)
}

func TestResolveTypeFiltering(t *testing.T) {
	s, err := schema.New(schema.Document{
		Name: "politics",
		EntityTypes: []schema.EntityType{
			{Name: "Agent"},
			{Name: "Person", Parent: "Agent"},
			{Name: "Place"},
		},
	})
	require.NoError(t, err)

	r, err := NewResolver(Options{
		Provider: NewRegistryProvider(entity("georgia", "Georgia", "Place")),
		Schema:   s,
		NewID:    func() string { return "minted" },
	})
	require.NoError(t, err)

	m := mention("m1", "Georgia", "", 0)
	m.TypeHint = "Person"
	res, err := r.Resolve(context.Background(), m, Window{})
	require.NoError(t, err)
	resolved := res.(*Resolved)
	assert.True(t, resolved.IsNew)
	assert.Equal(t, "minted", resolved.EntityID)

	m.TypeHint = "Spaceship"
	m.SurfaceForm = "Enterprise"
	_, err = r.Resolve(context.Background(), m, Window{})
	assert.True(t, errors.Is(err, kgerr.ErrValidation))
}

func TestResolveInvalidMention(t *testing.T) {
	r := newResolver(t, NewRegistryProvider())
	m := mention("m1", "Carter", "", 0)
	m.ExtractionConfidence = 1.5

	_, err := r.Resolve(context.Background(), m, Window{})
	assert.True(t, errors.Is(err, kgerr.ErrValidation))
}

type failingProvider struct{}

func (failingProvider) Candidates(context.Context, Query) ([]Candidate, error) {
	return nil, errors.New("store unavailable")
}

func TestResolveProviderFailure(t *testing.T) {
	r := newResolver(t, failingProvider{})
	_, err := r.Resolve(context.Background(), mention("m1", "Carter", "", 0), Window{})
	require.Error(t, err)
	assert.Equal(t, kgerr.KindStorage, kgerr.KindOf(err))
}

func TestResolveDocument(t *testing.T) {
	r := newResolver(t, NewRegistryProvider(entity("carter", "Jimmy Carter", "Person", "Carter")))
	mentions := []types.Mention{
		mention("m2", "he", "Carter said he would return", 20),
		mention("m1", "Jimmy Carter", "Jimmy Carter spoke first", 0),
	}

	results, err := r.ResolveDocument(context.Background(), mentions)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "m2", results[0].MentionID())
	assert.Equal(t, "carter", results[0].(*Resolved).EntityID)
	assert.Equal(t, StrategyContextual, results[0].(*Resolved).Strategy)
	assert.Equal(t, StrategyExplicit, results[1].(*Resolved).Strategy)

	m := mentions[0]
	Apply(&m, results[0])
	assert.Equal(t, "carter", m.EntityID)
}

func TestGraphProvider(t *testing.T) {
	ctx := context.Background()
	emb := embedder.NewHashingEmbedder(64)
	d, err := driver.NewBadgerDriverInMemory()
	require.NoError(t, err)
	defer d.Close()

	carter := entity("carter", "Jimmy Carter", "Person")
	carter.Embedding, err = emb.EmbedSingle(ctx, "Jimmy Carter")
	require.NoError(t, err)
	tx, err := d.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateNode(ctx, carter))
	require.NoError(t, tx.Commit(ctx))

	p := NewGraphProvider(emb, d, 5, 0.5)
	cands, err := p.Candidates(ctx, Query{SurfaceForm: "Jimmy Carter"})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "carter", cands[0].Entity.ID)
	assert.Equal(t, 1.0, cands[0].Similarity)

	reg := NewRegistryProvider()
	n, err := reg.Load(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	multi := MultiProvider{reg, p}
	cands, err = multi.Candidates(ctx, Query{SurfaceForm: "jimmy carter"})
	require.NoError(t, err)
	assert.Len(t, cands, 1)
}

func TestNameSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want func(float64) bool
	}{
		{"Jimmy Carter", "jimmy  carter", func(s float64) bool { return s == 1 }},
		{"Camp David Accords", "Camp David Accord", func(s float64) bool { return s >= FuzzyJaccardThreshold && s < 1 }},
		{"US", "USA", func(s float64) bool { return s == 0 }},
		{"Egypt", "Israel", func(s float64) bool { return s == 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			got := NameSimilarity(tt.a, tt.b)
			assert.True(t, tt.want(got), "similarity %v", got)
		})
	}
}
