package resolution

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/soundprediction/credence/pkg/driver"
	"github.com/soundprediction/credence/pkg/embedder"
	"github.com/soundprediction/credence/pkg/types"
)

// Query describes the mention a provider should find candidates for.
type Query struct {
	SurfaceForm string
	TypeHint    string
	Embedding   []float32
}

// Candidate is a possible referent with a match strength in [0,1].
type Candidate struct {
	Entity     *types.Entity
	Similarity float64
}

// CandidateProvider finds candidate entities for a named mention.
type CandidateProvider interface {
	Candidates(ctx context.Context, q Query) ([]Candidate, error)
}

// Registrar records entities minted during resolution so later mentions
// find them.
type Registrar interface {
	Register(e *types.Entity)
}

// RegistryProvider is an in-memory catalog matched on canonical names and
// aliases.
type RegistryProvider struct {
	mu       sync.RWMutex
	entities map[string]*types.Entity
	byName   map[string][]string
}

// NewRegistryProvider returns a catalog seeded with entities.
func NewRegistryProvider(entities ...*types.Entity) *RegistryProvider {
	r := &RegistryProvider{
		entities: make(map[string]*types.Entity),
		byName:   make(map[string][]string),
	}
	for _, e := range entities {
		r.Register(e)
	}
	return r
}

// Load seeds the catalog from a graph store.
func (r *RegistryProvider) Load(ctx context.Context, reader driver.EntityReader) (int, error) {
	entities, err := reader.AllEntities(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load entity catalog: %w", err)
	}
	for _, e := range entities {
		r.Register(e)
	}
	return len(entities), nil
}

// Register adds or replaces an entity.
func (r *RegistryProvider) Register(e *types.Entity) {
	if e == nil || e.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entities[e.ID]; ok {
		for _, n := range prev.Names() {
			r.unindex(NormalizeName(n), e.ID)
		}
	}
	r.entities[e.ID] = e
	for _, n := range e.Names() {
		key := NormalizeName(n)
		if key == "" {
			continue
		}
		ids := r.byName[key]
		if !slices.Contains(ids, e.ID) {
			r.byName[key] = append(ids, e.ID)
		}
	}
}

func (r *RegistryProvider) unindex(key, id string) {
	ids := r.byName[key]
	for i, v := range ids {
		if v == id {
			r.byName[key] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byName[key]) == 0 {
		delete(r.byName, key)
	}
}

// Get returns a registered entity.
func (r *RegistryProvider) Get(id string) (*types.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	return e, ok
}

// Len returns the number of registered entities.
func (r *RegistryProvider) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// Candidates returns exact name matches at similarity 1 and fuzzy matches
// above FuzzyJaccardThreshold.
func (r *RegistryProvider) Candidates(_ context.Context, q Query) ([]Candidate, error) {
	key := NormalizeName(q.SurfaceForm)
	if key == "" {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := make(map[string]float64)
	for _, id := range r.byName[key] {
		best[id] = 1
	}
	for name, ids := range r.byName {
		if name == key {
			continue
		}
		sim := NameSimilarity(key, name)
		if sim == 0 {
			continue
		}
		for _, id := range ids {
			if sim > best[id] {
				best[id] = sim
			}
		}
	}

	out := make([]Candidate, 0, len(best))
	for id, sim := range best {
		out = append(out, Candidate{Entity: r.entities[id], Similarity: sim})
	}
	sortCandidates(out)
	return out, nil
}

// GraphProvider finds candidates by embedding the surface form and running
// a vector search against the graph store.
type GraphProvider struct {
	embedder      embedder.Client
	searcher      driver.VectorSearcher
	topK          int
	minSimilarity float64
}

// NewGraphProvider creates a provider. topK <= 0 defaults to 5.
func NewGraphProvider(e embedder.Client, searcher driver.VectorSearcher, topK int, minSimilarity float64) *GraphProvider {
	if topK <= 0 {
		topK = 5
	}
	return &GraphProvider{embedder: e, searcher: searcher, topK: topK, minSimilarity: minSimilarity}
}

// Candidates runs the vector search. A name match on a hit lifts its
// similarity to the name score when that is higher.
func (g *GraphProvider) Candidates(ctx context.Context, q Query) ([]Candidate, error) {
	vec := q.Embedding
	if len(vec) == 0 {
		var err error
		vec, err = g.embedder.EmbedSingle(ctx, q.SurfaceForm)
		if err != nil {
			return nil, fmt.Errorf("failed to embed mention %q: %w", q.SurfaceForm, err)
		}
	}
	hits, err := g.searcher.VectorSearch(ctx, vec, g.topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search candidates: %w", err)
	}

	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		sim := min(h.Similarity, 1)
		for _, n := range h.Entity.Names() {
			if ns := NameSimilarity(q.SurfaceForm, n); ns > sim {
				sim = ns
			}
		}
		if sim < g.minSimilarity {
			continue
		}
		out = append(out, Candidate{Entity: h.Entity, Similarity: sim})
	}
	sortCandidates(out)
	return out, nil
}

// MultiProvider merges several providers, keeping each entity's highest
// similarity.
type MultiProvider []CandidateProvider

func (m MultiProvider) Candidates(ctx context.Context, q Query) ([]Candidate, error) {
	merged := make(map[string]Candidate)
	for _, p := range m {
		cands, err := p.Candidates(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, c := range cands {
			if prev, ok := merged[c.Entity.ID]; !ok || c.Similarity > prev.Similarity {
				merged[c.Entity.ID] = c
			}
		}
	}
	out := make([]Candidate, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sortCandidates(out)
	return out, nil
}

// Register forwards to every member that is a Registrar.
func (m MultiProvider) Register(e *types.Entity) {
	for _, p := range m {
		if r, ok := p.(Registrar); ok {
			r.Register(e)
		}
	}
}

func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Similarity != c[j].Similarity {
			return c[i].Similarity > c[j].Similarity
		}
		return c[i].Entity.ID < c[j].Entity.ID
	})
}
