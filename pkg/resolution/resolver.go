package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soundprediction/credence/pkg/confidence"
	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/schema"
	"github.com/soundprediction/credence/pkg/types"
)

// DefaultEntityType is assigned to new entities whose mention carries no
// type hint.
const DefaultEntityType = "Entity"

// DefaultMinConfidence is the threshold below which a mention stays
// ambiguous.
const DefaultMinConfidence = 0.65

// Candidates whose similarities differ by less than tieMargin cannot be told
// apart.
const tieMargin = 0.05

// Unsupported reference candidates get this similarity.
const unsupportedSimilarity = 0.5

// recentWindow bounds how many resolved entities ResolveDocument keeps as
// antecedents.
const recentWindow = 10

// DefaultHedgingMarkers signal evasive phrasing around a reference.
var DefaultHedgingMarkers = []string{
	"reportedly",
	"allegedly",
	"sources say",
	"some say",
	"it is understood",
	"it has been suggested",
	"mistakes were made",
	"certain parties",
	"those responsible",
	"people familiar with",
	"unnamed",
}

// DefaultGroupTerms are noun phrases that refer to a group rather than name
// it.
var DefaultGroupTerms = []string{
	"the administration",
	"the government",
	"the company",
	"the committee",
	"the agency",
	"the department",
	"the ministry",
	"the board",
	"the campaign",
	"the team",
	"officials",
}

var pronouns = map[string]struct{}{
	"i": {}, "me": {}, "we": {}, "us": {}, "our": {}, "ours": {},
	"you": {}, "he": {}, "him": {}, "his": {}, "she": {}, "her": {}, "hers": {},
	"it": {}, "its": {}, "they": {}, "them": {}, "their": {}, "theirs": {},
	"this": {}, "that": {}, "these": {}, "those": {},
}

// Window is the context a mention is resolved in.
type Window struct {
	// Text is the local text around the mention, in addition to the
	// mention's own ContextWindow.
	Text string
	// Recent holds entities resolved earlier in the document, oldest first.
	Recent []*types.Entity
}

// Options configures a Resolver.
type Options struct {
	Provider       CandidateProvider
	Schema         *schema.Schema
	MinConfidence  float64
	HedgingMarkers []string
	GroupTerms     []string
	NewID          func() string
	Now            func() time.Time
	Logger         *slog.Logger
}

// Resolver maps mentions to canonical entities.
type Resolver struct {
	provider      CandidateProvider
	schema        *schema.Schema
	minConfidence float64
	hedges        []string
	groups        map[string]struct{}
	newID         func() string
	now           func() time.Time
	logger        *slog.Logger

	// mintMu makes lookup-then-create atomic so an entity id is assigned once.
	mintMu sync.Mutex
}

// NewResolver validates opts and fills defaults. Hedging markers and group
// terms come from opts, then the schema hints, then the defaults.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Provider == nil {
		return nil, errors.New("candidate provider is required")
	}
	if opts.MinConfidence < 0 || opts.MinConfidence > 1 {
		return nil, kgerr.Validation("new_resolver", fmt.Sprintf("min confidence %v outside [0,1]", opts.MinConfidence))
	}
	r := &Resolver{
		provider:      opts.Provider,
		schema:        opts.Schema,
		minConfidence: opts.MinConfidence,
		newID:         opts.NewID,
		now:           opts.Now,
		logger:        opts.Logger,
	}
	if r.schema == nil {
		r.schema = schema.Empty()
	}
	if r.minConfidence == 0 {
		r.minConfidence = DefaultMinConfidence
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	hints := r.schema.Hints()
	r.hedges = firstNonEmpty(opts.HedgingMarkers, hints.HedgingMarkers, DefaultHedgingMarkers)
	groups := firstNonEmpty(opts.GroupTerms, hints.GroupTerms, DefaultGroupTerms)
	r.groups = make(map[string]struct{}, len(groups))
	for _, g := range groups {
		r.groups[NormalizeName(g)] = struct{}{}
	}
	return r, nil
}

func firstNonEmpty(lists ...[]string) []string {
	for _, l := range lists {
		if len(l) > 0 {
			return l
		}
	}
	return nil
}

// IsReference reports whether a surface form is a pronoun or group reference
// rather than a name.
func (r *Resolver) IsReference(surface string) bool {
	s := NormalizeName(surface)
	if _, ok := pronouns[s]; ok {
		return true
	}
	if _, ok := r.groups[s]; ok {
		return true
	}
	_, ok := r.groups["the "+strings.TrimPrefix(s, "the ")]
	return ok
}

// IsHedged reports whether text contains an evasive marker.
func (r *Resolver) IsHedged(text string) bool {
	for _, h := range r.hedges {
		if containsName(text, h) {
			return true
		}
	}
	return false
}

// Resolve resolves one mention. Confidence comes from the strategy band and
// match strength only; mention counts never enter it.
func (r *Resolver) Resolve(ctx context.Context, m types.Mention, w Window) (Result, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(m.ContextWindow + " " + w.Text)

	var (
		res Result
		err error
	)
	if r.IsReference(m.SurfaceForm) {
		res, err = r.resolveReference(m, w, text)
	} else {
		res, err = r.resolveNamed(ctx, m, text)
	}
	if err != nil {
		return nil, err
	}

	switch v := res.(type) {
	case *Resolved:
		r.logger.Debug("mention resolved",
			"mention_id", m.ID, "entity_id", v.EntityID, "strategy", v.Strategy,
			"confidence", v.Score.Value, "new", v.IsNew)
	case *Ambiguous:
		r.logger.Debug("mention ambiguous",
			"mention_id", m.ID, "basis", v.Basis, "strategy", v.Strategy, "candidates", len(v.Distribution))
	}
	return res, nil
}

func (r *Resolver) resolveNamed(ctx context.Context, m types.Mention, text string) (Result, error) {
	cands, err := r.provider.Candidates(ctx, Query{SurfaceForm: m.SurfaceForm, TypeHint: m.TypeHint})
	if err != nil {
		return nil, kgerr.Storage("resolve", err, m.ID)
	}
	cands = r.compatible(m.TypeHint, cands)
	if len(cands) == 0 {
		return r.mint(ctx, m)
	}

	top := cands[0]
	strategy := StrategyExplicit
	if top.Similarity < 1 {
		// Partial name match: context naming the entity in full lifts it.
		strategy = StrategyDegraded
		if supported(top.Entity, text) {
			strategy = StrategyContextual
		}
	}
	if tied(cands) {
		return r.ambiguous(m, cands, BasisInsufficientContext, strategy)
	}
	return r.decide(m, top, cands, strategy)
}

func (r *Resolver) resolveReference(m types.Mention, w Window, text string) (Result, error) {
	hedged := r.IsHedged(text)

	var cands []Candidate
	seen := make(map[string]int)
	for i := len(w.Recent) - 1; i >= 0; i-- {
		e := w.Recent[i]
		if e == nil || !r.schema.Compatible(m.TypeHint, e.Type) {
			continue
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		sim := unsupportedSimilarity
		if supported(e, text) {
			sim = 1
		}
		seen[e.ID] = len(cands)
		cands = append(cands, Candidate{Entity: e, Similarity: sim})
	}
	sortCandidates(cands)

	if hedged {
		return r.ambiguous(m, cands, BasisStrategicAmbiguity, StrategyStrategicAmbiguity)
	}
	if len(cands) == 0 {
		return r.ambiguous(m, nil, BasisNoCandidates, StrategyDegraded)
	}

	strategy := StrategyDegraded
	if cands[0].Similarity == 1 {
		strategy = StrategyContextual
	}
	if tied(cands) {
		return r.ambiguous(m, cands, BasisInsufficientContext, strategy)
	}
	return r.decide(m, cands[0], cands, strategy)
}

// decide collapses to top when its confidence clears the threshold.
func (r *Resolver) decide(m types.Mention, top Candidate, cands []Candidate, strategy Strategy) (Result, error) {
	score, err := r.score(strategy, top.Similarity*m.ExtractionConfidence)
	if err != nil {
		return nil, err
	}
	if score.Value < r.minConfidence {
		return r.ambiguous(m, cands, BasisInsufficientContext, strategy)
	}
	return &Resolved{
		Mention:  m.ID,
		EntityID: top.Entity.ID,
		Score:    score,
		Strategy: strategy,
		Entity:   top.Entity,
	}, nil
}

// mint creates a new entity for a named mention with no candidate. The
// provider is asked again under the lock so concurrent resolvers agree on
// one id.
func (r *Resolver) mint(ctx context.Context, m types.Mention) (Result, error) {
	r.mintMu.Lock()
	defer r.mintMu.Unlock()

	cands, err := r.provider.Candidates(ctx, Query{SurfaceForm: m.SurfaceForm, TypeHint: m.TypeHint})
	if err != nil {
		return nil, kgerr.Storage("resolve", err, m.ID)
	}
	for _, c := range r.compatible(m.TypeHint, cands) {
		if c.Similarity == 1 {
			return r.decide(m, c, []Candidate{c}, StrategyExplicit)
		}
	}

	typ := DefaultEntityType
	if m.TypeHint != "" {
		typ, err = r.schema.CanonicalType(m.TypeHint)
		if err != nil {
			return nil, kgerr.Validation("resolve", err.Error(), m.ID)
		}
	}
	score, err := r.score(StrategyExplicit, m.ExtractionConfidence)
	if err != nil {
		return nil, err
	}
	e := &types.Entity{
		ID:             r.newID(),
		CanonicalName:  strings.TrimSpace(m.SurfaceForm),
		Type:           typ,
		Confidence:     score,
		SourceMentions: []types.MentionRef{m.Ref()},
	}
	if reg, ok := r.provider.(Registrar); ok {
		reg.Register(e)
	}
	return &Resolved{
		Mention:  m.ID,
		EntityID: e.ID,
		Score:    score,
		Strategy: StrategyExplicit,
		IsNew:    true,
		Entity:   e,
	}, nil
}

func (r *Resolver) ambiguous(m types.Mention, cands []Candidate, basis Basis, strategy Strategy) (Result, error) {
	strength := 0.0
	if len(cands) > 0 {
		strength = cands[0].Similarity * m.ExtractionConfidence
	}
	score, err := r.score(strategy, strength)
	if err != nil {
		return nil, err
	}
	return &Ambiguous{
		Mention:      m.ID,
		Distribution: distribution(cands),
		Basis:        basis,
		Score:        score,
		Strategy:     strategy,
	}, nil
}

func (r *Resolver) score(strategy Strategy, strength float64) (confidence.Score, error) {
	return confidence.Assess(strategy.Band().At(strength), r.now())
}

func (r *Resolver) compatible(hint string, cands []Candidate) []Candidate {
	out := cands[:0:0]
	for _, c := range cands {
		if c.Entity != nil && r.schema.Compatible(hint, c.Entity.Type) {
			out = append(out, c)
		}
	}
	return out
}

// supported reports whether any of the entity's names occur in text.
func supported(e *types.Entity, text string) bool {
	for _, n := range e.Names() {
		if containsName(text, n) {
			return true
		}
	}
	return false
}

// tied reports whether the best two candidates cannot be told apart.
func tied(cands []Candidate) bool {
	return len(cands) > 1 && cands[0].Similarity-cands[1].Similarity < tieMargin
}

// distribution normalizes candidate similarities into probabilities.
func distribution(cands []Candidate) []types.CandidateProbability {
	if len(cands) == 0 {
		return []types.CandidateProbability{}
	}
	total := 0.0
	for _, c := range cands {
		total += c.Similarity
	}
	out := make([]types.CandidateProbability, len(cands))
	for i, c := range cands {
		p := 1 / float64(len(cands))
		if total > 0 {
			p = c.Similarity / total
		}
		out[i] = types.CandidateProbability{EntityID: c.Entity.ID, Probability: p}
	}
	return out
}

// ResolveDocument resolves mentions in position order, feeding each
// resolved entity forward as an antecedent for later references. Results
// are returned in the order of mentions.
func (r *Resolver) ResolveDocument(ctx context.Context, mentions []types.Mention) ([]Result, error) {
	order := make([]int, len(mentions))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return mentions[order[a]].Position < mentions[order[b]].Position
	})

	results := make([]Result, len(mentions))
	var recent []*types.Entity
	for _, i := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := r.Resolve(ctx, mentions[i], Window{Recent: recent})
		if err != nil {
			return nil, err
		}
		results[i] = res
		if v, ok := res.(*Resolved); ok && v.Entity != nil {
			recent = append(recent, v.Entity)
			if len(recent) > recentWindow {
				recent = recent[len(recent)-recentWindow:]
			}
		}
	}
	return results, nil
}
