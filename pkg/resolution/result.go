package resolution

import (
	"github.com/soundprediction/credence/pkg/confidence"
	"github.com/soundprediction/credence/pkg/types"
)

// Strategy names how a mention was connected to its referent.
type Strategy string

const (
	// StrategyExplicit: the referent is named in the text.
	StrategyExplicit Strategy = "explicit"
	// StrategyContextual: a pronoun or group reference backed by nearby text.
	StrategyContextual Strategy = "contextual"
	// StrategyDegraded: little or no supporting context.
	StrategyDegraded Strategy = "degraded"
	// StrategyStrategicAmbiguity: the text is evasive rather than merely
	// under-specified.
	StrategyStrategicAmbiguity Strategy = "strategic_ambiguity"
)

// Band is the confidence range a strategy may produce.
type Band struct {
	Lo, Hi float64
}

// At maps a support strength in [0,1] onto the band.
func (b Band) At(strength float64) float64 {
	strength = max(0, min(1, strength))
	return b.Lo + (b.Hi-b.Lo)*strength
}

// Band returns the strategy's confidence band.
func (s Strategy) Band() Band {
	switch s {
	case StrategyExplicit:
		return Band{0.85, 0.95}
	case StrategyContextual:
		return Band{0.70, 0.85}
	case StrategyStrategicAmbiguity:
		return Band{0.40, 0.60}
	default:
		return Band{0.50, 0.70}
	}
}

// Basis explains why a mention stayed ambiguous.
type Basis string

const (
	BasisInsufficientContext Basis = "insufficient_context"
	BasisStrategicAmbiguity  Basis = "strategic_ambiguity"
	BasisNoCandidates        Basis = "no_candidates"
)

// Result is either *Resolved or *Ambiguous. Ambiguity is a valid outcome,
// not an error; callers must handle both.
type Result interface {
	MentionID() string
	Confidence() confidence.Score
	isResult()
}

// Resolved collapses a mention to one entity.
type Resolved struct {
	Mention  string
	EntityID string
	Score    confidence.Score
	Strategy Strategy
	// IsNew is set when no known entity matched and a new one was minted.
	IsNew bool
	// Entity is the matched or newly minted entity.
	Entity *types.Entity
}

func (r *Resolved) MentionID() string            { return r.Mention }
func (r *Resolved) Confidence() confidence.Score { return r.Score }
func (*Resolved) isResult()                      {}

// Ambiguous preserves the candidate distribution instead of forcing a
// point estimate. Distribution sums to 1 unless it is empty.
type Ambiguous struct {
	Mention      string
	Distribution []types.CandidateProbability
	Basis        Basis
	Score        confidence.Score
	Strategy     Strategy
}

func (a *Ambiguous) MentionID() string            { return a.Mention }
func (a *Ambiguous) Confidence() confidence.Score { return a.Score }
func (*Ambiguous) isResult()                      {}

// Top returns the most probable candidate, if any.
func (a *Ambiguous) Top() (types.CandidateProbability, bool) {
	if len(a.Distribution) == 0 {
		return types.CandidateProbability{}, false
	}
	return a.Distribution[0], true
}

// Apply copies the outcome onto the mention: the entity id for a Resolved
// result, the candidate distribution for an Ambiguous one.
func Apply(m *types.Mention, r Result) {
	switch v := r.(type) {
	case *Resolved:
		m.EntityID = v.EntityID
		m.ResolutionCandidates = nil
	case *Ambiguous:
		m.EntityID = ""
		m.ResolutionCandidates = append([]types.CandidateProbability(nil), v.Distribution...)
	}
}
