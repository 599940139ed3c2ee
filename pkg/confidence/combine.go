package confidence

import (
	"fmt"
	"math"
	"time"

	"github.com/soundprediction/credence/pkg/kgerr"
)

// Conjoin combines scores for facts that must all hold, such as a
// relationship and both of its endpoints. The result is the minimum value
// and can never exceed any input.
func Conjoin(at time.Time, scores ...Score) (Score, error) {
	return minMax(at, true, scores)
}

// Disjoin combines alternative supports for one fact by taking the maximum.
// The result never exceeds the strongest input.
func Disjoin(at time.Time, scores ...Score) (Score, error) {
	return minMax(at, false, scores)
}

func minMax(at time.Time, useMin bool, scores []Score) (Score, error) {
	if len(scores) == 0 {
		return Score{}, kgerr.Validation("min_max", "no scores to combine")
	}
	pick := 0
	for i, s := range scores {
		if err := s.Validate(); err != nil {
			return Score{}, err
		}
		if (useMin && s.Value < scores[pick].Value) || (!useMin && s.Value > scores[pick].Value) {
			pick = i
		}
	}
	out := Score{
		Value:          scores[pick].Value,
		EvidenceWeight: scores[pick].EvidenceWeight,
		Method:         MethodMinMax,
		AssessedAt:     at.UTC(),
	}
	if scores[pick].Dimensions != nil {
		d := scores[pick].Dimensions.Clone()
		out.Dimensions = &d
	}
	for _, s := range scores {
		out = out.WithDependsOn(s.DependsOn...)
	}
	return out, nil
}

// Mass is a Dempster-Shafer mass assignment over the binary frame {H, not H}.
type Mass struct {
	Belief    float64 `json:"belief"`
	Disbelief float64 `json:"disbelief"`
	Ignorance float64 `json:"ignorance"`
}

// MassFromScore discounts a score by source reliability r. The unreliable
// share becomes ignorance rather than disbelief.
func MassFromScore(s Score, r float64) Mass {
	r = clamp01(r)
	return Mass{
		Belief:    r * s.Value,
		Disbelief: r * (1 - s.Value),
		Ignorance: 1 - r,
	}
}

// Combine applies Dempster's rule and returns the combined mass and the
// conflict K that was normalized away.
func (m Mass) Combine(o Mass) (Mass, float64, error) {
	conflict := m.Belief*o.Disbelief + m.Disbelief*o.Belief
	if conflict >= 1-1e-12 {
		return Mass{}, conflict, kgerr.Aggregation("dempster_shafer", "total conflict between sources", nil)
	}
	norm := 1 - conflict
	return Mass{
		Belief:    (m.Belief*o.Belief + m.Belief*o.Ignorance + m.Ignorance*o.Belief) / norm,
		Disbelief: (m.Disbelief*o.Disbelief + m.Disbelief*o.Ignorance + m.Ignorance*o.Disbelief) / norm,
		Ignorance: (m.Ignorance * o.Ignorance) / norm,
	}, conflict, nil
}

// Pignistic spreads ignorance evenly and returns the probability of H.
func (m Mass) Pignistic() float64 {
	return clamp01(m.Belief + m.Ignorance/2)
}

// DempsterShafer combines independent scores under Dempster's rule.
// Callers are responsible for passing only independent sources.
func DempsterShafer(at time.Time, reliability float64, scores ...Score) (Score, Mass, error) {
	if len(scores) == 0 {
		return Score{}, Mass{}, kgerr.Validation("dempster_shafer", "no scores to combine")
	}
	if reliability <= 0 || reliability > 1 {
		return Score{}, Mass{}, kgerr.Validation("dempster_shafer", fmt.Sprintf("reliability %v outside (0,1]", reliability))
	}
	var (
		mass   Mass
		weight int
		deps   []string
	)
	for i, s := range scores {
		if err := s.Validate(); err != nil {
			return Score{}, Mass{}, err
		}
		weight += s.EvidenceWeight
		deps = append(deps, s.DependsOn...)
		next := MassFromScore(s, reliability)
		if i == 0 {
			mass = next
			continue
		}
		combined, _, err := mass.Combine(next)
		if err != nil {
			return Score{}, Mass{}, err
		}
		mass = combined
	}
	out := Score{
		Value:          mass.Pignistic(),
		EvidenceWeight: weight,
		Method:         MethodDempsterShafer,
		AssessedAt:     at.UTC(),
	}
	return out.WithDependsOn(deps...), mass, nil
}

// Decay applies exponential temporal decay with the given half-life. It is
// a degradation operation: the value never increases and the weight is kept.
func Decay(s Score, halfLife time.Duration, now time.Time) Score {
	if halfLife <= 0 || !now.After(s.AssessedAt) {
		return s.Clone()
	}
	elapsed := now.Sub(s.AssessedAt)
	factor := math.Pow(0.5, float64(elapsed)/float64(halfLife))
	out := s.Clone()
	out.Value = clamp01(s.Value * factor)
	out.Method = MethodDegradation
	out.AssessedAt = now.UTC()
	return out
}
