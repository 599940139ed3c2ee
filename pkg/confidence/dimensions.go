package confidence

import (
	"fmt"
	"maps"
	"math"
	"sort"

	"github.com/soundprediction/credence/pkg/kgerr"
)

// Dimensions are CERQual-style qualitative components of a score.
type Dimensions struct {
	MethodologicalQuality float64 `json:"methodological_quality"`
	Relevance             float64 `json:"relevance"`
	Coherence             float64 `json:"coherence"`
	DataAdequacy          float64 `json:"data_adequacy"`

	// MechanismRelevance optionally breaks relevance down per causal mechanism.
	MechanismRelevance map[string]float64 `json:"mechanism_relevance,omitempty"`
}

// RelevanceGranularity selects which relevance view a caller reads.
type RelevanceGranularity string

const (
	GranularitySingle       RelevanceGranularity = "single"
	GranularityPerMechanism RelevanceGranularity = "per_mechanism"
)

// ParseGranularity accepts "single" or "per_mechanism"; empty means single.
func ParseGranularity(s string) (RelevanceGranularity, error) {
	switch RelevanceGranularity(s) {
	case "", GranularitySingle:
		return GranularitySingle, nil
	case GranularityPerMechanism:
		return GranularityPerMechanism, nil
	}
	return "", kgerr.Validation("relevance_granularity", fmt.Sprintf("unknown granularity %q", s))
}

// Validate checks that every component lies in [0,1].
func (d Dimensions) Validate() error {
	check := func(name string, v float64) error {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return kgerr.Validation("confidence", fmt.Sprintf("dimension %s=%v outside [0,1]", name, v))
		}
		return nil
	}
	for _, c := range []struct {
		name string
		v    float64
	}{
		{"methodological_quality", d.MethodologicalQuality},
		{"relevance", d.Relevance},
		{"coherence", d.Coherence},
		{"data_adequacy", d.DataAdequacy},
	} {
		if err := check(c.name, c.v); err != nil {
			return err
		}
	}
	for k, v := range d.MechanismRelevance {
		if err := check("mechanism_relevance."+k, v); err != nil {
			return err
		}
	}
	return nil
}

// RelevanceScore returns the relevance under granularity g.
//
// Under GranularitySingle the scalar is returned with a nil breakdown. Under
// GranularityPerMechanism the breakdown is returned with its minimum as the
// summary; without a breakdown the scalar is reported as mechanism "*".
func (d Dimensions) RelevanceScore(g RelevanceGranularity) (float64, map[string]float64) {
	if g != GranularityPerMechanism {
		return d.Relevance, nil
	}
	if len(d.MechanismRelevance) == 0 {
		return d.Relevance, map[string]float64{"*": d.Relevance}
	}
	summary := 1.0
	for _, v := range d.MechanismRelevance {
		summary = math.Min(summary, v)
	}
	return summary, maps.Clone(d.MechanismRelevance)
}

// Mechanisms lists breakdown keys in sorted order.
func (d Dimensions) Mechanisms() []string {
	keys := make([]string, 0, len(d.MechanismRelevance))
	for k := range d.MechanismRelevance {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Overall is the weakest component; one serious concern limits the whole.
func (d Dimensions) Overall() float64 {
	return math.Min(math.Min(d.MethodologicalQuality, d.Relevance), math.Min(d.Coherence, d.DataAdequacy))
}

func (d Dimensions) Clone() Dimensions {
	out := d
	if d.MechanismRelevance != nil {
		out.MechanismRelevance = maps.Clone(d.MechanismRelevance)
	}
	return out
}

func (d Dimensions) Equal(o Dimensions) bool {
	return d.MethodologicalQuality == o.MethodologicalQuality &&
		d.Relevance == o.Relevance &&
		d.Coherence == o.Coherence &&
		d.DataAdequacy == o.DataAdequacy &&
		maps.Equal(d.MechanismRelevance, o.MechanismRelevance)
}
