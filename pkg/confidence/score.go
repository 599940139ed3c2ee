package confidence

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/soundprediction/credence/pkg/kgerr"
)

// Method records how a score was last produced.
type Method string

const (
	MethodBayesian       Method = "bayesian"
	MethodDempsterShafer Method = "dempster_shafer"
	MethodMinMax         Method = "min_max"
	MethodDegradation    Method = "degradation"
	MethodRootSumSquare  Method = "root_sum_square"
	MethodSimilarity     Method = "similarity"
	MethodAssessed       Method = "assessed"
	MethodUnknown        Method = "unknown"
)

var knownMethods = []Method{
	MethodBayesian,
	MethodDempsterShafer,
	MethodMinMax,
	MethodDegradation,
	MethodRootSumSquare,
	MethodSimilarity,
	MethodAssessed,
	MethodUnknown,
}

// ParseMethod converts a stored method name, rejecting unknown spellings.
func ParseMethod(s string) (Method, error) {
	m := Method(s)
	if slices.Contains(knownMethods, m) {
		return m, nil
	}
	return "", kgerr.Validation("parse_method", fmt.Sprintf("unknown propagation method %q", s))
}

// Score is a degree of belief in an extracted fact.
//
// Value is never raised by degradation. Only aggregation may raise it, and
// only together with EvidenceWeight.
type Score struct {
	Value          float64     `json:"value"`
	EvidenceWeight int         `json:"evidence_weight"`
	Method         Method      `json:"propagation_method"`
	Dimensions     *Dimensions `json:"dimensions,omitempty"`
	DependsOn      []string    `json:"depends_on,omitempty"`
	AssessedAt     time.Time   `json:"assessed_at"`
}

// New returns a validated score.
func New(value float64, weight int, method Method, at time.Time) (Score, error) {
	s := Score{Value: value, EvidenceWeight: weight, Method: method, AssessedAt: at.UTC()}
	if err := s.Validate(); err != nil {
		return Score{}, err
	}
	return s, nil
}

// Assess returns a single-observation score produced directly by a tool.
func Assess(value float64, at time.Time) (Score, error) {
	return New(value, 1, MethodAssessed, at)
}

// Validate checks ranges and the method enum.
func (s Score) Validate() error {
	if math.IsNaN(s.Value) || s.Value < 0 || s.Value > 1 {
		return kgerr.Validation("confidence", fmt.Sprintf("value %v outside [0,1]", s.Value))
	}
	if s.EvidenceWeight <= 0 {
		return kgerr.Validation("confidence", fmt.Sprintf("evidence weight %d must be positive", s.EvidenceWeight))
	}
	if !slices.Contains(knownMethods, s.Method) {
		return kgerr.Validation("confidence", fmt.Sprintf("unknown propagation method %q", s.Method))
	}
	if s.Dimensions != nil {
		if err := s.Dimensions.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Tier derives the reporting tier from the value.
func (s Score) Tier() Tier {
	return TierOf(s.Value)
}

// Clone returns a deep copy.
func (s Score) Clone() Score {
	out := s
	if s.DependsOn != nil {
		out.DependsOn = slices.Clone(s.DependsOn)
	}
	if s.Dimensions != nil {
		d := s.Dimensions.Clone()
		out.Dimensions = &d
	}
	return out
}

// Equal reports whether two scores are identical field by field.
func (s Score) Equal(o Score) bool {
	if s.Value != o.Value || s.EvidenceWeight != o.EvidenceWeight || s.Method != o.Method {
		return false
	}
	if !s.AssessedAt.Equal(o.AssessedAt) || !slices.Equal(s.DependsOn, o.DependsOn) {
		return false
	}
	if (s.Dimensions == nil) != (o.Dimensions == nil) {
		return false
	}
	return s.Dimensions == nil || s.Dimensions.Equal(*o.Dimensions)
}

// WithDependsOn returns a copy that additionally depends on ids.
func (s Score) WithDependsOn(ids ...string) Score {
	out := s.Clone()
	for _, id := range ids {
		if id != "" && !slices.Contains(out.DependsOn, id) {
			out.DependsOn = append(out.DependsOn, id)
		}
	}
	return out
}

// IsDependent reports whether the score has recorded lineage on other facts.
func (s Score) IsDependent() bool {
	return len(s.DependsOn) > 0
}

func (s Score) String() string {
	return fmt.Sprintf("%.3f (%s, n=%d, %s)", s.Value, s.Method, s.EvidenceWeight, s.Tier())
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
