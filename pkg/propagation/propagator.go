// Package propagation carries confidence through pipeline stages.
//
// A Propagator is built from an explicit StageConfig for one pipeline run.
// There is no process-wide registry of stage factors.
package propagation

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/soundprediction/credence/pkg/confidence"
	"github.com/soundprediction/credence/pkg/kgerr"
)

// Well-known stage ids.
const (
	StageExtraction   = "extraction"
	StageResolution   = "resolution"
	StageRelationship = "relationship"
	StageAggregation  = "aggregation"
)

// Regime is the closed set of propagation regimes. Only Degradation and
// RootSumSquare implement it.
type Regime interface {
	Name() string
	sealed()
}

// Degradation multiplies the value by the stage factor. It assumes errors
// compound and is never increasing.
type Degradation struct{}

// RootSumSquare treats each stage's shortfall as an independent uncertainty
// and combines them in quadrature.
type RootSumSquare struct{}

func (Degradation) Name() string   { return "degradation" }
func (Degradation) sealed()        {}
func (RootSumSquare) Name() string { return "root_sum_square" }
func (RootSumSquare) sealed()      {}

// ParseRegime maps a configuration string to a regime.
func ParseRegime(s string) (Regime, error) {
	switch s {
	case "", "degradation":
		return Degradation{}, nil
	case "root_sum_square", "rss":
		return RootSumSquare{}, nil
	}
	return nil, kgerr.Validation("parse_regime", fmt.Sprintf("unknown propagation regime %q", s)).
		WithRecovery(kgerr.RecoveryCheckConfig)
}

// Stage is the per-stage configuration.
type Stage struct {
	Name   string  `mapstructure:"name"`
	Factor float64 `mapstructure:"factor"`

	// Correlated marks stages whose errors share a cause with earlier
	// stages. RootSumSquare falls back to degradation for them.
	Correlated bool `mapstructure:"correlated"`
}

// StageConfig is the injected configuration for one pipeline run.
type StageConfig struct {
	Regime Regime
	Stages map[string]Stage
}

// DefaultStageConfig returns the degradation regime with the standard stage
// factors.
func DefaultStageConfig() StageConfig {
	return StageConfig{
		Regime: Degradation{},
		Stages: map[string]Stage{
			StageExtraction:   {Name: StageExtraction, Factor: 0.90},
			StageResolution:   {Name: StageResolution, Factor: 0.95},
			StageRelationship: {Name: StageRelationship, Factor: 0.92},
			StageAggregation:  {Name: StageAggregation, Factor: 0.98},
		},
	}
}

// Validate checks the regime and every stage factor.
func (c StageConfig) Validate() error {
	switch c.Regime.(type) {
	case Degradation, RootSumSquare:
	default:
		return kgerr.Validation("stage_config", fmt.Sprintf("unsupported regime %T", c.Regime)).
			WithRecovery(kgerr.RecoveryCheckConfig)
	}
	for name, st := range c.Stages {
		if math.IsNaN(st.Factor) || st.Factor <= 0 || st.Factor > 1 {
			return kgerr.Validation("stage_config", fmt.Sprintf("stage %q factor %v outside (0,1]", name, st.Factor)).
				WithRecovery(kgerr.RecoveryCheckConfig)
		}
	}
	return nil
}

// Step records one stage application, for provenance.
type Step struct {
	Stage  string
	Regime string
	Known  bool
	Before confidence.Score
	After  confidence.Score
}

// Propagator applies a StageConfig to scores.
type Propagator struct {
	regime Regime
	stages map[string]Stage
	logger *slog.Logger
	now    func() time.Time
}

// NewPropagator validates cfg and takes a private copy of it.
func NewPropagator(cfg StageConfig, logger *slog.Logger) (*Propagator, error) {
	if cfg.Regime == nil {
		cfg.Regime = Degradation{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	stages := make(map[string]Stage, len(cfg.Stages))
	for name, st := range cfg.Stages {
		st.Name = name
		stages[name] = st
	}
	return &Propagator{
		regime: cfg.Regime,
		stages: stages,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Regime returns the configured regime.
func (p *Propagator) Regime() Regime {
	return p.regime
}

// Stages lists configured stage names in sorted order.
func (p *Propagator) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for name := range p.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Propagate carries s through stage.
//
// An unknown stage fails closed: the value is returned unchanged with the
// method set to unknown. The only error is a malformed input score.
func (p *Propagator) Propagate(s confidence.Score, stage string) (confidence.Score, error) {
	if err := s.Validate(); err != nil {
		return confidence.Score{}, err
	}
	st, ok := p.stages[stage]
	if !ok {
		p.logger.Warn("Unknown propagation stage, confidence left unchanged", "stage", stage)
		out := s.Clone()
		out.Method = confidence.MethodUnknown
		return out, nil
	}

	out := s.Clone()
	out.AssessedAt = p.now().UTC()

	switch p.regime.(type) {
	case RootSumSquare:
		if st.Correlated || s.IsDependent() {
			degrade(&out, st.Factor)
			break
		}
		combined := math.Hypot(1-s.Value, 1-st.Factor)
		out.Value = math.Max(0, 1-combined)
		out.Method = confidence.MethodRootSumSquare
	default:
		degrade(&out, st.Factor)
	}

	// Neither regime may raise the value.
	if out.Value > s.Value {
		out.Value = s.Value
	}
	return out, nil
}

func degrade(s *confidence.Score, factor float64) {
	s.Value *= factor
	s.Method = confidence.MethodDegradation
}

// PropagateChain applies stages in order and returns every step.
func (p *Propagator) PropagateChain(s confidence.Score, stages ...string) (confidence.Score, []Step, error) {
	steps := make([]Step, 0, len(stages))
	cur := s
	for _, name := range stages {
		next, err := p.Propagate(cur, name)
		if err != nil {
			return confidence.Score{}, steps, err
		}
		_, known := p.stages[name]
		steps = append(steps, Step{
			Stage:  name,
			Regime: p.regime.Name(),
			Known:  known,
			Before: cur,
			After:  next,
		})
		cur = next
	}
	return cur, steps, nil
}
