package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/soundprediction/credence/pkg/confidence"
	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/types"
)

// Strategy is the closed set of aggregation strategies.
type Strategy interface {
	Name() string
	sealed()
}

// Bayesian updates a prior with joint likelihoods from the oracle.
type Bayesian struct{}

// DempsterShafer combines one mass per independent cluster.
type DempsterShafer struct {
	// Reliability discounts each cluster's mass; the rest is ignorance.
	Reliability float64
}

func (Bayesian) Name() string       { return string(confidence.MethodBayesian) }
func (Bayesian) sealed()            {}
func (DempsterShafer) Name() string { return string(confidence.MethodDempsterShafer) }
func (DempsterShafer) sealed()      {}

// ParseStrategy maps a configuration string to a strategy.
func ParseStrategy(s string, reliability float64) (Strategy, error) {
	switch s {
	case "", "bayesian":
		return Bayesian{}, nil
	case "dempster_shafer", "ds":
		if reliability <= 0 || reliability > 1 {
			reliability = 0.9
		}
		return DempsterShafer{Reliability: reliability}, nil
	}
	return nil, kgerr.Validation("parse_strategy", fmt.Sprintf("unknown aggregation strategy %q", s)).
		WithRecovery(kgerr.RecoveryCheckConfig)
}

// AuditTrail records how an aggregate was produced.
type AuditTrail struct {
	Strategy        string              `json:"strategy"`
	PassThrough     bool                `json:"pass_through,omitempty"`
	Judgment        Judgment            `json:"judgment"`
	Estimate        *LikelihoodEstimate `json:"estimate,omitempty"`
	Mass            *confidence.Mass    `json:"mass,omitempty"`
	RawPosterior    float64             `json:"raw_posterior"`
	MetaConfidence  float64             `json:"meta_confidence"`
	StrongestInput  float64             `json:"strongest_input"`
	EffectiveWeight float64             `json:"effective_weight"`
	Capped          bool                `json:"capped,omitempty"`
	Reasoning       string              `json:"reasoning,omitempty"`
}

// AggregatedClaim is the combined belief in one (subject, predicate, object).
type AggregatedClaim struct {
	Key        string           `json:"key"`
	Subject    string           `json:"subject"`
	Predicate  string           `json:"predicate"`
	Object     string           `json:"object"`
	ClaimIDs   []string         `json:"claim_ids"`
	Confidence confidence.Score `json:"confidence"`
	Audit      AuditTrail       `json:"audit"`
}

// Options configures an Aggregator.
type Options struct {
	Strategy  Strategy
	Estimator LikelihoodEstimator
	Analyzer  *DependencyAnalyzer

	// MetaConfidence is used when the estimate carries no parameter
	// confidence of its own.
	MetaConfidence float64
	Logger         *slog.Logger
}

// Aggregator combines claims that assert the same thing.
type Aggregator struct {
	strategy  Strategy
	estimator LikelihoodEstimator
	analyzer  *DependencyAnalyzer
	meta      float64
	logger    *slog.Logger
	now       func() time.Time
}

// NewAggregator applies defaults: Bayesian strategy, heuristic estimator,
// default dependency analyzer and meta-confidence 0.9.
func NewAggregator(opts Options) (*Aggregator, error) {
	if opts.Strategy == nil {
		opts.Strategy = Bayesian{}
	}
	switch s := opts.Strategy.(type) {
	case Bayesian:
	case DempsterShafer:
		if s.Reliability <= 0 || s.Reliability > 1 {
			return nil, kgerr.Validation("new_aggregator", fmt.Sprintf("reliability %v outside (0,1]", s.Reliability)).
				WithRecovery(kgerr.RecoveryCheckConfig)
		}
	default:
		return nil, kgerr.Validation("new_aggregator", fmt.Sprintf("unsupported strategy %T", opts.Strategy))
	}
	if opts.MetaConfidence == 0 {
		opts.MetaConfidence = 0.9
	}
	if opts.MetaConfidence < 0 || opts.MetaConfidence > 1 {
		return nil, kgerr.Validation("new_aggregator", fmt.Sprintf("meta confidence %v outside [0,1]", opts.MetaConfidence)).
			WithRecovery(kgerr.RecoveryCheckConfig)
	}
	if opts.Estimator == nil {
		opts.Estimator = NewHeuristicEstimator(0.5, opts.MetaConfidence)
	}
	if opts.Analyzer == nil {
		opts.Analyzer = NewDependencyAnalyzer(AnalyzerOptions{})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		strategy:  opts.Strategy,
		estimator: opts.Estimator,
		analyzer:  opts.Analyzer,
		meta:      opts.MetaConfidence,
		logger:    opts.Logger,
		now:       time.Now,
	}, nil
}

// Strategy returns the configured strategy.
func (a *Aggregator) Strategy() Strategy { return a.strategy }

// Aggregate combines claims sharing one key. A single claim passes through
// unchanged. Probabilities are never added across instances.
func (a *Aggregator) Aggregate(ctx context.Context, claims []types.Claim) (*AggregatedClaim, error) {
	if len(claims) == 0 {
		return nil, kgerr.Aggregation("aggregate", "no claims to aggregate", nil).
			WithRecovery(kgerr.RecoveryFixInput)
	}
	ids := make([]string, len(claims))
	seen := make(map[string]bool, len(claims))
	for i := range claims {
		if err := claims[i].Validate(); err != nil {
			return nil, err
		}
		if seen[claims[i].ID] {
			return nil, kgerr.Aggregation("aggregate", "duplicate claim id "+claims[i].ID, nil, claims[i].ID).
				WithRecovery(kgerr.RecoveryFixInput)
		}
		seen[claims[i].ID] = true
		ids[i] = claims[i].ID
		if claims[i].Key() != claims[0].Key() {
			return nil, kgerr.Aggregation("aggregate",
				fmt.Sprintf("claims assert different facts: %q vs %q", claims[0].Key(), claims[i].Key()), nil, ids[:i+1]...).
				WithRecovery(kgerr.RecoveryFixInput)
		}
	}

	out := &AggregatedClaim{
		Key:       claims[0].Key(),
		Subject:   claims[0].Subject,
		Predicate: claims[0].Predicate,
		Object:    claims[0].Object,
		ClaimIDs:  ids,
	}
	strongest := strongestInput(claims)
	out.Audit.Strategy = a.strategy.Name()
	out.Audit.StrongestInput = strongest.Value

	if len(claims) == 1 {
		out.Confidence = claims[0].AggregatedConfidence.Clone()
		out.Audit.PassThrough = true
		out.Audit.Judgment = Judgment{Clusters: []Cluster{{Members: ids}}}
		out.Audit.RawPosterior = out.Confidence.Value
		out.Audit.EffectiveWeight = float64(out.Confidence.EvidenceWeight)
		return out, nil
	}

	judgment := a.analyzer.Analyze(claims)
	out.Audit.Judgment = judgment
	out.Audit.EffectiveWeight = effectiveWeight(claims, judgment)

	var value float64
	switch s := a.strategy.(type) {
	case Bayesian:
		est, err := a.estimator.EstimateLikelihoods(ctx, claims, judgment)
		if err != nil {
			return nil, err
		}
		if err := est.Validate(); err != nil {
			return nil, err
		}
		meta := est.ParameterConfidence
		if meta == 0 {
			meta = a.meta
		}
		raw := est.Posterior()
		if math.IsNaN(raw) {
			return nil, kgerr.Aggregation("aggregate", "posterior is undefined for the estimated parameters", nil, ids...)
		}
		value = discount(raw, est.Prior, meta)
		out.Audit.Estimate = &est
		out.Audit.RawPosterior = raw
		out.Audit.MetaConfidence = meta
		out.Audit.Reasoning = est.Reasoning
	case DempsterShafer:
		reps, err := clusterRepresentatives(claims, judgment, a.now())
		if err != nil {
			return nil, err
		}
		combined, mass, err := confidence.DempsterShafer(a.now(), s.Reliability, reps...)
		if err != nil {
			if ke, ok := err.(*kgerr.Error); ok {
				ke.IDs = ids
			}
			return nil, err
		}
		value = combined.Value
		out.Audit.Mass = &mass
		out.Audit.RawPosterior = combined.Value
		out.Audit.MetaConfidence = s.Reliability
		out.Audit.Reasoning = fmt.Sprintf("Dempster's rule over %d independent clusters", len(reps))
	}

	weight := int(math.Round(out.Audit.EffectiveWeight))
	if weight < 1 {
		weight = 1
	}
	if value > strongest.Value && weight <= strongest.EvidenceWeight {
		value = strongest.Value
		out.Audit.Capped = true
	}

	out.Confidence = confidence.Score{
		Value:          clamp(value),
		EvidenceWeight: max(weight, 1),
		Method:         confidence.Method(a.strategy.Name()),
		AssessedAt:     a.now().UTC(),
	}.WithDependsOn(ids...)

	a.logger.Debug("Aggregated claims",
		"key", out.Key,
		"claims", len(claims),
		"clusters", judgment.IndependentCount(),
		"value", out.Confidence.Value,
		"capped", out.Audit.Capped)
	return out, nil
}

func strongestInput(claims []types.Claim) confidence.Score {
	best := claims[0].AggregatedConfidence
	for _, c := range claims[1:] {
		s := c.AggregatedConfidence
		if s.Value > best.Value || (s.Value == best.Value && s.EvidenceWeight > best.EvidenceWeight) {
			best = s
		}
	}
	return best
}

// effectiveWeight counts evidence with dependent claims shrunk, heaviest
// claim first in each cluster.
func effectiveWeight(claims []types.Claim, j Judgment) float64 {
	weights := make(map[string]int, len(claims))
	order := make([]string, 0, len(claims))
	for _, c := range claims {
		weights[c.ID] = c.AggregatedConfidence.EvidenceWeight
		order = append(order, c.ID)
	}
	sort.SliceStable(order, func(i, k int) bool { return weights[order[i]] > weights[order[k]] })
	shrink := j.Shrinkage(order)
	var total float64
	for _, id := range order {
		total += shrink[id] * float64(weights[id])
	}
	return total
}

// clusterRepresentatives reduces each cluster to its strongest claim so
// dependent sources contribute one mass.
func clusterRepresentatives(claims []types.Claim, j Judgment, at time.Time) ([]confidence.Score, error) {
	byID := make(map[string]confidence.Score, len(claims))
	for _, c := range claims {
		byID[c.ID] = c.AggregatedConfidence
	}
	reps := make([]confidence.Score, 0, len(j.Clusters))
	for _, cl := range j.Clusters {
		members := make([]confidence.Score, 0, len(cl.Members))
		for _, id := range cl.Members {
			members = append(members, byID[id])
		}
		rep, err := confidence.Disjoin(at, members...)
		if err != nil {
			return nil, err
		}
		reps = append(reps, rep)
	}
	return reps, nil
}

// discount scales the posterior's log-odds shift away from the prior by meta.
func discount(posterior, prior, meta float64) float64 {
	base := logit(prior)
	return logistic(base + meta*(logit(posterior)-base))
}

func logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
