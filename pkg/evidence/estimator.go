package evidence

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/types"
)

// LikelihoodEstimate holds the Bayesian parameters for one claim set.
// PEGivenH and PEGivenNotH are joint likelihoods of all the evidence.
type LikelihoodEstimate struct {
	Prior               float64 `json:"prior"`
	PEGivenH            float64 `json:"p_e_given_h"`
	PEGivenNotH         float64 `json:"p_e_given_not_h"`
	ParameterConfidence float64 `json:"parameter_confidence"`
	Reasoning           string  `json:"reasoning"`
	Estimator           string  `json:"estimator"`
}

// Validate checks parameter ranges.
func (e LikelihoodEstimate) Validate() error {
	switch {
	case !(e.Prior > 0 && e.Prior < 1):
		return kgerr.Aggregation("estimate_likelihoods", fmt.Sprintf("prior %v outside (0,1)", e.Prior), nil)
	case !(e.PEGivenH >= 0 && e.PEGivenH <= 1), !(e.PEGivenNotH >= 0 && e.PEGivenNotH <= 1):
		return kgerr.Aggregation("estimate_likelihoods",
			fmt.Sprintf("likelihoods (%v, %v) outside [0,1]", e.PEGivenH, e.PEGivenNotH), nil)
	case e.PEGivenH == 0 && e.PEGivenNotH == 0:
		return kgerr.Aggregation("estimate_likelihoods", "both likelihoods are zero", nil)
	case !(e.ParameterConfidence >= 0 && e.ParameterConfidence <= 1):
		return kgerr.Aggregation("estimate_likelihoods",
			fmt.Sprintf("parameter confidence %v outside [0,1]", e.ParameterConfidence), nil)
	}
	return nil
}

// Posterior applies Bayes' rule.
func (e LikelihoodEstimate) Posterior() float64 {
	num := e.Prior * e.PEGivenH
	return num / (num + (1-e.Prior)*e.PEGivenNotH)
}

// LikelihoodEstimator is the parameter-estimation oracle.
type LikelihoodEstimator interface {
	EstimateLikelihoods(ctx context.Context, claims []types.Claim, judgment Judgment) (LikelihoodEstimate, error)
	Name() string
}

// maxLogLR keeps exp() finite.
const maxLogLR = 50

// HeuristicEstimator derives likelihoods from the claims' own confidences.
// Each claim contributes its log likelihood ratio against the prior. Within
// a dependent cluster the strongest claim counts in full and the others are
// shrunk by how much of their evidence is already counted.
type HeuristicEstimator struct {
	Prior               float64
	ParameterConfidence float64
}

// NewHeuristicEstimator fills zero values with prior 0.5 and parameter
// confidence 0.9.
func NewHeuristicEstimator(prior, parameterConfidence float64) *HeuristicEstimator {
	if prior <= 0 || prior >= 1 {
		prior = 0.5
	}
	if parameterConfidence <= 0 || parameterConfidence > 1 {
		parameterConfidence = 0.9
	}
	return &HeuristicEstimator{Prior: prior, ParameterConfidence: parameterConfidence}
}

func (h *HeuristicEstimator) Name() string { return "heuristic" }

func (h *HeuristicEstimator) EstimateLikelihoods(_ context.Context, claims []types.Claim, judgment Judgment) (LikelihoodEstimate, error) {
	if len(claims) == 0 {
		return LikelihoodEstimate{}, kgerr.Aggregation("estimate_likelihoods", "no claims", nil)
	}

	base := logit(h.Prior)
	lr := make(map[string]float64, len(claims))
	order := make([]string, 0, len(claims))
	for _, c := range claims {
		lr[c.ID] = logit(c.AggregatedConfidence.Value) - base
		order = append(order, c.ID)
	}
	sort.SliceStable(order, func(i, j int) bool { return lr[order[i]] > lr[order[j]] })

	shrink := judgment.Shrinkage(order)
	var total float64
	for _, id := range order {
		total += shrink[id] * lr[id]
	}
	total = math.Max(-maxLogLR, math.Min(maxLogLR, total))

	joint := math.Exp(total)
	return LikelihoodEstimate{
		Prior:               h.Prior,
		PEGivenH:            joint / (1 + joint),
		PEGivenNotH:         1 / (1 + joint),
		ParameterConfidence: h.ParameterConfidence,
		Estimator:           h.Name(),
		Reasoning: fmt.Sprintf("%d claims in %d independent clusters; combined log likelihood ratio %.3f",
			len(claims), judgment.IndependentCount(), total),
	}, nil
}

// logit is clamped away from 0 and 1 so certain inputs stay finite.
func logit(p float64) float64 {
	const eps = 1e-6
	p = math.Max(eps, math.Min(1-eps, p))
	return math.Log(p / (1 - p))
}
