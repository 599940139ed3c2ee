package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/nlp"
	"github.com/soundprediction/credence/pkg/types"
)

const likelihoodSystemPrompt = `You estimate Bayesian parameters for a claim reported by several sources.
Return a JSON object with keys prior, p_e_given_h, p_e_given_not_h, parameter_confidence and reasoning.
p_e_given_h and p_e_given_not_h are JOINT likelihoods of all the evidence together.
Sources in the same dependency cluster share evidence: do not multiply their likelihoods as if independent.
All numbers are probabilities in [0,1]; prior must be strictly between 0 and 1.`

// LLMEstimator asks a language model for the parameters.
type LLMEstimator struct {
	client nlp.Client
}

// NewLLMEstimator wraps client.
func NewLLMEstimator(client nlp.Client) *LLMEstimator {
	return &LLMEstimator{client: client}
}

func (l *LLMEstimator) Name() string { return "llm" }

type promptClaim struct {
	ID          string   `json:"id"`
	Statement   string   `json:"statement"`
	Confidence  float64  `json:"confidence"`
	Document    string   `json:"document"`
	Lineage     string   `json:"lineage,omitempty"`
	Cites       []string `json:"cites,omitempty"`
	Publisher   string   `json:"publisher,omitempty"`
	PublishedAt string   `json:"published_at,omitempty"`
}

func (l *LLMEstimator) EstimateLikelihoods(ctx context.Context, claims []types.Claim, judgment Judgment) (LikelihoodEstimate, error) {
	if len(claims) == 0 {
		return LikelihoodEstimate{}, kgerr.Aggregation("estimate_likelihoods", "no claims", nil)
	}

	pcs := make([]promptClaim, len(claims))
	ids := make([]string, len(claims))
	for i, c := range claims {
		ids[i] = c.ID
		pcs[i] = promptClaim{
			ID:         c.ID,
			Statement:  strings.Join([]string{c.Subject, c.Predicate, c.Object}, " "),
			Confidence: c.AggregatedConfidence.Value,
			Document:   c.Source.DocumentID,
			Lineage:    c.Source.Lineage,
			Cites:      c.Source.Cites,
			Publisher:  c.Source.Publisher,
		}
		if !c.Source.PublishedAt.IsZero() {
			pcs[i].PublishedAt = c.Source.PublishedAt.Format("2006-01-02T15:04:05Z07:00")
		}
	}
	payload, err := json.MarshalIndent(map[string]any{"claims": pcs, "dependency_judgment": judgment}, "", "  ")
	if err != nil {
		return LikelihoodEstimate{}, fmt.Errorf("failed to encode oracle prompt: %w", err)
	}

	resp, err := l.client.ChatWithStructuredOutput(ctx, nlp.Prompt(likelihoodSystemPrompt, string(payload)), LikelihoodEstimate{})
	if err != nil {
		return LikelihoodEstimate{}, kgerr.Aggregation("estimate_likelihoods", "likelihood oracle call failed", err, ids...).
			WithRecovery(kgerr.RecoveryRetry)
	}

	var est LikelihoodEstimate
	if err := nlp.DecodeJSON(resp.Content, &est); err != nil {
		return LikelihoodEstimate{}, kgerr.Aggregation("estimate_likelihoods", "unparseable oracle response", err, ids...).
			WithRecovery(kgerr.RecoveryRetry, kgerr.RecoveryExpertReview)
	}
	est.Estimator = l.Name()
	if err := est.Validate(); err != nil {
		if ke, ok := err.(*kgerr.Error); ok {
			ke.IDs = ids
		}
		return LikelihoodEstimate{}, err
	}
	return est, nil
}
