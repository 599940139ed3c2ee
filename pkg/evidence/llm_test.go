package evidence

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	content string
	err     error
	prompt  string
}

func (s *scriptedClient) Chat(ctx context.Context, messages []types.Message) (*types.Response, error) {
	return s.ChatWithStructuredOutput(ctx, messages, nil)
}

func (s *scriptedClient) ChatWithStructuredOutput(_ context.Context, messages []types.Message, _ any) (*types.Response, error) {
	if len(messages) > 0 {
		s.prompt = messages[len(messages)-1].Content
	}
	if s.err != nil {
		return nil, s.err
	}
	return &types.Response{Content: s.content}, nil
}

func (s *scriptedClient) Close() error { return nil }

func TestLLMEstimator(t *testing.T) {
	client := &scriptedClient{content: "```json\n{\"prior\": 0.4, \"p_e_given_h\": 0.8, \"p_e_given_not_h\": 0.1, \"parameter_confidence\": 0.7, \"reasoning\": \"two wire copies\",}\n```"}
	est := NewLLMEstimator(client)
	claims := duplicates(2, 0.8)
	j := NewDependencyAnalyzer(AnalyzerOptions{}).Analyze(claims)

	got, err := est.EstimateLikelihoods(context.Background(), claims, j)
	require.NoError(t, err)
	assert.Equal(t, 0.4, got.Prior)
	assert.Equal(t, 0.7, got.ParameterConfidence)
	assert.Equal(t, "llm", got.Estimator)
	assert.Equal(t, "two wire copies", got.Reasoning)
	assert.True(t, strings.Contains(client.prompt, "same_lineage"))
	assert.True(t, strings.Contains(client.prompt, "wire-story-1"))
}

func TestLLMEstimatorFailures(t *testing.T) {
	claims := independent(2, 0.8)
	j := NewDependencyAnalyzer(AnalyzerOptions{}).Analyze(claims)

	tests := []struct {
		name   string
		client *scriptedClient
	}{
		{"call fails", &scriptedClient{err: errors.New("503 service unavailable")}},
		{"not json", &scriptedClient{content: "I cannot estimate this."}},
		{"out of range", &scriptedClient{content: `{"prior": 0, "p_e_given_h": 0.5, "p_e_given_not_h": 0.5}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLLMEstimator(tt.client).EstimateLikelihoods(context.Background(), claims, j)
			require.Error(t, err)
			assert.True(t, errors.Is(err, kgerr.ErrAggregation))
			assert.ElementsMatch(t, []string{"c0", "c1"}, kgerr.PayloadOf(err).IDs)
		})
	}
}
