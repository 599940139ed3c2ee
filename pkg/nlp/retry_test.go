package nlp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/credence/pkg/config"
	"github.com/soundprediction/credence/pkg/types"
)

// reply is one scripted model answer.
type reply struct {
	content string
	err     error
}

// scriptedModel answers calls from a script; once the script runs out it
// repeats the last reply.
type scriptedModel struct {
	mu      sync.Mutex
	script  []reply
	calls   int
	prompts []string
}

func (m *scriptedModel) next(messages []types.Message) (*types.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(messages) > 0 {
		m.prompts = append(m.prompts, messages[len(messages)-1].Content)
	}
	r := reply{content: `{"status": "ok"}`}
	if len(m.script) > 0 {
		r = m.script[min(m.calls, len(m.script))-1]
	}
	if r.err != nil {
		return nil, r.err
	}
	return &types.Response{Content: r.content}, nil
}

func (m *scriptedModel) Chat(_ context.Context, messages []types.Message) (*types.Response, error) {
	return m.next(messages)
}

func (m *scriptedModel) ChatWithStructuredOutput(_ context.Context, messages []types.Message, _ any) (*types.Response, error) {
	return m.next(messages)
}

func (m *scriptedModel) Close() error { return nil }

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func fastRetry(maxRetries int) *RetryConfig {
	return &RetryConfig{
		MaxRetries:        maxRetries,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
		ReaskMalformed:    true,
	}
}

var oraclePrompt = Prompt("You estimate Bayesian parameters.", `{"claims": []}`)

func TestRetryClientStructuredCalls(t *testing.T) {
	serverErr := errors.New("503 service unavailable")
	estimate := `{"prior": 0.4, "p_e_given_h": 0.8, "p_e_given_not_h": 0.1}`

	tests := []struct {
		name      string
		script    []reply
		retries   int
		wantCalls int
		wantErr   error
	}{
		{"answers first time", []reply{{content: estimate}}, 3, 1, nil},
		{"server error then answer", []reply{{err: serverErr}, {err: serverErr}, {content: estimate}}, 3, 3, nil},
		{"rambling answer is re-asked", []reply{{content: "I would need more context."}, {content: estimate}}, 3, 2, nil},
		{"fenced answer is accepted", []reply{{content: "```json\n" + estimate + "\n```"}}, 3, 1, nil},
		{"bare number is re-asked", []reply{{content: "0.4"}, {content: estimate}}, 3, 2, nil},
		{"empty answer is re-asked", []reply{{content: ""}, {content: estimate}}, 3, 2, nil},
		{"rate limited then answer", []reply{{err: NewRateLimitError("slow down")}, {content: estimate}}, 3, 2, nil},
		{"gives up after max retries", []reply{{err: serverErr}}, 2, 3, serverErr},
		{"keeps rambling", []reply{{content: "no idea"}}, 1, 2, ErrInvalidJSON},
		{"bad request is final", []reply{{err: errors.New("400 bad request")}}, 3, 1, nil},
		{"no retries configured", []reply{{err: serverErr}}, 0, 1, serverErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &scriptedModel{script: tt.script}
			client := NewRetryClient(model, fastRetry(tt.retries), nil)

			resp, err := client.ChatWithStructuredOutput(context.Background(), oraclePrompt, nil)
			assert.Equal(t, tt.wantCalls, model.callCount())
			last := tt.script[len(tt.script)-1]
			switch {
			case tt.wantErr != nil:
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			case last.err != nil:
				require.Error(t, err)
				assert.ErrorIs(t, err, last.err)
			default:
				require.NoError(t, err)
				assert.Equal(t, last.content, resp.Content)
			}
		})
	}
}

func TestRetryClientReaskDisabled(t *testing.T) {
	model := &scriptedModel{script: []reply{{content: "I would need more context."}}}
	cfg := fastRetry(3)
	cfg.ReaskMalformed = false
	client := NewRetryClient(model, cfg, nil)

	resp, err := client.ChatWithStructuredOutput(context.Background(), oraclePrompt, nil)
	require.NoError(t, err)
	assert.Equal(t, "I would need more context.", resp.Content)
	assert.Equal(t, 1, model.callCount())
}

func TestRetryClientChatDoesNotCheckJSON(t *testing.T) {
	model := &scriptedModel{script: []reply{{content: "plain prose"}}}
	client := NewRetryClient(model, fastRetry(3), nil)

	resp, err := client.Chat(context.Background(), oraclePrompt)
	require.NoError(t, err)
	assert.Equal(t, "plain prose", resp.Content)
	assert.Equal(t, 1, model.callCount())
	assert.Equal(t, []string{`{"claims": []}`}, model.prompts)
}

func TestRetryClientCancelledDuringBackoff(t *testing.T) {
	model := &scriptedModel{script: []reply{{err: errors.New("connection reset by peer")}}}
	cfg := fastRetry(5)
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second
	client := NewRetryClient(model, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := client.ChatWithStructuredOutput(ctx, oraclePrompt, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, model.callCount())
}

func TestRetryClientStopsBeforeDeadline(t *testing.T) {
	model := &scriptedModel{script: []reply{{err: errors.New("502 bad gateway")}}}
	cfg := fastRetry(3)
	cfg.InitialDelay = time.Minute
	cfg.MaxDelay = time.Minute
	client := NewRetryClient(model, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	_, err := client.ChatWithStructuredOutput(ctx, oraclePrompt, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadline leaves no room")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, model.callCount())
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", fmt.Errorf("openai chat completion failed: %w", context.DeadlineExceeded), false},
		{"rate limit sentinel", ErrRateLimit, true},
		{"wrapped rate limit", fmt.Errorf("call: %w", NewRateLimitError()), true},
		{"malformed answer", fmt.Errorf("%w: unexpected token", ErrInvalidJSON), true},
		{"empty answer", fmt.Errorf("no choices returned from openai: %w", ErrEmptyResponse), true},
		{"api 500", fmt.Errorf("wrap: %w", &openai.APIError{HTTPStatusCode: http.StatusInternalServerError}), true},
		{"api 408", &openai.APIError{HTTPStatusCode: http.StatusRequestTimeout}, true},
		{"api 401", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "invalid api key"}, false},
		{"request 429", &openai.RequestError{HTTPStatusCode: http.StatusTooManyRequests, Err: errors.New("throttled")}, true},
		{"request 404", &openai.RequestError{HTTPStatusCode: http.StatusNotFound, Err: errors.New("no such model")}, false},
		{"gateway text", errors.New("504 Gateway Timeout"), true},
		{"refused text", errors.New("dial tcp: connection refused"), true},
		{"bad request text", errors.New("400 bad request"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func TestRetryBackoff(t *testing.T) {
	client := NewRetryClient(&scriptedModel{}, &RetryConfig{
		MaxRetries:        5,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
	}, nil)

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for i, d := range want {
		assert.Equal(t, d, client.backoff(i+1), "attempt %d", i+1)
	}
}

func TestNewRetryClientDefaults(t *testing.T) {
	client := NewRetryClient(&scriptedModel{}, &RetryConfig{MaxRetries: -1, BackoffMultiplier: 0.5}, nil)
	def := DefaultRetryConfig()
	assert.Equal(t, def.MaxRetries, client.config.MaxRetries)
	assert.Equal(t, def.InitialDelay, client.config.InitialDelay)
	assert.Equal(t, def.MaxDelay, client.config.MaxDelay)
	assert.Equal(t, def.BackoffMultiplier, client.config.BackoffMultiplier)
	assert.False(t, client.config.ReaskMalformed)

	fromCfg := RetryConfigFrom(config.NLPConfig{MaxRetries: 7})
	assert.Equal(t, 7, fromCfg.MaxRetries)
	assert.True(t, fromCfg.ReaskMalformed)
	assert.Equal(t, def.MaxRetries, RetryConfigFrom(config.NLPConfig{}).MaxRetries)
}
