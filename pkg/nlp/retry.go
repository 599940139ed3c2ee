package nlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/soundprediction/credence/pkg/config"
	"github.com/soundprediction/credence/pkg/types"
)

// RetryConfig controls how often a failed model call is repeated.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the wait between retries.
	MaxDelay time.Duration
	// BackoffMultiplier grows the wait after every retry.
	BackoffMultiplier float64
	// ReaskMalformed repeats structured calls whose answer holds no JSON
	// object or array.
	ReaskMalformed bool
}

// DefaultRetryConfig returns three retries from one second up to a minute,
// re-asking malformed structured answers.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2,
		ReaskMalformed:    true,
	}
}

// RetryConfigFrom applies the nlp section of the configuration to the defaults.
func RetryConfigFrom(cfg config.NLPConfig) *RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		rc.MaxRetries = cfg.MaxRetries
	}
	return rc
}

// RetryClient repeats model calls that failed for transient reasons.
type RetryClient struct {
	client Client
	config RetryConfig
	logger *slog.Logger
}

// NewRetryClient wraps client. A nil config takes DefaultRetryConfig; zero
// fields of a given config take their defaults.
func NewRetryClient(client Client, cfg *RetryConfig, logger *slog.Logger) *RetryClient {
	def := DefaultRetryConfig()
	if cfg == nil {
		cfg = def
	}
	rc := *cfg
	if rc.MaxRetries < 0 {
		rc.MaxRetries = def.MaxRetries
	}
	if rc.InitialDelay <= 0 {
		rc.InitialDelay = def.InitialDelay
	}
	if rc.MaxDelay <= 0 {
		rc.MaxDelay = def.MaxDelay
	}
	if rc.BackoffMultiplier < 1 {
		rc.BackoffMultiplier = def.BackoffMultiplier
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryClient{client: client, config: rc, logger: logger}
}

// Chat implements Client.
func (r *RetryClient) Chat(ctx context.Context, messages []types.Message) (*types.Response, error) {
	return r.do(ctx, "chat", func() (*types.Response, error) {
		return r.client.Chat(ctx, messages)
	})
}

// ChatWithStructuredOutput implements Client. With ReaskMalformed set, an
// answer that does not decode to a JSON object or array counts as a failed
// attempt.
func (r *RetryClient) ChatWithStructuredOutput(ctx context.Context, messages []types.Message, schema any) (*types.Response, error) {
	return r.do(ctx, "structured", func() (*types.Response, error) {
		resp, err := r.client.ChatWithStructuredOutput(ctx, messages, schema)
		if err != nil || !r.config.ReaskMalformed {
			return resp, err
		}
		if resp == nil {
			return nil, ErrEmptyResponse
		}
		if err := checkStructured(resp.Content); err != nil {
			return nil, err
		}
		return resp, nil
	})
}

// Close implements Client.
func (r *RetryClient) Close() error {
	return r.client.Close()
}

func (r *RetryClient) do(ctx context.Context, op string, call func() (*types.Response, error)) (*types.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt)
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
				return nil, fmt.Errorf("%s: deadline leaves no room for retry %d: %w", op, attempt, lastErr)
			}
			r.logger.Warn("Retrying model call", "operation", op, "attempt", attempt, "delay", delay, "error", lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("%s: cancelled during retry backoff: %w", op, ctx.Err())
			}
		}

		resp, err := call()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: failed after %d retries: %w", op, r.config.MaxRetries, lastErr)
}

// backoff returns InitialDelay * BackoffMultiplier^(attempt-1), capped at MaxDelay.
func (r *RetryClient) backoff(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	return time.Duration(min(delay, float64(r.config.MaxDelay)))
}

// checkStructured reports an error unless content decodes to a JSON object
// or array.
func checkStructured(content string) error {
	var v any
	if err := DecodeJSON(content, &v); err != nil {
		return err
	}
	switch v.(type) {
	case map[string]any, []any:
		return nil
	}
	return fmt.Errorf("%w: answer is a bare %T", ErrInvalidJSON, v)
}

var transientPatterns = []string{
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"timeout",
	"connection reset",
	"connection refused",
	"temporary failure",
	"too many requests",
	"rate limit",
}

// retryable classifies err as transient. Cancellation never is.
func retryable(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrRateLimit), errors.Is(err, ErrInvalidJSON), errors.Is(err, ErrEmptyResponse):
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return transientStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return transientStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func transientStatus(code int) bool {
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}
