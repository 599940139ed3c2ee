package nlp

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/soundprediction/credence/pkg/types"
)

// RateLimitedClient caps the request rate to the wrapped client.
type RateLimitedClient struct {
	client  Client
	limiter *rate.Limiter
}

// NewRateLimitedClient allows rps requests per second with the given burst.
// A non-positive rps disables limiting.
func NewRateLimitedClient(client Client, rps float64, burst int) *RateLimitedClient {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedClient{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (c *RateLimitedClient) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}
	return nil
}

// Chat implements Client
func (c *RateLimitedClient) Chat(ctx context.Context, messages []types.Message) (*types.Response, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.client.Chat(ctx, messages)
}

// ChatWithStructuredOutput implements Client
func (c *RateLimitedClient) ChatWithStructuredOutput(ctx context.Context, messages []types.Message, schema any) (*types.Response, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.client.ChatWithStructuredOutput(ctx, messages, schema)
}

// Close implements Client
func (c *RateLimitedClient) Close() error {
	return c.client.Close()
}
