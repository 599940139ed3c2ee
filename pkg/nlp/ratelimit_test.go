package nlp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitedClient(t *testing.T) {
	model := &scriptedModel{}
	client := NewRateLimitedClient(model, 1000, 1)

	for i := 0; i < 3; i++ {
		_, err := client.ChatWithStructuredOutput(context.Background(), oraclePrompt, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, model.callCount())
}

func TestRateLimitedClient_ContextCancelled(t *testing.T) {
	model := &scriptedModel{}
	client := NewRateLimitedClient(model, 0.001, 1)

	_, err := client.Chat(context.Background(), Prompt("extract", "first span"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = client.ChatWithStructuredOutput(ctx, Prompt("extract", "second span"), nil)
	assert.Error(t, err)
	assert.Equal(t, 1, model.callCount())
}

func TestRateLimitedClient_Unlimited(t *testing.T) {
	model := &scriptedModel{}
	client := NewRateLimitedClient(model, 0, 0)
	for i := 0; i < 50; i++ {
		_, err := client.Chat(context.Background(), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 50, model.callCount())
}
