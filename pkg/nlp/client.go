package nlp

import (
	"context"

	"github.com/soundprediction/credence/pkg/types"
)

// Client is a chat model used as the likelihood oracle and as the
// extraction service. Wrappers in this package compose over it.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, messages []types.Message) (*types.Response, error)

	// ChatWithStructuredOutput asks for an answer holding a JSON value.
	// schema is the Go value the caller will decode into; providers may
	// use it as a hint or ignore it.
	ChatWithStructuredOutput(ctx context.Context, messages []types.Message, schema any) (*types.Response, error)

	Close() error
}

const (
	RoleSystem types.Role = "system"
	RoleUser   types.Role = "user"
)

// Prompt is the two-message conversation every caller sends: fixed
// instructions followed by the task payload.
func Prompt(instructions, payload string) []types.Message {
	return []types.Message{
		{Role: RoleSystem, Content: instructions},
		{Role: RoleUser, Content: payload},
	}
}
