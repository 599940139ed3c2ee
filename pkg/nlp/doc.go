// Package nlp provides the language model client used by the likelihood
// oracle and the extraction service.
//
// # Client Wrappers
//
// The base OpenAI client (any OpenAI-compatible endpoint) can be wrapped:
//   - RetryClient: retry transient failures with exponential backoff and
//     re-ask structured calls whose answer holds no JSON
//   - CircuitBreakerClient: stop calling a failing endpoint and alert
//   - RateLimitedClient: cap request rate
//
// # Usage
//
//	base, err := nlp.NewOpenAIClient(apiKey, nlp.OpenAIConfig{Model: "gpt-4o-mini"})
//	client := nlp.NewRetryClient(base, nlp.DefaultRetryConfig(), logger)
//	resp, err := client.ChatWithStructuredOutput(ctx, nlp.Prompt(instructions, payload), nil)
//
// DecodeJSON repairs and decodes model output into a struct.
package nlp
