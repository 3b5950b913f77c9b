// Package model defines the provider-agnostic contract for the external
// language model the pipeline uses to generate analysis code, narratives, and
// chart critiques. Implementations wrap provider SDKs (see features/model/...)
// and translate Request/Response to provider-specific formats. No runtime
// invariant depends on which provider is used: the core treats the model as a
// text-in/text-out function with transient-failure semantics.
package model

import "context"

type (
	// Client is the contract runtime components use to invoke model calls.
	// Implementations must be safe for concurrent use; independent
	// perspectives call Complete in parallel.
	Client interface {
		// Complete sends a completion request and returns the generated
		// response. Transient provider failures are reported via
		// ErrRateLimited or ErrUnavailable so callers can retry with backoff.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request captures the normalized parameters of a model invocation.
	Request struct {
		// Model identifies the target model with the provider-specific
		// identifier. Empty selects the client's configured default.
		Model string

		// Messages is the ordered chat history, including system prompts and
		// prior assistant turns.
		Messages []Message

		// Temperature controls sampling randomness. Zero means greedy
		// decoding or the provider default, depending on the backend.
		Temperature float64

		// MaxTokens caps completion length. Zero uses the client default.
		MaxTokens int
	}

	// Response wraps the generated content.
	Response struct {
		// Text is the assistant output.
		Text string

		// Usage reports token consumption when the provider makes it
		// available; check InputTokens > 0 before relying on it.
		Usage TokenUsage

		// StopReason explains why generation ended. Values are
		// provider-specific and may be empty.
		StopReason string
	}

	// Message mirrors a chat message with role and content.
	Message struct {
		// Role is "system", "user", or "assistant".
		Role string

		// Content is the message text.
		Content string
	}

	// TokenUsage reports token accounting for a completion.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
	}
)

// Chat message roles accepted by Request.Messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// transientError is the sentinel type for provider failures that may succeed
// on retry. It satisfies retry.Transient so the default classification
// retries these without importing this package.
type transientError string

func (e transientError) Error() string   { return string(e) }
func (e transientError) Transient() bool { return true }

// ErrRateLimited indicates the provider is throttling requests. Retry with
// backoff.
var ErrRateLimited error = transientError("model: rate limited")

// ErrUnavailable indicates a transient provider failure (5xx, network) where
// a retry may succeed.
var ErrUnavailable error = transientError("model: provider unavailable")

// UserPrompt is a convenience for the common single-turn request shape.
func UserPrompt(system, user string) []Message {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	}
	return append(msgs, Message{Role: RoleUser, Content: user})
}
