// Package llm defines the reply-generation contract used by call sessions
// and the post-call summariser. A Provider turns a system prompt plus the
// turn history into one reply; the session owns timeouts and cancellation
// through the context it passes in.
package llm

import (
	"context"
	"errors"
)

// Turn-level failure taxonomy. Both errors fail only the turn they occur
// on: the session stays up and keeps listening.
var (
	// ErrGenerationTimeout indicates the reply did not complete within the
	// turn deadline.
	ErrGenerationTimeout = errors.New("llm: generation timed out")

	// ErrGenerationRejected indicates the backend refused the request
	// (invalid input, content policy, quota).
	ErrGenerationRejected = errors.New("llm: generation rejected")
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the turn history sent to the model.
type Message struct {
	Role    Role
	Content string
}

// CompletionRequest carries everything a Provider needs for one reply.
type CompletionRequest struct {
	// SystemPrompt frames the assistant. May be empty.
	SystemPrompt string

	// Messages is the turn history, oldest first, ending with the caller's
	// latest utterance.
	Messages []Message

	// Temperature of 0 means provider default.
	Temperature float64

	// MaxTokens of 0 means provider default.
	MaxTokens int
}

// Usage reports token accounting when the backend provides it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the generated reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider generates one reply per call. Implementations must honour ctx
// cancellation and deadlines.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
