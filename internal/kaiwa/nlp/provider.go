// Package nlp provides the language-model layer for Kaiwa: a chat Provider
// abstraction, an OpenAI-compatible implementation, and the intent
// classifier that routes a merged batch utterance to normal conversation or
// knowledge retrieval.
package nlp

import (
	"context"
	"errors"
)

// ErrRateLimit is returned by a Provider when the upstream API reports a
// rate-limiting condition (HTTP 429).
var ErrRateLimit = errors.New("nlp: upstream rate limit exceeded")

// Message is a single turn sent to the chat API.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string
	// Content is the message text.
	Content string
}

// Chat-role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Provider sends a message sequence to a language model and returns the raw
// text of its reply. Implementations must be safe for concurrent use.
// Callers own retry policy and tolerant decoding of the returned text.
type Provider interface {
	Chat(ctx context.Context, msgs []Message) (string, error)
}
