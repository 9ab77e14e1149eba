// Package llm wraps the external chat-completion endpoint behind a small
// Client interface. A completion is a single fallible call: the package
// performs no retries and no backoff — a provider failure is surfaced to
// the adapter, which shows the user a fixed fallback message and leaves
// conversation state untouched.
package llm

import (
	"context"
	"errors"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/session"
)

// ErrRateLimit is returned when the upstream provider reports a
// rate-limiting condition (HTTP 429). The request was understood but
// cannot be served right now; callers should tell the user to retry, not
// silently re-send.
var ErrRateLimit = errors.New("llm: upstream rate limit exceeded")

// FallbackReply is the fixed, user-displayable message the adapter sends
// when a completion fails. Provider payloads and stack traces are never
// surfaced to end users.
const FallbackReply = "Sorry, I could not reach the language model. Please try again in a moment."

// Client produces one assistant turn from an ordered history.
// Implementations must be safe for concurrent use.
type Client interface {
	// Complete sends history as-is and returns the assistant's reply turn.
	Complete(ctx context.Context, history []session.Turn) (session.Turn, error)
}
