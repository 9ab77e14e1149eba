// Package session implements the conversation session manager: a
// bounded-capacity, TTL-based store mapping an owner (one messaging-platform
// user) to up to MaxConversations named conversations, each an ordered
// history of chat turns. A per-owner "current" pointer selects which
// conversation plain messages flow into.
//
// All state lives in a kv.Store; any number of bot processes may share one
// manager's backing store. Expected conditions (capacity, misses, invalid
// deletes) come back as sentinel errors or found-flags, never panics; an
// error from the backing store itself is wrapped and propagated because no
// session state can be trusted until the store recovers.
package session

// Turn roles. History order is insertion order and is never rearranged.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single exchange in a conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	// DefaultPersona is the system turn every new conversation starts with.
	DefaultPersona = "You are a helpful assistant."

	// DefaultName is the display label of a freshly created conversation.
	DefaultName = "Default Conversation"
)

// DefaultHistory returns the seed history for a new conversation: exactly
// one system turn establishing the assistant persona. A conversation is
// never empty after creation.
func DefaultHistory() []Turn {
	return []Turn{{Role: RoleSystem, Content: DefaultPersona}}
}

// TrimForPrompt bounds a history before it is sent to the completion
// provider: the leading system turn is always kept, followed by the most
// recent turns up to maxTurns total. The persisted history is not touched —
// this only caps request growth against provider context limits.
func TrimForPrompt(history []Turn, maxTurns int) []Turn {
	if maxTurns <= 0 || len(history) <= maxTurns {
		return history
	}
	out := make([]Turn, 0, maxTurns)
	start := 0
	if history[0].Role == RoleSystem {
		out = append(out, history[0])
		start = 1
	}
	keep := maxTurns - len(out)
	tail := history[start:]
	if len(tail) > keep {
		tail = tail[len(tail)-keep:]
	}
	return append(out, tail...)
}
