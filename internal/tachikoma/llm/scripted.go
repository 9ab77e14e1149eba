package llm

import (
	"context"
	"sync"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/session"
)

// Scripted is a Client that replays canned replies in order, for tests and
// for wiring the bot up without an API key. Once the script is exhausted it
// repeats the last reply.
type Scripted struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int

	// Histories records the history passed to each Complete call, so tests
	// can assert on exactly what would have been sent upstream.
	Histories [][]session.Turn
}

// NewScripted returns a Scripted client that answers with replies in order.
func NewScripted(replies ...string) *Scripted {
	return &Scripted{replies: replies}
}

// Fail makes every subsequent Complete call return err.
func (s *Scripted) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls reports how many times Complete has been invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scripted) Complete(ctx context.Context, history []session.Turn) (session.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]session.Turn, len(history))
	copy(cp, history)
	s.Histories = append(s.Histories, cp)
	s.calls++

	if s.err != nil {
		return session.Turn{}, s.err
	}
	if len(s.replies) == 0 {
		return session.Turn{Role: session.RoleAssistant, Content: ""}, nil
	}
	idx := s.calls - 1
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	return session.Turn{Role: session.RoleAssistant, Content: s.replies[idx]}, nil
}
