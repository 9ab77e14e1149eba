package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/kv"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/llm"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/session"
)

// recordingMessenger captures everything the bot sends.
type recordingMessenger struct {
	texts     []string
	notices   []string
	formatted []string
	failSend  error
}

func (m *recordingMessenger) SendText(ctx context.Context, roomID, text string) error {
	if m.failSend != nil {
		return m.failSend
	}
	m.texts = append(m.texts, text)
	return nil
}

func (m *recordingMessenger) SendFormatted(ctx context.Context, roomID, html, plaintext string) error {
	m.formatted = append(m.formatted, plaintext)
	return nil
}

func (m *recordingMessenger) SendNotice(ctx context.Context, roomID, text string) error {
	m.notices = append(m.notices, text)
	return nil
}

func (m *recordingMessenger) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	return nil
}

func (m *recordingMessenger) lastFormatted(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, m.formatted, "expected a formatted reply")
	return m.formatted[len(m.formatted)-1]
}

func textEvent(sender, body string) *event.Event {
	return &event.Event{
		Sender: id.UserID(sender),
		RoomID: id.RoomID("!test:example.com"),
		Content: event.Content{
			Parsed: &event.MessageEventContent{
				MsgType: event.MsgText,
				Body:    body,
			},
		},
	}
}

func newTestBot(provider llm.Client) (*Bot, *session.Manager, *recordingMessenger) {
	sessions := session.NewManager(kv.NewMemory())
	messenger := &recordingMessenger{}
	b := New(sessions, provider, messenger)
	return b, sessions, messenger
}

func TestChatFlowRoundTrip(t *testing.T) {
	ctx := context.Background()
	provider := llm.NewScripted("hello")
	b, sessions, messenger := newTestBot(provider)

	b.HandleEvent(ctx, textEvent("@u1:example.com", "hi"))

	require.Equal(t, []string{"hello"}, messenger.texts)

	// The reply is persisted on top of the seeded default history.
	history, ok, err := sessions.Get(ctx, "@u1:example.com", "0")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, history, 3)
	require.Equal(t, session.RoleSystem, history[0].Role)
	require.Equal(t, session.Turn{Role: session.RoleUser, Content: "hi"}, history[1])
	require.Equal(t, session.Turn{Role: session.RoleAssistant, Content: "hello"}, history[2])

	// The provider saw the seeded history plus the user's turn.
	require.Equal(t, 1, provider.Calls())
	require.Len(t, provider.Histories[0], 2)

	// Listing shows the implicitly created default conversation as current.
	b.HandleEvent(ctx, textEvent("@u1:example.com", "!chat list"))
	listing := messenger.lastFormatted(t)
	require.Contains(t, listing, "0")
	require.Contains(t, listing, session.DefaultName)
	require.Contains(t, listing, "(current)")
}

func TestChatFlowProviderFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	provider := llm.NewScripted()
	provider.Fail(errors.New("upstream down"))
	b, sessions, messenger := newTestBot(provider)

	b.HandleEvent(ctx, textEvent("@u1:example.com", "hi"))

	require.Empty(t, messenger.texts)
	require.Equal(t, []string{llm.FallbackReply}, messenger.notices)

	// GetOrCreate seeded the default history but the failed turn was not saved.
	history, ok, err := sessions.Get(ctx, "@u1:example.com", "0")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, history, 1)
	require.Equal(t, session.RoleSystem, history[0].Role)
}

func TestChatFlowRecordsTranscript(t *testing.T) {
	ctx := context.Background()
	b, sessions, _ := newTestBot(llm.NewScripted("sure", "done"))

	b.HandleEvent(ctx, textEvent("@u1:example.com", "first"))
	b.HandleEvent(ctx, textEvent("@u1:example.com", "second"))

	lines, err := sessions.RecentLog(ctx, "@u1:example.com", "0", 10)
	require.NoError(t, err)
	require.Equal(t, []string{
		"user: first",
		"assistant: sure",
		"user: second",
		"assistant: done",
	}, lines)
}

func TestNewCommandCreatesAndSwitches(t *testing.T) {
	ctx := context.Background()
	b, sessions, messenger := newTestBot(llm.NewScripted("ok"))

	// Talk once so conversation 0 exists, then open a second one.
	b.HandleEvent(ctx, textEvent("@u1:example.com", "hi"))
	b.HandleEvent(ctx, textEvent("@u1:example.com", "!chat new"))

	require.Contains(t, messenger.lastFormatted(t), "1")

	current, err := sessions.CurrentID(ctx, "@u1:example.com")
	require.NoError(t, err)
	require.Equal(t, "1", current)
}

func TestNewCommandCapacityMessage(t *testing.T) {
	ctx := context.Background()
	b, sessions, messenger := newTestBot(llm.NewScripted("ok"))

	for i := 0; i < session.DefaultMaxConversations; i++ {
		_, err := sessions.Create(ctx, "@u1:example.com")
		require.NoError(t, err)
	}

	b.HandleEvent(ctx, textEvent("@u1:example.com", "!chat new"))
	require.Contains(t, messenger.lastFormatted(t), "All 10 conversation slots are in use")
}

func TestSwitchCommand(t *testing.T) {
	ctx := context.Background()
	b, sessions, messenger := newTestBot(llm.NewScripted("ok"))
	owner := "@u1:example.com"

	for i := 0; i < 3; i++ {
		_, err := sessions.Create(ctx, owner)
		require.NoError(t, err)
	}

	b.HandleEvent(ctx, textEvent(owner, "!chat switch 0"))
	require.Contains(t, messenger.lastFormatted(t), "Switched to conversation")

	current, err := sessions.CurrentID(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, "0", current)

	b.HandleEvent(ctx, textEvent(owner, "!chat switch 0"))
	require.Contains(t, messenger.lastFormatted(t), "already in conversation 0")

	b.HandleEvent(ctx, textEvent(owner, "!chat switch 7"))
	require.Contains(t, messenger.lastFormatted(t), "No conversation with id 7")

	b.HandleEvent(ctx, textEvent(owner, "!chat switch banana"))
	require.Contains(t, messenger.lastFormatted(t), "whole numbers between 0 and 9")
}

func TestRemoveCommand(t *testing.T) {
	ctx := context.Background()
	b, sessions, messenger := newTestBot(llm.NewScripted("ok"))
	owner := "@u1:example.com"

	for i := 0; i < 2; i++ {
		_, err := sessions.Create(ctx, owner)
		require.NoError(t, err)
	}
	// Create leaves the newest conversation current; 0 is safe to delete.
	b.HandleEvent(ctx, textEvent(owner, "!chat rm 0"))
	require.Contains(t, messenger.lastFormatted(t), "Deleted conversation 0")

	b.HandleEvent(ctx, textEvent(owner, "!chat rm 1"))
	require.Contains(t, messenger.lastFormatted(t), "current one")

	infos, err := sessions.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, infos, 1)
}

func TestRemoveLastConversationRefused(t *testing.T) {
	ctx := context.Background()
	b, sessions, messenger := newTestBot(llm.NewScripted("ok"))
	owner := "@u1:example.com"

	_, err := sessions.Create(ctx, owner)
	require.NoError(t, err)
	// Point current elsewhere so the only-conversation check is the one
	// that fires.
	require.NoError(t, sessions.SetCurrentID(ctx, owner, "5"))

	b.HandleEvent(ctx, textEvent(owner, "!chat rm 0"))
	require.Contains(t, messenger.lastFormatted(t), "only one")
}

func TestRenameCommand(t *testing.T) {
	ctx := context.Background()
	b, sessions, messenger := newTestBot(llm.NewScripted("ok"))
	owner := "@u1:example.com"

	_, err := sessions.Create(ctx, owner)
	require.NoError(t, err)

	b.HandleEvent(ctx, textEvent(owner, "!chat rename Project Notes"))
	require.Contains(t, messenger.lastFormatted(t), "Project Notes")

	infos, err := sessions.List(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, "Project Notes", infos[0].Name)

	b.HandleEvent(ctx, textEvent(owner, "!chat rename 0 Renamed Again"))
	infos, err = sessions.List(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, "Renamed Again", infos[0].Name)
}

func TestClearCommandReseedsOnNextMessage(t *testing.T) {
	ctx := context.Background()
	b, sessions, _ := newTestBot(llm.NewScripted("one", "two"))
	owner := "@u1:example.com"

	b.HandleEvent(ctx, textEvent(owner, "hi"))
	b.HandleEvent(ctx, textEvent(owner, "!chat clear"))

	// History is gone but the slot survives; the next message reseeds.
	_, ok, err := sessions.Get(ctx, owner, "0")
	require.NoError(t, err)
	require.False(t, ok)

	b.HandleEvent(ctx, textEvent(owner, "again"))
	history, ok, err := sessions.Get(ctx, owner, "0")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, history, 3)
}

func TestResetCommand(t *testing.T) {
	ctx := context.Background()
	b, sessions, messenger := newTestBot(llm.NewScripted("ok"))
	owner := "@u1:example.com"

	b.HandleEvent(ctx, textEvent(owner, "hi"))
	b.HandleEvent(ctx, textEvent(owner, "!chat new"))
	b.HandleEvent(ctx, textEvent(owner, "!chat reset"))
	require.Contains(t, messenger.lastFormatted(t), "Removed all your conversations")

	infos, err := sessions.List(ctx, owner)
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestLogCommand(t *testing.T) {
	ctx := context.Background()
	b, _, messenger := newTestBot(llm.NewScripted("sure"))
	owner := "@u1:example.com"

	b.HandleEvent(ctx, textEvent(owner, "!chat log"))
	require.Contains(t, messenger.lastFormatted(t), "No transcript yet")

	b.HandleEvent(ctx, textEvent(owner, "hello"))
	b.HandleEvent(ctx, textEvent(owner, "!chat log 2"))
	out := messenger.lastFormatted(t)
	require.Contains(t, out, "user: hello")
	require.Contains(t, out, "assistant: sure")
}

func TestUnknownCommand(t *testing.T) {
	ctx := context.Background()
	b, _, messenger := newTestBot(llm.NewScripted("ok"))

	b.HandleEvent(ctx, textEvent("@u1:example.com", "!chat frobnicate"))
	require.NotEmpty(t, messenger.notices)
	require.Contains(t, messenger.notices[0], "unknown command")
}

func TestOwnersAreIsolated(t *testing.T) {
	ctx := context.Background()
	b, sessions, _ := newTestBot(llm.NewScripted("a", "b"))

	b.HandleEvent(ctx, textEvent("@u1:example.com", "hi from one"))
	b.HandleEvent(ctx, textEvent("@u2:example.com", "hi from two"))

	h1, ok, err := sessions.Get(ctx, "@u1:example.com", "0")
	require.NoError(t, err)
	require.True(t, ok)
	h2, ok, err := sessions.Get(ctx, "@u2:example.com", "0")
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, "hi from one", h1[1].Content)
	require.Equal(t, "hi from two", h2[1].Content)
}

func TestPromptTrimming(t *testing.T) {
	ctx := context.Background()
	provider := llm.NewScripted("ok")
	sessions := session.NewManager(kv.NewMemory())
	messenger := &recordingMessenger{}
	b := New(sessions, provider, messenger, WithPromptMaxTurns(4))

	owner := "@u1:example.com"
	history := session.DefaultHistory()
	for i := 0; i < 10; i++ {
		history = append(history,
			session.Turn{Role: session.RoleUser, Content: fmt.Sprintf("q%d", i)},
			session.Turn{Role: session.RoleAssistant, Content: fmt.Sprintf("a%d", i)})
	}
	_, err := sessions.GetOrCreate(ctx, owner, "0")
	require.NoError(t, err)
	require.NoError(t, sessions.Set(ctx, owner, "0", history))

	b.HandleEvent(ctx, textEvent(owner, "latest"))

	sent := provider.Histories[0]
	require.Len(t, sent, 4)
	require.Equal(t, session.RoleSystem, sent[0].Role)
	require.Equal(t, "latest", sent[len(sent)-1].Content)
}

func TestHelpListsEveryCommand(t *testing.T) {
	ctx := context.Background()
	b, _, messenger := newTestBot(llm.NewScripted("ok"))

	b.HandleEvent(ctx, textEvent("@u1:example.com", "!chat help"))
	help := messenger.lastFormatted(t)
	for _, name := range []string{"new", "list", "switch", "rename", "rm", "clear", "reset", "log", "help"} {
		require.True(t, strings.Contains(help, "!chat "+name), "help should mention %q", name)
	}
}
