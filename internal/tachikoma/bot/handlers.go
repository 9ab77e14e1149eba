package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/Tachikoma/common/retry"
	"github.com/bdobrica/Tachikoma/common/trace"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/llm"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/session"
)

// DefaultPrefix is the command prefix the bot answers to. Any other text in
// an allowed room is treated as conversation input.
const DefaultPrefix = "!chat"

// DefaultPromptMaxTurns caps the history slice sent to the completion
// provider. Persisted history is never truncated.
const DefaultPromptMaxTurns = 50

const typingTimeout = 30 * time.Second

// Messenger is the sending surface the bot needs from the Matrix client.
type Messenger interface {
	SendText(ctx context.Context, roomID, text string) error
	SendFormatted(ctx context.Context, roomID, html, plaintext string) error
	SendNotice(ctx context.Context, roomID, text string) error
	SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error
}

// Bot wires the command router, the session manager and the completion
// client together. One Bot serves all rooms and all users.
type Bot struct {
	sessions  *session.Manager
	provider  llm.Client
	messenger Messenger
	router    *Router

	promptMaxTurns int
	sendRetry      retry.Config
}

// Option customises a Bot.
type Option func(*Bot)

// WithPrefix overrides the command prefix.
func WithPrefix(prefix string) Option {
	return func(b *Bot) {
		if prefix != "" {
			b.router = NewRouter(prefix)
		}
	}
}

// WithPromptMaxTurns overrides the prompt history cap.
func WithPromptMaxTurns(n int) Option {
	return func(b *Bot) {
		if n > 0 {
			b.promptMaxTurns = n
		}
	}
}

// WithSendRetry overrides the retry policy for outgoing replies.
func WithSendRetry(cfg retry.Config) Option {
	return func(b *Bot) { b.sendRetry = cfg }
}

// New creates a Bot and registers its command handlers.
func New(sessions *session.Manager, provider llm.Client, messenger Messenger, opts ...Option) *Bot {
	b := &Bot{
		sessions:       sessions,
		provider:       provider,
		messenger:      messenger,
		router:         NewRouter(DefaultPrefix),
		promptMaxTurns: DefaultPromptMaxTurns,
		sendRetry:      retry.Defaults,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.router.Register("new", b.handleNew)
	b.router.Register("list", b.handleList)
	b.router.Register("ls", b.handleList)
	b.router.Register("switch", b.handleSwitch)
	b.router.Register("rename", b.handleRename)
	b.router.Register("rm", b.handleRemove)
	b.router.Register("clear", b.handleClear)
	b.router.Register("reset", b.handleReset)
	b.router.Register("log", b.handleLog)
	b.router.Register("help", b.handleHelp)

	return b
}

// HandleEvent processes one incoming text message. Commands go through the
// router; everything else is conversation input for the current session.
func (b *Bot) HandleEvent(ctx context.Context, evt *event.Event) {
	msgContent := evt.Content.AsMessage()
	if msgContent == nil {
		return
	}
	text := strings.TrimSpace(msgContent.Body)
	if text == "" {
		return
	}

	ctx = trace.WithID(ctx, trace.NewID())
	room := evt.RoomID.String()

	response, err := b.router.Route(ctx, text, evt)
	if err != nil {
		if errors.Is(err, ErrNotACommand) {
			b.handleChat(ctx, evt, text)
			return
		}
		b.sendNotice(ctx, room, b.friendlyError(err))
		return
	}

	if response != "" {
		b.sendMarkdown(ctx, room, response)
	}
}

// handleChat runs the conversation flow: load the current session, append
// the user's turn, ask the provider, persist and reply. On a provider
// failure the stored history is left untouched and a fixed apology is sent.
func (b *Bot) handleChat(ctx context.Context, evt *event.Event, text string) {
	owner := evt.Sender.String()
	room := evt.RoomID.String()

	if err := b.messenger.SetTyping(ctx, room, true, typingTimeout); err != nil {
		slog.Debug("bot: set typing", "err", err)
	}
	defer func() {
		if err := b.messenger.SetTyping(ctx, room, false, 0); err != nil {
			slog.Debug("bot: clear typing", "err", err)
		}
	}()

	id, err := b.sessions.CurrentID(ctx, owner)
	if err != nil {
		b.storeFailure(ctx, room, "read current conversation", err)
		return
	}

	history, err := b.sessions.GetOrCreate(ctx, owner, id)
	if err != nil {
		if errors.Is(err, session.ErrCapacityExceeded) {
			b.sendNotice(ctx, room, b.capacityMessage())
			return
		}
		b.storeFailure(ctx, room, "load conversation", err)
		return
	}

	history = append(history, session.Turn{Role: session.RoleUser, Content: text})
	prompt := session.TrimForPrompt(history, b.promptMaxTurns)

	reply, err := b.provider.Complete(ctx, prompt)
	if err != nil {
		slog.Error("bot: completion failed",
			"trace_id", trace.FromContext(ctx), "owner", owner, "conversation", id, "err", err)
		b.sendNotice(ctx, room, llm.FallbackReply)
		return
	}

	history = append(history, reply)
	if err := b.sessions.Set(ctx, owner, id, history); err != nil {
		b.storeFailure(ctx, room, "save conversation", err)
		return
	}
	if err := b.sessions.AppendLog(ctx, owner, id,
		"user: "+text, "assistant: "+reply.Content); err != nil {
		slog.Warn("bot: append transcript",
			"trace_id", trace.FromContext(ctx), "owner", owner, "conversation", id, "err", err)
	}

	b.sendText(ctx, room, reply.Content)
}

func (b *Bot) handleNew(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	owner := evt.Sender.String()
	id, err := b.sessions.Create(ctx, owner)
	if err != nil {
		if errors.Is(err, session.ErrCapacityExceeded) {
			return b.capacityMessage(), nil
		}
		return "", err
	}
	return fmt.Sprintf("Started conversation **%s**. It is now current.", id), nil
}

func (b *Bot) handleList(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	infos, err := b.sessions.List(ctx, evt.Sender.String())
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "No conversations yet. Say anything to start one.", nil
	}
	return formatList(infos), nil
}

func (b *Bot) handleSwitch(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	id, ok := cmd.GetArg(0)
	if !ok {
		return fmt.Sprintf("Usage: `%s switch <id>`", b.router.Prefix()), nil
	}
	owner := evt.Sender.String()
	if err := b.sessions.Switch(ctx, owner, id); err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyCurrent):
			return fmt.Sprintf("You are already in conversation %s.", id), nil
		case errors.Is(err, session.ErrNotFound):
			return fmt.Sprintf("No conversation with id %s. Use `%s list` to see your conversations.", id, b.router.Prefix()), nil
		case errors.Is(err, session.ErrInvalidID):
			return b.invalidIDMessage(), nil
		}
		return "", err
	}
	return fmt.Sprintf("Switched to conversation **%s**.", id), nil
}

func (b *Bot) handleRename(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	if len(cmd.Args) == 0 {
		return fmt.Sprintf("Usage: `%s rename [id] <name>`", b.router.Prefix()), nil
	}

	// A leading numeric argument names the target; otherwise the current
	// conversation is renamed.
	id := ""
	nameArgs := cmd.Args
	if len(cmd.Args) >= 2 {
		if _, err := strconv.Atoi(cmd.Args[0]); err == nil {
			id = cmd.Args[0]
			nameArgs = cmd.Args[1:]
		}
	}
	name := strings.Join(nameArgs, " ")

	owner := evt.Sender.String()
	if err := b.sessions.Rename(ctx, owner, id, name); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			return fmt.Sprintf("No conversation with id %s.", id), nil
		case errors.Is(err, session.ErrInvalidID):
			return b.invalidIDMessage(), nil
		}
		return "", err
	}
	if id == "" {
		return fmt.Sprintf("Renamed the current conversation to **%s**.", name), nil
	}
	return fmt.Sprintf("Renamed conversation %s to **%s**.", id, name), nil
}

func (b *Bot) handleRemove(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	id, ok := cmd.GetArg(0)
	if !ok {
		return fmt.Sprintf("Usage: `%s rm <id>`", b.router.Prefix()), nil
	}
	owner := evt.Sender.String()
	if err := b.sessions.Delete(ctx, owner, id); err != nil {
		switch {
		case errors.Is(err, session.ErrDeleteCurrent):
			return fmt.Sprintf("Conversation %s is your current one. Switch to another conversation before deleting it.", id), nil
		case errors.Is(err, session.ErrDeleteLast):
			return fmt.Sprintf("Conversation %s is your only one, so it cannot be deleted. Use `%s clear` to wipe its history instead.", id, b.router.Prefix()), nil
		case errors.Is(err, session.ErrNotFound):
			return fmt.Sprintf("No conversation with id %s.", id), nil
		case errors.Is(err, session.ErrInvalidID):
			return b.invalidIDMessage(), nil
		}
		return "", err
	}
	return fmt.Sprintf("Deleted conversation %s.", id), nil
}

func (b *Bot) handleClear(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	owner := evt.Sender.String()
	id, ok := cmd.GetArg(0)
	if !ok {
		var err error
		if id, err = b.sessions.CurrentID(ctx, owner); err != nil {
			return "", err
		}
	}
	if err := b.sessions.Clear(ctx, owner, id); err != nil {
		if errors.Is(err, session.ErrInvalidID) {
			return b.invalidIDMessage(), nil
		}
		return "", err
	}
	return fmt.Sprintf("Cleared the history of conversation %s. The next message starts fresh.", id), nil
}

func (b *Bot) handleReset(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	if err := b.sessions.Flush(ctx, evt.Sender.String()); err != nil {
		return "", err
	}
	return "Removed all your conversations. The next message starts a fresh default conversation.", nil
}

func (b *Bot) handleLog(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	owner := evt.Sender.String()
	id, err := b.sessions.CurrentID(ctx, owner)
	if err != nil {
		return "", err
	}

	n := 10
	if arg, ok := cmd.GetArg(0); ok {
		if parsed, perr := strconv.Atoi(arg); perr == nil && parsed > 0 {
			n = parsed
		}
	}

	lines, err := b.sessions.RecentLog(ctx, owner, id, n)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return fmt.Sprintf("No transcript yet for conversation %s.", id), nil
	}
	return fmt.Sprintf("**Conversation %s, last %d lines:**\n```\n%s\n```", id, len(lines), strings.Join(lines, "\n")), nil
}

func (b *Bot) handleHelp(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	p := b.router.Prefix()
	help := fmt.Sprintf(`**Tachikoma**

Talk to me in plain text and I answer in your current conversation.
Conversation ids are numbers from 0 to %d; unused histories expire after a while.

**Commands:**
• %s new - Start a new conversation and make it current
• %s list - List your conversations
• %s switch <id> - Make another conversation current
• %s rename [id] <name> - Rename a conversation (current one when id is omitted)
• %s rm <id> - Delete a conversation
• %s clear [id] - Wipe a conversation's history, keeping its slot
• %s reset - Remove all your conversations
• %s log [n] - Show the last n transcript lines of the current conversation
• %s help - Show this help message
`, b.sessions.MaxConversations()-1, p, p, p, p, p, p, p, p, p)
	return help, nil
}

func (b *Bot) capacityMessage() string {
	return fmt.Sprintf("All %d conversation slots are in use. Delete one with `%s rm <id>` before starting another.",
		b.sessions.MaxConversations(), b.router.Prefix())
}

func (b *Bot) invalidIDMessage() string {
	return fmt.Sprintf("Conversation ids are whole numbers between 0 and %d.", b.sessions.MaxConversations()-1)
}

// friendlyError turns an unexpected handler error into user-displayable
// text. Expected conditions are already mapped inside the handlers.
func (b *Bot) friendlyError(err error) string {
	slog.Error("bot: command failed", "err", err)
	if strings.HasPrefix(err.Error(), "unknown command") {
		return err.Error()
	}
	return "Something went wrong handling that command. Please try again."
}

func (b *Bot) storeFailure(ctx context.Context, room, op string, err error) {
	slog.Error("bot: session store failure",
		"trace_id", trace.FromContext(ctx), "op", op, "err", err)
	b.sendNotice(ctx, room, "I could not reach my conversation store. Please try again in a moment.")
}

func (b *Bot) sendText(ctx context.Context, room, text string) {
	err := retry.Do(ctx, b.sendRetry, func() error {
		return b.messenger.SendText(ctx, room, text)
	})
	if err != nil {
		slog.Error("bot: send reply", "trace_id", trace.FromContext(ctx), "room", room, "err", err)
	}
}

func (b *Bot) sendMarkdown(ctx context.Context, room, md string) {
	err := retry.Do(ctx, b.sendRetry, func() error {
		return b.messenger.SendFormatted(ctx, room, markdownToHTML(md), md)
	})
	if err != nil {
		slog.Error("bot: send response", "trace_id", trace.FromContext(ctx), "room", room, "err", err)
	}
}

func (b *Bot) sendNotice(ctx context.Context, room, text string) {
	err := retry.Do(ctx, b.sendRetry, func() error {
		return b.messenger.SendNotice(ctx, room, text)
	})
	if err != nil {
		slog.Error("bot: send notice", "trace_id", trace.FromContext(ctx), "room", room, "err", err)
	}
}
