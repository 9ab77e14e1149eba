// Package matrix wraps the mautrix client with the small sending and
// receiving surface the bot needs: room filtering, text-only message
// handling, and a sync loop that survives transient homeserver failures.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/kv"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms is the list of room IDs the bot listens in. Messages from other
	// rooms are ignored.
	Rooms []string
	// SyncStore is an optional key-value store used to persist the Matrix
	// sync token (next_batch) across restarts. When nil, an in-memory store
	// is used and room history replays on every restart.
	SyncStore kv.Store
}

// MessageHandler processes one incoming text message event.
type MessageHandler func(ctx context.Context, evt *event.Event)

// Client wraps the Matrix connection.
type Client struct {
	client     *mautrix.Client
	config     *Config
	stopCh     chan struct{}
	msgHandler MessageHandler
}

// New creates a Matrix client. It does not connect until Start is called.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}

	if config.SyncStore != nil {
		client.Store = newKVSyncStore(config.SyncStore)
		slog.Info("matrix: sync token persisted in the session store")
	} else {
		slog.Warn("matrix: no sync store configured, history will replay on restart")
	}

	return &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
	}, nil
}

// Start joins the configured rooms and begins syncing in the background.
// The sync loop reconnects with exponential backoff; without it a transient
// homeserver error would leave the bot deaf to new messages.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.msgHandler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("matrix: join room %s: %w", roomID, err)
		}
	}

	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			backoff = backoffMin
			if err := c.client.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				slog.Error("matrix: sync stopped, reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			// Sync returned nil, which only happens on a clean StopSync.
			return
		}
	}()

	return nil
}

// Stop terminates the sync loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// SendText sends a plain text message to a room.
func (c *Client) SendText(ctx context.Context, roomID, text string) error {
	if _, err := c.client.SendText(ctx, id.RoomID(roomID), text); err != nil {
		return fmt.Errorf("matrix: send text: %w", err)
	}
	return nil
}

// SendFormatted sends an HTML message with a plain-text fallback body.
func (c *Client) SendFormatted(ctx context.Context, roomID, html, plaintext string) error {
	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          plaintext,
		Format:        event.FormatHTML,
		FormattedBody: html,
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix: send formatted message: %w", err)
	}
	return nil
}

// SendNotice sends a notice, which clients render less intrusively than a
// normal message. Used for command feedback and error text.
func (c *Client) SendNotice(ctx context.Context, roomID, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix: send notice: %w", err)
	}
	return nil
}

// SetTyping toggles the bot's typing indicator in a room.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	if _, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, timeout); err != nil {
		return fmt.Errorf("matrix: set typing: %w", err)
	}
	return nil
}

// UserID returns the bot's own Matrix user ID.
func (c *Client) UserID() string {
	return c.config.UserID
}

// allowedRoom reports whether the bot listens in roomID.
func (c *Client) allowedRoom(roomID string) bool {
	for _, room := range c.config.Rooms {
		if room == roomID {
			return true
		}
	}
	return false
}

// handleMessage filters incoming events down to text messages from other
// users in allowed rooms, then hands them to the registered handler.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.MsgType != event.MsgText {
		return
	}
	if !c.allowedRoom(evt.RoomID.String()) {
		return
	}
	if c.msgHandler != nil {
		c.msgHandler(ctx, evt)
	}
}

// joinRoom joins a room, tolerating the already-a-member case.
func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	if _, err := c.client.JoinRoomByID(ctx, roomID); err != nil {
		// Homeservers answer M_FORBIDDEN when the bot is already a member.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("matrix: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
