// Package bot parses and routes chat commands and runs the conversation
// flow between Matrix rooms and the language model.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"
)

// Command represents a parsed command.
type Command struct {
	Name    string
	Args    []string
	Flags   map[string]string
	RawText string
}

// ErrNotACommand is returned by Parse when the message does not start with the
// command prefix. Callers should use errors.Is to distinguish this expected
// case from real errors.
var ErrNotACommand = errors.New("not a command (missing prefix)")

// Handler handles one parsed command and returns the reply text (Markdown).
type Handler func(ctx context.Context, cmd *Command, evt *event.Event) (string, error)

// Router routes commands to handlers.
type Router struct {
	handlers map[string]Handler
	prefix   string
}

// NewRouter creates a new command router.
func NewRouter(prefix string) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		prefix:   prefix,
	}
}

// Register registers a command handler.
func (r *Router) Register(command string, handler Handler) {
	r.handlers[command] = handler
}

// Prefix returns the command prefix the router answers to.
func (r *Router) Prefix() string {
	return r.prefix
}

// Parse parses a message into a command.
func (r *Router) Parse(text string) (*Command, error) {
	text = strings.TrimSpace(text)

	if !strings.HasPrefix(text, r.prefix) {
		return nil, ErrNotACommand
	}

	// A bare prefix shows the help text.
	text = strings.TrimSpace(strings.TrimPrefix(text, r.prefix))
	if text == "" {
		text = "help"
	}

	parts := strings.Fields(text)

	cmd := &Command{
		Name:    parts[0],
		Args:    []string{},
		Flags:   make(map[string]string),
		RawText: text,
	}

	for i := 1; i < len(parts); i++ {
		part := parts[i]

		if strings.HasPrefix(part, "--") {
			flagName := strings.TrimPrefix(part, "--")
			if i+1 < len(parts) && !strings.HasPrefix(parts[i+1], "--") {
				cmd.Flags[flagName] = parts[i+1]
				i++
			} else {
				cmd.Flags[flagName] = "true"
			}
			continue
		}

		cmd.Args = append(cmd.Args, part)
	}

	return cmd, nil
}

// Route parses and routes a command to its handler.
func (r *Router) Route(ctx context.Context, text string, evt *event.Event) (string, error) {
	cmd, err := r.Parse(text)
	if err != nil {
		return "", err
	}

	handler, ok := r.handlers[cmd.Name]
	if !ok {
		return "", fmt.Errorf("unknown command: %s (try %s help)", cmd.Name, r.prefix)
	}

	return handler(ctx, cmd, evt)
}

// GetArg returns an argument by index.
func (c *Command) GetArg(index int) (string, bool) {
	if index < 0 || index >= len(c.Args) {
		return "", false
	}
	return c.Args[index], true
}

// GetFlag returns a flag value with a default.
func (c *Command) GetFlag(name, defaultValue string) string {
	if val, ok := c.Flags[name]; ok {
		return val
	}
	return defaultValue
}
