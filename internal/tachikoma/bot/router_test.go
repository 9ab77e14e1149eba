package bot

import (
	"context"
	"errors"
	"testing"

	"maunium.net/go/mautrix/event"
)

func TestParseNotACommand(t *testing.T) {
	router := NewRouter("!chat")

	for _, text := range []string{"hello there", "what is !chat", "  plain text"} {
		if _, err := router.Parse(text); !errors.Is(err, ErrNotACommand) {
			t.Errorf("Parse(%q): got %v, want ErrNotACommand", text, err)
		}
	}
}

func TestParseCommand(t *testing.T) {
	router := NewRouter("!chat")

	tests := []struct {
		text     string
		wantName string
		wantArgs []string
	}{
		{"!chat new", "new", nil},
		{"!chat switch 3", "switch", []string{"3"}},
		{"!chat rename 2 Project Notes", "rename", []string{"2", "Project", "Notes"}},
		{"  !chat list  ", "list", nil},
		{"!chat", "help", nil},
	}

	for _, tt := range tests {
		cmd, err := router.Parse(tt.text)
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", tt.text, err)
		}
		if cmd.Name != tt.wantName {
			t.Errorf("Parse(%q): name got %q, want %q", tt.text, cmd.Name, tt.wantName)
		}
		if len(cmd.Args) != len(tt.wantArgs) {
			t.Fatalf("Parse(%q): args got %v, want %v", tt.text, cmd.Args, tt.wantArgs)
		}
		for i := range tt.wantArgs {
			if cmd.Args[i] != tt.wantArgs[i] {
				t.Errorf("Parse(%q): arg %d got %q, want %q", tt.text, i, cmd.Args[i], tt.wantArgs[i])
			}
		}
	}
}

func TestParseFlags(t *testing.T) {
	router := NewRouter("!chat")

	cmd, err := router.Parse("!chat log 5 --raw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := cmd.GetArg(0); got != "5" {
		t.Errorf("arg 0: got %q, want %q", got, "5")
	}
	if got := cmd.GetFlag("raw", "false"); got != "true" {
		t.Errorf("flag raw: got %q, want %q", got, "true")
	}
	if got := cmd.GetFlag("missing", "fallback"); got != "fallback" {
		t.Errorf("flag missing: got %q, want %q", got, "fallback")
	}
}

func TestRouteUnknownCommand(t *testing.T) {
	router := NewRouter("!chat")

	_, err := router.Route(context.Background(), "!chat frobnicate", &event.Event{})
	if err == nil {
		t.Fatal("expected error for unknown command, got nil")
	}
}

func TestRouteRegisteredHandler(t *testing.T) {
	router := NewRouter("!chat")
	called := false
	router.Register("ping", func(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
		called = true
		return "pong", nil
	})

	response, err := router.Route(context.Background(), "!chat ping", &event.Event{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
	if response != "pong" {
		t.Errorf("response: got %q, want %q", response, "pong")
	}
}
