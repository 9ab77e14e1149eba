package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/session"
)

func TestCompleteSendsHistoryAsIs(t *testing.T) {
	var got oaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(oaiResponse{
			Choices: []oaiChoice{{Message: oaiMessage{Role: "assistant", Content: "hello"}}},
			Usage:   oaiUsage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
		})
	}))
	defer srv.Close()

	client := New(Config{APIKey: "test-key", BaseURL: srv.URL, Model: "test-model"})
	history := []session.Turn{
		{Role: session.RoleSystem, Content: session.DefaultPersona},
		{Role: session.RoleUser, Content: "hi"},
	}

	turn, err := client.Complete(context.Background(), history)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if turn.Role != session.RoleAssistant || turn.Content != "hello" {
		t.Errorf("turn = %+v", turn)
	}

	if got.Model != "test-model" {
		t.Errorf("model = %q", got.Model)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %d, want 2 (history must not be reordered or filtered)", len(got.Messages))
	}
	if got.Messages[0].Role != "system" || got.Messages[1].Content != "hi" {
		t.Errorf("unexpected messages: %+v", got.Messages)
	}
}

func TestCompleteSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "context length exceeded", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	client := New(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := client.Complete(context.Background(), []session.Turn{{Role: session.RoleUser, Content: "hi"}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestCompleteMapsTooManyRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := New(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := client.Complete(context.Background(), []session.Turn{{Role: session.RoleUser, Content: "hi"}})
	if !errors.Is(err, ErrRateLimit) {
		t.Fatalf("err = %v, want ErrRateLimit", err)
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(oaiResponse{})
	}))
	defer srv.Close()

	client := New(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := client.Complete(context.Background(), []session.Turn{{Role: session.RoleUser, Content: "hi"}})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestScriptedReplays(t *testing.T) {
	s := NewScripted("one", "two")
	ctx := context.Background()

	for i, want := range []string{"one", "two", "two"} {
		turn, err := s.Complete(ctx, []session.Turn{{Role: session.RoleUser, Content: "x"}})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if turn.Content != want {
			t.Errorf("call %d = %q, want %q", i, turn.Content, want)
		}
	}

	s.Fail(errors.New("boom"))
	if _, err := s.Complete(ctx, nil); err == nil {
		t.Fatal("expected scripted failure")
	}
	if s.Calls() != 4 {
		t.Errorf("calls = %d, want 4", s.Calls())
	}
}
