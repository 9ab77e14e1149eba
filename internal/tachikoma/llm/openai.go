package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/session"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second
)

// Config configures the OpenAI-compatible completion client.
type Config struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for local models
	// (Ollama), Azure OpenAI, or any OpenAI-compatible endpoint.
	// Defaults to https://api.openai.com/v1 when empty.
	BaseURL string

	// Model is the chat model to use. Defaults to gpt-4o-mini when empty.
	Model string

	// Temperature is passed through to the provider. Zero (the default)
	// matches the deterministic setting the bot has always used.
	Temperature float64

	// MaxTokens caps the reply length. Zero leaves the provider default.
	MaxTokens int

	// Timeout is the HTTP request timeout. The completion call is the
	// dominant latency cost of a message, so this is generous by default
	// (60 s).
	Timeout time.Duration
}

// openAIClient implements Client against the OpenAI chat completions API.
type openAIClient struct {
	cfg    Config
	client *http.Client
}

// New returns a Client backed by the OpenAI (or compatible) chat API.
// The returned client is stateless beyond credentials and model parameters
// and is safe for concurrent use.
func New(cfg Config) Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &openAIClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal OpenAI wire types ---

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Temperature float64      `json:"temperature"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   oaiUsage    `json:"usage"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

// Complete sends the history unmodified and returns the first choice as an
// assistant turn.
func (c *openAIClient) Complete(ctx context.Context, history []session.Turn) (session.Turn, error) {
	messages := make([]oaiMessage, len(history))
	for i, turn := range history {
		messages[i] = oaiMessage{Role: turn.Role, Content: turn.Content}
	}

	body := oaiRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return session.Turn{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions",
		bytes.NewReader(data),
	)
	if err != nil {
		return session.Turn{}, fmt.Errorf("llm: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return session.Turn{}, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return session.Turn{}, ErrRateLimit
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return session.Turn{}, fmt.Errorf("llm: read response body: %w", err)
	}

	var oaiResp oaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return session.Turn{}, fmt.Errorf("llm: decode API response: %w", err)
	}
	if oaiResp.Error != nil {
		return session.Turn{}, fmt.Errorf("llm: API error (%s): %s", oaiResp.Error.Type, oaiResp.Error.Message)
	}
	if len(oaiResp.Choices) == 0 {
		return session.Turn{}, fmt.Errorf("llm: no choices returned (HTTP %d)", resp.StatusCode)
	}

	slog.Debug("llm: completion usage",
		"model", c.cfg.Model,
		"prompt_tokens", oaiResp.Usage.PromptTokens,
		"completion_tokens", oaiResp.Usage.CompletionTokens,
		"total_tokens", oaiResp.Usage.TotalTokens)

	choice := oaiResp.Choices[0].Message
	role := choice.Role
	if role == "" {
		role = session.RoleAssistant
	}
	return session.Turn{Role: role, Content: choice.Content}, nil
}
