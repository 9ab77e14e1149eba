package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Tachikoma/common/environment"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/bot"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/session"
)

// Store backends selectable via TACHIKOMA_STORE.
const (
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// MatrixConfig holds the Matrix connection settings.
type MatrixConfig struct {
	Homeserver  string   `yaml:"homeserver"`
	UserID      string   `yaml:"user_id"`
	AccessToken string   `yaml:"access_token"`
	Rooms       []string `yaml:"rooms"`
}

// LLMConfig holds the completion provider settings.
type LLMConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Config holds application configuration. Values come from an optional YAML
// file (TACHIKOMA_CONFIG) with environment variables layered on top, so a
// container deployment can run on environment alone.
type Config struct {
	// StoreBackend selects the conversation store: redis (default),
	// sqlite or memory. The memory backend loses state on restart and is
	// meant for development.
	StoreBackend string `yaml:"store_backend"`

	// RedisURL is a redis:// connection URL, used when StoreBackend is redis.
	RedisURL string `yaml:"redis_url"`

	// DatabasePath is the SQLite file path, used when StoreBackend is sqlite.
	DatabasePath string `yaml:"database_path"`

	// MaxConversations bounds the per-user conversation id space.
	MaxConversations int `yaml:"max_conversations"`

	// ContentTTL is the sliding expiration for conversation histories.
	ContentTTL time.Duration `yaml:"content_ttl"`

	// CacheEnabled turns on the in-process history cache in front of the
	// store. Off by default; the store TTL already bounds staleness.
	CacheEnabled       bool          `yaml:"cache_enabled"`
	CacheIdleTimeout   time.Duration `yaml:"cache_idle_timeout"`
	CacheCheckInterval time.Duration `yaml:"cache_check_interval"`

	// PromptMaxTurns caps the history slice sent to the provider.
	PromptMaxTurns int `yaml:"prompt_max_turns"`

	// CommandPrefix is the chat command prefix.
	CommandPrefix string `yaml:"command_prefix"`

	// HTTPAddr is the TCP address for the health/status HTTP server
	// (e.g. ":8080"). When empty the server is disabled.
	HTTPAddr string `yaml:"http_addr"`

	Matrix MatrixConfig `yaml:"matrix"`
	LLM    LLMConfig    `yaml:"llm"`
}

// defaults returns a Config with every optional field filled in.
func defaults() Config {
	return Config{
		StoreBackend:       StoreRedis,
		RedisURL:           "redis://localhost:6379/0",
		DatabasePath:       "tachikoma.db",
		MaxConversations:   session.DefaultMaxConversations,
		ContentTTL:         session.DefaultContentTTL,
		CacheIdleTimeout:   session.DefaultIdleTimeout,
		CacheCheckInterval: session.DefaultCheckInterval,
		PromptMaxTurns:     bot.DefaultPromptMaxTurns,
		CommandPrefix:      bot.DefaultPrefix,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// TACHIKOMA_CONFIG (when set), then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("TACHIKOMA_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.StoreBackend = environment.StringOr("TACHIKOMA_STORE", cfg.StoreBackend)
	cfg.RedisURL = environment.StringOr("TACHIKOMA_REDIS_URL", cfg.RedisURL)
	cfg.DatabasePath = environment.StringOr("TACHIKOMA_DB_PATH", cfg.DatabasePath)
	cfg.MaxConversations = environment.IntOr("TACHIKOMA_MAX_CONVERSATIONS", cfg.MaxConversations)
	cfg.ContentTTL = environment.DurationOr("TACHIKOMA_CONTENT_TTL", cfg.ContentTTL)
	cfg.CacheEnabled = environment.BoolOr("TACHIKOMA_CACHE_ENABLED", cfg.CacheEnabled)
	cfg.CacheIdleTimeout = environment.DurationOr("TACHIKOMA_CACHE_IDLE_TIMEOUT", cfg.CacheIdleTimeout)
	cfg.CacheCheckInterval = environment.DurationOr("TACHIKOMA_CACHE_CHECK_INTERVAL", cfg.CacheCheckInterval)
	cfg.PromptMaxTurns = environment.IntOr("TACHIKOMA_PROMPT_MAX_TURNS", cfg.PromptMaxTurns)
	cfg.CommandPrefix = environment.StringOr("TACHIKOMA_COMMAND_PREFIX", cfg.CommandPrefix)
	cfg.HTTPAddr = environment.StringOr("TACHIKOMA_HTTP_ADDR", cfg.HTTPAddr)

	cfg.Matrix.Homeserver = environment.StringOr("TACHIKOMA_MATRIX_HOMESERVER", cfg.Matrix.Homeserver)
	cfg.Matrix.UserID = environment.StringOr("TACHIKOMA_MATRIX_USER_ID", cfg.Matrix.UserID)
	cfg.Matrix.AccessToken = environment.StringOr("TACHIKOMA_MATRIX_ACCESS_TOKEN", cfg.Matrix.AccessToken)
	cfg.Matrix.Rooms = environment.StringSliceOr("TACHIKOMA_MATRIX_ROOMS", cfg.Matrix.Rooms)

	cfg.LLM.APIKey = environment.StringOr("TACHIKOMA_LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.BaseURL = environment.StringOr("TACHIKOMA_LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.Model = environment.StringOr("TACHIKOMA_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.MaxTokens = environment.IntOr("TACHIKOMA_LLM_MAX_TOKENS", cfg.LLM.MaxTokens)
	cfg.LLM.Timeout = environment.DurationOr("TACHIKOMA_LLM_TIMEOUT", cfg.LLM.Timeout)

	return &cfg, nil
}

// Validate reports the first configuration problem, if any.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreRedis, StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("config: unknown store backend %q (want redis, sqlite or memory)", c.StoreBackend)
	}
	if c.StoreBackend == StoreRedis && c.RedisURL == "" {
		return fmt.Errorf("config: redis backend needs TACHIKOMA_REDIS_URL")
	}
	if c.StoreBackend == StoreSQLite && c.DatabasePath == "" {
		return fmt.Errorf("config: sqlite backend needs TACHIKOMA_DB_PATH")
	}
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("config: TACHIKOMA_MATRIX_HOMESERVER is required")
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("config: TACHIKOMA_MATRIX_USER_ID is required")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("config: TACHIKOMA_MATRIX_ACCESS_TOKEN is required")
	}
	if len(c.Matrix.Rooms) == 0 {
		return fmt.Errorf("config: TACHIKOMA_MATRIX_ROOMS is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("config: TACHIKOMA_LLM_API_KEY is required")
	}
	if c.MaxConversations <= 0 {
		return fmt.Errorf("config: max_conversations must be positive")
	}
	if c.ContentTTL <= 0 {
		return fmt.Errorf("config: content_ttl must be positive")
	}
	return nil
}
