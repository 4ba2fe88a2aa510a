// Package config holds the runtime configuration: JSON5 file with defaults,
// overlaid by EMBER_* environment variables. Secrets are env-only and never
// persisted to the config file.
package config

import (
	"time"
)

// Config is the root configuration for the Ember runtime.
type Config struct {
	Log       LogConfig       `json:"log"`
	Provider  ProviderConfig  `json:"provider"`
	Intake    IntakeConfig    `json:"intake"`
	Decision  DecisionConfig  `json:"decision"`
	Context   ContextConfig   `json:"context"`
	Proactive ProactiveConfig `json:"proactive"`
	Personas  PersonasConfig  `json:"personas"`
	Store     StoreConfig     `json:"store"`
	Channels  ChannelsConfig  `json:"channels"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// ProviderConfig selects and tunes the LLM backend.
type ProviderConfig struct {
	Kind        string  `json:"kind"` // "openai" or "anthropic"
	APIKey      string  `json:"-"`    // env-only
	BaseURL     string  `json:"base_url,omitempty"`
	Model       string  `json:"model"`      // generation model
	EvalModel   string  `json:"eval_model"` // cheaper model for the evaluate stage, empty = Model
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	// Retry settings shared by evaluate and generate calls.
	RetryAttempts   int `json:"retry_attempts"`
	RetryBaseDelayS int `json:"retry_base_delay_s"`
	RetryMaxDelayS  int `json:"retry_max_delay_s"`
}

// IntakeConfig tunes the per-conversation debounce queue.
type IntakeConfig struct {
	BufferSize   int     `json:"buffer_size"`
	BaseWindowMs int     `json:"base_window_ms"`
	MaxWindowMs  int     `json:"max_window_ms"`
	Backoff      float64 `json:"backoff"`
}

// DecisionConfig tunes the score→evaluate engine.
type DecisionConfig struct {
	RespondThreshold float64  `json:"respond_threshold"`
	DiscardThreshold float64  `json:"discard_threshold"`
	EvalThreshold    float64  `json:"eval_threshold"`
	Keywords         []string `json:"keywords,omitempty"`
	// RespondOnEvaluatorFailure picks the fallback when the evaluator errors:
	// true = generate a reply anyway, false = stay silent.
	RespondOnEvaluatorFailure bool `json:"respond_on_evaluator_failure"`
}

// ContextConfig bounds the rolling conversation window.
type ContextConfig struct {
	CacheSize     int `json:"cache_size"`
	MaxMessages   int `json:"max_messages"`
	MaxAgeMinutes int `json:"max_age_minutes"`
}

type ProactiveConfig struct {
	PollIntervalS int `json:"poll_interval_s"`
}

type PersonasConfig struct {
	File      string `json:"file"`
	HotReload bool   `json:"hot_reload"`
}

// StoreConfig selects the durable backend.
type StoreConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlite_path"`
	PostgresDSN string `json:"-"` // env-only
}

type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"` // env-only
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"` // env-only
	Proxy   string `json:"proxy,omitempty"`
}

// RateLimitConfig bounds model calls per conversation.
type RateLimitConfig struct {
	PerConversationPerMinute float64 `json:"per_conversation_per_minute"`
	Burst                    int     `json:"burst"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// MaxAge returns the context window age bound as a duration.
func (c ContextConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMinutes) * time.Minute
}
