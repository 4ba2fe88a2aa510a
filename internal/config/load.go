package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Provider: ProviderConfig{
			Kind:            "openai",
			Model:           "gpt-4o-mini",
			Temperature:     0.8,
			MaxTokens:       1024,
			RetryAttempts:   3,
			RetryBaseDelayS: 2,
			RetryMaxDelayS:  30,
		},
		Intake: IntakeConfig{
			BufferSize:   5,
			BaseWindowMs: 5000,
			MaxWindowMs:  30000,
			Backoff:      1.4,
		},
		Decision: DecisionConfig{
			RespondThreshold: 0.8,
			DiscardThreshold: 0.3,
			EvalThreshold:    0.35,
		},
		Context: ContextConfig{
			CacheSize:     256,
			MaxMessages:   40,
			MaxAgeMinutes: 360,
		},
		Proactive: ProactiveConfig{PollIntervalS: 30},
		Personas:  PersonasConfig{File: "~/.ember/personas.json5", HotReload: true},
		Store:     StoreConfig{Driver: "sqlite", SQLitePath: "~/.ember/ember.db"},
		RateLimit: RateLimitConfig{PerConversationPerMinute: 6, Burst: 3},
	}
}

// Load reads the JSON5 config file, then overlays env vars. A missing file is
// not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars. Env always wins over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets: env-only by design.
	switch c.Provider.Kind {
	case "anthropic":
		envStr("EMBER_ANTHROPIC_API_KEY", &c.Provider.APIKey)
	default:
		envStr("EMBER_OPENAI_API_KEY", &c.Provider.APIKey)
	}
	envStr("EMBER_API_KEY", &c.Provider.APIKey)
	envStr("EMBER_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("EMBER_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("EMBER_POSTGRES_DSN", &c.Store.PostgresDSN)

	envStr("EMBER_MODEL", &c.Provider.Model)
	envStr("EMBER_EVAL_MODEL", &c.Provider.EvalModel)
	envStr("EMBER_BASE_URL", &c.Provider.BaseURL)
	envStr("EMBER_LOG_LEVEL", &c.Log.Level)
	envStr("EMBER_LOG_FORMAT", &c.Log.Format)
	envStr("EMBER_STORE_DRIVER", &c.Store.Driver)
	envStr("EMBER_SQLITE_PATH", &c.Store.SQLitePath)
	envStr("EMBER_PERSONAS_FILE", &c.Personas.File)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}

	envStr("EMBER_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("EMBER_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("EMBER_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("EMBER_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("EMBER_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	if v := os.Getenv("EMBER_RESPOND_ON_EVALUATOR_FAILURE"); v != "" {
		c.Decision.RespondOnEvaluatorFailure = v == "true" || v == "1"
	}
	if v := os.Getenv("EMBER_PROACTIVE_POLL_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Proactive.PollIntervalS = n
		}
	}
}

// Validate rejects configs the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.Provider.Kind {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("config: unknown provider kind %q", c.Provider.Kind)
	}
	if c.Decision.DiscardThreshold > c.Decision.RespondThreshold {
		return fmt.Errorf("config: discard threshold %.2f above respond threshold %.2f",
			c.Decision.DiscardThreshold, c.Decision.RespondThreshold)
	}
	switch c.Store.Driver {
	case "", "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("config: sqlite driver requires sqlite_path")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("config: postgres driver requires EMBER_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return home + path[1:]
	}
	return path
}
