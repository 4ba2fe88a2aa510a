package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Intake.BufferSize != 5 || cfg.Decision.RespondThreshold != 0.8 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoad_FileAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	content := `{
		// comments are allowed
		log: { level: "debug" },
		provider: { kind: "openai", model: "gpt-x" },
		decision: { respond_threshold: 0.9, discard_threshold: 0.2 },
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("EMBER_OPENAI_API_KEY", "sk-test")
	t.Setenv("EMBER_MODEL", "gpt-env")
	t.Setenv("EMBER_DISCORD_TOKEN", "token-abc")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("file value lost: %s", cfg.Log.Level)
	}
	if cfg.Provider.Model != "gpt-env" {
		t.Errorf("env must win over file: %s", cfg.Provider.Model)
	}
	if cfg.Provider.APIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.Provider.APIKey)
	}
	if !cfg.Channels.Discord.Enabled {
		t.Error("discord must auto-enable when token set via env")
	}
	if cfg.Decision.RespondThreshold != 0.9 {
		t.Errorf("respond threshold = %v", cfg.Decision.RespondThreshold)
	}
	// Untouched sections keep defaults.
	if cfg.Intake.BaseWindowMs != 5000 {
		t.Errorf("intake defaults lost: %+v", cfg.Intake)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}

	bad := Default()
	bad.Provider.Kind = "mystery"
	if err := bad.Validate(); err == nil {
		t.Error("unknown provider kind must fail")
	}

	bad = Default()
	bad.Decision.DiscardThreshold = 0.9
	bad.Decision.RespondThreshold = 0.5
	if err := bad.Validate(); err == nil {
		t.Error("inverted thresholds must fail")
	}

	bad = Default()
	bad.Store.Driver = "postgres"
	if err := bad.Validate(); err == nil {
		t.Error("postgres without DSN must fail")
	}
}
