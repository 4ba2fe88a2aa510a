package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/emberflow/ember/internal/bus"
	"github.com/emberflow/ember/internal/channels"
	"github.com/emberflow/ember/internal/channels/discord"
	"github.com/emberflow/ember/internal/channels/telegram"
	"github.com/emberflow/ember/internal/config"
	"github.com/emberflow/ember/internal/convo"
	"github.com/emberflow/ember/internal/decision"
	"github.com/emberflow/ember/internal/logging"
	"github.com/emberflow/ember/internal/persona"
	"github.com/emberflow/ember/internal/proactive"
	"github.com/emberflow/ember/internal/providers"
	"github.com/emberflow/ember/internal/responder"
	"github.com/emberflow/ember/internal/runtime"
	"github.com/emberflow/ember/internal/store"
	"github.com/emberflow/ember/internal/store/pg"
	"github.com/emberflow/ember/internal/store/sqlite"
	"github.com/emberflow/ember/internal/telemetry"
)

func runPipeline() {
	cfg, err := config.Load(config.ExpandHome(resolveConfigPath()))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Setup(context.Background(), cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	stores, err := openStores(cfg.Store)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	personasPath := config.ExpandHome(cfg.Personas.File)
	if err := seedPersonasFile(personasPath); err != nil {
		slog.Error("failed to seed personas file", "path", personasPath, "error", err)
		os.Exit(1)
	}
	personas, err := persona.Load(personasPath)
	if err != nil {
		slog.Error("failed to load personas", "path", personasPath, "error", err)
		os.Exit(1)
	}
	if cfg.Personas.HotReload {
		stopWatch := make(chan struct{})
		defer close(stopWatch)
		if err := personas.Watch(stopWatch); err != nil {
			slog.Warn("personas hot reload unavailable", "error", err)
		}
	}

	contexts, err := convo.NewStore(convo.StoreConfig{
		CacheSize:           cfg.Context.CacheSize,
		MaxMessages:         cfg.Context.MaxMessages,
		MaxAge:              cfg.Context.MaxAge(),
		MaxMessagesOverride: personas.MaxContextFor,
	}, stores.Messages)
	if err != nil {
		slog.Error("failed to create context store", "error", err)
		os.Exit(1)
	}

	provider := buildProvider(cfg.Provider)
	retry := retryConfig(cfg.Provider)

	weights := decision.DefaultWeights()
	weights.Keywords = cfg.Decision.Keywords
	engine := decision.NewEngine(decision.EngineConfig{
		Weights: weights,
		Thresholds: decision.Thresholds{
			Respond: cfg.Decision.RespondThreshold,
			Discard: cfg.Decision.DiscardThreshold,
		},
		EvalThreshold: cfg.Decision.EvalThreshold,
		Model:         evalModel(cfg.Provider),
		Retry:         retry,
	}, provider, contexts)

	generator := responder.NewGenerator(responder.Config{
		Model:       cfg.Provider.Model,
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
		Retry:       retry,
	}, provider, contexts)

	scheduler := proactive.NewScheduler(stores.Proactive)

	// The adapters need the handler before the pipeline exists; forward
	// through the pointer.
	var pipeline *runtime.Pipeline
	handler := func(ev bus.Inbound) { pipeline.HandleInbound(ev) }

	adapters, err := buildChannels(cfg.Channels, handler)
	if err != nil {
		slog.Error("failed to build channels", "error", err)
		os.Exit(1)
	}
	if len(adapters) == 0 {
		slog.Error("no channels enabled; set EMBER_DISCORD_TOKEN or EMBER_TELEGRAM_TOKEN")
		os.Exit(1)
	}
	manager := channels.NewManager(adapters...)

	pipeline = runtime.New(runtime.Options{
		Config:    *cfg,
		Contexts:  contexts,
		Engine:    engine,
		Generator: generator,
		Personas:  personas,
		Scheduler: scheduler,
		Gateway:   manager,
		Manager:   manager,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("ember starting", "version", Version, "provider", provider.Name(), "store", storeDriver(cfg.Store))
	if err := pipeline.Run(ctx); err != nil {
		slog.Error("pipeline failed", "error", err)
		os.Exit(1)
	}
	slog.Info("ember stopped")
}

func openStores(cfg config.StoreConfig) (*store.Stores, error) {
	switch storeDriver(cfg) {
	case "postgres":
		return pg.NewStores(cfg.PostgresDSN)
	default:
		path := config.ExpandHome(cfg.SQLitePath)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		return sqlite.NewStores(path)
	}
}

func storeDriver(cfg config.StoreConfig) string {
	if cfg.Driver == "" {
		return "sqlite"
	}
	return cfg.Driver
}

func buildProvider(cfg config.ProviderConfig) providers.Provider {
	switch cfg.Kind {
	case "anthropic":
		var opts []providers.AnthropicOption
		if cfg.Model != "" {
			opts = append(opts, providers.WithAnthropicModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(cfg.BaseURL))
		}
		return providers.NewAnthropicProvider(cfg.APIKey, opts...)
	default:
		return providers.NewOpenAIProvider("openai", cfg.APIKey, cfg.BaseURL, cfg.Model)
	}
}

func evalModel(cfg config.ProviderConfig) string {
	if cfg.EvalModel != "" {
		return cfg.EvalModel
	}
	return cfg.Model
}

func retryConfig(cfg config.ProviderConfig) providers.RetryConfig {
	retry := providers.DefaultRetryConfig()
	if cfg.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.RetryAttempts
	}
	if cfg.RetryBaseDelayS > 0 {
		retry.BaseDelay = time.Duration(cfg.RetryBaseDelayS) * time.Second
	}
	if cfg.RetryMaxDelayS > 0 {
		retry.MaxDelay = time.Duration(cfg.RetryMaxDelayS) * time.Second
	}
	return retry
}

func buildChannels(cfg config.ChannelsConfig, handler bus.InboundHandler) ([]channels.Channel, error) {
	var out []channels.Channel
	if cfg.Discord.Enabled {
		ch, err := discord.New(cfg.Discord, handler)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if cfg.Telegram.Enabled {
		ch, err := telegram.New(cfg.Telegram, handler)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

const starterPersonas = `{
	// Ember personas. Edit freely; the file hot-reloads while running.
	personas: [
		{
			id: "ember",
			name: "Ember",
			prompt_template: "You are {{ name }}, a warm, curious regular in this chat. You talk like a person, not an assistant: short messages, no bullet lists, no offers to help unless asked.",
			details: { name: "Ember" },
			language: { fallback: "English" },
			responsiveness: 1.0,
			emotion_buckets: {
				affinity: [
					{ min: 20, label: "you are genuinely fond of them" },
					{ min: 5, label: "you like them" },
				],
				annoyance: [
					{ min: 10, label: "they have been getting on your nerves" },
				],
			},
		},
	],
	default_persona: "ember",
}
`

// seedPersonasFile writes a starter personas file on first run so the
// pipeline has a persona to speak as.
func seedPersonasFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	slog.Info("seeding starter personas file", "path", path)
	return os.WriteFile(path, []byte(starterPersonas), 0o644)
}
