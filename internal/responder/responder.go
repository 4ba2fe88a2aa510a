// Package responder builds the grounded reply prompt and turns model output
// into an ordered multi-segment reply.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emberflow/ember/internal/convo"
	"github.com/emberflow/ember/internal/emotion"
	"github.com/emberflow/ember/internal/persona"
	"github.com/emberflow/ember/internal/proactive"
	"github.com/emberflow/ember/internal/providers"
	"github.com/emberflow/ember/internal/structured"
)

// Result is one generated reply: an ordered typing burst plus any directives
// the model attached. The generator never applies directives itself; the
// caller owns emotion state and the scheduler.
type Result struct {
	Segments            []structured.Segment
	Degraded            bool // structural parse failed, raw text wrapped
	EmotionDeltas       []emotion.Delta
	ProactiveDirectives []proactive.Directive
	CancelScheduleIDs   []string
}

// Input carries everything one Generate call needs.
type Input struct {
	ConversationKey string
	Persona         persona.Persona
	Target          *convo.Message // specific message to address, nil = whole flow
	Emotion         *emotion.Snapshot
}

// ContextLoader is the slice of the context store the generator needs.
type ContextLoader interface {
	Get(ctx context.Context, key string) (*convo.Context, error)
}

// Config tunes the generation call.
type Config struct {
	Model       string // empty = provider default
	Temperature float64
	MaxTokens   int
	Retry       providers.RetryConfig
}

type Generator struct {
	cfg      Config
	provider providers.Provider
	contexts ContextLoader
}

func NewGenerator(cfg Config, p providers.Provider, contexts ContextLoader) *Generator {
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.8
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = providers.DefaultRetryConfig()
	}
	cfg.Retry.Label = "generate"
	return &Generator{cfg: cfg, provider: p, contexts: contexts}
}

// Generate produces a reply for a conversation. Returns (nil, nil) when the
// provider is missing or the conversation has no history; replying into a
// void is a logged no-op, not an error.
func (g *Generator) Generate(ctx context.Context, in Input) (*Result, error) {
	if g.provider == nil {
		slog.Error("generate skipped: no model provider configured", "conversation", in.ConversationKey)
		return nil, nil
	}

	c, err := g.contexts.Get(ctx, in.ConversationKey)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	if c == nil || len(c.Messages) == 0 {
		slog.Error("generate skipped: empty conversation context", "conversation", in.ConversationKey)
		return nil, nil
	}

	system := g.buildSystemPrompt(in)
	user := "Conversation so far:\n" + convo.FormatTranscript(c.Messages, in.Persona.Name)

	resp, err := providers.RetryDo(ctx, g.cfg.Retry, func() (*providers.ChatResponse, error) {
		return g.provider.Chat(ctx, providers.ChatRequest{
			Messages: []providers.Message{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
			Model:       g.cfg.Model,
			Temperature: g.cfg.Temperature,
			MaxTokens:   g.cfg.MaxTokens,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("generate for %s: %w", in.ConversationKey, err)
	}

	return parseResult(resp.Content), nil
}

func (g *Generator) buildSystemPrompt(in Input) string {
	var b strings.Builder

	b.WriteString(persona.Render(in.Persona.PromptTemplate, in.Persona.Details))
	b.WriteString("\n\n")
	b.WriteString(persona.LanguageInstruction(in.Persona.Language))
	b.WriteString("\n")

	if in.Target != nil {
		fmt.Fprintf(&b, "\nYou are replying specifically to this message from %s:\n%s\n",
			in.Target.AuthorName, in.Target.Content)
	}
	if in.Emotion != nil {
		if guidance := emotion.Guidance(*in.Emotion, in.Persona.EmotionBuckets); guidance != "" {
			b.WriteString("\n")
			b.WriteString(guidance)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nOutput a single JSON object and nothing else:\n")
	b.WriteString(`{"messages": [{"sequence": 1, "delay_ms": 0, "content": "..."}], `)
	b.WriteString(`"emotion_delta": [], "proactive_messages": [], "cancel_schedule_ids": []}`)
	b.WriteString("\nThe messages array must not be empty. Split longer replies into several short segments with natural delays.")

	return b.String()
}

// resultWire is the directive side of the output schema; segments are parsed
// separately so the bare-array legacy shape and the raw-text fallback keep
// working even when this decode fails.
type resultWire struct {
	EmotionDeltas []emotion.Delta       `json:"emotion_delta"`
	Proactive     []proactive.Directive `json:"proactive_messages"`
	CancelIDs     []string              `json:"cancel_schedule_ids"`
}

func parseResult(raw string) *Result {
	segments, degraded := structured.ParseSegments(raw)
	res := &Result{Segments: segments, Degraded: degraded}
	if degraded {
		slog.Warn("reply parsing degraded to raw text", "len", len(raw))
		return res
	}

	var wire resultWire
	if err := structured.Unmarshal(raw, &wire); err == nil {
		res.EmotionDeltas = emotion.FilterDeltas(wire.EmotionDeltas)
		res.ProactiveDirectives = wire.Proactive
		res.CancelScheduleIDs = wire.CancelIDs
	}
	return res
}
