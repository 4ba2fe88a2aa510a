package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/emberflow/ember/internal/convo"
	"github.com/emberflow/ember/internal/emotion"
	"github.com/emberflow/ember/internal/persona"
	"github.com/emberflow/ember/internal/proactive"
	"github.com/emberflow/ember/internal/providers"
	"github.com/emberflow/ember/internal/structured"
)

// ErrEvaluatorFailed marks an evaluation the model could not complete: the
// call failed after retries or the output never parsed. The caller's policy
// flag decides whether to respond anyway or stay silent.
var ErrEvaluatorFailed = errors.New("evaluator failed")

// Evaluation is the model's verdict on an Evaluate-tier batch.
type Evaluation struct {
	ResponseScore       float64
	TargetMessageID     string // "" = no specific target
	Reason              string
	ShouldRespond       bool
	EmotionDeltas       []emotion.Delta
	ProactiveDirectives []proactive.Directive
	CancelScheduleIDs   []string
}

// ContextLoader is the slice of the context store the evaluator needs.
type ContextLoader interface {
	Get(ctx context.Context, key string) (*convo.Context, error)
}

// Engine runs both decision stages. Score/Aggregate are free functions; the
// Engine adds the model-backed Evaluate path and its collaborators.
type Engine struct {
	weights    Weights
	thresholds Thresholds
	baseEval   float64 // base evaluate-stage accept threshold
	provider   providers.Provider
	contexts   ContextLoader
	retry      providers.RetryConfig
	model      string
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Weights       Weights
	Thresholds    Thresholds
	EvalThreshold float64 // base for EffectiveThreshold, default 0.35
	Model         string  // empty = provider default
	Retry         providers.RetryConfig
}

func NewEngine(cfg EngineConfig, p providers.Provider, contexts ContextLoader) *Engine {
	if cfg.EvalThreshold <= 0 {
		cfg.EvalThreshold = 0.35
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = providers.DefaultRetryConfig()
	}
	cfg.Retry.Label = "evaluate"
	return &Engine{
		weights:    cfg.Weights,
		thresholds: cfg.Thresholds,
		baseEval:   cfg.EvalThreshold,
		provider:   p,
		contexts:   contexts,
		retry:      cfg.Retry,
		model:      cfg.Model,
	}
}

// Score runs the heuristic pass with the engine's weights.
func (e *Engine) Score(batch []convo.Message) []ScoringResult {
	return Score(batch, e.weights)
}

// Aggregate applies the engine's thresholds.
func (e *Engine) Aggregate(results []ScoringResult) (Outcome, string) {
	return Aggregate(results, e.thresholds)
}

// evalWire is the JSON shape the evaluator model is instructed to emit.
type evalWire struct {
	ResponseScore   *float64              `json:"response_score"`
	TargetMessageID *string               `json:"target_message_id"`
	Reason          string                `json:"reason"`
	ShouldRespond   bool                  `json:"should_respond"`
	EmotionDeltas   []emotion.Delta       `json:"emotion_delta,omitempty"`
	Proactive       []proactive.Directive `json:"proactive_messages,omitempty"`
	CancelIDs       []string              `json:"cancel_schedule_ids,omitempty"`
}

// Evaluate asks the model whether the batch deserves a reply. The target is
// forcibly cleared whenever should_respond is false, the score falls below
// the effective threshold, or the named id is not in the batch: the engine
// never points at a message without intending to respond at all.
func (e *Engine) Evaluate(ctx context.Context, key string, batch []convo.Message, ps persona.Persona, responsiveness float64, snap *emotion.Snapshot) (*Evaluation, error) {
	threshold := EffectiveThreshold(e.baseEval, responsiveness)

	var history []convo.Message
	if e.contexts != nil {
		c, err := e.contexts.Get(ctx, key)
		if err != nil {
			slog.Warn("evaluate: context load failed, using batch only", "conversation", key, "error", err)
		} else if c != nil {
			history = c.Messages
		}
	}

	prompt := e.buildPrompt(batch, history, ps, snap, threshold)
	resp, err := providers.RetryDo(ctx, e.retry, func() (*providers.ChatResponse, error) {
		return e.provider.Chat(ctx, providers.ChatRequest{
			Messages: []providers.Message{
				{Role: "system", Content: prompt.system},
				{Role: "user", Content: prompt.user},
			},
			Model:       e.model,
			Temperature: 0.2,
			MaxTokens:   512,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEvaluatorFailed, err)
	}

	var wire evalWire
	if err := structured.Unmarshal(resp.Content, &wire); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEvaluatorFailed, err)
	}
	if wire.ResponseScore == nil || math.IsNaN(*wire.ResponseScore) || math.IsInf(*wire.ResponseScore, 0) {
		return nil, fmt.Errorf("%w: response_score missing or not finite", ErrEvaluatorFailed)
	}

	score := *wire.ResponseScore
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	ev := &Evaluation{
		ResponseScore:       score,
		Reason:              wire.Reason,
		ShouldRespond:       wire.ShouldRespond && score >= threshold,
		EmotionDeltas:       emotion.FilterDeltas(wire.EmotionDeltas),
		ProactiveDirectives: wire.Proactive,
		CancelScheduleIDs:   wire.CancelIDs,
	}

	if wire.TargetMessageID != nil && ev.ShouldRespond {
		id := strings.TrimSpace(*wire.TargetMessageID)
		if inBatch(batch, id) {
			ev.TargetMessageID = id
		} else if id != "" {
			slog.Debug("evaluate: target not in batch, cleared", "conversation", key, "target", id)
		}
	}

	slog.Debug("evaluation complete",
		"conversation", key,
		"score", ev.ResponseScore,
		"threshold", threshold,
		"respond", ev.ShouldRespond,
		"target", ev.TargetMessageID)
	return ev, nil
}

func inBatch(batch []convo.Message, id string) bool {
	if id == "" {
		return false
	}
	for _, m := range batch {
		if m.ID == id {
			return true
		}
	}
	return false
}

type evalPrompt struct {
	system string
	user   string
}

func (e *Engine) buildPrompt(batch, history []convo.Message, ps persona.Persona, snap *emotion.Snapshot, threshold float64) evalPrompt {
	var sys strings.Builder
	sys.WriteString("You decide whether the character ")
	sys.WriteString(ps.Name)
	sys.WriteString(" should reply to new chat messages. Character summary:\n")
	sys.WriteString(persona.Render(ps.PromptTemplate, ps.Details))
	sys.WriteString("\n\n")
	if snap != nil {
		if g := emotion.Guidance(*snap, ps.EmotionBuckets); g != "" {
			sys.WriteString(g)
			sys.WriteString("\n\n")
		}
	}
	sys.WriteString("Respond with a single JSON object, nothing else:\n")
	sys.WriteString(`{"response_score": <0.0-1.0>, "should_respond": <bool>, "target_message_id": <id or null>, "reason": "<short>", "emotion_delta": [{"user_id": "...", "metric": "affinity|annoyance|trust|curiosity", "delta": <int>}], "proactive_messages": [{"content": "...", "send_at_ms": <unix ms>, "reason": "..."}], "cancel_schedule_ids": ["..."]}`)
	sys.WriteString(fmt.Sprintf("\nA score at or above %.2f means the character would naturally reply.", threshold))

	var usr strings.Builder
	if len(history) > 0 {
		usr.WriteString("Recent conversation:\n")
		usr.WriteString(convo.FormatTranscript(history, ps.Name))
		usr.WriteString("\n")
	}
	usr.WriteString("New messages to judge:\n")
	usr.WriteString(convo.FormatTranscript(batch, ps.Name))

	return evalPrompt{system: sys.String(), user: usr.String()}
}
