package decision

import (
	"context"
	"errors"
	"testing"

	"github.com/emberflow/ember/internal/convo"
	"github.com/emberflow/ember/internal/persona"
	"github.com/emberflow/ember/internal/providers"
)

type fakeProvider struct {
	reply string
	err   error
	calls int
}

func (f *fakeProvider) Chat(_ context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &providers.ChatResponse{Content: f.reply, FinishReason: "stop"}, nil
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return "fake" }

type fakeContexts struct{ ctx *convo.Context }

func (f *fakeContexts) Get(_ context.Context, _ string) (*convo.Context, error) {
	return f.ctx, nil
}

func testPersona() persona.Persona {
	return persona.Persona{ID: "p1", Name: "Ember", PromptTemplate: "You are Ember.", Responsiveness: 1.0}
}

func testBatch() []convo.Message {
	return []convo.Message{
		{ID: "m1", ConversationKey: "c1", AuthorName: "alice", Content: "what do you think?", CreatedAt: 1000},
		{ID: "m2", ConversationKey: "c1", AuthorName: "bob", Content: "yeah tell us", CreatedAt: 2000},
	}
}

func newTestEngine(p providers.Provider) *Engine {
	return NewEngine(EngineConfig{
		EvalThreshold: 0.35,
		Retry:         providers.RetryConfig{MaxAttempts: 1},
	}, p, &fakeContexts{})
}

func TestEvaluate_AcceptsTargetInBatch(t *testing.T) {
	fp := &fakeProvider{reply: `{"response_score": 0.6, "should_respond": true, "target_message_id": "m1", "reason": "direct question"}`}
	ev, err := newTestEngine(fp).Evaluate(context.Background(), "c1", testBatch(), testPersona(), 1.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ev.ShouldRespond || ev.TargetMessageID != "m1" {
		t.Errorf("evaluation = %+v, want respond with target m1", ev)
	}
}

func TestEvaluate_ClearsTarget(t *testing.T) {
	cases := []struct {
		name  string
		reply string
	}{
		{"should_respond false", `{"response_score": 0.9, "should_respond": false, "target_message_id": "m1", "reason": "r"}`},
		{"score below threshold", `{"response_score": 0.1, "should_respond": true, "target_message_id": "m1", "reason": "r"}`},
		{"target not in batch", `{"response_score": 0.9, "should_respond": true, "target_message_id": "ghost", "reason": "r"}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ev, err := newTestEngine(&fakeProvider{reply: c.reply}).
				Evaluate(context.Background(), "c1", testBatch(), testPersona(), 1.0, nil)
			if err != nil {
				t.Fatal(err)
			}
			if ev.TargetMessageID != "" {
				t.Errorf("target = %q, must be cleared", ev.TargetMessageID)
			}
		})
	}
}

func TestEvaluate_ResponsivenessLowersBar(t *testing.T) {
	// Score 0.2 fails at responsiveness 1.0 (threshold 0.35) but passes at
	// responsiveness 2.0 (threshold 0.175).
	reply := `{"response_score": 0.2, "should_respond": true, "target_message_id": "m1", "reason": "r"}`

	ev, err := newTestEngine(&fakeProvider{reply: reply}).
		Evaluate(context.Background(), "c1", testBatch(), testPersona(), 1.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ev.ShouldRespond {
		t.Error("score 0.2 must not pass threshold 0.35")
	}

	ev, err = newTestEngine(&fakeProvider{reply: reply}).
		Evaluate(context.Background(), "c1", testBatch(), testPersona(), 2.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ev.ShouldRespond || ev.TargetMessageID != "m1" {
		t.Errorf("evaluation = %+v, want respond at lowered threshold", ev)
	}
}

func TestEvaluate_FencedOutputParses(t *testing.T) {
	fp := &fakeProvider{reply: "```json\n{\"response_score\": 0.5, \"should_respond\": true, \"target_message_id\": \"m2\", \"reason\": \"r\"}\n```"}
	ev, err := newTestEngine(fp).Evaluate(context.Background(), "c1", testBatch(), testPersona(), 1.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ev.TargetMessageID != "m2" {
		t.Errorf("target = %q, want m2", ev.TargetMessageID)
	}
}

func TestEvaluate_InvalidDeltasDropped(t *testing.T) {
	fp := &fakeProvider{reply: `{"response_score": 0.5, "should_respond": true, "target_message_id": null, "reason": "r",
		"emotion_delta": [
			{"user_id": "u1", "metric": "affinity", "delta": 2},
			{"user_id": "u1", "metric": "bogus", "delta": 1},
			{"user_id": "u1", "metric": "trust", "delta": 0.5}
		]}`}
	ev, err := newTestEngine(fp).Evaluate(context.Background(), "c1", testBatch(), testPersona(), 1.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ev.EmotionDeltas) != 1 || ev.EmotionDeltas[0].Metric != "affinity" {
		t.Errorf("deltas = %+v, want only the affinity entry", ev.EmotionDeltas)
	}
}

func TestEvaluate_FailureIsTyped(t *testing.T) {
	t.Run("backend error", func(t *testing.T) {
		fp := &fakeProvider{err: errors.New("boom")}
		_, err := newTestEngine(fp).Evaluate(context.Background(), "c1", testBatch(), testPersona(), 1.0, nil)
		if !errors.Is(err, ErrEvaluatorFailed) {
			t.Errorf("err = %v, want ErrEvaluatorFailed", err)
		}
	})
	t.Run("unparseable output", func(t *testing.T) {
		fp := &fakeProvider{reply: "I cannot produce JSON today."}
		_, err := newTestEngine(fp).Evaluate(context.Background(), "c1", testBatch(), testPersona(), 1.0, nil)
		if !errors.Is(err, ErrEvaluatorFailed) {
			t.Errorf("err = %v, want ErrEvaluatorFailed", err)
		}
	})
	t.Run("missing score", func(t *testing.T) {
		fp := &fakeProvider{reply: `{"should_respond": true, "reason": "r"}`}
		_, err := newTestEngine(fp).Evaluate(context.Background(), "c1", testBatch(), testPersona(), 1.0, nil)
		if !errors.Is(err, ErrEvaluatorFailed) {
			t.Errorf("err = %v, want ErrEvaluatorFailed", err)
		}
	})
}

// Two-stage flow: a weak batch discards with no model call, a strong batch
// responds with no model call, the middle tier consults the evaluator.
func TestTwoStageFlow(t *testing.T) {
	fp := &fakeProvider{reply: `{"response_score": 0.6, "should_respond": true, "target_message_id": "m1", "reason": "r"}`}
	e := newTestEngine(fp)

	outcome, _ := e.Aggregate([]ScoringResult{{MessageID: "a", Score: 0.1}, {MessageID: "b", Score: 0.2}, {MessageID: "c", Score: 0.05}})
	if outcome != Discard || fp.calls != 0 {
		t.Errorf("weak batch: outcome=%v calls=%d", outcome, fp.calls)
	}

	outcome, target := e.Aggregate([]ScoringResult{{MessageID: "m", Score: 0.9}})
	if outcome != Respond || target != "m" || fp.calls != 0 {
		t.Errorf("strong batch: outcome=%v target=%q calls=%d", outcome, target, fp.calls)
	}

	outcome, _ = e.Aggregate([]ScoringResult{{MessageID: "m1", Score: 0.5}})
	if outcome != Evaluate {
		t.Fatalf("middle batch: outcome=%v", outcome)
	}
	ev, err := e.Evaluate(context.Background(), "c1", testBatch(), testPersona(), 1.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if fp.calls != 1 || ev.TargetMessageID != "m1" {
		t.Errorf("evaluate: calls=%d target=%q", fp.calls, ev.TargetMessageID)
	}
}
