// Package decision implements the two-stage score→evaluate engine: a cheap
// rule-based heuristic pass over every flushed batch, and a model-backed
// evaluator for batches that land between the discard and respond thresholds.
package decision

import (
	"strings"
	"unicode/utf8"

	"github.com/emberflow/ember/internal/convo"
)

// Outcome of aggregating a batch's heuristic scores.
type Outcome int

const (
	Discard Outcome = iota
	Evaluate
	Respond
)

func (o Outcome) String() string {
	switch o {
	case Respond:
		return "respond"
	case Evaluate:
		return "evaluate"
	default:
		return "discard"
	}
}

// ScoringResult is one message's heuristic score with the rules that fired.
type ScoringResult struct {
	MessageID string
	Score     float64
	Reasons   []string
}

// Weights configures the heuristic rules. Zero-valued rules never fire.
type Weights struct {
	BotMention float64  // message mentions the bot
	ReplyToBot float64  // message replies to a bot message
	Question   float64  // message contains a question mark
	Length     float64  // message is at least LengthMin runes
	LengthMin  int      //
	Keyword    float64  // message contains any configured keyword
	Keywords   []string //
}

// DefaultWeights returns the heuristic tuning used when config is silent.
func DefaultWeights() Weights {
	return Weights{
		BotMention: 0.9,
		ReplyToBot: 0.8,
		Question:   0.25,
		Length:     0.15,
		LengthMin:  80,
		Keyword:    0.3,
	}
}

// Thresholds are the two aggregation cut points on the strongest signal.
type Thresholds struct {
	Respond float64 // at/above: respond without a model call
	Discard float64 // below: drop the batch silently
}

// DefaultThresholds returns the aggregation cut points used when config is silent.
func DefaultThresholds() Thresholds {
	return Thresholds{Respond: 0.8, Discard: 0.3}
}

// Score runs the heuristic rules over a batch. Bot-authored messages always
// score zero; the agent never replies to itself.
func Score(batch []convo.Message, w Weights) []ScoringResult {
	results := make([]ScoringResult, 0, len(batch))
	for _, m := range batch {
		r := ScoringResult{MessageID: m.ID}
		if !m.FromBot {
			r.Score, r.Reasons = scoreOne(m, w)
		}
		results = append(results, r)
	}
	return results
}

func scoreOne(m convo.Message, w Weights) (float64, []string) {
	var score float64
	var reasons []string
	add := func(v float64, reason string) {
		if v <= 0 {
			return
		}
		score += v
		reasons = append(reasons, reason)
	}

	if m.MentionsBot {
		add(w.BotMention, "bot-mention")
	}
	if m.ReplyToBot {
		add(w.ReplyToBot, "reply-to-bot")
	}
	if strings.ContainsAny(m.Content, "?？") {
		add(w.Question, "question")
	}
	if w.LengthMin > 0 && utf8.RuneCountInString(m.Content) >= w.LengthMin {
		add(w.Length, "length")
	}
	lower := strings.ToLower(m.Content)
	for _, kw := range w.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			add(w.Keyword, "keyword:"+kw)
			break
		}
	}

	if score > 1 {
		score = 1
	}
	return score, reasons
}

// Aggregate compares the strongest signal in the batch against the two
// thresholds and picks the top-scoring message as the candidate target.
// Ties resolve toward Respond over Evaluate to avoid unnecessary model calls.
func Aggregate(results []ScoringResult, th Thresholds) (Outcome, string) {
	if len(results) == 0 {
		return Discard, ""
	}
	best := results[0]
	for _, r := range results[1:] {
		if r.Score > best.Score {
			best = r
		}
	}
	switch {
	case best.Score >= th.Respond:
		return Respond, best.MessageID
	case best.Score < th.Discard:
		return Discard, ""
	default:
		return Evaluate, best.MessageID
	}
}

// EffectiveThreshold scales the base evaluate threshold by responsiveness:
// higher responsiveness lowers the bar to respond. Clamped to [0.01, 1.0];
// responsiveness below 1 saturating at 1.0 is intended, not a bug.
func EffectiveThreshold(base, responsiveness float64) float64 {
	if responsiveness <= 0 {
		responsiveness = 1
	}
	t := base / responsiveness
	if t < 0.01 {
		t = 0.01
	}
	if t > 1.0 {
		t = 1.0
	}
	return t
}
