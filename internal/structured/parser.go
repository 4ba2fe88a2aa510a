// Package structured parses model output that is expected to be JSON but may
// be wrapped in code fences, prefixed with prose, or slightly malformed.
//
// Recovery chain, in order of preference:
//
//	1. strict parse of the raw text
//	2. fence/sentinel stripping + balanced-block extraction, then parse
//	3. repair pass (trailing commas, smart quotes), then parse
//	4. give up with a descriptive error
package structured

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// ErrNotJSON is returned when no stage of the recovery chain produced a parse.
var ErrNotJSON = errors.New("no parseable JSON found")

// Segment is one unit of a multi-part structured reply.
type Segment struct {
	Sequence int    `json:"sequence"`
	DelayMs  int    `json:"delay_ms"`
	Content  string `json:"content"`
}

var codeFencePattern = regexp.MustCompile("(?s)```(?:json5?|javascript)?\\s*(.*?)```")

// sentinels some models leak around JSON payloads.
var straySentinels = []string{"<|im_end|>", "<|endoftext|>", "[DONE]", "</s>"}

// StripFences removes markdown code fences and stray sentinel tokens,
// returning the innermost candidate payload.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	for _, tok := range straySentinels {
		s = strings.ReplaceAll(s, tok, "")
	}
	if m := codeFencePattern.FindStringSubmatch(s); m != nil {
		s = m[1]
	} else {
		// Unterminated fence: drop the opening marker line
		if strings.HasPrefix(s, "```") {
			if idx := strings.Index(s, "\n"); idx >= 0 {
				s = s[idx+1:]
			}
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// ExtractBlock returns the first balanced {...} or [...] block in s.
// Braces inside JSON strings are skipped.
func ExtractBlock(s string) (string, bool) {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

// Repair fixes the malformations models most commonly produce:
// trailing commas and typographic quotes.
func Repair(s string) string {
	s = trailingCommaPattern.ReplaceAllString(s, "$1")
	replacer := strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
	)
	return replacer.Replace(s)
}

// Unmarshal runs the full recovery chain and decodes into v.
func Unmarshal(raw string, v interface{}) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("empty input: %w", ErrNotJSON)
	}

	// Stage 1: strict
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}

	// Stage 2: strip fences, extract balanced block
	stripped := StripFences(raw)
	candidate := stripped
	if block, ok := ExtractBlock(stripped); ok {
		candidate = block
	}
	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		slog.Debug("structured: parsed after fence stripping", "raw_len", len(raw))
		return nil
	}

	// Stage 3: repair pass
	repaired := Repair(candidate)
	if err := json.Unmarshal([]byte(repaired), v); err == nil {
		slog.Info("structured: parsed after repair pass", "raw_len", len(raw))
		return nil
	}

	return fmt.Errorf("after strict, stripped and repaired parse: %w", ErrNotJSON)
}

// segmentEnvelope accepts the canonical {"messages": [...]} object shape.
type segmentEnvelope struct {
	Messages []rawSegment `json:"messages"`
}

// rawSegment tolerates both delay_ms and the legacy delayMs key.
type rawSegment struct {
	Sequence      int    `json:"sequence"`
	DelayMs       int    `json:"delay_ms"`
	DelayMsLegacy int    `json:"delayMs"`
	Content       string `json:"content"`
}

// ParseSegments decodes a multi-segment reply. It accepts an object with a
// "messages" array or a bare array (legacy shape). If structural parsing
// fails entirely, it degrades to a single segment wrapping the raw trimmed
// text verbatim; degraded reports that fallback.
func ParseSegments(raw string) (segments []Segment, degraded bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, false
	}

	var rawSegs []rawSegment

	var env segmentEnvelope
	if err := Unmarshal(trimmed, &env); err == nil && len(env.Messages) > 0 {
		rawSegs = env.Messages
	} else {
		var arr []rawSegment
		if err := Unmarshal(trimmed, &arr); err == nil && len(arr) > 0 {
			rawSegs = arr
		}
	}

	if len(rawSegs) == 0 {
		// Degrade gracefully: the model clearly intended to say something.
		slog.Warn("structured: segment parse failed, wrapping raw text", "len", len(trimmed))
		text := StripFences(trimmed)
		if text == "" {
			text = trimmed
		}
		return []Segment{{Sequence: 1, DelayMs: 0, Content: text}}, true
	}

	out := make([]Segment, 0, len(rawSegs))
	for _, rs := range rawSegs {
		content := strings.TrimSpace(rs.Content)
		if content == "" {
			continue
		}
		delay := rs.DelayMs
		if delay == 0 {
			delay = rs.DelayMsLegacy
		}
		if delay < 0 {
			delay = 0
		}
		seq := rs.Sequence
		if seq <= 0 {
			seq = len(out) + 1
		}
		out = append(out, Segment{Sequence: seq, DelayMs: delay, Content: content})
	}
	if len(out) == 0 {
		return []Segment{{Sequence: 1, DelayMs: 0, Content: trimmed}}, true
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, false
}
