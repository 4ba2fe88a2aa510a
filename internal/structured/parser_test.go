package structured

import (
	"errors"
	"testing"
)

func TestUnmarshal_Strict(t *testing.T) {
	var v map[string]interface{}
	if err := Unmarshal(`{"a": 1}`, &v); err != nil {
		t.Fatal(err)
	}
	if v["a"] != 1.0 {
		t.Errorf("a = %v", v["a"])
	}
}

func TestUnmarshal_CodeFence(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"score\": 0.5}\n```\nHope that helps!"
	var v struct {
		Score float64 `json:"score"`
	}
	if err := Unmarshal(raw, &v); err != nil {
		t.Fatal(err)
	}
	if v.Score != 0.5 {
		t.Errorf("score = %v", v.Score)
	}
}

func TestUnmarshal_TrailingComma(t *testing.T) {
	var v struct {
		Items []string `json:"items"`
	}
	if err := Unmarshal(`{"items": ["a", "b",],}`, &v); err != nil {
		t.Fatal(err)
	}
	if len(v.Items) != 2 {
		t.Errorf("items = %v", v.Items)
	}
}

func TestUnmarshal_SmartQuotes(t *testing.T) {
	var v struct {
		Reason string `json:"reason"`
	}
	if err := Unmarshal("{“reason”: “ok”}", &v); err != nil {
		t.Fatal(err)
	}
	if v.Reason != "ok" {
		t.Errorf("reason = %q", v.Reason)
	}
}

func TestUnmarshal_Garbage(t *testing.T) {
	var v map[string]interface{}
	err := Unmarshal("not json at all", &v)
	if !errors.Is(err, ErrNotJSON) {
		t.Errorf("err = %v, want ErrNotJSON", err)
	}
}

func TestExtractBlock(t *testing.T) {
	t.Run("object with prose around it", func(t *testing.T) {
		block, ok := ExtractBlock(`Sure! {"a": {"b": 1}} done`)
		if !ok || block != `{"a": {"b": 1}}` {
			t.Errorf("block = %q, ok = %v", block, ok)
		}
	})
	t.Run("braces inside strings are skipped", func(t *testing.T) {
		block, ok := ExtractBlock(`{"text": "a } b"}`)
		if !ok || block != `{"text": "a } b"}` {
			t.Errorf("block = %q, ok = %v", block, ok)
		}
	})
	t.Run("no block", func(t *testing.T) {
		if _, ok := ExtractBlock("plain text"); ok {
			t.Error("expected no block")
		}
	})
}

func TestParseSegments_WellFormed(t *testing.T) {
	segs, degraded := ParseSegments(`{"messages":[{"sequence":1,"delay_ms":500,"content":"hi"}]}`)
	if degraded {
		t.Error("should not degrade")
	}
	if len(segs) != 1 || segs[0].DelayMs != 500 || segs[0].Content != "hi" {
		t.Errorf("segs = %+v", segs)
	}
}

func TestParseSegments_BareArraySorted(t *testing.T) {
	segs, degraded := ParseSegments(`[{"sequence":2,"content":"x"},{"sequence":1,"content":"y"}]`)
	if degraded {
		t.Error("should not degrade")
	}
	if len(segs) != 2 || segs[0].Content != "y" || segs[1].Content != "x" {
		t.Errorf("segs = %+v", segs)
	}
}

func TestParseSegments_GarbageDegrades(t *testing.T) {
	segs, degraded := ParseSegments("not json at all")
	if !degraded {
		t.Error("expected degraded fallback")
	}
	if len(segs) != 1 || segs[0].Content != "not json at all" {
		t.Errorf("segs = %+v", segs)
	}
}

func TestParseSegments_LegacyDelayKeyAndDefaults(t *testing.T) {
	segs, degraded := ParseSegments(`{"messages":[{"sequence":1,"delayMs":250,"content":"a"},{"content":"b"}]}`)
	if degraded {
		t.Error("should not degrade")
	}
	if len(segs) != 2 {
		t.Fatalf("segs = %+v", segs)
	}
	if segs[0].DelayMs != 250 {
		t.Errorf("legacy delay = %d", segs[0].DelayMs)
	}
	if segs[1].Sequence != 2 || segs[1].DelayMs != 0 {
		t.Errorf("defaulted segment = %+v", segs[1])
	}
}

func TestParseSegments_EmptyContentDropped(t *testing.T) {
	segs, _ := ParseSegments(`{"messages":[{"sequence":1,"content":"  "},{"sequence":2,"content":"keep"}]}`)
	if len(segs) != 1 || segs[0].Content != "keep" {
		t.Errorf("segs = %+v", segs)
	}
}

func TestStripFences_Sentinels(t *testing.T) {
	got := StripFences("```json\n{\"a\":1}\n```<|im_end|>")
	if got != `{"a":1}` {
		t.Errorf("got %q", got)
	}
}
