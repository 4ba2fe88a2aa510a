package persona

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleFile = `{
	// JSON5: comments and trailing commas are fine
	default_persona: "ember",
	personas: [
		{
			id: "ember",
			name: "Ember",
			prompt_template: "You are {{name}}, a {{mood}} companion.",
			language: { fallback: "English" },
			responsiveness: 1.5,
		},
		{
			id: "frost",
			name: "Frost",
			prompt_template: "You are {{name}}.",
			language: { pinned: "German" },
		},
	],
	responsiveness_overrides: { "conv-quiet": 0.5 },
	max_context_overrides: { "conv-short": 12 },
}`

func writeFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "personas.json5")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	p, err := Load(writeFile(t, t.TempDir(), sampleFile))
	if err != nil {
		t.Fatal(err)
	}

	ember := p.Get("ember")
	if ember.Name != "Ember" || ember.Responsiveness != 1.5 {
		t.Errorf("ember = %+v", ember)
	}
	if frost := p.Get("frost"); frost.Responsiveness != 1.0 {
		t.Errorf("responsiveness default = %v, want 1.0", frost.Responsiveness)
	}
	if def := p.Get("unknown-id"); def.ID != "ember" {
		t.Errorf("unknown id must fall back to default, got %s", def.ID)
	}
}

func TestOverrides(t *testing.T) {
	p, err := Load(writeFile(t, t.TempDir(), sampleFile))
	if err != nil {
		t.Fatal(err)
	}
	ember := p.Get("ember")

	if r := p.ResponsivenessFor("conv-quiet", ember); r != 0.5 {
		t.Errorf("override responsiveness = %v, want 0.5", r)
	}
	if r := p.ResponsivenessFor("conv-other", ember); r != 1.5 {
		t.Errorf("fallback responsiveness = %v, want 1.5", r)
	}
	if n := p.MaxContextFor("conv-short"); n != 12 {
		t.Errorf("max context override = %d, want 12", n)
	}
	if n := p.MaxContextFor("conv-other"); n != 0 {
		t.Errorf("no override must return 0, got %d", n)
	}
}

func TestLoadRejectsEmptyAndBadDefault(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(writeFile(t, dir, `{personas: []}`)); err == nil {
		t.Error("empty personas must fail")
	}
	if _, err := Load(writeFile(t, dir, `{default_persona: "x", personas: [{id: "a", name: "A", prompt_template: "t"}]}`)); err == nil {
		t.Error("unknown default persona must fail")
	}
}

func TestRender(t *testing.T) {
	got := Render("You are {{name}}, mood {{ mood }} and {{missing}}.", map[string]string{
		"name": "Ember",
		"mood": "playful",
	})
	want := "You are Ember, mood playful and {{missing}}."
	if got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

func TestLanguageInstruction(t *testing.T) {
	if got := LanguageInstruction(Language{Pinned: "German"}); !strings.Contains(got, "German") {
		t.Errorf("pinned instruction = %q", got)
	}
	if got := LanguageInstruction(Language{}); !strings.Contains(got, "English") {
		t.Errorf("fallback instruction = %q", got)
	}
	if got := LanguageInstruction(Language{Fallback: "Spanish"}); !strings.Contains(got, "Spanish") {
		t.Errorf("custom fallback instruction = %q", got)
	}
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, sampleFile)
	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	stop := make(chan struct{})
	defer close(stop)
	if err := p.Watch(stop); err != nil {
		t.Fatal(err)
	}

	updated := strings.Replace(sampleFile, `name: "Ember"`, `name: "Cinder"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Get("ember").Name == "Cinder" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("reload never observed")
}
