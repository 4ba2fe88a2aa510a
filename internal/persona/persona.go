// Package persona loads and serves persona definitions: prompt templates,
// language policy, responsiveness and context-size overrides, and emotion
// bucket thresholds. The file is JSON5 and hot-reloads on change.
package persona

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"

	"github.com/emberflow/ember/internal/emotion"
)

// Language selects the reply language: Pinned forces one language, empty
// Pinned means auto-detect with Fallback as the tie-breaker.
type Language struct {
	Pinned   string `json:"pinned,omitempty"`
	Fallback string `json:"fallback,omitempty"`
}

// Persona is one character definition.
type Persona struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	PromptTemplate string            `json:"prompt_template"`
	Details        map[string]string `json:"details,omitempty"`
	Language       Language          `json:"language"`
	Responsiveness float64           `json:"responsiveness,omitempty"` // default 1.0
	EmotionBuckets emotion.Buckets   `json:"emotion_buckets,omitempty"`
}

type fileShape struct {
	Personas []Persona `json:"personas"`
	// Per-conversation overrides keyed by conversation key.
	Responsiveness map[string]float64 `json:"responsiveness_overrides,omitempty"`
	MaxContext     map[string]int     `json:"max_context_overrides,omitempty"`
	DefaultPersona string             `json:"default_persona,omitempty"`
}

// Provider serves personas and overrides, reloading the backing file when it
// changes on disk. Read-only from the pipeline's perspective.
type Provider struct {
	path string

	mu             sync.RWMutex
	personas       map[string]Persona
	responsiveness map[string]float64
	maxContext     map[string]int
	defaultID      string
}

// Load reads the personas file and returns a Provider. Call Watch to enable
// hot reload.
func Load(path string) (*Provider, error) {
	p := &Provider{path: path}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) reload() error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read personas file: %w", err)
	}
	var f fileShape
	if err := json5.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse personas file %s: %w", p.path, err)
	}
	if len(f.Personas) == 0 {
		return fmt.Errorf("personas file %s defines no personas", p.path)
	}

	byID := make(map[string]Persona, len(f.Personas))
	for _, ps := range f.Personas {
		if ps.ID == "" {
			return fmt.Errorf("persona %q has no id", ps.Name)
		}
		if ps.Responsiveness <= 0 {
			ps.Responsiveness = 1.0
		}
		byID[ps.ID] = ps
	}
	defaultID := f.DefaultPersona
	if defaultID == "" {
		defaultID = f.Personas[0].ID
	}
	if _, ok := byID[defaultID]; !ok {
		return fmt.Errorf("default persona %q not defined", defaultID)
	}

	p.mu.Lock()
	p.personas = byID
	p.responsiveness = f.Responsiveness
	p.maxContext = f.MaxContext
	p.defaultID = defaultID
	p.mu.Unlock()

	slog.Info("personas loaded", "file", p.path, "count", len(byID), "default", defaultID)
	return nil
}

// Get returns the persona with the given id, falling back to the default
// persona when the id is empty or unknown.
func (p *Provider) Get(id string) Persona {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ps, ok := p.personas[id]; ok {
		return ps
	}
	return p.personas[p.defaultID]
}

// ResponsivenessFor returns the per-conversation responsiveness override, or
// the persona's own value when none is set.
func (p *Provider) ResponsivenessFor(conversationKey string, ps Persona) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if r, ok := p.responsiveness[conversationKey]; ok && r > 0 {
		return r
	}
	return ps.Responsiveness
}

// MaxContextFor returns the per-conversation context window override, 0 when
// the global default applies.
func (p *Provider) MaxContextFor(conversationKey string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxContext[conversationKey]
}

// Watch reloads the personas file on filesystem change until stop is closed.
// The parent directory is watched because editors replace files atomically.
func (p *Provider) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(p.path), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(p.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := p.reload(); err != nil {
					// Keep serving the previous snapshot on a bad edit.
					slog.Error("personas reload failed", "file", p.path, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("personas watcher error", "error", err)
			}
		}
	}()
	return nil
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Render substitutes {{placeholder}} tokens in a template. A placeholder with
// no value is left in place and logged as a warning; substitution is never
// partial within one token.
func Render(template string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(tok string) string {
		name := placeholderRe.FindStringSubmatch(tok)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		slog.Warn("unresolved template placeholder", "placeholder", name)
		return tok
	})
}

// LanguageInstruction renders the reply-language line for the prompt.
func LanguageInstruction(l Language) string {
	if l.Pinned != "" {
		return fmt.Sprintf("Always reply in %s.", l.Pinned)
	}
	fallback := l.Fallback
	if fallback == "" {
		fallback = "English"
	}
	return fmt.Sprintf("Reply in the language of the conversation; when unclear, use %s.", fallback)
}
