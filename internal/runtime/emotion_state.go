package runtime

import (
	"context"
	"sync"

	"github.com/emberflow/ember/internal/emotion"
)

// EmotionState owns the mutable relationship metrics. The pipeline reads
// snapshots when building prompts and applies deltas extracted from model
// output; everything else treats emotion as read-only.
type EmotionState interface {
	Snapshot(ctx context.Context, conversationKey, userID string) *emotion.Snapshot
	Apply(ctx context.Context, conversationKey string, deltas []emotion.Delta)
}

// MemoryEmotion is the in-process EmotionState. State is scoped per
// conversation so the same user can stand differently with the persona in
// different chats.
type MemoryEmotion struct {
	mu    sync.RWMutex
	state map[string]map[string]emotion.Snapshot // conversation → user → snapshot
}

func NewMemoryEmotion() *MemoryEmotion {
	return &MemoryEmotion{state: make(map[string]map[string]emotion.Snapshot)}
}

func (m *MemoryEmotion) Snapshot(_ context.Context, conversationKey, userID string) *emotion.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users, ok := m.state[conversationKey]
	if !ok {
		return nil
	}
	s, ok := users[userID]
	if !ok {
		return nil
	}
	return &s
}

func (m *MemoryEmotion) Apply(_ context.Context, conversationKey string, deltas []emotion.Delta) {
	if len(deltas) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.state[conversationKey]
	if users == nil {
		users = make(map[string]emotion.Snapshot)
		m.state[conversationKey] = users
	}
	for _, d := range deltas {
		s := users[d.UserID]
		s.UserID = d.UserID
		v := int(d.Value)
		switch d.Metric {
		case emotion.MetricAffinity:
			s.Affinity += v
		case emotion.MetricAnnoyance:
			s.Annoyance += v
		case emotion.MetricTrust:
			s.Trust += v
		case emotion.MetricCuriosity:
			s.Curiosity += v
		}
		users[d.UserID] = s
	}
}
