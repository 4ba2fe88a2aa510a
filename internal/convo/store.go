package convo

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MessageLog is the durable append-only message store the cache fronts.
// Implementations may return messages newest-first; the store re-sorts.
type MessageLog interface {
	GetRecentMessages(ctx context.Context, key string, limit int, minTimestamp int64) ([]Message, error)
	PersistMessages(ctx context.Context, key, parentKey string, msgs []Message) error
	MarkResponded(ctx context.Context, key, messageID string) error
}

// StoreConfig bounds the rolling window kept per conversation.
type StoreConfig struct {
	CacheSize   int // number of conversations kept hot (LRU)
	MaxMessages int // global default window size
	MaxAge      time.Duration
	// MaxMessagesOverride returns a per-conversation window size, 0 = use default.
	MaxMessagesOverride func(key string) int
}

// DefaultStoreConfig returns the store bounds used when config is silent.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		CacheSize:   256,
		MaxMessages: 40,
		MaxAge:      6 * time.Hour,
	}
}

// Store keeps a bounded in-memory view of each conversation, backed by the
// durable log. The cache is a disposable projection: conversations evicted
// from the LRU are transparently rehydrated on next access.
type Store struct {
	cfg   StoreConfig
	log   MessageLog
	cache *lru.Cache[string, *Context]
	now   func() time.Time
}

func NewStore(cfg StoreConfig, log MessageLog) (*Store, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultStoreConfig().CacheSize
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultStoreConfig().MaxMessages
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultStoreConfig().MaxAge
	}
	cache, err := lru.New[string, *Context](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create context cache: %w", err)
	}
	return &Store{cfg: cfg, log: log, cache: cache, now: time.Now}, nil
}

func (s *Store) maxFor(key string) int {
	if s.cfg.MaxMessagesOverride != nil {
		if n := s.cfg.MaxMessagesOverride(key); n > 0 {
			return n
		}
	}
	return s.cfg.MaxMessages
}

// Get returns the context for a conversation, rehydrating from the durable
// log on cache miss. Returns nil (no error) for a conversation with no history.
func (s *Store) Get(ctx context.Context, key string) (*Context, error) {
	if c, ok := s.cache.Get(key); ok {
		return c, nil
	}

	limit := s.maxFor(key)
	minTS := s.now().Add(-s.cfg.MaxAge).UnixMilli()
	msgs, err := s.log.GetRecentMessages(ctx, key, limit, minTS)
	if err != nil {
		return nil, fmt.Errorf("rehydrate context %s: %w", key, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	// The log may return newest-first; the ascending order invariant is
	// enforced here, at the boundary.
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt < msgs[j].CreatedAt })

	parent := ""
	for i := range msgs {
		if msgs[i].ParentKey != "" {
			parent = msgs[i].ParentKey
			break
		}
	}
	c := &Context{
		ConversationKey: key,
		ParentKey:       parent,
		Messages:        msgs,
		UpdatedAt:       s.now().UnixMilli(),
	}
	s.cache.Add(key, c)
	return c, nil
}

// Update persists newMsgs to the durable log first (crash safety before cache
// update), then recomputes the bounded window and replaces the cache entry.
func (s *Store) Update(ctx context.Context, key, parentKey string, newMsgs []Message) error {
	if len(newMsgs) == 0 {
		return nil
	}
	if err := s.log.PersistMessages(ctx, key, parentKey, newMsgs); err != nil {
		return fmt.Errorf("persist messages %s: %w", key, err)
	}

	var existing []Message
	if c, ok := s.cache.Get(key); ok {
		existing = c.Messages
	} else if loaded, err := s.Get(ctx, key); err == nil && loaded != nil {
		// Rehydrated view already includes the freshly persisted messages.
		return nil
	}

	merged := make([]Message, 0, len(existing)+len(newMsgs))
	merged = append(merged, existing...)
	merged = append(merged, newMsgs...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].CreatedAt < merged[j].CreatedAt })

	merged = s.trimWindow(key, merged)

	s.cache.Add(key, &Context{
		ConversationKey: key,
		ParentKey:       parentKey,
		Messages:        merged,
		UpdatedAt:       s.now().UnixMilli(),
	})
	return nil
}

func (s *Store) trimWindow(key string, msgs []Message) []Message {
	minTS := s.now().Add(-s.cfg.MaxAge).UnixMilli()
	firstFresh := 0
	for firstFresh < len(msgs) && msgs[firstFresh].CreatedAt < minTS {
		firstFresh++
	}
	msgs = msgs[firstFresh:]

	if limit := s.maxFor(key); len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

// MarkResponded flips the flag in memory immediately so the next prompt build
// sees it, and persists the same flag best-effort in the background.
func (s *Store) MarkResponded(ctx context.Context, key, messageID string) {
	if c, ok := s.cache.Get(key); ok {
		if m := c.Find(messageID); m != nil {
			m.RespondedTo = true
		}
	}

	go func() {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.log.MarkResponded(persistCtx, key, messageID); err != nil {
			slog.Warn("mark responded persist failed", "conversation", key, "message", messageID, "error", err)
		}
	}()
}

// Invalidate drops a conversation from the cache (next access rehydrates).
func (s *Store) Invalidate(key string) {
	s.cache.Remove(key)
}
