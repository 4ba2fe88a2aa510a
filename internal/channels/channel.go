// Package channels provides the chat-platform adapter abstraction. Adapters
// translate platform events into bus.Inbound messages and deliver outbound
// segments back.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emberflow/ember/internal/bus"
)

// Channel is one platform adapter.
type Channel interface {
	// Name returns the adapter identifier ("discord", "telegram").
	Name() string

	// Start begins receiving events. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts the adapter down.
	Stop(ctx context.Context) error

	// Send delivers one outbound segment.
	Send(ctx context.Context, msg bus.Outbound) error

	// Typing signals the platform's typing indicator, best-effort.
	Typing(ctx context.Context, conversationKey string)
}

// Key builds the conversation key for a platform chat: "<channel>:<chatID>".
func Key(channel, chatID string) string {
	return channel + ":" + chatID
}

// SplitKey returns the channel name and platform chat id of a conversation key.
func SplitKey(key string) (channel, chatID string, err error) {
	i := strings.Index(key, ":")
	if i <= 0 || i == len(key)-1 {
		return "", "", fmt.Errorf("malformed conversation key %q", key)
	}
	return key[:i], key[i+1:], nil
}

// Manager owns the set of running adapters and routes sends by channel name.
type Manager struct {
	channels map[string]Channel
}

func NewManager(chs ...Channel) *Manager {
	m := &Manager{channels: make(map[string]Channel, len(chs))}
	for _, ch := range chs {
		m.channels[ch.Name()] = ch
	}
	return m
}

// StartAll starts every adapter; one failure stops the rest and unwinds.
func (m *Manager) StartAll(ctx context.Context) error {
	var started []Channel
	for _, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			for _, s := range started {
				s.Stop(ctx)
			}
			return fmt.Errorf("start channel %s: %w", ch.Name(), err)
		}
		started = append(started, ch)
		slog.Info("channel started", "channel", ch.Name())
	}
	return nil
}

// StopAll stops every adapter, logging failures.
func (m *Manager) StopAll(ctx context.Context) {
	for _, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channel stop failed", "channel", ch.Name(), "error", err)
		}
	}
}

// Send routes an outbound segment to its adapter.
func (m *Manager) Send(ctx context.Context, msg bus.Outbound) error {
	ch, ok := m.channels[msg.Channel]
	if !ok {
		return fmt.Errorf("no channel %q for conversation %s", msg.Channel, msg.ConversationKey)
	}
	return ch.Send(ctx, msg)
}

// Typing forwards the typing signal to the right adapter, best-effort.
func (m *Manager) Typing(ctx context.Context, conversationKey string) {
	name, _, err := SplitKey(conversationKey)
	if err != nil {
		return
	}
	if ch, ok := m.channels[name]; ok {
		ch.Typing(ctx, conversationKey)
	}
}

// Truncate shortens s to max runes for log previews.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
