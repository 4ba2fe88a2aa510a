// Package telegram connects Ember to Telegram via Bot API long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/emberflow/ember/internal/bus"
	"github.com/emberflow/ember/internal/channels"
	"github.com/emberflow/ember/internal/config"
)

const channelName = "telegram"

// Channel long-polls Telegram updates and forwards messages to the pipeline.
type Channel struct {
	bot        *telego.Bot
	handler    bus.InboundHandler
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg config.TelegramConfig, handler bus.InboundHandler) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{bot: bot, handler: handler}, nil
}

func (c *Channel) Name() string { return channelName }

func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("telegram connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the goroutine so Telegram releases the
// getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram channel")
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (c *Channel) handleMessage(m *telego.Message) {
	if m.From == nil || m.From.IsBot {
		return
	}
	content := m.Text
	if content == "" {
		content = m.Caption
	}
	if content == "" {
		return
	}

	botUsername := c.bot.Username()
	mentionsBot := mentionsUsername(m, botUsername)

	replyToID := ""
	replyToBot := false
	if m.ReplyToMessage != nil {
		replyToID = strconv.Itoa(m.ReplyToMessage.MessageID)
		if m.ReplyToMessage.From != nil {
			replyToBot = m.ReplyToMessage.From.IsBot && m.ReplyToMessage.From.Username == botUsername
		}
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	slog.Debug("telegram message received",
		"chat_id", chatID,
		"author", m.From.Username,
		"preview", channels.Truncate(content, 50))

	c.handler(bus.Inbound{
		Channel:         channelName,
		ConversationKey: channels.Key(channelName, chatID),
		MessageID:       strconv.Itoa(m.MessageID),
		AuthorID:        strconv.FormatInt(m.From.ID, 10),
		AuthorName:      displayName(m.From),
		Content:         content,
		CreatedAt:       int64(m.Date) * 1000,
		MentionsBot:     mentionsBot,
		ReplyToID:       replyToID,
		ReplyToBot:      replyToBot,
	})
}

// mentionsUsername reports whether the message @mentions the bot via a
// mention entity.
func mentionsUsername(m *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	entities := m.Entities
	if len(entities) == 0 {
		entities = m.CaptionEntities
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	runes := []rune(text)
	for _, e := range entities {
		if e.Type != telego.EntityTypeMention {
			continue
		}
		if e.Offset < 0 || e.Offset+e.Length > len(runes) {
			continue
		}
		if string(runes[e.Offset:e.Offset+e.Length]) == "@"+botUsername {
			return true
		}
	}
	return false
}

func (c *Channel) Send(ctx context.Context, msg bus.Outbound) error {
	_, chatStr, err := channels.SplitKey(msg.ConversationKey)
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(chatStr, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed telegram chat id %q: %w", chatStr, err)
	}
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), msg.Content)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func (c *Channel) Typing(ctx context.Context, conversationKey string) {
	_, chatStr, err := channels.SplitKey(conversationKey)
	if err != nil {
		return
	}
	chatID, err := strconv.ParseInt(chatStr, 10, 64)
	if err != nil {
		return
	}
	if err := c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil {
		slog.Debug("telegram typing indicator failed", "chat_id", chatID, "error", err)
	}
}

func displayName(u *telego.User) string {
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	if name == "" {
		name = u.Username
	}
	return name
}
