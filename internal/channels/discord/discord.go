// Package discord connects Ember to Discord via the gateway API.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/emberflow/ember/internal/bus"
	"github.com/emberflow/ember/internal/channels"
	"github.com/emberflow/ember/internal/config"
)

const channelName = "discord"

// Channel receives guild and DM messages and forwards them to the pipeline.
// Unlike command bots there is no mention gating here: every message feeds
// the intake queue and the decision engine decides whether to reply.
type Channel struct {
	session   *discordgo.Session
	handler   bus.InboundHandler
	botUserID string
}

func New(cfg config.DiscordConfig, handler bus.InboundHandler) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{session: session, handler: handler}, nil
}

func (c *Channel) Name() string { return channelName }

func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	slog.Info("discord connected", "username", user.Username, "id", user.ID)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord channel")
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	mentionsBot := false
	var mentioned []string
	for _, u := range m.Mentions {
		mentioned = append(mentioned, u.ID)
		if u.ID == c.botUserID {
			mentionsBot = true
		}
	}

	replyToID := ""
	replyToBot := false
	if m.ReferencedMessage != nil {
		replyToID = m.ReferencedMessage.ID
		if m.ReferencedMessage.Author != nil {
			replyToBot = m.ReferencedMessage.Author.ID == c.botUserID
		}
	}

	createdAt := m.Timestamp.UnixMilli()
	if createdAt <= 0 {
		createdAt = time.Now().UnixMilli()
	}

	slog.Debug("discord message received",
		"channel_id", m.ChannelID,
		"author", m.Author.Username,
		"preview", channels.Truncate(content, 50))

	c.handler(bus.Inbound{
		Channel:          channelName,
		ConversationKey:  channels.Key(channelName, m.ChannelID),
		ParentKey:        m.GuildID,
		MessageID:        m.ID,
		AuthorID:         m.Author.ID,
		AuthorName:       resolveDisplayName(m),
		Content:          content,
		CreatedAt:        createdAt,
		MentionsBot:      mentionsBot,
		MentionedUserIDs: mentioned,
		ReplyToID:        replyToID,
		ReplyToBot:       replyToBot,
	})
}

func (c *Channel) Send(_ context.Context, msg bus.Outbound) error {
	_, chatID, err := channels.SplitKey(msg.ConversationKey)
	if err != nil {
		return err
	}
	return c.sendChunked(chatID, msg.Content)
}

// sendChunked splits content over Discord's 2000-char message limit,
// preferring newline boundaries.
func (c *Channel) sendChunked(channelID, content string) error {
	for _, chunk := range splitMessage(content, 2000) {
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// splitMessage cuts content into chunks of at most maxLen bytes. A newline in
// the second half of the window wins; otherwise the cut backs off to a rune
// boundary so multi-byte characters never straddle two messages.
func splitMessage(content string, maxLen int) []string {
	var chunks []string
	for len(content) > maxLen {
		cutAt := maxLen
		if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		} else {
			for cutAt > 0 && !utf8.RuneStart(content[cutAt]) {
				cutAt--
			}
			if cutAt == 0 {
				cutAt = maxLen
			}
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	if len(content) > 0 {
		chunks = append(chunks, content)
	}
	return chunks
}

func (c *Channel) Typing(_ context.Context, conversationKey string) {
	_, chatID, err := channels.SplitKey(conversationKey)
	if err != nil {
		return
	}
	if err := c.session.ChannelTyping(chatID); err != nil {
		slog.Debug("discord typing indicator failed", "channel_id", chatID, "error", err)
	}
}

// resolveDisplayName prefers server nickname over global name over username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
