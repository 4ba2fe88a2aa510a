// Package bus defines the message shapes flowing between chat-platform
// adapters and the pipeline.
package bus

// Inbound is one message event delivered by a channel adapter.
type Inbound struct {
	Channel          string   `json:"channel"` // adapter name, e.g. "discord"
	ConversationKey  string   `json:"conversation_key"`
	ParentKey        string   `json:"parent_key,omitempty"` // server/guild grouping
	MessageID        string   `json:"message_id"`
	AuthorID         string   `json:"author_id"`
	AuthorName       string   `json:"author_name"`
	Content          string   `json:"content"`
	CreatedAt        int64    `json:"created_at"` // unix milliseconds
	MentionsBot      bool     `json:"mentions_bot"`
	MentionedUserIDs []string `json:"mentioned_user_ids,omitempty"`
	ReplyToID        string   `json:"reply_to_id,omitempty"`
	ReplyToBot       bool     `json:"reply_to_bot"`
}

// Outbound is one reply segment to deliver to a conversation.
type Outbound struct {
	Channel         string `json:"channel"`
	ConversationKey string `json:"conversation_key"`
	Content         string `json:"content"`
}

// InboundHandler receives adapter events. Implementations must not block the
// adapter's event loop.
type InboundHandler func(Inbound)
