package convo

// Message is one chat message in a conversation. Immutable once created,
// except for the RespondedTo flag.
type Message struct {
	ID               string   `json:"id"`
	ConversationKey  string   `json:"conversation_key"`
	ParentKey        string   `json:"parent_key,omitempty"` // server/guild the conversation belongs to
	AuthorID         string   `json:"author_id"`
	AuthorName       string   `json:"author_name"`
	Content          string   `json:"content"`
	CreatedAt        int64    `json:"created_at"` // unix milliseconds
	FromBot          bool     `json:"from_bot"`
	MentionsBot      bool     `json:"mentions_bot"`
	MentionedUserIDs []string `json:"mentioned_user_ids,omitempty"`
	ReplyToID        string   `json:"reply_to_id,omitempty"`
	ReplyToBot       bool     `json:"reply_to_bot"`
	RespondedTo      bool     `json:"responded_to"`
}

// Context is the bounded rolling view of one conversation.
// Messages are ordered oldest to newest.
type Context struct {
	ConversationKey string    `json:"conversation_key"`
	ParentKey       string    `json:"parent_key,omitempty"`
	Messages        []Message `json:"messages"`
	UpdatedAt       int64     `json:"updated_at"` // unix milliseconds
}

// Last returns the newest message, or nil for an empty context.
func (c *Context) Last() *Message {
	if c == nil || len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// Find returns the message with the given ID, or nil.
func (c *Context) Find(id string) *Message {
	if c == nil {
		return nil
	}
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return &c.Messages[i]
		}
	}
	return nil
}
