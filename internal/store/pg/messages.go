package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/emberflow/ember/internal/convo"
)

// MessageStore implements convo.MessageLog on Postgres.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) GetRecentMessages(ctx context.Context, key string, limit int, minTimestamp int64) ([]convo.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_key, parent_key, author_id, author_name, content,
		        created_at, from_bot, mentions_bot, mentioned_user_ids,
		        reply_to_id, reply_to_bot, responded_to
		 FROM messages
		 WHERE conversation_key = $1 AND created_at >= $2
		 ORDER BY created_at DESC
		 LIMIT $3`, key, minTimestamp, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages for %s: %w", key, err)
	}
	defer rows.Close()

	var out []convo.Message
	for rows.Next() {
		var m convo.Message
		var mentioned []byte
		if err := rows.Scan(&m.ID, &m.ConversationKey, &m.ParentKey, &m.AuthorID, &m.AuthorName,
			&m.Content, &m.CreatedAt, &m.FromBot, &m.MentionsBot, &mentioned,
			&m.ReplyToID, &m.ReplyToBot, &m.RespondedTo); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		json.Unmarshal(mentioned, &m.MentionedUserIDs)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MessageStore) PersistMessages(ctx context.Context, key, parentKey string, msgs []convo.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		mentioned, _ := json.Marshal(m.MentionedUserIDs)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages
			 (id, conversation_key, parent_key, author_id, author_name, content,
			  created_at, from_bot, mentions_bot, mentioned_user_ids,
			  reply_to_id, reply_to_bot, responded_to)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (id) DO NOTHING`,
			m.ID, key, parentKey, m.AuthorID, m.AuthorName, m.Content,
			m.CreatedAt, m.FromBot, m.MentionsBot, mentioned,
			m.ReplyToID, m.ReplyToBot, m.RespondedTo); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *MessageStore) MarkResponded(ctx context.Context, key, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET responded_to = TRUE WHERE conversation_key = $1 AND id = $2`,
		key, messageID)
	if err != nil {
		return fmt.Errorf("mark responded %s: %w", messageID, err)
	}
	return nil
}
