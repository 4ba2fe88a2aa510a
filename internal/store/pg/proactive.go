package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/emberflow/ember/internal/proactive"
)

// ProactiveStore implements proactive.RowStore on Postgres.
type ProactiveStore struct {
	db *sql.DB
}

func NewProactiveStore(db *sql.DB) *ProactiveStore {
	return &ProactiveStore{db: db}
}

func (s *ProactiveStore) Insert(ctx context.Context, m proactive.Message) (int64, error) {
	meta, _ := json.Marshal(m.Metadata)
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO proactive_messages
		 (public_id, conversation_key, persona_id, content, scheduled_at, status, reason, recur, metadata)
		 VALUES ('', $1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		m.ConversationKey, m.PersonaID, m.Content, m.ScheduledAt, string(m.Status), m.Reason, m.Recur, meta).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert proactive row: %w", err)
	}
	return id, nil
}

func (s *ProactiveStore) SetPublicID(ctx context.Context, rowID int64, publicID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE proactive_messages SET public_id = $1 WHERE id = $2`, publicID, rowID)
	if err != nil {
		return fmt.Errorf("set public id %s: %w", publicID, err)
	}
	return nil
}

const proactiveColumns = `public_id, conversation_key, persona_id, content, scheduled_at, status, reason, recur, metadata`

func scanProactive(scan func(dest ...any) error) (proactive.Message, error) {
	var m proactive.Message
	var status string
	var meta []byte
	err := scan(&m.PublicID, &m.ConversationKey, &m.PersonaID, &m.Content,
		&m.ScheduledAt, &status, &m.Reason, &m.Recur, &meta)
	if err != nil {
		return m, err
	}
	m.Status = proactive.Status(status)
	json.Unmarshal(meta, &m.Metadata)
	return m, nil
}

func (s *ProactiveStore) Get(ctx context.Context, publicID string) (*proactive.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proactiveColumns+` FROM proactive_messages WHERE public_id = $1`, publicID)
	m, err := scanProactive(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get proactive %s: %w", publicID, err)
	}
	return &m, nil
}

func (s *ProactiveStore) CountPending(ctx context.Context, conversationKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proactive_messages WHERE conversation_key = $1 AND status = 'scheduled'`,
		conversationKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending for %s: %w", conversationKey, err)
	}
	return n, nil
}

func (s *ProactiveStore) ListDue(ctx context.Context, now int64) ([]proactive.Message, error) {
	return s.list(ctx,
		`SELECT `+proactiveColumns+` FROM proactive_messages
		 WHERE status = 'scheduled' AND scheduled_at <= $1
		 ORDER BY scheduled_at`, now)
}

func (s *ProactiveStore) ListPending(ctx context.Context, conversationKey string) ([]proactive.Message, error) {
	return s.list(ctx,
		`SELECT `+proactiveColumns+` FROM proactive_messages
		 WHERE status = 'scheduled' AND conversation_key = $1
		 ORDER BY scheduled_at`, conversationKey)
}

func (s *ProactiveStore) list(ctx context.Context, query string, arg any) ([]proactive.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list proactive rows: %w", err)
	}
	defer rows.Close()

	var out []proactive.Message
	for rows.Next() {
		m, err := scanProactive(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan proactive row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *ProactiveStore) UpdateStatus(ctx context.Context, publicID string, status proactive.Status) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE proactive_messages SET status = $1 WHERE public_id = $2`, string(status), publicID)
	if err != nil {
		return fmt.Errorf("update status %s: %w", publicID, err)
	}
	return nil
}

func (s *ProactiveStore) Update(ctx context.Context, m proactive.Message) error {
	meta, _ := json.Marshal(m.Metadata)
	_, err := s.db.ExecContext(ctx,
		`UPDATE proactive_messages
		 SET content = $1, scheduled_at = $2, reason = $3, recur = $4, metadata = $5
		 WHERE public_id = $6`,
		m.Content, m.ScheduledAt, m.Reason, m.Recur, meta, m.PublicID)
	if err != nil {
		return fmt.Errorf("update proactive %s: %w", m.PublicID, err)
	}
	return nil
}
