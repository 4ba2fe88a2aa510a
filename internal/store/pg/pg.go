// Package pg backs the durable stores with Postgres via the pgx stdlib
// driver. Chosen for multi-instance deployments; sqlite stays the default.
package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/emberflow/ember/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_key TEXT NOT NULL,
	parent_key TEXT NOT NULL DEFAULT '',
	author_id TEXT NOT NULL DEFAULT '',
	author_name TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	from_bot BOOLEAN NOT NULL DEFAULT FALSE,
	mentions_bot BOOLEAN NOT NULL DEFAULT FALSE,
	mentioned_user_ids JSONB NOT NULL DEFAULT '[]',
	reply_to_id TEXT NOT NULL DEFAULT '',
	reply_to_bot BOOLEAN NOT NULL DEFAULT FALSE,
	responded_to BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages (conversation_key, created_at DESC);

CREATE TABLE IF NOT EXISTS proactive_messages (
	id BIGSERIAL PRIMARY KEY,
	public_id TEXT NOT NULL DEFAULT '',
	conversation_key TEXT NOT NULL,
	persona_id TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	scheduled_at BIGINT NOT NULL,
	status TEXT NOT NULL DEFAULT 'scheduled',
	reason TEXT NOT NULL DEFAULT '',
	recur TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_proactive_due
	ON proactive_messages (status, scheduled_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_proactive_public_id
	ON proactive_messages (public_id) WHERE public_id != '';
`

// OpenDB opens and pings a Postgres connection pool.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewStores connects to Postgres, applies the schema, and returns the full
// store container.
func NewStores(dsn string) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return store.NewStores(
		NewMessageStore(db),
		NewProactiveStore(db),
		db.Close,
	), nil
}
