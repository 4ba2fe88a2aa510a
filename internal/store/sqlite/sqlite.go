// Package sqlite backs the durable stores with an embedded SQLite database.
// Default backend; zero external services.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

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
	created_at INTEGER NOT NULL,
	from_bot INTEGER NOT NULL DEFAULT 0,
	mentions_bot INTEGER NOT NULL DEFAULT 0,
	mentioned_user_ids TEXT NOT NULL DEFAULT '[]',
	reply_to_id TEXT NOT NULL DEFAULT '',
	reply_to_bot INTEGER NOT NULL DEFAULT 0,
	responded_to INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages (conversation_key, created_at DESC);

CREATE TABLE IF NOT EXISTS proactive_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	public_id TEXT NOT NULL DEFAULT '',
	conversation_key TEXT NOT NULL,
	persona_id TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	scheduled_at INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'scheduled',
	reason TEXT NOT NULL DEFAULT '',
	recur TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_proactive_due
	ON proactive_messages (status, scheduled_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_proactive_public_id
	ON proactive_messages (public_id) WHERE public_id != '';
`

// NewStores opens (creating if needed) the SQLite database at path and
// returns the full store container.
func NewStores(path string) (*store.Stores, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc sqlite serializes writes itself; one connection avoids
	// SQLITE_BUSY under concurrent goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return store.NewStores(
		NewMessageStore(db),
		NewProactiveStore(db),
		db.Close,
	), nil
}
