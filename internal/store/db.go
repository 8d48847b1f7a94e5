package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection for the profile-owned mingle.db.
// It is the sole writer for conversation and message state; all writes go
// through the mutation methods, which are safe for concurrent use.
type DB struct {
	*sql.DB

	mu         sync.RWMutex
	localUser  string
	activeConv string
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// SetLocalUser records the authenticated user's id. Messages from this
// sender never bump unread counters.
func (db *DB) SetLocalUser(userID string) {
	db.mu.Lock()
	db.localUser = userID
	db.mu.Unlock()
}

// LocalUser returns the authenticated user's id, or "" when logged out.
func (db *DB) LocalUser() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.localUser
}

// SetActiveConversation marks the conversation currently open in the UI.
// Messages arriving for it do not bump its unread counter. Pass "" when
// no conversation is open.
func (db *DB) SetActiveConversation(conversationID string) {
	db.mu.Lock()
	db.activeConv = conversationID
	db.mu.Unlock()
}

// ActiveConversation returns the currently open conversation id, or "".
func (db *DB) ActiveConversation() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.activeConv
}

// Reset clears all conversation and message state and forgets the local
// user and active conversation. Used on logout.
func (db *DB) Reset() error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}

	db.mu.Lock()
	db.localUser = ""
	db.activeConv = ""
	db.mu.Unlock()
	return nil
}
