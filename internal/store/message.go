package store

import (
	"database/sql"
	"fmt"
	"time"
)

// IngestMessage inserts one message, idempotent by id: if the id already
// exists the call is a no-op and inserted is false. On a fresh insert the
// conversation's last-message snapshot advances (when the message is at
// least as new as the current snapshot) and the unread counter bumps
// unless the sender is the local user or the conversation is the active
// one. Snapshot and counter move in the same transaction as the insert,
// so readers never observe a message without the reordered conversation.
func (db *DB) IngestMessage(m *Message) (inserted bool, err error) {
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin ingest: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err = db.ingestTx(tx, m)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit ingest: %w", err)
	}
	return inserted, nil
}

// IngestBatch ingests a history batch in one transaction, applying the
// same idempotency and snapshot rules as IngestMessage per message.
// Returns the number of newly inserted messages.
func (db *DB) IngestBatch(msgs []*Message) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	count := 0
	for _, m := range msgs {
		ins, err := db.ingestTx(tx, m)
		if err != nil {
			return 0, fmt.Errorf("ingest %s: %w", m.ID, err)
		}
		if ins {
			count++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return count, nil
}

func (db *DB) ingestTx(tx *sql.Tx, m *Message) (bool, error) {
	now := time.Now().UnixMilli()
	status := m.Status
	if status == "" {
		status = StatusSent
	}
	msgType := m.Type
	if msgType == "" {
		msgType = TypeText
	}

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO messages (id, conversation_id, sender_id, content, type, status, created_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, msgType, status, m.CreatedAt, now)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Already ingested; duplicate delivery absorbed here.
		return false, nil
	}

	incr := 0
	db.mu.RLock()
	if m.SenderID != db.localUser && m.ConversationID != db.activeConv {
		incr = 1
	}
	db.mu.RUnlock()

	// The snapshot only advances for messages at least as new as the
	// current one, so late out-of-order arrivals never demote the head.
	if _, err := tx.Exec(`
		INSERT INTO conversations (id, last_message_id, last_message_text, last_sender_id, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_id = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_id ELSE conversations.last_message_id END,
			last_message_text = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_text ELSE conversations.last_message_text END,
			last_sender_id = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_sender_id ELSE conversations.last_sender_id END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			unread_count = conversations.unread_count + ?,
			updated_at = excluded.updated_at`,
		m.ConversationID, m.ID, preview(m.Content, 100), m.SenderID, m.CreatedAt, incr, now, incr); err != nil {
		return false, fmt.Errorf("advance conversation: %w", err)
	}
	return true, nil
}

// UpdateMessageStatus changes a message's status in place. Tombstoned
// messages are immutable.
func (db *DB) UpdateMessageStatus(messageID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE id = ? AND status != ?`,
		status, messageID, StatusDeleted)
	return err
}

// MarkMessageDeleted tombstones a message: the content is cleared and the
// status pinned to deleted. The row stays so ordering references hold.
func (db *DB) MarkMessageDeleted(messageID string) error {
	_, err := db.Exec(`UPDATE messages SET status = ?, content = '' WHERE id = ?`,
		StatusDeleted, messageID)
	return err
}

// MarkMessagesRead applies a bulk read receipt: every message in the
// conversation not sent by readBy moves to read status.
func (db *DB) MarkMessagesRead(conversationID, readBy string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND sender_id != ? AND status NOT IN (?, ?)`,
		StatusRead, conversationID, readBy, StatusRead, StatusDeleted)
	return err
}

// Messages returns up to limit of the newest messages for a conversation,
// ordered ascending by (created_at, id). beforeTs > 0 restricts to
// messages strictly older, for keyset pagination backwards in time.
func (db *DB) Messages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, content, type, status, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Type, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The query walks newest-first for the keyset; callers read ascending.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetMessage returns a single message by id, or nil when absent.
func (db *DB) GetMessage(messageID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, sender_id, content, type, status, created_at
		FROM messages WHERE id = ?`, messageID).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Type, &m.Status, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func preview(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
