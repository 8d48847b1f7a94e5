package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SetConversations replaces the conversation set wholesale. Used after a
// full history fetch; message rows are left untouched.
func (db *DB) SetConversations(list []*Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin set conversations: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, c := range list {
		participants, err := json.Marshal(c.Participants)
		if err != nil {
			return fmt.Errorf("encode participants: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, participants, last_message_id, last_message_text, last_sender_id, last_message_at, unread_count, archived, muted, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, string(participants), c.LastMessageID, c.LastMessageText, c.LastSenderID, c.LastMessageAt, c.UnreadCount, c.Archived, c.Muted, now); err != nil {
			return fmt.Errorf("insert conversation %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// UpsertConversation inserts or replaces a conversation by id.
func (db *DB) UpsertConversation(c *Conversation) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, participants, last_message_id, last_message_text, last_sender_id, last_message_at, unread_count, archived, muted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants,
			last_message_id = excluded.last_message_id,
			last_message_text = excluded.last_message_text,
			last_sender_id = excluded.last_sender_id,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			archived = excluded.archived,
			muted = excluded.muted,
			updated_at = excluded.updated_at`,
		c.ID, string(participants), c.LastMessageID, c.LastMessageText, c.LastSenderID, c.LastMessageAt, c.UnreadCount, c.Archived, c.Muted, now)
	return err
}

// MarkConversationRead zeroes the unread counter. Message statuses are
// untouched; bulk read receipts arrive separately via MarkMessagesRead.
func (db *DB) MarkConversationRead(conversationID string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0 WHERE id = ?`, conversationID)
	return err
}

// ListConversations returns conversations most-recently-active first.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participants, last_message_id, last_message_text, last_sender_id, last_message_at, unread_count, archived, muted
		FROM conversations
		ORDER BY last_message_at DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by id, or nil when absent.
func (db *DB) GetConversation(conversationID string) (*Conversation, error) {
	row := db.QueryRow(`
		SELECT id, participants, last_message_id, last_message_text, last_sender_id, last_message_at, unread_count, archived, muted
		FROM conversations WHERE id = ?`, conversationID)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UnreadCount returns the unread counter for one conversation.
func (db *DB) UnreadCount(conversationID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT unread_count FROM conversations WHERE id = ?`, conversationID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// TotalUnread returns the badge aggregate: the sum of unread counters over
// conversations that are neither archived nor muted. Muted conversations
// keep counting internally but never contribute here.
func (db *DB) TotalUnread() (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COALESCE(SUM(unread_count), 0)
		FROM conversations WHERE archived = 0 AND muted = 0`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var participants string
	if err := row.Scan(&c.ID, &participants, &c.LastMessageID, &c.LastMessageText, &c.LastSenderID, &c.LastMessageAt, &c.UnreadCount, &c.Archived, &c.Muted); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	return &c, nil
}
