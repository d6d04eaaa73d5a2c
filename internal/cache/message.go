package cache

import (
	"fmt"
	"time"

	"github.com/rbarroso/converse/internal/model"
)

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + msg_id).
func (db *DB) UpsertMessage(m *model.Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, author_is_self, delivery_state, created_at, edited_at, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			delivery_state = excluded.delivery_state,
			edited_at = excluded.edited_at`,
		m.ConversationID, m.ID, m.SenderID, m.SenderName, m.Body,
		m.AuthorIsSelf, string(m.DeliveryState), m.CreatedAt, m.EditedAt, now)
	return err
}

// DeleteMessage removes one message. Missing rows are not an error.
func (db *DB) DeleteMessage(conversationID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, msgID)
	return err
}

// ReplaceMessage atomically swaps a provisional message for its
// authoritative replacement.
func (db *DB) ReplaceMessage(conversationID, oldID string, m *model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, oldID); err != nil {
		return fmt.Errorf("delete provisional: %w", err)
	}
	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, author_is_self, delivery_state, created_at, edited_at, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			body = excluded.body,
			delivery_state = excluded.delivery_state,
			created_at = excluded.created_at`,
		m.ConversationID, m.ID, m.SenderID, m.SenderName, m.Body,
		m.AuthorIsSelf, string(m.DeliveryState), m.CreatedAt, m.EditedAt, now); err != nil {
		return fmt.Errorf("insert authoritative: %w", err)
	}
	return tx.Commit()
}

// RecentMessages returns up to limit of a conversation's newest messages
// in ascending created_at order.
func (db *DB) RecentMessages(conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, sender_id, sender_name, body, author_is_self, delivery_state, created_at, edited_at
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
		ORDER BY created_at ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var state string
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.SenderName,
			&m.Body, &m.AuthorIsSelf, &state, &m.CreatedAt, &m.EditedAt); err != nil {
			return nil, err
		}
		m.DeliveryState = model.DeliveryState(state)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
