package cache

import (
	"encoding/json"
	"time"

	"github.com/rbarroso/converse/internal/model"
)

// UpsertConversation inserts or updates a conversation (idempotent on id).
func (db *DB) UpsertConversation(c *model.Conversation) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, display_name, kind, participants, last_message_preview, last_activity_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			kind = excluded.kind,
			participants = excluded.participants,
			last_message_preview = excluded.last_message_preview,
			last_activity_at = excluded.last_activity_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, c.DisplayName, string(c.Kind), string(participants),
		c.LastMessagePreview, c.LastActivityAt, c.UnreadCount, now)
	return err
}

// ListConversations returns cached conversations sorted by last activity
// descending.
func (db *DB) ListConversations(limit int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, display_name, kind, participants, last_message_preview, last_activity_at, unread_count
		FROM conversations
		ORDER BY last_activity_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		var c model.Conversation
		var kind, participants string
		if err := rows.Scan(&c.ID, &c.DisplayName, &kind, &participants,
			&c.LastMessagePreview, &c.LastActivityAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.Kind = model.ConversationKind(kind)
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			c.Participants = nil
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
