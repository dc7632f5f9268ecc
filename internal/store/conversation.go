package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, participant_name, participant_avatar, last_message_preview, last_activity_at, context_ref, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_name = excluded.participant_name,
			participant_avatar = excluded.participant_avatar,
			last_message_preview = excluded.last_message_preview,
			last_activity_at = MAX(last_activity_at, excluded.last_activity_at),
			context_ref = excluded.context_ref,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, c.ParticipantName, c.ParticipantAvatar, c.LastMessagePreview, c.LastActivityAt, c.ContextRef, c.UnreadCount, now)
	return err
}

// ListConversations returns conversations sorted by last activity descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participant_name, participant_avatar, last_message_preview, last_activity_at, context_ref, unread_count
		FROM conversations
		ORDER BY last_activity_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ParticipantName, &c.ParticipantAvatar, &c.LastMessagePreview, &c.LastActivityAt, &c.ContextRef, &c.UnreadCount); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by id, nil when absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, participant_name, participant_avatar, last_message_preview, last_activity_at, context_ref, unread_count
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.ParticipantName, &c.ParticipantAvatar, &c.LastMessagePreview, &c.LastActivityAt, &c.ContextRef, &c.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
