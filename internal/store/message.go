package store

// UpsertMessage inserts or updates a server-confirmed message
// (idempotent on conversation_id + msg_id). A polled echo of an
// in-flight send carries the pending row's local_id before the ack has
// promoted it; the second conflict clause lets that row adopt the
// server identity instead of tripping the local-id index.
func (db *DB) UpsertMessage(m *Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, local_id, sender_id, sender_type, content, message_type, metadata, created_at, read_at, delivery, fail_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) WHERE msg_id != '' DO UPDATE SET
			content = excluded.content,
			read_at = excluded.read_at,
			delivery = excluded.delivery
		ON CONFLICT(conversation_id, local_id) WHERE local_id != '' DO UPDATE SET
			msg_id = excluded.msg_id,
			content = excluded.content,
			created_at = excluded.created_at,
			read_at = excluded.read_at,
			delivery = excluded.delivery,
			fail_reason = ''`,
		m.ConversationID, m.MsgID, m.LocalID, m.SenderID, m.SenderType, m.Content, m.MessageType, m.Metadata, m.CreatedAt, m.ReadAt, m.Delivery, m.FailReason)
	return err
}

// SavePending inserts or updates an optimistic message keyed by its
// local id.
func (db *DB) SavePending(m *Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, local_id, sender_id, sender_type, content, message_type, metadata, created_at, read_at, delivery, fail_reason)
		VALUES (?, '', ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(conversation_id, local_id) WHERE local_id != '' DO UPDATE SET
			delivery = excluded.delivery,
			fail_reason = excluded.fail_reason`,
		m.ConversationID, m.LocalID, m.SenderID, m.SenderType, m.Content, m.MessageType, m.Metadata, m.CreatedAt, m.Delivery, m.FailReason)
	return err
}

// ConfirmPending promotes an optimistic row to its server identity. The
// pending row is removed first so a poll-inserted copy of the same
// server message cannot collide with it.
func (db *DB) ConfirmPending(conversationID, localID string, m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND local_id = ? AND msg_id = ''`,
		conversationID, localID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (conversation_id, msg_id, local_id, sender_id, sender_type, content, message_type, metadata, created_at, read_at, delivery, fail_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'sent', '')
		ON CONFLICT(conversation_id, msg_id) WHERE msg_id != '' DO UPDATE SET
			local_id = excluded.local_id,
			content = excluded.content,
			read_at = excluded.read_at,
			delivery = 'sent'`,
		m.ConversationID, m.MsgID, localID, m.SenderID, m.SenderType, m.Content, m.MessageType, m.Metadata, m.CreatedAt, m.ReadAt); err != nil {
		return err
	}
	return tx.Commit()
}

// ListMessages returns messages for a conversation using keyset
// pagination by timestamp, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = int64(^uint64(0) >> 1)
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, local_id, sender_id, sender_type, content, message_type, metadata, created_at, read_at, delivery, fail_reason
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.LocalID, &m.SenderID, &m.SenderType, &m.Content, &m.MessageType, &m.Metadata, &m.CreatedAt, &m.ReadAt, &m.Delivery, &m.FailReason); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkMessagesRead stamps read_at on every unread message not authored
// by selfID. Returns the number of rows changed.
func (db *DB) MarkMessagesRead(conversationID, selfID string, at int64) (int64, error) {
	res, err := db.Exec(`
		UPDATE messages SET read_at = ?
		WHERE conversation_id = ? AND sender_id != ? AND read_at IS NULL`,
		at, conversationID, selfID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
