package store

// SearchMessages performs a full-text search on message content.
func (db *DB) SearchMessages(query string, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.conversation_id, m.msg_id, m.local_id, m.sender_id, m.sender_type,
		       m.content, m.message_type, m.metadata, m.created_at, m.read_at, m.delivery, m.fail_reason,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if conversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ConversationID, &r.Message.MsgID, &r.Message.LocalID,
			&r.Message.SenderID, &r.Message.SenderType, &r.Message.Content,
			&r.Message.MessageType, &r.Message.Metadata, &r.Message.CreatedAt,
			&r.Message.ReadAt, &r.Message.Delivery, &r.Message.FailReason, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
