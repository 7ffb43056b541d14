package store

import "time"

// UpsertMessage inserts or updates a transcript row (idempotent on
// chat_session_id + message_id). Redelivered inbound messages and delivery
// state updates land on the same row, so the transcript never shows dupes.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_session_id, message_id, sender_role, body, media, context, transformation_log, state, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_session_id, message_id) DO UPDATE SET
			body = excluded.body,
			transformation_log = excluded.transformation_log,
			state = excluded.state`,
		m.ChatSessionID, m.MessageID, m.SenderRole, m.Body, m.Media, m.Context, m.TransformationLog, m.State, m.Timestamp, now)
	return wrapStorage("upsert message", err)
}

// SetMessageState updates only the delivery state of a transcript row.
// No-op when the row does not exist.
func (db *DB) SetMessageState(chatSessionID, messageID, state string) error {
	_, err := db.Exec(`UPDATE messages SET state = ? WHERE chat_session_id = ? AND message_id = ?`,
		state, chatSessionID, messageID)
	return wrapStorage("set message state", err)
}

// ListMessages returns transcript rows for a session using keyset pagination
// by timestamp, newest first.
func (db *DB) ListMessages(chatSessionID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, chat_session_id, message_id, sender_role, body, media, context, transformation_log, state, timestamp
		FROM messages
		WHERE chat_session_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, chatSessionID, beforeTs, limit)
	if err != nil {
		return nil, wrapStorage("list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatSessionID, &m.MessageID, &m.SenderRole, &m.Body, &m.Media, &m.Context, &m.TransformationLog, &m.State, &m.Timestamp); err != nil {
			return nil, wrapStorage("list messages", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("list messages", err)
	}
	return msgs, nil
}
