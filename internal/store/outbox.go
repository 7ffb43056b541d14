package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mkamau/fieldchat/internal/envelope"
)

// AppendOutbox persists a new pending entry and returns its id. Insertion
// order is the delivery order contract: entries are drained by ascending id
// and never reordered.
func (db *DB) AppendOutbox(env *envelope.Envelope, contactID string) (int64, error) {
	media, err := json.Marshal(env.Media)
	if err != nil {
		return 0, fmt.Errorf("encode media: %w", err)
	}
	context, err := json.Marshal(env.Context)
	if err != nil {
		return 0, fmt.Errorf("encode context: %w", err)
	}
	tlog, err := json.Marshal(env.TransformationLog)
	if err != nil {
		return 0, fmt.Errorf("encode transformation log: %w", err)
	}
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO outbox (message_id, chat_session_id, contact_id, sender_role, body, media, context, transformation_log, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.MessageID, env.ChatSessionID, contactID, string(env.SenderRole), env.Body,
		string(media), string(context), string(tlog), string(envelope.StatePending), env.CreatedAt.UnixMilli(), now)
	if err != nil {
		return 0, wrapStorage("append outbox", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapStorage("append outbox", err)
	}
	return id, nil
}

// PendingOutbox returns entries awaiting transmission, oldest first. Entries
// reverted by MarkOutboxFailed keep their original position in the queue.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, message_id, chat_session_id, contact_id, sender_role, body, media, context, transformation_log, state, attempts, last_error, created_at
		FROM outbox WHERE state = 'pending' ORDER BY id ASC`)
	if err != nil {
		return nil, wrapStorage("list pending", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, wrapStorage("list pending", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("list pending", err)
	}
	return entries, nil
}

// GetOutboxEntry returns one entry by id, or nil when it no longer exists.
func (db *DB) GetOutboxEntry(id int64) (*OutboxEntry, error) {
	row := db.QueryRow(`
		SELECT id, message_id, chat_session_id, contact_id, sender_role, body, media, context, transformation_log, state, attempts, last_error, created_at
		FROM outbox WHERE id = ?`, id)
	e, err := scanOutboxEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage("get outbox entry", err)
	}
	return e, nil
}

// MarkOutboxSent moves a pending entry to sent. No-op if the entry was
// already sent, acked, or removed.
func (db *DB) MarkOutboxSent(id int64) error {
	_, err := db.Exec(`UPDATE outbox SET state = 'sent', updated_at = ? WHERE id = ? AND state = 'pending'`,
		time.Now().UnixMilli(), id)
	return wrapStorage("mark sent", err)
}

// MarkOutboxAcked removes an acknowledged entry. Acked is terminal and not
// persisted further; calling this twice is a no-op, not an error.
func (db *DB) MarkOutboxAcked(id int64) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	return wrapStorage("mark acked", err)
}

// MarkOutboxFailed reverts a sent entry to pending so it is retried on the
// next flush, recording the failure. No-op on already-pending or removed
// entries.
func (db *DB) MarkOutboxFailed(id int64, errMsg string) error {
	_, err := db.Exec(`
		UPDATE outbox SET state = 'pending', attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND state = 'sent'`,
		errMsg, time.Now().UnixMilli(), id)
	return wrapStorage("mark failed", err)
}

// RemoveOutboxEntry deletes an entry, but only while it is still pending.
// Only user-initiated cancellation goes through here; delivery removes
// entries via MarkOutboxAcked. The state guard is part of the statement so a
// concurrent flush marking the entry sent can never lose it to a cancel: the
// flush loop owns sent entries until ack or revert. Returns false when the
// entry was missing or already in flight.
func (db *DB) RemoveOutboxEntry(id int64) (bool, error) {
	res, err := db.Exec(`DELETE FROM outbox WHERE id = ? AND state = 'pending'`, id)
	if err != nil {
		return false, wrapStorage("remove outbox entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapStorage("remove outbox entry", err)
	}
	return n > 0, nil
}

// RequeueSent reverts entries stuck in sent back to pending. Called once at
// startup: an entry left in sent means the process died between transmit and
// ack, and at-least-once delivery demands a resend.
func (db *DB) RequeueSent() (int64, error) {
	res, err := db.Exec(`UPDATE outbox SET state = 'pending', updated_at = ? WHERE state = 'sent'`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, wrapStorage("requeue sent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStorage("requeue sent", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxEntry(row rowScanner) (*OutboxEntry, error) {
	var (
		e         OutboxEntry
		role      string
		media     string
		context   string
		tlog      string
		state     string
		createdAt int64
	)
	if err := row.Scan(&e.ID, &e.Envelope.MessageID, &e.Envelope.ChatSessionID, &e.ContactID,
		&role, &e.Envelope.Body, &media, &context, &tlog, &state, &e.Attempts, &e.LastError, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(media), &e.Envelope.Media); err != nil {
		return nil, fmt.Errorf("decode media: %w", err)
	}
	if err := json.Unmarshal([]byte(context), &e.Envelope.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	if err := json.Unmarshal([]byte(tlog), &e.Envelope.TransformationLog); err != nil {
		return nil, fmt.Errorf("decode transformation log: %w", err)
	}
	e.Envelope.SenderRole = envelope.Role(role)
	e.Envelope.DeliveryState = envelope.DeliveryState(state)
	e.Envelope.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &e, nil
}
