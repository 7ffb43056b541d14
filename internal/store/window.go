package store

import (
	"database/sql"
	"errors"
	"time"
)

// RaiseInbound lifts last_inbound_at for a contact to ts, never lowering it.
// Creates the record on first contact.
func (db *DB) RaiseInbound(contactID, chatSessionID string, ts int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO window_records (contact_id, chat_session_id, last_inbound_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(contact_id) DO UPDATE SET
			last_inbound_at = MAX(COALESCE(window_records.last_inbound_at, 0), excluded.last_inbound_at),
			chat_session_id = excluded.chat_session_id,
			updated_at = excluded.updated_at`,
		contactID, chatSessionID, ts, now)
	return wrapStorage("raise inbound", err)
}

// RaiseOutbound lifts last_outbound_at for a contact to ts, never lowering it.
func (db *DB) RaiseOutbound(contactID, chatSessionID string, ts int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO window_records (contact_id, chat_session_id, last_outbound_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(contact_id) DO UPDATE SET
			last_outbound_at = MAX(COALESCE(window_records.last_outbound_at, 0), excluded.last_outbound_at),
			chat_session_id = excluded.chat_session_id,
			updated_at = excluded.updated_at`,
		contactID, chatSessionID, ts, now)
	return wrapStorage("raise outbound", err)
}

// GetWindowRecord returns the interaction record for a contact, or nil when
// the contact has never interacted.
func (db *DB) GetWindowRecord(contactID string) (*WindowRecord, error) {
	var (
		r        WindowRecord
		inbound  sql.NullInt64
		outbound sql.NullInt64
	)
	err := db.QueryRow(`
		SELECT contact_id, chat_session_id, last_inbound_at, last_outbound_at
		FROM window_records WHERE contact_id = ?`, contactID).
		Scan(&r.ContactID, &r.ChatSessionID, &inbound, &outbound)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage("get window record", err)
	}
	r.LastInboundAt = inbound.Int64
	r.LastOutboundAt = outbound.Int64
	return &r, nil
}
