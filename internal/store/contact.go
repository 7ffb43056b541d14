package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertContact inserts or updates a contact. Empty incoming fields never
// clobber known values.
func (db *DB) UpsertContact(c *Contact) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contacts (contact_id, chat_session_id, name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(contact_id) DO UPDATE SET
			chat_session_id = CASE WHEN excluded.chat_session_id != '' THEN excluded.chat_session_id ELSE contacts.chat_session_id END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			updated_at = excluded.updated_at`,
		c.ContactID, c.ChatSessionID, c.Name, now)
	return wrapStorage("upsert contact", err)
}

// GetContact returns a contact by id, or nil when unknown.
func (db *DB) GetContact(contactID string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`SELECT contact_id, chat_session_id, name FROM contacts WHERE contact_id = ?`, contactID).
		Scan(&c.ContactID, &c.ChatSessionID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage("get contact", err)
	}
	return &c, nil
}
