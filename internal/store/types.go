package store

import "github.com/mkamau/fieldchat/internal/envelope"

// OutboxEntry is a durably queued outbound message awaiting acknowledgment.
// Entries exist only while undelivered: acknowledgment removes them.
type OutboxEntry struct {
	ID        int64
	ContactID string
	Attempts  int
	LastError string
	Envelope  envelope.Envelope
}

// WindowRecord holds per-contact interaction timestamps (unix millis;
// zero means the contact has never interacted in that direction).
type WindowRecord struct {
	ContactID      string
	ChatSessionID  string
	LastInboundAt  int64
	LastOutboundAt int64
}

// Message is one transcript row, inbound or outbound. The transcript is
// keyed by (chat_session_id, message_id) so replayed deliveries upsert
// instead of duplicating.
type Message struct {
	ID                int64
	ChatSessionID     string
	MessageID         string
	SenderRole        string
	Body              string
	Media             string // JSON-encoded []envelope.Attachment
	Context           string // JSON-encoded []string
	TransformationLog string // JSON-encoded []string, oldest body first
	State             string
	Timestamp         int64
}

// Contact represents a farmer the officer is in touch with.
type Contact struct {
	ContactID     string
	ChatSessionID string
	Name          string
}
