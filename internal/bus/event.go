package bus

import (
	"time"

	"github.com/mkamau/fieldchat/internal/envelope"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// DeliveryChange is the payload for "delivery.state_changed" events. It is
// the only channel through which the UI layer observes send progress; the
// Send call itself returns before any of these fire.
type DeliveryChange struct {
	EntryID       int64
	MessageID     string
	ChatSessionID string
	State         envelope.DeliveryState
	ServerID      string // remote-assigned id, set once acked
}

// OutboxAppend is the payload for "outbox.appended" events, which wake the
// flush loop when a message is queued while the transport is already up.
type OutboxAppend struct {
	EntryID   int64
	MessageID string
}
