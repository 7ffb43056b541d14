// Package transport defines the boundary to the business-messaging gateway:
// a bidirectional message-oriented connection with per-message acks, plus
// the websocket implementation used in production.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mkamau/fieldchat/internal/envelope"
)

// Ack is the remote acknowledgment for a transmitted envelope.
type Ack struct {
	MessageID string
	ServerID  string
	Timestamp time.Time
}

// InboundMessage is a message pushed by the gateway, carrying the sending
// contact's identifier alongside the envelope.
type InboundMessage struct {
	SenderID string
	Envelope envelope.Envelope
}

// Transport is the connection the manager drives. Implementations must
// deliver inbound messages in arrival order and close the Inbound channel
// when the connection drops; the remote endpoint deduplicates resent
// envelopes by message id.
type Transport interface {
	// Connect establishes the connection. Safe to call again after a drop.
	Connect(ctx context.Context) error

	// Close tears the connection down.
	Close() error

	// Send transmits one envelope and blocks until the remote acks it or
	// ctx is done. A deadline exceeded surfaces as AckTimeoutError.
	Send(ctx context.Context, env *envelope.Envelope) (*Ack, error)

	// Inbound returns the channel of pushed messages for the current
	// connection. Valid after Connect; closed when the connection drops.
	Inbound() <-chan InboundMessage
}

var (
	// ErrNotConnected is returned by Send before Connect or after a drop.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrConnectionLost is returned when the connection dropped while a
	// send was awaiting its ack.
	ErrConnectionLost = errors.New("transport: connection lost")
)

// Error wraps a connect or send failure. The outbox entry involved stays
// queued; the connection manager retries after reconnecting.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AckTimeoutError reports that the remote did not acknowledge a message in
// time. Treated exactly like a send failure: revert, reconnect, retry.
type AckTimeoutError struct {
	MessageID string
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("transport: no ack for message %s before deadline", e.MessageID)
}
