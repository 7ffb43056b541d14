package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/mkamau/fieldchat/internal/envelope"
	"go.uber.org/zap"
)

const (
	frameMessage = "message"
	frameAck     = "ack"
)

// frame is the JSON wire format exchanged with the messaging gateway.
type frame struct {
	Type      string             `json:"type"`
	MessageID string             `json:"message_id,omitempty"`
	ServerID  string             `json:"server_id,omitempty"`
	SenderID  string             `json:"sender_id,omitempty"`
	Envelope  *envelope.Envelope `json:"envelope,omitempty"`
}

// WS implements Transport over a websocket connection to the gateway.
// Outbound messages are acked by message id; inbound messages are acked
// back to the gateway, which redelivers anything left unacked, so a dropped
// inbound frame is never lost for good.
type WS struct {
	url    string
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	inbound chan InboundMessage
	acks    map[string]chan Ack

	writeMu sync.Mutex
}

// NewWS creates a websocket transport for the given gateway URL.
func NewWS(url string, logger *zap.Logger) *WS {
	return &WS{
		url:    url,
		logger: logger,
		acks:   make(map[string]chan Ack),
	}
}

// Connect dials the gateway and starts the read loop.
func (t *WS) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, t.url, nil)
	if err != nil {
		return &Error{Op: "connect", Err: err}
	}

	// The waiter map is created per connection and travels with its read
	// loop, so a stale connection's teardown can only ever sweep its own
	// waiters.
	acks := make(map[string]chan Ack)
	inbound := make(chan InboundMessage, 256)

	t.mu.Lock()
	t.conn = conn
	t.inbound = inbound
	t.acks = acks
	t.mu.Unlock()

	go t.readLoop(conn, inbound, acks)
	return nil
}

// Close tears the connection down. The read loop observes the closure and
// runs the usual teardown.
func (t *WS) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client closing")
}

// Inbound returns the inbound channel for the current connection.
func (t *WS) Inbound() <-chan InboundMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inbound
}

// Send transmits one envelope and waits for the gateway's ack.
func (t *WS) Send(ctx context.Context, env *envelope.Envelope) (*Ack, error) {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return nil, &Error{Op: "send", Err: ErrNotConnected}
	}
	ch := make(chan Ack, 1)
	acks := t.acks
	acks[env.MessageID] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(acks, env.MessageID)
		t.mu.Unlock()
	}()

	if err := t.writeFrame(ctx, conn, frame{Type: frameMessage, MessageID: env.MessageID, Envelope: env}); err != nil {
		return nil, &Error{Op: "send", Err: err}
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return nil, &Error{Op: "send", Err: ErrConnectionLost}
		}
		return &ack, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &AckTimeoutError{MessageID: env.MessageID}
		}
		return nil, &Error{Op: "send", Err: ctx.Err()}
	}
}

func (t *WS) writeFrame(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	// One writer at a time: the read loop acks inbound frames while Send
	// writes outbound ones.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *WS) readLoop(conn *websocket.Conn, inbound chan InboundMessage, acks map[string]chan Ack) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			t.teardown(conn, inbound, acks, err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.logger.Warn("malformed frame from gateway", zap.Error(err))
			continue
		}

		switch f.Type {
		case frameAck:
			t.mu.Lock()
			ch, ok := acks[f.MessageID]
			if ok {
				delete(acks, f.MessageID)
			}
			t.mu.Unlock()
			if ok {
				ch <- Ack{MessageID: f.MessageID, ServerID: f.ServerID, Timestamp: time.Now()}
			}
		case frameMessage:
			if f.Envelope == nil {
				continue
			}
			select {
			case inbound <- InboundMessage{SenderID: f.SenderID, Envelope: *f.Envelope}:
				// Receipt ack; the gateway stops redelivering this message.
				if err := t.writeFrame(context.Background(), conn, frame{Type: frameAck, MessageID: f.Envelope.MessageID}); err != nil {
					t.logger.Warn("failed to ack inbound message", zap.Error(err), zap.String("message_id", f.Envelope.MessageID))
				}
			default:
				// Buffer full: skip the ack so the gateway redelivers later.
				t.logger.Warn("inbound buffer full, leaving message unacked",
					zap.String("message_id", f.Envelope.MessageID))
			}
		default:
			t.logger.Warn("unknown frame type from gateway", zap.String("type", f.Type))
		}
	}
}

// teardown runs once per connection when its read loop exits. Senders
// waiting on this connection observe their ack channels closing; the manager
// observes the inbound channel closing. Only this connection's waiters are
// swept — a send already riding a newer connection is untouched.
func (t *WS) teardown(conn *websocket.Conn, inbound chan InboundMessage, acks map[string]chan Ack, cause error) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
		t.inbound = nil
	}
	for id, ch := range acks {
		close(ch)
		delete(acks, id)
	}
	t.mu.Unlock()

	close(inbound)
	t.logger.Info("connection closed", zap.Error(cause))
}
