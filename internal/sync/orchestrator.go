// Package sync is the coordination layer between the UI boundary, the
// durable outbox, the window tracker, and the connection manager. The UI
// talks only to the Orchestrator: Send queues durably and returns at once,
// delivery progress arrives as bus events.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mkamau/fieldchat/internal/bus"
	"github.com/mkamau/fieldchat/internal/envelope"
	"github.com/mkamau/fieldchat/internal/store"
	"github.com/mkamau/fieldchat/internal/transport"
	"github.com/mkamau/fieldchat/internal/window"
	"go.uber.org/zap"
)

var (
	// ErrEntryNotFound is returned by Cancel for an unknown entry id.
	ErrEntryNotFound = errors.New("sync: outbox entry not found")

	// ErrEntryInFlight is returned by Cancel when the entry has already
	// been handed to the transport.
	ErrEntryInFlight = errors.New("sync: entry already in flight")
)

// Receipt is the immediate outcome of Send: the message is durably queued.
// It says nothing about delivery; subscribe to "delivery." events for that.
type Receipt struct {
	EntryID   int64
	MessageID string
	QueuedAt  time.Time
}

// Orchestrator mediates between callers and the sync machinery.
type Orchestrator struct {
	db      *store.DB
	tracker *window.Tracker
	bus     *bus.Bus
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an orchestrator. Start must be called before inbound messages
// are ingested; Send and the query methods work without it.
func New(db *store.DB, tracker *window.Tracker, b *bus.Bus, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{db: db, tracker: tracker, bus: b, logger: logger}
}

// Send validates, window-checks, and durably queues one outbound message.
// It returns once the entry is persisted; actual transmission happens on the
// connection manager's flush loop. A contact outside the messaging window is
// rejected with *window.OutsideWindowError before anything is written.
func (o *Orchestrator) Send(ctx context.Context, chatSessionID, contactID, body string, media []envelope.Attachment) (*Receipt, error) {
	if contactID == "" {
		return nil, fmt.Errorf("sync: contact id required")
	}
	env, err := envelope.New(chatSessionID, envelope.RoleOfficer, body, media)
	if err != nil {
		return nil, err
	}
	if err := o.tracker.Check(contactID, time.Now()); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entryID, err := o.db.AppendOutbox(env, contactID)
	if err != nil {
		return nil, err
	}
	if err := o.upsertTranscript(env, string(envelope.StatePending)); err != nil {
		o.logger.Error("failed to record outbound message in transcript",
			zap.String("message_id", env.MessageID),
			zap.Error(err))
	}

	now := time.Now()
	o.bus.Publish(bus.Event{
		Kind:      "outbox.appended",
		Timestamp: now,
		Payload:   bus.OutboxAppend{EntryID: entryID, MessageID: env.MessageID},
	})
	o.bus.Publish(bus.Event{
		Kind:      "delivery.state_changed",
		Timestamp: now,
		Payload: bus.DeliveryChange{
			EntryID:       entryID,
			MessageID:     env.MessageID,
			ChatSessionID: chatSessionID,
			State:         envelope.StatePending,
		},
	})
	o.logger.Info("message queued",
		zap.Int64("entry_id", entryID),
		zap.String("message_id", env.MessageID),
		zap.String("chat_session_id", chatSessionID))

	return &Receipt{EntryID: entryID, MessageID: env.MessageID, QueuedAt: now}, nil
}

// Cancel removes a still-pending entry from the outbox. Entries already
// handed to the transport cannot be cancelled. The pending check and the
// delete are one statement in the store, so a flush loop racing this call
// either fully owns the entry (cancel refused) or never sees it again.
func (o *Orchestrator) Cancel(entryID int64) error {
	e, err := o.db.GetOutboxEntry(entryID)
	if err != nil {
		return err
	}
	if e == nil {
		return ErrEntryNotFound
	}
	removed, err := o.db.RemoveOutboxEntry(entryID)
	if err != nil {
		return err
	}
	if !removed {
		// Marked sent between the read above and the delete.
		return ErrEntryInFlight
	}
	if err := o.db.SetMessageState(e.Envelope.ChatSessionID, e.Envelope.MessageID, string(envelope.StateFailed)); err != nil {
		o.logger.Error("failed to update transcript state", zap.Error(err))
	}
	o.bus.Publish(bus.Event{
		Kind:      "outbox.cancelled",
		Timestamp: time.Now(),
		Payload:   bus.OutboxAppend{EntryID: entryID, MessageID: e.Envelope.MessageID},
	})
	o.logger.Info("entry cancelled", zap.Int64("entry_id", entryID))
	return nil
}

// Pending returns the queued entries in delivery order.
func (o *Orchestrator) Pending() ([]store.OutboxEntry, error) {
	return o.db.PendingOutbox()
}

// Transcript returns transcript rows for a session, newest first, paginated
// by timestamp.
func (o *Orchestrator) Transcript(chatSessionID string, beforeTs int64, limit int) ([]store.Message, error) {
	return o.db.ListMessages(chatSessionID, beforeTs, limit)
}

// CanFreeText reports whether the contact's messaging window is open.
func (o *Orchestrator) CanFreeText(contactID string) (bool, error) {
	return o.tracker.IsWithinWindow(contactID, time.Now())
}

// Subscribe exposes the event bus to the UI boundary. Kinds: "conn.",
// "delivery.", "message.", "outbox.".
func (o *Orchestrator) Subscribe(prefix string, bufSize int) (<-chan bus.Event, func()) {
	return o.bus.Subscribe(prefix, bufSize)
}

// Start launches the inbound ingestion loop: messages the connection manager
// publishes land in the transcript and are republished as "message.received".
func (o *Orchestrator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	events, unsubscribe := o.bus.Subscribe("transport.inbound", 64)
	go o.ingest(ctx, events, unsubscribe)
}

// Stop shuts the ingestion loop down.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
}

func (o *Orchestrator) ingest(ctx context.Context, events <-chan bus.Event, unsubscribe func()) {
	defer close(o.done)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			in, ok := evt.Payload.(transport.InboundMessage)
			if !ok {
				continue
			}
			o.handleInbound(in)
		}
	}
}

func (o *Orchestrator) handleInbound(in transport.InboundMessage) {
	if err := o.db.UpsertContact(&store.Contact{
		ContactID:     in.SenderID,
		ChatSessionID: in.Envelope.ChatSessionID,
	}); err != nil {
		o.logger.Error("failed to upsert contact",
			zap.String("contact_id", in.SenderID),
			zap.Error(err))
	}
	// Redeliveries upsert onto the same transcript row, so the UI never
	// sees a duplicate.
	if err := o.upsertTranscript(&in.Envelope, string(envelope.StateAcked)); err != nil {
		o.logger.Error("failed to record inbound message",
			zap.String("message_id", in.Envelope.MessageID),
			zap.Error(err))
		return
	}
	o.bus.Publish(bus.Event{
		Kind:      "message.received",
		Timestamp: time.Now(),
		Payload:   in,
	})
	o.logger.Debug("inbound message ingested",
		zap.String("message_id", in.Envelope.MessageID),
		zap.String("chat_session_id", in.Envelope.ChatSessionID))
}

func (o *Orchestrator) upsertTranscript(env *envelope.Envelope, state string) error {
	media, err := json.Marshal(env.Media)
	if err != nil {
		return fmt.Errorf("encode media: %w", err)
	}
	context, err := json.Marshal(env.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	tlog, err := json.Marshal(env.TransformationLog)
	if err != nil {
		return fmt.Errorf("encode transformation log: %w", err)
	}
	return o.db.UpsertMessage(&store.Message{
		ChatSessionID:     env.ChatSessionID,
		MessageID:         env.MessageID,
		SenderRole:        string(env.SenderRole),
		Body:              env.Body,
		Media:             string(media),
		Context:           string(context),
		TransformationLog: string(tlog),
		State:             state,
		Timestamp:         env.CreatedAt.UnixMilli(),
	})
}
