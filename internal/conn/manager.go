// Package conn owns the transport connection lifecycle: dialing with
// exponential backoff, draining the outbox while connected, and routing
// inbound messages onto the bus.
package conn

import (
	"context"
	"time"

	"github.com/mkamau/fieldchat/internal/bus"
	"github.com/mkamau/fieldchat/internal/envelope"
	"github.com/mkamau/fieldchat/internal/status"
	"github.com/mkamau/fieldchat/internal/store"
	"github.com/mkamau/fieldchat/internal/transport"
	"github.com/mkamau/fieldchat/internal/window"
	"go.uber.org/zap"
)

// Config carries the manager's timing knobs, resolved from the config file.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AckTimeout     time.Duration
}

// Manager drives the connection state machine and the outbox flush loop.
// There is exactly one manager per daemon; all sends funnel through its
// single flush goroutine, which is what keeps delivery strictly FIFO.
type Manager struct {
	transport transport.Transport
	db        *store.DB
	tracker   *window.Tracker
	machine   *status.Machine
	bus       *bus.Bus
	cfg       Config
	logger    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager wires a manager. Start must be called to begin connecting.
func NewManager(t transport.Transport, db *store.DB, tracker *window.Tracker,
	machine *status.Machine, b *bus.Bus, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		transport: t,
		db:        db,
		tracker:   tracker,
		machine:   machine,
		bus:       b,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start launches the run loop. The manager connects, reconnects, and flushes
// until Stop is called.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop shuts the run loop down and waits for it to exit. In-flight sends are
// interrupted; their entries revert to pending and go out on the next start.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	_ = m.transport.Close()
	<-m.done
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	backoff := NewBackoff(m.cfg.InitialBackoff, m.cfg.MaxBackoff)
	for ctx.Err() == nil {
		if err := m.machine.Transition(status.Connecting); err != nil {
			m.logger.Error("status transition rejected", zap.Error(err))
		}
		if err := m.transport.Connect(ctx); err != nil {
			m.transitionDown()
			delay := backoff.Next()
			m.logger.Warn("connect failed",
				zap.Error(err),
				zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		backoff.Reset()
		if err := m.machine.Transition(status.Connected); err != nil {
			m.logger.Error("status transition rejected", zap.Error(err))
		}
		m.logger.Info("connected")

		m.session(ctx)
		m.transitionDown()
		if ctx.Err() != nil {
			return
		}

		delay := backoff.Next()
		m.logger.Info("reconnecting", zap.Duration("in", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) transitionDown() {
	if m.machine.Current() == status.Disconnected {
		return
	}
	if err := m.machine.Transition(status.Disconnected); err != nil {
		m.logger.Error("status transition rejected", zap.Error(err))
	}
}

// session runs one connected period: an initial flush clears whatever queued
// up while offline, then the loop reacts to inbound messages and to outbox
// appends until the connection drops or the manager stops.
func (m *Manager) session(ctx context.Context) {
	kicks, unsubscribe := m.bus.Subscribe("outbox.appended", 16)
	defer unsubscribe()

	inbound := m.transport.Inbound()
	if inbound == nil {
		// Connection dropped before we got here.
		return
	}

	if err := m.flush(ctx); err != nil {
		_ = m.transport.Close()
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = m.transport.Close()
			return
		case in, ok := <-inbound:
			if !ok {
				m.logger.Warn("connection dropped")
				return
			}
			m.handleInbound(in)
		case <-kicks:
			if err := m.flush(ctx); err != nil {
				_ = m.transport.Close()
				return
			}
		}
	}
}

// flush drains pending entries strictly in insertion order. The first
// transmit failure aborts the flush; everything behind the failed entry
// stays queued in place so ordering holds across the retry.
func (m *Manager) flush(ctx context.Context) error {
	for {
		entries, err := m.db.PendingOutbox()
		if err != nil {
			m.logger.Error("failed to list pending outbox", zap.Error(err))
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for i := range entries {
			if err := m.deliver(ctx, &entries[i]); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) deliver(ctx context.Context, e *store.OutboxEntry) error {
	if err := m.db.MarkOutboxSent(e.ID); err != nil {
		return err
	}
	// Re-read to catch a cancellation that raced the flush.
	cur, err := m.db.GetOutboxEntry(e.ID)
	if err != nil {
		return err
	}
	if cur == nil {
		m.logger.Debug("entry cancelled before transmit", zap.Int64("entry_id", e.ID))
		return nil
	}

	if err := m.db.SetMessageState(e.Envelope.ChatSessionID, e.Envelope.MessageID, string(envelope.StateSent)); err != nil {
		m.logger.Error("failed to update transcript state", zap.Error(err))
	}
	m.publishDelivery(e, envelope.StateSent, "")

	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.AckTimeout)
	ack, err := m.transport.Send(sendCtx, &e.Envelope)
	cancel()
	if err != nil {
		if revertErr := m.db.MarkOutboxFailed(e.ID, err.Error()); revertErr != nil {
			m.logger.Error("failed to revert outbox entry",
				zap.Int64("entry_id", e.ID),
				zap.Error(revertErr))
		}
		if stateErr := m.db.SetMessageState(e.Envelope.ChatSessionID, e.Envelope.MessageID, string(envelope.StatePending)); stateErr != nil {
			m.logger.Error("failed to update transcript state", zap.Error(stateErr))
		}
		m.publishDelivery(e, envelope.StatePending, "")
		m.logger.Warn("send failed",
			zap.String("message_id", e.Envelope.MessageID),
			zap.Int("attempts", e.Attempts+1),
			zap.Error(err))
		return err
	}

	if err := m.db.MarkOutboxAcked(e.ID); err != nil {
		return err
	}
	if err := m.tracker.RecordOutbound(e.ContactID, e.Envelope.ChatSessionID, ack.Timestamp); err != nil {
		m.logger.Error("failed to record outbound interaction", zap.Error(err))
	}
	if err := m.db.SetMessageState(e.Envelope.ChatSessionID, e.Envelope.MessageID, string(envelope.StateAcked)); err != nil {
		m.logger.Error("failed to update transcript state", zap.Error(err))
	}
	m.publishDelivery(e, envelope.StateAcked, ack.ServerID)
	m.logger.Info("message delivered",
		zap.String("message_id", e.Envelope.MessageID),
		zap.String("server_id", ack.ServerID))
	return nil
}

func (m *Manager) handleInbound(in transport.InboundMessage) {
	if err := m.tracker.RecordInbound(in.SenderID, in.Envelope.ChatSessionID, in.Envelope.CreatedAt); err != nil {
		m.logger.Error("failed to record inbound interaction",
			zap.String("contact_id", in.SenderID),
			zap.Error(err))
	}
	m.bus.Publish(bus.Event{
		Kind:      "transport.inbound",
		Timestamp: time.Now(),
		Payload:   in,
	})
}

func (m *Manager) publishDelivery(e *store.OutboxEntry, state envelope.DeliveryState, serverID string) {
	m.bus.Publish(bus.Event{
		Kind:      "delivery.state_changed",
		Timestamp: time.Now(),
		Payload: bus.DeliveryChange{
			EntryID:       e.ID,
			MessageID:     e.Envelope.MessageID,
			ChatSessionID: e.Envelope.ChatSessionID,
			State:         state,
			ServerID:      serverID,
		},
	})
}
