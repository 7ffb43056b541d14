package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/mkamau/fieldchat/internal/bus"
	"github.com/mkamau/fieldchat/internal/conn"
	"github.com/mkamau/fieldchat/internal/envelope"
	"github.com/mkamau/fieldchat/internal/lock"
	"github.com/mkamau/fieldchat/internal/status"
	"github.com/mkamau/fieldchat/internal/store"
	intsync "github.com/mkamau/fieldchat/internal/sync"
	"github.com/mkamau/fieldchat/internal/transport"
	"github.com/mkamau/fieldchat/internal/window"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// TestModuleGraph verifies the fx dependency graph resolves. Providers are
// not executed, so nothing touches ~/.fieldchat.
func TestModuleGraph(t *testing.T) {
	if err := fx.ValidateApp(Module(Params{SessionName: "graphtest"})); err != nil {
		t.Fatalf("fx graph does not resolve: %v", err)
	}
}

// wire frame mirrored from the gateway protocol for the stub below.
type wireFrame struct {
	Type      string             `json:"type"`
	MessageID string             `json:"message_id,omitempty"`
	ServerID  string             `json:"server_id,omitempty"`
	SenderID  string             `json:"sender_id,omitempty"`
	Envelope  *envelope.Envelope `json:"envelope,omitempty"`
}

func gatewayStub(t *testing.T, push <-chan wireFrame) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = c.Close(websocket.StatusNormalClosure, "done") }()
		ctx := r.Context()

		go func() {
			for f := range push {
				data, _ := json.Marshal(f)
				if err := c.Write(ctx, websocket.MessageText, data); err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var f wireFrame
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			if f.Type == "message" {
				ack, _ := json.Marshal(wireFrame{Type: "ack", MessageID: f.MessageID, ServerID: "srv-" + f.MessageID})
				if err := c.Write(ctx, websocket.MessageText, ack); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return strings.Replace(srv.URL, "http://", "ws://", 1)
}

// TestEndToEndDelivery wires the full stack by hand, the way the fx module
// does, against an in-test gateway: an inbound farmer message opens the
// window, the officer's reply queues, flushes, and lands acked in the
// transcript.
func TestEndToEndDelivery(t *testing.T) {
	dir := t.TempDir()

	lk, err := lock.Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(dir, "fieldchat.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	push := make(chan wireFrame, 8)
	defer close(push)
	url := gatewayStub(t, push)

	logger := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	tracker := window.NewTracker(db, 0, logger)
	ws := transport.NewWS(url, logger)
	orch := intsync.New(db, tracker, b, logger)
	mgr := conn.NewManager(ws, db, tracker, machine, b, conn.Config{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		AckTimeout:     2 * time.Second,
	}, logger)

	received, unsubReceived := orch.Subscribe("message.received", 8)
	defer unsubReceived()
	delivery, unsubDelivery := orch.Subscribe("delivery.", 32)
	defer unsubDelivery()

	orch.Start()
	defer orch.Stop()
	mgr.Start()
	defer mgr.Stop()

	// Farmer writes in; this opens the 24h window.
	push <- wireFrame{
		Type:     "message",
		SenderID: "+254700000001",
		Envelope: &envelope.Envelope{
			MessageID:     "srv-in-1",
			ChatSessionID: "chat-1",
			SenderRole:    envelope.RoleContact,
			Body:          "my maize has fall armyworm",
			Media:         []envelope.Attachment{},
			CreatedAt:     time.Now().UTC().Add(-time.Minute),
		},
	}
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("inbound message never ingested")
	}

	// Officer replies.
	r, err := orch.Send(context.Background(), "chat-1", "+254700000001", "apply the recommended pesticide at dusk", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-delivery:
			dc, ok := evt.Payload.(bus.DeliveryChange)
			if ok && dc.MessageID == r.MessageID && dc.State == envelope.StateAcked {
				if dc.ServerID != "srv-"+r.MessageID {
					t.Errorf("ServerID = %q", dc.ServerID)
				}
				goto delivered
			}
		case <-deadline:
			t.Fatal("reply never acked")
		}
	}

delivered:
	pending, err := orch.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("outbox still holds %d entries", len(pending))
	}

	msgs, err := orch.Transcript("chat-1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("transcript rows = %d, want 2", len(msgs))
	}
	// Newest first: the officer's acked reply, then the farmer's message.
	if msgs[0].State != string(envelope.StateAcked) || msgs[0].SenderRole != string(envelope.RoleOfficer) {
		t.Errorf("reply row = %+v", msgs[0])
	}
	if msgs[1].SenderRole != string(envelope.RoleContact) {
		t.Errorf("inbound row = %+v", msgs[1])
	}
}
