package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/mkamau/fieldchat/internal/envelope"
	"go.uber.org/zap"
)

// gatewayStub is a minimal in-test messaging gateway: it acks every message
// frame and can push inbound messages to the client.
type gatewayStub struct {
	t      *testing.T
	push   chan frame
	silent bool // when true, never ack
}

func (g *gatewayStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			g.t.Logf("accept: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

		ctx := r.Context()
		go func() {
			for f := range g.push {
				data, _ := json.Marshal(f)
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			if f.Type == frameMessage && !g.silent {
				ack, _ := json.Marshal(frame{Type: frameAck, MessageID: f.MessageID, ServerID: "srv-" + f.MessageID})
				if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
					return
				}
			}
		}
	}
}

func testGateway(t *testing.T, silent bool) (*gatewayStub, *WS) {
	t.Helper()
	g := &gatewayStub{t: t, push: make(chan frame, 8), silent: silent}
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(g.push) })

	url := strings.Replace(srv.URL, "http://", "ws://", 1)
	return g, NewWS(url, zap.NewNop())
}

func TestSendReceivesAck(t *testing.T) {
	_, ws := testGateway(t, false)

	if err := ws.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer func() { _ = ws.Close() }()

	env, _ := envelope.New("chat-1", envelope.RoleOfficer, "hello", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ack, err := ws.Send(ctx, env)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if ack.MessageID != env.MessageID {
		t.Errorf("ack.MessageID = %q, want %q", ack.MessageID, env.MessageID)
	}
	if ack.ServerID != "srv-"+env.MessageID {
		t.Errorf("ack.ServerID = %q", ack.ServerID)
	}
}

func TestSendTimesOutWithoutAck(t *testing.T) {
	_, ws := testGateway(t, true)

	if err := ws.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ws.Close() }()

	env, _ := envelope.New("chat-1", envelope.RoleOfficer, "hello", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := ws.Send(ctx, env)
	var ate *AckTimeoutError
	if !errors.As(err, &ate) {
		t.Fatalf("error = %v, want AckTimeoutError", err)
	}
	if ate.MessageID != env.MessageID {
		t.Errorf("MessageID = %q, want %q", ate.MessageID, env.MessageID)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	ws := NewWS("ws://127.0.0.1:1/never", zap.NewNop())

	env, _ := envelope.New("chat-1", envelope.RoleOfficer, "hello", nil)
	_, err := ws.Send(context.Background(), env)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
}

func TestInboundDelivery(t *testing.T) {
	g, ws := testGateway(t, false)

	if err := ws.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ws.Close() }()

	pushed := envelope.Envelope{
		MessageID:     "srv-msg-1",
		ChatSessionID: "chat-1",
		SenderRole:    envelope.RoleContact,
		Body:          "my beans have rust spots",
		Media:         []envelope.Attachment{},
		CreatedAt:     time.Now().UTC(),
	}
	g.push <- frame{Type: frameMessage, SenderID: "+254700000001", Envelope: &pushed}

	select {
	case in, ok := <-ws.Inbound():
		if !ok {
			t.Fatal("inbound channel closed unexpectedly")
		}
		if in.SenderID != "+254700000001" {
			t.Errorf("SenderID = %q", in.SenderID)
		}
		if in.Envelope.MessageID != "srv-msg-1" || in.Envelope.Body != pushed.Body {
			t.Errorf("envelope = %+v", in.Envelope)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
}

func TestInboundChannelClosesOnDrop(t *testing.T) {
	_, ws := testGateway(t, false)

	if err := ws.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	inbound := ws.Inbound()

	if err := ws.Close(); err != nil {
		t.Logf("Close() error = %v", err)
	}

	select {
	case _, ok := <-inbound:
		if ok {
			t.Error("expected closed channel, got message")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("inbound channel not closed after drop")
	}
}

// TestOldConnectionDropDoesNotFailNewSends redials while a send is still
// waiting on the previous connection, then drops that previous connection.
// Its teardown must fail only its own waiter; the send riding the new
// connection still gets its ack.
func TestOldConnectionDropDoesNotFailNewSends(t *testing.T) {
	var (
		mu    sync.Mutex
		conns int
	)
	dropFirst := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conns++
		idx := conns
		mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if idx == 1 {
			// Never acks; drops on command.
			<-dropFirst
			_ = conn.Close(websocket.StatusNormalClosure, "gone")
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			if f.Type == frameMessage {
				// Ack lands after the first connection's teardown has run.
				time.Sleep(500 * time.Millisecond)
				ack, _ := json.Marshal(frame{Type: frameAck, MessageID: f.MessageID, ServerID: "srv-" + f.MessageID})
				if conn.Write(ctx, websocket.MessageText, ack) != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)

	ws := NewWS(strings.Replace(srv.URL, "http://", "ws://", 1), zap.NewNop())
	if err := ws.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	env1, _ := envelope.New("chat-1", envelope.RoleOfficer, "stuck on old connection", nil)
	firstErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := ws.Send(ctx, env1)
		firstErr <- err
	}()
	time.Sleep(100 * time.Millisecond)

	// Redial; the first connection's read loop is still alive.
	if err := ws.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ws.Close() }()

	env2, _ := envelope.New("chat-1", envelope.RoleOfficer, "riding the new connection", nil)
	secondErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := ws.Send(ctx, env2)
		secondErr <- err
	}()
	time.Sleep(100 * time.Millisecond)

	close(dropFirst)

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("first send error = %v, want ErrConnectionLost", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("first send never unblocked after its connection dropped")
	}

	select {
	case err := <-secondErr:
		if err != nil {
			t.Errorf("send on the new connection error = %v, want ack", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("second send never completed")
	}
}

func TestConnectFailure(t *testing.T) {
	ws := NewWS("ws://127.0.0.1:1/nothing-listens-here", zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := ws.Connect(ctx)
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want transport.Error", err)
	}
	if te.Op != "connect" {
		t.Errorf("Op = %q, want connect", te.Op)
	}
}
