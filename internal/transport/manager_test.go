package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/servilink/chatclient/internal/config"
)

func testBackoff() config.ReconnectConfig {
	return config.ReconnectConfig{BaseDelay: 10 * time.Millisecond, MaxAttempts: 2}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectWithoutCredential(t *testing.T) {
	m := NewManager("ws://unreachable.invalid/ws", testBackoff())

	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Expected silent no-op for empty credential, got %v", err)
	}
	if got := m.State(); got != StateDisconnected {
		t.Errorf("Expected disconnected state, got %q", got)
	}
}

func TestEmitWhenDisconnected(t *testing.T) {
	m := NewManager("ws://unreachable.invalid/ws", testBackoff())

	err := m.Emit(EventMessageSend, SendPayload{ConversationID: "c1", Body: "hi"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	m := NewManager("ws://unreachable.invalid/ws", testBackoff())
	m.Disconnect()
	m.Disconnect()
	if got := m.State(); got != StateDisconnected {
		t.Errorf("Expected disconnected state, got %q", got)
	}
}

func TestHandlersInvokedInRegistrationOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = wsjson.Write(ctx, c, Event{Name: "greeting", Payload: json.RawMessage(`{"n": 1}`)})
		// Hold the connection open until the client goes away.
		_, _, _ = c.Read(ctx)
	}))
	defer srv.Close()

	m := NewManager(wsURL(srv), testBackoff())
	defer m.Disconnect()

	var mu sync.Mutex
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		m.On("greeting", func(json.RawMessage) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("Expected handlers in registration order [1 2 3], got %v", order)
	}
}

func TestEmitReachesServer(t *testing.T) {
	received := make(chan Event, 1)
	tokens := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		var ev Event
		if err := wsjson.Read(r.Context(), c, &ev); err == nil {
			received <- ev
		}
	}))
	defer srv.Close()

	m := NewManager(wsURL(srv), testBackoff())
	defer m.Disconnect()

	if err := m.Connect(context.Background(), "tok-9"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := m.State(); got != StateConnected {
		t.Fatalf("Expected connected state, got %q", got)
	}

	if err := m.Emit(EventJoin, JoinPayload{ConversationID: "c1"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	select {
	case tok := <-tokens:
		if tok != "tok-9" {
			t.Errorf("Expected credential on socket URL, got %q", tok)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Server never saw the connection")
	}

	select {
	case ev := <-received:
		if ev.Name != EventJoin {
			t.Errorf("Expected join event, got %q", ev.Name)
		}
		var p JoinPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.ConversationID != "c1" {
			t.Errorf("Expected join payload for c1, got %s", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Server never received the emitted event")
	}
}

func TestReconnectReplacesChannel(t *testing.T) {
	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accepts.Add(1)
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = c.Read(r.Context())
	}))
	defer srv.Close()

	m := NewManager(wsURL(srv), testBackoff())
	defer m.Disconnect()

	var upCount atomic.Int32
	m.OnConnect(func() { upCount.Add(1) })

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("First connect failed: %v", err)
	}
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Second connect failed: %v", err)
	}

	if got := m.State(); got != StateConnected {
		t.Errorf("Expected connected after replacement, got %q", got)
	}
	if got := accepts.Load(); got != 2 {
		t.Errorf("Expected 2 server-side accepts, got %d", got)
	}
	if got := upCount.Load(); got != 2 {
		t.Errorf("Expected OnConnect per successful connect, got %d", got)
	}
}
