// Package transport owns the lifecycle of the real-time chat connection.
//
// One authenticated websocket channel exists per signed-in session. Server
// events arrive as {"event": ..., "payload": ...} JSON envelopes and are
// dispatched to registered handlers from a single read goroutine, so events
// for one conversation are always observed in arrival order.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/servilink/chatclient/internal/config"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

var (
	// ErrNotConnected is returned by Emit when no channel is live. Callers
	// react to the lost send; nothing is queued.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrAuthRejected reports a server close that rejected the credential.
	// Reconnecting with the same credential would be pointless.
	ErrAuthRejected = errors.New("transport: credential rejected")
)

// Event is the wire envelope for both directions.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives the payload of a named server event.
type Handler func(payload json.RawMessage)

// Manager maintains one websocket channel and its handler registry.
type Manager struct {
	socketURL string
	backoff   config.ReconnectConfig

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	token    string
	gen      int // bumped on every connect/disconnect; stale read loops check it
	closed   bool
	handlers map[string][]Handler
	onUp     []func()
	onDown   []func(err error)
}

// NewManager creates a disconnected manager for the given socket URL.
func NewManager(socketURL string, backoff config.ReconnectConfig) *Manager {
	return &Manager{
		socketURL: socketURL,
		backoff:   backoff,
		state:     StateDisconnected,
		handlers:  make(map[string][]Handler),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// On registers a handler for a named server event. Multiple handlers per
// event are invoked in registration order.
func (m *Manager) On(event string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], h)
}

// OnConnect registers a callback invoked after every successful (re)connect.
func (m *Manager) OnConnect(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUp = append(m.onUp, f)
}

// OnDisconnect registers a callback invoked when the channel is lost and
// reconnection has either been exhausted or does not apply.
func (m *Manager) OnDisconnect(f func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDown = append(m.onDown, f)
}

// Connect establishes the channel authenticated with the supplied credential.
// With an empty credential no connection is attempted and the manager settles
// into the disconnected state. Connecting while a channel is live replaces
// it; the old channel is torn down first and never leaks.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	if credential == "" {
		m.teardownLocked(websocket.StatusNormalClosure, "no credential")
		m.closed = true
		m.mu.Unlock()
		return nil
	}
	m.teardownLocked(websocket.StatusNormalClosure, "channel replaced")
	m.token = credential
	m.closed = false
	m.state = StateConnecting
	gen := m.gen
	m.mu.Unlock()

	conn, resp, err := websocket.Dial(ctx, m.dialURL(credential), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	if gen != m.gen {
		// A newer Connect or Disconnect won the race.
		m.mu.Unlock()
		if err == nil {
			conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		return nil
	}
	if err != nil {
		m.state = StateDisconnected
		m.mu.Unlock()
		return fmt.Errorf("dial %s: %w", m.socketURL, err)
	}
	m.conn = conn
	m.state = StateConnected
	m.mu.Unlock()

	go m.readLoop(gen, conn)
	m.notifyUp()
	return nil
}

// Disconnect tears down the channel. It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked(websocket.StatusNormalClosure, "client disconnect")
	m.closed = true
	m.mu.Unlock()
}

// Emit sends a client-originated event. When not connected it returns
// ErrNotConnected without touching the wire.
func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, Event{Name: event, Payload: raw}); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (m *Manager) dialURL(credential string) string {
	return m.socketURL + "?token=" + url.QueryEscape(credential)
}

// teardownLocked closes any live channel and invalidates its read loop.
// Callers hold m.mu.
func (m *Manager) teardownLocked(code websocket.StatusCode, reason string) {
	m.gen++
	if m.conn != nil {
		_ = m.conn.Close(code, reason)
		m.conn = nil
	}
	m.state = StateDisconnected
}

func (m *Manager) readLoop(gen int, conn *websocket.Conn) {
	for {
		var ev Event
		if err := wsjson.Read(context.Background(), conn, &ev); err != nil {
			m.handleReadError(gen, err)
			return
		}
		m.dispatch(ev)
	}
}

func (m *Manager) dispatch(ev Event) {
	m.mu.Lock()
	handlers := make([]Handler, len(m.handlers[ev.Name]))
	copy(handlers, m.handlers[ev.Name])
	m.mu.Unlock()

	if len(handlers) == 0 {
		slog.Debug("Unhandled transport event", "event", ev.Name)
		return
	}
	for _, h := range handlers {
		h(ev.Payload)
	}
}

func (m *Manager) handleReadError(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen {
		// Loop belongs to a replaced or torn-down channel.
		m.mu.Unlock()
		return
	}
	m.gen++
	m.conn = nil
	m.state = StateDisconnected
	token := m.token
	m.mu.Unlock()

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure:
		m.notifyDown(nil)
		return
	case websocket.StatusPolicyViolation:
		m.notifyDown(fmt.Errorf("%w: %v", ErrAuthRejected, err))
		return
	}

	slog.Warn("Transport connection lost, reconnecting", "error", err)
	go m.reconnect(token)
}

// reconnect retries with capped exponential backoff and converges to the
// disconnected state once attempts are exhausted.
func (m *Manager) reconnect(credential string) {
	var lastErr error
	for attempt := 0; attempt < m.backoff.MaxAttempts; attempt++ {
		time.Sleep(m.backoff.BaseDelay << attempt)

		m.mu.Lock()
		stale := m.closed || m.state != StateDisconnected || m.token != credential
		m.mu.Unlock()
		if stale {
			// Disconnected, replaced, or reauthenticated meanwhile.
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := m.Connect(ctx, credential)
		cancel()
		if err == nil {
			slog.Info("Transport reconnected", "attempt", attempt+1)
			return
		}
		lastErr = err
		slog.Warn("Transport reconnect attempt failed", "attempt", attempt+1, "error", err)
	}
	m.notifyDown(lastErr)
}

func (m *Manager) notifyUp() {
	m.mu.Lock()
	callbacks := make([]func(), len(m.onUp))
	copy(callbacks, m.onUp)
	m.mu.Unlock()
	for _, f := range callbacks {
		f()
	}
}

func (m *Manager) notifyDown(err error) {
	m.mu.Lock()
	callbacks := make([]func(error), len(m.onDown))
	copy(callbacks, m.onDown)
	m.mu.Unlock()
	for _, f := range callbacks {
		f(err)
	}
}
