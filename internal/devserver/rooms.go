package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/servilink/chatclient/internal/transport"
)

// wsConn is one attached socket.
type wsConn struct {
	id     string
	userID string
	ws     *websocket.Conn
}

// Rooms coordinates sockets and logical conversation rooms. One active
// socket per user; a fresh connection replaces and closes the previous one.
type Rooms struct {
	mu        sync.RWMutex
	conns     map[string]*wsConn            // connID -> conn
	byUser    map[string]string             // userID -> connID
	rooms     map[string]map[string]*wsConn // conversationID -> connID -> conn
	connRooms map[string]map[string]struct{}
}

// NewRooms constructs an initialized registry.
func NewRooms() *Rooms {
	return &Rooms{
		conns:     make(map[string]*wsConn),
		byUser:    make(map[string]string),
		rooms:     make(map[string]map[string]*wsConn),
		connRooms: make(map[string]map[string]struct{}),
	}
}

// Attach registers a socket for a user, replacing any existing one.
func (r *Rooms) Attach(c *wsConn) {
	var previous *wsConn

	r.mu.Lock()
	if existingID, ok := r.byUser[c.userID]; ok {
		if existing := r.conns[existingID]; existing != nil {
			previous = existing
			r.detachLocked(existingID)
		}
	}
	r.conns[c.id] = c
	r.byUser[c.userID] = c.id
	r.connRooms[c.id] = make(map[string]struct{})
	r.mu.Unlock()

	if previous != nil {
		_ = previous.ws.Close(websocket.StatusNormalClosure, "session replaced")
	}
	slog.Info("Socket attached", "user_id", c.userID, "conn_id", c.id)
}

// Detach removes a socket if it is still tracked.
func (r *Rooms) Detach(c *wsConn) {
	r.mu.Lock()
	if current, ok := r.conns[c.id]; ok && current == c {
		r.detachLocked(c.id)
		slog.Info("Socket detached", "user_id", c.userID, "conn_id", c.id)
	}
	r.mu.Unlock()
}

func (r *Rooms) detachLocked(connID string) {
	c, ok := r.conns[connID]
	if !ok {
		return
	}
	for convID := range r.connRooms[connID] {
		delete(r.rooms[convID], connID)
		if len(r.rooms[convID]) == 0 {
			delete(r.rooms, convID)
		}
	}
	delete(r.connRooms, connID)
	delete(r.conns, connID)
	if r.byUser[c.userID] == connID {
		delete(r.byUser, c.userID)
	}
}

// Join subscribes the socket to a conversation's broadcasts.
func (r *Rooms) Join(conversationID string, c *wsConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.id]; !ok {
		return
	}
	room := r.rooms[conversationID]
	if room == nil {
		room = make(map[string]*wsConn)
		r.rooms[conversationID] = room
	}
	room[c.id] = c
	r.connRooms[c.id][conversationID] = struct{}{}
}

// Broadcast fans an event out to every room member. exceptUser skips one
// user id; pass "" to reach everyone.
func (r *Rooms) Broadcast(conversationID, event string, payload any, exceptUser string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to encode broadcast payload", "event", event, "error", err)
		return
	}
	ev := transport.Event{Name: event, Payload: raw}

	r.mu.RLock()
	members := make([]*wsConn, 0, len(r.rooms[conversationID]))
	for _, c := range r.rooms[conversationID] {
		if exceptUser != "" && c.userID == exceptUser {
			continue
		}
		members = append(members, c)
	}
	r.mu.RUnlock()

	for _, c := range members {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := wsjson.Write(ctx, c.ws, ev); err != nil {
			slog.Debug("Broadcast write failed", "conn_id", c.id, "event", event, "error", err)
		}
		cancel()
	}
}
