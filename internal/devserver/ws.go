package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/servilink/chatclient/internal/domain"
	"github.com/servilink/chatclient/internal/transport"
)

// ServeWS upgrades a socket connection. The bearer credential arrives as a
// query parameter; an unknown token is rejected with a policy-violation
// close so the client knows not to retry.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	user, err := s.store.UserByToken(r.Context(), token)
	if err != nil {
		slog.Error("Failed to resolve socket credential", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept socket", "error", err)
		return
	}
	if user == nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "invalid credential")
		return
	}

	c := &wsConn{id: uuid.NewString(), userID: user.ID, ws: ws}
	s.rooms.Attach(c)
	defer s.rooms.Detach(c)
	defer ws.Close(websocket.StatusNormalClosure, "session ended")

	for {
		var ev transport.Event
		if err := wsjson.Read(r.Context(), ws, &ev); err != nil {
			if websocket.CloseStatus(err) == -1 {
				slog.Debug("Socket read ended", "user_id", user.ID, "error", err)
			}
			return
		}
		s.handleEvent(r.Context(), c, user, ev)
	}
}

func (s *Server) handleEvent(ctx context.Context, c *wsConn, user *domain.User, ev transport.Event) {
	switch ev.Name {
	case transport.EventJoin:
		s.handleJoin(ctx, c, user, ev.Payload)
	case transport.EventMessageSend:
		s.handleSend(ctx, user, ev.Payload)
	case transport.EventTyping:
		s.handleTyping(user, ev.Payload)
	default:
		slog.Debug("Unknown socket event", "event", ev.Name, "user_id", user.ID)
	}
}

func (s *Server) handleJoin(ctx context.Context, c *wsConn, user *domain.User, raw json.RawMessage) {
	var p transport.JoinPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Debug("Malformed join payload", "error", err)
		return
	}
	if !s.isParticipant(ctx, p.ConversationID, user.ID) {
		slog.Warn("Join rejected", "conversation_id", p.ConversationID, "user_id", user.ID)
		return
	}
	s.rooms.Join(p.ConversationID, c)
}

// handleSend persists the message and echoes the canonical record to every
// room member, the sender included. Clients rely on that echo for their own
// log; nothing is appended optimistically on their side.
func (s *Server) handleSend(ctx context.Context, user *domain.User, raw json.RawMessage) {
	var p transport.SendPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Debug("Malformed send payload", "error", err)
		return
	}
	if strings.TrimSpace(p.Body) == "" {
		return
	}
	if !s.isParticipant(ctx, p.ConversationID, user.ID) {
		slog.Warn("Send rejected", "conversation_id", p.ConversationID, "user_id", user.ID)
		return
	}

	msg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: p.ConversationID,
		SenderID:       user.ID,
		SenderName:     user.Name,
		SenderAvatar:   user.AvatarURL,
		Body:           p.Body,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		slog.Error("Failed to persist message", "conversation_id", p.ConversationID, "error", err)
		return
	}
	s.rooms.Broadcast(p.ConversationID, transport.EventMessageNew, msg, "")
}

func (s *Server) handleTyping(user *domain.User, raw json.RawMessage) {
	var sig domain.TypingSignal
	if err := json.Unmarshal(raw, &sig); err != nil {
		slog.Debug("Malformed typing payload", "error", err)
		return
	}
	sig.UserID = user.ID
	s.rooms.Broadcast(sig.ConversationID, transport.EventTyping, sig, user.ID)
}

func (s *Server) isParticipant(ctx context.Context, conversationID, userID string) bool {
	conv, err := s.store.Conversation(ctx, conversationID)
	if err != nil || conv == nil {
		return false
	}
	for _, p := range conv.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}
