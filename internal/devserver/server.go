// Package devserver is a reference implementation of the chat backend
// contract: the REST history API plus the socket event fan-out. It exists so
// the client can be developed and integration-tested without the production
// service.
package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/servilink/chatclient/internal/domain"
	"github.com/servilink/chatclient/internal/transport"
)

const messagePageSize = 50

type contextKey int

const userKey contextKey = iota

// Server hosts the REST handlers and the socket endpoint.
type Server struct {
	store Store
	rooms *Rooms
}

// NewServer creates a server over the given store.
func NewServer(store Store) *Server {
	return &Server{store: store, rooms: NewRooms()}
}

// Routes registers all endpoints on a router.
func (s *Server) Routes(r chi.Router) {
	r.Get("/ws", s.ServeWS)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/me", s.me)
		r.Get("/conversations", s.listConversations)
		r.Post("/conversations", s.startConversation)
		r.Get("/conversations/{id}/messages", s.listMessages)
		r.Post("/conversations/{id}/read", s.markRead)
	})
}

// JSON writes a response wrapped in the {"data": ...} envelope the upstream
// contract uses.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"data": v}); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// auth resolves the bearer credential to a user and stores it on the
// request context.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			Error(w, http.StatusUnauthorized, "missing credential")
			return
		}
		user, err := s.store.UserByToken(r.Context(), token)
		if err != nil {
			Error(w, http.StatusInternalServerError, "internal error")
			return
		}
		if user == nil {
			Error(w, http.StatusUnauthorized, "invalid credential")
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) *domain.User {
	if u, ok := ctx.Value(userKey).(*domain.User); ok {
		return u
	}
	return nil
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, userFromContext(r.Context()))
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	convs, err := s.store.ConversationsFor(r.Context(), user.ID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	JSON(w, http.StatusOK, convs)
}

// startConversation returns the existing conversation for (service, seeker)
// or creates one.
func (s *Server) startConversation(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	var req struct {
		ServiceID string `json:"service_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServiceID == "" {
		Error(w, http.StatusBadRequest, "service_id is required")
		return
	}

	existing, err := s.store.ConversationForService(r.Context(), req.ServiceID, user.ID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to look up conversation")
		return
	}
	if existing != nil {
		JSON(w, http.StatusOK, existing)
		return
	}

	serviceName, providerID, err := s.store.ServiceByID(r.Context(), req.ServiceID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to look up service")
		return
	}
	if providerID == "" {
		Error(w, http.StatusNotFound, "unknown service")
		return
	}
	provider, err := s.store.User(r.Context(), providerID)
	if err != nil || provider == nil {
		Error(w, http.StatusInternalServerError, "failed to look up provider")
		return
	}

	conv := &domain.Conversation{
		ID:          uuid.NewString(),
		ServiceID:   req.ServiceID,
		ServiceName: serviceName,
		CreatedAt:   time.Now().UTC(),
		Participants: []domain.Participant{
			{User: domain.User{ID: user.ID, Name: user.Name, AvatarURL: user.AvatarURL, Role: domain.RoleSeeker}},
			{User: domain.User{ID: provider.ID, Name: provider.Name, AvatarURL: provider.AvatarURL, Role: domain.RoleProvider}},
		},
	}
	if err := s.store.CreateConversation(r.Context(), conv); err != nil {
		Error(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	JSON(w, http.StatusCreated, conv)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	conversationID := chi.URLParam(r, "id")
	if !s.isParticipant(r.Context(), conversationID, user.ID) {
		Error(w, http.StatusForbidden, "not a participant")
		return
	}

	msgs, err := s.store.Messages(r.Context(), conversationID, messagePageSize)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	JSON(w, http.StatusOK, msgs)
}

// markRead flips the unread messages and fans a read receipt out to the
// room so the counterpart's UI updates.
func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	conversationID := chi.URLParam(r, "id")
	if !s.isParticipant(r.Context(), conversationID, user.ID) {
		Error(w, http.StatusForbidden, "not a participant")
		return
	}

	if err := s.store.MarkRead(r.Context(), conversationID, user.ID); err != nil {
		Error(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	// Everyone in the room gets the receipt, the reader included: their
	// client flips the counterpart-authored messages it holds.
	s.rooms.Broadcast(conversationID, transport.EventMessagesRead,
		transport.ReadPayload{ConversationID: conversationID}, "")
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
