// Package session owns the currently selected conversation: its message log,
// send/receive handling, and read-receipt state.
//
// The log has two invariants that every mutation preserves: message ids are
// unique, and the log is non-decreasing by the (CreatedAt, ID) ordering key.
// Incoming events are merged idempotently by id, so duplicate delivery after
// a reconnect can never duplicate a message.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/servilink/chatclient/internal/domain"
	"github.com/servilink/chatclient/internal/transport"
)

// State is the selection lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateActive  State = "active"
)

var (
	// ErrEmptyBody rejects whitespace-only sends before any network call.
	ErrEmptyBody = errors.New("session: empty message body")
	// ErrNoActiveConversation rejects sends while nothing is selected or
	// history is still loading.
	ErrNoActiveConversation = errors.New("session: no active conversation")
)

// HistoryAPI is the REST surface the session needs.
type HistoryAPI interface {
	Messages(ctx context.Context, conversationID, cursor string) ([]domain.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Emitter sends client-originated events over the transport.
type Emitter interface {
	Emit(event string, payload any) error
}

// Previews receives every incoming message for directory bookkeeping,
// regardless of which conversation is selected.
type Previews interface {
	ApplyIncomingMessage(msg domain.Message)
}

// Session is the active-conversation state machine.
type Session struct {
	self domain.User
	api  HistoryAPI
	tr   Emitter
	dir  Previews

	mu       sync.Mutex
	state    State
	convID   string
	gen      int // selection generation; stale fetch results check it
	log      []domain.Message
	pending  []domain.Message // events received while history is in flight
	composer string
	loadErr  error
	onError  func(error)
}

// New creates an idle session for the given user identity.
func New(self domain.User, api HistoryAPI, tr Emitter, dir Previews) *Session {
	return &Session{
		self:  self,
		api:   api,
		tr:    tr,
		dir:   dir,
		state: StateIdle,
	}
}

// OnError registers the recoverable-error surface (failed sends, failed
// history fetches). Errors reported here never corrupt the log.
func (s *Session) OnError(f func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = f
}

// Select starts loading the given conversation. A previous selection's
// in-flight fetch keeps running but its result is discarded: relevance is
// keyed by a generation counter, not by cancelling execution.
func (s *Session) Select(ctx context.Context, conversationID string) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.state = StateLoading
	s.convID = conversationID
	s.log = nil
	s.pending = nil
	s.loadErr = nil
	s.mu.Unlock()

	go s.load(ctx, gen, conversationID)
}

// Retry re-issues the history fetch for the current selection after a
// failed load. Buffered live events are kept. It is a no-op while a fetch
// is still in flight, so there is never more than one outstanding fetch
// per selection.
func (s *Session) Retry(ctx context.Context) {
	s.mu.Lock()
	gen, id := s.gen, s.convID
	retryable := s.state == StateLoading && s.loadErr != nil && id != ""
	if retryable {
		s.loadErr = nil
	}
	s.mu.Unlock()
	if !retryable {
		return
	}
	go s.load(ctx, gen, id)
}

// Deselect returns the session to idle and discards the log.
func (s *Session) Deselect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.state = StateIdle
	s.convID = ""
	s.log = nil
	s.pending = nil
	s.loadErr = nil
}

func (s *Session) load(ctx context.Context, gen int, conversationID string) {
	msgs, err := s.api.Messages(ctx, conversationID, "")
	if !s.finishLoad(gen, conversationID, msgs, err) {
		return
	}

	// History is live; join the room and clear the unread mark. Losses here
	// are recovered by the reconnect re-join and the next read receipt.
	if err := s.tr.Emit(transport.EventJoin, transport.JoinPayload{ConversationID: conversationID}); err != nil {
		slog.Warn("Failed to join conversation room", "conversation_id", conversationID, "error", err)
	}
	if err := s.api.MarkRead(ctx, conversationID); err != nil {
		slog.Warn("Failed to mark conversation read", "conversation_id", conversationID, "error", err)
	}
}

// finishLoad applies a resolved history fetch. It reports whether the
// session became active, which is false for stale responses and failures.
func (s *Session) finishLoad(gen int, conversationID string, msgs []domain.Message, err error) bool {
	s.mu.Lock()

	if gen != s.gen || s.convID != conversationID || s.state != StateLoading {
		// Irrelevant response: a newer selection replaced this one, or the
		// selection already went active off an earlier fetch. Applying a
		// late duplicate here would clobber messages merged since.
		s.mu.Unlock()
		return false
	}
	if err != nil {
		// Stay in loading: live events keep buffering and Retry can
		// re-issue the fetch without losing them.
		s.loadErr = err
		notify := s.onError
		s.mu.Unlock()
		if notify != nil {
			notify(fmt.Errorf("load history: %w", err))
		}
		return false
	}

	s.log = append([]domain.Message(nil), msgs...)
	domain.SortMessages(s.log)
	for _, m := range s.pending {
		s.mergeLocked(m)
	}
	s.pending = nil
	s.loadErr = nil
	s.state = StateActive
	s.mu.Unlock()
	return true
}

// Send emits the composer body over the transport. The canonical message is
// only appended once the server echoes it back, so the client never
// fabricates a message identity or timestamp. On emit failure the composer
// draft is restored.
func (s *Session) Send(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return ErrNoActiveConversation
	}
	conversationID := s.convID
	s.composer = ""
	s.mu.Unlock()

	err := s.tr.Emit(transport.EventMessageSend, transport.SendPayload{
		ConversationID: conversationID,
		Body:           body,
	})
	if err != nil {
		s.mu.Lock()
		s.composer = body
		notify := s.onError
		s.mu.Unlock()
		wrapped := fmt.Errorf("send message: %w", err)
		if notify != nil {
			notify(wrapped)
		}
		return wrapped
	}
	return nil
}

// OnIncoming handles a server-pushed message. It always forwards to the
// directory; the active log is only touched when the message belongs to the
// current selection.
func (s *Session) OnIncoming(msg domain.Message) {
	s.dir.ApplyIncomingMessage(msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ConversationID != s.convID {
		return
	}
	switch s.state {
	case StateLoading:
		s.pending = append(s.pending, msg)
	case StateActive:
		s.mergeLocked(msg)
	}
}

// OnReadReceipt marks every message authored by the counterpart as read.
// The flip is one-directional; nothing ever sets IsRead back to false.
func (s *Session) OnReadReceipt(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || conversationID != s.convID {
		return
	}
	for i := range s.log {
		if s.log[i].SenderID != s.self.ID {
			s.log[i].IsRead = true
		}
	}
}

// mergeLocked inserts msg unless its id is already present, then restores
// the ordering key. Callers hold s.mu.
func (s *Session) mergeLocked(msg domain.Message) {
	for _, existing := range s.log {
		if existing.ID == msg.ID {
			return
		}
	}
	s.log = append(s.log, msg)
	domain.SortMessages(s.log)
}

// Messages returns a copy of the active log.
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.log...)
}

// State returns the selection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveConversation returns the selected conversation id, or "" when idle.
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

// Composer returns the current draft.
func (s *Session) Composer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.composer
}

// SetComposer stores the draft as the user types.
func (s *Session) SetComposer(draft string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.composer = draft
}

// LoadError returns the last history-fetch failure for the current
// selection, if any.
func (s *Session) LoadError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}
