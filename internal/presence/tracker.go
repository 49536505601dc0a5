// Package presence derives per-conversation typing state from transient
// signals, with debounce on the sending side and expiry on the receiving
// side.
package presence

import (
	"sync"
	"time"

	"github.com/servilink/chatclient/internal/config"
	"github.com/servilink/chatclient/internal/domain"
)

// EmitFunc sends a typing signal for the active conversation.
type EmitFunc func(isTyping bool)

// Tracker owns the typing timers explicitly rather than leaving them to
// callback closures. Keystroke drives the outbound side; OnSignal feeds the
// inbound side.
type Tracker struct {
	cfg  config.TypingConfig
	emit EmitFunc
	now  func() time.Time

	mu        sync.Mutex
	lastStart time.Time
	started   bool
	stopTimer *time.Timer
	typing    map[string]map[string]time.Time // conversationID -> userID -> receivedAt
}

// NewTracker creates a tracker that emits outbound signals through emit.
func NewTracker(cfg config.TypingConfig, emit EmitFunc) *Tracker {
	return &Tracker{
		cfg:    cfg,
		emit:   emit,
		now:    time.Now,
		typing: make(map[string]map[string]time.Time),
	}
}

// Keystroke records typing activity. A start signal is emitted at most once
// per debounce window; every keystroke re-arms the stop timer, which emits
// an automatic stop after the idle window with no further caller action.
func (t *Tracker) Keystroke() {
	t.mu.Lock()
	emitStart := !t.started || t.now().Sub(t.lastStart) >= t.cfg.Debounce
	if emitStart {
		t.lastStart = t.now()
		t.started = true
	}
	if t.stopTimer != nil {
		t.stopTimer.Stop()
	}
	t.stopTimer = time.AfterFunc(t.cfg.Idle, t.autoStop)
	t.mu.Unlock()

	if emitStart {
		t.emit(true)
	}
}

// Stop cancels the pending stop timer and emits an immediate stop if a start
// was emitted. Used on deselect and send.
func (t *Tracker) Stop() {
	t.mu.Lock()
	wasStarted := t.started
	t.started = false
	if t.stopTimer != nil {
		t.stopTimer.Stop()
		t.stopTimer = nil
	}
	t.mu.Unlock()

	if wasStarted {
		t.emit(false)
	}
}

func (t *Tracker) autoStop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	t.stopTimer = nil
	t.mu.Unlock()

	t.emit(false)
}

// OnSignal applies a received typing signal. A true signal for a user
// already present only refreshes their timestamp.
func (t *Tracker) OnSignal(sig domain.TypingSignal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.typing[sig.ConversationID]
	if !sig.IsTyping {
		delete(users, sig.UserID)
		if len(users) == 0 {
			delete(t.typing, sig.ConversationID)
		}
		return
	}

	if users == nil {
		users = make(map[string]time.Time)
		t.typing[sig.ConversationID] = users
	}
	at := sig.ReceivedAt
	if at.IsZero() {
		at = t.now()
	}
	users[sig.UserID] = at
}

// Typing returns the users currently typing in a conversation. Entries
// older than the expiry window are pruned here, so a stop signal lost to a
// disconnect can never leave a permanently stuck indicator.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.typing[conversationID]
	if len(users) == 0 {
		return nil
	}

	cutoff := t.now().Add(-t.cfg.Expiry)
	out := make([]string, 0, len(users))
	for id, at := range users {
		if at.Before(cutoff) {
			delete(users, id)
			continue
		}
		out = append(out, id)
	}
	if len(users) == 0 {
		delete(t.typing, conversationID)
	}
	return out
}
