package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/servilink/chatclient/internal/config"
	"github.com/servilink/chatclient/internal/domain"
)

type signalRecorder struct {
	mu      sync.Mutex
	signals []bool
}

func (r *signalRecorder) record(isTyping bool) {
	r.mu.Lock()
	r.signals = append(r.signals, isTyping)
	r.mu.Unlock()
}

func (r *signalRecorder) all() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.signals...)
}

func testConfig() config.TypingConfig {
	return config.TypingConfig{
		Debounce: 50 * time.Millisecond,
		Idle:     50 * time.Millisecond,
		Expiry:   7 * time.Second,
	}
}

func TestKeystrokeDebounce(t *testing.T) {
	rec := &signalRecorder{}
	tr := NewTracker(testConfig(), rec.record)

	// Rapid keystrokes inside the debounce window emit one start.
	tr.Keystroke()
	tr.Keystroke()
	tr.Keystroke()

	got := rec.all()
	if len(got) != 1 || !got[0] {
		t.Errorf("Expected exactly one start signal, got %v", got)
	}
}

func TestAutoStopAfterIdle(t *testing.T) {
	rec := &signalRecorder{}
	tr := NewTracker(testConfig(), rec.record)

	tr.Keystroke()
	time.Sleep(150 * time.Millisecond)

	got := rec.all()
	if len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("Expected [start stop], got %v", got)
	}

	// A keystroke after the stop opens a fresh window.
	tr.Keystroke()
	if got := rec.all(); len(got) != 3 || !got[2] {
		t.Errorf("Expected a new start after auto-stop, got %v", got)
	}
}

func TestKeystrokeResetsStopTimer(t *testing.T) {
	rec := &signalRecorder{}
	tr := NewTracker(testConfig(), rec.record)

	tr.Keystroke()
	// Keep typing past the idle window; the stop timer keeps resetting.
	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		tr.Keystroke()
	}

	for _, sig := range rec.all() {
		if !sig {
			t.Fatalf("Stop emitted while keystrokes were still arriving: %v", rec.all())
		}
	}
}

func TestOnSignalIdempotentStart(t *testing.T) {
	tr := NewTracker(testConfig(), func(bool) {})

	sig := domain.TypingSignal{ConversationID: "c1", UserID: "u1", IsTyping: true}
	tr.OnSignal(sig)
	tr.OnSignal(sig)

	if got := tr.Typing("c1"); len(got) != 1 || got[0] != "u1" {
		t.Errorf("Expected typing set [u1], got %v", got)
	}
}

func TestOnSignalStopRemoves(t *testing.T) {
	tr := NewTracker(testConfig(), func(bool) {})

	tr.OnSignal(domain.TypingSignal{ConversationID: "c1", UserID: "u1", IsTyping: true})
	tr.OnSignal(domain.TypingSignal{ConversationID: "c1", UserID: "u1", IsTyping: false})

	if got := tr.Typing("c1"); len(got) != 0 {
		t.Errorf("Expected empty typing set, got %v", got)
	}
}

func TestTypingExpiryWithoutStop(t *testing.T) {
	tr := NewTracker(testConfig(), func(bool) {})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	tr.OnSignal(domain.TypingSignal{ConversationID: "c1", UserID: "u1", IsTyping: true})
	if got := tr.Typing("c1"); len(got) != 1 {
		t.Fatalf("Expected typing set [u1], got %v", got)
	}

	// The stop signal never arrives (connection loss); the absolute expiry
	// bounds the staleness.
	tr.now = func() time.Time { return base.Add(8 * time.Second) }
	if got := tr.Typing("c1"); len(got) != 0 {
		t.Errorf("Expected typing entry expired, got %v", got)
	}
}
