package devserver

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/servilink/chatclient/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return store
}

func seedConversation(t *testing.T, store *SQLiteStore) *domain.Conversation {
	t.Helper()
	ctx := context.Background()

	seeker := domain.User{ID: "u1", Name: "Dana", Role: domain.RoleSeeker}
	provider := domain.User{ID: "u2", Name: "Pat", Role: domain.RoleProvider}
	if err := store.SeedUser(ctx, seeker, "tok-1"); err != nil {
		t.Fatalf("Seed seeker: %v", err)
	}
	if err := store.SeedUser(ctx, provider, "tok-2"); err != nil {
		t.Fatalf("Seed provider: %v", err)
	}
	if err := store.SeedService(ctx, "svc-1", "Cleaning", provider.ID); err != nil {
		t.Fatalf("Seed service: %v", err)
	}

	conv := &domain.Conversation{
		ID:          "c1",
		ServiceID:   "svc-1",
		ServiceName: "Cleaning",
		CreatedAt:   time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
		Participants: []domain.Participant{
			{User: seeker},
			{User: provider},
		},
	}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("Create conversation: %v", err)
	}
	return conv
}

func TestUserByToken(t *testing.T) {
	store := newTestStore(t)
	seedConversation(t, store)
	ctx := context.Background()

	user, err := store.UserByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("UserByToken failed: %v", err)
	}
	if user == nil || user.ID != "u1" || user.Role != domain.RoleSeeker {
		t.Errorf("Expected seeker u1, got %+v", user)
	}

	unknown, err := store.UserByToken(ctx, "nope")
	if err != nil {
		t.Fatalf("UserByToken failed: %v", err)
	}
	if unknown != nil {
		t.Errorf("Expected nil for unknown token, got %+v", unknown)
	}
}

func TestMessagesOrderedAscending(t *testing.T) {
	store := newTestStore(t)
	conv := seedConversation(t, store)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"m2", "m1", "m3"} {
		offsets := []int{1, 0, 2}
		msg := &domain.Message{
			ID:             id,
			ConversationID: conv.ID,
			SenderID:       "u1",
			Body:           "b",
			CreatedAt:      t0.Add(time.Duration(offsets[i]) * time.Minute),
		}
		if err := store.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}

	msgs, err := store.Messages(ctx, conv.ID, 50)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	want := []string{"m1", "m2", "m3"}
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(msgs))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("Expected %q at index %d, got %q", id, i, msgs[i].ID)
		}
	}
}

func TestInsertMessageAdvancesConversationActivity(t *testing.T) {
	store := newTestStore(t)
	conv := seedConversation(t, store)
	ctx := context.Background()
	at := time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC)

	msg := &domain.Message{ID: "m1", ConversationID: conv.ID, SenderID: "u1", Body: "hi", CreatedAt: at}
	if err := store.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.Conversation(ctx, conv.ID)
	if err != nil || got == nil {
		t.Fatalf("Conversation lookup failed: %v", err)
	}
	if !got.LastMessageAt.Equal(at) {
		t.Errorf("Expected LastMessageAt %v, got %v", at, got.LastMessageAt)
	}
	if got.LastMessage == nil || got.LastMessage.ID != "m1" {
		t.Errorf("Expected last-message snapshot m1, got %+v", got.LastMessage)
	}
}

func TestMarkReadFlipsOnlyCounterpartMessages(t *testing.T) {
	store := newTestStore(t)
	conv := seedConversation(t, store)
	ctx := context.Background()
	t0 := time.Now().UTC()

	theirs := &domain.Message{ID: "m1", ConversationID: conv.ID, SenderID: "u2", Body: "a", CreatedAt: t0}
	mine := &domain.Message{ID: "m2", ConversationID: conv.ID, SenderID: "u1", Body: "b", CreatedAt: t0.Add(time.Second)}
	for _, m := range []*domain.Message{theirs, mine} {
		if err := store.InsertMessage(ctx, m); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	// u1 reads: only u2's message flips.
	if err := store.MarkRead(ctx, conv.ID, "u1"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	msgs, err := store.Messages(ctx, conv.ID, 50)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	for _, m := range msgs {
		switch m.ID {
		case "m1":
			if !m.IsRead {
				t.Errorf("Expected m1 read")
			}
		case "m2":
			if m.IsRead {
				t.Errorf("Expected m2 unread; the reader authored it")
			}
		}
	}
}

func TestConversationForService(t *testing.T) {
	store := newTestStore(t)
	conv := seedConversation(t, store)
	ctx := context.Background()

	got, err := store.ConversationForService(ctx, "svc-1", "u1")
	if err != nil {
		t.Fatalf("ConversationForService failed: %v", err)
	}
	if got == nil || got.ID != conv.ID {
		t.Errorf("Expected existing conversation %q, got %+v", conv.ID, got)
	}

	none, err := store.ConversationForService(ctx, "svc-1", "u2")
	if err != nil {
		t.Fatalf("ConversationForService failed: %v", err)
	}
	if none != nil {
		t.Errorf("Expected no conversation for a different seeker, got %+v", none)
	}
}

func TestConversationParticipantsCarryRoleTags(t *testing.T) {
	store := newTestStore(t)
	conv := seedConversation(t, store)

	got, err := store.Conversation(context.Background(), conv.ID)
	if err != nil || got == nil {
		t.Fatalf("Conversation lookup failed: %v", err)
	}
	other, ok := got.Other(domain.RoleSeeker)
	if !ok || other.ID != "u2" || other.Role != domain.RoleProvider {
		t.Errorf("Expected provider counterpart, got %+v", other)
	}
}
