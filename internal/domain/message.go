package domain

import (
	"sort"
	"time"
)

// Message is one chat message. Sender display fields are denormalized
// snapshots taken at send time.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	SenderAvatar   string    `json:"sender_avatar,omitempty"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`
}

// Less orders messages by (CreatedAt, ID). The ID tiebreak keeps the order
// total when two messages share a timestamp.
func (m Message) Less(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// SortMessages sorts a log in place by the (CreatedAt, ID) ordering key.
func SortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Less(msgs[j])
	})
}

// TypingSignal is an ephemeral per-conversation typing notification.
// It is never persisted.
type TypingSignal struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	ReceivedAt     time.Time `json:"-"`
}
