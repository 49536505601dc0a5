// Package domain contains core domain types for the marketplace chat client.
package domain

import (
	"time"
)

// Role identifies which side of the marketplace a user is on.
type Role string

const (
	RoleSeeker   Role = "seeker"
	RoleProvider Role = "provider"
)

// Valid reports whether the role is one of the two marketplace roles.
func (r Role) Valid() bool {
	return r == RoleSeeker || r == RoleProvider
}

// User represents a chat identity.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Role      Role   `json:"role"`
}

// Participant is a user bound to a conversation with a fixed role tag.
// The tag is assigned at conversation creation and never changes.
type Participant struct {
	User
}

// Conversation is a two-participant thread anchored to one service listing.
type Conversation struct {
	ID            string        `json:"id"`
	Participants  []Participant `json:"participants"`
	ServiceID     string        `json:"service_id"`
	ServiceName   string        `json:"service_name"`
	LastMessage   *Message      `json:"last_message,omitempty"`
	LastMessageAt time.Time     `json:"last_message_at"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Other resolves the counterpart of a participant with the given role.
// Lookup is by role tag, not array position, so a conversation where both
// participants share an identity still resolves deterministically.
func (c *Conversation) Other(selfRole Role) (Participant, bool) {
	for _, p := range c.Participants {
		if p.Role != selfRole {
			return p, true
		}
	}
	return Participant{}, false
}
