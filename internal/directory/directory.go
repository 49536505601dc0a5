// Package directory maintains the ordered set of conversations for the
// current user and keeps each preview fresh as events arrive.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/servilink/chatclient/internal/domain"
)

// Lister fetches the conversation list from the history API.
type Lister interface {
	Conversations(ctx context.Context) ([]domain.Conversation, error)
}

// Directory exclusively owns the set of conversation previews.
type Directory struct {
	api  Lister
	self domain.Role

	mu    sync.RWMutex
	convs map[string]*domain.Conversation
}

// New creates an empty directory for a user with the given role.
func New(api Lister, self domain.Role) *Directory {
	return &Directory{
		api:   api,
		self:  self,
		convs: make(map[string]*domain.Conversation),
	}
}

// Load fetches the full conversation list and replaces the in-memory set.
// On failure the existing set is left intact.
func (d *Directory) Load(ctx context.Context) error {
	convs, err := d.api.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	next := make(map[string]*domain.Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		next[c.ID] = &c
	}

	d.mu.Lock()
	d.convs = next
	d.mu.Unlock()
	return nil
}

// List returns the conversations most-recently-active first. Conversations
// with no messages yet trail, ordered by creation time.
func (d *Directory) List() []domain.Conversation {
	d.mu.RLock()
	out := make([]domain.Conversation, 0, len(d.convs))
	for _, c := range d.convs {
		out = append(out, *c)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		aEmpty, bEmpty := a.LastMessageAt.IsZero(), b.LastMessageAt.IsZero()
		if aEmpty != bEmpty {
			return bEmpty
		}
		if aEmpty {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.LastMessageAt.After(b.LastMessageAt)
	})
	return out
}

// Filter returns a derived view matching the query against the other
// participant's name and the service name. The underlying set is untouched.
func (d *Directory) Filter(query string) []domain.Conversation {
	all := d.List()
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return all
	}

	out := make([]domain.Conversation, 0, len(all))
	for _, c := range all {
		if strings.Contains(strings.ToLower(c.ServiceName), query) {
			out = append(out, c)
			continue
		}
		if other, ok := c.Other(d.self); ok &&
			strings.Contains(strings.ToLower(other.Name), query) {
			out = append(out, c)
		}
	}
	return out
}

// Get returns the preview for a conversation id.
func (d *Directory) Get(id string) (domain.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.convs[id]
	if !ok {
		return domain.Conversation{}, false
	}
	return *c, true
}

// ApplyIncomingMessage refreshes the owning conversation's preview,
// whether or not that conversation is currently selected. An unknown
// conversation id means the other party just created the thread: the list
// is refetched, and if that fails a minimal entry is synthesized so the
// event is never dropped.
func (d *Directory) ApplyIncomingMessage(msg domain.Message) {
	d.mu.Lock()
	if c, ok := d.convs[msg.ConversationID]; ok {
		d.refreshLocked(c, msg)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Load(ctx); err != nil {
		slog.Warn("Failed to refetch conversations for unknown id, synthesizing entry",
			"conversation_id", msg.ConversationID, "error", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[msg.ConversationID]
	if !ok {
		c = &domain.Conversation{
			ID:        msg.ConversationID,
			CreatedAt: msg.CreatedAt,
		}
		d.convs[c.ID] = c
	}
	d.refreshLocked(c, msg)
}

func (d *Directory) refreshLocked(c *domain.Conversation, msg domain.Message) {
	// The activity timestamp is the authority here: the server may report
	// last_message_at without a message snapshot attached.
	if !c.LastMessageAt.IsZero() && !msg.CreatedAt.After(c.LastMessageAt) {
		// Replayed or out-of-order delivery; the preview is already newer.
		return
	}
	snapshot := msg
	c.LastMessage = &snapshot
	c.LastMessageAt = msg.CreatedAt
}
