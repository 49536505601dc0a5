// Package client wires the transport, history API, directory, session and
// typing tracker into one chat client.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/servilink/chatclient/internal/config"
	"github.com/servilink/chatclient/internal/directory"
	"github.com/servilink/chatclient/internal/domain"
	"github.com/servilink/chatclient/internal/presence"
	"github.com/servilink/chatclient/internal/rest"
	"github.com/servilink/chatclient/internal/session"
	"github.com/servilink/chatclient/internal/transport"
)

// Client is the assembled chat client for one signed-in user.
type Client struct {
	self domain.User

	API       *rest.Client
	Transport *transport.Manager
	Directory *directory.Directory
	Session   *session.Session
	Typing    *presence.Tracker

	token    string
	onLogout func(err error)
	onError  func(err error)
}

// New builds a client. The credential and identity are injected explicitly;
// nothing is read from ambient state.
func New(cfg *config.Config, self domain.User) *Client {
	c := &Client{
		self:  self,
		token: cfg.Token,
	}

	c.API = rest.New(cfg.APIBaseURL, cfg.Token)
	c.Transport = transport.NewManager(cfg.SocketURL, cfg.Reconnect)
	c.Directory = directory.New(c.API, self.Role)
	c.Session = session.New(self, c.API, c.Transport, c.Directory)
	c.Typing = presence.NewTracker(cfg.Typing, c.emitTyping)

	c.Session.OnError(c.handleError)

	c.Transport.On(transport.EventMessageNew, func(raw json.RawMessage) {
		var msg domain.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("Malformed message event", "error", err)
			return
		}
		c.Session.OnIncoming(msg)
	})

	c.Transport.On(transport.EventTyping, func(raw json.RawMessage) {
		var sig domain.TypingSignal
		if err := json.Unmarshal(raw, &sig); err != nil {
			slog.Warn("Malformed typing event", "error", err)
			return
		}
		if sig.UserID == self.ID {
			return
		}
		sig.ReceivedAt = time.Now()
		c.Typing.OnSignal(sig)
	})

	c.Transport.On(transport.EventMessagesRead, func(raw json.RawMessage) {
		var p transport.ReadPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			slog.Warn("Malformed read event", "error", err)
			return
		}
		c.Session.OnReadReceipt(p.ConversationID)
	})

	// A credential rejection on the socket invalidates the whole session,
	// exactly like a REST 401: both sides come down together.
	c.Transport.OnDisconnect(func(err error) {
		if errors.Is(err, transport.ErrAuthRejected) {
			slog.Info("Socket credential rejected, tearing down session")
			c.Session.Deselect()
			if c.onLogout != nil {
				c.onLogout(err)
			}
		}
	})

	// A reconnected channel has no room subscriptions; re-join the active
	// conversation so live updates resume.
	c.Transport.OnConnect(func() {
		if id := c.Session.ActiveConversation(); id != "" {
			if err := c.Transport.Emit(transport.EventJoin, transport.JoinPayload{ConversationID: id}); err != nil {
				slog.Warn("Failed to re-join room after reconnect", "conversation_id", id, "error", err)
			}
		}
	})

	return c
}

// OnLogout registers the session-teardown callback fired on credential
// invalidation.
func (c *Client) OnLogout(f func(err error)) {
	c.onLogout = f
}

// OnError registers the recoverable-error surface.
func (c *Client) OnError(f func(err error)) {
	c.onError = f
}

// Connect brings up the real-time channel. With an empty credential the
// transport settles into disconnected without an attempt.
func (c *Client) Connect(ctx context.Context) error {
	return c.Transport.Connect(ctx, c.token)
}

// Load populates the conversation directory.
func (c *Client) Load(ctx context.Context) error {
	if err := c.Directory.Load(ctx); err != nil {
		c.handleError(err)
		return err
	}
	return nil
}

// Start opens a conversation for a service listing, creating it if needed,
// and selects it.
func (c *Client) Start(ctx context.Context, serviceID string) (domain.Conversation, error) {
	conv, err := c.API.StartConversation(ctx, serviceID)
	if err != nil {
		c.handleError(err)
		return domain.Conversation{}, fmt.Errorf("start conversation: %w", err)
	}
	if err := c.Directory.Load(ctx); err != nil {
		slog.Warn("Failed to refresh directory after starting conversation", "error", err)
	}
	c.Session.Select(ctx, conv.ID)
	return conv, nil
}

// Close tears everything down.
func (c *Client) Close() {
	c.Typing.Stop()
	c.Session.Deselect()
	c.Transport.Disconnect()
}

func (c *Client) emitTyping(isTyping bool) {
	id := c.Session.ActiveConversation()
	if id == "" {
		return
	}
	err := c.Transport.Emit(transport.EventTyping, domain.TypingSignal{
		ConversationID: id,
		UserID:         c.self.ID,
		IsTyping:       isTyping,
	})
	if err != nil && !errors.Is(err, transport.ErrNotConnected) {
		slog.Debug("Failed to emit typing signal", "error", err)
	}
}

// handleError routes errors from any collaborator. Credential invalidation
// tears the REST session and the transport down together; everything else
// is surfaced as recoverable.
func (c *Client) handleError(err error) {
	if errors.Is(err, rest.ErrUnauthorized) {
		slog.Info("Credential invalidated, tearing down session")
		c.Session.Deselect()
		c.Transport.Disconnect()
		if c.onLogout != nil {
			c.onLogout(err)
		}
		return
	}
	if c.onError != nil {
		c.onError(err)
	}
}
