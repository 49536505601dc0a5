// Package rest provides the typed client for the chat history API.
//
// The upstream wraps responses in a {"data": ...} envelope, but not on every
// deployment. That instability is normalized here so core packages only ever
// see decoded domain values.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/servilink/chatclient/internal/domain"
)

var (
	// ErrUnauthorized indicates a 401-class response. It is not locally
	// recoverable; callers must tear the session down.
	ErrUnauthorized = errors.New("unauthorized")
)

// Client is an HTTP client for the chat REST API. The bearer credential is
// injected at construction; nothing is read from ambient state.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a REST client for the given base URL and bearer credential.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// envelope is the optional {"data": ...} wrapper some deployments apply.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		raw = env.Data
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Me returns the identity bound to the credential.
func (c *Client) Me(ctx context.Context) (domain.User, error) {
	var user domain.User
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// Conversations lists the current user's conversations, most recently
// active first.
func (c *Client) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	var convs []domain.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// Messages fetches the newest page of messages for a conversation. The
// cursor selects older pages; empty means the newest page.
func (c *Client) Messages(ctx context.Context, conversationID, cursor string) ([]domain.Message, error) {
	path := "/api/conversations/" + conversationID + "/messages"
	if cursor != "" {
		path += "?cursor=" + cursor
	}
	var msgs []domain.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead marks the conversation's messages as read for the current user.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/api/conversations/"+conversationID+"/read", nil, nil)
}

// StartConversation creates (or fetches the existing) conversation for a
// service listing.
func (c *Client) StartConversation(ctx context.Context, serviceID string) (domain.Conversation, error) {
	var conv domain.Conversation
	req := map[string]string{"service_id": serviceID}
	if err := c.do(ctx, http.MethodPost, "/api/conversations", req, &conv); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}
