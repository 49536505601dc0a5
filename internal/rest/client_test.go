package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBearerCredentialOnEveryCall(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{"data": []}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-123")
	if _, err := c.Conversations(context.Background()); err != nil {
		t.Fatalf("Conversations failed: %v", err)
	}
	if got != "Bearer tok-123" {
		t.Errorf("Expected bearer header, got %q", got)
	}
}

func TestEnvelopeNormalization(t *testing.T) {
	// The upstream contract is unstable: some deployments wrap responses in
	// {"data": ...}, some return the value bare. Both must decode.
	cases := map[string]string{
		"wrapped": `{"data": [{"id": "m1", "conversation_id": "c1", "body": "hi"}]}`,
		"bare":    `[{"id": "m1", "conversation_id": "c1", "body": "hi"}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			defer srv.Close()

			c := New(srv.URL, "tok")
			msgs, err := c.Messages(context.Background(), "c1", "")
			if err != nil {
				t.Fatalf("Messages failed: %v", err)
			}
			if len(msgs) != 1 || msgs[0].ID != "m1" {
				t.Errorf("Expected [m1], got %v", msgs)
			}
		})
	}
}

func TestUnauthorizedSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "expired")
	_, err := c.Conversations(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
	if err := c.MarkRead(context.Background(), "c1"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized from MarkRead, got %v", err)
	}
}

func TestServerErrorIsNotUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	_, err := c.Conversations(context.Background())
	if err == nil {
		t.Fatalf("Expected an error for 502")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Errorf("Transient server failure misclassified as credential loss")
	}
}
