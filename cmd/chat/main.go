// Interactive terminal client for the marketplace chat.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/servilink/chatclient/internal/client"
	"github.com/servilink/chatclient/internal/config"
	"github.com/servilink/chatclient/internal/domain"
	"github.com/servilink/chatclient/internal/rest"
	"github.com/servilink/chatclient/internal/session"
	"github.com/servilink/chatclient/internal/transport"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "CHAT_TOKEN is required")
		os.Exit(1)
	}

	ctx := context.Background()

	self, err := rest.New(cfg.APIBaseURL, cfg.Token).Me(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to resolve identity:", err)
		os.Exit(1)
	}

	c := client.New(cfg, self)
	defer c.Close()

	c.OnLogout(func(err error) {
		fmt.Println("! session invalidated:", err)
		os.Exit(1)
	})
	c.OnError(func(err error) {
		fmt.Println("! error:", err)
	})

	// Extra renderers alongside the client's own handlers; the transport
	// invokes them in registration order.
	c.Transport.On(transport.EventMessageNew, func(raw json.RawMessage) {
		var msg domain.Message
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		if msg.ConversationID == c.Session.ActiveConversation() && msg.SenderID != self.ID {
			fmt.Printf("%s: %s\n", msg.SenderName, msg.Body)
		}
	})
	c.Transport.On(transport.EventTyping, func(raw json.RawMessage) {
		var sig domain.TypingSignal
		if json.Unmarshal(raw, &sig) != nil {
			return
		}
		if sig.IsTyping && sig.UserID != self.ID && sig.ConversationID == c.Session.ActiveConversation() {
			fmt.Println("... typing")
		}
	})
	c.Transport.On(transport.EventMessagesRead, func(json.RawMessage) {
		if c.Session.ActiveConversation() != "" {
			fmt.Println("✓ read")
		}
	})

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := c.Connect(connectCtx); err != nil {
		fmt.Fprintln(os.Stderr, "connect failed:", err)
	}
	cancel()

	if err := c.Load(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "failed to load conversations:", err)
	}

	fmt.Printf("signed in as %s (%s)\n", self.Name, self.Role)
	fmt.Println("commands: /list, /find <q>, /open <id>, /start <serviceID>, /close, /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/list":
			printConversations(c.Directory.List(), self.Role)
		case strings.HasPrefix(line, "/find "):
			printConversations(c.Directory.Filter(strings.TrimPrefix(line, "/find ")), self.Role)
		case strings.HasPrefix(line, "/open "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/open "))
			c.Session.Select(ctx, id)
			waitActive(c)
			printLog(c.Session.Messages(), self.ID)
		case strings.HasPrefix(line, "/start "):
			serviceID := strings.TrimSpace(strings.TrimPrefix(line, "/start "))
			conv, err := c.Start(ctx, serviceID)
			if err != nil {
				fmt.Println("! start failed:", err)
				continue
			}
			waitActive(c)
			fmt.Println("opened conversation", conv.ID)
		case line == "/close":
			c.Typing.Stop()
			c.Session.Deselect()
		default:
			c.Typing.Keystroke()
			if err := c.Session.Send(line); err != nil {
				fmt.Println("! send failed:", err)
				fmt.Println("  draft kept:", c.Session.Composer())
				continue
			}
			c.Typing.Stop()
		}
	}
}

// waitActive polls briefly for the history fetch to settle.
func waitActive(c *client.Client) {
	for i := 0; i < 50; i++ {
		if c.Session.State() != session.StateLoading {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func printConversations(convs []domain.Conversation, selfRole domain.Role) {
	if len(convs) == 0 {
		fmt.Println("(no conversations)")
		return
	}
	for _, conv := range convs {
		name := "(unknown)"
		if other, ok := conv.Other(selfRole); ok {
			name = other.Name
		}
		preview := ""
		if conv.LastMessage != nil {
			preview = " | " + conv.LastMessage.Body
		}
		fmt.Printf("%s  %s / %s%s\n", conv.ID, name, conv.ServiceName, preview)
	}
}

func printLog(msgs []domain.Message, selfID string) {
	for _, m := range msgs {
		prefix := m.SenderName
		if m.SenderID == selfID {
			prefix = "me"
		}
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04"), prefix, m.Body)
	}
}
