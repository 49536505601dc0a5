package devserver

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/servilink/chatclient/internal/domain"
	_ "modernc.org/sqlite"
)

// Store persists users, services, conversations and messages for the
// reference server.
type Store interface {
	UserByToken(ctx context.Context, token string) (*domain.User, error)
	User(ctx context.Context, id string) (*domain.User, error)
	SeedUser(ctx context.Context, user domain.User, token string) error
	SeedService(ctx context.Context, id, name, providerID string) error
	ServiceByID(ctx context.Context, id string) (name, providerID string, err error)

	ConversationsFor(ctx context.Context, userID string) ([]domain.Conversation, error)
	Conversation(ctx context.Context, id string) (*domain.Conversation, error)
	ConversationForService(ctx context.Context, serviceID, seekerID string) (*domain.Conversation, error)
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	Messages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	InsertMessage(ctx context.Context, msg *domain.Message) error
	MarkRead(ctx context.Context, conversationID, readerID string) error

	Ping(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for better concurrency between REST and socket handlers.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		avatar_url TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		token TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		provider_id TEXT NOT NULL REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		service_id TEXT NOT NULL,
		service_name TEXT NOT NULL,
		seeker_id TEXT NOT NULL REFERENCES users(id),
		provider_id TEXT NOT NULL REFERENCES users(id),
		created_at INTEGER NOT NULL,
		last_message_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conv_service_seeker
		ON conversations(service_id, seeker_id);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		sender_id TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UserByToken resolves a bearer credential to a user. Returns (nil, nil)
// when the token is unknown.
func (s *SQLiteStore) UserByToken(ctx context.Context, token string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, avatar_url, role FROM users WHERE token = ?`, token)
	return scanUser(row)
}

// User retrieves a user by id. Returns (nil, nil) when absent.
func (s *SQLiteStore) User(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, avatar_url, role FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Name, &u.AvatarURL, &u.Role)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return &u, nil
}

// SeedUser inserts or replaces a user with their credential.
func (s *SQLiteStore) SeedUser(ctx context.Context, user domain.User, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO users (id, name, avatar_url, role, token) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Name, user.AvatarURL, string(user.Role), token)
	if err != nil {
		return fmt.Errorf("seed user: %w", err)
	}
	return nil
}

// SeedService inserts or replaces a service listing.
func (s *SQLiteStore) SeedService(ctx context.Context, id, name, providerID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO services (id, name, provider_id) VALUES (?, ?, ?)`,
		id, name, providerID)
	if err != nil {
		return fmt.Errorf("seed service: %w", err)
	}
	return nil
}

// ServiceByID returns name and provider for a service listing. Both are
// empty when the service is unknown.
func (s *SQLiteStore) ServiceByID(ctx context.Context, id string) (name, providerID string, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, provider_id FROM services WHERE id = ?`, id)
	err = row.Scan(&name, &providerID)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("scan service row: %w", err)
	}
	return name, providerID, nil
}

const conversationColumns = `
	c.id, c.service_id, c.service_name, c.seeker_id, c.provider_id,
	c.created_at, c.last_message_at,
	sk.name, sk.avatar_url, pr.name, pr.avatar_url`

const conversationJoins = `
	FROM conversations c
	JOIN users sk ON sk.id = c.seeker_id
	JOIN users pr ON pr.id = c.provider_id`

// ConversationsFor lists conversations the user participates in, most
// recently active first, each with its last-message snapshot.
func (s *SQLiteStore) ConversationsFor(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+conversationJoins+`
		WHERE c.seeker_id = ? OR c.provider_id = ?
		ORDER BY c.last_message_at DESC, c.created_at ASC`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	for i := range convs {
		if err := s.attachLastMessage(ctx, &convs[i]); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// Conversation retrieves one conversation by id. Returns (nil, nil) when
// absent.
func (s *SQLiteStore) Conversation(ctx context.Context, id string) (*domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+conversationJoins+` WHERE c.id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	conv, err := scanConversation(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachLastMessage(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// ConversationForService returns the existing conversation between a seeker
// and a service, or (nil, nil).
func (s *SQLiteStore) ConversationForService(ctx context.Context, serviceID, seekerID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE service_id = ? AND seeker_id = ?`,
		serviceID, seekerID)
	var id string
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation id: %w", err)
	}
	return s.Conversation(ctx, id)
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	var seekerID, providerID string
	for _, p := range conv.Participants {
		switch p.Role {
		case domain.RoleSeeker:
			seekerID = p.ID
		case domain.RoleProvider:
			providerID = p.ID
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, service_id, service_name, seeker_id, provider_id, created_at, last_message_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		conv.ID, conv.ServiceID, conv.ServiceName, seekerID, providerID,
		conv.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func scanConversation(rows *sql.Rows) (*domain.Conversation, error) {
	var (
		conv                             domain.Conversation
		seekerID, providerID             string
		seekerName, seekerAvatar         string
		providerName, providerAvatar     string
		createdAtMs, lastMessageAtMillis int64
	)
	err := rows.Scan(
		&conv.ID, &conv.ServiceID, &conv.ServiceName, &seekerID, &providerID,
		&createdAtMs, &lastMessageAtMillis,
		&seekerName, &seekerAvatar, &providerName, &providerAvatar,
	)
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	conv.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	if lastMessageAtMillis > 0 {
		conv.LastMessageAt = time.UnixMilli(lastMessageAtMillis).UTC()
	}
	conv.Participants = []domain.Participant{
		{User: domain.User{ID: seekerID, Name: seekerName, AvatarURL: seekerAvatar, Role: domain.RoleSeeker}},
		{User: domain.User{ID: providerID, Name: providerName, AvatarURL: providerAvatar, Role: domain.RoleProvider}},
	}
	return &conv, nil
}

func (s *SQLiteStore) attachLastMessage(ctx context.Context, conv *domain.Conversation) error {
	msgs, err := s.Messages(ctx, conv.ID, 1)
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		conv.LastMessage = &msgs[len(msgs)-1]
	}
	return nil
}

// Messages returns the newest messages of a conversation in ascending
// ordering-key order.
func (s *SQLiteStore) Messages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, u.name, u.avatar_url,
		        m.body, m.created_at, m.is_read
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.conversation_id = ?
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var createdAtMs int64
		var isRead int
		err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName,
			&m.SenderAvatar, &m.Body, &createdAtMs, &isRead)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAtMs).UTC()
		m.IsRead = isRead != 0
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	domain.SortMessages(msgs)
	return msgs, nil
}

// InsertMessage persists a message and advances the conversation's
// last-activity timestamp.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert message: %w", err)
	}
	defer tx.Rollback()

	createdAtMs := msg.CreatedAt.UnixMilli()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, body, created_at, is_read)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Body, createdAtMs)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ? AND last_message_at < ?`,
		createdAtMs, msg.ConversationID, createdAtMs)
	if err != nil {
		return fmt.Errorf("update conversation activity: %w", err)
	}
	return tx.Commit()
}

// MarkRead marks every message not authored by the reader as read. Retries
// briefly on SQLite concurrency errors.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, readerID string) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		_, err := s.db.ExecContext(ctx,
			`UPDATE messages SET is_read = 1
			 WHERE conversation_id = ? AND sender_id != ? AND is_read = 0`,
			conversationID, readerID)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isSQLiteConflict(err) {
			break
		}
		time.Sleep(baseDelay * time.Duration(1<<i))
	}
	return fmt.Errorf("mark read: %w", lastErr)
}

// isSQLiteConflict reports SQLITE_BUSY / locked errors that warrant a retry.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
