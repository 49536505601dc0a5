// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration. The client binary reads the
// API/socket endpoints and credential; the devserver reads Port and DBPath.
type Config struct {
	APIBaseURL string
	SocketURL  string
	Token      string

	Port   string
	DBPath string

	Typing    TypingConfig
	Reconnect ReconnectConfig
}

// TypingConfig controls the typing-indicator state machine.
type TypingConfig struct {
	Debounce time.Duration // minimum gap between emitted start signals
	Idle     time.Duration // inactivity before an automatic stop signal
	Expiry   time.Duration // absolute staleness bound for received signals
}

// ReconnectConfig controls transport reconnection backoff.
type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		APIBaseURL: getEnv("CHAT_API_URL", "http://localhost:8080"),
		SocketURL:  getEnv("CHAT_WS_URL", "ws://localhost:8080/ws"),
		Token:      getEnv("CHAT_TOKEN", ""),
		Port:       getEnv("PORT", "8080"),
		DBPath:     getEnv("DB_PATH", "./data/chat.db"),
		Typing: TypingConfig{
			Debounce: getEnvDuration("TYPING_DEBOUNCE", time.Second),
			Idle:     getEnvDuration("TYPING_IDLE", time.Second),
			Expiry:   getEnvDuration("TYPING_EXPIRY", 7*time.Second),
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", time.Second),
			MaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("CHAT_API_URL cannot be empty")
	}
	if c.SocketURL == "" {
		return fmt.Errorf("CHAT_WS_URL cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Typing.Debounce <= 0 || c.Typing.Idle <= 0 || c.Typing.Expiry <= 0 {
		return fmt.Errorf("typing windows must be > 0")
	}
	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("RECONNECT_BASE_DELAY must be > 0")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
