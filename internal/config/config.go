package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/gosuda/peerchat/internal/store"
)

const DefaultRoom = "global-chat-room"

// Config holds the daemon settings.
type Config struct {
	Room   string
	UserID string
	Name   string
	Color  string

	// Rendezvous directory
	RedisURL  string
	P2PListen []string

	// Local transcript storage
	StoreKind string
	DataPath  string

	// Local API; empty disables it
	HTTPAddr string
	// Portal relays publishing the local API
	RelayURLs []string

	LogLevel string
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Room:      getEnv("PEERCHAT_ROOM", DefaultRoom),
		UserID:    os.Getenv("PEERCHAT_USER_ID"),
		Name:      getEnv("PEERCHAT_NAME", "anon"),
		Color:     os.Getenv("PEERCHAT_COLOR"),
		RedisURL:  getEnv("REDIS_URL", "redis://localhost:6379/0"),
		P2PListen: splitList(getEnv("PEERCHAT_P2P_LISTEN", "/ip4/0.0.0.0/tcp/0")),
		StoreKind: getEnv("PEERCHAT_STORE", store.KindPebble),
		DataPath:  getEnv("PEERCHAT_DATA_PATH", "./peerchat-data"),
		HTTPAddr:  getEnv("PEERCHAT_HTTP", "127.0.0.1:8237"),
		RelayURLs: relayList(),
		LogLevel:  getEnv("PEERCHAT_LOG_LEVEL", "info"),
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Room) == "" {
		return errors.New("room is required")
	}
	if strings.ContainsAny(c.Room, "_ ") {
		return fmt.Errorf("room %q must not contain underscores or spaces", c.Room)
	}
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("user id is required")
	}
	if c.RedisURL == "" {
		return errors.New("redis url is required")
	}
	switch c.StoreKind {
	case store.KindPebble, store.KindDatastore, store.KindMemory:
	default:
		return fmt.Errorf("unknown store %q", c.StoreKind)
	}
	return nil
}

func relayList() []string {
	for _, key := range []string{"PORTAL_RELAY", "RELAY"} {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			return splitList(val)
		}
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
