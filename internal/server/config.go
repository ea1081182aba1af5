// Package server implements the agenthub server — the hub that connects chat
// clients to the Anthropic API and routes the model's tool calls to remote
// tool workers over WebSocket.
package server

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the server, loaded from environment variables.
type Config struct {
	// Server
	Port int    // HTTP + WS listen port (default: 8080)
	Host string // Bind address (default: "0.0.0.0")

	// Redis
	RedisURL          string // Redis connection URL (empty = start embedded miniredis)
	EmbeddedRedis     bool   // True if using embedded miniredis (set by the launcher)
	EmbeddedRedisAddr string // Address of embedded miniredis if started

	// Anthropic
	AnthropicAPIKey  string // API key for the Anthropic Messages API
	AnthropicBaseURL string // Override base URL (empty = api.anthropic.com)
	Model            string // Model name sent with every request
	SystemPrompt     string // Optional system prompt for all conversations
	MaxTokens        int    // max_tokens per Messages API request (default: 8192)

	// Authentication
	WorkerKeyHash string // Argon2id hash of the worker key (wkr_...)
	APIKeyHash    string // Argon2id hash of the client API key (api_...); optional

	// Dispatch
	// UniqueTools rejects a worker registration whose tool names collide with
	// an already-connected worker. Off by default: duplicate advertisers are
	// load-balanced round-robin.
	UniqueTools bool

	// Timeouts
	RegisterTimeout   time.Duration // Max time for a worker's register frame (default: 10s)
	HeartbeatInterval time.Duration // Server → worker keepalive interval (default: 15s)

	// Cache
	AuthCacheTTL time.Duration // How long to cache key verification results (default: 5m)
}

// LoadConfig reads configuration from environment variables.
//
// The server refuses to start without ANTHROPIC_API_KEY and
// AGENTHUB_WORKER_KEY_HASH: the first is needed for every conversation turn
// and the second gates worker registration.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:              envInt("AGENTHUB_PORT", 8080),
		Host:              envStr("AGENTHUB_HOST", "0.0.0.0"),
		RedisURL:          os.Getenv("AGENTHUB_REDIS_URL"), // Empty string = use embedded miniredis
		AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicBaseURL:  os.Getenv("ANTHROPIC_BASE_URL"), // Optional
		Model:             envStr("AGENTHUB_MODEL", "claude-sonnet-4-20250514"),
		SystemPrompt:      os.Getenv("AGENTHUB_SYSTEM_PROMPT"),
		MaxTokens:         envInt("AGENTHUB_MAX_TOKENS", 8192),
		WorkerKeyHash:     os.Getenv("AGENTHUB_WORKER_KEY_HASH"),
		APIKeyHash:        os.Getenv("AGENTHUB_API_KEY_HASH"), // Optional
		UniqueTools:       os.Getenv("AGENTHUB_UNIQUE_TOOLS") == "true",
		RegisterTimeout:   envDuration("AGENTHUB_REGISTER_TIMEOUT", 10*time.Second),
		HeartbeatInterval: envDuration("AGENTHUB_HEARTBEAT_INTERVAL", 15*time.Second),
		AuthCacheTTL:      envDuration("AGENTHUB_AUTH_CACHE_TTL", 5*time.Minute),
	}

	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if cfg.WorkerKeyHash == "" {
		return nil, fmt.Errorf("AGENTHUB_WORKER_KEY_HASH is required (run agenthub-server setup to generate)")
	}

	return cfg, nil
}

// envStr reads an env var with a default value.
func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envInt reads an env var as an integer with a default value.
func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// envDuration reads an env var as a duration string (e.g., "15s", "5m") with a default.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
