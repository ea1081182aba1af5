// Package worker implements the agenthub-worker — a binary that connects to
// agenthub-server over WebSocket, registers its tools, and executes the tool
// calls the server dispatches to it.
package worker

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the worker.
// Values are read from environment variables at startup and never re-read.
type Config struct {
	// ServerURL is the base WebSocket URL of agenthub-server,
	// e.g. "ws://localhost:8080" or "wss://hub.example.com".
	ServerURL string

	// WorkerKey authenticates the worker's register frame (wkr_...).
	WorkerKey string

	// AllowedTools limits which built-in tools the worker advertises.
	// Empty = all built-ins.
	AllowedTools []string

	// ShellToolsDir is an optional directory of executable shell tools loaded
	// alongside the built-ins.
	ShellToolsDir string

	// HealthPort serves a /healthz endpoint when non-zero. The pool manager
	// probes it to decide whether a spawned worker came up.
	HealthPort int

	// HeartbeatInterval controls how often the worker sends heartbeats.
	HeartbeatInterval time.Duration

	// ReconnectDelay is the initial delay between reconnection attempts.
	// Doubles on each failure up to ReconnectMaxDelay.
	ReconnectDelay time.Duration

	// ReconnectMaxDelay is the upper bound for reconnection backoff.
	ReconnectMaxDelay time.Duration
}

// LoadConfig reads configuration from environment variables.
// Returns an error if required values are missing.
func LoadConfig() (*Config, error) {
	serverURL := os.Getenv("AGENTHUB_SERVER_URL")
	if serverURL == "" {
		serverURL = "ws://localhost:8080"
	}

	// Normalise: the server may be given as http(s):// — convert to ws(s)://
	serverURL = strings.Replace(serverURL, "https://", "wss://", 1)
	serverURL = strings.Replace(serverURL, "http://", "ws://", 1)

	key := os.Getenv("AGENTHUB_WORKER_KEY")
	if key == "" {
		return nil, fmt.Errorf("AGENTHUB_WORKER_KEY is required (worker key from agenthub-server setup)")
	}

	cfg := &Config{
		ServerURL:         serverURL,
		WorkerKey:         key,
		ShellToolsDir:     os.Getenv("AGENTHUB_SHELL_TOOLS_DIR"),
		HealthPort:        envInt("AGENTHUB_WORKER_HEALTH_PORT", 0),
		HeartbeatInterval: envDuration("AGENTHUB_HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectDelay:    2 * time.Second,
		ReconnectMaxDelay: 60 * time.Second,
	}

	// AGENTHUB_ALLOWED_TOOLS=read_file,run_command,web_fetch
	if v := os.Getenv("AGENTHUB_ALLOWED_TOOLS"); v != "" {
		for _, tool := range strings.Split(v, ",") {
			tool = strings.TrimSpace(tool)
			if tool != "" {
				cfg.AllowedTools = append(cfg.AllowedTools, tool)
			}
		}
	}

	return cfg, nil
}

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
