// Command agenthub-server is the agent dispatch hub.
//
// It serves the chat API and WebSocket, calls the Anthropic Messages API for
// each conversation turn, and routes the model's tool calls to remote workers
// connected over WebSocket.
//
// Usage:
//
//	# Start the server (requires ANTHROPIC_API_KEY, AGENTHUB_WORKER_KEY_HASH)
//	agenthub-server
//
//	# Generate keys for initial setup
//	agenthub-server setup
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"

	"github.com/agenthub/agenthub/internal/server"
	"github.com/agenthub/agenthub/pkg/auth"
	"github.com/agenthub/agenthub/pkg/logutil"
)

func main() {
	// Load .env if present (silently ignore if missing).
	// Environment variables already set take precedence over .env values.
	_ = godotenv.Load()

	logger := logutil.New(os.Getenv("AGENTHUB_LOG_LEVEL"))

	// Check for subcommands
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "setup":
			writeEnv := false
			for _, arg := range os.Args[2:] {
				if arg == "--write-env" {
					writeEnv = true
				}
			}
			runSetup(writeEnv)
			return
		case "version":
			fmt.Println("agenthub-server v0.1.0")
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	// --- Main server ---
	cfg, err := server.LoadConfig()
	if err != nil {
		logger.Error("configuration error", "error", err.Error())
		os.Exit(1)
	}

	// Start embedded miniredis if no REDIS_URL provided
	var miniRedis *miniredis.Miniredis
	if cfg.RedisURL == "" {
		miniRedis, err = miniredis.Run()
		if err != nil {
			logger.Error("failed to start embedded redis", "error", err)
			os.Exit(1)
		}
		cfg.RedisURL = "redis://" + miniRedis.Addr()
		cfg.EmbeddedRedis = true
		cfg.EmbeddedRedisAddr = miniRedis.Addr()
		logger.Info("started embedded redis", "addr", miniRedis.Addr())
	}
	defer func() {
		if miniRedis != nil {
			miniRedis.Close()
		}
	}()

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		logger.Error("server initialization failed", "error", err)
		os.Exit(1)
	}

	// Handle signals for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// runSetup generates worker and API keys and prints the required environment
// variables. With --write-env the configuration is written to .env (refusing
// to overwrite an existing file).
func runSetup(writeEnv bool) {
	if writeEnv {
		if _, err := os.Stat(".env"); err == nil {
			fmt.Fprintln(os.Stderr, "Error: .env already exists. Remove it first or run setup without --write-env.")
			os.Exit(1)
		}
	}

	workerKey, err := auth.GenerateWorkerKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating worker key: %v\n", err)
		os.Exit(1)
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating API key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("agenthub-server setup")
	fmt.Println("=====================")
	fmt.Println()
	fmt.Println("Generating keys...")
	fmt.Println()

	fmt.Println("=== WORKER KEY (for agenthub-worker) ===")
	fmt.Println("Give this key to tool workers to connect agenthub-worker:")
	fmt.Printf("  %s\n", workerKey.Key)
	fmt.Println()
	fmt.Printf("  Use it with:  AGENTHUB_WORKER_KEY=%s agenthub-worker\n", workerKey.Key)
	fmt.Println()

	fmt.Println("=== API KEY (for chat clients) ===")
	fmt.Println("Give this key to applications calling the chat API:")
	fmt.Printf("  %s\n", apiKey.Key)
	fmt.Println()

	fmt.Println("=== SAVE THESE KEYS NOW ===")
	fmt.Println("The plaintext keys above will NOT be shown again.")
	fmt.Println()

	envContent := fmt.Sprintf(
		"AGENTHUB_WORKER_KEY_HASH='%s'\nAGENTHUB_API_KEY_HASH='%s'\n# ANTHROPIC_API_KEY=sk-ant-...  # Required: Anthropic Messages API key\n# AGENTHUB_REDIS_URL=redis://localhost:6379  # Optional: uses embedded Redis if not set\n",
		workerKey.Hash, apiKey.Hash,
	)

	if writeEnv {
		if err := os.WriteFile(".env", []byte(envContent), 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing .env: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✓ Wrote .env (mode 0600)")
		fmt.Println()
	} else {
		fmt.Println("=== .env FILE ===")
		fmt.Println("Copy this into your .env file (or re-run with --write-env):")
		fmt.Println()
		fmt.Print(envContent)
		fmt.Println()
	}
}

// printHelp prints usage information.
func printHelp() {
	fmt.Println(`agenthub-server — agent dispatch hub

Usage:
  agenthub-server                    Start the server
  agenthub-server setup              Generate keys and print configuration
  agenthub-server setup --write-env  Write keys to .env file
  agenthub-server version            Print version
  agenthub-server help               Print this help

Environment Variables:
  ANTHROPIC_API_KEY            Anthropic Messages API key (required)
  ANTHROPIC_BASE_URL           Override the Anthropic API base URL (optional)
  AGENTHUB_WORKER_KEY_HASH     Argon2id hash of the worker key (required)
  AGENTHUB_API_KEY_HASH        Argon2id hash of the client API key (optional — open access if unset)
  AGENTHUB_MODEL               Model name (default: claude-sonnet-4-20250514)
  AGENTHUB_SYSTEM_PROMPT       System prompt sent with every conversation (optional)
  AGENTHUB_MAX_TOKENS          max_tokens per request (default: 8192)
  AGENTHUB_PORT                HTTP listen port (default: 8080)
  AGENTHUB_HOST                Bind address (default: 0.0.0.0)
  AGENTHUB_UNIQUE_TOOLS        Reject workers re-advertising an existing tool name (default: false)
  AGENTHUB_REGISTER_TIMEOUT    Max wait for a worker's register frame (default: 10s)
  AGENTHUB_HEARTBEAT_INTERVAL  Server → worker keepalive interval (default: 15s)
  AGENTHUB_AUTH_CACHE_TTL      Key verification cache TTL (default: 5m)
  AGENTHUB_REDIS_URL           Redis URL (optional — uses embedded in-memory Redis if not set)
  AGENTHUB_LOG_LEVEL           Log level: debug, info, warn, error (default: info)

Endpoints:
  GET  /healthz                      200 when at least one worker is connected, 503 otherwise
  WS   /ws/worker                    Worker registration and tool dispatch
  WS   /ws/chat                      Sessionless chat
  POST /prompt                       One-shot prompt, runs the tool loop to completion
  GET  /api/workers                  Connected workers and aggregated tools
  POST /sessions                     Create a session
  GET  /sessions                     List sessions
  WS   /sessions/{id}/chat           Session-bound chat
  POST /sessions/{id}/prompt         Session-bound one-shot prompt
  POST /sessions/{id}/clear          Clear a session's history
  DELETE /sessions/{id}              Delete a session

More information: https://github.com/agenthub/agenthub`)
}
