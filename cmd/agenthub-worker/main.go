// Command agenthub-worker is the tool worker binary.
//
// It connects to agenthub-server via WebSocket, authenticates with a worker
// key, and registers its tool schemas. The server then dispatches tool calls
// to it — the worker executes them and returns results.
//
// Lifecycle:
//  1. Connect to server → register with key and tool schemas
//  2. Receive ToolCallMessage from server
//  3. Execute the named tool (read_file, run_command, etc.)
//  4. Return ToolResultMessage to server
//  5. Repeat until context cancelled
//
// On disconnect: reconnect with exponential backoff.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/agenthub/agenthub/internal/worker"
	"github.com/agenthub/agenthub/pkg/logutil"
	"github.com/agenthub/agenthub/pkg/tools"
)

func main() {
	_ = godotenv.Load()

	// Parse minimal CLI args.
	for _, arg := range os.Args[1:] {
		switch arg {
		case "version":
			fmt.Println("agenthub-worker v0.1.0")
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	logger := logutil.New(os.Getenv("AGENTHUB_LOG_LEVEL"))

	cfg, err := worker.LoadConfig()
	if err != nil {
		logger.Error("configuration error", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && err != context.Canceled {
		logger.Error("fatal", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *worker.Config, logger *slog.Logger) error {
	// Build the tool registry. Start with all built-in tools, then discover
	// any shell tools from the shell tools directory.
	registry := tools.Builtins()
	if cfg.ShellToolsDir != "" {
		tools.LoadShellTools(registry, cfg.ShellToolsDir, logger)
	}

	if len(cfg.AllowedTools) > 0 {
		registry = registry.Filter(cfg.AllowedTools)
	}

	logger.Info("agenthub-worker starting",
		"version", "0.1.0",
		"server_url", cfg.ServerURL,
		"tools", registry.Names(),
	)

	w := worker.NewWorker(cfg, registry, logger)
	go w.ServeHealth(ctx, logger)
	return w.Run(ctx)
}

func printHelp() {
	fmt.Println(`agenthub-worker — Tool executor worker for agenthub-server

Usage:
  agenthub-worker           Connect to the server and start executing tool calls
  agenthub-worker version   Print version
  agenthub-worker help      Print this help

Environment Variables:
  AGENTHUB_SERVER_URL          Server WebSocket URL (default: ws://localhost:8080)
  AGENTHUB_WORKER_KEY          Authentication key (required; worker key from agenthub-server setup)
  AGENTHUB_ALLOWED_TOOLS       Comma-separated list of tools to enable (default: all)
  AGENTHUB_SHELL_TOOLS_DIR     Directory of shell tool scripts to auto-discover (optional)
  AGENTHUB_WORKER_HEALTH_PORT  Local /healthz port (default: off)
  AGENTHUB_HEARTBEAT_INTERVAL  Heartbeat interval (default: 30s)
  AGENTHUB_LOG_LEVEL           Log level: debug, info, warn, error (default: info)

Built-in Tools:
  read_file         Read a file from the worker's filesystem
  list_directory    List a directory, sorted
  run_command       Run a shell command with a timeout
  web_fetch         Fetch a URL as LLM-readable Markdown
  run_javascript    Execute sandboxed JavaScript via goja (no network/filesystem)

Shell Tools:
  Drop executable *.sh files + companion *.tool.json files into the shell tools
  directory and they are auto-discovered at startup. The script receives tool
  arguments as JSON on stdin and must write a JSON result to stdout.`)
}
