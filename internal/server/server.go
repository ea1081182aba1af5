package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agenthub/agenthub/internal/hub"
	"github.com/agenthub/agenthub/internal/session"
	"github.com/agenthub/agenthub/pkg/anthropic"
	"github.com/agenthub/agenthub/pkg/auth"
)

// Server is the top-level agenthub server that owns all subsystems.
type Server struct {
	config      *Config
	httpServer  *http.Server
	hub         *hub.Hub
	store       *session.Store
	wsHandler   *WorkerWSHandler
	apiHandler  *APIHandler
	chatHandler *ChatWSHandler
	redisClient *redis.Client
	logger      *slog.Logger
}

// NewServer creates a fully wired server from configuration.
//
// Architecture:
//   - Tool workers connect over /ws/worker and register their tool schemas
//   - The hub tracks workers, aggregates schemas and dispatches tool calls
//   - Chat clients talk to /ws/chat or the /sessions REST API
//   - Each conversation turn calls the Anthropic Messages API, routing any
//     tool_use blocks through the hub to a worker
//   - Session history persists in Redis
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// --- Redis ---
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing AGENTHUB_REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(opts)

	// Verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	// --- Auth ---
	verifier := auth.NewVerifier(cfg.WorkerKeyHash, cfg.APIKeyHash, cfg.AuthCacheTTL)

	// --- Hub ---
	h := hub.New(hub.Options{UniqueTools: cfg.UniqueTools}, logger.With("component", "hub"))

	// --- Sessions ---
	store := session.NewStore(redisClient)

	// --- Anthropic client ---
	var apiOpts []anthropic.Option
	if cfg.AnthropicBaseURL != "" {
		apiOpts = append(apiOpts, anthropic.WithBaseURL(cfg.AnthropicBaseURL))
	}
	api := anthropic.NewClient(cfg.AnthropicAPIKey, apiOpts...)

	// --- Handlers ---
	wsHandler := NewWorkerWSHandler(verifier, h, cfg, logger.With("component", "worker_ws"))
	chatHandler := NewChatWSHandler(api, h, store, verifier, cfg, logger.With("component", "chat_ws"))
	apiHandler := NewAPIHandler(api, h, store, verifier, chatHandler, cfg, logger.With("component", "api"))

	// --- HTTP mux ---
	mux := http.NewServeMux()

	// WebSocket endpoint for tool workers
	mux.Handle("/ws/worker", wsHandler)

	// WebSocket endpoint for chat clients (sessionless)
	mux.Handle("/ws/chat", chatHandler)

	// REST API (sessions, prompts, worker listing, health)
	mux.Handle("/", apiHandler)

	listenAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		config:      cfg,
		httpServer:  httpServer,
		hub:         h,
		store:       store,
		wsHandler:   wsHandler,
		apiHandler:  apiHandler,
		chatHandler: chatHandler,
		redisClient: redisClient,
		logger:      logger,
	}, nil
}

// Hub returns the server's worker hub.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Handler returns the server's root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP connections. It blocks until the context is
// cancelled or the server encounters an error.
func (s *Server) Start(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("agenthub-server starting",
		"addr", listenAddr,
		"model", s.config.Model,
		"redis", s.config.RedisURL,
	)

	// Start HTTP server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and cleans up resources.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down...")

	// Graceful HTTP shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown error", "error", err)
	}

	// Close Redis connection
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Redis close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}
