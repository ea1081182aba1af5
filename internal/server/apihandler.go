package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/agenthub/agenthub/internal/conversation"
	"github.com/agenthub/agenthub/internal/hub"
	"github.com/agenthub/agenthub/internal/session"
	"github.com/agenthub/agenthub/pkg/auth"
)

// APIHandler serves the REST surface: health, one-shot prompts, the worker
// listing, and session management.
//
// When AGENTHUB_API_KEY_HASH is configured, every route except /healthz
// requires Bearer token authentication.
type APIHandler struct {
	api      conversation.MessagesAPI
	hub      *hub.Hub
	store    *session.Store
	verifier *auth.Verifier
	chat     *ChatWSHandler
	config   *Config
	logger   *slog.Logger
}

// NewAPIHandler creates the REST handler.
func NewAPIHandler(api conversation.MessagesAPI, h *hub.Hub, store *session.Store, verifier *auth.Verifier, chat *ChatWSHandler, config *Config, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		api:      api,
		hub:      h,
		store:    store,
		verifier: verifier,
		chat:     chat,
		config:   config,
		logger:   logger,
	}
}

// ServeHTTP routes incoming requests.
//
//	GET    /healthz                       - Health check (no auth)
//	POST   /prompt                        - One-shot prompt, no stored session
//	GET    /api/workers                   - Connected workers and their tools
//	POST   /sessions                      - Create a session
//	GET    /sessions                      - List sessions
//	DELETE /sessions                      - Delete all sessions
//	POST   /sessions/clear-all-history    - Clear every session's history
//	GET    /sessions/{id}                 - Get a session with its history
//	DELETE /sessions/{id}                 - Delete a session
//	POST   /sessions/{id}/prompt          - Run a turn on a session
//	POST   /sessions/{id}/clear           - Clear a session's history
//	GET    /sessions/{id}/chat            - Session-bound chat WebSocket
func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	method := r.Method

	// Health is unauthenticated so process supervisors can probe it.
	if method == http.MethodGet && path == "/healthz" {
		h.handleHealth(w, r)
		return
	}

	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	switch {
	case method == http.MethodPost && path == "/prompt":
		h.handlePrompt(w, r)

	case method == http.MethodGet && path == "/api/workers":
		h.handleListWorkers(w, r)

	case method == http.MethodPost && path == "/sessions":
		h.handleCreateSession(w, r)

	case method == http.MethodGet && path == "/sessions":
		h.handleListSessions(w, r)

	case method == http.MethodDelete && path == "/sessions":
		h.handleDeleteAllSessions(w, r)

	case method == http.MethodPost && path == "/sessions/clear-all-history":
		h.handleClearAllHistory(w, r)

	case strings.HasPrefix(path, "/sessions/"):
		h.routeSession(w, r, strings.TrimPrefix(path, "/sessions/"))

	default:
		writeError(w, http.StatusNotFound, "endpoint not found")
	}
}

// routeSession dispatches /sessions/{id} and its sub-resources.
func (h *APIHandler) routeSession(w http.ResponseWriter, r *http.Request, rest string) {
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		h.handleGetSession(w, r, id)
	case sub == "" && r.Method == http.MethodDelete:
		h.handleDeleteSession(w, r, id)
	case sub == "prompt" && r.Method == http.MethodPost:
		h.handleSessionPrompt(w, r, id)
	case sub == "clear" && r.Method == http.MethodPost:
		h.handleClearHistory(w, r, id)
	case sub == "chat" && r.Method == http.MethodGet:
		h.handleSessionChat(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "endpoint not found")
	}
}

func (h *APIHandler) authorized(r *http.Request) bool {
	if h.config.APIKeyHash == "" {
		return true
	}
	key := extractBearerToken(r)
	if key == "" {
		key = r.URL.Query().Get("key")
	}
	ok, err := h.verifier.VerifyAPIKey(key)
	return err == nil && ok
}

// handleHealth reports readiness. The server is only useful with at least one
// worker connected, so an empty pool is a 503.
func (h *APIHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if h.hub.WorkerCount() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "no workers connected")
		return
	}
	fmt.Fprintln(w, "ok")
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

type promptResponse struct {
	Response string `json:"response"`
}

// handlePrompt runs a single agent loop with no stored history.
func (h *APIHandler) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	conv := conversation.New(h.api, h.hub, conversation.Options{
		Model:     h.config.Model,
		System:    h.config.SystemPrompt,
		MaxTokens: h.config.MaxTokens,
		SessionID: uuid.NewString(),
	}, h.logger)

	answer, err := conv.RunUntilDone(r.Context(), req.Prompt)
	if err != nil {
		h.logger.Error("prompt failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, promptResponse{Response: answer})
}

// handleListWorkers reports the connected workers and the aggregated tool set.
func (h *APIHandler) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := h.hub.Workers()
	tools := h.hub.ListTools()
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(workers),
		"workers": workers,
		"tools":   names,
	})
}

type createSessionRequest struct {
	Model     string `json:"model,omitempty"`
	System    string `json:"system,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

func (h *APIHandler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Model == "" {
		req.Model = h.config.Model
	}
	if req.System == "" {
		req.System = h.config.SystemPrompt
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = h.config.MaxTokens
	}

	sess, err := h.store.Create(r.Context(), req.Model, req.System, req.MaxTokens)
	if err != nil {
		h.logger.Error("creating session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sess.ID})
}

func (h *APIHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("listing sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

func (h *APIHandler) handleDeleteAllSessions(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteAll(r.Context()); err != nil {
		h.logger.Error("deleting all sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete sessions")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) handleClearAllHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ClearAllHistory(r.Context()); err != nil {
		h.logger.Error("clearing all histories", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear histories")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) handleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := h.store.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("loading session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *APIHandler) handleDeleteSession(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.Delete(r.Context(), id); err != nil {
		h.logger.Error("deleting session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) handleClearHistory(w http.ResponseWriter, r *http.Request, id string) {
	err := h.store.ClearHistory(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("clearing session history", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionPrompt runs one agent loop on a stored session and persists
// the extended history.
func (h *APIHandler) handleSessionPrompt(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := h.store.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("loading session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	conv := conversation.New(h.api, h.hub, conversation.Options{
		Model:     sess.Model,
		System:    sess.System,
		MaxTokens: sess.MaxTokens,
		SessionID: sess.ID,
	}, h.logger.With("session_id", sess.ID))
	conv.Restore(sess.Messages)

	answer, err := conv.RunUntilDone(r.Context(), req.Prompt)
	if err != nil {
		h.logger.Error("session prompt failed", "session_id", sess.ID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	if err := h.store.SaveMessages(r.Context(), sess.ID, conv.Messages()); err != nil {
		h.logger.Error("saving session history", "session_id", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save session")
		return
	}
	writeJSON(w, http.StatusOK, promptResponse{Response: answer})
}

// handleSessionChat upgrades to a session-bound chat WebSocket.
func (h *APIHandler) handleSessionChat(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := h.store.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("loading session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	h.chat.ServeSession(w, r, sess)
}

// extractBearerToken extracts the token from "Authorization: Bearer xxx".
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
