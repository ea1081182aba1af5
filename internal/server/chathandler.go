package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agenthub/agenthub/internal/conversation"
	"github.com/agenthub/agenthub/internal/hub"
	"github.com/agenthub/agenthub/internal/session"
	"github.com/agenthub/agenthub/pkg/auth"
)

// Chat frame types sent to the client while a turn runs.
const (
	chatFrameToolUse    = "tool_use"
	chatFrameToolResult = "tool_result"
	chatFrameDone       = "done"
	chatFrameCancelled  = "cancelled"
	chatFrameError      = "error"
)

// chatFrame is the wire format for both directions of the chat WebSocket.
// Inbound frames use Type "message" or "cancel"; outbound frames use the
// chatFrame* constants above.
type chatFrame struct {
	Type      string          `json:"type"`
	Content   string          `json:"content,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// chatConn serializes writes to a chat client's WebSocket. The turn goroutine
// and the read loop both send frames.
type chatConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (cc *chatConn) send(f chatFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.conn.WriteMessage(websocket.TextMessage, data)
}

// ChatWSHandler serves interactive conversations over WebSocket.
//
// /ws/chat runs a fresh conversation whose history lives only as long as the
// connection. Session-bound connections (from /sessions/{id}/chat) restore
// the stored history first and save it back after every completed turn.
//
// A connection runs at most one turn at a time. A cancel frame aborts the
// running turn; a new message frame aborts it first, then starts its own turn.
type ChatWSHandler struct {
	api      conversation.MessagesAPI
	hub      *hub.Hub
	store    *session.Store
	verifier *auth.Verifier
	config   *Config
	logger   *slog.Logger

	upgrader websocket.Upgrader
}

// NewChatWSHandler creates a WebSocket handler for chat clients.
func NewChatWSHandler(api conversation.MessagesAPI, h *hub.Hub, store *session.Store, verifier *auth.Verifier, config *Config, logger *slog.Logger) *ChatWSHandler {
	return &ChatWSHandler{
		api:      api,
		hub:      h,
		store:    store,
		verifier: verifier,
		config:   config,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles a sessionless chat connection.
func (h *ChatWSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, nil)
}

// ServeSession handles a chat connection bound to a stored session.
func (h *ChatWSHandler) ServeSession(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	h.serve(w, r, sess)
}

func (h *ChatWSHandler) serve(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	cc := &chatConn{conn: conn}

	opts := conversation.Options{
		Model:     h.config.Model,
		System:    h.config.SystemPrompt,
		MaxTokens: h.config.MaxTokens,
		SessionID: uuid.NewString(),
		OnToolUse: func(name string, input json.RawMessage) {
			cc.send(chatFrame{Type: chatFrameToolUse, Name: name, Input: input}) //nolint:errcheck
		},
		OnToolResult: func(toolUseID, content string, isError bool) {
			cc.send(chatFrame{Type: chatFrameToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}) //nolint:errcheck
		},
	}
	if sess != nil {
		opts.SessionID = sess.ID
		if sess.Model != "" {
			opts.Model = sess.Model
		}
		if sess.System != "" {
			opts.System = sess.System
		}
		if sess.MaxTokens > 0 {
			opts.MaxTokens = sess.MaxTokens
		}
	}

	conv := conversation.New(h.api, h.hub, opts, h.logger.With("session_id", opts.SessionID))
	if sess != nil {
		conv.Restore(sess.Messages)
	}

	client := &chatClient{
		handler: h,
		cc:      cc,
		conv:    conv,
		sess:    sess,
	}
	client.readLoop()
}

// authorized checks the client key when one is configured. The key travels in
// the Authorization header or, for browser WebSocket clients that cannot set
// headers, a "key" query parameter.
func (h *ChatWSHandler) authorized(r *http.Request) bool {
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

// chatClient is the per-connection state: the conversation, the optional
// stored session, and the currently running turn.
type chatClient struct {
	handler *ChatWSHandler
	cc      *chatConn
	conv    *conversation.Conversation
	sess    *session.Session

	mu       sync.Mutex
	cancel   context.CancelFunc // nil when no turn is running
	turnDone chan struct{}
}

// readLoop processes inbound frames until the client disconnects. The running
// turn, if any, is cancelled on exit.
func (c *chatClient) readLoop() {
	defer c.cancelRunning()

	for {
		_, data, err := c.cc.conn.ReadMessage()
		if err != nil {
			return
		}

		kind, content := parseChatFrame(data)
		switch kind {
		case "cancel":
			c.cancelRunning()
		case "message":
			// A new message replaces the running turn.
			c.cancelRunning()
			c.startTurn(content)
		}
	}
}

// parseChatFrame reads an inbound frame. Raw text that is not a JSON envelope
// is treated as a plain message, so `websocat` style clients work without
// framing.
func parseChatFrame(data []byte) (kind, content string) {
	var f struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		return "message", string(data)
	}
	switch f.Type {
	case "cancel":
		return "cancel", ""
	case "message":
		var s string
		if err := json.Unmarshal(f.Content, &s); err == nil {
			return "message", s
		}
		return "message", string(f.Content)
	default:
		return "message", string(data)
	}
}

// cancelRunning aborts the in-flight turn and waits for it to settle.
func (c *chatClient) cancelRunning() {
	c.mu.Lock()
	cancel, done := c.cancel, c.turnDone
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *chatClient) startTurn(text string) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.turnDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			c.mu.Lock()
			if c.turnDone == done {
				c.cancel = nil
				c.turnDone = nil
			}
			c.mu.Unlock()
			cancel()
		}()
		c.runTurn(ctx, text)
	}()
}

// runTurn drives one agent loop and reports its outcome to the client. On a
// session-bound connection the history is saved after a completed turn and
// after a cancelled one, so a partial tool round survives reconnects.
func (c *chatClient) runTurn(ctx context.Context, text string) {
	answer, err := c.conv.RunUntilDone(ctx, text)
	switch {
	case err == nil:
		c.cc.send(chatFrame{Type: chatFrameDone, Content: answer}) //nolint:errcheck
		c.save()
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		c.cc.send(chatFrame{Type: chatFrameCancelled}) //nolint:errcheck
		c.save()
	default:
		c.handler.logger.Error("turn failed", "error", err)
		c.cc.send(chatFrame{Type: chatFrameError, Content: err.Error()}) //nolint:errcheck
	}
}

func (c *chatClient) save() {
	if c.sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.handler.store.SaveMessages(ctx, c.sess.ID, c.conv.Messages()); err != nil {
		c.handler.logger.Error("saving session history", "session_id", c.sess.ID, "error", err)
	}
}
