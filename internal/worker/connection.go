package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agenthub/agenthub/pkg/protocol"
)

// Connection manages the WebSocket connection from a worker to the server.
// It registers the worker's tool schemas on connect and reads dispatched
// tool calls until the connection closes.
type Connection struct {
	url    string
	key    string
	tools  []protocol.ToolSchema
	logger *slog.Logger
	cfg    *Config

	conn     *websocket.Conn
	mu       sync.Mutex // Protects writes to conn
	workerID string     // Server-assigned worker ID

	// Callback invoked when the server dispatches a tool call.
	onToolCall func(call protocol.ToolCallMessage)

	// Callback invoked when the server cancels an in-flight call.
	onCancel func(callID string)

	// Callback invoked after a successful register_ack.
	onRegistered func()
}

// NewConnection creates a Connection to the server.
func NewConnection(cfg *Config, tools []protocol.ToolSchema, logger *slog.Logger) *Connection {
	return &Connection{
		url:    workerEndpoint(cfg.ServerURL),
		key:    cfg.WorkerKey,
		tools:  tools,
		logger: logger,
		cfg:    cfg,
	}
}

// workerEndpoint appends the worker WebSocket path to a base server URL.
func workerEndpoint(base string) string {
	if strings.HasSuffix(base, "/ws/worker") {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/ws/worker"
}

// OnToolCall registers the callback invoked when the server dispatches a call.
func (c *Connection) OnToolCall(fn func(call protocol.ToolCallMessage)) {
	c.onToolCall = fn
}

// OnCancel registers the callback invoked when the server cancels a call.
func (c *Connection) OnCancel(fn func(callID string)) {
	c.onCancel = fn
}

// OnRegistered registers the callback invoked after a successful register_ack.
func (c *Connection) OnRegistered(fn func()) {
	c.onRegistered = fn
}

// WorkerID returns the server-assigned worker ID (available after Connect).
func (c *Connection) WorkerID() string {
	return c.workerID
}

// Connect dials the server, registers, and enters the message loop.
// It blocks until the connection is closed or ctx is cancelled. The caller
// should call this in a retry loop (handled by Worker.Run).
func (c *Connection) Connect(ctx context.Context) error {
	c.logger.Info("connecting to server", "url", c.url)

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Register with our key and tool schemas.
	reg := protocol.RegisterMessage{
		Type:  protocol.TypeRegister,
		Key:   c.key,
		Tools: c.tools,
	}
	if err := c.sendJSON(reg); err != nil {
		conn.Close()
		return fmt.Errorf("sending register: %w", err)
	}

	// Read register_ack (with deadline so we don't hang forever).
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, msgData, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("reading register_ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{}) // Clear deadline for normal operation

	msg, err := protocol.ParseMessage(msgData)
	if err != nil {
		conn.Close()
		return fmt.Errorf("parsing register_ack: %w", err)
	}

	ack, ok := msg.(protocol.RegisterAckMessage)
	if !ok {
		conn.Close()
		return fmt.Errorf("expected register_ack, got %T", msg)
	}
	if !ack.Success {
		conn.Close()
		return fmt.Errorf("registration failed: %s", ack.Error)
	}

	c.workerID = ack.WorkerID
	names := make([]string, len(c.tools))
	for i, t := range c.tools {
		names[i] = t.Name
	}
	c.logger.Info("registered with server",
		"worker_id", c.workerID,
		"tools", names,
	)
	if c.onRegistered != nil {
		c.onRegistered()
	}

	// Start heartbeat goroutine.
	done := make(chan struct{})
	go c.heartbeatLoop(done)
	defer close(done)

	// When the context is cancelled (SIGTERM/SIGINT), close the WebSocket so
	// that messageLoop's ReadMessage call returns immediately instead of
	// blocking until the process is killed.
	go func() {
		select {
		case <-done:
			// messageLoop exited normally — nothing to do.
		case <-ctx.Done():
			c.logger.Info("shutting down: closing server connection")
			c.Close()
		}
	}()

	return c.messageLoop(conn)
}

// SendResult sends a tool result back to the server.
func (c *Connection) SendResult(result protocol.ToolResultMessage) error {
	return c.sendJSON(result)
}

// Close closes the WebSocket connection.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// messageLoop reads messages from the server until the connection closes.
func (c *Connection) messageLoop(conn *websocket.Conn) error {
	for {
		_, msgData, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived, // server restart
			) {
				return fmt.Errorf("unexpected disconnect: %w", err)
			}
			return nil // Normal or server-initiated close — backoff resets
		}

		msg, err := protocol.ParseMessage(msgData)
		if err != nil {
			c.logger.Warn("invalid message from server", "error", err)
			continue
		}

		switch m := msg.(type) {
		case protocol.ToolCallMessage:
			c.logger.Info("tool call received",
				"call_id", m.CallID,
				"tool", m.ToolName,
			)
			if c.onToolCall != nil {
				// Run in a goroutine — tool execution can take seconds and we
				// don't want to block heartbeats or incoming cancels.
				go c.onToolCall(m)
			}

		case protocol.CancelMessage:
			c.logger.Info("cancel received", "call_id", m.CallID)
			if c.onCancel != nil {
				c.onCancel(m.CallID)
			}

		case protocol.HeartbeatAckMessage:
			// Silent — expected response to our heartbeat.

		default:
			c.logger.Warn("unexpected message from server", "type", fmt.Sprintf("%T", m))
		}
	}
}

func (c *Connection) sendJSON(v any) error {
	data, err := protocol.MarshalMessage(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) heartbeatLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			hb := protocol.HeartbeatMessage{Type: protocol.TypeHeartbeat}
			if err := c.sendJSON(hb); err != nil {
				c.logger.Warn("heartbeat send failed", "error", err)
			}
		}
	}
}
