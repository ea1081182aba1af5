package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agenthub/agenthub/internal/hub"
	"github.com/agenthub/agenthub/pkg/auth"
	"github.com/agenthub/agenthub/pkg/protocol"
)

// workerConn wraps a worker's WebSocket connection behind a write mutex so the
// hub, the heartbeat loop and the read loop can all send frames safely.
type workerConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (wc *workerConn) Send(v any) error {
	data, err := protocol.MarshalMessage(v)
	if err != nil {
		return err
	}
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.conn.WriteMessage(websocket.TextMessage, data)
}

func (wc *workerConn) Close() error {
	return wc.conn.Close()
}

// WorkerWSHandler accepts tool worker connections on /ws/worker.
//
// A worker's first frame must be a register message carrying its key and tool
// schemas. After a successful register_ack the connection enters the message
// loop until the worker disconnects.
type WorkerWSHandler struct {
	verifier *auth.Verifier
	hub      *hub.Hub
	config   *Config
	logger   *slog.Logger

	upgrader websocket.Upgrader
}

// NewWorkerWSHandler creates a WebSocket handler for tool worker connections.
func NewWorkerWSHandler(verifier *auth.Verifier, h *hub.Hub, config *Config, logger *slog.Logger) *WorkerWSHandler {
	return &WorkerWSHandler{
		verifier: verifier,
		hub:      h,
		config:   config,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs the worker registration handshake
// followed by the message loop.
func (h *WorkerWSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	wc := &workerConn{conn: conn}

	// First message must be a register, within the registration deadline.
	if err := conn.SetReadDeadline(time.Now().Add(h.config.RegisterTimeout)); err != nil {
		h.logger.Error("setting registration deadline", "error", err)
		return
	}
	_, msgData, err := conn.ReadMessage()
	if err != nil {
		h.logger.Warn("reading register message", "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	msg, err := protocol.ParseMessage(msgData)
	if err != nil {
		h.logger.Warn("parsing register message", "error", err)
		h.rejectRegistration(wc, "invalid register message")
		return
	}

	reg, ok := msg.(protocol.RegisterMessage)
	if !ok {
		h.logger.Warn("first message must be register", "got_type", fmt.Sprintf("%T", msg))
		h.rejectRegistration(wc, "first message must be register")
		return
	}

	// Verify the worker key.
	valid, err := h.verifier.VerifyWorkerKey(reg.Key)
	if err != nil || !valid {
		h.logger.Warn("worker authentication failed", "error", err)
		h.rejectRegistration(wc, "authentication failed")
		return
	}

	workerID, err := h.hub.Register(reg.Tools, wc)
	if err != nil {
		h.logger.Warn("worker registration rejected", "error", err)
		h.rejectRegistration(wc, err.Error())
		return
	}

	ack := protocol.RegisterAckMessage{
		Type:     protocol.TypeRegisterAck,
		Success:  true,
		WorkerID: workerID,
	}
	if err := wc.Send(ack); err != nil {
		h.logger.Error("sending register_ack", "worker_id", workerID, "error", err)
		h.hub.HandleDisconnect(workerID)
		return
	}

	workerCtx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.heartbeatLoop(workerCtx, wc, workerID)

	// Enter message loop (blocks until disconnect).
	h.messageLoop(wc, workerID)
}

// rejectRegistration sends a failed register_ack and lets the deferred close
// tear the connection down.
func (h *WorkerWSHandler) rejectRegistration(wc *workerConn, reason string) {
	ack := protocol.RegisterAckMessage{
		Type:    protocol.TypeRegisterAck,
		Success: false,
		Error:   reason,
	}
	wc.Send(ack) //nolint:errcheck
}

// messageLoop reads messages from a worker until it disconnects. Every exit
// path runs the hub's disconnect cleanup, which fails the worker's pending
// calls before removing it.
func (h *WorkerWSHandler) messageLoop(wc *workerConn, workerID string) {
	defer h.hub.HandleDisconnect(workerID)

	for {
		_, msgData, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("worker disconnected unexpectedly", "worker_id", workerID, "error", err)
			} else {
				h.logger.Info("worker disconnected", "worker_id", workerID)
			}
			return
		}

		msg, err := protocol.ParseMessage(msgData)
		if err != nil {
			h.logger.Warn("invalid message from worker", "worker_id", workerID, "error", err)
			continue
		}

		switch m := msg.(type) {
		case protocol.ToolResultMessage:
			h.hub.HandleResult(workerID, m)
		case protocol.HeartbeatMessage:
			if err := wc.Send(protocol.HeartbeatAckMessage{Type: protocol.TypeHeartbeatAck}); err != nil {
				h.logger.Error("sending heartbeat_ack", "worker_id", workerID, "error", err)
			}
		default:
			h.logger.Warn("unexpected message type from worker",
				"worker_id", workerID,
				"type", fmt.Sprintf("%T", m),
			)
		}
	}
}

// heartbeatLoop sends periodic keepalives so idle connections survive
// intermediate proxies.
func (h *WorkerWSHandler) heartbeatLoop(ctx context.Context, wc *workerConn, workerID string) {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wc.Send(protocol.HeartbeatAckMessage{Type: protocol.TypeHeartbeatAck}); err != nil {
				h.logger.Warn("worker heartbeat failed", "worker_id", workerID, "error", err)
				return
			}
		}
	}
}
