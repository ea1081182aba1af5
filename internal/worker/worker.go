package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenthub/agenthub/pkg/protocol"
	"github.com/agenthub/agenthub/pkg/tools"
)

// callTimeout bounds a single tool execution. Individual tools apply their own
// tighter deadlines based on their args.
const callTimeout = 5 * time.Minute

// Worker is the top-level tool worker.
// It maintains a persistent WebSocket connection to the server, executes the
// tool calls dispatched to it, and returns results.
type Worker struct {
	cfg      *Config
	registry *tools.Registry
	conn     *Connection
	logger   *slog.Logger

	// In-flight calls by call id, so a cancel frame can abort execution.
	callsMu sync.Mutex
	calls   map[string]context.CancelFunc

	connected atomic.Bool

	// runCtx is the context passed to Run; tool call goroutines inherit it so
	// they are cancelled when the process receives SIGTERM/SIGINT.
	runCtx context.Context
}

// NewWorker creates a Worker with the given config and tool registry.
func NewWorker(cfg *Config, registry *tools.Registry, logger *slog.Logger) *Worker {
	conn := NewConnection(cfg, registry.Definitions(), logger)

	w := &Worker{
		cfg:      cfg,
		registry: registry,
		conn:     conn,
		logger:   logger,
		calls:    make(map[string]context.CancelFunc),
	}

	conn.OnToolCall(w.handleToolCall)
	conn.OnCancel(w.handleCancel)
	conn.OnRegistered(func() { w.connected.Store(true) })
	return w
}

// Connected reports whether the worker currently holds a registered
// connection. The health endpoint uses it.
func (w *Worker) Connected() bool {
	return w.connected.Load()
}

// Run connects to the server and processes tool calls until the context is
// cancelled. On disconnection it retries immediately, then uses exponential
// backoff on repeated failures. Backoff resets to zero when a connection
// succeeds (clean disconnect).
func (w *Worker) Run(ctx context.Context) error {
	w.runCtx = ctx
	var delay time.Duration // 0 = immediate retry

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := w.conn.Connect(ctx)
		w.connected.Store(false)
		if err != nil {
			if ctx.Err() != nil {
				// Context cancelled — this is expected on shutdown, not an error.
				return ctx.Err()
			}
			w.logger.Error("server connection failed", "error", err, "retry_in_sec", int64(delay.Seconds()))
		} else {
			w.logger.Info("disconnected from server, retrying", "retry_in_sec", int64(delay.Seconds()))
			// Reset backoff on clean disconnects (server restart, etc.) — immediate retry.
			delay = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		// Exponential backoff for failures; stays 0 after successful connect.
		if delay == 0 {
			delay = w.cfg.ReconnectDelay
		} else {
			delay *= 2
			if delay > w.cfg.ReconnectMaxDelay {
				delay = w.cfg.ReconnectMaxDelay
			}
		}
	}
}

// handleToolCall is called by Connection when a ToolCallMessage arrives.
// It runs in its own goroutine (spawned by Connection.messageLoop).
func (w *Worker) handleToolCall(call protocol.ToolCallMessage) {
	logger := w.logger.With("call_id", call.CallID, "tool", call.ToolName)
	logger.Info("executing tool")

	start := time.Now()

	// Inherit from runCtx so tool calls are cancelled on SIGTERM/SIGINT.
	baseCtx := w.runCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(baseCtx, callTimeout)
	defer cancel()

	w.callsMu.Lock()
	w.calls[call.CallID] = cancel
	w.callsMu.Unlock()
	defer func() {
		w.callsMu.Lock()
		delete(w.calls, call.CallID)
		w.callsMu.Unlock()
	}()

	result, err := w.registry.Execute(ctx, call.ToolName, call.Arguments)
	durationMS := time.Since(start).Milliseconds()

	if errors.Is(err, context.Canceled) && baseCtx.Err() == nil {
		// The server cancelled this call; it has already settled it and will
		// drop anything we send back.
		logger.Info("tool call cancelled", "duration_ms", durationMS)
		return
	}

	var msg protocol.ToolResultMessage
	if err != nil {
		logger.Error("tool execution failed", "error", err, "duration_ms", durationMS)
		payload, _ := json.Marshal(err.Error())
		msg = protocol.ToolResultMessage{
			Type:       protocol.TypeToolResult,
			CallID:     call.CallID,
			Status:     protocol.StatusError,
			Payload:    payload,
			DurationMS: durationMS,
		}
	} else {
		logger.Info("tool execution complete", "duration_ms", durationMS)
		msg = protocol.ToolResultMessage{
			Type:       protocol.TypeToolResult,
			CallID:     call.CallID,
			Status:     protocol.StatusOK,
			Payload:    result.Output,
			DurationMS: durationMS,
		}
	}

	if err := w.conn.SendResult(msg); err != nil {
		logger.Error("sending tool result", "error", err)
	}
}

// handleCancel aborts the named in-flight call. Unknown ids are ignored: the
// call may have finished while the cancel frame was in flight.
func (w *Worker) handleCancel(callID string) {
	w.callsMu.Lock()
	cancel, ok := w.calls[callID]
	w.callsMu.Unlock()
	if ok {
		cancel()
	}
}
