package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agenthub/agenthub/pkg/protocol"
)

// Options configures a Hub.
type Options struct {
	// UniqueTools rejects a registration whose tool names collide with an
	// already-connected worker. Default off: duplicates are load-balanced.
	UniqueTools bool
}

// Hub owns the worker registry, the dispatcher, and the pending-call table.
// A single mutex serializes every mutation, so each dispatch decision, result
// delivery, cancellation, and disconnect cleanup is atomic with respect to
// the others.
type Hub struct {
	mu       sync.Mutex
	reg      *Registry
	pending  map[string]*Call  // call id -> in-flight call
	affinity map[string]string // session id -> last worker id
	lastSeq  map[string]uint64 // tool name -> seq of last-assigned worker

	logger *slog.Logger
}

// New creates a Hub with no connected workers.
func New(opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		reg:      NewRegistry(opts.UniqueTools),
		pending:  make(map[string]*Call),
		affinity: make(map[string]string),
		lastSeq:  make(map[string]uint64),
		logger:   logger,
	}
}

// Register adds a worker and returns its assigned id.
func (h *Hub) Register(tools []protocol.ToolSchema, conn Conn) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w, err := h.reg.Register(tools, conn)
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	h.logger.Info("worker registered", "worker_id", w.ID, "tools", names)
	return w.ID, nil
}

// HandleDisconnect fails every pending call assigned to the worker and
// removes its record, in one critical section. Callers waiting on those calls
// unblock immediately with a worker_disconnected error instead of hanging
// until a timeout. Idempotent for unknown ids.
func (h *Hub) HandleDisconnect(workerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	failed := 0
	for id, call := range h.pending {
		if call.WorkerID != workerID {
			continue
		}
		delete(h.pending, id)
		call.settle(nil, &CallError{
			CallID:  call.ID,
			Tool:    call.Tool,
			Reason:  ReasonWorkerDisconnected,
			Message: "worker disconnected during call",
		})
		failed++
	}

	if w := h.reg.Unregister(workerID); w != nil {
		h.logger.Info("worker disconnected", "worker_id", workerID, "failed_calls", failed)
	}
}

// Dispatch selects a worker for the tool, marks it busy, sends it the call,
// and returns the pending Call. Selection prefers the session's last worker
// when it is idle and still advertises the tool; otherwise it round-robins
// over the idle advertisers. Returns NoWorkerError when no idle worker
// advertises the tool, including when every advertiser is busy.
func (h *Hub) Dispatch(sessionID, tool string, args json.RawMessage) (*Call, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var w *Worker
	if sessionID != "" {
		if prev, ok := h.affinity[sessionID]; ok {
			if cand, ok := h.reg.Get(prev); ok && cand.status == StatusIdle && cand.Advertises(tool) {
				w = cand
			}
		}
	}
	if w == nil {
		idle := h.reg.IdleByTool(tool)
		if len(idle) == 0 {
			return nil, &NoWorkerError{Tool: tool}
		}
		// Next idle advertiser registered after the last one assigned this
		// tool, wrapping to the earliest. Keyed on registration seq rather
		// than an index so a shrinking idle set never skips a worker.
		w = idle[0]
		for _, cand := range idle {
			if cand.seq > h.lastSeq[tool] {
				w = cand
				break
			}
		}
	}
	if sessionID != "" {
		h.affinity[sessionID] = w.ID
	}
	h.lastSeq[tool] = w.seq

	call := newCall(tool, sessionID, w.ID)
	w.status = StatusBusy
	w.currentCall = call.ID
	h.pending[call.ID] = call

	msg := protocol.ToolCallMessage{
		Type:      protocol.TypeToolCall,
		CallID:    call.ID,
		ToolName:  tool,
		Arguments: args,
	}
	if err := w.conn.Send(msg); err != nil {
		// Transport is dead or dying; undo the dispatch and let the
		// connection's own teardown handle unregistration.
		delete(h.pending, call.ID)
		w.status = StatusIdle
		w.currentCall = ""
		return nil, fmt.Errorf("sending tool call to worker %s: %w", w.ID, err)
	}

	h.logger.Debug("tool call dispatched",
		"call_id", call.ID, "tool", tool, "worker_id", w.ID, "session_id", sessionID)
	return call, nil
}

// Await blocks until the call settles or ctx ends. Context expiry cancels the
// call, so the worker is told to stop and freed for other calls; the settled
// outcome is then returned.
func (h *Hub) Await(ctx context.Context, call *Call) (json.RawMessage, error) {
	select {
	case <-call.Done():
		return call.Outcome()
	case <-ctx.Done():
		h.Cancel(call)
		<-call.Done()
		return call.Outcome()
	}
}

// Invoke dispatches a tool call and waits for its outcome.
func (h *Hub) Invoke(ctx context.Context, sessionID, tool string, args json.RawMessage) (json.RawMessage, error) {
	call, err := h.Dispatch(sessionID, tool, args)
	if err != nil {
		return nil, err
	}
	return h.Await(ctx, call)
}

// Cancel settles a pending call as cancelled and frees its worker. The
// worker is sent a best-effort cancel frame; a result it still sends for the
// call arrives with an unknown call id and is dropped. No-op once the call
// has settled.
func (h *Hub) Cancel(call *Call) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.pending[call.ID]; !ok {
		return
	}
	delete(h.pending, call.ID)

	if w, ok := h.reg.Get(call.WorkerID); ok {
		err := w.conn.Send(protocol.CancelMessage{
			Type:   protocol.TypeCancel,
			CallID: call.ID,
		})
		if err != nil {
			h.logger.Warn("sending cancel to worker", "worker_id", w.ID, "error", err)
		}
		w.status = StatusIdle
		w.currentCall = ""
	}

	call.settle(nil, &CallError{
		CallID: call.ID,
		Tool:   call.Tool,
		Reason: ReasonCancelled,
	})
	h.logger.Info("tool call cancelled", "call_id", call.ID, "tool", call.Tool)
}

// HandleResult settles the pending call named by a worker's tool_result and
// returns the worker to the idle state. Results for unknown or already
// settled call ids are logged and dropped, as are results from a worker other
// than the call's assignee.
func (h *Hub) HandleResult(workerID string, msg protocol.ToolResultMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	call, ok := h.pending[msg.CallID]
	if !ok {
		h.logger.Debug("dropping result for unknown call", "call_id", msg.CallID, "worker_id", workerID)
		return
	}
	if call.WorkerID != workerID {
		h.logger.Warn("dropping result from wrong worker",
			"call_id", msg.CallID, "worker_id", workerID, "assigned_worker", call.WorkerID)
		return
	}
	delete(h.pending, msg.CallID)

	if w, ok := h.reg.Get(workerID); ok {
		w.status = StatusIdle
		w.currentCall = ""
	}

	if msg.Status == protocol.StatusOK {
		call.settle(msg.Payload, nil)
	} else {
		call.settle(nil, &CallError{
			CallID:  call.ID,
			Tool:    call.Tool,
			Reason:  ReasonWorkerError,
			Message: errorText(msg.Payload),
		})
	}
	h.logger.Debug("tool call settled",
		"call_id", call.ID, "tool", call.Tool, "status", msg.Status, "duration_ms", msg.DurationMS)
}

// ListTools returns the aggregated tool schemas across connected workers.
func (h *Hub) ListTools() map[string]protocol.ToolSchema {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg.Schemas()
}

// Workers returns snapshots of all connected workers.
func (h *Hub) Workers() []WorkerSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg.Snapshot()
}

// WorkerCount returns the number of connected workers.
func (h *Hub) WorkerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg.Size()
}

// PendingCalls returns the number of in-flight calls.
func (h *Hub) PendingCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// errorText extracts a readable message from an error payload. Workers send
// the failure message as a JSON string; anything else is passed through raw.
func errorText(payload json.RawMessage) string {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	return string(payload)
}
