package hub

import "fmt"

// NoWorkerError is returned by Dispatch when no idle worker advertises the
// requested tool. The agent loop surfaces it to the model as a tool error
// rather than failing the whole conversation.
type NoWorkerError struct {
	Tool string
}

func (e *NoWorkerError) Error() string {
	return fmt.Sprintf("no available worker for tool %q", e.Tool)
}

// FailReason classifies why a call ended without a successful result.
type FailReason string

const (
	// ReasonWorkerError means the worker executed the tool and reported failure.
	ReasonWorkerError FailReason = "worker_error"
	// ReasonWorkerDisconnected means the worker's transport dropped while the
	// call was in flight.
	ReasonWorkerDisconnected FailReason = "worker_disconnected"
	// ReasonCancelled means the caller cancelled the call.
	ReasonCancelled FailReason = "cancelled"
)

// CallError is the terminal failure of a dispatched call.
type CallError struct {
	CallID  string
	Tool    string
	Reason  FailReason
	Message string
}

func (e *CallError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tool call %s (%s): %s: %s", e.CallID, e.Tool, e.Reason, e.Message)
	}
	return fmt.Sprintf("tool call %s (%s): %s", e.CallID, e.Tool, e.Reason)
}

// DuplicateToolError rejects a registration that re-advertises a tool name
// already owned by a connected worker. Only raised when the hub runs with
// unique tool names enabled.
type DuplicateToolError struct {
	Tool     string
	WorkerID string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q already registered by worker %s", e.Tool, e.WorkerID)
}
