package hub

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Call is the future for one dispatched tool call. It is created by Dispatch
// already assigned to a worker, and settles exactly once: with a result, a
// worker-reported error, a disconnect, or a cancellation. Settled state never
// changes; late or duplicate results for a settled call are dropped.
type Call struct {
	ID        string
	Tool      string
	SessionID string
	WorkerID  string
	StartedAt time.Time

	done   chan struct{}
	result json.RawMessage
	err    error
}

func newCall(tool, sessionID, workerID string) *Call {
	return &Call{
		ID:        uuid.NewString(),
		Tool:      tool,
		SessionID: sessionID,
		WorkerID:  workerID,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// settle records the outcome and releases waiters. The hub calls it exactly
// once per call, under its lock, immediately after removing the call from the
// pending map.
func (c *Call) settle(result json.RawMessage, err error) {
	c.result = result
	c.err = err
	close(c.done)
}

// Done is closed when the call settles.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Outcome returns the settled result or error. It must only be called after
// Done is closed.
func (c *Call) Outcome() (json.RawMessage, error) {
	return c.result, c.err
}
