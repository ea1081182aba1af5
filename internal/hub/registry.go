// Package hub implements the dispatch hub: the worker registry, the
// affinity/round-robin dispatcher, and the call-future bridge between the
// asynchronous worker transport and synchronous-looking callers.
//
// All registry and dispatcher state is mutated under a single Hub mutex so
// that dispatch, result delivery, cancellation, and disconnect handling are
// serialized with respect to each other. A pending call can therefore never
// outlive its worker record: the disconnect handler fails every pending call
// targeting a worker before that worker is removed, in one critical section.
package hub

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/agenthub/agenthub/pkg/protocol"
)

// Conn is the transport session to one worker. The Worker record exclusively
// owns it for message sending; the hub writes to it only while holding its
// lock, after confirming the worker is still registered.
type Conn interface {
	Send(v any) error
	Close() error
}

// Status is a worker's dispatch availability.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// Worker is the hub-owned record for one connected worker. A worker holds at
// most one active call at a time; the dispatcher never selects a busy worker.
type Worker struct {
	ID    string
	Tools []protocol.ToolSchema

	conn        Conn
	status      Status
	currentCall string // call id, empty when idle
	seq         uint64 // registration order, for deterministic selection
	connectedAt time.Time
	toolSet     map[string]bool
}

// Advertises reports whether the worker registered the named tool.
func (w *Worker) Advertises(tool string) bool {
	return w.toolSet[tool]
}

// Registry maps worker ids to records. It is not safe for concurrent use on
// its own — the Hub serializes all access under its mutex.
type Registry struct {
	workers map[string]*Worker
	nextSeq uint64

	// uniqueTools turns a registration that re-advertises an already-owned
	// tool name into a DuplicateToolError. Off by default: multiple workers
	// may advertise the same tool and the dispatcher balances across them.
	uniqueTools bool
}

// NewRegistry creates an empty registry. With uniqueTools set, each tool name
// may be owned by at most one connected worker.
func NewRegistry(uniqueTools bool) *Registry {
	return &Registry{
		workers:     make(map[string]*Worker),
		uniqueTools: uniqueTools,
	}
}

// Register creates a Worker record for a new connection and marks it idle.
// The returned worker id is unique among connected workers.
func (r *Registry) Register(tools []protocol.ToolSchema, conn Conn) (*Worker, error) {
	if r.uniqueTools {
		for _, t := range tools {
			for _, w := range r.workers {
				if w.Advertises(t.Name) {
					return nil, &DuplicateToolError{Tool: t.Name, WorkerID: w.ID}
				}
			}
		}
	}

	toolSet := make(map[string]bool, len(tools))
	for _, t := range tools {
		toolSet[t.Name] = true
	}

	r.nextSeq++
	w := &Worker{
		ID:          newWorkerID(),
		Tools:       tools,
		conn:        conn,
		status:      StatusIdle,
		seq:         r.nextSeq,
		connectedAt: time.Now(),
		toolSet:     toolSet,
	}
	r.workers[w.ID] = w
	return w, nil
}

// Unregister removes a worker record. Idempotent: removing an absent id is a
// no-op. Returns the removed record, or nil if it was already gone.
func (r *Registry) Unregister(id string) *Worker {
	w, ok := r.workers[id]
	if !ok {
		return nil
	}
	delete(r.workers, id)
	return w
}

// Get looks up a worker by id.
func (r *Registry) Get(id string) (*Worker, bool) {
	w, ok := r.workers[id]
	return w, ok
}

// IdleByTool returns every idle worker advertising the tool, in registration
// order. Registration order makes round-robin tie-breaking deterministic.
func (r *Registry) IdleByTool(tool string) []*Worker {
	var idle []*Worker
	for _, w := range r.workers {
		if w.status == StatusIdle && w.Advertises(tool) {
			idle = append(idle, w)
		}
	}
	// Insertion sort by seq — the idle set is small.
	for i := 1; i < len(idle); i++ {
		for j := i; j > 0 && idle[j-1].seq > idle[j].seq; j-- {
			idle[j-1], idle[j] = idle[j], idle[j-1]
		}
	}
	return idle
}

// Schemas returns the union of tool schemas across all connected workers.
// When two workers expose divergent schemas under the same name, the
// most-recently-registered worker wins.
func (r *Registry) Schemas() map[string]protocol.ToolSchema {
	winner := make(map[string]uint64)
	schemas := make(map[string]protocol.ToolSchema)
	for _, w := range r.workers {
		for _, t := range w.Tools {
			if seq, ok := winner[t.Name]; ok && seq > w.seq {
				continue
			}
			winner[t.Name] = w.seq
			schemas[t.Name] = t
		}
	}
	return schemas
}

// Size returns the number of connected workers.
func (r *Registry) Size() int {
	return len(r.workers)
}

// WorkerSnapshot is a read-only copy of a worker's state for status endpoints.
type WorkerSnapshot struct {
	ID          string    `json:"id"`
	Tools       []string  `json:"tools"`
	Status      Status    `json:"status"`
	CurrentCall string    `json:"current_call,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Snapshot returns read-only copies of all worker records, in registration order.
func (r *Registry) Snapshot() []WorkerSnapshot {
	ordered := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		ordered = append(ordered, w)
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1].seq > ordered[j].seq; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}

	snaps := make([]WorkerSnapshot, 0, len(ordered))
	for _, w := range ordered {
		names := make([]string, 0, len(w.Tools))
		for _, t := range w.Tools {
			names = append(names, t.Name)
		}
		snaps = append(snaps, WorkerSnapshot{
			ID:          w.ID,
			Tools:       names,
			Status:      w.status,
			CurrentCall: w.currentCall,
			ConnectedAt: w.connectedAt,
		})
	}
	return snaps
}

// newWorkerID generates a random hex id for a worker.
func newWorkerID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
