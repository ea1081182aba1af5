// Package pool manages a fleet of agenthub-worker processes on the local
// machine: spawning, stopping, scaling, and health probing. Pool state
// persists in worker_pool.json so a restarted manager finds its workers.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

const (
	stateFile = "worker_pool.json"
	logsDir   = "logs"

	// killGrace is how long a worker gets to exit after SIGINT before SIGKILL.
	killGrace = 2 * time.Second
)

// Health values reported by Status.
const (
	HealthConnected    = "connected"
	HealthDisconnected = "disconnected"
	HealthUnreachable  = "unreachable"
)

// WorkerEntry is one managed worker process.
type WorkerEntry struct {
	ID   string `json:"id"`
	Port int    `json:"port"` // health endpoint port
	PID  int    `json:"pid"`
}

// WorkerStatus is a WorkerEntry plus its probed liveness.
type WorkerStatus struct {
	WorkerEntry
	Alive  bool   `json:"alive"`
	Health string `json:"health"`
}

// ScaleResult reports what ScaleTo changed.
type ScaleResult struct {
	Added   []WorkerEntry `json:"added"`
	Removed []string      `json:"removed"`
	Total   int           `json:"total"`
}

type poolState struct {
	HubURL    string        `json:"hub_url"`
	BasePort  int           `json:"base_port"`
	WorkerBin string        `json:"worker_bin,omitempty"`
	Workers   []WorkerEntry `json:"workers"`
}

// Manager owns the pool state and the worker processes.
type Manager struct {
	dir string

	mu    sync.Mutex
	state poolState
}

// NewManager loads (or initializes) the pool state in dir.
func NewManager(dir string) (*Manager, error) {
	m := &Manager{
		dir:   dir,
		state: poolState{BasePort: 8081},
	}
	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pool state: %w", err)
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		return nil, fmt.Errorf("decoding pool state: %w", err)
	}
	if m.state.BasePort == 0 {
		m.state.BasePort = 8081
	}
	return m, nil
}

// save writes the state file. Callers hold m.mu.
func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.dir, stateFile), data, 0o644)
}

// SetConfig stores the hub URL and base port.
func (m *Manager) SetConfig(hubURL string, basePort int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.HubURL = hubURL
	if basePort > 0 {
		m.state.BasePort = basePort
	}
	return m.save()
}

// HubURL returns the configured hub URL.
func (m *Manager) HubURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.HubURL
}

// BasePort returns the first port tried for worker health endpoints.
func (m *Manager) BasePort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.BasePort
}

// Workers returns a copy of the current pool entries.
func (m *Manager) Workers() []WorkerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerEntry, len(m.state.Workers))
	copy(out, m.state.Workers)
	return out
}

// workerBin returns the worker binary to spawn. Resolution happens through
// PATH unless the state names a specific path.
func (m *Manager) workerBin() string {
	if m.state.WorkerBin != "" {
		return m.state.WorkerBin
	}
	return "agenthub-worker"
}

// nextWorkerID returns the lowest unused w<n> name.
func (m *Manager) nextWorkerID() string {
	existing := make(map[string]bool, len(m.state.Workers))
	for _, w := range m.state.Workers {
		existing[w.ID] = true
	}
	for n := 1; ; n++ {
		id := fmt.Sprintf("w%d", n)
		if !existing[id] {
			return id
		}
	}
}

// findFreePort returns the first bindable port at or above BasePort that no
// pool entry already claims.
func (m *Manager) findFreePort() (int, error) {
	used := make(map[int]bool, len(m.state.Workers))
	for _, w := range m.state.Workers {
		used[w.Port] = true
	}
	for port := m.state.BasePort; port < m.state.BasePort+1000; port++ {
		if used[port] {
			continue
		}
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port found above %d", m.state.BasePort)
}

// AddWorker spawns one worker process connected to the configured hub and
// records it in the pool.
func (m *Manager) AddWorker() (WorkerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.HubURL == "" {
		return WorkerEntry{}, fmt.Errorf("hub_url not configured (run init first)")
	}

	if err := os.MkdirAll(filepath.Join(m.dir, logsDir), 0o755); err != nil {
		return WorkerEntry{}, fmt.Errorf("creating logs dir: %w", err)
	}

	id := m.nextWorkerID()
	port, err := m.findFreePort()
	if err != nil {
		return WorkerEntry{}, err
	}

	logPath := filepath.Join(m.dir, logsDir, fmt.Sprintf("worker-%s.log", id))
	logFile, err := os.Create(logPath)
	if err != nil {
		return WorkerEntry{}, fmt.Errorf("creating worker log: %w", err)
	}
	defer logFile.Close()

	// The spawned worker inherits the manager's environment, so the operator
	// sets AGENTHUB_WORKER_KEY once for the whole pool.
	cmd := exec.Command(m.workerBin())
	cmd.Env = append(os.Environ(),
		"AGENTHUB_SERVER_URL="+m.state.HubURL,
		fmt.Sprintf("AGENTHUB_WORKER_HEALTH_PORT=%d", port),
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return WorkerEntry{}, fmt.Errorf("starting worker: %w", err)
	}
	// Reap the child when it exits so killed workers don't linger as zombies.
	go cmd.Wait() //nolint:errcheck

	entry := WorkerEntry{ID: id, Port: port, PID: cmd.Process.Pid}
	m.state.Workers = append(m.state.Workers, entry)
	if err := m.save(); err != nil {
		return WorkerEntry{}, err
	}
	return entry, nil
}

// RemoveWorker stops the named worker and drops it from the pool.
// Returns false if no such worker exists.
func (m *Manager) RemoveWorker(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, w := range m.state.Workers {
		if w.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}

	killProcess(m.state.Workers[idx].PID)
	m.state.Workers = append(m.state.Workers[:idx], m.state.Workers[idx+1:]...)
	return true, m.save()
}

// RemoveAll stops every worker and empties the pool. Returns how many were
// stopped.
func (m *Manager) RemoveAll() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := len(m.state.Workers)
	for _, w := range m.state.Workers {
		killProcess(w.PID)
	}
	m.state.Workers = nil
	return count, m.save()
}

// ScaleTo grows or shrinks the pool to the target size. Shrinking removes the
// most recently added workers first.
func (m *Manager) ScaleTo(target int) (ScaleResult, error) {
	var res ScaleResult

	current := len(m.Workers())
	for i := current; i < target; i++ {
		entry, err := m.AddWorker()
		if err != nil {
			return res, err
		}
		res.Added = append(res.Added, entry)
	}
	if target < current {
		workers := m.Workers()
		for i := len(workers) - 1; i >= target; i-- {
			if _, err := m.RemoveWorker(workers[i].ID); err != nil {
				return res, err
			}
			res.Removed = append(res.Removed, workers[i].ID)
		}
	}
	res.Total = len(m.Workers())
	return res, nil
}

// Status probes every worker concurrently: process liveness via signal 0,
// connectivity via its /healthz endpoint.
func (m *Manager) Status(ctx context.Context) []WorkerStatus {
	workers := m.Workers()
	statuses := make([]WorkerStatus, len(workers))

	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = probeWorker(ctx, w)
		}()
	}
	wg.Wait()
	return statuses
}

func probeWorker(ctx context.Context, w WorkerEntry) WorkerStatus {
	st := WorkerStatus{WorkerEntry: w, Health: HealthUnreachable}
	if !processAlive(w.PID) {
		return st
	}
	st.Alive = true

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", w.Port)
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return st
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		st.Health = HealthConnected
	} else {
		st.Health = HealthDisconnected
	}
	return st
}

// processAlive reports whether the pid still exists.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// killProcess interrupts the pid, waits briefly for a clean exit, then kills.
func killProcess(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Signal(os.Interrupt); err != nil {
		return
	}
	deadline := time.Now().Add(killGrace)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	proc.Kill() //nolint:errcheck
}
