package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"
)

// writeFakeWorker creates a script that stands in for agenthub-worker: it
// just sleeps until signalled.
func writeFakeWorker(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 60\n"), 0o755); err != nil {
		t.Fatalf("writing fake worker: %v", err)
	}
	return path
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("pool manager uses unix signals")
	}
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.SetConfig("ws://localhost:8080", 28000); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	m.state.WorkerBin = writeFakeWorker(t, dir)
	t.Cleanup(func() { m.RemoveAll() }) //nolint:errcheck
	return m
}

func waitForDead(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("pid %d still alive", pid)
}

func TestAddAndRemoveWorker(t *testing.T) {
	m := newTestManager(t)

	entry, err := m.AddWorker()
	if err != nil {
		t.Fatalf("AddWorker: %v", err)
	}
	if entry.ID != "w1" {
		t.Errorf("id = %q, want w1", entry.ID)
	}
	if !processAlive(entry.PID) {
		t.Fatalf("spawned worker pid %d not alive", entry.PID)
	}

	// State survives a manager restart.
	reloaded, err := NewManager(m.dir)
	if err != nil {
		t.Fatalf("reloading manager: %v", err)
	}
	if got := reloaded.Workers(); len(got) != 1 || got[0].ID != "w1" {
		t.Fatalf("reloaded workers = %+v", got)
	}

	ok, err := m.RemoveWorker("w1")
	if err != nil || !ok {
		t.Fatalf("RemoveWorker = %v, %v", ok, err)
	}
	waitForDead(t, entry.PID)
	if got := m.Workers(); len(got) != 0 {
		t.Fatalf("workers after remove = %+v", got)
	}
}

func TestRemoveUnknownWorker(t *testing.T) {
	m := newTestManager(t)
	ok, err := m.RemoveWorker("w9")
	if err != nil {
		t.Fatalf("RemoveWorker: %v", err)
	}
	if ok {
		t.Fatal("removing an unknown worker reported success")
	}
}

func TestScaleTo(t *testing.T) {
	m := newTestManager(t)

	res, err := m.ScaleTo(2)
	if err != nil {
		t.Fatalf("ScaleTo(2): %v", err)
	}
	if len(res.Added) != 2 || res.Total != 2 {
		t.Fatalf("scale up = %+v", res)
	}
	if res.Added[0].Port == res.Added[1].Port {
		t.Fatalf("workers share port %d", res.Added[0].Port)
	}

	res, err = m.ScaleTo(0)
	if err != nil {
		t.Fatalf("ScaleTo(0): %v", err)
	}
	if len(res.Removed) != 2 || res.Total != 0 {
		t.Fatalf("scale down = %+v", res)
	}
	// Most recently added goes first.
	if res.Removed[0] != "w2" {
		t.Errorf("removed order = %v", res.Removed)
	}
}

func TestAddWorkerRequiresHubURL(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("pool manager uses unix signals")
	}
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m.AddWorker(); err == nil {
		t.Fatal("AddWorker without hub_url succeeded")
	}
}

func TestNextWorkerIDFillsGaps(t *testing.T) {
	m := newTestManager(t)
	m.state.Workers = []WorkerEntry{{ID: "w1"}, {ID: "w3"}}
	if got := m.nextWorkerID(); got != "w2" {
		t.Errorf("nextWorkerID = %q, want w2", got)
	}
}

func TestStatusProbes(t *testing.T) {
	m := newTestManager(t)

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sick.Close()

	m.state.Workers = []WorkerEntry{
		{ID: "w1", Port: serverPort(t, healthy.URL), PID: os.Getpid()},
		{ID: "w2", Port: serverPort(t, sick.URL), PID: os.Getpid()},
		{ID: "w3", Port: 1, PID: 1 << 28}, // no such process
	}

	statuses := m.Status(context.Background())
	if len(statuses) != 3 {
		t.Fatalf("statuses = %+v", statuses)
	}
	if !statuses[0].Alive || statuses[0].Health != HealthConnected {
		t.Errorf("w1 = %+v, want alive connected", statuses[0])
	}
	if !statuses[1].Alive || statuses[1].Health != HealthDisconnected {
		t.Errorf("w2 = %+v, want alive disconnected", statuses[1])
	}
	if statuses[2].Alive || statuses[2].Health != HealthUnreachable {
		t.Errorf("w3 = %+v, want dead unreachable", statuses[2])
	}
}

func serverPort(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parsing %s: %v", rawURL, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("port of %s: %v", rawURL, err)
	}
	return port
}
