//go:build integration

// Package integration contains end-to-end tests that exercise the full hub
// pipeline: HTTP API → Anthropic backend → hub dispatch → real worker →
// tool result → HTTP response.
//
// Run:
//
//	go test -tags integration -v ./tests/integration/
//
// By default tests use embedded miniredis (no external dependencies).
// To test against real Redis, set AGENTHUB_TEST_REDIS_URL:
//
//	AGENTHUB_TEST_REDIS_URL=redis://localhost:6379 go test -tags integration -v ./tests/integration/
//
// The tests do NOT call the real Anthropic API. A scripted backend serves
// canned /v1/messages responses, and a real internal/worker.Worker connects
// over WebSocket to execute the tool calls the scripted model requests.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/agenthub/agenthub/internal/server"
	"github.com/agenthub/agenthub/internal/worker"
	"github.com/agenthub/agenthub/pkg/anthropic"
	"github.com/agenthub/agenthub/pkg/auth"
	"github.com/agenthub/agenthub/pkg/protocol"
	"github.com/agenthub/agenthub/pkg/tools"
)

// testEnv holds everything needed for an integration test.
type testEnv struct {
	server      *httptest.Server
	backend     *scriptedBackend
	workerKey   string // plaintext worker key
	apiKey      string // plaintext API key for callers
	redisClient *redis.Client
	hub         hubCounter
	logger      *slog.Logger
}

// hubCounter is the slice of the hub the helpers need for readiness polling.
type hubCounter interface {
	WorkerCount() int
}

// baseURL returns the test server's URL.
func (e *testEnv) baseURL() string {
	return e.server.URL
}

// wsURL returns the WebSocket base URL for worker connections.
func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http")
}

// scriptedBackend is a fake Anthropic Messages API. Each request pops the
// next scripted response; when the script runs out it serves a plain text
// message so conversations always terminate.
type scriptedBackend struct {
	mu        sync.Mutex
	responses []*anthropic.MessagesResponse
	requests  []*anthropic.MessagesRequest
}

func (b *scriptedBackend) push(resp *anthropic.MessagesResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses = append(b.responses, resp)
}

func (b *scriptedBackend) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *scriptedBackend) lastRequest() *anthropic.MessagesRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.requests) == 0 {
		return nil
	}
	return b.requests[len(b.requests)-1]
}

func (b *scriptedBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req anthropic.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.requests = append(b.requests, &req)
	var resp *anthropic.MessagesResponse
	if len(b.responses) > 0 {
		resp = b.responses[0]
		b.responses = b.responses[1:]
	}
	b.mu.Unlock()

	if resp == nil {
		resp = textResponse("done")
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// textResponse builds a terminal assistant message.
func textResponse(text string) *anthropic.MessagesResponse {
	return &anthropic.MessagesResponse{
		ID:         "msg_test",
		Type:       "message",
		Role:       "assistant",
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
	}
}

// toolUseResponse builds an assistant message requesting one tool call.
func toolUseResponse(id, name string, input string) *anthropic.MessagesResponse {
	return &anthropic.MessagesResponse{
		ID:         "msg_test",
		Type:       "message",
		Role:       "assistant",
		Content:    []anthropic.ContentBlock{{Type: "tool_use", ID: id, Name: name, Input: json.RawMessage(input)}},
		StopReason: anthropic.StopReasonToolUse,
	}
}

// setupTestEnv creates a fully wired test environment: miniredis, scripted
// Anthropic backend, and the full server mux. Resources are cleaned up via
// t.Cleanup.
//
// Uses embedded miniredis by default. Set AGENTHUB_TEST_REDIS_URL to use
// external Redis.
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	var redisURL string
	if envURL := os.Getenv("AGENTHUB_TEST_REDIS_URL"); envURL != "" {
		redisURL = envURL
	} else {
		mr := miniredis.RunT(t)
		redisURL = "redis://" + mr.Addr()
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("invalid Redis URL: %v", err)
	}
	redisClient := redis.NewClient(opts)
	t.Cleanup(func() { redisClient.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Fatalf("Redis not available at %s: %v", redisURL, err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	// Generate fresh keys
	workerKeyResult, err := auth.GenerateWorkerKey()
	if err != nil {
		t.Fatalf("generating worker key: %v", err)
	}
	apiKeyResult, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("generating API key: %v", err)
	}

	backend := &scriptedBackend{}
	backendSrv := httptest.NewServer(backend)
	t.Cleanup(backendSrv.Close)

	// Build config manually (bypass LoadConfig which reads env vars)
	cfg := &server.Config{
		Host:              "127.0.0.1",
		RedisURL:          redisURL,
		AnthropicAPIKey:   "test-key",
		AnthropicBaseURL:  backendSrv.URL,
		Model:             "claude-test",
		MaxTokens:         1024,
		WorkerKeyHash:     workerKeyResult.Hash,
		APIKeyHash:        apiKeyResult.Hash,
		RegisterTimeout:   5 * time.Second,
		HeartbeatInterval: time.Minute,
		AuthCacheTTL:      5 * time.Minute,
	}

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		t.Fatalf("building server: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server:      ts,
		backend:     backend,
		workerKey:   workerKeyResult.Key,
		apiKey:      apiKeyResult.Key,
		redisClient: redisClient,
		hub:         srv.Hub(),
		logger:      logger,
	}
}

// echoRegistry builds a registry with a single "echo" tool that returns its
// arguments unchanged.
func echoRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(protocol.ToolSchema{
		Name:        "echo",
		Description: "Returns its input.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(ctx context.Context, args json.RawMessage) (tools.Result, error) {
		return tools.Result{Output: args}, nil
	})
	return reg
}

// startWorker runs a real worker against the test server and blocks until
// the hub has registered it. The returned func stops the worker.
func startWorker(t *testing.T, env *testEnv, reg *tools.Registry) context.CancelFunc {
	t.Helper()

	cfg := &worker.Config{
		ServerURL:         env.wsURL(),
		WorkerKey:         env.workerKey,
		HeartbeatInterval: time.Minute,
		ReconnectDelay:    50 * time.Millisecond,
		ReconnectMaxDelay: 200 * time.Millisecond,
	}
	w := worker.NewWorker(cfg, reg, env.logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	waitForWorkers(t, env, 1)
	return cancel
}

// waitForWorkers polls until the hub reports n connected workers.
func waitForWorkers(t *testing.T, env *testEnv, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if env.hub.WorkerCount() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d worker(s), have %d", n, env.hub.WorkerCount())
}

// apiRequest performs an authenticated HTTP request against the hub API.
func apiRequest(t *testing.T, env *testEnv, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, env.baseURL()+path, body)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+env.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// decodeBody decodes a JSON response body into v and closes it.
func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}
