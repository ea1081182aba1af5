//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/agenthub/agenthub/internal/session"
	"github.com/agenthub/agenthub/pkg/anthropic"
	"github.com/agenthub/agenthub/pkg/protocol"
	"github.com/agenthub/agenthub/pkg/tools"
)

func TestHealthReflectsWorkerPresence(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Get(env.baseURL() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no workers, got %d", resp.StatusCode)
	}

	startWorker(t, env, echoRegistry())

	resp, err = http.Get(env.baseURL() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with a worker connected, got %d", resp.StatusCode)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Get(env.baseURL() + "/api/workers")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without API key, got %d", resp.StatusCode)
	}
}

// TestPromptRunsToolLoop drives the full pipeline: the scripted model asks
// for the echo tool, the hub dispatches the call to a real worker over
// WebSocket, and the tool result is fed back for the final answer.
func TestPromptRunsToolLoop(t *testing.T) {
	env := setupTestEnv(t)
	startWorker(t, env, echoRegistry())

	env.backend.push(toolUseResponse("tu_1", "echo", `{"text":"ping"}`))
	env.backend.push(textResponse("all done"))

	body := bytes.NewReader([]byte(`{"prompt":"please echo ping"}`))
	resp := apiRequest(t, env, "POST", "/prompt", body)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, b)
	}
	var result struct {
		Response string `json:"response"`
	}
	decodeBody(t, resp, &result)
	if result.Response != "all done" {
		t.Fatalf("expected final answer %q, got %q", "all done", result.Response)
	}

	if got := env.backend.requestCount(); got != 2 {
		t.Fatalf("expected 2 model calls, got %d", got)
	}

	// First call must have advertised the worker's tools.
	last := env.backend.lastRequest()
	foundTool := false
	for _, tool := range last.Tools {
		if tool.Name == "echo" {
			foundTool = true
		}
	}
	if !foundTool {
		t.Fatalf("echo tool not advertised to the model: %+v", last.Tools)
	}

	// Second call must carry the echoed tool result back to the model.
	foundResult := false
	for _, msg := range last.Messages {
		var blocks []anthropic.ContentBlock
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			continue
		}
		for _, b := range blocks {
			if b.Type == "tool_result" && b.ToolUseID == "tu_1" {
				foundResult = true
				if b.IsError {
					t.Fatalf("tool result unexpectedly errored: %s", b.Content)
				}
				if !strings.Contains(b.Content, "ping") {
					t.Fatalf("tool result lost the echoed input: %s", b.Content)
				}
			}
		}
	}
	if !foundResult {
		t.Fatal("tool result never reached the model")
	}
}

// TestPromptToolFailureIsReported asserts a failing tool surfaces to the
// model as an is_error tool result instead of aborting the turn.
func TestPromptToolFailureIsReported(t *testing.T) {
	env := setupTestEnv(t)

	reg := tools.NewRegistry()
	reg.Register(protocol.ToolSchema{
		Name:        "broken",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(ctx context.Context, args json.RawMessage) (tools.Result, error) {
		return tools.Result{}, context.DeadlineExceeded
	})
	startWorker(t, env, reg)

	env.backend.push(toolUseResponse("tu_err", "broken", `{}`))
	env.backend.push(textResponse("recovered"))

	body := bytes.NewReader([]byte(`{"prompt":"break"}`))
	resp := apiRequest(t, env, "POST", "/prompt", body)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result struct {
		Response string `json:"response"`
	}
	decodeBody(t, resp, &result)
	if result.Response != "recovered" {
		t.Fatalf("expected %q, got %q", "recovered", result.Response)
	}

	last := env.backend.lastRequest()
	foundError := false
	for _, msg := range last.Messages {
		var blocks []anthropic.ContentBlock
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			continue
		}
		for _, b := range blocks {
			if b.Type == "tool_result" && b.ToolUseID == "tu_err" && b.IsError {
				foundError = true
			}
		}
	}
	if !foundError {
		t.Fatal("tool failure never reached the model as an is_error result")
	}
}

// TestSessionPromptPersistsHistory runs two session prompts and verifies the
// conversation accumulates in Redis across turns.
func TestSessionPromptPersistsHistory(t *testing.T) {
	env := setupTestEnv(t)
	startWorker(t, env, echoRegistry())

	resp := apiRequest(t, env, "POST", "/sessions", bytes.NewReader([]byte(`{}`)))
	if resp.StatusCode != http.StatusCreated {
		resp.Body.Close()
		t.Fatalf("expected 201 creating session, got %d", resp.StatusCode)
	}
	var created struct {
		SessionID string `json:"session_id"`
	}
	decodeBody(t, resp, &created)
	if created.SessionID == "" {
		t.Fatal("empty session id")
	}

	env.backend.push(textResponse("first answer"))
	resp = apiRequest(t, env, "POST", "/sessions/"+created.SessionID+"/prompt",
		bytes.NewReader([]byte(`{"prompt":"first"}`)))
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected 200 on session prompt, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	env.backend.push(textResponse("second answer"))
	resp = apiRequest(t, env, "POST", "/sessions/"+created.SessionID+"/prompt",
		bytes.NewReader([]byte(`{"prompt":"second"}`)))
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected 200 on second session prompt, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = apiRequest(t, env, "GET", "/sessions/"+created.SessionID, nil)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected 200 fetching session, got %d", resp.StatusCode)
	}
	var sess session.Session
	decodeBody(t, resp, &sess)

	// Two turns: user+assistant per turn.
	if len(sess.Messages) != 4 {
		t.Fatalf("expected 4 stored messages, got %d", len(sess.Messages))
	}
	if got := sess.Messages[0].TextContent(); got != "first" {
		t.Fatalf("first user message was %q", got)
	}
	if got := sess.Messages[3].TextContent(); got != "second answer" {
		t.Fatalf("last assistant message was %q", got)
	}

	// The second model call must have seen the first turn's history.
	last := env.backend.lastRequest()
	if len(last.Messages) != 3 {
		t.Fatalf("expected 3 messages in the second model call, got %d", len(last.Messages))
	}
}

// TestWorkerChurnRestoresDispatch stops the only worker, verifies the hub
// notices, and proves a replacement worker serves new prompts.
func TestWorkerChurnRestoresDispatch(t *testing.T) {
	env := setupTestEnv(t)

	stop := startWorker(t, env, echoRegistry())
	stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && env.hub.WorkerCount() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if env.hub.WorkerCount() != 0 {
		t.Fatal("hub never noticed the worker leaving")
	}

	startWorker(t, env, echoRegistry())

	env.backend.push(toolUseResponse("tu_2", "echo", `{"text":"still here"}`))
	env.backend.push(textResponse("ok"))

	resp := apiRequest(t, env, "POST", "/prompt", bytes.NewReader([]byte(`{"prompt":"go"}`)))
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected 200 after worker churn, got %d", resp.StatusCode)
	}
	var result struct {
		Response string `json:"response"`
	}
	decodeBody(t, resp, &result)
	if result.Response != "ok" {
		t.Fatalf("expected %q, got %q", "ok", result.Response)
	}
}
