package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/agenthub/agenthub/pkg/protocol"
)

const (
	defaultCommandTimeout = 30 * time.Second
	maxCommandTimeout     = 120 * time.Second

	// maxCommandOutput bounds captured stdout/stderr per stream.
	maxCommandOutput = 256 * 1024
)

// RunCommandDefinition is the model-facing schema for run_command.
var RunCommandDefinition = protocol.ToolSchema{
	Name: "run_command",
	Description: "Run a shell command on the worker host and return its stdout, stderr, and exit code. " +
		"The command runs under 'sh -c'. Execution is limited to 30 seconds by default.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "Shell command line to execute."
			},
			"timeout_seconds": {
				"type": "integer",
				"description": "Maximum execution time in seconds (1-120). Defaults to 30.",
				"minimum": 1,
				"maximum": 120
			}
		},
		"required": ["command"]
	}`),
}

type runCommandResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr,omitempty"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// RunCommand is the executor for the run_command tool.
func RunCommand(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return Result{}, fmt.Errorf("parsing run_command args: %w", err)
	}
	if a.Command == "" {
		return Result{}, fmt.Errorf("run_command: command is required")
	}

	timeout := defaultCommandTimeout
	if a.TimeoutSeconds > 0 {
		timeout = time.Duration(a.TimeoutSeconds) * time.Second
		if timeout > maxCommandTimeout {
			timeout = maxCommandTimeout
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", a.Command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	res := runCommandResult{
		Stdout:     capString(stdout.Bytes(), maxCommandOutput),
		Stderr:     capString(stderr.Bytes(), maxCommandOutput),
		DurationMS: time.Since(start).Milliseconds(),
	}

	if execCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
	} else if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return Result{}, fmt.Errorf("run_command: %w", runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	out, err := json.Marshal(res)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling run_command result: %w", err)
	}
	return Result{Output: out}, nil
}

func capString(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + fmt.Sprintf("\n[truncated: %d bytes total]", len(b))
}
