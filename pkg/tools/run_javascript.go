package tools

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/agenthub/agenthub/pkg/protocol"
)

// RunJavascriptDefinition is the model-facing schema for run_javascript.
var RunJavascriptDefinition = protocol.ToolSchema{
	Name: "run_javascript",
	Description: "Execute JavaScript in a sandboxed interpreter. Use console.log() for output; " +
		"the last evaluated expression is returned as the result. Available globals: console, " +
		"btoa/atob, crypto.randomUUID, JSON, Math, Date. No network, filesystem, or process " +
		"access. Execution is limited to 30 seconds.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"code": {
				"type": "string",
				"description": "JavaScript code to execute."
			},
			"timeout_seconds": {
				"type": "integer",
				"description": "Maximum execution time in seconds (1-30). Defaults to 10.",
				"minimum": 1,
				"maximum": 30
			}
		},
		"required": ["code"]
	}`),
}

type runJavascriptResult struct {
	Output      string `json:"output,omitempty"`
	ReturnValue any    `json:"return_value,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

// RunJavascript is the executor for the run_javascript tool. It evaluates the
// code in a goja VM with no host access.
func RunJavascript(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		Code           string `json:"code"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return Result{}, fmt.Errorf("parsing run_javascript args: %w", err)
	}
	if strings.TrimSpace(a.Code) == "" {
		return Result{}, fmt.Errorf("run_javascript: code must not be empty")
	}

	timeout := 10 * time.Second
	if a.TimeoutSeconds > 0 && a.TimeoutSeconds <= 30 {
		timeout = time.Duration(a.TimeoutSeconds) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := evalJS(execCtx, a.Code)
	out, err := json.Marshal(res)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling run_javascript result: %w", err)
	}
	return Result{Output: out}, nil
}

func evalJS(ctx context.Context, code string) runJavascriptResult {
	vm := goja.New()
	start := time.Now()

	// goja checks for interrupts between operations; this is how the timeout
	// and call cancellation reach a busy script.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	var logLines []string
	console := vm.NewObject()
	record := func(prefix string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = fmt.Sprintf("%v", arg)
			}
			logLines = append(logLines, prefix+strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", record(""))
	_ = console.Set("info", record(""))
	_ = console.Set("warn", record("[warn] "))
	_ = console.Set("error", record("[error] "))
	_ = vm.Set("console", console)

	_ = vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(base64.StdEncoding.EncodeToString([]byte(call.Argument(0).String())))
	})
	_ = vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		decoded, err := base64.StdEncoding.DecodeString(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("atob: invalid base64: %w", err)))
		}
		return vm.ToValue(string(decoded))
	})

	cryptoObj := vm.NewObject()
	_ = cryptoObj.Set("randomUUID", func(call goja.FunctionCall) goja.Value {
		b := make([]byte, 16)
		_, _ = rand.Read(b)
		b[6] = (b[6] & 0x0f) | 0x40
		b[8] = (b[8] & 0x3f) | 0x80
		return vm.ToValue(fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:]))
	})
	_ = vm.Set("crypto", cryptoObj)

	// Host-access globals are explicitly undefined so scripts fail fast.
	for _, blocked := range []string{"fetch", "XMLHttpRequest", "require", "process"} {
		_ = vm.Set(blocked, goja.Undefined())
	}

	val, err := vm.RunString(code)
	res := runJavascriptResult{DurationMS: time.Since(start).Milliseconds()}
	if len(logLines) > 0 {
		res.Output = strings.Join(logLines, "\n")
	}
	if err != nil {
		if ctx.Err() != nil {
			res.Error = "execution timed out"
		} else {
			res.Error = err.Error()
		}
		return res
	}
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		res.ReturnValue = val.Export()
	}
	return res
}
