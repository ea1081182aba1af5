package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/agenthub/agenthub/pkg/protocol"
)

const shellToolTimeout = 60 * time.Second

// shellToolMeta is the parsed content of a {name}.tool.json metadata file.
type shellToolMeta struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// LoadShellTools scans dir for operator-provided shell tools and registers
// them. Each executable *.sh file with a companion *.tool.json becomes a tool
// the worker advertises alongside the built-ins.
//
// Protocol: the call's JSON arguments arrive on the script's stdin; stdout
// must be the JSON result (non-JSON stdout is wrapped as a JSON string).
func LoadShellTools(reg *Registry, dir string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("cannot read shell tools directory", "dir", dir, "error", err)
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sh") {
			continue
		}
		scriptPath := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil || !isExecutable(info) {
			continue
		}

		// Scripts without metadata are not tools; skip silently.
		metaPath := filepath.Join(dir, strings.TrimSuffix(entry.Name(), ".sh")+".tool.json")
		metaData, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var meta shellToolMeta
		if err := json.Unmarshal(metaData, &meta); err != nil {
			logger.Warn("invalid .tool.json, skipping", "file", metaPath, "error", err)
			continue
		}
		if meta.Name == "" || meta.Description == "" {
			logger.Warn(".tool.json missing name or description, skipping", "file", metaPath)
			continue
		}
		if len(meta.InputSchema) == 0 {
			meta.InputSchema = json.RawMessage(`{"type":"object"}`)
		}

		reg.Register(protocol.ToolSchema{
			Name:        meta.Name,
			Description: meta.Description,
			InputSchema: meta.InputSchema,
		}, shellExecutor(scriptPath))
		logger.Info("registered shell tool", "name", meta.Name, "script", scriptPath)
	}
}

func shellExecutor(scriptPath string) Executor {
	return func(ctx context.Context, args json.RawMessage) (Result, error) {
		execCtx, cancel := context.WithTimeout(ctx, shellToolTimeout)
		defer cancel()

		cmd := exec.CommandContext(execCtx, scriptPath)
		if len(args) > 0 {
			cmd.Stdin = bytes.NewReader(args)
		}
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if execCtx.Err() == context.DeadlineExceeded {
				return Result{}, fmt.Errorf("shell tool %q timed out", scriptPath)
			}
			if stderr.Len() > 0 {
				return Result{}, fmt.Errorf("shell tool %q: %s: %s", scriptPath, err, strings.TrimSpace(stderr.String()))
			}
			return Result{}, fmt.Errorf("shell tool %q: %w", scriptPath, err)
		}

		out := stdout.Bytes()
		if json.Valid(out) {
			return Result{Output: json.RawMessage(out)}, nil
		}
		wrapped, err := json.Marshal(string(out))
		if err != nil {
			return Result{}, fmt.Errorf("marshaling shell tool output: %w", err)
		}
		return Result{Output: wrapped}, nil
	}
}

// isExecutable reports whether any executable bit is set.
func isExecutable(info fs.FileInfo) bool {
	return info.Mode()&0111 != 0
}
