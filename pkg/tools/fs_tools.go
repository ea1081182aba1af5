package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/agenthub/agenthub/pkg/protocol"
)

// maxReadBytes bounds read_file output so a stray binary or log file cannot
// flood the model's context.
const maxReadBytes = 512 * 1024

// ReadFileDefinition is the model-facing schema for read_file.
var ReadFileDefinition = protocol.ToolSchema{
	Name:        "read_file",
	Description: "Read the contents of a file at the given path.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "Absolute or relative path to the file to read."
			}
		},
		"required": ["path"]
	}`),
}

// ListDirectoryDefinition is the model-facing schema for list_directory.
var ListDirectoryDefinition = protocol.ToolSchema{
	Name:        "list_directory",
	Description: "List files and directories at the given path.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "Absolute or relative path to the directory to list. Defaults to the current directory."
			}
		},
		"required": []
	}`),
}

// ReadFile is the executor for the read_file tool.
func ReadFile(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return Result{}, fmt.Errorf("parsing read_file args: %w", err)
	}
	if a.Path == "" {
		return Result{}, fmt.Errorf("read_file: path is required")
	}

	data, err := os.ReadFile(a.Path)
	if err != nil {
		return Result{}, fmt.Errorf("read_file: %w", err)
	}

	content := string(data)
	truncated := false
	if len(content) > maxReadBytes {
		content = content[:maxReadBytes]
		truncated = true
	}
	if truncated {
		content += fmt.Sprintf("\n[truncated: file is %d bytes, showing first %d]", len(data), maxReadBytes)
	}

	out, err := json.Marshal(content)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling read_file result: %w", err)
	}
	return Result{Output: out}, nil
}

// ListDirectory is the executor for the list_directory tool. Entries are
// returned sorted, one per line, directories suffixed with a slash.
func ListDirectory(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		Path string `json:"path"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return Result{}, fmt.Errorf("parsing list_directory args: %w", err)
		}
	}
	if a.Path == "" {
		a.Path = "."
	}

	entries, err := os.ReadDir(a.Path)
	if err != nil {
		return Result{}, fmt.Errorf("list_directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out, err := json.Marshal(strings.Join(names, "\n"))
	if err != nil {
		return Result{}, fmt.Errorf("marshaling list_directory result: %w", err)
	}
	return Result{Output: out}, nil
}
