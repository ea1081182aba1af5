// Package tools implements the built-in tool executors shipped with the
// agenthub worker.
//
// Each tool is a function taking a JSON arguments object and returning a
// JSON result (or an error). The worker advertises the definitions at
// registration and dispatches incoming tool calls by name.
//
// Built-ins:
//   - read_file       — read a file from the worker's filesystem
//   - list_directory  — list a directory, sorted
//   - run_command     — run a shell command with a timeout
//   - web_fetch       — fetch a URL as LLM-readable Markdown
//   - run_javascript  — sandboxed JavaScript via goja
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agenthub/agenthub/pkg/protocol"
)

// Result is the output of a tool execution. Output must be valid JSON;
// string results are marshaled as JSON strings.
type Result struct {
	Output json.RawMessage
}

// Executor runs one tool call. ctx carries the call's cancellation: when the
// hub cancels the call, the worker cancels ctx.
type Executor func(ctx context.Context, args json.RawMessage) (Result, error)

// Registry maps tool names to executors. Populated at startup, read-only
// afterwards.
type Registry struct {
	executors map[string]Executor
	defs      []protocol.ToolSchema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds a tool. Re-registering a name replaces the previous entry.
func (r *Registry) Register(def protocol.ToolSchema, exec Executor) {
	if _, exists := r.executors[def.Name]; exists {
		for i := range r.defs {
			if r.defs[i].Name == def.Name {
				r.defs[i] = def
				break
			}
		}
	} else {
		r.defs = append(r.defs, def)
	}
	r.executors[def.Name] = exec
}

// Execute dispatches a tool call by name.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	exec, ok := r.executors[name]
	if !ok {
		return Result{}, fmt.Errorf("unknown tool: %q", name)
	}
	return exec(ctx, args)
}

// Definitions returns the schemas of all registered tools, in registration
// order. This is what the worker advertises to the hub.
func (r *Registry) Definitions() []protocol.ToolSchema {
	return r.defs
}

// Names returns the registered tool names, in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for _, d := range r.defs {
		names = append(names, d.Name)
	}
	return names
}

// Filter returns a new registry containing only the named tools. Names not
// present in the registry are ignored.
func (r *Registry) Filter(names []string) *Registry {
	allowed := make(map[string]bool, len(names))
	for _, name := range names {
		allowed[name] = true
	}
	filtered := NewRegistry()
	for _, def := range r.defs {
		if allowed[def.Name] {
			filtered.Register(def, r.executors[def.Name])
		}
	}
	return filtered
}

// Builtins returns a Registry with every built-in tool registered.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register(ReadFileDefinition, ReadFile)
	r.Register(ListDirectoryDefinition, ListDirectory)
	r.Register(RunCommandDefinition, RunCommand)
	r.Register(WebFetchDefinition, WebFetch)
	r.Register(RunJavascriptDefinition, RunJavascript)
	return r
}
