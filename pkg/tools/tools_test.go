package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestRegistryExecute(t *testing.T) {
	r := Builtins()

	if _, err := r.Execute(context.Background(), "no_such_tool", nil); err == nil {
		t.Error("Execute accepted an unknown tool")
	}
	names := r.Names()
	for _, want := range []string{"read_file", "list_directory", "run_command", "web_fetch", "run_javascript"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("builtin %q not registered", want)
		}
	}
	if len(r.Definitions()) != len(names) {
		t.Errorf("definitions (%d) and names (%d) disagree", len(r.Definitions()), len(names))
	}
}

func TestRegistryReRegister(t *testing.T) {
	r := NewRegistry()
	r.Register(ReadFileDefinition, ReadFile)
	replaced := ReadFileDefinition
	replaced.Description = "replacement"
	r.Register(replaced, ReadFile)

	if len(r.Definitions()) != 1 {
		t.Fatalf("definitions = %d after re-register, want 1", len(r.Definitions()))
	}
	if r.Definitions()[0].Description != "replacement" {
		t.Error("re-register did not replace the definition")
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("hello from disk"), 0o644); err != nil {
		t.Fatal(err)
	}

	args, _ := json.Marshal(map[string]string{"path": path})
	res, err := ReadFile(context.Background(), args)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var content string
	if err := json.Unmarshal(res.Output, &content); err != nil {
		t.Fatalf("output is not a JSON string: %s", res.Output)
	}
	if content != "hello from disk" {
		t.Errorf("content = %q", content)
	}
}

func TestReadFileErrors(t *testing.T) {
	if _, err := ReadFile(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Error("ReadFile accepted empty path")
	}
	if _, err := ReadFile(context.Background(), json.RawMessage(`{"path":"/no/such/file"}`)); err == nil {
		t.Error("ReadFile succeeded on a missing file")
	}
}

func TestListDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	args, _ := json.Marshal(map[string]string{"path": dir})
	res, err := ListDirectory(context.Background(), args)
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	var listing string
	if err := json.Unmarshal(res.Output, &listing); err != nil {
		t.Fatalf("output is not a JSON string: %s", res.Output)
	}
	want := "a.txt\nb.txt\nsub/"
	if listing != want {
		t.Errorf("listing = %q, want %q", listing, want)
	}
}

func TestRunCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}

	res, err := RunCommand(context.Background(), json.RawMessage(`{"command":"echo hello"}`))
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	var out runCommandResult
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatalf("unmarshaling result: %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "hello" || out.ExitCode != 0 {
		t.Errorf("result = %+v", out)
	}
}

func TestRunCommandExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}

	res, err := RunCommand(context.Background(), json.RawMessage(`{"command":"exit 3"}`))
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	var out runCommandResult
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatal(err)
	}
	if out.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", out.ExitCode)
	}
}

func TestRunJavascript(t *testing.T) {
	res, err := RunJavascript(context.Background(),
		json.RawMessage(`{"code":"console.log('hi'); 1 + 2"}`))
	if err != nil {
		t.Fatalf("RunJavascript: %v", err)
	}
	var out runJavascriptResult
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatal(err)
	}
	if out.Output != "hi" {
		t.Errorf("console output = %q", out.Output)
	}
	if v, ok := out.ReturnValue.(float64); !ok || v != 3 {
		t.Errorf("return value = %v", out.ReturnValue)
	}
}

func TestRunJavascriptError(t *testing.T) {
	res, err := RunJavascript(context.Background(),
		json.RawMessage(`{"code":"throw new Error('boom')"}`))
	if err != nil {
		t.Fatalf("RunJavascript: %v", err)
	}
	var out runJavascriptResult
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Error, "boom") {
		t.Errorf("error = %q, want the script's message", out.Error)
	}
}

func TestRunJavascriptBlockedGlobals(t *testing.T) {
	res, err := RunJavascript(context.Background(),
		json.RawMessage(`{"code":"typeof fetch"}`))
	if err != nil {
		t.Fatalf("RunJavascript: %v", err)
	}
	var out runJavascriptResult
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatal(err)
	}
	if out.ReturnValue != "undefined" {
		t.Errorf("typeof fetch = %v, want undefined", out.ReturnValue)
	}
}

func TestLoadShellTools(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	dir := t.TempDir()

	script := filepath.Join(dir, "greet.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\necho '{\"greeting\":\"hello\"}'\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	meta := `{"name":"greet","description":"Say hello","input_schema":{"type":"object"}}`
	if err := os.WriteFile(filepath.Join(dir, "greet.tool.json"), []byte(meta), 0o644); err != nil {
		t.Fatal(err)
	}
	// A script without metadata must be ignored.
	if err := os.WriteFile(filepath.Join(dir, "orphan.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	LoadShellTools(r, dir, nil)

	names := r.Names()
	if len(names) != 1 || names[0] != "greet" {
		t.Fatalf("registered tools = %v, want [greet]", names)
	}

	res, err := r.Execute(context.Background(), "greet", json.RawMessage(`{"who":"world"}`))
	if err != nil {
		t.Fatalf("executing shell tool: %v", err)
	}
	if string(res.Output) != `{"greeting":"hello"}`+"\n" && !strings.Contains(string(res.Output), `"greeting":"hello"`) {
		t.Errorf("output = %s", res.Output)
	}
}

func TestLoadShellToolsMissingDir(t *testing.T) {
	r := NewRegistry()
	LoadShellTools(r, filepath.Join(t.TempDir(), "absent"), nil)
	if len(r.Names()) != 0 {
		t.Errorf("registered %v from a missing directory", r.Names())
	}
}
