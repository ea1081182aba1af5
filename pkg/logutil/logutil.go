// Package logutil provides the shared slog setup for all agenthub binaries.
//
// INFO and DEBUG records go to stdout, WARN and ERROR to stderr. When stdout
// is a terminal the JSON records are re-indented for reading; when piped they
// stay compact for log shippers.
package logutil

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
)

var isTTY bool

func init() {
	if stat, err := os.Stdout.Stat(); err == nil {
		isTTY = stat.Mode()&os.ModeCharDevice != 0
	}
}

// IsTTY reports whether stdout appears to be a terminal.
func IsTTY() bool {
	return isTTY
}

// New builds a JSON slog.Logger at the named level ("debug", "info", "warn",
// "error"; anything else means info) writing through the level router.
func New(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(Output(), &slog.HandlerOptions{Level: lvl}))
}

// Output returns the destination writer for slog's JSON handler: records are
// routed to stdout or stderr by their "level" field, with stdout optionally
// pretty-printed for terminals.
func Output() io.Writer {
	out := io.Writer(os.Stdout)
	if isTTY {
		out = &prettyWriter{w: out}
	}
	return &levelRouter{stdout: out, stderr: os.Stderr}
}

// levelRouter sends WARN/ERROR records to stderr and the rest to stdout.
type levelRouter struct {
	stdout io.Writer
	stderr io.Writer
}

func (lr *levelRouter) Write(p []byte) (int, error) {
	var record map[string]any
	if err := json.Unmarshal(p, &record); err != nil {
		return lr.stderr.Write(p)
	}
	switch record["level"] {
	case "WARN", "ERROR":
		return lr.stderr.Write(p)
	default:
		return lr.stdout.Write(p)
	}
}

// prettyWriter re-indents each JSON line for terminal reading.
type prettyWriter struct {
	w io.Writer
}

func (pw *prettyWriter) Write(p []byte) (int, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimRight(p, "\n"), "", "  "); err != nil {
		return pw.w.Write(p)
	}
	buf.WriteByte('\n')
	_, err := pw.w.Write(buf.Bytes())
	// Report the original length to satisfy the io.Writer contract.
	return len(p), err
}
