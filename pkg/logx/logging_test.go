package logx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want zerolog.Level
	}{
		{raw: "trace", want: zerolog.TraceLevel},
		{raw: "DEBUG", want: zerolog.DebugLevel},
		{raw: " info ", want: zerolog.InfoLevel},
		{raw: "warn", want: zerolog.WarnLevel},
		{raw: "WARNING", want: zerolog.WarnLevel},
		{raw: "error", want: zerolog.ErrorLevel},
		{raw: "", want: zerolog.InfoLevel},
		{raw: "loud", want: zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.raw, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger not IsZero")
	}
	zero.Info("nothing happens", String("k", "v"))
	zero.With(String("a", "b")).Error("still nothing")

	nop := Nop()
	if nop.IsZero() {
		t.Fatal("Nop logger reports IsZero")
	}
	nop.Warn("silent", Err(nil))
}

func newFileService(t *testing.T, level string) (*Service, Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chronod.log")
	svc, log := New(Config{
		Level: level,
		File:  FileConfig{Enabled: true, Path: path},
	})
	t.Cleanup(func() { _ = svc.Close() })
	return svc, log, path
}

func readLogLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestFileSinkWritesStructuredLines(t *testing.T) {
	t.Parallel()
	_, log, path := newFileService(t, "info")

	log.Info("storage ready", String("driver", "sqlite"), Int("cap", 200))

	lines := readLogLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("wrote %d lines, want 1", len(lines))
	}
	m := lines[0]
	if m["message"] != "storage ready" || m["driver"] != "sqlite" {
		t.Fatalf("line = %v", m)
	}
	if m["cap"] != float64(200) {
		t.Fatalf("cap = %v", m["cap"])
	}
	if m["level"] != "info" {
		t.Fatalf("level = %v", m["level"])
	}
	caller, _ := m["caller"].(string)
	if !strings.Contains(caller, "logging_test.go:") {
		t.Fatalf("caller = %q, want short file:line", caller)
	}
}

func TestLevelFiltersLowerEvents(t *testing.T) {
	t.Parallel()
	_, log, path := newFileService(t, "info")

	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at info level")
	}
	if !log.Enabled(LevelWarn) {
		t.Fatal("warn disabled at info level")
	}

	log.Debug("invisible")
	log.Warn("visible")

	lines := readLogLines(t, path)
	if len(lines) != 1 || lines[0]["message"] != "visible" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestWithFieldsStick(t *testing.T) {
	t.Parallel()
	_, log, path := newFileService(t, "info")

	comp := log.With(String("comp", "queue"))
	comp.Info("started")
	comp.Info("stopped", Int("drained", 3))

	lines := readLogLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("wrote %d lines, want 2", len(lines))
	}
	for _, m := range lines {
		if m["comp"] != "queue" {
			t.Fatalf("fixed field lost: %v", m)
		}
	}
	if lines[1]["drained"] != float64(3) {
		t.Fatalf("call-site field lost: %v", lines[1])
	}
}

func TestApplyChangesLevelLive(t *testing.T) {
	t.Parallel()
	svc, log, path := newFileService(t, "info")

	log.Debug("dropped")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("kept")

	lines := readLogLines(t, path)
	if len(lines) != 1 || lines[0]["message"] != "kept" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestErrFieldOmitsNil(t *testing.T) {
	t.Parallel()
	_, log, path := newFileService(t, "info")

	log.Warn("no error attached", Err(nil))

	lines := readLogLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("wrote %d lines, want 1", len(lines))
	}
	if _, present := lines[0]["err"]; present {
		t.Fatalf("nil error serialized: %v", lines[0])
	}
}

func TestStackTraceFormat(t *testing.T) {
	t.Parallel()
	s := StackTrace(1, 8)
	if s == "" {
		t.Fatal("empty stack")
	}
	if !strings.Contains(s, ".go:") {
		t.Fatalf("stack lacks file:line entries: %q", s)
	}
}
