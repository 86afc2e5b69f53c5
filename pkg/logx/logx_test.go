package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, l := range strings.Split(strings.TrimSpace(out), "\n") {
		if l == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(l), &m); err != nil {
			t.Fatalf("line %q: %v", l, err)
		}
		lines = append(lines, m)
	}
	return lines
}

func TestWriterFieldsAndLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "scheduler"))

	log.Debug("hidden")
	log.Info("run finished", Job("backup", "t1", "t1___abc"), Int("attempts", 2), Err(nil))
	log.With(String("comp", "override")).Warn("slow", Job("backup", "", ""))

	lines := decodeLines(t, buf.String())
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %s", len(lines), buf.String())
	}
	first := lines[0]
	want := map[string]any{"message": "run finished", "comp": "scheduler", "job": "backup", "trigger": "t1", "run": "t1___abc", "attempts": float64(2)}
	for k, v := range want {
		if first[k] != v {
			t.Fatalf("field %s=%v want %v (line %v)", k, first[k], v, first)
		}
	}
	for _, k := range []string{"err", "error"} {
		if _, ok := first[k]; ok {
			t.Fatalf("nil error was written: %v", first)
		}
	}
	if c, _ := first["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller=%q", first["caller"])
	}
	second := lines[1]
	if _, ok := second["trigger"]; ok {
		t.Fatalf("empty trigger written: %v", second)
	}
	if !log.Enabled(LevelWarn) || log.Enabled(LevelDebug) {
		t.Fatalf("Enabled does not follow the level")
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()

	var zero Logger
	if !zero.IsZero() || Nop().IsZero() {
		t.Fatalf("IsZero mismatch")
	}
	// Neither may panic.
	zero.Error("x", Err(errors.New("boom")))
	Nop().With(String("a", "b")).Info("y")
}

func TestServiceApplySwapsLevelAndFile(t *testing.T) {
	// New sets zerolog globals, so this test does not run in parallel.
	path := filepath.Join(t.TempDir(), "sundial.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Info("before")
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("dropped")
	log.Error("after", Err(errors.New("disk full")))
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := decodeLines(t, string(b))
	if len(lines) != 2 || lines[0]["message"] != "before" || lines[1]["message"] != "after" {
		t.Fatalf("file lines=%v", lines)
	}
	if lines[1]["err"] != "disk full" {
		t.Fatalf("error field=%v", lines[1])
	}
}
