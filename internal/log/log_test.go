package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "warn", Format: "json", Writer: &buf})
	logger.Info("hidden")
	logger.Warn("capture failed", "attempt", 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if rec["msg"] != "capture failed" || rec["attempt"] != float64(2) {
		t.Fatalf("record = %v", rec)
	}
}

func TestNewTextDefault(t *testing.T) {
	var buf bytes.Buffer
	New(Options{Writer: &buf}).Info("voice transition", "to", "listening")
	if !strings.Contains(buf.String(), "to=listening") {
		t.Fatalf("output = %q, want text handler format", buf.String())
	}
}
