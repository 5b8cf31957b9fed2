package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestInitLoggerJSONWithComponent(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := NewComponentLogger(initLogger(&buf, "info", "json"), "session")
	logger.Info("session_state_changed", slog.String("state", "LISTENING"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected json record: %v (%q)", err, buf.String())
	}
	if rec["component"] != "session" {
		t.Fatalf("expected component field, got %v", rec["component"])
	}
	if rec["state"] != "LISTENING" {
		t.Fatalf("expected state field, got %v", rec["state"])
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, ok := ParseLevel("debug"); !ok || lvl != slog.LevelDebug {
		t.Fatalf("expected debug level")
	}
	if lvl, ok := ParseLevel("loud"); ok || lvl != slog.LevelInfo {
		t.Fatalf("expected fallback to info for unknown level")
	}
}
