package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetup_ReturnsJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := Setup(&buf, Options{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	l.Info("session verified", slog.String("user_id", "1"), slog.Uint64("generation", 3))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log output, got error: %v\nraw output: %s", err, buf.String())
	}
	if entry["msg"] != "session verified" {
		t.Errorf("msg = %q, want %q", entry["msg"], "session verified")
	}
	if entry["user_id"] != "1" {
		t.Errorf("user_id = %q, want %q", entry["user_id"], "1")
	}
	if entry["generation"] != float64(3) {
		t.Errorf("generation = %v, want 3", entry["generation"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected 'time' field in JSON log output")
	}
}

func TestSetup_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := Setup(&buf, Options{Level: "WARN"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	l.Info("dropped")
	l.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info line must be filtered at warn level")
	}
	if !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("expected WARN entry, got %s", out)
	}
}

func TestSetup_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := Setup(&buf, Options{Format: "text", Level: "debug"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	l.Debug("hello", slog.String("k", "v"))
	if !strings.Contains(buf.String(), "msg=hello") || !strings.Contains(buf.String(), "k=v") {
		t.Errorf("unexpected text output %q", buf.String())
	}
}

func TestSetup_RejectsUnknownValues(t *testing.T) {
	if _, err := Setup(&bytes.Buffer{}, Options{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := Setup(&bytes.Buffer{}, Options{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestSetupDefault_SetsGlobalLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	if _, err := SetupDefault(&buf, Options{}); err != nil {
		t.Fatalf("SetupDefault: %v", err)
	}

	slog.Default().Info("global test", slog.String("test_key", "test_val"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v\nraw: %s", err, buf.String())
	}
	if entry["test_key"] != "test_val" {
		t.Errorf("test_key = %q, want %q", entry["test_key"], "test_val")
	}
}
