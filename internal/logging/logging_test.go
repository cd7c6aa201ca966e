package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestTextLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelInfo, "text")
	log.Debug("hidden")
	log.Info("tool call", "tool", "analyze", "err", errors.New("boom"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
	if !strings.Contains(out, "tool=analyze") || !strings.Contains(out, "boom") {
		t.Fatalf("missing attrs: %q", out)
	}
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, slog.LevelDebug, "json").Debug("turn", "n", 2)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "turn" || line["n"] != float64(2) {
		t.Fatalf("unexpected record %v", line)
	}
}
