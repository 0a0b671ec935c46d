package ops

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sandwichfarm/nostrrun/internal/config"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer, level, format string) *Logger {
	t.Helper()
	return NewWithWriter(&config.Logging{Level: level, Format: format}, buf)
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(t, &buf, "warn", "text")

	logger.LogIngestStored("abc123", 31001)
	if buf.Len() != 0 {
		t.Fatalf("expected debug line to be filtered at warn level, got %q", buf.String())
	}

	logger.LogThrottle(time.Now())
	if buf.Len() == 0 {
		t.Fatal("expected warn-level line to be written")
	}
}

func TestJSONFormatEmitsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(t, &buf, "debug", "json").WithComponent("ingress")

	logger.LogIngestDrop("invalid_signature", "abc123", 31001)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected valid JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "ingress" {
		t.Errorf("component = %v, want ingress", line["component"])
	}
	if line["reason"] != "invalid_signature" {
		t.Errorf("reason = %v, want invalid_signature", line["reason"])
	}
}

func TestIsDebugEnabled(t *testing.T) {
	var buf bytes.Buffer
	if !newTestLogger(t, &buf, "debug", "text").IsDebugEnabled() {
		t.Error("expected debug level to report enabled")
	}
	if newTestLogger(t, &buf, "info", "text").IsDebugEnabled() {
		t.Error("expected info level to report debug disabled")
	}
}

func TestTextFormatIsHumanReadable(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(t, &buf, "info", "text")

	logger.LogModeChange("normal", "degraded")

	out := buf.String()
	if !strings.Contains(out, "mode changed") || !strings.Contains(out, "degraded") {
		t.Errorf("unexpected text log line: %q", out)
	}
}
