package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestLogger_WithOutputWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("server").WithOutput(&buf)

	l.Info("message received", map[string]any{"kind": "ping"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if entry["message"] != "message received" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v", entry["level"])
	}
	if entry["component"] != "server" {
		t.Errorf("component = %v", entry["component"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["kind"] != "ping" {
		t.Errorf("fields = %v", entry["fields"])
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("engine").WithOutput(&buf).With(map[string]any{"job_id": "p-1"})

	l.Warn("watch ended", nil)

	if !strings.Contains(buf.String(), `"job_id":"p-1"`) {
		t.Errorf("expected job_id context field, got %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"info":    zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewNop(t *testing.T) {
	l := NewNop()
	l.Error("dropped", map[string]any{"k": 1})
	l.Sugar().Infof("dropped %d", 1)
}
