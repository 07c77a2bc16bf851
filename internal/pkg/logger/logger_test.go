package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestTaggingHelpers(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	tagged := WithDuration(WithOperation(WithComponent(log, "graphql-client"), "query"), 1500*time.Millisecond)
	tagged.Info("request finished")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log line: %v", err)
	}
	if entry["component"] != "graphql-client" {
		t.Errorf("unexpected component: %v", entry["component"])
	}
	if entry["operation"] != "query" {
		t.Errorf("unexpected operation: %v", entry["operation"])
	}
	if entry["duration_ms"] != float64(1500) {
		t.Errorf("unexpected duration_ms: %v", entry["duration_ms"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "info", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "bogus", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
