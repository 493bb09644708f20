package log

import (
	"strings"
	"testing"
)

func TestInitBuffersLogs(t *testing.T) {
	cfg := &Config{Mode: "console", Level: "info", BufferLines: 50}
	if err := Init(cfg); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	Info("session started", "user", "user-1")

	lines := GetBufferedLogs(10)
	if len(lines) != 1 {
		t.Fatalf("expected 1 buffered line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "session started") {
		t.Errorf("line should contain the message, got %q", lines[0])
	}
}

func TestInitBuffersBelowConsoleLevel(t *testing.T) {
	cfg := &Config{Mode: "console", Level: "error", BufferLines: 50}
	if err := Init(cfg); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	Debug("quiet detail")

	lines := GetBufferedLogs(10)
	if len(lines) != 1 {
		t.Fatalf("buffer should capture below the console level, got %d lines", len(lines))
	}
}

func TestGetBufferedLogsDisabled(t *testing.T) {
	cfg := &Config{Mode: "console", Level: "info", BufferLines: 0}
	if err := Init(cfg); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	Info("not captured")

	if lines := GetBufferedLogs(10); lines != nil {
		t.Errorf("expected nil with buffer disabled, got %v", lines)
	}
}
