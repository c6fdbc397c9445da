package stdout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/songzhibin97/proxyrotator/pkg/log"
)

func newBufferLogger(t *testing.T, level log.Level) (*StdoutLogger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	config := DefaultConfig()
	config.Level = level
	config.EnableStacktrace = false
	config.Output = buf
	logger, err := New(config)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]interface{}{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{"default config", nil},
		{"custom config", DefaultConfig()},
		{"development config", &Config{Level: log.DebugLevel, TimeFormat: time.RFC3339Nano, EnableCaller: true, Development: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if logger == nil {
				t.Error("New() returned nil logger")
			}
		})
	}
}

func TestStdoutLogger_WritesJSON(t *testing.T) {
	logger, buf := newBufferLogger(t, log.DebugLevel)

	logger.Info("proxy selected",
		log.String("proxy_id", "p1"),
		log.Int("attempt", 2),
		log.Bool("sticky", true),
		log.Duration("latency", 150*time.Millisecond),
		log.Error(errors.New("boom")),
	)

	entries := decodeLines(t, buf)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e["message"] != "proxy selected" {
		t.Errorf("Expected message 'proxy selected', got %v", e["message"])
	}
	if e["level"] != "info" {
		t.Errorf("Expected level info, got %v", e["level"])
	}
	if e["proxy_id"] != "p1" {
		t.Errorf("Expected proxy_id p1, got %v", e["proxy_id"])
	}
	if e["attempt"] != float64(2) {
		t.Errorf("Expected attempt 2, got %v", e["attempt"])
	}
	if e["error"] != "boom" {
		t.Errorf("Expected error boom, got %v", e["error"])
	}
}

func TestStdoutLogger_LevelFiltering(t *testing.T) {
	logger, buf := newBufferLogger(t, log.WarnLevel)

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept")
	logger.Error("kept")

	entries := decodeLines(t, buf)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e["message"] != "kept" {
			t.Errorf("Unexpected entry %v", e)
		}
	}
}

func TestStdoutLogger_With(t *testing.T) {
	logger, buf := newBufferLogger(t, log.InfoLevel)

	child := logger.With(log.Component("rotator"))
	child.Info("dispatch", log.String("extra", "field"))
	logger.Info("parent")

	entries := decodeLines(t, buf)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0]["component"] != "rotator" || entries[0]["extra"] != "field" {
		t.Errorf("child fields missing: %v", entries[0])
	}
	if _, ok := entries[1]["component"]; ok {
		t.Errorf("With must not mutate the parent logger: %v", entries[1])
	}
}

func TestStdoutLogger_WithContext(t *testing.T) {
	logger, buf := newBufferLogger(t, log.InfoLevel)

	if got := logger.WithContext(context.Background()); got != log.Logger(logger) {
		t.Error("Expected the same logger when the context carries nothing")
	}

	ctx := log.WithDispatchID(context.Background(), "d-123")
	logger.WithContext(ctx).Info("with dispatch")

	entries := decodeLines(t, buf)
	if len(entries) != 1 || entries[0]["dispatch_id"] != "d-123" {
		t.Errorf("Expected dispatch_id d-123, got %v", entries)
	}
}
