package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
}

func TestNewFileSource(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configFile, "strategy:\n  name: round_robin\n")

	tests := []struct {
		name         string
		filePath     string
		pollInterval time.Duration
		expectError  bool
	}{
		{"valid file path", configFile, time.Second, false},
		{"empty file path", "", time.Second, true},
		{"non-existent file", "/non/existent/file.yaml", time.Second, true},
		{"zero poll interval", configFile, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, err := NewFileSource(tt.filePath, tt.pollInterval)
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if source.pollInterval <= 0 {
				t.Errorf("Expected a positive poll interval, got %v", source.pollInterval)
			}
			source.Close()
		})
	}
}

func TestFileSourceGet(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configFile, "rotator:\n  max_failover_attempts: 3\n")

	source, err := NewFileSource(configFile, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer source.Close()

	data, err := source.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "rotator:\n  max_failover_attempts: 3\n" {
		t.Errorf("Unexpected content: %q", data)
	}

	os.Remove(configFile)
	if _, err := source.Get(); err == nil {
		t.Error("Expected an error for a removed file")
	}
}

func TestFileSourceWatch(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configFile, "version: 1\n")

	source, err := NewFileSource(configFile, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer source.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := source.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	select {
	case data := <-ch:
		if string(data) != "version: 1\n" {
			t.Errorf("Expected the initial content, got %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for the initial content")
	}

	// same content with a new mtime is not delivered
	future := time.Now().Add(time.Hour)
	os.Chtimes(configFile, future, future)
	select {
	case data := <-ch:
		t.Fatalf("Expected no delivery for unchanged content, got %q", data)
	case <-time.After(50 * time.Millisecond):
	}

	writeConfig(t, configFile, "version: 22\n")
	select {
	case data := <-ch:
		if string(data) != "version: 22\n" {
			t.Errorf("Expected the updated content, got %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for the update")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Expected the channel to be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for the channel to close")
	}
}

func TestFileSourceClose(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configFile, "version: 1\n")

	source, err := NewFileSource(configFile, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := source.Watch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	<-ch

	if err := source.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("Expected the channel to be closed after Close")
	}
	if _, err := source.Watch(context.Background()); err == nil {
		t.Error("Expected Watch to fail after Close")
	}
	if err := source.Close(); err != nil {
		t.Errorf("Expected Close to be idempotent, got %v", err)
	}
}
