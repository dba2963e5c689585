// Package logger provides tests for the structured logging system
package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("output is not valid JSON: %v (%q)", err, line)
		}
		out = append(out, entry)
	}
	return out
}

// TestNewLogger tests creating a new logger instance
func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "valid text logger",
			config: Config{Level: "info", Format: "text", Output: "stdout", Component: "test"},
		},
		{
			name:   "valid json logger",
			config: Config{Level: "debug", Format: "json", Output: "stderr", Component: "test"},
		},
		{
			name:   "invalid log level falls back to info",
			config: Config{Level: "invalid", Format: "text", Output: "stdout", Component: "test"},
		},
		{
			name:   "empty values use defaults",
			config: Config{},
		},
		{
			name:   "file output",
			config: Config{Level: "info", Output: filepath.Join(t.TempDir(), "logs", "wsbridge.log")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if logger == nil {
				t.Error("New() returned nil logger")
			}
		})
	}
}

func TestFileOutputCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "out.log")
	logger, err := New(Config{Level: "info", Format: "json", Output: path, Component: "file"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	logger.Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file missing message: %s", data)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn", Format: "json", Writer: &buf, Component: "test"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept")
	logger.Error("kept")

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e["msg"] != "kept" {
			t.Errorf("unexpected entry %v", e)
		}
		if e["service"] != "wsbridge" {
			t.Errorf("missing service attribute: %v", e)
		}
	}
}

func TestScopedLoggers(t *testing.T) {
	var buf bytes.Buffer
	base, _ := New(Config{Level: "info", Format: "json", Writer: &buf, Component: "base"})

	scoped := base.WithComponent("wsserver").WithConnID("c-1").WithRequestID("r-9")
	if scoped == base {
		t.Fatal("scoped logger must be a new instance")
	}
	if scoped.Component() != "wsserver" {
		t.Errorf("Component() = %q, want wsserver", scoped.Component())
	}

	scoped.Info("scoped")
	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0]["conn_id"] != "c-1" || entries[0]["request_id"] != "r-9" {
		t.Errorf("scoped attributes missing: %v", entries[0])
	}
}

func TestErrorEvent(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Config{Level: "info", Format: "json", Writer: &buf})

	logger.ErrorEvent(context.Background(), "write failed", errors.New("broken pipe"))
	logger.ErrorEvent(context.Background(), "no cause", nil)

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0]["error"] != "broken pipe" {
		t.Errorf("error attribute = %v", entries[0]["error"])
	}
	if _, ok := entries[1]["error"]; ok {
		t.Errorf("nil error must not produce an error attribute")
	}
}

func TestGlobalFallback(t *testing.T) {
	SetGlobal(nil)
	if Global() == nil {
		t.Fatal("Global() returned nil without initialization")
	}

	var buf bytes.Buffer
	custom, _ := New(Config{Level: "debug", Format: "json", Writer: &buf})
	SetGlobal(custom)
	defer SetGlobal(nil)

	Global().Debug("via global")
	if !strings.Contains(buf.String(), "via global") {
		t.Errorf("global logger not used: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Info("nothing")
	l.WithConnID("x").Error("still nothing")
}
