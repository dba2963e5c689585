package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
)

func newSecurityLogger(t *testing.T) (*SecurityLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	base, err := New(Config{Level: "info", Format: "json", Writer: &buf, Component: "test"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return NewSecurityLogger(base), &buf
}

func TestSecurityLoggerEvents(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		log       func(sl *SecurityLogger)
		eventType SecurityEventType
		field     string
		want      interface{}
	}{
		{
			name: "handshake rejected",
			log: func(sl *SecurityLogger) {
				sl.LogHandshakeRejected(ctx, "10.0.0.2", "https://evil.example", "origin not allowed", 1008)
			},
			eventType: HandshakeRejected,
			field:     "close_code",
			want:      float64(1008),
		},
		{
			name: "connection opened",
			log: func(sl *SecurityLogger) {
				sl.LogConnectionOpened(ctx, "abc", "10.0.0.3", "json")
			},
			eventType: ConnectionOpened,
			field:     "subprotocol",
			want:      "json",
		},
		{
			name: "connection closed",
			log: func(sl *SecurityLogger) {
				sl.LogConnectionClosed(ctx, "abc", 1006, "", false)
			},
			eventType: ConnectionClosed,
			field:     "was_clean",
			want:      false,
		},
		{
			name: "connection error",
			log: func(sl *SecurityLogger) {
				sl.LogConnectionError(ctx, "abc", errors.New("reset"))
			},
			eventType: ConnectionError,
			field:     "error_message",
			want:      "reset",
		},
		{
			name: "server failed",
			log: func(sl *SecurityLogger) {
				sl.LogServerFailed(ctx, "0.0.0.0", 9000, "accept: too many open files")
			},
			eventType: ServerFailed,
			field:     "server_port",
			want:      float64(9000),
		},
		{
			name: "command dropped",
			log: func(sl *SecurityLogger) {
				sl.LogCommandDropped(ctx, "send", "missing", "CMD-001")
			},
			eventType: CommandDropped,
			field:     "error_code",
			want:      "CMD-001",
		},
		{
			name: "generic event",
			log: func(sl *SecurityLogger) {
				sl.LogSecurityEvent("custom_event", slog.String("detail", "x"))
			},
			eventType: "custom_event",
			field:     "detail",
			want:      "x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sl, buf := newSecurityLogger(t)
			tt.log(sl)

			entries := decodeLines(t, buf)
			if len(entries) != 1 {
				t.Fatalf("expected 1 entry, got %d", len(entries))
			}
			e := entries[0]
			if e["event_type"] != string(tt.eventType) {
				t.Errorf("event_type = %v, want %s", e["event_type"], tt.eventType)
			}
			if e["category"] != "security" {
				t.Errorf("category = %v, want security", e["category"])
			}
			if e["component"] != "security" {
				t.Errorf("component = %v, want security", e["component"])
			}
			if e[tt.field] != tt.want {
				t.Errorf("%s = %v, want %v", tt.field, e[tt.field], tt.want)
			}
		})
	}
}
