// Package logger provides security-specific logging helpers for wsbridge
package logger

import (
	"context"
	"log/slog"
)

// SecurityEventType defines types of security events
type SecurityEventType string

const (
	// Handshake admission
	HandshakeRejected SecurityEventType = "handshake_rejected"

	// Connection lifecycle
	ConnectionOpened SecurityEventType = "connection_opened"
	ConnectionClosed SecurityEventType = "connection_closed"
	ConnectionError  SecurityEventType = "connection_error"

	// Server lifecycle
	ServerFailed SecurityEventType = "server_failed"

	// Command processing
	CommandDropped SecurityEventType = "command_dropped"
)

// SecurityLogger provides security-specific logging methods
type SecurityLogger struct {
	logger *Logger
}

// NewSecurityLogger creates a new security logger
func NewSecurityLogger(baseLogger *Logger) *SecurityLogger {
	return &SecurityLogger{
		logger: baseLogger.WithComponent("security"),
	}
}

// LogHandshakeRejected logs a refused upgrade request
func (sl *SecurityLogger) LogHandshakeRejected(ctx context.Context, remoteAddr, origin, reason string, closeCode int, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("remote_addr", remoteAddr),
		slog.String("origin", origin),
		slog.String("reason", reason),
		slog.Int("close_code", closeCode),
	}
	sl.logger.SecurityEvent(ctx, string(HandshakeRejected), append(baseAttrs, attrs...)...)
}

// LogConnectionOpened logs an admitted connection
func (sl *SecurityLogger) LogConnectionOpened(ctx context.Context, connID, remoteAddr, subprotocol string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("conn_id", connID),
		slog.String("remote_addr", remoteAddr),
		slog.String("subprotocol", subprotocol),
	}
	sl.logger.SecurityEvent(ctx, string(ConnectionOpened), append(baseAttrs, attrs...)...)
}

// LogConnectionClosed logs a connection teardown
func (sl *SecurityLogger) LogConnectionClosed(ctx context.Context, connID string, code int, reason string, clean bool, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("conn_id", connID),
		slog.Int("code", code),
		slog.String("reason", reason),
		slog.Bool("was_clean", clean),
	}
	sl.logger.SecurityEvent(ctx, string(ConnectionClosed), append(baseAttrs, attrs...)...)
}

// LogConnectionError logs a transport error on one connection
func (sl *SecurityLogger) LogConnectionError(ctx context.Context, connID string, err error, attrs ...slog.Attr) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	baseAttrs := []slog.Attr{
		slog.String("conn_id", connID),
		slog.String("error_message", msg),
	}
	sl.logger.SecurityEvent(ctx, string(ConnectionError), append(baseAttrs, attrs...)...)
}

// LogServerFailed logs the terminal failure of a server instance
func (sl *SecurityLogger) LogServerFailed(ctx context.Context, addr string, port int, reason string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("server_addr", addr),
		slog.Int("server_port", port),
		slog.String("reason", reason),
	}
	sl.logger.SecurityEvent(ctx, string(ServerFailed), append(baseAttrs, attrs...)...)
}

// LogCommandDropped logs a send or close command that could not be applied
func (sl *SecurityLogger) LogCommandDropped(ctx context.Context, command, connID, code string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("command", command),
		slog.String("conn_id", connID),
		slog.String("error_code", code),
	}
	sl.logger.SecurityEvent(ctx, string(CommandDropped), append(baseAttrs, attrs...)...)
}

// LogSecurityEvent logs a generic security event with custom event type
func (sl *SecurityLogger) LogSecurityEvent(eventType string, attrs ...slog.Attr) {
	sl.logger.SecurityEvent(context.Background(), eventType, attrs...)
}
