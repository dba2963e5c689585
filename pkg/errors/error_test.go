package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestTracedError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *TracedError
		expected string
	}{
		{
			name:     "error without cause",
			err:      &TracedError{Code: "SRV-001", Message: "failed to bind listener"},
			expected: "SRV-001: failed to bind listener",
		},
		{
			name: "error with cause",
			err: &TracedError{
				Code:    "SRV-001",
				Message: "failed to bind listener",
				cause:   errors.New("address already in use"),
			},
			expected: "SRV-001: failed to bind listener: address already in use",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestTracedError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap("SRV-005", cause)

	if err.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), cause)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is() should return true for wrapped error")
	}

	var te *TracedError
	outer := fmt.Errorf("start: %w", err)
	if !errors.As(outer, &te) || te.Code != "SRV-005" {
		t.Errorf("errors.As() through fmt wrapping failed: %v", te)
	}
}

func TestNewBuilderUsesCodeDefinition(t *testing.T) {
	err := NewBuilder("CMD-001").
		WithFunction("Send").
		WithInput("conn_id", "abc").
		Build()

	if err.Category != "command" {
		t.Errorf("Category = %q, want command", err.Category)
	}
	if err.Severity != SeverityWarning {
		t.Errorf("Severity = %q, want warning", err.Severity)
	}
	if err.Message != "unknown connection" {
		t.Errorf("Message = %q", err.Message)
	}
	if err.ConnID() != "abc" {
		t.Errorf("ConnID() = %q, Inputs = %v", err.ConnID(), err.Inputs)
	}
	if id := New("SRV-001", "bind").ConnID(); id != "" {
		t.Errorf("server-scoped ConnID() = %q", id)
	}
	if err.State != nil {
		t.Error("empty State should be dropped by Build()")
	}
	if !strings.HasPrefix(err.TraceID, "tr_") || len(err.TraceID) != 19 {
		t.Errorf("TraceID = %q, want tr_ prefix", err.TraceID)
	}
	if err.Line == 0 || err.File == "" {
		t.Error("caller location not captured")
	}
	if len(err.Stack) == 0 {
		t.Error("stack not captured")
	}
}

func TestUnknownCodeLookup(t *testing.T) {
	def := Lookup("NOPE-999")
	if def.Category != "unknown" {
		t.Errorf("Category = %q, want unknown", def.Category)
	}
}

func TestAllCodesRegistered(t *testing.T) {
	codes := []string{
		"ADM-001", "ADM-002", "ADM-003",
		"REG-001",
		"CMD-001", "CMD-002", "CMD-003", "CMD-004", "CMD-005", "CMD-006", "CMD-007",
		"SRV-001", "SRV-002", "SRV-003", "SRV-004", "SRV-005", "SRV-006",
		"EVT-001", "SYS-001", "SYS-002",
	}
	all := AllCodes()
	for _, code := range codes {
		def, ok := all[code]
		if !ok {
			t.Errorf("code %s not registered", code)
			continue
		}
		if def.Help == "" || def.Message == "" {
			t.Errorf("code %s missing message or help", code)
		}
	}
	if len(CodesByCategory("admission")) != 3 {
		t.Errorf("admission codes = %d, want 3", len(CodesByCategory("admission")))
	}
}

func TestCodeHelpers(t *testing.T) {
	inner := New("CMD-004", "bad base64")
	outer := NewBuilder("EVT-001").Wrap(inner).Build()

	if CodeOf(outer) != "EVT-001" {
		t.Errorf("CodeOf() = %q", CodeOf(outer))
	}
	if !HasCode(outer, "CMD-004") {
		t.Error("HasCode() should find nested code")
	}
	if HasCode(outer, "CMD-001") {
		t.Error("HasCode() matched a code not in the chain")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf() on plain error should be empty")
	}
}

func TestFormatSummary(t *testing.T) {
	err := &TracedError{
		Code:        "SRV-005",
		Severity:    SeverityCritical,
		Message:     "server transport failure",
		Function:    "Serve",
		File:        "server.go",
		Line:        42,
		TraceID:     "tr_abc123",
		Timestamp:   time.Date(2026, 2, 15, 18, 32, 5, 0, time.UTC),
		RepeatCount: 3,
	}

	summary := err.FormatSummary()
	for _, want := range []string{"CRITICAL", "SRV-005", "Serve", "server.go:42", "tr_abc123", "repeated 3 times"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
}
