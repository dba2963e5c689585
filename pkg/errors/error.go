package errors

import (
	goerrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity levels for errors
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// TracedError is a structured error with detailed context for debugging
type TracedError struct {
	// Identification
	Code     string `json:"code"`
	Category string `json:"category"`
	TraceID  string `json:"trace_id"`

	Severity Severity `json:"severity"`

	// Error details
	Message  string `json:"message"`
	Function string `json:"function,omitempty"`
	File     string `json:"file"`
	Line     int    `json:"line"`

	// Context
	Inputs map[string]interface{} `json:"inputs,omitempty"`
	State  map[string]interface{} `json:"state,omitempty"`
	Stack  []StackFrame           `json:"stack,omitempty"`

	// Tracking
	Timestamp   time.Time `json:"timestamp"`
	RepeatCount int       `json:"repeat_count,omitempty"`

	cause error
}

// Error implements the error interface
func (e *TracedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *TracedError) Unwrap() error {
	return e.cause
}

// ConnID returns the connection the diagnostic concerns, or "" for
// server-scoped diagnostics
func (e *TracedError) ConnID() string {
	id, _ := e.Inputs["conn_id"].(string)
	return id
}

// FormatSummary returns a one-paragraph human-readable summary
func (e *TracedError) FormatSummary() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s %s: %s", strings.ToUpper(string(e.Severity)), e.Code, e.Message))
	if e.cause != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.cause))
	}
	sb.WriteString("\n")
	if e.Function != "" {
		sb.WriteString(fmt.Sprintf("location: %s @ %s:%d\n", e.Function, e.File, e.Line))
	}
	sb.WriteString(fmt.Sprintf("trace: %s at %s\n", e.TraceID, e.Timestamp.UTC().Format(time.RFC3339)))
	if e.RepeatCount > 0 {
		sb.WriteString(fmt.Sprintf("repeated %d times\n", e.RepeatCount))
	}
	return sb.String()
}

// ErrorBuilder constructs TracedError instances with fluent API
type ErrorBuilder struct {
	err *TracedError
}

// generateTraceID returns "tr_" followed by 16 random hex digits
func generateTraceID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("tr_%016x", time.Now().UnixNano())
	}
	return "tr_" + strings.ReplaceAll(id.String(), "-", "")[:16]
}

// captureStack captures the current call stack, skipping the specified number of frames
func captureStack(skip int) []StackFrame {
	var frames []StackFrame

	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return frames
	}

	callers := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := callers.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			frames = append(frames, StackFrame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})
		}
		if frame.Function == "main.main" || !more {
			break
		}
	}

	return frames
}

// NewBuilder creates a new error builder for the given code
func NewBuilder(code string) *ErrorBuilder {
	_, file, line, _ := runtime.Caller(1)

	def := Lookup(code)

	return &ErrorBuilder{
		err: &TracedError{
			Code:      code,
			Category:  def.Category,
			Severity:  def.Severity,
			Message:   def.Message,
			TraceID:   generateTraceID(),
			Timestamp: time.Now(),
			File:      file,
			Line:      line,
			Inputs:    make(map[string]interface{}),
			State:     make(map[string]interface{}),
			Stack:     captureStack(1),
		},
	}
}

// Wrap wraps an existing error with this code
func (b *ErrorBuilder) Wrap(cause error) *ErrorBuilder {
	b.err.cause = cause
	if b.err.Message == "" && cause != nil {
		b.err.Message = cause.Error()
	}
	return b
}

// WithMessage sets a custom message
func (b *ErrorBuilder) WithMessage(msg string) *ErrorBuilder {
	b.err.Message = msg
	return b
}

// WithMessagef sets a formatted custom message
func (b *ErrorBuilder) WithMessagef(format string, args ...interface{}) *ErrorBuilder {
	b.err.Message = fmt.Sprintf(format, args...)
	return b
}

// WithSeverity overrides the default severity
func (b *ErrorBuilder) WithSeverity(sev Severity) *ErrorBuilder {
	b.err.Severity = sev
	return b
}

// WithFunction sets the function name where the error occurred
func (b *ErrorBuilder) WithFunction(fn string) *ErrorBuilder {
	b.err.Function = fn
	return b
}

// WithInput adds a single input parameter
func (b *ErrorBuilder) WithInput(key string, value interface{}) *ErrorBuilder {
	b.err.Inputs[key] = value
	return b
}

// WithStateValue adds a single state value
func (b *ErrorBuilder) WithStateValue(key string, value interface{}) *ErrorBuilder {
	b.err.State[key] = value
	return b
}

// Build creates the final TracedError
func (b *ErrorBuilder) Build() *TracedError {
	if len(b.err.Inputs) == 0 {
		b.err.Inputs = nil
	}
	if len(b.err.State) == 0 {
		b.err.State = nil
	}
	return b.err
}

// New creates a new traced error with just a code and message
func New(code, message string) *TracedError {
	return NewBuilder(code).WithMessage(message).Build()
}

// Wrap wraps an error with a code
func Wrap(code string, cause error) *TracedError {
	return NewBuilder(code).Wrap(cause).Build()
}

// CodeOf returns the code of the first TracedError in err's chain, or "".
func CodeOf(err error) string {
	var te *TracedError
	if goerrors.As(err, &te) {
		return te.Code
	}
	return ""
}

// HasCode reports whether err's chain carries a TracedError with code.
func HasCode(err error, code string) bool {
	for err != nil {
		var te *TracedError
		if !goerrors.As(err, &te) {
			return false
		}
		if te.Code == code {
			return true
		}
		err = te.cause
	}
	return false
}
