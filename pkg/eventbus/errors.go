package eventbus

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorDomain identifies the part of the bus that produced an error
type ErrorDomain string

const (
	DomainEventBus ErrorDomain = "eventbus"
	DomainQueue    ErrorDomain = "eventbus.queue"
	DomainConsumer ErrorDomain = "eventbus.consumer"
	DomainEncode   ErrorDomain = "eventbus.encode"
)

// ErrorCode identifies specific error conditions
type ErrorCode string

const (
	// Queue errors (E001-E099)
	CodeNilEvent    ErrorCode = "E001" // Nil event passed to Deliver
	CodeBacklogFull ErrorCode = "E002" // Backlog at MaxBacklog, event dropped
	CodeBusClosed   ErrorCode = "E003" // Bus already closed
	CodeEncodeFail  ErrorCode = "E004" // Envelope serialization failed

	// Consumer errors (E101-E199)
	CodeConsumerNotFound ErrorCode = "E101"
	CodeConsumerAttached ErrorCode = "E102"
	CodeConsumerFailed   ErrorCode = "E103"
)

// ErrorSeverity indicates the severity level of the error
type ErrorSeverity string

const (
	SeverityDebug   ErrorSeverity = "debug"
	SeverityInfo    ErrorSeverity = "info"
	SeverityWarning ErrorSeverity = "warning"
	SeverityError   ErrorSeverity = "error"
)

// SourceLocation identifies where the error originated in code
type SourceLocation struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Function string `json:"function,omitempty"`
}

func (s *SourceLocation) String() string {
	if s == nil {
		return ""
	}
	if s.File != "" && s.Line > 0 {
		return fmt.Sprintf("%s:%d", s.File, s.Line)
	}
	return ""
}

// EventError provides structured error information with debugging context
type EventError struct {
	Domain    ErrorDomain            `json:"domain"`
	Code      ErrorCode              `json:"code"`
	Severity  ErrorSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Operation string                 `json:"operation,omitempty"`
	Source    *SourceLocation        `json:"source,omitempty"`
	Cause     error                  `json:"-"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Error formats as "[DOMAIN:CODE] (op) message @ file:line"
func (e *EventError) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s:%s]", e.Domain, e.Code))
	if e.Operation != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", e.Operation))
	}
	sb.WriteString(" " + e.Message)

	if e.Source != nil && e.Source.String() != "" {
		sb.WriteString(" @ " + e.Source.String())
	}
	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf("\n  cause: %v", e.Cause))
	}
	if hint, ok := e.Context["hint"]; ok {
		sb.WriteString(fmt.Sprintf("\n  hint: %v", hint))
	}
	return sb.String()
}

// Unwrap returns the underlying cause for errors.Is/As
func (e *EventError) Unwrap() error {
	return e.Cause
}

// Is matches another *EventError by code, so sentinel comparisons work
// against freshly built errors.
func (e *EventError) Is(target error) bool {
	var other *EventError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// WithCause chains an underlying error
func (e *EventError) WithCause(cause error) *EventError {
	e.Cause = cause
	return e
}

// WithContext adds contextual information for debugging
func (e *EventError) WithContext(key string, value interface{}) *EventError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *EventError) WithOperation(op string) *EventError {
	e.Operation = op
	return e
}

func (e *EventError) WithSeverity(sev ErrorSeverity) *EventError {
	e.Severity = sev
	return e
}

// WithSource captures the caller's location
func (e *EventError) WithSource(skip int) *EventError {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return e
	}
	var fn string
	if f := runtime.FuncForPC(pc); f != nil {
		fn = f.Name()
	}
	e.Source = &SourceLocation{File: file, Line: line, Function: fn}
	return e
}

// NewError creates a new structured error with source location
func NewError(domain ErrorDomain, code ErrorCode, message string) *EventError {
	e := &EventError{
		Domain:    domain,
		Code:      code,
		Message:   message,
		Severity:  SeverityError,
		Timestamp: time.Now(),
	}
	e.WithSource(1)
	return e
}

// NewErrorWithOp creates an error with operation context
func NewErrorWithOp(domain ErrorDomain, code ErrorCode, operation, message string) *EventError {
	return NewError(domain, code, message).WithOperation(operation)
}

// ErrNilEvent is returned when Deliver is given a nil event
func ErrNilEvent() *EventError {
	return NewErrorWithOp(DomainQueue, CodeNilEvent, "Deliver",
		"cannot deliver nil event").
		WithSeverity(SeverityWarning)
}

// ErrBacklogFull is returned when the queue already holds MaxBacklog events
func ErrBacklogFull(kind string, backlog int) *EventError {
	return NewErrorWithOp(DomainQueue, CodeBacklogFull, "Deliver",
		"event backlog full, event dropped").
		WithContext("event_kind", kind).
		WithContext("backlog", backlog).
		WithContext("hint", "no consumer attached or consumer too slow; raise events.max_backlog").
		WithSeverity(SeverityWarning)
}

// ErrBusClosed is returned for operations on a closed bus
func ErrBusClosed(op string) *EventError {
	return NewErrorWithOp(DomainEventBus, CodeBusClosed, op,
		"event bus closed").
		WithSeverity(SeverityInfo)
}

// ErrEncodeFailed wraps an envelope serialization failure
func ErrEncodeFailed(kind string, cause error) *EventError {
	return NewErrorWithOp(DomainEncode, CodeEncodeFail, "ToJSON",
		"failed to serialize event").
		WithContext("event_kind", kind).
		WithCause(cause)
}

// ErrConsumerNotFound is returned when detaching a consumer that is not attached
func ErrConsumerNotFound(id string) *EventError {
	return NewErrorWithOp(DomainConsumer, CodeConsumerNotFound, "Detach",
		"consumer not attached").
		WithContext("consumer_id", id).
		WithSeverity(SeverityWarning)
}

// ErrConsumerAttached is returned when a second consumer tries to attach
func ErrConsumerAttached(current, requested string) *EventError {
	return NewErrorWithOp(DomainConsumer, CodeConsumerAttached, "Attach",
		"a consumer is already attached").
		WithContext("consumer_id", current).
		WithContext("requested_id", requested).
		WithContext("hint", "events have a single consumer; detach the current one first").
		WithSeverity(SeverityWarning)
}

// ErrConsumerFailed wraps an error returned by the consumer
func ErrConsumerFailed(id, kind string, cause error) *EventError {
	return NewErrorWithOp(DomainConsumer, CodeConsumerFailed, "Consume",
		"consumer failed to handle event").
		WithContext("consumer_id", id).
		WithContext("event_kind", kind).
		WithCause(cause)
}

// ErrorSpec describes an error code for documentation
type ErrorSpec struct {
	Code        ErrorCode     `json:"code"`
	Domain      ErrorDomain   `json:"domain"`
	Severity    ErrorSeverity `json:"severity"`
	Description string        `json:"description"`
	Resolution  string        `json:"resolution"`
}

// ErrorRegistry contains all known error codes
var ErrorRegistry = map[ErrorCode]ErrorSpec{
	CodeNilEvent: {
		Code:        CodeNilEvent,
		Domain:      DomainQueue,
		Severity:    SeverityWarning,
		Description: "A nil event was handed to Deliver",
		Resolution:  "Check the event producer",
	},
	CodeBacklogFull: {
		Code:        CodeBacklogFull,
		Domain:      DomainQueue,
		Severity:    SeverityWarning,
		Description: "The queue reached its backlog limit and the event was dropped",
		Resolution:  "Attach a consumer or raise the backlog limit",
	},
	CodeBusClosed: {
		Code:        CodeBusClosed,
		Domain:      DomainEventBus,
		Severity:    SeverityInfo,
		Description: "Operation on a bus that was already closed",
		Resolution:  "Create a new bus",
	},
	CodeEncodeFail: {
		Code:        CodeEncodeFail,
		Domain:      DomainEncode,
		Severity:    SeverityError,
		Description: "An event could not be serialized for transmission",
		Resolution:  "Check the event payload",
	},
	CodeConsumerNotFound: {
		Code:        CodeConsumerNotFound,
		Domain:      DomainConsumer,
		Severity:    SeverityWarning,
		Description: "Detach called with an ID that is not the attached consumer",
		Resolution:  "Check the consumer ID",
	},
	CodeConsumerAttached: {
		Code:        CodeConsumerAttached,
		Domain:      DomainConsumer,
		Severity:    SeverityWarning,
		Description: "Attach called while another consumer is attached",
		Resolution:  "Detach the current consumer first",
	},
	CodeConsumerFailed: {
		Code:        CodeConsumerFailed,
		Domain:      DomainConsumer,
		Severity:    SeverityError,
		Description: "The consumer returned an error for an event",
		Resolution:  "Inspect the consumer; the event is not redelivered",
	},
}

// LookupError returns the spec for an error code
func LookupError(code ErrorCode) (ErrorSpec, bool) {
	spec, ok := ErrorRegistry[code]
	return spec, ok
}

// IsErrorCode checks if any EventError in err's chain has code
func IsErrorCode(err error, code ErrorCode) bool {
	var eventErr *EventError
	if errors.As(err, &eventErr) {
		return eventErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var eventErr *EventError
	if errors.As(err, &eventErr) {
		return eventErr.Code
	}
	return ""
}
