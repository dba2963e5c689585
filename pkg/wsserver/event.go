package wsserver

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Kind tags a lifecycle event
type Kind string

const (
	KindOpen    Kind = "open"
	KindMessage Kind = "message"
	KindClose   Kind = "close"
	KindFailure Kind = "failure"
)

// Event is the closed set of lifecycle events delivered to the consumer:
// *OpenEvent, *MessageEvent, *CloseEvent and *FailureEvent.
type Event interface {
	Kind() Kind
	Timestamp() time.Time
	Record() Record
	sealed()
}

// Sink receives translated events. Deliver must not block on the consumer.
type Sink interface {
	Deliver(Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Event) error

// Deliver calls f(ev)
func (f SinkFunc) Deliver(ev Event) error { return f(ev) }

// HandshakeMetadata is the snapshot of the upgrade request taken at open
type HandshakeMetadata struct {
	Headers      map[string]string `json:"headers"`
	ResourcePath string            `json:"resource"`
}

// BaseEvent carries the fields shared by every event
type BaseEvent struct {
	Ts time.Time
}

// Timestamp returns the event timestamp
func (e *BaseEvent) Timestamp() time.Time { return e.Ts }

func (*BaseEvent) sealed() {}

// OpenEvent is emitted once per admitted connection
type OpenEvent struct {
	BaseEvent
	ConnID        string
	RemoteAddress string
	Subprotocol   string
	Handshake     HandshakeMetadata
}

// MessageEvent is emitted for each inbound data frame. Binary payloads are
// carried as standard base64 text.
type MessageEvent struct {
	BaseEvent
	ConnID   string
	Message  string
	IsBinary bool
}

// CloseEvent is emitted once per connection after the socket is gone
type CloseEvent struct {
	BaseEvent
	ConnID   string
	Code     CloseCode
	Reason   string
	WasClean bool
}

// FailureEvent is emitted once when a server instance fails
type FailureEvent struct {
	BaseEvent
	ServerAddress string
	ServerPort    int
	Reason        string
}

func (*OpenEvent) Kind() Kind    { return KindOpen }
func (*MessageEvent) Kind() Kind { return KindMessage }
func (*CloseEvent) Kind() Kind   { return KindClose }
func (*FailureEvent) Kind() Kind { return KindFailure }

// Record is the serialized form of an Event
type Record struct {
	Kind          Kind               `json:"kind"`
	ConnID        string             `json:"uuid,omitempty"`
	RemoteAddress *string            `json:"remote_addr,omitempty"`
	Subprotocol   *string            `json:"protocol,omitempty"`
	Handshake     *HandshakeMetadata `json:"handshake,omitempty"`
	Message       *string            `json:"msg,omitempty"`
	IsBinary      *bool              `json:"is_binary,omitempty"`
	Code          *int               `json:"code,omitempty"`
	Reason        *string            `json:"reason,omitempty"`
	WasClean      *bool              `json:"was_clean,omitempty"`
	ServerAddress *string            `json:"server_addr,omitempty"`
	ServerPort    *int               `json:"server_port,omitempty"`
	FailureReason *string            `json:"failure_reason,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// ToJSON encodes the record
func (r Record) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

func (e *OpenEvent) Record() Record {
	hs := e.Handshake
	return Record{
		Kind:          KindOpen,
		ConnID:        e.ConnID,
		RemoteAddress: &e.RemoteAddress,
		Subprotocol:   &e.Subprotocol,
		Handshake:     &hs,
		Timestamp:     e.Ts,
	}
}

func (e *MessageEvent) Record() Record {
	return Record{
		Kind:      KindMessage,
		ConnID:    e.ConnID,
		Message:   &e.Message,
		IsBinary:  &e.IsBinary,
		Timestamp: e.Ts,
	}
}

func (e *CloseEvent) Record() Record {
	code := int(e.Code)
	return Record{
		Kind:      KindClose,
		ConnID:    e.ConnID,
		Code:      &code,
		Reason:    &e.Reason,
		WasClean:  &e.WasClean,
		Timestamp: e.Ts,
	}
}

func (e *FailureEvent) Record() Record {
	r := Record{
		Kind:          KindFailure,
		ServerAddress: &e.ServerAddress,
		ServerPort:    &e.ServerPort,
		Timestamp:     e.Ts,
	}
	if e.Reason != "" {
		r.FailureReason = &e.Reason
	}
	return r
}

func newMessageEvent(connID string, data []byte, binary bool, now time.Time) *MessageEvent {
	msg := string(data)
	if binary {
		msg = base64.StdEncoding.EncodeToString(data)
	}
	return &MessageEvent{
		BaseEvent: BaseEvent{Ts: now},
		ConnID:    connID,
		Message:   msg,
		IsBinary:  binary,
	}
}
