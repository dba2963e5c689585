package eventbus

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/armorclaw/wsbridge/pkg/wsserver"
)

var sequence atomic.Int64

// Envelope wraps an event record for transmission to a remote consumer
type Envelope struct {
	Sequence int64           `json:"sequence"`
	Received time.Time       `json:"received"`
	Event    wsserver.Record `json:"event"`
}

// WrapEvent builds the envelope for ev. Sequence numbers are process-wide
// and strictly increasing.
func WrapEvent(ev wsserver.Event) (*Envelope, error) {
	if ev == nil {
		return nil, ErrNilEvent().WithOperation("WrapEvent")
	}
	return &Envelope{
		Sequence: sequence.Add(1),
		Received: time.Now(),
		Event:    ev.Record(),
	}, nil
}

// ToJSON serializes the envelope
func (e *Envelope) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, ErrEncodeFailed(string(e.Event.Kind), err)
	}
	return data, nil
}
