package wsserver

import (
	"context"
	"log/slog"
	"time"

	errsys "github.com/armorclaw/wsbridge/pkg/errors"
	"github.com/armorclaw/wsbridge/pkg/logger"
	"github.com/armorclaw/wsbridge/pkg/metrics"
)

// translator turns transport callbacks into events. Connection events are
// only delivered inside whileLive, which holds the server's phase lock
// across the check and the delivery; the failure event bypasses it.
type translator struct {
	registry  *Registry
	sink      Sink
	whileLive func(fn func()) bool
	log      *logger.Logger
	sec      *logger.SecurityLogger
	metrics  *metrics.Collector
	reporter *errsys.Reporter
	now      func() time.Time
}

func (tr *translator) deliver(ev Event) {
	var err error
	tr.whileLive(func() { err = tr.sink.Deliver(ev) })
	tr.reportDelivery(ev, err)
}

func (tr *translator) reportDelivery(ev Event, err error) {
	if err == nil {
		return
	}
	tr.reporter.Report(context.Background(), errsys.NewBuilder("EVT-001").
		Wrap(err).
		WithFunction("translator.deliver").
		WithInput("kind", string(ev.Kind())).
		Build())
}

// open registers t and emits its Open event. Registration and delivery
// share one liveness window so a failing or stopping server can never
// gain an entry after it cleared the registry. On false the socket has
// already been terminated.
func (tr *translator) open(t Transport, info ConnInfo) (*Connection, bool) {
	var (
		conn       *Connection
		regErr     error
		ev         *OpenEvent
		deliverErr error
	)
	live := tr.whileLive(func() {
		conn, regErr = tr.registry.Register(t, info)
		if regErr != nil {
			return
		}
		ev = &OpenEvent{
			BaseEvent:     BaseEvent{Ts: conn.OpenedAt},
			ConnID:        conn.ID,
			RemoteAddress: conn.RemoteAddress,
			Subprotocol:   conn.Subprotocol,
			Handshake:     conn.Handshake,
		}
		tr.metrics.RecordOpened()
		deliverErr = tr.sink.Deliver(ev)
	})
	if !live {
		t.Terminate(CloseGoingAway, "server stopping")
		return nil, false
	}
	if regErr != nil {
		tr.reporter.Report(context.Background(), regErr)
		t.Terminate(CloseInternalError, "identity allocation failed")
		return nil, false
	}

	tr.sec.LogConnectionOpened(context.Background(), conn.ID, conn.RemoteAddress, conn.Subprotocol,
		slog.String("resource", conn.Handshake.ResourcePath))
	tr.reportDelivery(ev, deliverErr)
	return conn, true
}

// message emits a Message event; frames from unknown transports are dropped
func (tr *translator) message(t Transport, data []byte, binary bool) {
	conn, ok := tr.registry.LookupByTransport(t)
	if !ok {
		tr.log.Debug("dropping frame from unregistered transport", "bytes", len(data))
		return
	}
	tr.metrics.RecordReceived(binary)
	tr.deliver(newMessageEvent(conn.ID, data, binary, tr.now()))
}

// closed emits the Close event and removes the entry. Removal happens even
// when delivery fails.
func (tr *translator) closed(t Transport, code CloseCode, reason string) {
	conn, ok := tr.registry.LookupByTransport(t)
	if !ok {
		return
	}
	defer tr.registry.Remove(conn.ID)

	clean := WasClean(code)
	tr.metrics.RecordClosed(clean, tr.now().Sub(conn.OpenedAt))
	tr.sec.LogConnectionClosed(context.Background(), conn.ID, int(code), reason, clean)

	tr.deliver(&CloseEvent{
		BaseEvent: BaseEvent{Ts: tr.now()},
		ConnID:    conn.ID,
		Code:      code,
		Reason:    reason,
		WasClean:  clean,
	})
}

// connError handles a connection-scoped failure: the socket is torn down
// with 1011 and its Close event follows from the read side.
func (tr *translator) connError(t Transport, err error) {
	id := ""
	if conn, ok := tr.registry.LookupByTransport(t); ok {
		id = conn.ID
		conn.markClosing()
	}
	tr.sec.LogConnectionError(context.Background(), id, err)
	if terr := t.Terminate(CloseInternalError, "unexpected condition"); terr != nil {
		tr.log.WithConnID(id).Debug("terminate after connection error", "error", terr)
	}
}
