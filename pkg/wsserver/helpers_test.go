package wsserver

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	errsys "github.com/armorclaw/wsbridge/pkg/errors"
	"github.com/armorclaw/wsbridge/pkg/logger"
)

// fakeTransport records what the server asked it to do
type fakeTransport struct {
	mu         sync.Mutex
	texts      []string
	binaries   [][]byte
	closeCode  CloseCode
	closed     bool
	terminated bool
	sendErr    error
}

func (f *fakeTransport) SendText(msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.texts = append(f.texts, msg)
	return nil
}

func (f *fakeTransport) SendBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.binaries = append(f.binaries, data)
	return nil
}

func (f *fakeTransport) Close(code CloseCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeTransport) Terminate(code CloseCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
	f.closeCode = code
	return nil
}

func (f *fakeTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (f *fakeTransport) snapshot() (CloseCode, bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closed, f.terminated
}

// chanSink buffers delivered events for assertions
type chanSink struct {
	ch  chan Event
	err error
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan Event, 64)}
}

func (c *chanSink) Deliver(ev Event) error {
	if c.err != nil {
		return c.err
	}
	c.ch <- ev
	return nil
}

func (c *chanSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-c.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (c *chanSink) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-c.ch:
		t.Fatalf("unexpected event %s: %+v", ev.Kind(), ev.Record())
	case <-time.After(wait):
	}
}

func quietReporter() *errsys.Reporter {
	return errsys.NewReporter(errsys.ReporterConfig{Logger: logger.Discard()})
}

func sequenceGenerator(ids ...string) IDGenerator {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(ids) {
			return "", errors.New("sequence exhausted")
		}
		id := ids[i]
		i++
		return id, nil
	}
}

// recordingSink keeps every delivered event in order without blocking
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Deliver(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
