package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorclaw/wsbridge/pkg/discovery"
	errsys "github.com/armorclaw/wsbridge/pkg/errors"
	"github.com/armorclaw/wsbridge/pkg/eventbus"
	"github.com/armorclaw/wsbridge/pkg/logger"
	"github.com/armorclaw/wsbridge/pkg/metrics"
	"github.com/armorclaw/wsbridge/pkg/wsserver"
)

type fakeAdvertiser struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (f *fakeAdvertiser) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeAdvertiser) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeAdvertiser) state() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}

type eventLog struct {
	ch chan wsserver.Event
}

func (e *eventLog) Consume(ev wsserver.Event) error {
	e.ch <- ev
	return nil
}

func (e *eventLog) next(t *testing.T) wsserver.Event {
	t.Helper()
	select {
	case ev := <-e.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func newTestController(t *testing.T) (*Controller, *eventLog, *fakeAdvertiser) {
	t.Helper()
	log := logger.Discard()
	bus := eventbus.New(eventbus.Config{Logger: log})
	t.Cleanup(bus.Close)

	events := &eventLog{ch: make(chan wsserver.Event, 32)}
	require.NoError(t, bus.Attach("test", events))

	base := wsserver.DefaultOptions()
	base.Host = "127.0.0.1"
	c := New(Config{
		Base:      base,
		Bus:       bus,
		Discovery: DiscoveryConfig{Enabled: true, InstanceName: "test", Path: "/"},
		Logger:    log,
		Metrics:   metrics.New("test"),
		Reporter:  errsys.NewReporter(errsys.ReporterConfig{Logger: log}),
	})
	adv := &fakeAdvertiser{}
	c.newAdvertiser = func(discovery.AdvertiserConfig) (advertiser, error) { return adv, nil }

	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c, events, adv
}

func TestControllerLifecycle(t *testing.T) {
	c, events, adv := newTestController(t)
	assert.Equal(t, "none", c.Status().Phase)

	addr, err := c.Start(context.Background(), StartParams{Subprotocols: []string{"chat"}})
	require.NoError(t, err)
	require.NotZero(t, addr.Port)
	started, _ := adv.state()
	assert.True(t, started)

	_, err = c.Start(context.Background(), StartParams{})
	assert.True(t, errsys.HasCode(err, "SRV-002"))

	d := websocket.Dialer{Subprotocols: []string{"chat"}, HandshakeTimeout: 2 * time.Second}
	conn, _, err := d.Dial("ws://"+addr.String()+"/", nil)
	require.NoError(t, err)
	defer conn.Close()

	open := events.next(t).(*wsserver.OpenEvent)
	assert.Equal(t, "chat", open.Subprotocol)

	st := c.Status()
	assert.Equal(t, "running", st.Phase)
	assert.Equal(t, 1, st.Connections)
	assert.True(t, st.Advertising)
	require.NotNil(t, st.Diagnostics)
	assert.GreaterOrEqual(t, st.Diagnostics.TotalOccurrences, 1)
	require.Len(t, c.Connections(), 1)

	require.NoError(t, c.Send(open.ConnID, "hello", false))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	stopped, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, addr.Port, stopped.Port)
	_, advStopped := adv.state()
	assert.True(t, advStopped)
	assert.Equal(t, "stopped", c.Status().Phase)

	_, err = c.Stop(context.Background())
	assert.True(t, errsys.HasCode(err, "SRV-003"))

	// A fresh instance may be started after a stop.
	_, err = c.Start(context.Background(), StartParams{})
	require.NoError(t, err)
}

func TestControllerCommandsWithoutServer(t *testing.T) {
	c, _, _ := newTestController(t)

	assert.Equal(t, "CMD-005", errsys.CodeOf(c.Send("id", "x", false)))
	assert.Equal(t, "CMD-005", errsys.CodeOf(c.Close("id", wsserver.DefaultCloseCode, "")))
	assert.Empty(t, c.Connections())

	_, err := c.Stop(context.Background())
	assert.True(t, errsys.HasCode(err, "SRV-003"))

	_, err = c.PairingQR("")
	assert.Error(t, err)
}

func TestControllerFailureWithdrawsAdvertisement(t *testing.T) {
	c, events, adv := newTestController(t)
	_, err := c.Start(context.Background(), StartParams{})
	require.NoError(t, err)

	c.current().Fail(errors.New("listener died"))

	fail := events.next(t).(*wsserver.FailureEvent)
	assert.Equal(t, "listener died", fail.Reason)
	_, stopped := adv.state()
	assert.True(t, stopped)
	assert.Equal(t, "failed", c.Status().Phase)

	// Failed is not live, so a new instance may start.
	_, err = c.Start(context.Background(), StartParams{})
	require.NoError(t, err)
}

func TestControllerPairingQR(t *testing.T) {
	c, _, _ := newTestController(t)
	addr, err := c.Start(context.Background(), StartParams{})
	require.NoError(t, err)

	res, err := c.PairingQR("")
	require.NoError(t, err)
	assert.Equal(t, "ws://"+addr.String()+"/", res.URL)
	assert.NotEmpty(t, res.PNG)

	res, err = c.PairingQR("bridge.lan")
	require.NoError(t, err)
	assert.Contains(t, res.URL, "ws://bridge.lan:")
}

func TestControllerStartValidation(t *testing.T) {
	c, _, _ := newTestController(t)
	_, err := c.Start(context.Background(), StartParams{Port: 70000})
	assert.True(t, errsys.HasCode(err, "SRV-006"))
}

func TestControllerStartDoesNotHoldLock(t *testing.T) {
	c, _, _ := newTestController(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	c.startServer = func(ctx context.Context, srv *wsserver.Server) (wsserver.Addr, error) {
		close(entered)
		<-release
		return srv.Start(ctx)
	}

	type result struct {
		addr wsserver.Addr
		err  error
	}
	done := make(chan result, 1)
	go func() {
		addr, err := c.Start(context.Background(), StartParams{})
		done <- result{addr, err}
	}()

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("start never reached the server")
	}

	queried := make(chan struct{})
	go func() {
		defer close(queried)
		assert.Equal(t, "created", c.Status().Phase)
		assert.Empty(t, c.Connections())
		assert.True(t, errsys.HasCode(c.Send("missing", "hi", false), "CMD-005"))
		assert.True(t, errsys.HasCode(c.Close("missing", 1000, ""), "CMD-005"))
		_, err := c.Start(context.Background(), StartParams{})
		assert.True(t, errsys.HasCode(err, "SRV-002"))
	}()
	select {
	case <-queried:
	case <-time.After(3 * time.Second):
		t.Fatal("controller calls blocked while a start was in progress")
	}

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.NotZero(t, res.addr.Port)
	assert.Equal(t, "running", c.Status().Phase)
}
