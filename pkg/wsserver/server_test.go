package wsserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errsys "github.com/armorclaw/wsbridge/pkg/errors"
	"github.com/armorclaw/wsbridge/pkg/logger"
	"github.com/armorclaw/wsbridge/pkg/metrics"
)

func startServer(t *testing.T, policy Policy) (*Server, *chanSink, string) {
	t.Helper()
	sink := newChanSink()
	opts := DefaultOptions()
	opts.Host = "127.0.0.1"
	opts.Policy = policy
	opts.Sink = sink
	opts.Logger = logger.Discard()
	opts.Reporter = quietReporter()
	opts.Metrics = metrics.New("test")
	opts.CloseTimeout = time.Second
	opts.StopTimeout = 3 * time.Second

	s, err := New(opts)
	require.NoError(t, err)
	addr, err := s.Start(context.Background())
	require.NoError(t, err)
	require.NotZero(t, addr.Port)
	assert.Equal(t, PhaseRunning, s.Phase())

	t.Cleanup(func() {
		if s.Phase() == PhaseRunning {
			s.Stop(context.Background())
		}
	})
	return s, sink, "ws://" + addr.String()
}

func dial(t *testing.T, url string, h http.Header, protocols ...string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second, Subprotocols: protocols}
	c, _, err := d.Dial(url, h)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readClose(t *testing.T, c *websocket.Conn) *websocket.CloseError {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
		return ce
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Port: 70000, Sink: newChanSink()})
	assert.True(t, errsys.HasCode(err, "SRV-006"))

	_, err = New(Options{})
	assert.True(t, errsys.HasCode(err, "SRV-006"))
}

func TestServerEndToEnd(t *testing.T) {
	s, sink, base := startServer(t, Policy{Subprotocols: []string{"chat", "json"}})

	c := dial(t, base+"/room/7?token=abc", nil, "json", "chat")
	assert.Equal(t, "json", c.Subprotocol())

	open := sink.next(t).(*OpenEvent)
	assert.NotEmpty(t, open.ConnID)
	assert.Equal(t, "json", open.Subprotocol)
	assert.Equal(t, "127.0.0.1", open.RemoteAddress)
	assert.Equal(t, "/room/7?token=abc", open.Handshake.ResourcePath)
	assert.Contains(t, open.Handshake.Headers, "Host")
	assert.Equal(t, "json, chat", open.Handshake.Headers["Sec-Websocket-Protocol"])

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("ping")))
	msg := sink.next(t).(*MessageEvent)
	assert.Equal(t, open.ConnID, msg.ConnID)
	assert.Equal(t, "ping", msg.Message)
	assert.False(t, msg.IsBinary)

	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	bin := sink.next(t).(*MessageEvent)
	assert.Equal(t, "AQID", bin.Message)
	assert.True(t, bin.IsBinary)

	require.NoError(t, s.Send(open.ConnID, "pong", false))
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "pong", string(data))

	require.NoError(t, s.Send(open.ConnID, "AQID", true))
	mt, data, err = c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{1, 2, 3}, data)

	require.NoError(t, s.Close(open.ConnID, DefaultCloseCode, "bye"))
	ce := readClose(t, c)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, "bye", ce.Text)

	cl := sink.next(t).(*CloseEvent)
	assert.Equal(t, open.ConnID, cl.ConnID)
	assert.Equal(t, CloseNormal, cl.Code)
	assert.True(t, cl.WasClean)

	require.Eventually(t, func() bool { return s.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "CMD-001", errsys.CodeOf(s.Send(open.ConnID, "late", false)))
}

func TestServerPeerInitiatedClose(t *testing.T) {
	_, sink, base := startServer(t, Policy{})
	c := dial(t, base+"/", nil)
	open := sink.next(t).(*OpenEvent)

	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "done")))
	readClose(t, c)

	cl := sink.next(t).(*CloseEvent)
	assert.Equal(t, open.ConnID, cl.ConnID)
	assert.Equal(t, CloseCode(4000), cl.Code)
	assert.Equal(t, "done", cl.Reason)
	assert.True(t, cl.WasClean)
}

func TestServerAbruptDisconnectIsUnclean(t *testing.T) {
	_, sink, base := startServer(t, Policy{})
	c := dial(t, base+"/", nil)
	sink.next(t)

	require.NoError(t, c.NetConn().Close())

	cl := sink.next(t).(*CloseEvent)
	assert.Equal(t, CloseAbnormal, cl.Code)
	assert.False(t, cl.WasClean)
}

func TestServerRejectsOrigin(t *testing.T) {
	s, sink, base := startServer(t, Policy{Origins: []string{"https://app.example"}})

	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	_, resp, err := d.Dial(base+"/", http.Header{"Origin": {"https://evil.example"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.Equal(t, 0, s.Registry().Len())
	sink.expectNone(t, 100*time.Millisecond)
	assert.Equal(t, int64(1), s.metrics.GetSnapshot()["rejected"])

	c := dial(t, base+"/", http.Header{"Origin": {"https://app.example"}})
	assert.NotNil(t, c)
	assert.IsType(t, &OpenEvent{}, sink.next(t))
}

func TestServerRejectsSubprotocol(t *testing.T) {
	s, sink, base := startServer(t, Policy{Subprotocols: []string{"chat"}})

	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second, Subprotocols: []string{"xml"}}
	_, resp, err := d.Dial(base+"/", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, s.Registry().Len())
	sink.expectNone(t, 100*time.Millisecond)
}

func TestServerStop(t *testing.T) {
	s, sink, base := startServer(t, Policy{})
	c := dial(t, base+"/", nil)
	sink.next(t)

	closed := make(chan *websocket.CloseError, 1)
	go func() {
		c.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err := c.ReadMessage()
		var ce *websocket.CloseError
		errors.As(err, &ce)
		closed <- ce
	}()

	addr, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", addr.Host)
	assert.Equal(t, PhaseStopped, s.Phase())
	assert.Equal(t, 0, s.Registry().Len())

	ce := <-closed
	require.NotNil(t, ce)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)

	// No events once stopped.
	sink.expectNone(t, 100*time.Millisecond)

	_, err = s.Stop(context.Background())
	assert.True(t, errsys.HasCode(err, "SRV-003"))
	_, err = s.Start(context.Background())
	assert.True(t, errsys.HasCode(err, "SRV-002"))
	assert.Equal(t, "CMD-005", errsys.CodeOf(s.Send("any", "x", false)))

	_, _, err = websocket.DefaultDialer.Dial(base+"/", nil)
	assert.Error(t, err)
}

func TestServerBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	opts := DefaultOptions()
	opts.Host = "127.0.0.1"
	opts.Port = port
	opts.Sink = newChanSink()
	opts.Logger = logger.Discard()
	opts.Reporter = quietReporter()
	s, err := New(opts)
	require.NoError(t, err)

	_, err = s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errsys.HasCode(err, "SRV-001"))
	assert.Equal(t, PhaseStopped, s.Phase())
	assert.Contains(t, err.Error(), strconv.Itoa(port))

	_, err = s.Stop(context.Background())
	assert.True(t, errsys.HasCode(err, "SRV-003"))
}

func TestServerStartCancelledContext(t *testing.T) {
	opts := DefaultOptions()
	opts.Host = "127.0.0.1"
	opts.Sink = newChanSink()
	opts.Logger = logger.Discard()
	opts.Reporter = quietReporter()
	s, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Start(ctx)
	assert.True(t, errsys.HasCode(err, "SRV-004"))
	assert.Equal(t, PhaseStopped, s.Phase())
}

func TestServerFailure(t *testing.T) {
	s, sink, base := startServer(t, Policy{})
	c := dial(t, base+"/", nil)
	open := sink.next(t).(*OpenEvent)
	port := s.Addr().Port

	s.HandleError(nil, errors.New("accept: too many open files"))

	assert.Equal(t, PhaseFailed, s.Phase())
	fail := sink.next(t).(*FailureEvent)
	assert.Equal(t, port, fail.ServerPort)
	assert.Equal(t, "127.0.0.1", fail.ServerAddress)
	assert.Equal(t, "accept: too many open files", fail.Reason)

	assert.Equal(t, 0, s.Registry().Len())
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := c.ReadMessage()
	assert.Error(t, err)

	// Failed is terminal: commands are dropped and no further events arrive.
	assert.Equal(t, "CMD-003", errsys.CodeOf(s.Send(open.ConnID, "x", false)))
	assert.Equal(t, "CMD-003", errsys.CodeOf(s.Close(open.ConnID, DefaultCloseCode, "")))
	s.Fail(errors.New("again"))
	sink.expectNone(t, 100*time.Millisecond)

	_, err = s.Stop(context.Background())
	assert.True(t, errsys.HasCode(err, "SRV-003"))
}

func TestServerFailureWithoutCause(t *testing.T) {
	s, sink, _ := startServer(t, Policy{})
	addr := s.Addr()

	s.HandleError(nil, nil)

	assert.Equal(t, PhaseFailed, s.Phase())
	fail, ok := sink.next(t).(*FailureEvent)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", fail.ServerAddress)
	assert.Equal(t, addr.Port, fail.ServerPort)
	assert.Equal(t, "server error", fail.Reason)
	sink.expectNone(t, 100*time.Millisecond)

	assert.Equal(t, "CMD-003", errsys.CodeOf(s.Send("missing", "x", false)))
	assert.Equal(t, "CMD-003", errsys.CodeOf(s.Close("missing", DefaultCloseCode, "")))
}

// Connection events racing a server failure must land before the Failure
// event or not at all, and no connection may register afterwards.
func TestServerFailureIsTheLastEvent(t *testing.T) {
	for i := 0; i < 200; i++ {
		sink := &recordingSink{}
		opts := DefaultOptions()
		opts.Sink = sink
		opts.Logger = logger.Discard()
		opts.Reporter = quietReporter()
		s, err := New(opts)
		require.NoError(t, err)

		s.mu.Lock()
		s.setPhase(PhaseRunning)
		s.mu.Unlock()

		ft := &fakeTransport{}
		_, ok := s.tr.open(ft, ConnInfo{})
		require.True(t, ok)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for s.Phase() == PhaseRunning {
				s.tr.message(ft, []byte("x"), false)
			}
			s.tr.message(ft, []byte("late"), false)
		}()
		s.Fail(nil)
		<-done

		late := &fakeTransport{}
		_, ok = s.tr.open(late, ConnInfo{})
		assert.False(t, ok)
		assert.Equal(t, 0, s.Registry().Len())

		events := sink.all()
		require.NotEmpty(t, events)
		_, ok = events[len(events)-1].(*FailureEvent)
		require.True(t, ok, "run %d: %s delivered after the Failure event", i, events[len(events)-1].Kind())
		for _, ev := range events[:len(events)-1] {
			_, isFailure := ev.(*FailureEvent)
			require.False(t, isFailure, "run %d: more than one Failure event", i)
		}
	}
}

func TestReadyListenerSignalsOnAccept(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	rl := &readyListener{Listener: ln, ready: make(chan struct{})}
	defer rl.Close()

	select {
	case <-rl.ready:
		t.Fatal("ready before the serve loop accepted")
	default:
	}

	accepted := make(chan error, 1)
	go func() {
		c, err := rl.Accept()
		if err == nil {
			c.Close()
		}
		accepted <- err
	}()

	select {
	case <-rl.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("ready not signalled by Accept")
	}

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c.Close()
	require.NoError(t, <-accepted)
}

func TestServerConnectionErrorClosesOnlyThatConnection(t *testing.T) {
	s, sink, base := startServer(t, Policy{})
	c1 := dial(t, base+"/", nil)
	first := sink.next(t).(*OpenEvent)
	c2 := dial(t, base+"/", nil)
	second := sink.next(t).(*OpenEvent)

	conn, ok := s.Registry().Lookup(first.ConnID)
	require.True(t, ok)
	s.HandleError(conn.Transport(), errors.New("write: broken pipe"))

	cl := sink.next(t).(*CloseEvent)
	assert.Equal(t, first.ConnID, cl.ConnID)
	assert.Equal(t, CloseInternalError, cl.Code)
	c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c1.ReadMessage()
	assert.Error(t, err)

	assert.Equal(t, PhaseRunning, s.Phase())
	require.NoError(t, s.Send(second.ConnID, "still here", false))
	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c2.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "still here", string(data))
}

func TestServerReadLimit(t *testing.T) {
	sink := newChanSink()
	opts := DefaultOptions()
	opts.Host = "127.0.0.1"
	opts.ReadLimit = 16
	opts.Sink = sink
	opts.Logger = logger.Discard()
	opts.Reporter = quietReporter()
	s, err := New(opts)
	require.NoError(t, err)
	addr, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Stop(context.Background())

	c := dial(t, "ws://"+addr.String()+"/", nil)
	sink.next(t)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, make([]byte, 64)))
	cl := sink.next(t).(*CloseEvent)
	assert.Equal(t, CloseMessageTooBig, cl.Code)
	assert.False(t, cl.WasClean)
}
