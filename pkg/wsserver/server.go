// Package wsserver is an embeddable WebSocket server core: handshake
// admission, a connection identity registry, translation of socket
// callbacks into lifecycle events, commands addressed by identity and an
// explicit server lifecycle.
package wsserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	errsys "github.com/armorclaw/wsbridge/pkg/errors"
	"github.com/armorclaw/wsbridge/pkg/logger"
	"github.com/armorclaw/wsbridge/pkg/metrics"
)

// Options configures a server instance
type Options struct {
	Host string
	// Port 0 picks an ephemeral port.
	Port   int
	Policy Policy

	TCPNoDelay     bool
	MaxConnections int
	ReadLimit      int64

	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	CloseTimeout time.Duration
	StartTimeout time.Duration
	StopTimeout  time.Duration

	// SendBuffer is the per-connection outbound queue length.
	SendBuffer          int
	MaxIdentityAttempts int
	IDGenerator         IDGenerator

	// Sink receives every event. Required.
	Sink     Sink
	Logger   *logger.Logger
	Metrics  *metrics.Collector
	Reporter *errsys.Reporter
}

// DefaultOptions returns options with the stock timeouts and limits
func DefaultOptions() Options {
	return Options{
		TCPNoDelay:          true,
		ReadLimit:           1 << 20,
		PingInterval:        54 * time.Second,
		PongWait:            60 * time.Second,
		WriteWait:           10 * time.Second,
		CloseTimeout:        5 * time.Second,
		StartTimeout:        2 * time.Second,
		StopTimeout:         5 * time.Second,
		SendBuffer:          256,
		MaxIdentityAttempts: DefaultMaxIdentityAttempts,
	}
}

func (o *Options) fillDefaults() {
	d := DefaultOptions()
	if o.ReadLimit <= 0 {
		o.ReadLimit = d.ReadLimit
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = d.CloseTimeout
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = d.StartTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
}

// Addr is the address a server instance is bound to
type Addr struct {
	Host string `json:"addr"`
	Port int    `json:"port"`
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Server is one server instance. An instance runs at most once; start a
// new one after Stop or a failure.
type Server struct {
	opts     Options
	policy   Policy
	registry *Registry
	sink     Sink
	tr       *translator
	upgrader websocket.Upgrader

	log      *logger.Logger
	sec      *logger.SecurityLogger
	metrics  *metrics.Collector
	reporter *errsys.Reporter

	mu         sync.RWMutex
	phase      Phase
	addr       Addr
	httpServer *http.Server
	serveDone  chan struct{}
}

// New validates opts and builds a server in the Created phase
func New(opts Options) (*Server, error) {
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, errsys.NewBuilder("SRV-006").
			WithMessagef("port %d out of range", opts.Port).
			WithFunction("wsserver.New").
			WithInput("port", opts.Port).
			Build()
	}
	if opts.Sink == nil {
		return nil, errsys.NewBuilder("SRV-006").
			WithMessage("an event sink is required").
			WithFunction("wsserver.New").
			Build()
	}
	opts.fillDefaults()

	s := &Server{
		opts:     opts,
		policy:   opts.Policy.clone(),
		registry: NewRegistry(opts.IDGenerator, opts.MaxIdentityAttempts),
		sink:     opts.Sink,
		log:      opts.Logger.WithComponent("wsserver"),
		sec:      logger.NewSecurityLogger(opts.Logger),
		metrics:  opts.Metrics,
		reporter: opts.Reporter,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		// Origin is enforced by the admission policy before upgrading.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	s.tr = &translator{
		registry:  s.registry,
		sink:      s.sink,
		whileLive: s.whileLive,
		log:       s.log,
		sec:       s.sec,
		metrics:   s.metrics,
		reporter:  s.reporter,
		now:       time.Now,
	}
	s.metrics.SetPhase(PhaseCreated.String())
	return s, nil
}

// Phase returns the current lifecycle phase
func (s *Server) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Addr returns the bound address; zero before Start
func (s *Server) Addr() Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Registry exposes the identity registry
func (s *Server) Registry() *Registry { return s.registry }

// Connections returns a snapshot of the registered connections
func (s *Server) Connections() []ConnectionInfo { return s.registry.Snapshot() }

func (s *Server) live() bool { return s.Phase().Live() }

// whileLive runs fn under the read lock if the phase is live. Stop and
// Fail take the write lock to leave a live phase, so they wait for fn and
// nothing fn delivers can follow them. fn must not block or re-enter the
// server lock.
func (s *Server) whileLive(fn func()) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.phase.Live() {
		return false
	}
	fn()
	return true
}

func (s *Server) setPhase(p Phase) {
	s.phase = p
	s.metrics.SetPhase(p.String())
}

func (s *Server) transportConfig() transportConfig {
	return transportConfig{
		sendBuffer:   s.opts.SendBuffer,
		readLimit:    s.opts.ReadLimit,
		pingInterval: s.opts.PingInterval,
		pongWait:     s.opts.PongWait,
		writeWait:    s.opts.WriteWait,
		closeTimeout: s.opts.CloseTimeout,
	}
}

// Start binds the listener and serves until Stop or a server error. The
// bind happens before Start returns; Running is entered once the serve
// loop is accepting, bounded by StartTimeout.
func (s *Server) Start(ctx context.Context) (Addr, error) {
	s.mu.Lock()
	if s.phase != PhaseCreated {
		p := s.phase
		s.mu.Unlock()
		return Addr{}, s.reporter.Report(ctx, errsys.NewBuilder("SRV-002").
			WithFunction("Server.Start").
			WithStateValue("phase", p.String()).
			Build())
	}
	s.setPhase(PhaseStarting)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Addr{}, s.abortStart(ctx, nil, errsys.NewBuilder("SRV-004").
			Wrap(err).
			WithFunction("Server.Start").
			Build())
	}

	bind := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return Addr{}, s.abortStart(ctx, nil, errsys.NewBuilder("SRV-001").
			Wrap(err).
			WithFunction("Server.Start").
			WithInput("addr", bind).
			Build())
	}
	addr := listenerAddr(ln.Addr())
	if s.opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConnections)
	}

	r := chi.NewRouter()
	r.Get("/*", s.handleUpgrade)

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}
	rl := &readyListener{Listener: ln, ready: make(chan struct{})}
	serveDone := make(chan struct{})

	s.mu.Lock()
	s.addr = addr
	s.httpServer = srv
	s.serveDone = serveDone
	s.mu.Unlock()

	go func() {
		defer close(serveDone)
		if err := srv.Serve(rl); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Fail(err)
		}
	}()

	timer := time.NewTimer(s.opts.StartTimeout)
	defer timer.Stop()

	select {
	case <-rl.ready:
	case <-serveDone:
		// Serve returned before accepting; the phase check below reports it
	case <-timer.C:
		return Addr{}, s.abortStart(ctx, srv, errsys.NewBuilder("SRV-004").
			WithMessage("server did not become ready in time").
			WithFunction("Server.Start").
			WithInput("timeout", s.opts.StartTimeout.String()).
			Build())
	case <-ctx.Done():
		return Addr{}, s.abortStart(ctx, srv, errsys.NewBuilder("SRV-004").
			Wrap(ctx.Err()).
			WithFunction("Server.Start").
			Build())
	}

	s.mu.Lock()
	if s.phase != PhaseStarting {
		p := s.phase
		s.mu.Unlock()
		return Addr{}, s.reporter.Report(ctx, errsys.NewBuilder("SRV-005").
			WithMessage("server failed while starting").
			WithFunction("Server.Start").
			WithStateValue("phase", p.String()).
			Build())
	}
	s.setPhase(PhaseRunning)
	s.mu.Unlock()

	s.log.Info("websocket server started",
		"addr", addr.String(),
		"origins", s.policy.Origins,
		"subprotocols", s.policy.Subprotocols,
	)
	return addr, nil
}

// readyListener closes ready when the serve loop first calls Accept, which
// is the point where the server can take connections.
type readyListener struct {
	net.Listener
	once  sync.Once
	ready chan struct{}
}

func (l *readyListener) Accept() (net.Conn, error) {
	l.once.Do(func() { close(l.ready) })
	return l.Listener.Accept()
}

// abortStart leaves an instance that never reached Running in Stopped
func (s *Server) abortStart(ctx context.Context, srv *http.Server, te *errsys.TracedError) error {
	s.mu.Lock()
	if s.phase == PhaseStarting {
		s.setPhase(PhaseStopped)
	}
	s.mu.Unlock()
	if srv != nil {
		if err := srv.Close(); err != nil {
			s.log.Warn("failed to release listener", "error", err)
		}
	}
	return s.reporter.Report(ctx, te)
}

// Stop closes every connection with 1001, shuts the listener down and
// clears the registry. It returns the address the instance was bound to.
func (s *Server) Stop(ctx context.Context) (Addr, error) {
	s.mu.Lock()
	if s.phase != PhaseRunning {
		p := s.phase
		s.mu.Unlock()
		return Addr{}, s.reporter.Report(ctx, errsys.NewBuilder("SRV-003").
			WithFunction("Server.Stop").
			WithStateValue("phase", p.String()).
			Build())
	}
	s.setPhase(PhaseStopped)
	srv, addr, serveDone := s.httpServer, s.addr, s.serveDone
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
	defer cancel()
	defer s.releaseAll(CloseGoingAway, "server stopping")

	for _, c := range s.registry.connections() {
		if c.markClosing() {
			if err := c.transport.Close(CloseGoingAway, "server stopping"); err != nil {
				s.log.WithConnID(c.ID).Debug("close on stop", "error", err)
			}
		}
	}

	waitErr := s.awaitDrain(ctx)
	if err := srv.Shutdown(ctx); err != nil && waitErr == nil {
		waitErr = err
	}
	select {
	case <-serveDone:
	case <-ctx.Done():
		if waitErr == nil {
			waitErr = ctx.Err()
		}
	}

	if waitErr != nil {
		srv.Close()
		return addr, s.reporter.Report(context.Background(), errsys.NewBuilder("SRV-004").
			Wrap(waitErr).
			WithFunction("Server.Stop").
			WithStateValue("remaining", s.registry.Len()).
			Build())
	}

	s.log.Info("websocket server stopped", "addr", addr.String())
	return addr, nil
}

// awaitDrain waits for closing sockets to finish their handshakes
func (s *Server) awaitDrain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// releaseAll clears the registry and drops whatever sockets were left
func (s *Server) releaseAll(code CloseCode, reason string) {
	for _, c := range s.registry.Clear() {
		c.transport.Terminate(code, reason)
	}
	s.metrics.ResetConnections()
}

// HandleError routes a transport error. A nil transport means the error
// is server-scoped and fails the instance; otherwise only that connection
// is closed with 1011.
func (s *Server) HandleError(t Transport, err error) {
	if t == nil {
		s.Fail(err)
		return
	}
	s.tr.connError(t, err)
}

// Fail moves a Starting or Running server to Failed, delivers the one
// Failure event and releases every connection. Later calls are ignored.
func (s *Server) Fail(cause error) {
	s.mu.Lock()
	if !s.phase.Live() {
		p := s.phase
		s.mu.Unlock()
		s.log.Debug("server error after shutdown", "phase", p.String(), "error", cause)
		return
	}
	s.setPhase(PhaseFailed)
	srv, addr := s.httpServer, s.addr
	s.mu.Unlock()

	if srv != nil {
		if err := srv.Close(); err != nil {
			s.log.Warn("failed to close listener after server error", "error", err)
		}
	}

	reason := "server error"
	if cause != nil {
		reason = cause.Error()
	}
	b := errsys.NewBuilder("SRV-005").
		WithFunction("Server.Fail").
		WithStateValue("addr", addr.String())
	if cause != nil {
		b = b.Wrap(cause)
	}
	s.reporter.Report(context.Background(), b.Build())
	s.sec.LogServerFailed(context.Background(), addr.Host, addr.Port, reason)

	ev := &FailureEvent{
		BaseEvent:     BaseEvent{Ts: time.Now()},
		ServerAddress: addr.Host,
		ServerPort:    addr.Port,
		Reason:        reason,
	}
	if err := s.sink.Deliver(ev); err != nil {
		s.reporter.Report(context.Background(), errsys.NewBuilder("EVT-001").
			Wrap(err).
			WithFunction("Server.Fail").
			WithInput("kind", string(KindFailure)).
			Build())
	}

	s.releaseAll(CloseInternalError, "server failure")
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.live() {
		http.Error(w, "server not running", http.StatusServiceUnavailable)
		return
	}

	accepted, rej := s.policy.Evaluate(r.Header)
	if rej != nil {
		s.sec.LogHandshakeRejected(r.Context(), r.RemoteAddr, r.Header.Get("Origin"), rej.Reason, int(rej.Code))
		s.metrics.RecordRejected(rej.Cause)
		s.reporter.Report(r.Context(), rej.Err)
		http.Error(w, fmt.Sprintf("%s (%d)", rej.Reason, rej.Code), rej.Status)
		return
	}

	var header http.Header
	if accepted.Subprotocol != "" {
		header = http.Header{"Sec-Websocket-Protocol": {accepted.Subprotocol}}
	}
	ws, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.log.Debug("upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	if tcp, ok := ws.NetConn().(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(s.opts.TCPNoDelay); err != nil {
			s.log.Debug("set TCP_NODELAY", "error", err)
		}
	}

	t := newTransport(ws, s.transportConfig())
	info := ConnInfo{
		RemoteAddress: remoteHost(ws.RemoteAddr()),
		Subprotocol:   ws.Subprotocol(),
		Handshake:     captureHandshake(r),
	}
	if _, ok := s.tr.open(t, info); !ok {
		return
	}

	go t.writePump(func(err error) { s.HandleError(t, err) })
	code, reason := t.readPump(func(data []byte, binary bool) {
		s.tr.message(t, data, binary)
	})
	s.tr.closed(t, code, reason)
}

func captureHandshake(r *http.Request) HandshakeMetadata {
	headers := make(map[string]string, len(r.Header)+1)
	for k, v := range r.Header {
		headers[k] = strings.Join(v, ", ")
	}
	headers["Host"] = r.Host
	return HandshakeMetadata{
		Headers:      headers,
		ResourcePath: r.URL.RequestURI(),
	}
}

func remoteHost(a net.Addr) string {
	if a == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

func listenerAddr(a net.Addr) Addr {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return Addr{Host: tcp.IP.String(), Port: tcp.Port}
	}
	host, port, _ := net.SplitHostPort(a.String())
	p, _ := strconv.Atoi(port)
	return Addr{Host: host, Port: p}
}
