// Package rpc provides the JSON-RPC 2.0 control surface for wsbridge.
// The host application drives the WebSocket server and receives its
// events over a Unix domain socket.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	errsys "github.com/armorclaw/wsbridge/pkg/errors"
	"github.com/armorclaw/wsbridge/pkg/eventbus"
	"github.com/armorclaw/wsbridge/pkg/host"
	"github.com/armorclaw/wsbridge/pkg/logger"
	"github.com/armorclaw/wsbridge/pkg/netif"
	"github.com/armorclaw/wsbridge/pkg/qr"
	"github.com/armorclaw/wsbridge/pkg/wsserver"
	"golang.org/x/time/rate"
)

const (
	// DefaultSocketPath is the default Unix socket path
	DefaultSocketPath = "/run/wsbridge/wsbridge.sock"

	// DefaultWriteWait bounds a single response or notification write
	DefaultWriteWait = 5 * time.Second

	// EventMethod is the notification method carrying server events
	EventMethod = "ws.event"
)

var (
	ErrAlreadyStarted = errors.New("rpc server already started")
	ErrNilBackend     = errors.New("backend is required")
)

// JSONRPC 2.0 request/response structures
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *ErrorObj   `json:"error,omitempty"`
}

// Notification is a server-initiated message with no id
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type ErrorObj struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error codes (JSON-RPC 2.0 + custom)
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// Custom errors
	CommandFailed = -32000 // a coded diagnostic; data carries the code
	RateLimited   = -32001
)

// Backend is what the control surface drives. *host.Controller implements it.
type Backend interface {
	Start(ctx context.Context, p host.StartParams) (wsserver.Addr, error)
	Stop(ctx context.Context) (wsserver.Addr, error)
	Status() host.Status
	Send(id, msg string, isBinary bool) error
	Close(id string, code int, reason string) error
	Connections() []wsserver.ConnectionInfo
	Interfaces() (map[string]netif.Addresses, error)
	PairingQR(host string) (*qr.Result, error)
	Bus() *eventbus.Bus
}

// Config holds server configuration
type Config struct {
	SocketPath string
	Backend    Backend
	// RateLimit is requests per second across all clients (0 = unlimited)
	RateLimit float64
	RateBurst int
	WriteWait time.Duration
	Logger    *logger.Logger
	// Diagnostics backs the diagnostics.* methods (nil = not persisted)
	Diagnostics *errsys.Store
}

// Server is a JSON-RPC 2.0 server over Unix domain socket
type Server struct {
	socketPath string
	backend    Backend
	limiter    *rate.Limiter
	writeWait  time.Duration
	log        *logger.Logger
	store      *errsys.Store

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new JSON-RPC server
func New(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, ErrNilBackend
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Global()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: cfg.SocketPath,
		backend:    cfg.Backend,
		limiter:    rate.NewLimiter(limit, burst),
		writeWait:  cfg.WriteWait,
		log:        cfg.Logger.WithComponent("rpc"),
		store:      cfg.Diagnostics,
		conns:      make(map[net.Conn]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// SocketPath returns the path the server listens on
func (s *Server) SocketPath() string { return s.socketPath }

// Start starts listening on the Unix socket
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return ErrAlreadyStarted
	}

	// Ensure socket directory exists
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0750); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove a stale socket left by a previous run
	if _, err := os.Stat(s.socketPath); err == nil {
		os.Remove(s.socketPath)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	// owner + group read/write
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener

	s.wg.Add(1)
	go s.acceptConnections()

	s.log.Info("control socket listening", "socket", s.socketPath)
	return nil
}

// Stop closes the listener and every client connection, then removes the
// socket file. Subscribed clients are detached from the event bus.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.socketPath)
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Serve runs the server until ctx is done
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	return s.Stop()
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.log.ErrorEvent(s.ctx, "control socket accept failed", err)
			continue
		}

		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection serves requests from one client in order
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	c := &client{conn: conn, enc: json.NewEncoder(conn), writeWait: s.writeWait}
	defer func() {
		conn.Close()
		c.mu.Lock()
		id := c.subscription
		c.mu.Unlock()
		if id != "" {
			s.backend.Bus().Detach(id)
		}
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	decoder := json.NewDecoder(conn)
	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			// The stream cannot be resynchronised after a syntax error
			c.write(errorResponse(nil, ParseError, err.Error(), nil))
			return
		}

		if !s.limiter.Allow() {
			if req.ID != nil {
				c.write(errorResponse(req.ID, RateLimited, "rate limit exceeded", nil))
			}
			continue
		}

		switch req.Method {
		case "events.subscribe":
			s.handleSubscribe(c, &req)
			continue
		case "events.unsubscribe":
			s.handleUnsubscribe(c, &req)
			continue
		}

		resp := s.handleRequest(&req)
		// no id = notification, no response expected
		if req.ID == nil {
			continue
		}
		if err := c.write(resp); err != nil {
			return
		}
	}
}

// client serializes writes from request handling and event notifications
type client struct {
	conn      net.Conn
	writeWait time.Duration

	mu           sync.Mutex
	enc          *json.Encoder
	subscription string
}

func (c *client) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(v)
}

func (c *client) writeLocked(v interface{}) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.enc.Encode(v)
}

// Consume forwards an event to the subscribed client as a ws.event notification
func (c *client) Consume(ev wsserver.Event) error {
	env, err := eventbus.WrapEvent(ev)
	if err != nil {
		return err
	}
	return c.write(&Notification{JSONRPC: "2.0", Method: EventMethod, Params: env})
}

func errorResponse(id interface{}, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &ErrorObj{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// failure maps a backend error to a response. Coded diagnostics keep their
// code and trace id in the error data.
func failure(id interface{}, err error) *Response {
	var te *errsys.TracedError
	if errors.As(err, &te) {
		return errorResponse(id, CommandFailed, te.Message, map[string]string{
			"code":     te.Code,
			"trace_id": te.TraceID,
		})
	}
	return errorResponse(id, InternalError, err.Error(), nil)
}

func success(id interface{}, result interface{}) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}
