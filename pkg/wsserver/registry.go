package wsserver

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	errsys "github.com/armorclaw/wsbridge/pkg/errors"
)

// Transport is one accepted WebSocket as seen by the registry and the
// command processor. Sends and closes are queued; they never block on the peer.
type Transport interface {
	SendText(msg string) error
	SendBinary(data []byte) error
	// Close starts the closing handshake with code and reason.
	Close(code CloseCode, reason string) error
	// Terminate drops the socket immediately, best-effort sending a close
	// frame first. The resulting Close event reports code.
	Terminate(code CloseCode, reason string) error
	RemoteAddr() net.Addr
}

// ConnState is the lifecycle of one registered connection
type ConnState int32

const (
	StateOpen ConnState = iota
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Connection is a registry entry. The registry owns the transport.
type Connection struct {
	ID            string
	RemoteAddress string
	Subprotocol   string
	Handshake     HandshakeMetadata
	OpenedAt      time.Time

	transport Transport
	state     atomic.Int32
}

// Transport returns the owned transport
func (c *Connection) Transport() Transport { return c.transport }

// State returns the current connection state
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// markClosing moves open -> closing; false if a close was already requested
func (c *Connection) markClosing() bool {
	return c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
}

// Info returns a value snapshot safe to hand to callers
func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:            c.ID,
		RemoteAddress: c.RemoteAddress,
		Subprotocol:   c.Subprotocol,
		ResourcePath:  c.Handshake.ResourcePath,
		State:         c.State().String(),
		OpenedAt:      c.OpenedAt,
	}
}

// ConnectionInfo is a read-only view of a registered connection
type ConnectionInfo struct {
	ID            string    `json:"uuid"`
	RemoteAddress string    `json:"remote_addr"`
	Subprotocol   string    `json:"protocol"`
	ResourcePath  string    `json:"resource"`
	State         string    `json:"state"`
	OpenedAt      time.Time `json:"opened_at"`
}

// ConnInfo is what the open handler knows about a socket before it has an identity
type ConnInfo struct {
	RemoteAddress string
	Subprotocol   string
	Handshake     HandshakeMetadata
}

// IDGenerator produces candidate connection identities
type IDGenerator func() (string, error)

// UUIDGenerator returns random (version 4) UUID strings
func UUIDGenerator() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// DefaultMaxIdentityAttempts bounds the collision retry loop
const DefaultMaxIdentityAttempts = 8

// Registry maps identities to transports and back. Both maps are always
// updated together under one lock.
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*Connection
	byTransport map[Transport]*Connection
	newID       IDGenerator
	maxAttempts int
	now         func() time.Time
}

// NewRegistry creates a registry. A nil generator uses UUIDGenerator;
// maxAttempts < 1 uses DefaultMaxIdentityAttempts.
func NewRegistry(gen IDGenerator, maxAttempts int) *Registry {
	if gen == nil {
		gen = UUIDGenerator
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxIdentityAttempts
	}
	return &Registry{
		byID:        make(map[string]*Connection),
		byTransport: make(map[Transport]*Connection),
		newID:       gen,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Register assigns a fresh identity to t. The uniqueness check and the
// insertion happen under the same lock. Registering the same transport
// twice returns the existing entry.
func (r *Registry) Register(t Transport, info ConnInfo) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byTransport[t]; ok {
		return existing, nil
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		id, err := r.newID()
		if err != nil {
			lastErr = err
			continue
		}
		if _, taken := r.byID[id]; taken || id == "" {
			continue
		}

		conn := &Connection{
			ID:            id,
			RemoteAddress: info.RemoteAddress,
			Subprotocol:   info.Subprotocol,
			Handshake:     info.Handshake,
			OpenedAt:      r.now(),
			transport:     t,
		}
		r.byID[id] = conn
		r.byTransport[t] = conn
		return conn, nil
	}

	b := errsys.NewBuilder("REG-001").
		WithFunction("Registry.Register").
		WithInput("attempts", r.maxAttempts).
		WithStateValue("registered", len(r.byID))
	if lastErr != nil {
		b = b.Wrap(lastErr)
	}
	return nil, b.Build()
}

// Lookup finds a connection by identity
func (r *Registry) Lookup(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// LookupByTransport finds a connection by its transport
func (r *Registry) LookupByTransport(t Transport) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byTransport[t]
	return c, ok
}

// Remove deletes both directions of the mapping. Removing an unknown
// identity is a no-op.
func (r *Registry) Remove(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	delete(r.byTransport, c.transport)
	c.state.Store(int32(StateClosed))
	return c, true
}

// Len returns the number of registered connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Snapshot returns a view of every registered connection
func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c.Info())
	}
	return out
}

// connections returns the live entries without removing them
func (r *Registry) connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Clear empties the registry and returns what it held
func (r *Registry) Clear() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		c.state.Store(int32(StateClosed))
		out = append(out, c)
	}
	r.byID = make(map[string]*Connection)
	r.byTransport = make(map[Transport]*Connection)
	return out
}
