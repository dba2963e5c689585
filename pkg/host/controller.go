// Package host owns the active WebSocket server on behalf of the embedding
// application: it starts and replaces server instances, routes commands to
// the current one and keeps discovery in step with its lifecycle.
package host

import (
	"context"
	"net"
	"sync"

	"github.com/armorclaw/wsbridge/pkg/discovery"
	errsys "github.com/armorclaw/wsbridge/pkg/errors"
	"github.com/armorclaw/wsbridge/pkg/eventbus"
	"github.com/armorclaw/wsbridge/pkg/logger"
	"github.com/armorclaw/wsbridge/pkg/metrics"
	"github.com/armorclaw/wsbridge/pkg/netif"
	"github.com/armorclaw/wsbridge/pkg/qr"
	"github.com/armorclaw/wsbridge/pkg/wsserver"
)

// StartParams are the per-start arguments of the start command
type StartParams struct {
	Host               string   `json:"host,omitempty"`
	Port               int      `json:"port"`
	Origins            []string `json:"origins,omitempty"`
	Subprotocols       []string `json:"protocols,omitempty"`
	RequireSubprotocol bool     `json:"require_protocol,omitempty"`
	TCPNoDelay         *bool    `json:"tcp_no_delay,omitempty"`
}

// DiscoveryConfig controls mDNS advertisement of running servers
type DiscoveryConfig struct {
	Enabled      bool
	InstanceName string
	Path         string
}

// Config configures a Controller
type Config struct {
	// Base supplies limits and timeouts; Port, Policy and Sink are set per start.
	Base      wsserver.Options
	Bus       *eventbus.Bus
	Discovery DiscoveryConfig
	Logger    *logger.Logger
	Metrics   *metrics.Collector
	Reporter  *errsys.Reporter
}

// Status describes the controller and its current server
type Status struct {
	Phase       string                `json:"phase"`
	Addr        *wsserver.Addr        `json:"addr,omitempty"`
	Connections int                   `json:"connections"`
	Events      eventbus.Stats        `json:"events"`
	Advertising bool                  `json:"advertising"`
	Metrics     map[string]int64      `json:"metrics,omitempty"`
	Diagnostics *errsys.SamplingStats `json:"diagnostics,omitempty"`
}

type advertiser interface {
	Start() error
	Stop() error
}

// Controller is safe for concurrent use
type Controller struct {
	mu     sync.RWMutex
	server *wsserver.Server

	advMu      sync.Mutex
	advertiser advertiser

	base      wsserver.Options
	bus       *eventbus.Bus
	discovery DiscoveryConfig
	log       *logger.Logger
	metrics   *metrics.Collector
	reporter  *errsys.Reporter

	newAdvertiser func(discovery.AdvertiserConfig) (advertiser, error)
	startServer   func(context.Context, *wsserver.Server) (wsserver.Addr, error)
}

// New creates a controller with no server
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = logger.Global()
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.New(eventbus.Config{
			MaxBacklog: eventbus.DefaultConfig().MaxBacklog,
			Logger:     cfg.Logger,
			Metrics:    cfg.Metrics,
		})
	}
	return &Controller{
		base:      cfg.Base,
		bus:       cfg.Bus,
		discovery: cfg.Discovery,
		log:       cfg.Logger.WithComponent("host"),
		metrics:   cfg.Metrics,
		reporter:  cfg.Reporter,
		newAdvertiser: func(c discovery.AdvertiserConfig) (advertiser, error) {
			return discovery.NewAdvertiser(c)
		},
		startServer: func(ctx context.Context, s *wsserver.Server) (wsserver.Addr, error) {
			return s.Start(ctx)
		},
	}
}

// Bus returns the event bus the servers deliver into
func (c *Controller) Bus() *eventbus.Bus { return c.bus }

// Deliver forwards server events to the bus. A Failure event also
// withdraws the discovery advertisement.
func (c *Controller) Deliver(ev wsserver.Event) error {
	if _, ok := ev.(*wsserver.FailureEvent); ok {
		c.stopAdvertising()
	}
	return c.bus.Deliver(ev)
}

// Start builds a new server instance, makes it current and starts it
// outside the controller lock. It is rejected while the current instance
// is still Created, Starting or Running.
func (c *Controller) Start(ctx context.Context, p StartParams) (wsserver.Addr, error) {
	c.mu.Lock()
	if cur := c.server; cur != nil {
		if ph := cur.Phase(); ph == wsserver.PhaseCreated || ph.Live() {
			c.mu.Unlock()
			return wsserver.Addr{}, c.reporter.Report(ctx, errsys.NewBuilder("SRV-002").
				WithFunction("Controller.Start").
				WithStateValue("phase", ph.String()).
				WithStateValue("addr", cur.Addr().String()).
				Build())
		}
	}

	srv, err := wsserver.New(c.serverOptions(p))
	if err != nil {
		c.mu.Unlock()
		return wsserver.Addr{}, c.reporter.Report(ctx, err)
	}
	c.server = srv
	c.mu.Unlock()

	addr, err := c.startServer(ctx, srv)
	if err != nil {
		return wsserver.Addr{}, err
	}

	c.advertise(addr, p.Subprotocols)
	return addr, nil
}

func (c *Controller) serverOptions(p StartParams) wsserver.Options {
	opts := c.base
	opts.Port = p.Port
	if p.Host != "" {
		opts.Host = p.Host
	}
	opts.Policy = wsserver.Policy{
		Origins:            p.Origins,
		Subprotocols:       p.Subprotocols,
		RequireSubprotocol: p.RequireSubprotocol,
	}
	if p.TCPNoDelay != nil {
		opts.TCPNoDelay = *p.TCPNoDelay
	}
	opts.Sink = c
	opts.Logger = c.log
	opts.Metrics = c.metrics
	opts.Reporter = c.reporter
	return opts
}

// Stop stops the current server and withdraws its advertisement
func (c *Controller) Stop(ctx context.Context) (wsserver.Addr, error) {
	c.mu.RLock()
	srv := c.server
	c.mu.RUnlock()

	if srv == nil {
		return wsserver.Addr{}, c.reporter.Report(ctx, errsys.NewBuilder("SRV-003").
			WithFunction("Controller.Stop").
			WithStateValue("phase", "none").
			Build())
	}

	addr, err := srv.Stop(ctx)
	if !errsys.HasCode(err, "SRV-003") {
		c.stopAdvertising()
	}
	return addr, err
}

func (c *Controller) current() *wsserver.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// Send forwards to the current server. Without one the command is dropped
// with CMD-005.
func (c *Controller) Send(id, msg string, isBinary bool) error {
	srv := c.current()
	if srv == nil {
		return c.noServer("Controller.Send", id)
	}
	return srv.Send(id, msg, isBinary)
}

// Close forwards to the current server; see Send
func (c *Controller) Close(id string, code int, reason string) error {
	srv := c.current()
	if srv == nil {
		return c.noServer("Controller.Close", id)
	}
	return srv.Close(id, code, reason)
}

func (c *Controller) noServer(fn, id string) error {
	te := errsys.NewBuilder("CMD-005").
		WithFunction(fn).
		WithInput("conn_id", id).
		WithStateValue("phase", "none").
		Build()
	c.metrics.RecordCommandDropped(te.Code)
	return c.reporter.Report(context.Background(), te)
}

// Connections lists the current server's connections
func (c *Controller) Connections() []wsserver.ConnectionInfo {
	srv := c.current()
	if srv == nil {
		return []wsserver.ConnectionInfo{}
	}
	return srv.Connections()
}

// Status reports the current phase, address and queue state
func (c *Controller) Status() Status {
	st := Status{
		Phase:   "none",
		Events:  c.bus.Stats(),
		Metrics: c.metrics.GetSnapshot(),
	}
	if srv := c.current(); srv != nil {
		st.Phase = srv.Phase().String()
		addr := srv.Addr()
		st.Addr = &addr
		st.Connections = srv.Registry().Len()
	}
	if sampling := c.reporter.Sampling(); sampling != nil {
		stats := sampling.Stats()
		st.Diagnostics = &stats
	}
	c.advMu.Lock()
	st.Advertising = c.advertiser != nil
	c.advMu.Unlock()
	return st
}

// Interfaces lists the host's non-loopback addresses per interface
func (c *Controller) Interfaces() (map[string]netif.Addresses, error) {
	return netif.List()
}

// PairingQR renders a QR code for the running server. host overrides the
// advertised address; by default the first routable IPv4 address is used.
func (c *Controller) PairingQR(host string) (*qr.Result, error) {
	srv := c.current()
	if srv == nil || srv.Phase() != wsserver.PhaseRunning {
		return nil, c.reporter.Report(context.Background(), errsys.NewBuilder("SRV-003").
			WithMessage("no running server to pair with").
			WithFunction("Controller.PairingQR").
			Build())
	}

	addr := srv.Addr()
	if host == "" {
		host = addr.Host
		if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
			host = netif.PreferredIPv4()
		}
	}
	url, err := qr.ServerURL(host, addr.Port, c.discovery.Path)
	if err != nil {
		return nil, err
	}
	return qr.Generate(url, qr.DefaultConfig())
}

// Shutdown stops a running server and withdraws discovery. The bus is
// left to its owner.
func (c *Controller) Shutdown(ctx context.Context) error {
	srv := c.current()
	c.stopAdvertising()
	if srv == nil || srv.Phase() != wsserver.PhaseRunning {
		return nil
	}
	_, err := srv.Stop(ctx)
	return err
}

func (c *Controller) advertise(addr wsserver.Addr, subprotocols []string) {
	if !c.discovery.Enabled {
		return
	}

	c.advMu.Lock()
	defer c.advMu.Unlock()

	if c.advertiser != nil {
		c.advertiser.Stop()
		c.advertiser = nil
	}

	a, err := c.newAdvertiser(discovery.AdvertiserConfig{
		InstanceName: c.discovery.InstanceName,
		Port:         addr.Port,
		Path:         c.discovery.Path,
		Subprotocols: subprotocols,
	})
	if err == nil {
		err = a.Start()
	}
	if err != nil {
		c.log.Warn("mDNS advertisement unavailable", "error", err)
		return
	}
	c.advertiser = a
	c.log.Info("advertising server", "service", discovery.ServiceName, "port", addr.Port)
}

func (c *Controller) stopAdvertising() {
	c.advMu.Lock()
	defer c.advMu.Unlock()

	if c.advertiser == nil {
		return
	}
	if err := c.advertiser.Stop(); err != nil {
		c.log.Warn("failed to withdraw mDNS advertisement", "error", err)
	}
	c.advertiser = nil
}
