// Package discovery advertises a running wsbridge server over mDNS/Bonjour
// and finds advertised servers on the local network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/armorclaw/wsbridge/pkg/netif"
)

const (
	// ServiceName is the mDNS service type. The trailing dot is required.
	ServiceName = "_wsbridge._tcp."

	// ServiceDomain is the mDNS domain
	ServiceDomain = "local."

	// DiscoveryTimeout is how long to wait for discovery responses
	DiscoveryTimeout = 5 * time.Second

	// TXTVersion is advertised in the version record
	TXTVersion = "1"
)

// ErrNoServers is returned when a query finds nothing
var ErrNoServers = errors.New("discovery: no wsbridge servers found")

// ServerInfo describes an advertised server
type ServerInfo struct {
	Name         string            `json:"name"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	IPs          []net.IP          `json:"ips"`
	TXT          map[string]string `json:"txt"`
	Version      string            `json:"version"`
	Path         string            `json:"path"`
	Subprotocols []string          `json:"subprotocols,omitempty"`
}

// URL returns the ws:// URL for the server
func (i ServerInfo) URL() string {
	return "ws://" + net.JoinHostPort(i.Host, strconv.Itoa(i.Port)) + i.Path
}

// AdvertiserConfig contains configuration for the mDNS advertisement
type AdvertiserConfig struct {
	// InstanceName is the service instance name (defaults to hostname)
	InstanceName string
	Port         int
	// Path is the WebSocket resource path (default: /)
	Path         string
	Subprotocols []string
	ExtraTXT     map[string]string
	// IPs overrides the advertised addresses; defaults to netif.LocalIPs.
	IPs []net.IP
}

// Advertiser publishes one server instance
type Advertiser struct {
	mu     sync.Mutex
	cfg    AdvertiserConfig
	info   ServerInfo
	txt    []string
	server *mdns.Server
}

// NewAdvertiser resolves defaults and builds the TXT records. Nothing is
// sent on the network until Start.
func NewAdvertiser(cfg AdvertiserConfig) (*Advertiser, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", cfg.Port)
	}
	if cfg.InstanceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "wsbridge"
		}
		cfg.InstanceName = hostname
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if len(cfg.IPs) == 0 {
		ips, err := netif.LocalIPs()
		if err != nil {
			return nil, fmt.Errorf("failed to get local IPs: %w", err)
		}
		cfg.IPs = ips
	}

	txt := buildTXT(cfg)
	return &Advertiser{
		cfg:  cfg,
		txt:  txt,
		info: infoFromTXT(cfg.InstanceName, "", cfg.Port, cfg.IPs, txt),
	}, nil
}

// buildTXT renders the TXT records in a stable order
func buildTXT(cfg AdvertiserConfig) []string {
	txt := []string{
		"version=" + TXTVersion,
		"path=" + cfg.Path,
	}
	if len(cfg.Subprotocols) > 0 {
		txt = append(txt, "protocols="+strings.Join(cfg.Subprotocols, ","))
	}
	keys := make([]string, 0, len(cfg.ExtraTXT))
	for k := range cfg.ExtraTXT {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		txt = append(txt, k+"="+cfg.ExtraTXT[k])
	}
	return txt
}

// Start begins advertising. Calling Start twice is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	service, err := mdns.NewMDNSService(
		a.cfg.InstanceName,
		ServiceName,
		ServiceDomain,
		"",
		a.cfg.Port,
		a.cfg.IPs,
		a.txt,
	)
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}

	// The mdns server answers queries as soon as it is created.
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mDNS server: %w", err)
	}
	a.server = server
	return nil
}

// Stop withdraws the advertisement
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		return nil
	}
	err := a.server.Shutdown()
	a.server = nil
	return err
}

// Running reports whether the advertisement is live
func (a *Advertiser) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Info returns what is being advertised
func (a *Advertiser) Info() ServerInfo {
	return a.info
}

// Client discovers wsbridge servers on the network
type Client struct {
	timeout time.Duration
}

// NewClient creates a new discovery client
func NewClient() *Client {
	return &Client{timeout: DiscoveryTimeout}
}

// SetTimeout sets the discovery timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// Discover queries the network for the configured timeout
func (c *Client) Discover(ctx context.Context) ([]ServerInfo, error) {
	entriesCh := make(chan *mdns.ServiceEntry, 16)

	var servers []ServerInfo
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for entry := range entriesCh {
			if strings.Contains(entry.Name, strings.TrimSuffix(ServiceName, ".")) {
				servers = append(servers, parseEntry(entry))
			}
		}
	}()

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	params := mdns.DefaultParams(ServiceName)
	params.Domain = ServiceDomain
	params.Timeout = timeout
	params.Entries = entriesCh

	err := mdns.Query(params)
	close(entriesCh)
	<-collected

	if err != nil {
		return nil, fmt.Errorf("mDNS query failed: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	return servers, nil
}

// parseEntry converts an mDNS entry to ServerInfo
func parseEntry(entry *mdns.ServiceEntry) ServerInfo {
	var ips []net.IP
	host := ""
	if entry.AddrV4 != nil {
		ips = append(ips, entry.AddrV4)
		host = entry.AddrV4.String()
	}
	if entry.AddrV6 != nil {
		ips = append(ips, entry.AddrV6)
		if host == "" {
			host = entry.AddrV6.String()
		}
	}
	return infoFromTXT(entry.Name, host, entry.Port, ips, entry.InfoFields)
}

func infoFromTXT(name, host string, port int, ips []net.IP, fields []string) ServerInfo {
	info := ServerInfo{
		Name: name,
		Host: host,
		Port: port,
		IPs:  ips,
		TXT:  make(map[string]string),
		Path: "/",
	}
	for _, field := range fields {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		info.TXT[k] = v
		switch k {
		case "version":
			info.Version = v
		case "path":
			info.Path = v
		case "protocols":
			info.Subprotocols = strings.Split(v, ",")
		}
	}
	return info
}
