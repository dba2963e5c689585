// Package config provides configuration management for wsbridge.
// Supports TOML (default) and YAML configuration files with environment
// variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Config is the root configuration document
type Config struct {
	Server      ServerConfig      `toml:"server" yaml:"server"`
	Control     ControlConfig     `toml:"control" yaml:"control"`
	Events      EventsConfig      `toml:"events" yaml:"events"`
	Metrics     MetricsConfig     `toml:"metrics" yaml:"metrics"`
	Discovery   DiscoveryConfig   `toml:"discovery" yaml:"discovery"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics" yaml:"diagnostics"`
	Logging     LoggingConfig     `toml:"logging" yaml:"logging"`
}

// ServerConfig holds the WebSocket listener defaults. Every field can be
// overridden per start request except the timeouts.
type ServerConfig struct {
	// Host is the bind address ("" or "0.0.0.0" for all interfaces)
	Host string `toml:"host" yaml:"host" env:"WSBRIDGE_HOST"`

	// Port is the TCP port (0 picks an ephemeral port)
	Port int `toml:"port" yaml:"port" env:"WSBRIDGE_PORT"`

	// Path is the resource path advertised to clients; any path is accepted
	Path string `toml:"path" yaml:"path" env:"WSBRIDGE_PATH"`

	// Origins is the Origin allow-list (empty = any origin)
	Origins []string `toml:"origins" yaml:"origins" env:"WSBRIDGE_ORIGINS"`

	// Subprotocols is the subprotocol allow-list (empty = no negotiation)
	Subprotocols []string `toml:"subprotocols" yaml:"subprotocols" env:"WSBRIDGE_SUBPROTOCOLS"`

	// RequireSubprotocol rejects clients that offer no subprotocol when an allow-list is set
	RequireSubprotocol bool `toml:"require_subprotocol" yaml:"require_subprotocol" env:"WSBRIDGE_REQUIRE_SUBPROTOCOL"`

	// TCPNoDelay disables Nagle's algorithm on accepted sockets
	TCPNoDelay bool `toml:"tcp_no_delay" yaml:"tcp_no_delay" env:"WSBRIDGE_TCP_NO_DELAY"`

	// MaxConnections caps simultaneous TCP connections (0 = unlimited)
	MaxConnections int `toml:"max_connections" yaml:"max_connections" env:"WSBRIDGE_MAX_CONNECTIONS"`

	// ReadLimit is the maximum inbound message size in bytes
	ReadLimit int64 `toml:"read_limit" yaml:"read_limit" env:"WSBRIDGE_READ_LIMIT"`

	PingInterval string `toml:"ping_interval" yaml:"ping_interval" env:"WSBRIDGE_PING_INTERVAL"`
	PongWait     string `toml:"pong_wait" yaml:"pong_wait" env:"WSBRIDGE_PONG_WAIT"`
	WriteWait    string `toml:"write_wait" yaml:"write_wait" env:"WSBRIDGE_WRITE_WAIT"`
	CloseTimeout string `toml:"close_timeout" yaml:"close_timeout" env:"WSBRIDGE_CLOSE_TIMEOUT"`
	StartTimeout string `toml:"start_timeout" yaml:"start_timeout" env:"WSBRIDGE_START_TIMEOUT"`
	StopTimeout  string `toml:"stop_timeout" yaml:"stop_timeout" env:"WSBRIDGE_STOP_TIMEOUT"`

	// SendBuffer is the per-connection outbound queue length
	SendBuffer int `toml:"send_buffer" yaml:"send_buffer" env:"WSBRIDGE_SEND_BUFFER"`

	// MaxIdentityAttempts bounds the identity collision retry loop
	MaxIdentityAttempts int `toml:"max_identity_attempts" yaml:"max_identity_attempts" env:"WSBRIDGE_MAX_IDENTITY_ATTEMPTS"`

	// AutoStart starts the WebSocket server with these defaults at boot
	AutoStart bool `toml:"auto_start" yaml:"auto_start" env:"WSBRIDGE_AUTO_START"`
}

// ControlConfig holds the JSON-RPC control socket settings
type ControlConfig struct {
	SocketPath string  `toml:"socket_path" yaml:"socket_path" env:"WSBRIDGE_SOCKET"`
	RateLimit  float64 `toml:"rate_limit" yaml:"rate_limit" env:"WSBRIDGE_RATE_LIMIT"`
	RateBurst  int     `toml:"rate_burst" yaml:"rate_burst" env:"WSBRIDGE_RATE_BURST"`
}

// EventsConfig holds event queue settings
type EventsConfig struct {
	// MaxBacklog bounds events held while no consumer is attached (0 = unbounded)
	MaxBacklog int `toml:"max_backlog" yaml:"max_backlog" env:"WSBRIDGE_EVENTS_MAX_BACKLOG"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled" env:"WSBRIDGE_METRICS_ENABLED"`
	Addr    string `toml:"addr" yaml:"addr" env:"WSBRIDGE_METRICS_ADDR"`
}

// DiscoveryConfig holds mDNS advertisement settings
type DiscoveryConfig struct {
	Enabled      bool   `toml:"enabled" yaml:"enabled" env:"WSBRIDGE_DISCOVERY_ENABLED"`
	InstanceName string `toml:"instance_name" yaml:"instance_name" env:"WSBRIDGE_DISCOVERY_INSTANCE"`
}

// DiagnosticsConfig holds error reporting settings
type DiagnosticsConfig struct {
	// StorePath is the SQLite diagnostics database ("" = not persisted)
	StorePath string `toml:"store_path" yaml:"store_path" env:"WSBRIDGE_DIAGNOSTICS_DB"`

	// RateLimitWindow suppresses repeats of the same code within the window
	RateLimitWindow string `toml:"rate_limit_window" yaml:"rate_limit_window" env:"WSBRIDGE_DIAGNOSTICS_WINDOW"`

	// StatsSchedule is a cron spec for the periodic stats log line ("" = off)
	StatsSchedule string `toml:"stats_schedule" yaml:"stats_schedule" env:"WSBRIDGE_STATS_SCHEDULE"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level" env:"WSBRIDGE_LOG_LEVEL"`
	Format string `toml:"format" yaml:"format" env:"WSBRIDGE_LOG_FORMAT"`
	Output string `toml:"output" yaml:"output" env:"WSBRIDGE_LOG_OUTPUT"`
	File   string `toml:"file" yaml:"file" env:"WSBRIDGE_LOG_FILE"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8787,
			Path:                "/",
			Origins:             []string{},
			Subprotocols:        []string{},
			RequireSubprotocol:  false,
			TCPNoDelay:          true,
			MaxConnections:      0,
			ReadLimit:           1 << 20,
			PingInterval:        "54s",
			PongWait:            "60s",
			WriteWait:           "10s",
			CloseTimeout:        "5s",
			StartTimeout:        "2s",
			StopTimeout:         "5s",
			SendBuffer:          256,
			MaxIdentityAttempts: 8,
		},
		Control: ControlConfig{
			SocketPath: "/run/wsbridge/wsbridge.sock",
			RateLimit:  50,
			RateBurst:  100,
		},
		Events: EventsConfig{
			MaxBacklog: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9787",
		},
		Discovery: DiscoveryConfig{
			Enabled:      false,
			InstanceName: "wsbridge",
		},
		Diagnostics: DiagnosticsConfig{
			StorePath:       filepath.Join(homeDir, ".wsbridge", "diagnostics.db"),
			RateLimitWindow: "5m",
			StatsSchedule:   "@every 1m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// ConfigPaths returns the list of default configuration file paths to check
func ConfigPaths() []string {
	homeDir, _ := os.UserHomeDir()
	return []string{
		filepath.Join(homeDir, ".wsbridge", "config.toml"),
		filepath.Join(homeDir, ".wsbridge", "config.yaml"),
		filepath.Join("/etc", "wsbridge", "config.toml"),
		"./wsbridge.toml",
		"./wsbridge.yaml",
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port must be between 0 and 65535", ErrInvalidConfig)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("%w: server.max_connections cannot be negative", ErrInvalidConfig)
	}
	if c.Server.ReadLimit <= 0 {
		return fmt.Errorf("%w: server.read_limit must be positive", ErrInvalidConfig)
	}
	if c.Server.SendBuffer <= 0 {
		return fmt.Errorf("%w: server.send_buffer must be positive", ErrInvalidConfig)
	}
	if c.Server.MaxIdentityAttempts < 1 {
		return fmt.Errorf("%w: server.max_identity_attempts must be at least 1", ErrInvalidConfig)
	}

	durations := map[string]string{
		"server.ping_interval":          c.Server.PingInterval,
		"server.pong_wait":              c.Server.PongWait,
		"server.write_wait":             c.Server.WriteWait,
		"server.close_timeout":          c.Server.CloseTimeout,
		"server.start_timeout":          c.Server.StartTimeout,
		"server.stop_timeout":           c.Server.StopTimeout,
		"diagnostics.rate_limit_window": c.Diagnostics.RateLimitWindow,
	}
	for key, v := range durations {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, key)
		}
	}
	if c.PingInterval() >= c.PongWait() {
		return fmt.Errorf("%w: server.ping_interval must be shorter than server.pong_wait", ErrInvalidConfig)
	}

	if c.Control.SocketPath == "" {
		return fmt.Errorf("%w: control.socket_path is required", ErrMissingValue)
	}
	if c.Control.RateLimit < 0 || c.Control.RateBurst < 0 {
		return fmt.Errorf("%w: control rate limits cannot be negative", ErrInvalidConfig)
	}

	if c.Events.MaxBacklog < 0 {
		return fmt.Errorf("%w: events.max_backlog cannot be negative", ErrInvalidConfig)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("%w: metrics.addr is required when metrics are enabled", ErrMissingValue)
	}

	if c.Discovery.Enabled && c.Discovery.InstanceName == "" {
		return fmt.Errorf("%w: discovery.instance_name is required when discovery is enabled", ErrMissingValue)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("%w: logging.level must be one of: debug, info, warn, error", ErrInvalidConfig)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("%w: logging.format must be one of: json, text", ErrInvalidConfig)
	}
	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("%w: logging.output must be one of: stdout, stderr, file", ErrInvalidConfig)
	}
	if c.Logging.Output == "file" && c.Logging.File == "" {
		return fmt.Errorf("%w: logging.file is required when logging.output is 'file'", ErrInvalidConfig)
	}

	return nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// PingInterval returns the parsed ping interval
func (c *Config) PingInterval() time.Duration { return parseDuration(c.Server.PingInterval, 54*time.Second) }

// PongWait returns the parsed pong wait
func (c *Config) PongWait() time.Duration { return parseDuration(c.Server.PongWait, 60*time.Second) }

// WriteWait returns the parsed write deadline
func (c *Config) WriteWait() time.Duration { return parseDuration(c.Server.WriteWait, 10*time.Second) }

// CloseTimeout returns the parsed close handshake timeout
func (c *Config) CloseTimeout() time.Duration { return parseDuration(c.Server.CloseTimeout, 5*time.Second) }

// StartTimeout returns the parsed start readiness bound
func (c *Config) StartTimeout() time.Duration { return parseDuration(c.Server.StartTimeout, 2*time.Second) }

// StopTimeout returns the parsed shutdown bound
func (c *Config) StopTimeout() time.Duration { return parseDuration(c.Server.StopTimeout, 5*time.Second) }

// DiagnosticsWindow returns the parsed diagnostics rate limit window
func (c *Config) DiagnosticsWindow() time.Duration {
	return parseDuration(c.Diagnostics.RateLimitWindow, 5*time.Minute)
}

// LogOutput resolves the logger output target
func (c *Config) LogOutput() string {
	if c.Logging.Output == "file" {
		return c.Logging.File
	}
	return c.Logging.Output
}
