// Command wsbridge runs the embeddable WebSocket server as a standalone
// process controlled over a JSON-RPC unix socket.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/armorclaw/wsbridge/pkg/config"
	"github.com/armorclaw/wsbridge/pkg/logger"
)

var (
	version   = "0.4.0"
	buildTime = "unknown"
)

type cliConfig struct {
	command      string
	configPath   string
	configOutput string
	socketPath   string
	host         string
	port         int
	autoStart    bool
	logLevel     string
	verbose      bool
	version      bool
	help         bool
	// discover command flags
	timeout string
}

func main() {
	cliCfg := parseFlags()

	if cliCfg.version || cliCfg.command == "version" {
		printVersion()
		return
	}

	if cliCfg.help || cliCfg.command == "help" {
		printHelp()
		return
	}

	var err error
	switch cliCfg.command {
	case "", "serve":
		err = runServe(cliCfg)
	case "init":
		err = runInitCommand(cliCfg)
	case "validate":
		err = runValidateCommand(cliCfg)
	case "interfaces":
		err = runInterfacesCommand()
	case "discover":
		err = runDiscoverCommand(cliCfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cliCfg.command)
		printHelp()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("wsbridge %s: %v", commandName(cliCfg.command), err)
	}
}

func commandName(cmd string) string {
	if cmd == "" {
		return "serve"
	}
	return cmd
}

func parseFlags() cliConfig {
	cfg := cliConfig{}

	flag.StringVar(&cfg.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&cfg.configOutput, "config-output", "", "Output path for 'init' command")
	flag.StringVar(&cfg.socketPath, "socket", "", "Path to the control socket (overrides config)")
	flag.StringVar(&cfg.host, "host", "", "WebSocket bind address (overrides config)")
	flag.IntVar(&cfg.port, "port", -1, "WebSocket port (overrides config)")
	flag.BoolVar(&cfg.autoStart, "auto-start", false, "Start the WebSocket server at boot")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&cfg.verbose, "v", false, "Verbose logging (sets log level to debug)")
	flag.BoolVar(&cfg.version, "version", false, "Print version and exit")
	flag.BoolVar(&cfg.help, "help", false, "Show help message")
	flag.StringVar(&cfg.timeout, "timeout", "5s", "Browse time for 'discover' command")

	flag.Parse()

	args := flag.Args()
	if len(args) > 0 {
		cfg.command = args[0]
	}

	if cfg.verbose {
		cfg.logLevel = "debug"
	}

	return cfg
}

// loadConfig loads the configuration file and applies CLI overrides
func loadConfig(cliCfg cliConfig) (*config.Config, error) {
	cfg, err := config.Load(cliCfg.configPath)
	if err != nil {
		return nil, err
	}

	if cliCfg.socketPath != "" {
		cfg.Control.SocketPath = cliCfg.socketPath
	}
	if cliCfg.host != "" {
		cfg.Server.Host = cliCfg.host
	}
	if cliCfg.port >= 0 {
		cfg.Server.Port = cliCfg.port
	}
	if cliCfg.autoStart {
		cfg.Server.AutoStart = true
	}
	if cliCfg.logLevel != "" {
		cfg.Logging.Level = cliCfg.logLevel
	}

	return cfg, cfg.Validate()
}

func setupLogging(cfg *config.Config) {
	if err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, cfg.LogOutput()); err != nil {
		log.Printf("Warning: Failed to initialize structured logger: %v", err)
		log.Printf("Falling back to standard logging")
	}
}

func printVersion() {
	fmt.Printf("wsbridge v%s\n", version)
	fmt.Printf("Build time: %s\n", buildTime)
}

func printHelp() {
	helpText := `USAGE:
    wsbridge [flags] [command]

COMMANDS:
    serve       Run the control socket and (optionally) the WebSocket server (default)
    init        Write an example configuration file
    validate    Validate configuration
    interfaces  List non-loopback network interfaces and their addresses
    discover    Browse the local network for advertised wsbridge servers
    version     Show version information
    help        Show this help message

EXAMPLES:
    wsbridge init -config-output ./wsbridge.toml
    wsbridge -config ./wsbridge.toml -auto-start -port 8787
    wsbridge -timeout 3s discover

FLAGS:
    -config string        Path to configuration file
    -socket string        Control socket path
    -host string          WebSocket bind address
    -port int             WebSocket port
    -auto-start           Start the WebSocket server at boot
    -log-level string     debug, info, warn, error
    -v                    Verbose (debug) logging

CONTROL SOCKET:
    JSON-RPC 2.0, one JSON document per request. Methods:
    server.start server.stop server.status conn.send conn.close conn.list
    net.interfaces pairing.qr events.subscribe events.unsubscribe
    diagnostics.list diagnostics.resolve diagnostics.stats diagnostics.codes

ENVIRONMENT VARIABLES:
    Every configuration key can be overridden with WSBRIDGE_*, for example
    WSBRIDGE_PORT, WSBRIDGE_ORIGINS, WSBRIDGE_LOG_LEVEL.
`
	fmt.Println(helpText)
}
