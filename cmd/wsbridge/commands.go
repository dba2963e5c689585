package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/armorclaw/wsbridge/pkg/config"
	"github.com/armorclaw/wsbridge/pkg/discovery"
	"github.com/armorclaw/wsbridge/pkg/netif"
)

// runInitCommand generates an example configuration file
func runInitCommand(cliCfg cliConfig) error {
	outputPath := cliCfg.configOutput
	if outputPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to determine home directory: %w", err)
		}
		outputPath = filepath.Join(homeDir, ".wsbridge", "config.toml")
	}
	if err := config.GenerateExampleConfig(outputPath); err != nil {
		return fmt.Errorf("failed to generate example config: %w", err)
	}
	fmt.Printf("Example configuration written to: %s\n", outputPath)
	return nil
}

// runValidateCommand loads and validates the configuration
func runValidateCommand(cliCfg cliConfig) error {
	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}
	fmt.Println("Configuration is valid")
	fmt.Printf("  WebSocket: %s:%d (auto start: %v)\n", cfg.Server.Host, cfg.Server.Port, cfg.Server.AutoStart)
	fmt.Printf("  Control socket: %s\n", cfg.Control.SocketPath)
	fmt.Printf("  Metrics: %v\n", cfg.Metrics.Enabled)
	fmt.Printf("  Discovery: %v\n", cfg.Discovery.Enabled)
	return nil
}

func runInterfacesCommand() error {
	ifaces, err := netif.List()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(ifaces))
	for name := range ifaces {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		a := ifaces[name]
		fmt.Printf("%s\n", name)
		if len(a.IPv4) > 0 {
			fmt.Printf("  ipv4: %s\n", strings.Join(a.IPv4, ", "))
		}
		if len(a.IPv6) > 0 {
			fmt.Printf("  ipv6: %s\n", strings.Join(a.IPv6, ", "))
		}
	}
	return nil
}

func runDiscoverCommand(cliCfg cliConfig) error {
	timeout, err := time.ParseDuration(cliCfg.timeout)
	if err != nil {
		return fmt.Errorf("invalid -timeout: %w", err)
	}

	client := discovery.NewClient()
	client.SetTimeout(timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()

	servers, err := client.Discover(ctx)
	if err != nil {
		return err
	}
	for _, s := range servers {
		fmt.Printf("%s\t%s", s.Name, s.URL())
		if len(s.Subprotocols) > 0 {
			fmt.Printf("\tprotocols=%s", strings.Join(s.Subprotocols, ","))
		}
		fmt.Println()
	}
	return nil
}
