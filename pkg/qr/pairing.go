// Package qr renders pairing QR codes that point clients at a running
// WebSocket server.
package qr

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/skip2/go-qrcode"
)

// Config configures QR rendering
type Config struct {
	Size          int
	RecoveryLevel qrcode.RecoveryLevel
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Size:          256,
		RecoveryLevel: qrcode.Medium,
	}
}

// Result is a rendered pairing code
type Result struct {
	URL     string `json:"url"`
	PNG     []byte `json:"png"`
	DataURI string `json:"data_uri"`
	// Text is a terminal rendering using half-block characters.
	Text string `json:"text"`
}

// ServerURL builds the ws:// URL clients should dial
func ServerURL(host string, port int, path string) (string, error) {
	if host == "" {
		return "", errors.New("qr: host is required")
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("qr: invalid port %d", port)
	}
	if path == "" {
		path = "/"
	}
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   path,
	}
	return u.String(), nil
}

// Generate renders content as a PNG and a terminal string
func Generate(content string, cfg Config) (*Result, error) {
	if cfg.Size <= 0 {
		cfg.Size = DefaultConfig().Size
	}

	code, err := qrcode.New(content, cfg.RecoveryLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR: %w", err)
	}
	pngBytes, err := code.PNG(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR PNG: %w", err)
	}

	return &Result{
		URL:     content,
		PNG:     pngBytes,
		DataURI: "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes),
		Text:    code.ToSmallString(false),
	}, nil
}
