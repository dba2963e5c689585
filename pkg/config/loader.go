package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/armorclaw/wsbridge/pkg/logger"
)

// Format is a configuration file encoding
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the encoding from the file extension; TOML unless .yaml/.yml
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Load loads configuration from a file path. An empty path searches
// ConfigPaths and falls back to defaults when nothing is found.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path == "" {
		logger.Global().Warn("no configuration file found, using defaults",
			"checked", ConfigPaths(),
			"hint", "create one with: wsbridge init",
		)
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(FormatForPath(path), data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func decode(format Format, data []byte, cfg *Config) error {
	if format == FormatYAML {
		return yaml.Unmarshal(data, cfg)
	}
	return toml.Unmarshal(data, cfg)
}

func encode(format Format, cfg *Config) ([]byte, error) {
	if format == FormatYAML {
		return yaml.Marshal(cfg)
	}
	return toml.Marshal(cfg)
}

// applyEnvOverrides walks the config sections and applies every field's
// `env` variable when it is set. Lists are comma separated.
func applyEnvOverrides(cfg *Config) error {
	root := reflect.ValueOf(cfg).Elem()
	for i := 0; i < root.NumField(); i++ {
		section := root.Field(i)
		if section.Kind() != reflect.Struct {
			continue
		}
		st := section.Type()
		for j := 0; j < section.NumField(); j++ {
			key := st.Field(j).Tag.Get("env")
			if key == "" {
				continue
			}
			v, ok := os.LookupEnv(key)
			if !ok || v == "" {
				continue
			}
			if err := setField(section.Field(j), v); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	return nil
}

func setField(f reflect.Value, v string) error {
	switch f.Kind() {
	case reflect.String:
		f.SetString(v)
	case reflect.Bool:
		f.SetBool(v == "true" || v == "1")
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		f.SetInt(n)
	case reflect.Float64:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		f.SetFloat(n)
	case reflect.Slice:
		if f.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported list type %s", f.Type())
		}
		var items []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		f.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field type %s", f.Type())
	}
	return nil
}

// Save writes the configuration, encoded by the path's extension
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Forward slashes keep TOML from reading \U as a unicode escape on Windows.
	cfgCopy := *cfg
	cfgCopy.Control.SocketPath = filepath.ToSlash(cfg.Control.SocketPath)
	cfgCopy.Diagnostics.StorePath = filepath.ToSlash(cfg.Diagnostics.StorePath)
	cfgCopy.Logging.File = filepath.ToSlash(cfg.Logging.File)

	data, err := encode(FormatForPath(path), &cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateExampleConfig writes an example configuration file
func GenerateExampleConfig(path string) error {
	cfg := DefaultConfig()

	cfg.Server.Origins = []string{"https://app.example.com"}
	cfg.Server.Subprotocols = []string{"json", "chat"}
	cfg.Discovery.Enabled = true
	cfg.Metrics.Enabled = true
	cfg.Logging.Level = "info"

	return Save(cfg, path)
}
