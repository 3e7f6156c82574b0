// Package config loads the demo and client configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"bluetooth-hid/internal/errs"
)

// Transport names.
const (
	TransportStream = "stream"
	TransportNATS   = "nats"
	TransportDBus   = "dbus"
)

// Environment overrides, applied by Load after the file is parsed.
const (
	EnvTransport = "HIDM_TRANSPORT"
	EnvAddress   = "HIDM_ADDRESS" // address of the selected transport
)

// Config is the complete configuration.
type Config struct {
	Transport      string        `yaml:"transport"`
	ClientID       string        `yaml:"client_id"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	LogLevel       string        `yaml:"log_level"`

	Stream  StreamConfig  `yaml:"stream"`
	NATS    NATSConfig    `yaml:"nats"`
	DBus    DBusConfig    `yaml:"dbus"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StreamConfig selects the socket the stream transport dials and the
// simulator listens on.
type StreamConfig struct {
	Network     string        `yaml:"network"` // unix or tcp
	Address     string        `yaml:"address"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type DBusConfig struct {
	Bus     string `yaml:"bus"` // system or session
	Address string `yaml:"address,omitempty"`
	Service string `yaml:"service"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Transport:      TransportStream,
		ClientID:       "hidm-" + uuid.NewString(),
		RequestTimeout: 5 * time.Second,
		LogLevel:       "info",
		Stream: StreamConfig{
			Network:     "unix",
			Address:     "/tmp/hidm.sock",
			DialTimeout: 2 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "hidm",
			MaxReconnects: 10,
			ReconnectWait: time.Second,
		},
		DBus: DBusConfig{
			Bus:     "system",
			Service: "org.hidm.Manager",
		},
		Metrics: MetricsConfig{
			Address: ":9464",
		},
	}
}

// Parse decodes YAML over the defaults. Unknown keys are rejected. The
// result is not validated.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errs.Wrap(err, "config", "Parse", "decode yaml")
	}
	return cfg, nil
}

// Load reads the file at path, applies environment overrides and validates
// the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Wrap(err, "config", "Load", "read "+path)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies HIDM_TRANSPORT and HIDM_ADDRESS. lookup is os.LookupEnv
// outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvTransport); ok && v != "" {
		c.Transport = strings.ToLower(v)
	}
	if v, ok := lookup(EnvAddress); ok && v != "" {
		switch c.Transport {
		case TransportStream:
			c.Stream.Address = v
		case TransportNATS:
			c.NATS.URL = v
		case TransportDBus:
			c.DBus.Address = v
		}
	}
}

func invalid(format string, args ...any) error {
	return errs.Invalid("config.Validate", errs.CodeInvalidParameter,
		fmt.Errorf("%w: "+format, append([]any{errs.ErrInvalidParameter}, args...)...))
}

// Validate checks the configuration. Only the selected transport's section
// must be complete.
func (c *Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return invalid("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if _, err := c.Level(); err != nil {
		return invalid("log_level %q", c.LogLevel)
	}
	switch c.Transport {
	case TransportStream:
		if c.Stream.Network != "unix" && c.Stream.Network != "tcp" {
			return invalid("stream.network must be unix or tcp, got %q", c.Stream.Network)
		}
		if c.Stream.Address == "" {
			return invalid("stream.address is required")
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			return invalid("nats.url is required")
		}
		if c.NATS.SubjectPrefix == "" || strings.ContainsAny(c.NATS.SubjectPrefix, " *>") {
			return invalid("nats.subject_prefix %q is not a valid subject token", c.NATS.SubjectPrefix)
		}
	case TransportDBus:
		if c.DBus.Bus != "system" && c.DBus.Bus != "session" {
			return invalid("dbus.bus must be system or session, got %q", c.DBus.Bus)
		}
		if c.DBus.Service == "" {
			return invalid("dbus.service is required")
		}
	default:
		return invalid("unknown transport %q", c.Transport)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return invalid("metrics.address is required when metrics are enabled")
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.LogLevel))
	return l, err
}
