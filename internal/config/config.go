// Package config holds the listener and client configuration and loads it
// from TOML or YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Transport selects the carrier datagrams travel over.
type Transport string

const (
	TransportUDP       Transport = "udp"
	TransportWebSocket Transport = "websocket"
)

// Config is the full configuration of a listener or client process.
type Config struct {
	ServerName    string    `toml:"server_name" yaml:"server_name"`
	Address       string    `toml:"address" yaml:"address"` // listen address (serve) or remote address (connect)
	Transport     Transport `toml:"transport" yaml:"transport"`
	Debug         bool      `toml:"debug" yaml:"debug"`
	StatsInterval Duration  `toml:"stats_interval" yaml:"stats_interval"`

	Network Network `toml:"network" yaml:"network"`
	Metrics Metrics `toml:"metrics" yaml:"metrics"`
}

// Network tunes the transport and every connection created under it.
type Network struct {
	PoolSize          int      `toml:"pool_size" yaml:"pool_size"`
	MaxClients        int      `toml:"max_clients" yaml:"max_clients"`
	MaxTries          int      `toml:"max_tries" yaml:"max_tries"` // 0 retries forever
	ResendInterval    Duration `toml:"resend_interval" yaml:"resend_interval"`
	PingInterval      Duration `toml:"ping_interval" yaml:"ping_interval"`
	PingTimeout       Duration `toml:"ping_timeout" yaml:"ping_timeout"`
	ConnectTimeout    Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	DisconnectTimeout Duration `toml:"disconnect_timeout" yaml:"disconnect_timeout"`
	FixedTickRate     int      `toml:"fixed_tick_rate" yaml:"fixed_tick_rate"` // Hz
	TransmitRate      int      `toml:"transmit_rate" yaml:"transmit_rate"`     // Hz
	SimulatedTxLoss   float64  `toml:"simulated_tx_loss" yaml:"simulated_tx_loss"`
	SimulatedRxLoss   float64  `toml:"simulated_rx_loss" yaml:"simulated_rx_loss"`
	AcceptConnections bool     `toml:"accept_connections" yaml:"accept_connections"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled    bool   `toml:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" yaml:"listen_addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ServerName:    "lambdanet",
		Address:       "127.0.0.1:7777",
		Transport:     TransportUDP,
		StatsInterval: Duration(10 * time.Second),
		Network: Network{
			PoolSize:          512,
			MaxClients:        32,
			MaxTries:          10,
			ResendInterval:    Duration(200 * time.Millisecond),
			PingInterval:      Duration(time.Second),
			PingTimeout:       Duration(10 * time.Second),
			ConnectTimeout:    Duration(10 * time.Second),
			DisconnectTimeout: Duration(2 * time.Second),
			FixedTickRate:     60,
			TransmitRate:      60,
			AcceptConnections: true,
		},
		Metrics: Metrics{
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .toml, or .yaml/.yml. A missing file yields Default() with no error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportUDP, TransportWebSocket:
	default:
		return fmt.Errorf("invalid transport %q", c.Transport)
	}

	n := c.Network
	switch {
	case n.PoolSize <= 0:
		return fmt.Errorf("pool_size must be positive, got %d", n.PoolSize)
	case n.MaxClients <= 0:
		return fmt.Errorf("max_clients must be positive, got %d", n.MaxClients)
	case n.MaxTries < 0:
		return fmt.Errorf("max_tries must not be negative, got %d", n.MaxTries)
	case n.FixedTickRate <= 0 || n.TransmitRate <= 0:
		return fmt.Errorf("tick rates must be positive, got %d/%d", n.FixedTickRate, n.TransmitRate)
	case n.SimulatedTxLoss < 0 || n.SimulatedTxLoss > 1 || n.SimulatedRxLoss < 0 || n.SimulatedRxLoss > 1:
		return fmt.Errorf("simulated loss must be within [0, 1]")
	case n.ResendInterval <= 0 || n.PingInterval <= 0 || n.PingTimeout <= 0:
		return fmt.Errorf("resend_interval, ping_interval and ping_timeout must be positive")
	case n.PingTimeout <= n.PingInterval:
		return fmt.Errorf("ping_timeout (%s) must exceed ping_interval (%s)", n.PingTimeout, n.PingInterval)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Duration
// ---------------------------------------------------------------------------

// Duration is a time.Duration written as "250ms" or "2s" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}
