// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the relay daemon's configuration.
type Config struct {
	// Relay configures the per-host aggregator service.
	Relay RelayConfig `yaml:"relay"`

	// Driver configures the cross-host rebroadcast transport.
	Driver DriverConfig `yaml:"driver"`

	// Store configures the key-value store holding the peers table.
	Store StoreConfig `yaml:"store"`

	// Monitor configures the stale-peer monitor.
	Monitor MonitorConfig `yaml:"monitor"`
}

// RelayConfig configures the aggregator service.
type RelayConfig struct {
	// IPCSocket is the Unix socket local writer processes push their
	// updates to.
	IPCSocket string `yaml:"ipc_socket"`

	// AdvertiseURI is the address remote hosts use to reach this
	// relay's publisher, recorded in the liveness record. Supports
	// ${HOSTNAME} expansion, e.g. "tcp://${HOSTNAME}:8866".
	AdvertiseURI string `yaml:"advertise_uri"`

	// Hostname overrides the OS hostname in the peer id.
	Hostname string `yaml:"hostname"`

	// QueueCapacity bounds the buffer between the IPC receiver and
	// the forward loop. Zero means the relay's default.
	QueueCapacity int `yaml:"queue_capacity"`

	// RefreshLimit and RefreshWindow cap liveness-record writes: at
	// most RefreshLimit in any RefreshWindow. Zero and empty mean the
	// relay's defaults.
	RefreshLimit  int    `yaml:"refresh_limit"`
	RefreshWindow string `yaml:"refresh_window"`

	// StatusInterval is how often the relay logs its counters.
	StatusInterval string `yaml:"status_interval"`

	// PropagateValues controls whether row payloads travel with
	// updates. When false the relay forwards updates with the value
	// stripped and consumers reload rows from their own store reads.
	// Log payloads always travel.
	PropagateValues bool `yaml:"propagate_values"`
}

// DriverConfig selects and configures the cross-host transport.
type DriverConfig struct {
	// Name is the driver family: "socket" or "redis".
	Name string `yaml:"name"`

	// BindAddress and Port locate the socket driver's listener.
	// An empty BindAddress binds every interface.
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	// BrokerAddress is the redis node as host:port, for the redis
	// driver.
	BrokerAddress string `yaml:"broker_address"`

	// Compression is the envelope codec: "none", "zstd", or "lz4".
	Compression string `yaml:"compression"`
}

// StoreConfig selects and configures the key-value store backend.
type StoreConfig struct {
	// Backend is "memory", "sqlite", or "redis".
	Backend string `yaml:"backend"`

	// Path is the database file for the sqlite backend.
	Path string `yaml:"path"`

	// Address is the redis node as host:port for the redis backend.
	Address string `yaml:"address"`
}

// MonitorConfig configures the stale-peer monitor.
type MonitorConfig struct {
	// Enabled runs the monitor inside the relay daemon. Every host
	// may run one; eviction races are harmless.
	Enabled bool `yaml:"enabled"`

	// Timeout is how long a peer record may go unrefreshed before it
	// is evicted.
	Timeout string `yaml:"timeout"`

	// Interval is the sweep cadence. Empty means half the timeout.
	Interval string `yaml:"interval"`
}

// Default returns the base configuration the file overlays. It exists
// to give every field a sensible starting value, not as a substitute
// for the file: AdvertiseURI has no default and Validate requires it.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			IPCSocket:       "/run/tablecast/relay.sock",
			QueueCapacity:   1024,
			RefreshLimit:    3,
			RefreshWindow:   "30s",
			StatusInterval:  "1m",
			PropagateValues: true,
		},
		Driver: DriverConfig{
			Name:        "socket",
			Port:        8866,
			Compression: "none",
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Monitor: MonitorConfig{
			Enabled: true,
			Timeout: "3m",
		},
	}
}

// Load loads configuration from the file named by the TABLECAST_CONFIG
// environment variable. There are no fallbacks and no file discovery:
// when the variable is unset, Load fails.
func Load() (*Config, error) {
	path := os.Getenv("TABLECAST_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("TABLECAST_CONFIG environment variable not set; " +
			"set it to the path of your tablecast.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path, overlaying Default.
// Environment variables never override config values; the only
// expansion performed is ${HOME} and ${HOSTNAME} in path and address
// fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in the
// fields that name paths and addresses.
func (c *Config) expandVariables() {
	hostname, _ := os.Hostname()
	vars := map[string]string{
		"HOME":     os.Getenv("HOME"),
		"HOSTNAME": hostname,
	}

	c.Relay.IPCSocket = expandVars(c.Relay.IPCSocket, vars)
	c.Relay.AdvertiseURI = expandVars(c.Relay.AdvertiseURI, vars)
	c.Store.Path = expandVars(c.Store.Path, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every complaint at
// once. The pubsub and kvstore packages re-validate the options they
// consume; Validate catches the same mistakes before any wiring
// starts.
func (c *Config) Validate() error {
	var errs []error

	if c.Relay.IPCSocket == "" {
		errs = append(errs, fmt.Errorf("relay.ipc_socket is required"))
	}
	if c.Relay.AdvertiseURI == "" {
		errs = append(errs, fmt.Errorf("relay.advertise_uri is required"))
	}
	if c.Relay.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("relay.queue_capacity must not be negative, have %d", c.Relay.QueueCapacity))
	}
	if c.Relay.RefreshLimit < 0 {
		errs = append(errs, fmt.Errorf("relay.refresh_limit must not be negative, have %d", c.Relay.RefreshLimit))
	}
	errs = appendDurationError(errs, "relay.refresh_window", c.Relay.RefreshWindow)
	errs = appendDurationError(errs, "relay.status_interval", c.Relay.StatusInterval)

	switch c.Driver.Name {
	case "socket":
		if c.Driver.Port < 1 || c.Driver.Port > 65535 {
			errs = append(errs, fmt.Errorf("driver.port must be in 1-65535, have %d", c.Driver.Port))
		}
	case "redis":
		if c.Driver.BrokerAddress == "" {
			errs = append(errs, fmt.Errorf("driver.broker_address is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("driver.name must be \"socket\" or \"redis\", have %q", c.Driver.Name))
	}

	switch c.Driver.Compression {
	case "", "none", "zstd", "lz4":
	default:
		errs = append(errs, fmt.Errorf("driver.compression must be \"none\", \"zstd\", or \"lz4\", have %q", c.Driver.Compression))
	}

	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the sqlite backend"))
		}
	case "redis":
		if c.Store.Address == "" {
			errs = append(errs, fmt.Errorf("store.address is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be \"memory\", \"sqlite\", or \"redis\", have %q", c.Store.Backend))
	}

	if c.Monitor.Enabled && c.Monitor.Timeout == "" {
		errs = append(errs, fmt.Errorf("monitor.timeout is required when the monitor is enabled"))
	}
	errs = appendDurationError(errs, "monitor.timeout", c.Monitor.Timeout)
	errs = appendDurationError(errs, "monitor.interval", c.Monitor.Interval)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func appendDurationError(errs []error, field, value string) []error {
	if value == "" {
		return errs
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", field, err))
	}
	if d <= 0 {
		return append(errs, fmt.Errorf("%s must be positive, have %s", field, value))
	}
	return errs
}

// RefreshWindow returns the parsed relay.refresh_window, zero when
// the field is empty. Validate reports unparseable values; the relay
// substitutes its own default for zero.
func (c *Config) RefreshWindow() time.Duration { return parseDuration(c.Relay.RefreshWindow) }

// StatusInterval returns the parsed relay.status_interval, zero when
// the field is empty.
func (c *Config) StatusInterval() time.Duration { return parseDuration(c.Relay.StatusInterval) }

// MonitorTimeout returns the parsed monitor.timeout, zero when the
// field is empty.
func (c *Config) MonitorTimeout() time.Duration { return parseDuration(c.Monitor.Timeout) }

// MonitorInterval returns the parsed monitor.interval, zero when the
// field is empty. The monitor substitutes half the timeout for zero.
func (c *Config) MonitorInterval() time.Duration { return parseDuration(c.Monitor.Interval) }

func parseDuration(value string) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}
