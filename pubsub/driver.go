// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/tablecast/tablecast/lib/clock"
)

// Driver names accepted by Open.
const (
	// DriverSocket is the cross-host direct-socket family: the
	// publisher listens on BindAddress:Port and fans out to every
	// connected subscriber, filtered by the topics each connection
	// subscribed.
	DriverSocket = "socket"

	// DriverSocketIPC is the same-host family: publishers push to a
	// Unix socket at SocketPath, the single subscriber binds it and
	// fans in from every local publisher.
	DriverSocketIPC = "socket-ipc"

	// DriverRedis is the broker family: publish and subscribe go
	// through the Redis node at BrokerAddress, with the topic as the
	// channel name.
	DriverRedis = "redis"
)

// Config selects a driver and carries every option the drivers read.
// Zero values for Logger and Clock mean "discard" and "real time";
// each driver validates the options it needs and rejects the rest of
// a bad configuration with ConfigError before touching the network.
type Config struct {
	// Driver names the registered driver family.
	Driver string

	// BindAddress and Port locate the cross-host publisher's
	// listener. An empty BindAddress means every interface.
	BindAddress string
	Port        int

	// SocketPath is the Unix socket path shared by the inter-process
	// publisher and subscriber.
	SocketPath string

	// BrokerAddress is the broker node as host:port.
	BrokerAddress string

	// Compression is the envelope codec applied to published
	// updates. Subscribers decode any codec regardless.
	Compression Compression

	Logger *slog.Logger
	Clock  clock.Clock
}

// DriverFactory validates a configuration and builds a driver handle.
type DriverFactory func(config Config) (Driver, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]DriverFactory)
)

// RegisterDriver makes a driver available to Open under name. It
// panics if name is empty, factory is nil, or name is already taken;
// registration is a process-setup step, not a recoverable operation.
func RegisterDriver(name string, factory DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if name == "" {
		panic("pubsub: RegisterDriver with empty name")
	}
	if factory == nil {
		panic("pubsub: RegisterDriver with nil factory for " + name)
	}
	if _, taken := drivers[name]; taken {
		panic("pubsub: RegisterDriver called twice for " + name)
	}
	drivers[name] = factory
}

func init() {
	RegisterDriver(DriverSocket, newSocketDriver)
	RegisterDriver(DriverSocketIPC, newIPCDriver)
	RegisterDriver(DriverRedis, newRedisDriver)
}

func driverNames() string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Open validates config and returns a handle for the named driver.
// All validation happens here: a Driver that Open returns will not
// fail on configuration at send or receive time.
func Open(config Config) (Driver, error) {
	driversMu.RLock()
	factory, known := drivers[config.Driver]
	driversMu.RUnlock()
	if !known {
		return nil, configError(config.Driver, "driver",
			fmt.Sprintf("unknown driver (registered: %s)", driverNames()))
	}

	switch config.Compression {
	case CompressionNone, CompressionZstd, CompressionLZ4:
	default:
		return nil, configError(config.Driver, "compression",
			fmt.Sprintf("unknown codec tag %d", config.Compression))
	}

	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return factory(config)
}

// validateHostPort rejects addresses that net.Dial would choke on.
// The empty host is allowed when permitEmptyHost is set (a listener
// bound to every interface).
func validateHostPort(address string, permitEmptyHost bool) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if host == "" && !permitEmptyHost {
		return fmt.Errorf("address %q has no host", address)
	}
	if port == "" {
		return fmt.Errorf("address %q has no port", address)
	}
	return nil
}
