// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// socketWriteTimeout bounds a single frame write. A subscriber that
// cannot drain a frame in this long is stalled and gets dropped
// rather than wedging the fan-out.
const socketWriteTimeout = 10 * time.Second

// socketDialTimeout bounds a subscriber's connection attempt; the
// redial pacing in the run loop handles the retry.
const socketDialTimeout = 5 * time.Second

// socketDriver is the cross-host direct-socket family: a TCP fan-out
// publisher and a multi-endpoint dialing subscriber.
type socketDriver struct {
	config Config
}

func newSocketDriver(config Config) (Driver, error) {
	if config.Port < 1 || config.Port > 65535 {
		return nil, configError(DriverSocket, "port",
			fmt.Sprintf("%d is outside 1-65535", config.Port))
	}
	if config.BindAddress != "" && net.ParseIP(config.BindAddress) == nil {
		// Hostnames are fine for the listener; schemes, ports, and
		// paths do not belong here.
		if strings.ContainsAny(config.BindAddress, ":/") {
			return nil, configError(DriverSocket, "bind_address",
				fmt.Sprintf("%q is neither an IP address nor a bare hostname", config.BindAddress))
		}
	}
	return &socketDriver{config: config}, nil
}

func (driver *socketDriver) Publisher() Publisher {
	return newSocketPublisher(driver.config)
}

func (driver *socketDriver) Subscriber() Subscriber {
	return newSocketSubscriber(driver.config)
}

// parseListenAddress turns a registered publisher URI into a dialable
// host:port. The tcp:// scheme is optional; any other scheme is an
// error.
func parseListenAddress(uri string) (string, error) {
	address := uri
	if scheme, rest, found := strings.Cut(uri, "://"); found {
		if scheme != "tcp" {
			return "", fmt.Errorf("unsupported scheme %q in listen address %q", scheme, uri)
		}
		address = rest
	}
	if err := validateHostPort(address, false); err != nil {
		return "", err
	}
	return address, nil
}
