// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides small network helpers shared by the
// transport drivers and the relay daemon.
//
// IsExpectedCloseError classifies the errors a socket read or write
// reports during normal peer disconnect, so run loops can tell
// teardown from failure. ExternalAddress picks the address a relay
// advertises when it binds a wildcard address.
package netutil

import "net"

// ExternalAddress returns the address of the first up, non-loopback
// network interface, or the IPv4 loopback when none is available. Used
// to build the advertised publisher URI when the configured bind
// address (0.0.0.0, ::) says nothing about how peers should dial in.
func ExternalAddress() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			switch v := addr.(type) {
			case *net.IPNet:
				return v.IP.String()
			case *net.IPAddr:
				return v.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
