// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import "fmt"

// ConfigError reports an invalid or missing driver option. It is
// returned by Open before any I/O happens: a bad configuration never
// gets as far as a send or receive.
type ConfigError struct {
	// Driver is the driver name the configuration named.
	Driver string

	// Option is the offending option, in config-file notation.
	Option string

	// Reason says what is wrong with it.
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Option == "" {
		return fmt.Sprintf("pubsub: driver %q: %s", e.Driver, e.Reason)
	}
	return fmt.Sprintf("pubsub: driver %q: option %q: %s", e.Driver, e.Option, e.Reason)
}

// configError builds a *ConfigError; the helper keeps validation
// sites to one line.
func configError(driver, option, reason string) error {
	return &ConfigError{Driver: driver, Option: option, Reason: reason}
}
