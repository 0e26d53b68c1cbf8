// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the relay
// daemon.
//
// Configuration is loaded from a single file specified by either the
// TABLECAST_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks, no ~/.config
// discovery, and no automatic file search. This ensures deterministic,
// auditable configuration with no hidden overrides.
//
// Variable expansion is performed on path and address fields after
// loading: ${HOME}, ${HOSTNAME}, and ${VAR:-default} patterns are
// expanded. No other environment variables override config values.
//
// Durations are YAML strings in time.ParseDuration syntax ("30s",
// "2m"). [Config.Validate] reports every complaint in one error;
// callers validate once and then read the parsed accessors.
//
// This package depends on no other tablecast packages.
package config
