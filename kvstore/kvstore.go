// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Backend names accepted by Open.
const (
	// BackendMemory keeps everything in process memory. State is lost
	// on restart; it exists for tests and single-process deployments.
	BackendMemory = "memory"

	// BackendSQLite persists to a local SQLite database file.
	BackendSQLite = "sqlite"

	// BackendRedis stores keys on a redis node, typically the same one
	// serving as the pubsub broker.
	BackendRedis = "redis"
)

// ErrNotFound reports that a key does not exist in its table. Callers
// branch on it with errors.Is: the relay falls back to re-registering
// a liveness record, the monitor treats a lost eviction race as done.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the shared key-value contract the relay and monitor consume.
// Values are opaque byte slices grouped into named tables; the contract
// has no store-specific query language.
//
// CreateKey writes a value, replacing any existing one. SetKey updates
// an existing key only and returns ErrNotFound for an absent one, so a
// caller refreshing a record learns when the record was evicted under
// it. DeleteKey of an absent key is a no-op, not an error.
type Store interface {
	// CreateKey stores value under (table, key), creating or replacing.
	CreateKey(ctx context.Context, table, key string, value []byte) error

	// GetKey returns the value stored under (table, key), or
	// ErrNotFound.
	GetKey(ctx context.Context, table, key string) ([]byte, error)

	// SetKey replaces the value of an existing key. Returns ErrNotFound
	// if the key does not exist.
	SetKey(ctx context.Context, table, key string, value []byte) error

	// DeleteKey removes (table, key). Deleting an absent key succeeds.
	DeleteKey(ctx context.Context, table, key string) error

	// Keys returns every key in table, sorted lexicographically. An
	// empty or unknown table yields an empty result.
	Keys(ctx context.Context, table string) ([]string, error)

	// Close releases the backend's resources. The store must not be
	// used afterwards.
	Close() error
}

// ConfigError reports an invalid or missing store option. It is
// returned by Open before any I/O happens.
type ConfigError struct {
	// Backend is the backend name the configuration named.
	Backend string

	// Option is the offending option, in config-file notation.
	Option string

	// Reason says what is wrong with it.
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Option == "" {
		return fmt.Sprintf("kvstore: backend %q: %s", e.Backend, e.Reason)
	}
	return fmt.Sprintf("kvstore: backend %q: option %q: %s", e.Backend, e.Option, e.Reason)
}

func configError(backend, option, reason string) error {
	return &ConfigError{Backend: backend, Option: option, Reason: reason}
}

// Config selects and parameterizes a store backend.
type Config struct {
	// Backend is one of BackendMemory, BackendSQLite, BackendRedis.
	Backend string

	// Path is the SQLite database file. Required for BackendSQLite,
	// ignored otherwise.
	Path string

	// Address is the redis node as host:port. Required for
	// BackendRedis, ignored otherwise.
	Address string

	// Logger receives operational messages. Defaults to a discarding
	// logger.
	Logger *slog.Logger
}

// Open validates the configuration and constructs the named backend.
// Validation failures surface as *ConfigError; nothing is dialed or
// created on disk until the configuration is known good.
func Open(cfg Config) (Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	switch cfg.Backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendSQLite:
		if cfg.Path == "" {
			return nil, configError(BackendSQLite, "path", "database path must not be empty")
		}
		return openSQLite(cfg)
	case BackendRedis:
		if cfg.Address == "" {
			return nil, configError(BackendRedis, "address", "address must not be empty")
		}
		return openRedis(cfg)
	case "":
		return nil, configError("", "backend", "backend must not be empty")
	default:
		return nil, configError(cfg.Backend, "backend", fmt.Sprintf("unknown backend (have %q, %q, %q)", BackendMemory, BackendSQLite, BackendRedis))
	}
}
