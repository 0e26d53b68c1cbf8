// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

// Package kvstore is the shared key-value store the relay and monitor
// coordinate through.
//
// The contract is deliberately narrow: five operations over named
// tables of opaque byte values ([Store]), with [ErrNotFound] as the
// only sentinel. Consumers depend on nothing store-specific, so any
// backend a deployment already runs can serve: [BackendMemory] for a
// single process, [BackendSQLite] for one host, [BackendRedis] when
// the pubsub broker node doubles as the store.
//
// Two contract details carry the liveness protocol. SetKey updates
// only existing keys and reports ErrNotFound otherwise, which is how a
// relay refreshing its peer record discovers the record was evicted
// under it and falls back to CreateKey. DeleteKey of an absent key
// succeeds, so two monitors racing to evict the same stale peer both
// finish clean.
package kvstore
