// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the per-host aggregator that bridges local
// writers to the rest of the cluster.
//
// Writer processes publish updates over the inter-process transport to
// exactly one [Service] on their host. The service buffers them in a
// bounded queue ordered by dispatch precedence and re-broadcasts them
// through a cross-host publisher. The subscriber callback only
// enqueues; all network I/O happens on the service's own goroutine, so
// a slow or partitioned cluster never stalls local writers. The queue
// drops its least urgent update instead.
//
// Alongside forwarding, the service maintains this host's liveness
// record in the shared store ([Peer], [PeersTable]): registered at
// startup, timestamp refreshed after forwarded updates and on an idle
// timer, both paced by a strict rolling-window rate limit. The
// [Monitor] sweeps the same table and evicts records whose owner
// stopped refreshing, so subscribers enumerating it see only hosts
// that are actually publishing.
package relay
