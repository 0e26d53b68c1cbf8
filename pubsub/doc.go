// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

// Package pubsub distributes table updates between processes and hosts.
//
// The unit of distribution is the [Update]: a table name, a row key, an
// action, an optional value payload, and a routing topic. Writers hand
// updates to a [Publisher]; consumers receive them through the
// [Callback] they pass to a [Subscriber]. Delivery is at-most-once. A
// consumer that must not miss updates watches for the sync action,
// which signals that its view may be stale and a full reload is in
// order.
//
// # Drivers
//
// Transport is pluggable. [Open] selects a driver by name and
// validates its configuration before any I/O:
//
//   - "socket": publishers bind a TCP listener and fan out to every
//     connected subscriber that registered the update's topic.
//     Subscribers dial each registered publisher address.
//   - "socket-ipc": the single-host variant. Writer processes push
//     updates over a Unix socket to one consumer on the same machine,
//     typically the relay daemon that re-publishes them across hosts.
//   - "redis": publishers PUBLISH to the broker and the broker does
//     the fan-out; subscribers SUBSCRIBE to their topics. Broker
//     control frames (subscription confirmations, keepalives) are
//     skipped.
//
// All three share one wire envelope: a CBOR payload carrying the five
// update fields, wrapped in a one-byte compression tag. Any endpoint
// can decode any sender's envelope regardless of the sender's
// configured codec.
//
// # Topics
//
// Every subscriber starts subscribed to [AllTopic]. Registering
// further topics narrows nothing and widens delivery; updates
// published without an explicit topic route to AllTopic and reach
// every subscriber.
//
// # Receive loop
//
// Subscriber.Run is a blocking loop owned by the caller's goroutine
// (Start/Stop wrap it in one). On a transport failure the loop
// reconnects by itself and delivers exactly one synthetic sync
// callback before the next real update, so the consumer learns that
// updates may have been lost in the gap.
package pubsub
