// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import "context"

// Callback receives one delivered update. Implementations must be
// quick or hand off to their own queue: the subscriber invokes
// callbacks serially from its receive loop, and a slow callback stalls
// delivery on that connection.
//
// A sync delivery has empty table and key and a nil value.
type Callback func(table, key string, action Action, value []byte, topic string)

// Publisher sends updates to whoever is listening. Implementations
// are safe for concurrent Send calls.
type Publisher interface {
	// Initialize acquires the transport endpoint: binding the
	// listening socket or connecting to the broker. It must be called
	// exactly once, before the first Send; calling it again is an
	// error.
	Initialize(ctx context.Context) error

	// Send routes and transmits one update. The routing topic is
	// topic when non-empty, else update.Topic when non-empty, else
	// AllTopic; the resolved topic is written back into update.Topic
	// before encoding, so every receiver observes it.
	//
	// A direct-socket publisher delivers to each connected subscriber
	// that registered the resolved topic; an unreachable subscriber is
	// dropped, never reported here. Send returns an error only when
	// the update cannot be encoded or the transport as a whole is
	// unusable.
	Send(ctx context.Context, update *Update, topic string) error

	// Close releases the endpoint. In-flight Sends may fail.
	Close() error
}

// Subscriber receives updates and hands them to a callback.
//
// The zero state of every subscriber includes a subscription to
// AllTopic. Configuration methods (Initialize, RegisterListenAddress,
// RegisterTopic and their inverses) may be called before or during
// Run; changes made while running take effect without restarting the
// loop.
type Subscriber interface {
	// Initialize stores the delivery callback. Must be called before
	// Run; transport setup happens lazily inside the run loop.
	Initialize(callback Callback)

	// RegisterListenAddress adds a publisher endpoint to connect to.
	// Duplicate registration is a no-op. The broker and inter-process
	// drivers need no address list and ignore these calls.
	RegisterListenAddress(uri string)

	// UnregisterListenAddress removes an endpoint and drops its
	// connection if live.
	UnregisterListenAddress(uri string)

	// RegisterTopic subscribes to a routing topic. Effective
	// immediately on live connections and replayed after every
	// reconnect.
	RegisterTopic(topic string)

	// UnregisterTopic removes a topic subscription.
	UnregisterTopic(topic string)

	// Run is the blocking receive loop: connect, replay topic
	// subscriptions, deliver updates. On a transport failure it
	// reconnects and delivers exactly one synthetic sync callback
	// before the next real update. Run returns once ctx is cancelled
	// and the transport is released.
	Run(ctx context.Context)

	// Start runs the receive loop on its own goroutine.
	Start(ctx context.Context)

	// Stop cancels a loop started with Start and waits for it to
	// finish. Stop without a prior Start is a no-op.
	Stop()
}

// Driver hands out the publisher and subscriber of one configured
// transport. Every call constructs a fresh, independent instance.
type Driver interface {
	Publisher() Publisher
	Subscriber() Subscriber
}
