// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// subscriberCore holds the state every subscriber implementation
// shares: the consumer callback, the topic and address registration
// sets, and the Start/Stop goroutine harness. Driver code embeds it
// and layers its transport on top.
type subscriberCore struct {
	logger *slog.Logger

	mu        sync.Mutex
	callback  Callback
	topics    map[string]bool
	addresses map[string]bool

	// addressEvents wakes the run loop when the address set changes.
	// Capacity one: a pending wakeup already covers any number of
	// further changes, since the loop re-reads the full set.
	addressEvents chan struct{}

	// deliverMu serializes callback invocations. Transports may read
	// from several connections at once, but the consumer sees one
	// update at a time.
	deliverMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newSubscriberCore(logger *slog.Logger) subscriberCore {
	return subscriberCore{
		logger:        logger,
		topics:        map[string]bool{AllTopic: true},
		addresses:     make(map[string]bool),
		addressEvents: make(chan struct{}, 1),
	}
}

func (core *subscriberCore) setCallback(callback Callback) {
	core.mu.Lock()
	defer core.mu.Unlock()
	core.callback = callback
}

// registerTopic reports whether the topic was newly added.
func (core *subscriberCore) registerTopic(topic string) bool {
	core.mu.Lock()
	defer core.mu.Unlock()
	if core.topics[topic] {
		return false
	}
	core.topics[topic] = true
	return true
}

// unregisterTopic reports whether the topic was present.
func (core *subscriberCore) unregisterTopic(topic string) bool {
	core.mu.Lock()
	defer core.mu.Unlock()
	if !core.topics[topic] {
		return false
	}
	delete(core.topics, topic)
	return true
}

// topicsSnapshot returns the subscription set sorted, for
// deterministic replay after a reconnect.
func (core *subscriberCore) topicsSnapshot() []string {
	core.mu.Lock()
	defer core.mu.Unlock()
	topics := make([]string, 0, len(core.topics))
	for topic := range core.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// registerAddress reports whether the address was newly added and
// wakes the run loop if so.
func (core *subscriberCore) registerAddress(uri string) bool {
	core.mu.Lock()
	added := !core.addresses[uri]
	core.addresses[uri] = true
	core.mu.Unlock()
	if added {
		core.notifyAddressChange()
	}
	return added
}

// unregisterAddress reports whether the address was present and wakes
// the run loop if so.
func (core *subscriberCore) unregisterAddress(uri string) bool {
	core.mu.Lock()
	present := core.addresses[uri]
	delete(core.addresses, uri)
	core.mu.Unlock()
	if present {
		core.notifyAddressChange()
	}
	return present
}

func (core *subscriberCore) addressesSnapshot() []string {
	core.mu.Lock()
	defer core.mu.Unlock()
	addresses := make([]string, 0, len(core.addresses))
	for address := range core.addresses {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	return addresses
}

func (core *subscriberCore) notifyAddressChange() {
	select {
	case core.addressEvents <- struct{}{}:
	default:
	}
}

// deliver invokes the consumer callback with the update's observable
// fields. A subscriber with no callback drops updates silently; that
// is a misuse of the contract, not a transport condition worth
// crashing over.
func (core *subscriberCore) deliver(update *Update) {
	core.mu.Lock()
	callback := core.callback
	core.mu.Unlock()
	if callback == nil {
		return
	}
	core.deliverMu.Lock()
	defer core.deliverMu.Unlock()
	callback(update.Table, update.Key, update.Action, update.Value, update.Topic)
}

// deliverSync fires the synthetic resync marker: empty identity, nil
// value. Consumers treat it as "reload your state".
func (core *subscriberCore) deliverSync() {
	core.deliver(&Update{Action: ActionSync})
}

// start runs the receive loop on its own goroutine. A second start
// while the loop is live is a no-op.
func (core *subscriberCore) start(ctx context.Context, run func(context.Context)) {
	core.runMu.Lock()
	defer core.runMu.Unlock()
	if core.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	core.cancel = cancel
	core.done = done
	go func() {
		defer close(done)
		run(runCtx)
	}()
}

// stop cancels the receive loop and waits for it to return. Calling
// stop with no loop running, including before the first start, is a
// no-op.
func (core *subscriberCore) stop() {
	core.runMu.Lock()
	cancel, done := core.cancel, core.done
	core.cancel, core.done = nil, nil
	core.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
