// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tablecast/tablecast/lib/netutil"
)

// socketSubscriber dials every registered publisher address and runs
// one receive loop per connection. Run is a supervisor: it reconciles
// workers against the registered address set whenever the set
// changes, each worker owning the dial/replay/receive/redial cycle
// for one publisher.
type socketSubscriber struct {
	subscriberCore
	config Config

	// links holds the live connection per address so subscription
	// changes reach connected publishers immediately.
	linksMu sync.Mutex
	links   map[string]*subscriberLink
}

// subscriberLink is one publisher connection on the subscriber side.
// The mutex serializes control frame writes; the receive loop is the
// connection's only reader.
type subscriberLink struct {
	mu   sync.Mutex
	conn net.Conn
}

func (link *subscriberLink) writeControl(frameType byte, topic string) error {
	link.mu.Lock()
	defer link.mu.Unlock()
	link.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return writeFrame(link.conn, frameType, []byte(topic))
}

func newSocketSubscriber(config Config) *socketSubscriber {
	return &socketSubscriber{
		subscriberCore: newSubscriberCore(config.Logger),
		config:         config,
		links:          make(map[string]*subscriberLink),
	}
}

func (subscriber *socketSubscriber) Initialize(callback Callback) {
	subscriber.setCallback(callback)
}

func (subscriber *socketSubscriber) RegisterListenAddress(uri string) {
	subscriber.registerAddress(uri)
}

func (subscriber *socketSubscriber) UnregisterListenAddress(uri string) {
	subscriber.unregisterAddress(uri)
}

func (subscriber *socketSubscriber) RegisterTopic(topic string) {
	if !subscriber.registerTopic(topic) {
		return
	}
	subscriber.broadcastControl(frameSubscribe, topic)
}

func (subscriber *socketSubscriber) UnregisterTopic(topic string) {
	if !subscriber.unregisterTopic(topic) {
		return
	}
	subscriber.broadcastControl(frameUnsubscribe, topic)
}

// broadcastControl pushes a subscription change to every live
// connection. Write failures are left to the receive loop; a
// connection that cannot take a five-byte control frame is about to
// die anyway.
func (subscriber *socketSubscriber) broadcastControl(frameType byte, topic string) {
	subscriber.linksMu.Lock()
	links := make([]*subscriberLink, 0, len(subscriber.links))
	for _, link := range subscriber.links {
		links = append(links, link)
	}
	subscriber.linksMu.Unlock()

	for _, link := range links {
		if err := link.writeControl(frameType, topic); err != nil && !netutil.IsExpectedCloseError(err) {
			subscriber.logger.Debug("subscription control write failed", "topic", topic, "error", err)
		}
	}
}

func (subscriber *socketSubscriber) Start(ctx context.Context) {
	subscriber.start(ctx, subscriber.Run)
}

func (subscriber *socketSubscriber) Stop() {
	subscriber.stop()
}

// Run blocks until ctx is cancelled, keeping one worker per
// registered address alive. Addresses registered while running get a
// worker on the next wakeup; unregistered ones have their worker
// cancelled and drained.
func (subscriber *socketSubscriber) Run(ctx context.Context) {
	type worker struct {
		cancel context.CancelFunc
		done   chan struct{}
	}
	workers := make(map[string]*worker)
	defer func() {
		for _, w := range workers {
			w.cancel()
		}
		for _, w := range workers {
			<-w.done
		}
	}()

	for {
		current := make(map[string]bool)
		for _, address := range subscriber.addressesSnapshot() {
			current[address] = true
		}

		for address, w := range workers {
			if current[address] {
				continue
			}
			w.cancel()
			<-w.done
			delete(workers, address)
		}

		for address := range current {
			if _, running := workers[address]; running {
				continue
			}
			workerCtx, cancel := context.WithCancel(ctx)
			w := &worker{cancel: cancel, done: make(chan struct{})}
			workers[address] = w
			go func(address string) {
				defer close(w.done)
				subscriber.runAddress(workerCtx, address)
			}(address)
		}

		select {
		case <-ctx.Done():
			return
		case <-subscriber.addressEvents:
		}
	}
}

// runAddress owns one publisher connection: dial, replay the
// subscription set, deliver frames, redial on failure. Redials are
// paced by a token bucket so a dead publisher costs one attempt per
// second, not a busy loop.
func (subscriber *socketSubscriber) runAddress(ctx context.Context, uri string) {
	address, err := parseListenAddress(uri)
	if err != nil {
		subscriber.logger.Error("ignoring unusable listen address", "uri", uri, "error", err)
		return
	}

	redials := rate.NewLimiter(rate.Every(time.Second), 1)
	reconnecting := false
	for {
		if err := redials.Wait(ctx); err != nil {
			return
		}

		dialer := net.Dialer{Timeout: socketDialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			subscriber.logger.Warn("publisher dial failed", "address", address, "error", err)
			reconnecting = true
			continue
		}

		// Track before replaying: a topic registered mid-replay is
		// then either in the replay snapshot or broadcast to the
		// tracked link, and a duplicate subscribe frame is harmless.
		link := &subscriberLink{conn: conn}
		subscriber.trackLink(uri, link)
		if err := subscriber.replayTopics(link); err != nil {
			subscriber.untrackLink(uri, link)
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			subscriber.logger.Warn("subscription replay failed", "address", address, "error", err)
			reconnecting = true
			continue
		}

		if reconnecting {
			// An unknown number of updates passed while disconnected;
			// one sync marker tells the consumer to reload before the
			// new connection's updates arrive.
			subscriber.deliverSync()
			reconnecting = false
		}
		subscriber.logger.Info("subscribed to publisher", "address", address)

		err = subscriber.receiveLoop(ctx, conn)
		subscriber.untrackLink(uri, link)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		if netutil.IsExpectedCloseError(err) {
			subscriber.logger.Info("publisher connection closed", "address", address)
		} else {
			subscriber.logger.Warn("publisher connection lost", "address", address, "error", err)
		}
		reconnecting = true
	}
}

func (subscriber *socketSubscriber) replayTopics(link *subscriberLink) error {
	for _, topic := range subscriber.topicsSnapshot() {
		if err := link.writeControl(frameSubscribe, topic); err != nil {
			return err
		}
	}
	return nil
}

func (subscriber *socketSubscriber) trackLink(uri string, link *subscriberLink) {
	subscriber.linksMu.Lock()
	defer subscriber.linksMu.Unlock()
	subscriber.links[uri] = link
}

func (subscriber *socketSubscriber) untrackLink(uri string, link *subscriberLink) {
	subscriber.linksMu.Lock()
	defer subscriber.linksMu.Unlock()
	if subscriber.links[uri] == link {
		delete(subscriber.links, uri)
	}
}

// receiveLoop delivers data frames until the connection fails or ctx
// is cancelled. Closing the connection is the only way to unblock a
// pending read, so a watcher goroutine ties the two together.
func (subscriber *socketSubscriber) receiveLoop(ctx context.Context, conn net.Conn) error {
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	for {
		frameType, body, err := readFrame(conn)
		if err != nil {
			return err
		}
		if frameType != frameData {
			subscriber.logger.Debug("ignoring non-data frame from publisher", "type", frameType)
			continue
		}
		_, envelope, err := splitDataBody(body)
		if err != nil {
			return fmt.Errorf("malformed data frame: %w", err)
		}
		update, err := Unpack(envelope)
		if err != nil {
			// An undecodable update is a delivery gap the consumer must
			// hear about; the reconnect's sync marker is that signal.
			return fmt.Errorf("undecodable update: %w", err)
		}
		subscriber.deliver(update)
	}
}
