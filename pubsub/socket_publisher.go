// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tablecast/tablecast/lib/netutil"
)

// socketPublisher fans updates out over TCP. Every subscriber
// connection carries its own subscription set, maintained from the
// subscribe and unsubscribe control frames the subscriber sends; Send
// writes one data frame to each connection subscribed to the update's
// resolved topic.
type socketPublisher struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	links    map[*publisherLink]bool
	closed   bool

	// loops tracks the accept loop and one control loop per
	// connection; Close waits for all of them.
	loops sync.WaitGroup
}

// publisherLink is one subscriber connection on the publisher side.
// The mutex serializes frame writes and guards the topic set.
type publisherLink struct {
	conn net.Conn

	mu     sync.Mutex
	topics map[string]bool
}

func newSocketPublisher(config Config) *socketPublisher {
	return &socketPublisher{
		config: config,
		logger: config.Logger,
		links:  make(map[*publisherLink]bool),
	}
}

// Initialize binds the listener and starts accepting subscribers.
func (publisher *socketPublisher) Initialize(ctx context.Context) error {
	address := net.JoinHostPort(publisher.config.BindAddress, strconv.Itoa(publisher.config.Port))
	var listenConfig net.ListenConfig
	listener, err := listenConfig.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("pubsub: listening on %s: %w", address, err)
	}

	publisher.mu.Lock()
	switch {
	case publisher.closed:
		publisher.mu.Unlock()
		listener.Close()
		return fmt.Errorf("pubsub: socket publisher is closed")
	case publisher.listener != nil:
		publisher.mu.Unlock()
		listener.Close()
		return fmt.Errorf("pubsub: socket publisher already initialized")
	}
	publisher.listener = listener
	publisher.mu.Unlock()

	publisher.logger.Info("publisher listening",
		"driver", DriverSocket,
		"address", listener.Addr().String(),
	)

	publisher.loops.Add(1)
	go func() {
		defer publisher.loops.Done()
		publisher.acceptLoop(listener)
	}()
	return nil
}

func (publisher *socketPublisher) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			publisher.logger.Error("accept failed", "error", err)
			continue
		}

		link := &publisherLink{conn: conn, topics: make(map[string]bool)}
		publisher.mu.Lock()
		if publisher.closed {
			publisher.mu.Unlock()
			conn.Close()
			return
		}
		publisher.links[link] = true
		publisher.mu.Unlock()

		publisher.logger.Debug("subscriber connected", "remote", conn.RemoteAddr().String())
		publisher.loops.Add(1)
		go func() {
			defer publisher.loops.Done()
			publisher.controlLoop(link)
		}()
	}
}

// controlLoop reads subscription changes off one connection until it
// fails or closes. The connection dies with the loop.
func (publisher *socketPublisher) controlLoop(link *publisherLink) {
	defer publisher.dropLink(link)
	for {
		frameType, body, err := readFrame(link.conn)
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				publisher.logger.Debug("subscriber control read failed",
					"remote", link.conn.RemoteAddr().String(),
					"error", err,
				)
			}
			return
		}
		switch frameType {
		case frameSubscribe:
			link.setTopic(string(body), true)
		case frameUnsubscribe:
			link.setTopic(string(body), false)
		default:
			publisher.logger.Debug("ignoring unexpected frame from subscriber",
				"remote", link.conn.RemoteAddr().String(),
				"type", frameType,
			)
		}
	}
}

func (publisher *socketPublisher) dropLink(link *publisherLink) {
	link.conn.Close()
	publisher.mu.Lock()
	delete(publisher.links, link)
	publisher.mu.Unlock()
}

// Send packs the update once and fans it out to every connection
// subscribed to its resolved topic. Connections whose write fails are
// dropped; a dead subscriber never fails the publish for the rest.
func (publisher *socketPublisher) Send(ctx context.Context, update *Update, topic string) error {
	resolved := resolveTopic(update, topic)
	envelope, err := Pack(update, publisher.config.Compression)
	if err != nil {
		return err
	}
	body, err := encodeDataBody(resolved, envelope)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	publisher.mu.Lock()
	if publisher.listener == nil {
		publisher.mu.Unlock()
		return fmt.Errorf("pubsub: socket publisher is not initialized")
	}
	links := make([]*publisherLink, 0, len(publisher.links))
	for link := range publisher.links {
		links = append(links, link)
	}
	publisher.mu.Unlock()

	for _, link := range links {
		if !link.wantsTopic(resolved) {
			continue
		}
		if err := link.writeData(body); err != nil {
			if !netutil.IsExpectedCloseError(err) {
				publisher.logger.Warn("dropping subscriber after write failure",
					"remote", link.conn.RemoteAddr().String(),
					"error", err,
				)
			}
			publisher.dropLink(link)
		}
	}
	return nil
}

// Close stops the listener, closes every connection, and waits for
// the loops to drain. Closing twice is a no-op.
func (publisher *socketPublisher) Close() error {
	publisher.mu.Lock()
	if publisher.closed {
		publisher.mu.Unlock()
		return nil
	}
	publisher.closed = true
	listener := publisher.listener
	links := make([]*publisherLink, 0, len(publisher.links))
	for link := range publisher.links {
		links = append(links, link)
	}
	publisher.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, link := range links {
		link.conn.Close()
	}
	publisher.loops.Wait()
	return nil
}

func (link *publisherLink) setTopic(topic string, subscribed bool) {
	link.mu.Lock()
	defer link.mu.Unlock()
	if subscribed {
		link.topics[topic] = true
	} else {
		delete(link.topics, topic)
	}
}

func (link *publisherLink) wantsTopic(topic string) bool {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.topics[topic]
}

// writeData writes a data frame under the link's write lock with a
// deadline, so one stalled subscriber cannot wedge the fan-out.
func (link *publisherLink) writeData(body []byte) error {
	link.mu.Lock()
	defer link.mu.Unlock()
	link.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return writeFrame(link.conn, frameData, body)
}
