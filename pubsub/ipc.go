// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tablecast/tablecast/lib/netutil"
)

// ipcDriver is the same-host family: many local publishers push to a
// Unix socket, one subscriber binds it and fans the streams in. The
// usual arrangement is one relay process subscribing and every other
// process on the host publishing.
type ipcDriver struct {
	config Config
}

func newIPCDriver(config Config) (Driver, error) {
	if config.SocketPath == "" {
		return nil, configError(DriverSocketIPC, "socket_path", "path must not be empty")
	}
	return &ipcDriver{config: config}, nil
}

func (driver *ipcDriver) Publisher() Publisher {
	return newIPCPublisher(driver.config)
}

func (driver *ipcDriver) Subscriber() Subscriber {
	return newIPCSubscriber(driver.config)
}

// ipcPublisher pushes updates to the local collector socket. The
// connection is established lazily on the first Send and re-dialed
// after a failure, so publishers can start before the collector binds
// the socket and survive it restarting.
type ipcPublisher struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func newIPCPublisher(config Config) *ipcPublisher {
	return &ipcPublisher{
		config: config,
		logger: config.Logger,
	}
}

// Initialize is a no-op for the inter-process publisher; dialing is
// deferred to Send so startup order between publishers and the
// collector does not matter.
func (publisher *ipcPublisher) Initialize(ctx context.Context) error {
	return nil
}

// Send pushes one update to the collector. A write failure closes the
// connection and retries once on a fresh dial; a second failure
// propagates to the caller.
func (publisher *ipcPublisher) Send(ctx context.Context, update *Update, topic string) error {
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
	defer publisher.mu.Unlock()
	if publisher.closed {
		return fmt.Errorf("pubsub: ipc publisher is closed")
	}

	if err := publisher.writeLocked(ctx, body); err != nil {
		// The collector may have restarted since the last Send; one
		// fresh dial covers that before giving up.
		publisher.dropConnLocked()
		if retryErr := publisher.writeLocked(ctx, body); retryErr != nil {
			publisher.dropConnLocked()
			return fmt.Errorf("pubsub: pushing update to %s: %w", publisher.config.SocketPath, retryErr)
		}
	}
	return nil
}

func (publisher *ipcPublisher) writeLocked(ctx context.Context, body []byte) error {
	if publisher.conn == nil {
		dialer := net.Dialer{Timeout: socketDialTimeout}
		conn, err := dialer.DialContext(ctx, "unix", publisher.config.SocketPath)
		if err != nil {
			return err
		}
		publisher.conn = conn
	}
	publisher.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return writeFrame(publisher.conn, frameData, body)
}

func (publisher *ipcPublisher) dropConnLocked() {
	if publisher.conn != nil {
		publisher.conn.Close()
		publisher.conn = nil
	}
}

func (publisher *ipcPublisher) Close() error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.closed = true
	publisher.dropConnLocked()
	return nil
}

// ipcSubscriber binds the collector socket and fans in every local
// publisher's stream. Topic registrations are tracked but not
// enforced here: the local hop delivers everything, and filtering
// happens where updates cross hosts.
type ipcSubscriber struct {
	subscriberCore
	config Config

	// readers tracks per-connection read loops so Run can drain them
	// before returning.
	readers sync.WaitGroup
}

func newIPCSubscriber(config Config) *ipcSubscriber {
	return &ipcSubscriber{
		subscriberCore: newSubscriberCore(config.Logger),
		config:         config,
	}
}

func (subscriber *ipcSubscriber) Initialize(callback Callback) {
	subscriber.setCallback(callback)
}

// RegisterListenAddress is a no-op: the collector socket path comes
// from configuration and local publishers dial it, not the reverse.
func (subscriber *ipcSubscriber) RegisterListenAddress(uri string) {}

// UnregisterListenAddress is a no-op; see RegisterListenAddress.
func (subscriber *ipcSubscriber) UnregisterListenAddress(uri string) {}

func (subscriber *ipcSubscriber) RegisterTopic(topic string) {
	subscriber.registerTopic(topic)
}

func (subscriber *ipcSubscriber) UnregisterTopic(topic string) {
	subscriber.unregisterTopic(topic)
}

func (subscriber *ipcSubscriber) Start(ctx context.Context) {
	subscriber.start(ctx, subscriber.Run)
}

func (subscriber *ipcSubscriber) Stop() {
	subscriber.stop()
}

// Run binds the collector socket and accepts local publishers until
// ctx is cancelled. Losing the listener forces a re-bind; after a
// re-bind one sync marker tells the consumer that pushes may have
// been lost in between.
func (subscriber *ipcSubscriber) Run(ctx context.Context) {
	rebinds := rate.NewLimiter(rate.Every(time.Second), 1)
	rebinding := false
	for {
		if err := rebinds.Wait(ctx); err != nil {
			return
		}

		listener, err := subscriber.bind(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			subscriber.logger.Warn("collector socket bind failed",
				"path", subscriber.config.SocketPath,
				"error", err,
			)
			rebinding = true
			continue
		}

		if rebinding {
			subscriber.deliverSync()
			rebinding = false
		}
		subscriber.logger.Info("collector socket listening", "path", subscriber.config.SocketPath)

		subscriber.acceptLoop(ctx, listener)
		listener.Close()
		os.Remove(subscriber.config.SocketPath)
		subscriber.readers.Wait()
		if ctx.Err() != nil {
			return
		}
		rebinding = true
	}
}

func (subscriber *ipcSubscriber) bind(ctx context.Context) (net.Listener, error) {
	if err := os.Remove(subscriber.config.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	var listenConfig net.ListenConfig
	return listenConfig.Listen(ctx, "unix", subscriber.config.SocketPath)
}

func (subscriber *ipcSubscriber) acceptLoop(ctx context.Context, listener net.Listener) {
	// Unblock Accept when the context is cancelled.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			listener.Close()
		case <-watchDone:
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			subscriber.logger.Error("collector accept failed", "error", err)
			return
		}
		subscriber.readers.Add(1)
		go func() {
			defer subscriber.readers.Done()
			subscriber.readLoop(ctx, conn)
		}()
	}
}

// readLoop drains one local publisher until it disconnects. Every
// decodable update is delivered; a publisher process exiting is
// routine and costs nothing but a debug line.
func (subscriber *ipcSubscriber) readLoop(ctx context.Context, conn net.Conn) {
	defer conn.Close()

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
			if !netutil.IsExpectedCloseError(err) && ctx.Err() == nil {
				subscriber.logger.Debug("local publisher read failed", "error", err)
			}
			return
		}
		if frameType != frameData {
			subscriber.logger.Debug("ignoring non-data frame from local publisher", "type", frameType)
			continue
		}
		_, envelope, err := splitDataBody(body)
		if err != nil {
			subscriber.logger.Warn("dropping malformed push", "error", err)
			return
		}
		update, err := Unpack(envelope)
		if err != nil {
			subscriber.logger.Warn("dropping undecodable update", "error", err)
			continue
		}
		subscriber.deliver(update)
	}
}
