// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/tablecast/tablecast/lib/netutil"
)

// redisCommandTimeout bounds the broker commands issued outside the
// receive loop (publish, live subscription changes).
const redisCommandTimeout = 5 * time.Second

// redisDriver is the broker family: publish and subscribe both go
// through one Redis node, with the resolved topic as the channel
// name. The broker does the filtering, so there is no subscription
// replay protocol of our own; SUBSCRIBE is the replay.
type redisDriver struct {
	config Config
}

func newRedisDriver(config Config) (Driver, error) {
	if config.BrokerAddress == "" {
		return nil, configError(DriverRedis, "broker_address", "address must not be empty")
	}
	if err := validateHostPort(config.BrokerAddress, false); err != nil {
		return nil, configError(DriverRedis, "broker_address", err.Error())
	}
	return &redisDriver{config: config}, nil
}

func (driver *redisDriver) Publisher() Publisher {
	return newRedisPublisher(driver.config)
}

func (driver *redisDriver) Subscriber() Subscriber {
	return newRedisSubscriber(driver.config)
}

// redisPublisher publishes envelopes with PUBLISH, one channel per
// topic.
type redisPublisher struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	client *redis.Client
}

func newRedisPublisher(config Config) *redisPublisher {
	return &redisPublisher{
		config: config,
		logger: config.Logger,
	}
}

// Initialize connects to the broker and verifies it answers.
func (publisher *redisPublisher) Initialize(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{Addr: publisher.config.BrokerAddress})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("pubsub: broker %s unreachable: %w", publisher.config.BrokerAddress, err)
	}

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if publisher.client != nil {
		client.Close()
		return fmt.Errorf("pubsub: redis publisher already initialized")
	}
	publisher.client = client
	publisher.logger.Info("publisher connected to broker",
		"driver", DriverRedis,
		"address", publisher.config.BrokerAddress,
	)
	return nil
}

func (publisher *redisPublisher) Send(ctx context.Context, update *Update, topic string) error {
	resolved := resolveTopic(update, topic)
	envelope, err := Pack(update, publisher.config.Compression)
	if err != nil {
		return err
	}

	publisher.mu.Lock()
	client := publisher.client
	publisher.mu.Unlock()
	if client == nil {
		return fmt.Errorf("pubsub: redis publisher is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, redisCommandTimeout)
	defer cancel()
	if err := client.Publish(ctx, resolved, envelope).Err(); err != nil {
		return fmt.Errorf("pubsub: publishing to channel %q: %w", resolved, err)
	}
	return nil
}

func (publisher *redisPublisher) Close() error {
	publisher.mu.Lock()
	client := publisher.client
	publisher.client = nil
	publisher.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// redisSubscriber runs one SUBSCRIBE connection against the broker.
// Topic changes while connected are applied live on the subscription;
// a broken connection is re-subscribed from the registered set, with
// one sync marker delivered before the resumed stream.
type redisSubscriber struct {
	subscriberCore
	config Config

	// pubsub is the live subscription, nil while disconnected.
	pubsubMu sync.Mutex
	pubsub   *redis.PubSub
}

func newRedisSubscriber(config Config) *redisSubscriber {
	return &redisSubscriber{
		subscriberCore: newSubscriberCore(config.Logger),
		config:         config,
	}
}

func (subscriber *redisSubscriber) Initialize(callback Callback) {
	subscriber.setCallback(callback)
}

// RegisterListenAddress is a no-op: the broker address comes from
// configuration, and the broker is the only endpoint this subscriber
// talks to.
func (subscriber *redisSubscriber) RegisterListenAddress(uri string) {}

// UnregisterListenAddress is a no-op; see RegisterListenAddress.
func (subscriber *redisSubscriber) UnregisterListenAddress(uri string) {}

func (subscriber *redisSubscriber) RegisterTopic(topic string) {
	if !subscriber.registerTopic(topic) {
		return
	}
	subscriber.changeSubscription(topic, true)
}

func (subscriber *redisSubscriber) UnregisterTopic(topic string) {
	if !subscriber.unregisterTopic(topic) {
		return
	}
	subscriber.changeSubscription(topic, false)
}

// changeSubscription applies a topic change to the live subscription,
// if any. A disconnected subscriber picks the change up from the
// registered set when it reconnects.
func (subscriber *redisSubscriber) changeSubscription(topic string, subscribe bool) {
	subscriber.pubsubMu.Lock()
	pubsub := subscriber.pubsub
	subscriber.pubsubMu.Unlock()
	if pubsub == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisCommandTimeout)
	defer cancel()
	var err error
	if subscribe {
		err = pubsub.Subscribe(ctx, topic)
	} else {
		err = pubsub.Unsubscribe(ctx, topic)
	}
	if err != nil {
		subscriber.logger.Debug("subscription change failed",
			"channel", topic,
			"error", err,
		)
	}
}

func (subscriber *redisSubscriber) setPubSub(pubsub *redis.PubSub) {
	subscriber.pubsubMu.Lock()
	defer subscriber.pubsubMu.Unlock()
	subscriber.pubsub = pubsub
}

func (subscriber *redisSubscriber) Start(ctx context.Context) {
	subscriber.start(ctx, subscriber.Run)
}

func (subscriber *redisSubscriber) Stop() {
	subscriber.stop()
}

// Run blocks until ctx is cancelled, keeping one subscription against
// the broker alive and delivering its messages.
func (subscriber *redisSubscriber) Run(ctx context.Context) {
	client := redis.NewClient(&redis.Options{Addr: subscriber.config.BrokerAddress})
	defer client.Close()

	redials := rate.NewLimiter(rate.Every(time.Second), 1)
	reconnecting := false
	for {
		if err := redials.Wait(ctx); err != nil {
			return
		}

		pubsub := client.Subscribe(ctx, subscriber.topicsSnapshot()...)

		// SUBSCRIBE is lazy; the first Receive forces the connection
		// and returns the broker's confirmation.
		confirmation, err := pubsub.Receive(ctx)
		if err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			subscriber.logger.Warn("broker subscribe failed",
				"address", subscriber.config.BrokerAddress,
				"error", err,
			)
			reconnecting = true
			continue
		}
		if _, ok := confirmation.(*redis.Subscription); !ok {
			subscriber.logger.Debug("unexpected first reply from broker", "reply", fmt.Sprintf("%T", confirmation))
		}

		subscriber.setPubSub(pubsub)
		if reconnecting {
			subscriber.deliverSync()
			reconnecting = false
		}
		subscriber.logger.Info("subscribed to broker", "address", subscriber.config.BrokerAddress)

		err = subscriber.receiveLoop(ctx, pubsub)
		subscriber.setPubSub(nil)
		pubsub.Close()
		if ctx.Err() != nil {
			return
		}
		if !netutil.IsExpectedCloseError(err) {
			subscriber.logger.Warn("broker connection lost", "error", err)
		}
		reconnecting = true
	}
}

// receiveLoop delivers messages until the subscription fails or ctx
// is cancelled. Subscription confirmations and keepalives from the
// broker are control traffic, not updates.
func (subscriber *redisSubscriber) receiveLoop(ctx context.Context, pubsub *redis.PubSub) error {
	for {
		received, err := pubsub.Receive(ctx)
		if err != nil {
			return err
		}
		switch message := received.(type) {
		case *redis.Message:
			update, err := Unpack([]byte(message.Payload))
			if err != nil {
				// An undecodable update is a delivery gap the consumer
				// must hear about; the resubscribe's sync marker is that
				// signal.
				return fmt.Errorf("undecodable update on %q: %w", message.Channel, err)
			}
			subscriber.deliver(update)
		case *redis.Subscription:
			subscriber.logger.Debug("subscription state changed",
				"kind", message.Kind,
				"channel", message.Channel,
				"count", message.Count,
			)
		case *redis.Pong:
			// Keepalive.
		default:
			subscriber.logger.Debug("ignoring unexpected broker reply", "reply", fmt.Sprintf("%T", message))
		}
	}
}
