// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"context"
	"os"
	"slices"
	"testing"
	"time"
)

func TestRedisSendBeforeInitialize(t *testing.T) {
	publisher := newRedisPublisher(Config{BrokerAddress: "localhost:6379", Logger: testLogger})
	err := publisher.Send(context.Background(), NewUpdate("t", "k", ActionSet, nil), "")
	if err == nil {
		t.Fatal("Send before Initialize should fail")
	}
}

func TestRedisCloseBeforeInitialize(t *testing.T) {
	publisher := newRedisPublisher(Config{BrokerAddress: "localhost:6379", Logger: testLogger})
	if err := publisher.Close(); err != nil {
		t.Fatalf("Close on an uninitialized publisher failed: %v", err)
	}
}

func TestRedisSubscriberTopicBookkeeping(t *testing.T) {
	subscriber := newRedisSubscriber(Config{BrokerAddress: "localhost:6379", Logger: testLogger})

	// Address registration has no meaning for a broker driver.
	subscriber.RegisterListenAddress("tcp://10.0.0.1:8866")
	subscriber.UnregisterListenAddress("tcp://10.0.0.1:8866")

	subscriber.RegisterTopic("t1")
	subscriber.RegisterTopic("t1")
	subscriber.RegisterTopic("t2")
	subscriber.UnregisterTopic("t2")
	subscriber.UnregisterTopic("never-registered")

	got := subscriber.topicsSnapshot()
	want := []string{AllTopic, "t1"}
	if !slices.Equal(got, want) {
		t.Errorf("topics = %v, want %v", got, want)
	}
}

// TestRedisEndToEnd needs a reachable broker; point TABLECAST_REDIS_ADDR
// at one (e.g. localhost:6379) to run it.
func TestRedisEndToEnd(t *testing.T) {
	address := os.Getenv("TABLECAST_REDIS_ADDR")
	if address == "" {
		t.Skip("TABLECAST_REDIS_ADDR not set")
	}

	config := Config{Driver: DriverRedis, BrokerAddress: address, Logger: testLogger}
	driver, err := Open(config)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ctx := context.Background()
	publisher := driver.Publisher()
	if err := publisher.Initialize(ctx); err != nil {
		t.Fatalf("publisher Initialize failed: %v", err)
	}
	defer publisher.Close()

	callback, results := newCollector()
	subscriber := driver.Subscriber()
	subscriber.Initialize(callback)
	subscriber.RegisterTopic("t1")
	subscriber.Start(ctx)
	defer subscriber.Stop()

	// SUBSCRIBE needs a moment to take effect broker-side; retry the
	// first publish until it lands.
	waitFor(t, "first delivery through the broker", func() bool {
		if err := publisher.Send(ctx, NewUpdate("flows", "k1", ActionSet, nil), "t1"); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		select {
		case got := <-results:
			if got.key != "k1" || got.topic != "t1" {
				t.Fatalf("delivery = %q/%q, want k1/t1", got.key, got.topic)
			}
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	})

	// A topic nobody subscribed stays with the broker.
	if err := publisher.Send(ctx, NewUpdate("flows", "k2", ActionSet, nil), "t-unwatched"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := publisher.Send(ctx, NewUpdate("flows", "k3", ActionSet, nil), AllTopic); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := awaitDelivery(t, results); got.key != "k3" {
		t.Errorf("delivery key = %q, want k3 (k2 went to an unwatched channel)", got.key)
	}
}
