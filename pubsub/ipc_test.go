// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// openIPC builds one driver handle on a socket under t.TempDir.
func openIPC(t *testing.T) (Driver, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "collector.sock")
	driver, err := Open(Config{Driver: DriverSocketIPC, SocketPath: socketPath, Logger: testLogger})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return driver, socketPath
}

func waitForSocket(t *testing.T, socketPath string) {
	t.Helper()
	waitFor(t, "collector socket to appear", func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	})
}

func TestIPCPushDeliver(t *testing.T) {
	driver, socketPath := openIPC(t)

	callback, results := newCollector()
	subscriber := driver.Subscriber()
	subscriber.Initialize(callback)
	subscriber.Start(context.Background())
	defer subscriber.Stop()
	waitForSocket(t, socketPath)

	publisher := driver.Publisher()
	if err := publisher.Initialize(context.Background()); err != nil {
		t.Fatalf("publisher Initialize failed: %v", err)
	}
	defer publisher.Close()

	sent := NewUpdate("chassis", "unit-3", ActionSet, []byte(`{"fans":2}`))
	if err := publisher.Send(context.Background(), sent, ""); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := awaitDelivery(t, results)
	if got.table != "chassis" || got.key != "unit-3" {
		t.Errorf("identity = %q/%q, want chassis/unit-3", got.table, got.key)
	}
	if got.topic != AllTopic {
		t.Errorf("topic = %q, want %q", got.topic, AllTopic)
	}
}

func TestIPCFanIn(t *testing.T) {
	driver, socketPath := openIPC(t)

	callback, results := newCollector()
	subscriber := driver.Subscriber()
	subscriber.Initialize(callback)
	subscriber.Start(context.Background())
	defer subscriber.Stop()
	waitForSocket(t, socketPath)

	ctx := context.Background()
	for _, key := range []string{"writer-a", "writer-b"} {
		publisher := driver.Publisher()
		if err := publisher.Initialize(ctx); err != nil {
			t.Fatalf("publisher Initialize failed: %v", err)
		}
		defer publisher.Close()
		if err := publisher.Send(ctx, NewUpdate("writers", key, ActionCreate, nil), ""); err != nil {
			t.Fatalf("Send from %s failed: %v", key, err)
		}
	}

	seen := map[string]bool{}
	for range 2 {
		seen[awaitDelivery(t, results).key] = true
	}
	if !seen["writer-a"] || !seen["writer-b"] {
		t.Errorf("fan-in delivered %v, want both writers", seen)
	}
}

func TestIPCSendWithoutCollector(t *testing.T) {
	driver, socketPath := openIPC(t)

	publisher := driver.Publisher()
	if err := publisher.Initialize(context.Background()); err != nil {
		t.Fatalf("publisher Initialize failed: %v", err)
	}
	defer publisher.Close()

	// No subscriber bound yet: the push has nowhere to go and the
	// failure belongs to the caller.
	if err := publisher.Send(context.Background(), NewUpdate("t", "k", ActionSet, nil), ""); err == nil {
		t.Fatal("Send without a bound collector should fail")
	}

	// Once the collector binds, the same publisher recovers on its
	// next Send with no re-initialization.
	callback, results := newCollector()
	subscriber := driver.Subscriber()
	subscriber.Initialize(callback)
	subscriber.Start(context.Background())
	defer subscriber.Stop()
	waitForSocket(t, socketPath)

	if err := publisher.Send(context.Background(), NewUpdate("t", "k2", ActionSet, nil), ""); err != nil {
		t.Fatalf("Send after collector bind failed: %v", err)
	}
	if got := awaitDelivery(t, results); got.key != "k2" {
		t.Errorf("delivery key = %q, want k2", got.key)
	}
}

func TestIPCDeliversEveryTopic(t *testing.T) {
	driver, socketPath := openIPC(t)

	callback, results := newCollector()
	subscriber := driver.Subscriber()
	subscriber.Initialize(callback)
	subscriber.RegisterTopic("t1")
	subscriber.Start(context.Background())
	defer subscriber.Stop()
	waitForSocket(t, socketPath)

	publisher := driver.Publisher()
	if err := publisher.Initialize(context.Background()); err != nil {
		t.Fatalf("publisher Initialize failed: %v", err)
	}
	defer publisher.Close()

	// The local hop is unfiltered: the collector aggregates every
	// update on the host, whatever its topic.
	ctx := context.Background()
	for _, topic := range []string{"t1", "t2", AllTopic} {
		if err := publisher.Send(ctx, NewUpdate("flows", "k-"+topic, ActionSet, nil), topic); err != nil {
			t.Fatalf("Send(%s) failed: %v", topic, err)
		}
	}
	for _, wantTopic := range []string{"t1", "t2", AllTopic} {
		if got := awaitDelivery(t, results); got.topic != wantTopic {
			t.Errorf("delivery topic = %q, want %q", got.topic, wantTopic)
		}
	}
}

func TestIPCSubscriberStopRemovesSocket(t *testing.T) {
	driver, socketPath := openIPC(t)

	callback, results := newCollector()
	subscriber := driver.Subscriber()
	subscriber.Initialize(callback)
	subscriber.Start(context.Background())
	waitForSocket(t, socketPath)

	subscriber.Stop()

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket file should be removed after Stop, stat err = %v", err)
	}
	expectQuiet(t, results, 200*time.Millisecond)
}

func TestIPCPublisherSendAfterClose(t *testing.T) {
	driver, _ := openIPC(t)

	publisher := driver.Publisher()
	if err := publisher.Initialize(context.Background()); err != nil {
		t.Fatalf("publisher Initialize failed: %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := publisher.Send(context.Background(), NewUpdate("t", "k", ActionSet, nil), ""); err == nil {
		t.Fatal("Send after Close should fail")
	}
}
