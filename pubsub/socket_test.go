// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// received is one callback invocation captured by newCollector.
type received struct {
	table  string
	key    string
	action Action
	value  []byte
	topic  string
}

func newCollector() (Callback, chan received) {
	results := make(chan received, 64)
	callback := func(table, key string, action Action, value []byte, topic string) {
		results <- received{table: table, key: key, action: action, value: value, topic: topic}
	}
	return callback, results
}

func awaitDelivery(t *testing.T, results chan received) received {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a delivery")
		return received{}
	}
}

func expectQuiet(t *testing.T, results chan received, wait time.Duration) {
	t.Helper()
	select {
	case r := <-results:
		t.Fatalf("unexpected delivery: table=%q key=%q topic=%q action=%q", r.table, r.key, r.topic, r.action)
	case <-time.After(wait):
	}
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startSocketPublisherWith binds a publisher on an ephemeral port and
// returns it with its dialable address. Port zero skips the
// configured-port validation deliberately; Open's checks are covered
// separately.
func startSocketPublisherWith(t *testing.T, config Config) (*socketPublisher, string) {
	t.Helper()
	if config.Logger == nil {
		config.Logger = testLogger
	}
	publisher := newSocketPublisher(config)
	if err := publisher.Initialize(context.Background()); err != nil {
		t.Fatalf("publisher Initialize failed: %v", err)
	}
	t.Cleanup(func() { publisher.Close() })
	return publisher, publisher.listener.Addr().String()
}

// subscribedLinks counts publisher-side connections subscribed to
// topic, for tests to wait on before sending.
func subscribedLinks(publisher *socketPublisher, topic string) int {
	publisher.mu.Lock()
	links := make([]*publisherLink, 0, len(publisher.links))
	for link := range publisher.links {
		links = append(links, link)
	}
	publisher.mu.Unlock()

	count := 0
	for _, link := range links {
		if link.wantsTopic(topic) {
			count++
		}
	}
	return count
}

func firstLink(publisher *socketPublisher) *publisherLink {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	for link := range publisher.links {
		return link
	}
	return nil
}

func TestSocketPublishSubscribe(t *testing.T) {
	publisher, address := startSocketPublisherWith(t, Config{BindAddress: "127.0.0.1", Logger: testLogger})

	callback, results := newCollector()
	subscriber := newSocketSubscriber(Config{Logger: testLogger})
	subscriber.Initialize(callback)
	subscriber.RegisterListenAddress("tcp://" + address)
	subscriber.Start(context.Background())
	defer subscriber.Stop()

	waitFor(t, "subscription to reach the publisher", func() bool {
		return subscribedLinks(publisher, AllTopic) == 1
	})

	sent := NewUpdate("ports", "port-1", ActionCreate, []byte(`{"state":"up"}`))
	if err := publisher.Send(context.Background(), sent, ""); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := awaitDelivery(t, results)
	if got.table != "ports" || got.key != "port-1" {
		t.Errorf("identity = %q/%q, want ports/port-1", got.table, got.key)
	}
	if got.action != ActionCreate {
		t.Errorf("action = %q, want %q", got.action, ActionCreate)
	}
	if !bytes.Equal(got.value, sent.Value) {
		t.Errorf("value = %q, want %q", got.value, sent.Value)
	}
	if got.topic != AllTopic {
		t.Errorf("topic = %q, want %q (unset topics resolve to the all topic)", got.topic, AllTopic)
	}
}

func TestSocketTopicFiltering(t *testing.T) {
	publisher, address := startSocketPublisherWith(t, Config{BindAddress: "127.0.0.1", Logger: testLogger})

	callback, results := newCollector()
	subscriber := newSocketSubscriber(Config{Logger: testLogger})
	subscriber.Initialize(callback)
	subscriber.RegisterTopic("t1")
	subscriber.RegisterListenAddress("tcp://" + address)
	subscriber.Start(context.Background())
	defer subscriber.Stop()

	waitFor(t, "both subscriptions to reach the publisher", func() bool {
		return subscribedLinks(publisher, "t1") == 1 && subscribedLinks(publisher, AllTopic) == 1
	})

	ctx := context.Background()
	for _, topic := range []string{"t1", "t2", AllTopic} {
		if err := publisher.Send(ctx, NewUpdate("flows", "k-"+topic, ActionSet, nil), topic); err != nil {
			t.Fatalf("Send(%s) failed: %v", topic, err)
		}
	}

	// The t2 update must be filtered out on the publisher side, so
	// only t1 and all arrive, in wire order.
	first := awaitDelivery(t, results)
	if first.topic != "t1" {
		t.Errorf("first delivery topic = %q, want t1", first.topic)
	}
	second := awaitDelivery(t, results)
	if second.topic != AllTopic {
		t.Errorf("second delivery topic = %q, want %q", second.topic, AllTopic)
	}
	expectQuiet(t, results, 200*time.Millisecond)
}

func TestSocketResyncAfterConnectionDrop(t *testing.T) {
	publisher, address := startSocketPublisherWith(t, Config{BindAddress: "127.0.0.1", Logger: testLogger})

	callback, results := newCollector()
	subscriber := newSocketSubscriber(Config{Logger: testLogger})
	subscriber.Initialize(callback)
	subscriber.RegisterListenAddress(address)
	subscriber.Start(context.Background())
	defer subscriber.Stop()

	waitFor(t, "subscription to reach the publisher", func() bool {
		return subscribedLinks(publisher, AllTopic) == 1
	})

	ctx := context.Background()
	if err := publisher.Send(ctx, NewUpdate("flows", "before", ActionSet, nil), ""); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := awaitDelivery(t, results); got.key != "before" {
		t.Fatalf("delivery key = %q, want before", got.key)
	}

	// Sever the connection publisher-side; the subscriber must
	// reconnect and announce the gap with exactly one sync marker.
	publisher.dropLink(firstLink(publisher))

	waitFor(t, "subscriber to reconnect", func() bool {
		return subscribedLinks(publisher, AllTopic) == 1
	})

	sync := awaitDelivery(t, results)
	if sync.action != ActionSync {
		t.Fatalf("first post-reconnect delivery action = %q, want %q", sync.action, ActionSync)
	}
	if sync.table != "" || sync.key != "" || sync.value != nil {
		t.Errorf("sync marker should carry no data, got table=%q key=%q value=%v", sync.table, sync.key, sync.value)
	}

	if err := publisher.Send(ctx, NewUpdate("flows", "after", ActionSet, nil), ""); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got := awaitDelivery(t, results)
	if got.action == ActionSync {
		t.Fatal("resync marker delivered more than once for a single reconnect")
	}
	if got.key != "after" {
		t.Errorf("delivery key = %q, want after", got.key)
	}
}

func TestSocketRegisterTopicWhileRunning(t *testing.T) {
	publisher, address := startSocketPublisherWith(t, Config{BindAddress: "127.0.0.1", Logger: testLogger})

	callback, results := newCollector()
	subscriber := newSocketSubscriber(Config{Logger: testLogger})
	subscriber.Initialize(callback)
	subscriber.RegisterListenAddress(address)
	subscriber.Start(context.Background())
	defer subscriber.Stop()

	waitFor(t, "initial subscription", func() bool {
		return subscribedLinks(publisher, AllTopic) == 1
	})

	subscriber.RegisterTopic("t9")
	waitFor(t, "live topic registration", func() bool {
		return subscribedLinks(publisher, "t9") == 1
	})

	ctx := context.Background()
	if err := publisher.Send(ctx, NewUpdate("flows", "k1", ActionSet, nil), "t9"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := awaitDelivery(t, results); got.topic != "t9" {
		t.Errorf("delivery topic = %q, want t9", got.topic)
	}

	subscriber.UnregisterTopic("t9")
	waitFor(t, "live topic unregistration", func() bool {
		return subscribedLinks(publisher, "t9") == 0
	})

	if err := publisher.Send(ctx, NewUpdate("flows", "k2", ActionSet, nil), "t9"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	// The t9 update must not arrive; a follow-up on the all topic
	// proves the pipeline is still alive rather than just slow.
	if err := publisher.Send(ctx, NewUpdate("flows", "k3", ActionSet, nil), ""); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := awaitDelivery(t, results); got.key != "k3" {
		t.Errorf("delivery key = %q, want k3 (k2 should have been filtered)", got.key)
	}
}

func TestSocketUnregisterAddressDisconnects(t *testing.T) {
	publisher, address := startSocketPublisherWith(t, Config{BindAddress: "127.0.0.1", Logger: testLogger})

	callback, results := newCollector()
	subscriber := newSocketSubscriber(Config{Logger: testLogger})
	subscriber.Initialize(callback)
	subscriber.RegisterListenAddress(address)
	subscriber.Start(context.Background())
	defer subscriber.Stop()

	waitFor(t, "subscription to reach the publisher", func() bool {
		return subscribedLinks(publisher, AllTopic) == 1
	})

	subscriber.UnregisterListenAddress(address)
	waitFor(t, "publisher to lose the connection", func() bool {
		publisher.mu.Lock()
		defer publisher.mu.Unlock()
		return len(publisher.links) == 0
	})

	if err := publisher.Send(context.Background(), NewUpdate("flows", "gone", ActionSet, nil), ""); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	expectQuiet(t, results, 200*time.Millisecond)

	// Re-registering dials fresh and deliveries resume.
	subscriber.RegisterListenAddress(address)
	waitFor(t, "resubscription", func() bool {
		return subscribedLinks(publisher, AllTopic) == 1
	})
	if err := publisher.Send(context.Background(), NewUpdate("flows", "back", ActionSet, nil), ""); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := awaitDelivery(t, results); got.key != "back" {
		t.Errorf("delivery key = %q, want back", got.key)
	}
}

func TestSocketSubscriberStop(t *testing.T) {
	publisher, address := startSocketPublisherWith(t, Config{BindAddress: "127.0.0.1", Logger: testLogger})

	callback, results := newCollector()
	subscriber := newSocketSubscriber(Config{Logger: testLogger})
	subscriber.Initialize(callback)
	subscriber.RegisterListenAddress(address)
	subscriber.Start(context.Background())

	waitFor(t, "subscription to reach the publisher", func() bool {
		return subscribedLinks(publisher, AllTopic) == 1
	})

	subscriber.Stop()

	if err := publisher.Send(context.Background(), NewUpdate("flows", "late", ActionSet, nil), ""); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	expectQuiet(t, results, 200*time.Millisecond)
}

func TestSocketSubscriberStopBeforeStart(t *testing.T) {
	subscriber := newSocketSubscriber(Config{Logger: testLogger})
	done := make(chan struct{})
	go func() {
		subscriber.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop before Start should return immediately")
	}
}

func TestSocketPublisherCloseIdempotent(t *testing.T) {
	publisher, _ := startSocketPublisherWith(t, Config{BindAddress: "127.0.0.1", Logger: testLogger})
	if err := publisher.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestSocketSendBeforeInitialize(t *testing.T) {
	publisher := newSocketPublisher(Config{Logger: testLogger})
	err := publisher.Send(context.Background(), NewUpdate("t", "k", ActionSet, nil), "")
	if err == nil {
		t.Fatal("Send before Initialize should fail")
	}
}
