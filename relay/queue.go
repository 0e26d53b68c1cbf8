// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/tablecast/tablecast/pubsub"
)

// queue is the bounded buffer between the inter-process subscriber's
// callback and the forward loop. Push never blocks: when the queue is
// full, whichever update sorts last in dispatch order (the incoming
// one included) is dropped and counted. The relay loses the least
// urgent update rather than stalling local writers or exhausting
// memory.
//
// The notify channel (capacity 1) wakes the forward loop; it selects
// on Notify() alongside context cancellation.
//
// Thread-safe: all methods may be called concurrently.
type queue struct {
	mu       sync.Mutex
	heap     updateHeap
	capacity int
	dropped  uint64
	notify   chan struct{}
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		panic(fmt.Sprintf("queue: capacity must be positive, got %d", capacity))
	}
	return &queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push adds an update, evicting the last-in-order buffered update
// when full. If the incoming update itself sorts last, it is the one
// dropped.
func (q *queue) Push(update *pubsub.Update) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) >= q.capacity {
		// The heap property only orders the front; finding the
		// eviction victim is a scan. Overflow is the rare path, the
		// scan does not run per update.
		last := 0
		for i := 1; i < len(q.heap); i++ {
			if q.heap[last].Less(q.heap[i]) {
				last = i
			}
		}
		if !update.Less(q.heap[last]) {
			q.dropped++
			return
		}
		heap.Remove(&q.heap, last)
		q.dropped++
	}

	heap.Push(&q.heap, update)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the first update in dispatch order, or nil
// when the queue is empty.
func (q *queue) Pop() *pubsub.Update {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*pubsub.Update)
}

// Len returns the number of buffered updates.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Dropped returns the number of updates dropped to overflow since
// creation.
func (q *queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Notify returns the channel that receives a signal (at most one
// outstanding) after each Push.
func (q *queue) Notify() <-chan struct{} {
	return q.notify
}

// updateHeap orders updates by Update.Less: priority, then timestamp,
// then key.
type updateHeap []*pubsub.Update

func (h updateHeap) Len() int           { return len(h) }
func (h updateHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h updateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *updateHeap) Push(x any) {
	*h = append(*h, x.(*pubsub.Update))
}

func (h *updateHeap) Pop() any {
	old := *h
	n := len(old)
	update := old[n-1]
	old[n-1] = nil // release for GC
	*h = old[:n-1]
	return update
}
