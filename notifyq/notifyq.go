// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package notifyq implements the bounded cross-thread message queue that
// carries accepted connections from the listener's loop to a consumer loop.
//
// Producers call TryEnqueue, which never blocks: admission control happens
// at the producer by failing the enqueue when the queue is at capacity. The
// consumer drains messages on its own event loop, at most maxReadPerWake per
// wakeup so a deep queue cannot starve the loop's other work.
package notifyq

import (
	"sync"

	"github.com/eapache/queue"
)

// Loop is the part of an event loop the consumer needs: thread-affine task
// execution in submission order.
type Loop interface {
	RunOnLoop(fn func())
}

// Queue is a bounded FIFO of messages consumed on a single event loop.
type Queue[M any] struct {
	mu       sync.Mutex
	ring     *queue.Queue
	draining bool
	stopped  bool

	loop       Loop
	maxPerWake int
	consume    func(M)
	discard    func(M)
}

// New returns an unstarted queue. Enqueues before StartConsumer succeed (up
// to cap) and are delivered once the consumer starts.
func New[M any]() *Queue[M] {
	return &Queue[M]{ring: queue.New()}
}

// StartConsumer binds the queue to its owning loop. consume runs on the loop
// for each message in FIFO order. discard, if non-nil, is called (also on
// the loop) for messages still queued when StopConsumer is invoked.
func (q *Queue[M]) StartConsumer(loop Loop, maxPerWake int, consume func(M), discard func(M)) {
	if maxPerWake <= 0 {
		maxPerWake = 1
	}
	q.mu.Lock()
	q.loop = loop
	q.maxPerWake = maxPerWake
	q.consume = consume
	q.discard = discard
	pending := q.ring.Length() > 0 && !q.draining
	if pending {
		q.draining = true
	}
	q.mu.Unlock()

	if pending {
		loop.RunOnLoop(q.drain)
	}
}

// TryEnqueue appends m unless the queue already holds maxLen messages; a
// maxLen of zero or less means no cap. Returns false when full or stopped.
// Never blocks.
func (q *Queue[M]) TryEnqueue(m M, maxLen int) bool {
	q.mu.Lock()
	if q.stopped || (maxLen > 0 && q.ring.Length() >= maxLen) {
		q.mu.Unlock()
		return false
	}
	q.ring.Add(m)
	wake := q.loop != nil && !q.draining
	if wake {
		q.draining = true
	}
	loop := q.loop
	q.mu.Unlock()

	if wake {
		loop.RunOnLoop(q.drain)
	}
	return true
}

// drain runs on the consumer loop. It executes up to maxPerWake messages,
// then reschedules itself if the queue is still non-empty, yielding the loop
// to other handlers in between.
func (q *Queue[M]) drain() {
	for n := 0; n < q.maxPerWake; n++ {
		q.mu.Lock()
		if q.stopped || q.ring.Length() == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		m := q.ring.Remove().(M)
		consume := q.consume
		q.mu.Unlock()

		consume(m)
	}

	q.mu.Lock()
	more := !q.stopped && q.ring.Length() > 0
	if !more {
		q.draining = false
	}
	loop := q.loop
	q.mu.Unlock()

	if more {
		loop.RunOnLoop(q.drain)
	}
}

// StopConsumer prevents further consumption and discards pending messages
// through the discard hook. Must be called on the consumer loop so that it
// serializes with in-flight drains.
func (q *Queue[M]) StopConsumer() {
	q.mu.Lock()
	q.stopped = true
	var pending []M
	for q.ring.Length() > 0 {
		pending = append(pending, q.ring.Remove().(M))
	}
	discard := q.discard
	q.mu.Unlock()

	if discard != nil {
		for _, m := range pending {
			discard(m)
		}
	}
}

// Len returns the current queue depth.
func (q *Queue[M]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Length()
}
