// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package eventloop implements a single-goroutine event loop: readiness
// notifications for file descriptors, one-shot timers, and thread-affine
// task execution. A loop owns exactly one goroutine; everything it runs --
// readiness callbacks, timer callbacks, submitted tasks -- runs there, so
// code driven by one loop needs no locks for loop-private state.
package eventloop

import (
	"bytes"
	"container/heap"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

type Loop struct {
	poll *poller

	mu       sync.Mutex
	tasks    []func()
	timers   timerHeap
	handlers map[int]func()

	goid    atomic.Int64
	closing atomic.Bool
	done    chan struct{}

	// now is the loop-cached wall clock, updated once per iteration. Read
	// only from the loop goroutine.
	now time.Time

	napiID atomic.Int32
}

func New() (*Loop, error) {
	poll, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}
	l := &Loop{
		poll:     poll,
		handlers: make(map[int]func()),
		done:     make(chan struct{}),
		now:      time.Now(),
	}
	l.napiID.Store(-1)
	return l, nil
}

// Run drives the loop until Stop is called. It must be called from exactly
// one goroutine, which becomes the loop goroutine.
func (l *Loop) Run() error {
	l.goid.Store(goid())
	defer close(l.done)
	defer l.poll.close()

	for !l.closing.Load() {
		l.now = time.Now()

		timeout := l.nextTimeout()
		ready, err := l.poll.wait(timeout)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		l.now = time.Now()

		for _, fd := range ready {
			l.mu.Lock()
			fn := l.handlers[fd]
			l.mu.Unlock()
			if fn != nil {
				fn()
			}
		}

		l.runTimers()
		l.runTasks()
	}
	return nil
}

// Stop makes Run return after the current iteration. Safe to call from any
// goroutine; idempotent.
func (l *Loop) Stop() {
	if l.closing.CompareAndSwap(false, true) {
		l.poll.wake()
	}
}

// Wait blocks until Run has returned.
func (l *Loop) Wait() {
	<-l.done
}

// IsInLoop reports whether the caller is running on the loop goroutine. A
// loop that hasn't started yet has no goroutine, so every caller passes;
// this lets setup code configure loop-owned objects before Run.
func (l *Loop) IsInLoop() bool {
	g := l.goid.Load()
	return g == 0 || g == goid()
}

// RunOnLoop schedules fn to run on the loop goroutine in submission order.
func (l *Loop) RunOnLoop(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.poll.wake()
}

func (l *Loop) runTasks() {
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return
		}
		tasks := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for _, fn := range tasks {
			fn()
		}
	}
}

// Now returns the loop-cached time. Only meaningful on the loop goroutine.
func (l *Loop) Now() time.Time {
	return l.now
}

// NapiID returns the kernel receive-path affinity group this loop serves,
// or -1 when unknown.
func (l *Loop) NapiID() int {
	return int(l.napiID.Load())
}

// SetNapiID records the loop's NAPI id, typically read from a socket served
// by this loop via SO_INCOMING_NAPI_ID.
func (l *Loop) SetNapiID(id int) {
	l.napiID.Store(int32(id))
}

// RegisterRead installs a persistent level-triggered readiness callback for
// fd. fn runs on the loop goroutine every time fd is readable, until the
// returned handle is closed.
func (l *Loop) RegisterRead(rawFD int, fn func()) (*ReadHandle, error) {
	l.mu.Lock()
	if _, ok := l.handlers[rawFD]; ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("fd %d already registered", rawFD)
	}
	l.handlers[rawFD] = fn
	l.mu.Unlock()

	if err := l.poll.add(rawFD); err != nil {
		l.mu.Lock()
		delete(l.handlers, rawFD)
		l.mu.Unlock()
		return nil, fmt.Errorf("register fd %d: %w", rawFD, err)
	}
	return &ReadHandle{loop: l, fd: rawFD}, nil
}

// ReadHandle is a live readiness registration.
type ReadHandle struct {
	loop   *Loop
	fd     int
	closed bool
}

// Close removes the registration. The callback will not run after Close
// returns on the loop goroutine.
func (h *ReadHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	h.loop.mu.Lock()
	delete(h.loop.handlers, h.fd)
	h.loop.mu.Unlock()
	if err := h.loop.poll.del(h.fd); err != nil {
		return fmt.Errorf("unregister fd %d: %w", h.fd, err)
	}
	return nil
}

// Timeout is a scheduled one-shot timer.
type Timeout struct {
	loop     *Loop
	when     time.Time
	fn       func()
	index    int
	canceled bool
}

// ScheduleTimeout runs fn on the loop goroutine once d has elapsed.
func (l *Loop) ScheduleTimeout(d time.Duration, fn func()) *Timeout {
	t := &Timeout{loop: l, when: time.Now().Add(d), fn: fn}
	l.mu.Lock()
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.poll.wake()
	return t
}

// Cancel prevents a pending timer from firing. Canceling a fired or already
// canceled timer is a no-op.
func (t *Timeout) Cancel() {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	if t.index >= 0 && !t.canceled {
		t.canceled = true
		heap.Remove(&t.loop.timers, t.index)
	}
}

func (l *Loop) nextTimeout() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return -1
	}
	d := time.Until(l.timers[0].when)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}

func (l *Loop) runTimers() {
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].when.After(l.now) {
			l.mu.Unlock()
			return
		}
		t := heap.Pop(&l.timers).(*Timeout)
		l.mu.Unlock()

		t.fn()
	}
}

type timerHeap []*Timeout

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timeout)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// goid parses the current goroutine id out of the runtime stack header.
// There is no supported API for this; the loop only uses it for affinity
// checks, never for correctness of dispatch.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return -1
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
