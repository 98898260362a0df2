// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package asock

import (
	"fmt"
	"log/slog"
	"time"

	"subtrace.dev/asock/eventloop"
	"subtrace.dev/asock/fd"
	"subtrace.dev/asock/notifyq"
)

// message is the variant carried over a remote acceptor's notification
// queue: either an accepted connection or an accept error.
type message struct {
	conn *connMessage
	err  error
}

type connMessage struct {
	sock        *fd.FD
	peer        Addr
	enqueueTime time.Time

	// deadline is zero when no queue timeout is configured.
	deadline time.Time
}

// remoteAcceptor forwards enqueued accept events to a callback on its target
// loop. It is created on the primary loop, started and stopped
// asynchronously on the target loop, and unreferenced after the stop task
// delivers AcceptStopped; nothing touches it afterwards.
type remoteAcceptor struct {
	loop     *eventloop.Loop
	queue    *notifyq.Queue[message]
	callback AcceptCallback
	events   ConnectionEventCallback
}

func newRemoteAcceptor(loop *eventloop.Loop, callback AcceptCallback, events ConnectionEventCallback) *remoteAcceptor {
	return &remoteAcceptor{
		loop:     loop,
		queue:    notifyq.New[message](),
		callback: callback,
		events:   events,
	}
}

// start schedules AcceptStarted on the target loop and begins consuming.
func (a *remoteAcceptor) start(maxPerWake int) {
	a.loop.RunOnLoop(func() {
		a.callback.AcceptStarted()
		a.queue.StartConsumer(a.loop, maxPerWake, a.consume, a.discard)
	})
}

// stop schedules teardown on the target loop: pending messages are
// discarded, then AcceptStopped runs as the last call into the callback.
func (a *remoteAcceptor) stop() {
	a.loop.RunOnLoop(func() {
		a.queue.StopConsumer()
		a.callback.AcceptStopped()
	})
}

// consume runs on the target loop for each message in FIFO order.
func (a *remoteAcceptor) consume(m message) {
	if m.conn == nil {
		a.callback.AcceptError(m.err)
		return
	}

	c := m.conn
	now := time.Now()
	if !c.deadline.IsZero() && now.After(c.deadline) {
		queued := now.Sub(c.enqueueTime)
		if err := c.sock.Close(); err != nil {
			slog.Error("failed to close deadline-expired connection", "conn", c.sock, "err", err)
		}
		if a.events != nil {
			a.events.OnConnectionDropped(c.sock, c.peer,
				fmt.Sprintf("exceeded deadline for accepting connection socket (%d ms in queue)", queued.Milliseconds()))
		}
		return
	}

	if a.events != nil {
		a.events.OnConnectionDequeuedByAcceptor(c.sock, c.peer)
	}
	a.callback.ConnectionAccepted(c.sock, c.peer, AcceptInfo{EnqueueTime: c.enqueueTime})
}

// discard handles messages still queued at stop. Connections must not leak:
// each is closed and reported dropped.
func (a *remoteAcceptor) discard(m message) {
	if m.conn == nil {
		return
	}
	if err := m.conn.sock.Close(); err != nil {
		slog.Error("failed to close connection discarded at stop", "conn", m.conn.sock, "err", err)
	}
	if a.events != nil {
		a.events.OnConnectionDropped(m.conn.sock, m.conn.peer, "accept callback stopped before connection was delivered")
	}
}
