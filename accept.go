// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package asock

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"subtrace.dev/asock/fd"
)

// sysAccept4 is a hook for tests to inject accept results (EMFILE, EAGAIN)
// without exhausting real kernel resources.
var sysAccept4 = func(rawFD int) (int, unix.Sockaddr, error) {
	return unix.Accept4(rawFD, unix.SOCK_NONBLOCK)
}

// handlerReady drains the kernel accept queue for one listening socket. It
// runs on the primary loop whenever the socket is read-ready.
//
// The loop is bounded by MaxAcceptPerWake for fairness with sibling
// handlers; level-triggered registration re-reports leftover readiness on
// the next loop iteration.
func (ln *Listener) handlerReady(h *ListenHandle) {
	for n := 0; n < ln.cfg.MaxAcceptPerWake; n++ {
		if !h.sock.IncRef() {
			return
		}
		clientFD, sa, err := sysAccept4(h.sock.Raw())
		h.sock.DecRef()

		if err != nil {
			var errno syscall.Errno
			if !errors.As(err, &errno) {
				errno = unix.EIO
			}
			switch errno {
			case unix.EAGAIN:
				// No more sockets to accept right now; the most common exit.
				return
			case unix.EMFILE, unix.ENFILE:
				// Out of file descriptors. Perhaps we're accepting faster
				// than connections are processed; pause briefly so the
				// server can catch up instead of spinning on the error.
				slog.Error("accept failed: out of file descriptors; entering accept back-off state", "sock", h.sock)
				ln.enterBackoff()
				ln.dispatchError("accept() failed", errno)
				if ln.events != nil {
					ln.events.OnConnectionAcceptError(errno)
				}
				return
			default:
				ln.dispatchError("accept() failed", errno)
				if ln.events != nil {
					ln.events.OnConnectionAcceptError(errno)
				}
				continue
			}
		}

		peer := addrFromSockaddr(sa, h.family)
		conn := fd.New(clientFD)
		if ln.events != nil {
			ln.events.OnConnectionAccepted(conn, peer)
		}

		if ln.cfg.TOSReflect && (h.family == unix.AF_INET || h.family == unix.AF_INET6) {
			reflectTOS(conn, h.family)
		}

		if !ln.limiter.admit(time.Now()) {
			ln.dropConnection(conn, peer,
				fmt.Sprintf("server is rate limiting new connections, current accept rate is %v", ln.limiter.rate))
			continue
		}

		if ln.filter != nil && !ln.filter.Allow(peer) {
			ln.dropConnection(conn, peer, "rejected by accept filter")
			continue
		}

		ln.dispatchSocket(conn, peer)

		if !ln.acceptingDesired || len(ln.callbacks) == 0 {
			break
		}
	}
}

func (ln *Listener) dropConnection(conn *fd.FD, peer Addr, reason string) {
	ln.dropped.Add(1)
	if err := conn.Close(); err != nil {
		slog.Error("failed to close dropped connection", "conn", conn, "err", err)
	}
	if ln.events != nil {
		ln.events.OnConnectionDropped(conn, peer, reason)
	}
}

// dispatchSocket delivers one accepted connection to exactly one callback.
// NAPI affinity is preferred when the kernel reports a receive path that
// matches a registered loop; otherwise callbacks are served round-robin.
// When a callback's queue is full the next one is tried, and when the
// cursor wraps all the way around the connection is dropped.
func (ln *Listener) dispatchSocket(conn *fd.FD, peer Addr) {
	startingIndex := ln.cursor
	enqueueTime := time.Now()

	entry, viaAffinity := ln.preferredCallback(socketNapiID(conn))
	if !viaAffinity {
		entry = *ln.nextCallback()
	}

	for {
		if entry.inline(ln.loop) {
			entry.callback.ConnectionAccepted(conn, peer, AcceptInfo{EnqueueTime: enqueueTime})
			return
		}

		msg := message{conn: &connMessage{sock: conn, peer: peer, enqueueTime: enqueueTime}}
		if ln.cfg.QueueTimeout > 0 {
			msg.conn.deadline = enqueueTime.Add(ln.cfg.QueueTimeout)
		}
		if entry.consumer.queue.TryEnqueue(msg, ln.cfg.MaxQueueDepth) {
			if ln.events != nil {
				ln.events.OnConnectionEnqueuedForAcceptor(conn, peer)
			}
			return
		}

		// Queue full. Cut the admission rate aggressively; saturated
		// consumers won't be helped by accepting more.
		ln.limiter.onQueueFull()

		if !viaAffinity && ln.cursor == startingIndex {
			// Every queue is full. Nothing left to do but close the socket.
			// A service that is chronically here should PauseAccepting
			// before its consumers reach this point.
			ln.dropped.Add(1)
			ln.logLimited.Error("failed to dispatch newly accepted socket: all accept callback queues are full")
			if err := conn.Close(); err != nil {
				slog.Error("failed to close undispatchable connection", "conn", conn, "err", err)
			}
			if ln.events != nil {
				ln.events.OnConnectionDropped(conn, peer, "all accept callback queues are full")
			}
			return
		}

		viaAffinity = false
		entry = *ln.nextCallback()
	}
}

// dispatchError reports an accept failure to one callback, following the
// same round-robin discipline as connections.
func (ln *Listener) dispatchError(msg string, errno syscall.Errno) {
	if len(ln.callbacks) == 0 {
		return
	}

	startingIndex := ln.cursor
	entry := *ln.nextCallback()
	err := fmt.Errorf("%s: %w", msg, errno)

	for {
		if entry.inline(ln.loop) {
			entry.callback.AcceptError(err)
			return
		}
		if entry.consumer.queue.TryEnqueue(message{err: err}, ln.cfg.MaxQueueDepth) {
			return
		}
		if ln.cursor == startingIndex {
			ln.logLimited.Error("failed to dispatch accept error: all accept callback queues are full", "err", err)
			return
		}
		entry = *ln.nextCallback()
	}
}

// enterBackoff unregisters every listening socket and arms the timer that
// will re-register them. The desired-accepting state stays set: backoff is
// a divergence between desired and actual, not a pause.
func (ln *Listener) enterBackoff() {
	if ln.backoffTimer != nil {
		return
	}

	// The 1 s pause is deliberately dumb. The user needs to find out why
	// the server is out of descriptors and fix that; the timer only keeps
	// the accept loop from spinning on the error in the meantime.
	ln.backoffTimer = ln.loop.ScheduleTimeout(backoffInterval, ln.backoffExpired)

	for _, h := range ln.handles {
		h.unregister()
	}
	if ln.events != nil {
		ln.events.OnBackoffStarted()
	}
}

// backoffExpired runs on the primary loop when the backoff interval ends.
// PauseAccepting and StopAccepting cancel the timer, so acceptingDesired
// still holds here.
func (ln *Listener) backoffExpired() {
	ln.backoffTimer = nil

	// If every callback was removed during backoff, stay unregistered until
	// one is added again.
	if len(ln.callbacks) == 0 {
		if ln.events != nil {
			ln.events.OnBackoffEnded()
		}
		return
	}

	for _, h := range ln.handles {
		if err := h.register(); err != nil {
			// Retrying forever would mask a listener that can never accept
			// again. Restarting the process is the only real remedy.
			slog.Error("failed to re-enable accepts after backoff; aborting", "err", err)
			os.Exit(1)
		}
	}
	if ln.events != nil {
		ln.events.OnBackoffEnded()
	}
}
