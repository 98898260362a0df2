// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package asock implements an asynchronous server socket: a non-blocking,
// event-driven listener that accepts incoming connections on one or more
// listening sockets and dispatches them across accept callbacks, each
// optionally bound to its own event loop.
//
// A Listener is owned by exactly one primary event loop. All public mutators
// must be called on that loop's goroutine. Accepted connections are handed
// to callbacks either inline (callbacks on the primary loop) or through a
// bounded notification queue consumed on the callback's loop. Overload is
// handled in three layers: a per-wake accept bound, an adaptive
// probabilistic admission filter, and a fixed backoff after file descriptor
// exhaustion.
package asock

import (
	"time"

	"subtrace.dev/asock/fd"
)

const (
	// DefaultMaxAcceptPerWake bounds accepts per readiness event so the
	// listener cannot starve sibling handlers on the primary loop.
	DefaultMaxAcceptPerWake = 30

	// DefaultMaxCallbackAcceptPerWake bounds messages a consumer loop drains
	// from its notification queue per wakeup.
	DefaultMaxCallbackAcceptPerWake = 50

	// DefaultMaxQueueDepth caps each callback's notification queue.
	DefaultMaxQueueDepth = 1024

	// backoffInterval is how long accepts stay paused after EMFILE/ENFILE.
	backoffInterval = 1000 * time.Millisecond
)

// Config carries the listener's tunables and socket options. Socket options
// are applied by setupSocket to every descriptor the listener creates or
// adopts, before bind.
type Config struct {
	MaxAcceptPerWake         int
	MaxCallbackAcceptPerWake int
	MaxQueueDepth            int

	// QueueTimeout, when non-zero, is the deadline applied to every
	// connection enqueued for a remote callback. Connections dequeued after
	// their deadline are closed and reported as dropped.
	QueueTimeout time.Duration

	// AcceptRateAdjustSpeed enables the adaptive admission filter when
	// positive. It is the recovery rate in units of 1/second: after the
	// filter is cut, admission probability recovers by a factor of
	// (1 + speed*Δt) per accept.
	AcceptRateAdjustSpeed float64

	ReuseAddr   bool
	ReusePort   bool
	KeepAlive   bool
	CloseOnExec bool

	TFO             bool
	TFOMaxQueueSize int

	ZeroCopy   bool
	IPFreebind bool

	// TOSReflect makes accepted sockets reflect the DSCP bits of the
	// client's SYN (Linux, TCP_SAVED_SYN).
	TOSReflect  bool
	ListenerTOS int

	// NoTransparentTLS marks listening sockets so kernel transparent TLS
	// offload is not applied. No-op on kernels without the option.
	NoTransparentTLS bool

	// BindToDevice restricts the socket to a network interface
	// (SO_BINDTODEVICE).
	BindToDevice string
}

// DefaultConfig returns the config used by NewListener when the zero Config
// is passed.
func DefaultConfig() Config {
	return Config{
		MaxAcceptPerWake:         DefaultMaxAcceptPerWake,
		MaxCallbackAcceptPerWake: DefaultMaxCallbackAcceptPerWake,
		MaxQueueDepth:            DefaultMaxQueueDepth,
		ReuseAddr:                true,
		KeepAlive:                true,
		CloseOnExec:              true,
		NoTransparentTLS:         true,
	}
}

func (c *Config) fillDefaults() {
	if c.MaxAcceptPerWake <= 0 {
		c.MaxAcceptPerWake = DefaultMaxAcceptPerWake
	}
	if c.MaxCallbackAcceptPerWake <= 0 {
		c.MaxCallbackAcceptPerWake = DefaultMaxCallbackAcceptPerWake
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = DefaultMaxQueueDepth
	}
}

// AcceptInfo carries per-connection metadata to the accept callback.
type AcceptInfo struct {
	// EnqueueTime is when the connection entered the dispatch path on the
	// primary loop. For inline callbacks it is effectively the delivery
	// time; for remote callbacks the difference to now is the queue time.
	EnqueueTime time.Time
}

// AcceptCallback is the user-supplied sink for accepted connections.
//
// ConnectionAccepted transfers ownership of conn: the callback must
// eventually close it. All methods run on the callback's declared loop, or
// on the primary loop when none was declared.
type AcceptCallback interface {
	AcceptStarted()
	AcceptStopped()
	ConnectionAccepted(conn *fd.FD, peer Addr, info AcceptInfo)
	AcceptError(err error)
}

// ConnectionEventCallback observes the lifecycle of connections inside the
// listener. All methods run on the primary loop except
// OnConnectionDequeuedByAcceptor, which runs on the consumer loop, and
// OnConnectionDropped, which also runs there for connections that expire in
// or are discarded from a consumer queue. Implementations must not block.
type ConnectionEventCallback interface {
	OnConnectionAccepted(conn *fd.FD, peer Addr)
	OnConnectionAcceptError(errno error)
	OnConnectionDropped(conn *fd.FD, peer Addr, reason string)
	OnConnectionEnqueuedForAcceptor(conn *fd.FD, peer Addr)
	OnConnectionDequeuedByAcceptor(conn *fd.FD, peer Addr)
	OnBackoffStarted()
	OnBackoffEnded()
	OnBackoffError()
}

// ConnectionFilter vets peers before dispatch. Returning false closes the
// connection and reports it dropped. Runs on the primary loop.
type ConnectionFilter interface {
	Allow(peer Addr) bool
}
