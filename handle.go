// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package asock

import (
	"fmt"

	"subtrace.dev/asock/eventloop"
	"subtrace.dev/asock/fd"
)

// ListenHandle is one listening socket bound to one address family. The
// listener owns its handles; the back-pointer is only followed during
// readiness callbacks on the primary loop.
type ListenHandle struct {
	sock     *fd.FD
	family   int
	listener *Listener

	// reg is non-nil exactly while the handle is registered for readiness.
	// The registered state intentionally diverges from the listener's
	// desired-accepting flag during backoff.
	reg *eventloop.ReadHandle
}

func newListenHandle(ln *Listener, sock *fd.FD, family int) *ListenHandle {
	return &ListenHandle{sock: sock, family: family, listener: ln}
}

func (h *ListenHandle) register() error {
	if h.reg != nil {
		return nil
	}
	if !h.sock.IncRef() {
		return fmt.Errorf("listen socket %s is closed", h.sock)
	}
	defer h.sock.DecRef()

	reg, err := h.listener.loop.RegisterRead(h.sock.Raw(), h.ready)
	if err != nil {
		return fmt.Errorf("register for accept events: %w", err)
	}
	h.reg = reg
	return nil
}

func (h *ListenHandle) unregister() {
	if h.reg == nil {
		return
	}
	if err := h.reg.Close(); err != nil {
		// The descriptor may already be gone; dispatch for it stops either
		// way.
		h.listener.logLimited.Error("failed to unregister listen socket", "sock", h.sock, "err", err)
	}
	h.reg = nil
}

func (h *ListenHandle) registered() bool {
	return h.reg != nil
}

// ready runs on the primary loop whenever the kernel reports pending
// connections.
func (h *ListenHandle) ready() {
	h.listener.handlerReady(h)
}

// Addr returns the handle's bound local address.
func (h *ListenHandle) Addr() (Addr, error) {
	if !h.sock.IncRef() {
		return Addr{}, fmt.Errorf("listen socket %s is closed", h.sock)
	}
	defer h.sock.DecRef()
	return localAddr(h.sock.Raw())
}
