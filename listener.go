// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package asock

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"subtrace.dev/asock/eventloop"
	"subtrace.dev/asock/fd"
	"subtrace.dev/asock/logging"
	"subtrace.dev/asock/shutdownset"
)

// Listener is the asynchronous server socket. It owns one or more listening
// descriptors, a table of accept callbacks, the adaptive admission filter,
// and the backoff timer.
//
// Every public method must be called on the primary loop's goroutine unless
// noted otherwise; the mutators panic when called elsewhere. The only fields
// touched from other goroutines are the relaxed telemetry counters.
type Listener struct {
	loop *eventloop.Loop
	cfg  Config

	events      ConnectionEventCallback
	filter      ConnectionFilter
	shutdownSet *shutdownset.Set

	handles      []*ListenHandle
	pendingClose []*fd.FD

	callbacks          []dispatchEntry
	cursor             int
	napiCallbacks      map[int]dispatchEntry
	localCallbackIndex int

	// acceptingDesired is the state requested by the user. It diverges from
	// the handles' registered state during backoff: backoff unregisters
	// sockets but leaves acceptingDesired set.
	acceptingDesired bool
	backoffTimer     *eventloop.Timeout

	limiter *rateLimiter
	dropped atomic.Uint64

	logLimited *logging.Limited
}

// NewListener creates a listener bound to its primary loop. A zero Config
// selects defaults (see DefaultConfig).
func NewListener(loop *eventloop.Loop, cfg Config) *Listener {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	cfg.fillDefaults()
	return &Listener{
		loop:               loop,
		cfg:                cfg,
		napiCallbacks:      make(map[int]dispatchEntry),
		localCallbackIndex: -1,
		limiter:            newRateLimiter(cfg.AcceptRateAdjustSpeed),
		logLimited:         logging.NewLimited(time.Second),
	}
}

func (ln *Listener) assertLoop() {
	if !ln.loop.IsInLoop() {
		panic("asock: Listener method called off the primary event loop")
	}
}

// SetConnectionEventCallback installs the lifecycle observer. Must be set
// before callbacks are added.
func (ln *Listener) SetConnectionEventCallback(events ConnectionEventCallback) {
	ln.assertLoop()
	ln.events = events
}

// SetConnectionFilter installs a peer filter applied before dispatch.
func (ln *Listener) SetConnectionFilter(filter ConnectionFilter) {
	ln.assertLoop()
	ln.filter = filter
}

// SetShutdownSet installs (or replaces) the process-global shutdown
// registry. Descriptors the listener already owns move from the old set to
// the new one.
func (ln *Listener) SetShutdownSet(set *shutdownset.Set) {
	ln.assertLoop()
	if ln.shutdownSet == set {
		return
	}
	for _, h := range ln.handles {
		if !h.sock.IncRef() {
			continue
		}
		if ln.shutdownSet != nil {
			ln.shutdownSet.Remove(h.sock.Raw())
		}
		if set != nil {
			set.Add(h.sock.Raw())
		}
		h.sock.DecRef()
	}
	ln.shutdownSet = set
}

// NumDroppedConnections returns the number of connections dropped on the
// primary loop by the admission filter and overload handling. Deadline
// drops on consumer loops are reported through the observer only. Safe to
// read from any goroutine.
func (ln *Listener) NumDroppedConnections() uint64 {
	return ln.dropped.Load()
}

func (ln *Listener) createSocket(family int) (int, error) {
	rawFD, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("create server socket: %w", err)
	}
	if err := ln.setupSocket(rawFD, family); err != nil {
		unix.Close(rawFD)
		return -1, err
	}
	return rawFD, nil
}

// bindSocket binds rawFD to addr and, unless the descriptor was already
// owned, appends a new handle. On failure a freshly created descriptor is
// closed; pre-existing ones are left to their owner.
func (ln *Listener) bindSocket(rawFD int, addr Addr, isExisting bool, ifName string) error {
	if ifName != "" {
		if err := unix.BindToDevice(rawFD, ifName); err != nil {
			if !isExisting {
				unix.Close(rawFD)
			}
			return fmt.Errorf("failed to bind to device %q: %w", ifName, err)
		}
	}

	sa, err := sockaddrFromAddr(addr)
	if err != nil {
		if !isExisting {
			unix.Close(rawFD)
		}
		return err
	}
	if err := unix.Bind(rawFD, sa); err != nil && err != unix.EINPROGRESS {
		if !isExisting {
			unix.Close(rawFD)
		}
		return fmt.Errorf("failed to bind to server socket %v: %w", addr, err)
	}

	if !isExisting {
		ln.handles = append(ln.handles, newListenHandle(ln, fd.New(rawFD), addr.Family))
	}
	return nil
}

func (ln *Listener) bindInternal(addr Addr, ifName string) error {
	ln.assertLoop()

	// Adopt may have initialized a socket already; the normal case creates
	// one here.
	switch len(ln.handles) {
	case 0:
		rawFD, err := ln.createSocket(addr.Family)
		if err != nil {
			return err
		}
		return ln.bindSocket(rawFD, addr, false, ifName)
	case 1:
		h := ln.handles[0]
		if addr.Family != h.family {
			return ErrFamilyMismatch
		}
		if !h.sock.IncRef() {
			return fmt.Errorf("listen socket %s is closed", h.sock)
		}
		defer h.sock.DecRef()
		return ln.bindSocket(h.sock.Raw(), addr, true, ifName)
	}
	return ErrMultipleSockets
}

// Bind binds a single address, creating the socket if needed.
func (ln *Listener) Bind(addr Addr) error {
	return ln.bindInternal(addr, "")
}

// BindDevice is Bind restricted to a network interface.
func (ln *Listener) BindDevice(addr Addr, ifName string) error {
	return ln.bindInternal(addr, ifName)
}

// BindAddrs creates and binds one socket per address, all on the same port.
func (ln *Listener) BindAddrs(ips []netip.Addr, port uint16) error {
	ln.assertLoop()
	if len(ips) == 0 {
		return ErrNoAddresses
	}
	for _, ip := range ips {
		addr := TCPAddr(ip, port)
		rawFD, err := ln.createSocket(addr.Family)
		if err != nil {
			return err
		}
		if err := ln.bindSocket(rawFD, addr, false, ""); err != nil {
			return err
		}
	}
	return nil
}

// bindPortAttempts bounds the rebind retries when an IPv4 bind races for
// the port the IPv6 socket picked ephemerally.
const bindPortAttempts = 25

// BindPort binds the wildcard address for every supported family. IPv6 is
// bound first (with V6ONLY so the families stay separate); when port is 0,
// the ephemeral port the IPv6 socket received is reused for IPv4 so the
// listener exposes a single port. That reuse can race with other processes,
// so the whole sequence retries from scratch a bounded number of times.
func (ln *Listener) BindPort(port uint16) error {
	ln.assertLoop()

	for tries := 1; ; tries++ {
		if err := ln.bindWildcard(unix.AF_INET6, netip.IPv6Unspecified(), port); err != nil {
			ln.closeAllSockets()
			return err
		}

		v4port := port
		if port == 0 && len(ln.handles) == 1 {
			addr, err := ln.handles[0].Addr()
			if err != nil {
				ln.closeAllSockets()
				return err
			}
			v4port = addr.Port()
		}

		if err := ln.bindWildcard(unix.AF_INET, netip.IPv4Unspecified(), v4port); err != nil {
			if port == 0 && len(ln.handles) > 0 && tries != bindPortAttempts {
				ln.closeAllSockets()
				continue
			}
			ln.closeAllSockets()
			return err
		}
		break
	}

	if len(ln.handles) == 0 {
		return fmt.Errorf("did not bind any server socket for port %d", port)
	}
	return nil
}

func (ln *Listener) bindWildcard(family int, ip netip.Addr, port uint16) error {
	rawFD, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		// The kernel may not support every family.
		if err == unix.EAFNOSUPPORT {
			return nil
		}
		return fmt.Errorf("create server socket: %w", err)
	}
	if err := ln.setupSocket(rawFD, family); err != nil {
		unix.Close(rawFD)
		return err
	}
	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(rawFD, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(rawFD)
			return fmt.Errorf("failed to set IPV6_V6ONLY on server socket: %w", err)
		}
	}

	sa, err := sockaddrFromAddr(TCPAddr(ip, port))
	if err != nil {
		unix.Close(rawFD)
		return err
	}
	if err := unix.Bind(rawFD, sa); err != nil {
		unix.Close(rawFD)
		return fmt.Errorf("failed to bind to server socket for port %d family %d: %w", port, family, err)
	}

	ln.handles = append(ln.handles, newListenHandle(ln, fd.New(rawFD), family))
	return nil
}

// closeAllSockets unwinds every handle, routing through the shutdown set
// when one is installed.
func (ln *Listener) closeAllSockets() {
	for _, h := range ln.handles {
		h.unregister()
		ln.closeHandleSocket(h)
	}
	ln.handles = nil
}

func (ln *Listener) closeHandleSocket(h *ListenHandle) {
	if ln.shutdownSet != nil {
		h.sock.CloseWith(ln.shutdownSet.Close)
		return
	}
	if err := h.sock.Close(); err != nil && err != unix.EBADF {
		slog.Error("failed to close listen socket", "sock", h.sock, "err", err)
	}
}

// Adopt takes ownership of pre-existing listening descriptors, e.g. ones
// inherited from a supervisor. Socket options are applied verbatim; the
// descriptors are used as-is otherwise. Fails if the listener already owns
// sockets.
func (ln *Listener) Adopt(fds []int) error {
	ln.assertLoop()
	if len(ln.handles) != 0 {
		return ErrAlreadyOwnsSockets
	}

	for _, rawFD := range fds {
		// The socket may not be bound yet; getsockname still reports the
		// right family.
		sa, err := unix.Getsockname(rawFD)
		if err != nil {
			return fmt.Errorf("getsockname on adopted socket %d: %w", rawFD, err)
		}
		family := familyOfSockaddr(sa)

		if ln.cfg.NoTransparentTLS {
			disableTransparentTLS(rawFD)
		}
		if err := ln.setupSocket(rawFD, family); err != nil {
			return fmt.Errorf("adopted socket %d: %w", rawFD, err)
		}
		ln.handles = append(ln.handles, newListenHandle(ln, fd.New(rawFD), family))
	}
	return nil
}

// Listen moves every bound socket into the listening state. The whole
// operation fails on the first error.
func (ln *Listener) Listen(backlog int) error {
	ln.assertLoop()
	for _, h := range ln.handles {
		if !h.sock.IncRef() {
			return fmt.Errorf("listen socket %s is closed", h.sock)
		}
		err := unix.Listen(h.sock.Raw(), backlog)
		h.sock.DecRef()
		if err != nil {
			return fmt.Errorf("failed to listen on server socket: %w", err)
		}
	}
	return nil
}

// GetAddress returns the first handle's local address.
func (ln *Listener) GetAddress() (Addr, error) {
	if len(ln.handles) == 0 {
		return Addr{}, fmt.Errorf("listener owns no sockets")
	}
	return ln.handles[0].Addr()
}

// GetAddresses returns the local address of every handle, in construction
// order.
func (ln *Listener) GetAddresses() ([]Addr, error) {
	addrs := make([]Addr, 0, len(ln.handles))
	for _, h := range ln.handles {
		addr, err := h.Addr()
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// AddCallback registers an accept callback. A nil loop runs the callback
// inline on the primary loop; otherwise a remote acceptor consuming on loop
// is created, with maxPerWake bounding its per-wakeup drain (0 selects the
// configured default). If this is the first callback while accepting is
// desired, the listening sockets are registered for readiness.
func (ln *Listener) AddCallback(callback AcceptCallback, loop *eventloop.Loop, maxPerWake int) error {
	ln.assertLoop()

	runStartAccepting := ln.acceptingDesired && len(ln.callbacks) == 0
	entry := dispatchEntry{callback: callback, loop: loop}

	if loop == nil {
		// Runs in the listener's own loop; no queue needed. Passing the
		// primary loop explicitly also delivers connections inline; the
		// remote acceptor then only carries AcceptStarted/AcceptStopped.
		ln.callbacks = append(ln.callbacks, entry)
		callback.AcceptStarted()
	} else {
		if maxPerWake <= 0 {
			maxPerWake = ln.cfg.MaxCallbackAcceptPerWake
		}
		entry.consumer = newRemoteAcceptor(loop, callback, ln.events)
		ln.callbacks = append(ln.callbacks, entry)
		entry.consumer.start(maxPerWake)

		if napiID := loop.NapiID(); napiID != -1 {
			// Later registrations for the same NAPI id overwrite: the map
			// records the latest mapping.
			ln.napiCallbacks[napiID] = entry
		}
		if ln.localCallbackIndex < 0 && loop == ln.loop {
			ln.localCallbackIndex = len(ln.callbacks) - 1
		}
	}

	if runStartAccepting {
		return ln.StartAccepting()
	}
	return nil
}

// RemoveCallback removes the callback matching (callback, loop); a nil loop
// matches any registration of callback. The removed callback receives
// AcceptStopped on its loop. Removing the last callback unregisters the
// listening sockets but leaves the desired-accepting state set.
func (ln *Listener) RemoveCallback(callback AcceptCallback, loop *eventloop.Loop) error {
	ln.assertLoop()

	idx := -1
	for i := range ln.callbacks {
		e := &ln.callbacks[i]
		if e.callback == callback && (e.loop == loop || loop == nil) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrCallbackNotFound
	}

	for id, e := range ln.napiCallbacks {
		if e.callback == callback && (e.loop == loop || loop == nil) {
			delete(ln.napiCallbacks, id)
		}
	}

	// Remove before invoking AcceptStopped, in case the callback re-enters
	// the listener and examines the table.
	info := ln.callbacks[idx]
	ln.callbacks = append(ln.callbacks[:idx], ln.callbacks[idx+1:]...)
	ln.fixupCursor(idx)
	switch {
	case ln.localCallbackIndex == idx:
		ln.localCallbackIndex = -1
	case ln.localCallbackIndex > idx:
		ln.localCallbackIndex--
	}

	if info.consumer != nil {
		info.consumer.stop()
	} else {
		callback.AcceptStopped()
	}

	if ln.acceptingDesired && len(ln.callbacks) == 0 {
		for _, h := range ln.handles {
			h.unregister()
		}
	}
	return nil
}

// StartAccepting marks accepting as desired and, when callbacks exist,
// registers every listening socket for readiness.
func (ln *Listener) StartAccepting() error {
	ln.assertLoop()

	ln.acceptingDesired = true
	if len(ln.callbacks) == 0 {
		// Can't actually accept without callbacks; registration happens
		// when the first one is added.
		return nil
	}

	for _, h := range ln.handles {
		if err := h.register(); err != nil {
			return err
		}
	}
	return nil
}

// PauseAccepting clears the desired-accepting state and unregisters every
// socket. Connections already in flight to consumer queues are still
// delivered. An armed backoff timer is canceled.
func (ln *Listener) PauseAccepting() {
	ln.assertLoop()

	ln.acceptingDesired = false
	for _, h := range ln.handles {
		h.unregister()
	}
	if ln.backoffTimer != nil {
		ln.backoffTimer.Cancel()
		ln.backoffTimer = nil
	}
}

// StopAccepting tears the listener down: sockets are unregistered and
// closed in reverse construction order (so a restart doesn't race a
// half-closed port), the backoff timer is canceled, and every callback is
// stopped. With shutdownFlags >= 0 and no shutdown set installed, sockets
// are shutdown(2) with those flags and the close(2) deferred to Destroy.
//
// Calling StopAccepting again is a no-op.
func (ln *Listener) StopAccepting(shutdownFlags int) error {
	ln.assertLoop()

	ln.acceptingDesired = false

	var result error
	for len(ln.handles) > 0 {
		h := ln.handles[len(ln.handles)-1]
		ln.handles = ln.handles[:len(ln.handles)-1]
		h.unregister()

		switch {
		case ln.shutdownSet != nil:
			ln.closeHandleSocket(h)
		case shutdownFlags >= 0:
			if h.sock.IncRef() {
				if err := unix.Shutdown(h.sock.Raw(), shutdownFlags); err != nil && result == nil {
					result = fmt.Errorf("shutdown listen socket: %w", err)
				}
				h.sock.DecRef()
			}
			ln.pendingClose = append(ln.pendingClose, h.sock)
		default:
			ln.closeHandleSocket(h)
		}
	}

	if ln.backoffTimer != nil {
		ln.backoffTimer.Cancel()
		ln.backoffTimer = nil
	}

	// Swap the table out before delivering stops -- the swap-then-iterate
	// teardown from folly's AsyncServerSocket. A callback that re-enters
	// the listener during AcceptStopped must see an empty table, not
	// mutate the one being iterated; iterating ln.callbacks directly here
	// would reintroduce exactly that bug.
	callbacks := ln.callbacks
	ln.callbacks = nil
	ln.cursor = 0
	ln.napiCallbacks = make(map[int]dispatchEntry)
	ln.localCallbackIndex = -1

	for i := range callbacks {
		if callbacks[i].consumer != nil {
			callbacks[i].consumer.stop()
		} else {
			callbacks[i].callback.AcceptStopped()
		}
	}

	return result
}

// Destroy finishes a two-phase shutdown: StopAccepting (immediate close)
// plus closing any sockets whose close was deferred by an earlier
// StopAccepting with shutdown flags.
func (ln *Listener) Destroy() error {
	err := ln.StopAccepting(-1)
	for _, sock := range ln.pendingClose {
		if cerr := sock.Close(); cerr != nil && cerr != unix.EBADF {
			slog.Error("failed to close shutdown-deferred socket", "sock", sock, "err", cerr)
		}
	}
	ln.pendingClose = nil
	return err
}
