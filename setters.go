// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package asock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// The setters below mirror the Config fields but also apply the option to
// sockets the listener already owns, for callers that bind first and decide
// options later. All of them require the primary loop.

// withEachSocket runs fn for every live listening descriptor.
func (ln *Listener) withEachSocket(fn func(rawFD, family int) error) error {
	for _, h := range ln.handles {
		if !h.sock.IncRef() {
			continue
		}
		err := fn(h.sock.Raw(), h.family)
		h.sock.DecRef()
		if err != nil {
			return err
		}
	}
	return nil
}

// SetReuseAddr toggles SO_REUSEADDR on current and future sockets.
func (ln *Listener) SetReuseAddr(enable bool) error {
	ln.assertLoop()
	ln.cfg.ReuseAddr = enable
	val := 0
	if enable {
		val = 1
	}
	return ln.withEachSocket(func(rawFD, family int) error {
		if family == unix.AF_UNIX {
			return nil
		}
		if err := unix.SetsockoptInt(rawFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, val); err != nil {
			return fmt.Errorf("failed to set SO_REUSEADDR on server socket: %w", err)
		}
		return nil
	})
}

// SetZeroCopy requests SO_ZEROCOPY on current and future sockets. Returns
// true when at least one live socket accepted the option.
func (ln *Listener) SetZeroCopy(enable bool) bool {
	ln.assertLoop()
	ln.cfg.ZeroCopy = enable
	val := 0
	if enable {
		val = 1
	}
	applied := false
	_ = ln.withEachSocket(func(rawFD, family int) error {
		if unix.SetsockoptInt(rawFD, unix.SOL_SOCKET, unix.SO_ZEROCOPY, val) == nil {
			applied = true
		}
		return nil
	})
	return applied
}

// SetTOSReflect enables SYN saving on current sockets so accepted
// connections reflect the client's DSCP bits.
func (ln *Listener) SetTOSReflect(enable bool) error {
	ln.assertLoop()
	if !enable {
		ln.cfg.TOSReflect = false
		return nil
	}
	err := ln.withEachSocket(func(rawFD, family int) error {
		if family != unix.AF_INET && family != unix.AF_INET6 {
			return nil
		}
		if err := unix.SetsockoptInt(rawFD, unix.IPPROTO_TCP, unix.TCP_SAVE_SYN, 1); err != nil {
			return fmt.Errorf("failed to enable TOS reflect: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	ln.cfg.TOSReflect = true
	return nil
}

// SetListenerTOS sets the TOS/traffic-class byte on current and future
// listening sockets.
func (ln *Listener) SetListenerTOS(tos int) error {
	ln.assertLoop()
	if tos == 0 {
		ln.cfg.ListenerTOS = 0
		return nil
	}
	err := ln.withEachSocket(func(rawFD, family int) error {
		if family != unix.AF_INET && family != unix.AF_INET6 {
			return nil
		}
		if err := setTOS(rawFD, family, tos); err != nil {
			return fmt.Errorf("failed to set TOS for socket: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	ln.cfg.ListenerTOS = tos
	return nil
}
