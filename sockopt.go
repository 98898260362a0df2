// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package asock

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
	"subtrace.dev/asock/fd"
)

// setupSocket applies the listener's socket options to a descriptor it
// created or adopted, before bind. Non-blocking mode is mandatory; most
// other options degrade to a logged error so one unsupported option doesn't
// take the listener down.
func (ln *Listener) setupSocket(rawFD int, family int) error {
	if err := unix.SetNonblock(rawFD, true); err != nil {
		return fmt.Errorf("failed to put socket in non-blocking mode: %w", err)
	}

	// AF_UNIX does not support SO_REUSEADDR.
	if family != unix.AF_UNIX && ln.cfg.ReuseAddr {
		if err := unix.SetsockoptInt(rawFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			slog.Error("failed to set SO_REUSEADDR on server socket", "fd", rawFD, "err", err)
		}
	}

	if ln.cfg.ReusePort {
		if err := unix.SetsockoptInt(rawFD, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			addr, _ := localAddr(rawFD)
			return fmt.Errorf("failed to set SO_REUSEPORT on server socket %v: %w", addr, err)
		}
	}

	keepalive := 0
	if ln.cfg.KeepAlive {
		keepalive = 1
	}
	if err := unix.SetsockoptInt(rawFD, unix.SOL_SOCKET, unix.SO_KEEPALIVE, keepalive); err != nil {
		slog.Error("failed to set SO_KEEPALIVE on server socket", "fd", rawFD, "err", err)
	}

	if ln.cfg.CloseOnExec {
		if _, err := unix.FcntlInt(uintptr(rawFD), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
			slog.Error("failed to set FD_CLOEXEC on server socket", "fd", rawFD, "err", err)
		}
	}

	if family != unix.AF_UNIX && family != unix.AF_VSOCK {
		if err := unix.SetsockoptInt(rawFD, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			slog.Error("failed to set TCP_NODELAY on server socket", "fd", rawFD, "err", err)
		}
	}

	if ln.cfg.TFO {
		qlen := ln.cfg.TFOMaxQueueSize
		if qlen <= 0 {
			qlen = 1
		}
		if err := unix.SetsockoptInt(rawFD, unix.IPPROTO_TCP, unix.TCP_FASTOPEN, qlen); err != nil {
			slog.Warn("failed to set TCP_FASTOPEN on server socket", "fd", rawFD, "err", err)
		}
	}

	if ln.cfg.ZeroCopy {
		if err := unix.SetsockoptInt(rawFD, unix.SOL_SOCKET, unix.SO_ZEROCOPY, 1); err != nil {
			slog.Warn("failed to set SO_ZEROCOPY on server socket", "fd", rawFD, "err", err)
		}
	}

	if ln.cfg.IPFreebind {
		if err := unix.SetsockoptInt(rawFD, unix.IPPROTO_IP, unix.IP_FREEBIND, 1); err != nil {
			slog.Error("failed to set IP_FREEBIND on server socket", "fd", rawFD, "err", err)
		}
	}

	if family == unix.AF_INET || family == unix.AF_INET6 {
		if ln.cfg.TOSReflect {
			if err := unix.SetsockoptInt(rawFD, unix.IPPROTO_TCP, unix.TCP_SAVE_SYN, 1); err != nil {
				slog.Error("failed to enable SYN save on server socket", "fd", rawFD, "err", err)
			}
		}
		if tos := ln.cfg.ListenerTOS; tos != 0 {
			if err := setTOS(rawFD, family, tos); err != nil {
				slog.Error("failed to set TOS on server socket", "fd", rawFD, "err", err)
			}
		}
	}

	if ln.cfg.NoTransparentTLS {
		disableTransparentTLS(rawFD)
	}

	if ln.shutdownSet != nil {
		ln.shutdownSet.Add(rawFD)
	}
	return nil
}

func setTOS(rawFD, family, tos int) error {
	if family == unix.AF_INET6 {
		return unix.SetsockoptInt(rawFD, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	}
	return unix.SetsockoptInt(rawFD, unix.IPPROTO_IP, unix.IP_TOS, tos)
}

// disableTransparentTLS marks the socket so kernel TLS offload leaves it
// alone. The option only exists on kernels carrying the transparent TLS
// patches, so this is best-effort on everything else.
func disableTransparentTLS(rawFD int) {
	slog.Debug("transparent TLS disable requested; option not present on this kernel", "fd", rawFD)
}

// reflectTOS copies the 6-bit DSCP field from the client's saved SYN onto
// the accepted socket. The listening socket must have TCP_SAVE_SYN enabled.
func reflectTOS(conn *fd.FD, family int) {
	if !conn.IncRef() {
		return
	}
	defer conn.DecRef()
	rawFD := conn.Raw()

	syn, err := unix.GetsockoptString(rawFD, unix.IPPROTO_TCP, unix.TCP_SAVED_SYN)
	if err != nil || len(syn) < 4 {
		slog.Error("unable to get saved SYN packet for accepted socket", "conn", conn, "err", err)
		return
	}

	// The first word of the saved SYN is the start of the IP header in
	// network byte order. The DSCP bits sit at a different offset for each
	// family.
	word0 := binary.BigEndian.Uint32([]byte(syn[:4]))
	switch family {
	case unix.AF_INET6:
		if tos := (word0 & 0x0FC00000) >> 20; tos != 0 {
			err = unix.SetsockoptInt(rawFD, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, int(tos))
		}
	case unix.AF_INET:
		if tos := (word0 & 0x00FC0000) >> 16; tos != 0 {
			err = unix.SetsockoptInt(rawFD, unix.IPPROTO_IP, unix.IP_TOS, int(tos))
		}
	}
	if err != nil {
		slog.Error("unable to set TOS for accepted socket", "conn", conn, "err", err)
	}
}

// socketNapiID reads the kernel receive-path affinity group of an accepted
// socket, or -1 when the kernel doesn't report one.
func socketNapiID(conn *fd.FD) int {
	if !conn.IncRef() {
		return -1
	}
	defer conn.DecRef()

	id, err := unix.GetsockoptInt(conn.Raw(), unix.SOL_SOCKET, unix.SO_INCOMING_NAPI_ID)
	if err != nil || id == 0 {
		return -1
	}
	return id
}
