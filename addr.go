// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package asock

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Addr is the address of a socket the listener owns or accepted. Exactly one
// representation is populated depending on Family.
type Addr struct {
	Family int // unix.AF_INET, unix.AF_INET6, unix.AF_UNIX

	// IP is set for AF_INET and AF_INET6.
	IP netip.AddrPort

	// Path is set for AF_UNIX. Empty for unnamed peers, which is the common
	// case for accepted unix sockets.
	Path string
}

func (a Addr) String() string {
	switch a.Family {
	case unix.AF_INET, unix.AF_INET6:
		return a.IP.String()
	case unix.AF_UNIX:
		if a.Path == "" {
			return "unix:@"
		}
		return "unix:" + a.Path
	}
	return fmt.Sprintf("af_%d", a.Family)
}

// Port returns the TCP port, or 0 for non-IP families.
func (a Addr) Port() uint16 {
	return a.IP.Port()
}

// addrFromSockaddr converts the kernel's sockaddr. family is the listening
// socket's family: some kernels do not fill in the family for AF_UNIX
// accepts, so the caller pre-supplies it.
func addrFromSockaddr(sa unix.Sockaddr, family int) Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return Addr{
			Family: unix.AF_INET,
			IP:     netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)),
		}
	case *unix.SockaddrInet6:
		addr := netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
		if addr.Addr().Is4In6() {
			addr = netip.AddrPortFrom(netip.AddrFrom4(addr.Addr().As4()), addr.Port())
			return Addr{Family: unix.AF_INET, IP: addr}
		}
		return Addr{Family: unix.AF_INET6, IP: addr}
	case *unix.SockaddrUnix:
		return Addr{Family: unix.AF_UNIX, Path: sa.Name}
	}
	return Addr{Family: family}
}

// sockaddrFromAddr builds the unix.Sockaddr to bind to.
func sockaddrFromAddr(a Addr) (unix.Sockaddr, error) {
	switch a.Family {
	case unix.AF_INET:
		var sa unix.SockaddrInet4
		sa.Addr = a.IP.Addr().As4()
		sa.Port = int(a.IP.Port())
		return &sa, nil
	case unix.AF_INET6:
		var sa unix.SockaddrInet6
		sa.Addr = a.IP.Addr().As16()
		sa.Port = int(a.IP.Port())
		return &sa, nil
	case unix.AF_UNIX:
		return &unix.SockaddrUnix{Name: a.Path}, nil
	}
	return nil, fmt.Errorf("unsupported address family %d", a.Family)
}

// TCPAddr builds an AF_INET or AF_INET6 Addr from a netip address and port.
func TCPAddr(ip netip.Addr, port uint16) Addr {
	family := unix.AF_INET
	if ip.Is6() && !ip.Is4In6() {
		family = unix.AF_INET6
	}
	return Addr{Family: family, IP: netip.AddrPortFrom(ip, port)}
}

// UnixAddr builds an AF_UNIX Addr.
func UnixAddr(path string) Addr {
	return Addr{Family: unix.AF_UNIX, Path: path}
}

// localAddr reads back the socket's bound address.
func localAddr(rawFD int) (Addr, error) {
	sa, err := unix.Getsockname(rawFD)
	if err != nil {
		return Addr{}, fmt.Errorf("getsockname: %w", err)
	}
	return addrFromSockaddr(sa, familyOfSockaddr(sa)), nil
}

func familyOfSockaddr(sa unix.Sockaddr) int {
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET
	case *unix.SockaddrInet6:
		return unix.AF_INET6
	case *unix.SockaddrUnix:
		return unix.AF_UNIX
	}
	return unix.AF_UNSPEC
}
