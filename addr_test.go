// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package asock

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestAddrFromSockaddr(t *testing.T) {
	tests := []struct {
		name   string
		sa     unix.Sockaddr
		family int
		want   string
	}{
		{
			name:   "inet4",
			sa:     &unix.SockaddrInet4{Addr: [4]byte{192, 0, 2, 7}, Port: 8080},
			family: unix.AF_INET,
			want:   "192.0.2.7:8080",
		},
		{
			name: "inet6",
			sa: &unix.SockaddrInet6{
				Addr: [16]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
				Port: 443,
			},
			family: unix.AF_INET6,
			want:   "[2001:db8::1]:443",
		},
		{
			name: "v4 mapped is unmapped",
			sa: &unix.SockaddrInet6{
				Addr: [16]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 10, 0, 0, 1},
				Port: 80,
			},
			family: unix.AF_INET6,
			want:   "10.0.0.1:80",
		},
		{
			name:   "unix named",
			sa:     &unix.SockaddrUnix{Name: "/tmp/x.sock"},
			family: unix.AF_UNIX,
			want:   "unix:/tmp/x.sock",
		},
		{
			name:   "unix unnamed peer",
			sa:     nil,
			family: unix.AF_UNIX,
			want:   "unix:@",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := addrFromSockaddr(tt.sa, tt.family)
			if got.String() != tt.want {
				t.Fatalf("got %q, want %q", got.String(), tt.want)
			}
		})
	}
}

func TestSockaddrRoundTrip(t *testing.T) {
	addr := Addr{Family: unix.AF_UNIX, Path: "/run/asock.sock"}
	sa, err := sockaddrFromAddr(addr)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	back := addrFromSockaddr(sa, unix.AF_UNIX)
	if back.Path != addr.Path {
		t.Fatalf("got %q, want %q", back.Path, addr.Path)
	}
}
