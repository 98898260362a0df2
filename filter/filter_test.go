// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package filter

import (
	"net/netip"
	"testing"

	"subtrace.dev/asock"
)

func peer(t *testing.T, ip string, port uint16) asock.Addr {
	t.Helper()
	parsed, err := netip.ParseAddr(ip)
	if err != nil {
		t.Fatalf("parse %q: %v", ip, err)
	}
	return asock.TCPAddr(parsed, port)
}

func TestFirstMatchWins(t *testing.T) {
	f, err := New([]*Rule{
		{If: `peer.ip.startsWith("10.")`, Then: ActionDeny},
		{If: `true`, Then: ActionAllow},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if f.Allow(peer(t, "10.1.2.3", 1000)) {
		t.Fatalf("10.0.0.0/8 peer allowed")
	}
	if !f.Allow(peer(t, "192.0.2.1", 1000)) {
		t.Fatalf("ordinary peer denied")
	}
}

func TestNoMatchAllows(t *testing.T) {
	f, err := New([]*Rule{
		{If: `peer.port == 7`, Then: ActionDeny},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !f.Allow(peer(t, "192.0.2.1", 1000)) {
		t.Fatalf("unmatched peer denied")
	}
	if f.Allow(peer(t, "192.0.2.1", 7)) {
		t.Fatalf("matched deny rule allowed")
	}
}

func TestFamilyVariable(t *testing.T) {
	f, err := New([]*Rule{
		{If: `peer.family == "unix"`, Then: ActionDeny},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if f.Allow(asock.UnixAddr("")) {
		t.Fatalf("unix peer allowed by family rule")
	}
	if !f.Allow(peer(t, "192.0.2.1", 1)) {
		t.Fatalf("tcp peer denied by unix family rule")
	}
}

func TestCompileErrors(t *testing.T) {
	if _, err := New([]*Rule{{If: `peer.port`, Then: ActionDeny}}); err == nil {
		t.Fatalf("non-boolean rule compiled")
	}
	if _, err := New([]*Rule{{If: `true`, Then: "reject"}}); err == nil {
		t.Fatalf("invalid action accepted")
	}
	if _, err := New([]*Rule{{If: `peer.(`, Then: ActionDeny}}); err == nil {
		t.Fatalf("syntax error accepted")
	}
}
