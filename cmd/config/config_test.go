// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "asock.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen:
  port: 9090
  backlog: 256
options:
  reuse_port: true
  keepalive: false
  tos_reflect: true
limits:
  max_accept_per_wake: 10
  max_queue_depth: 64
  queue_timeout: 250ms
  accept_rate_adjust_speed: 0.5
rules:
  - if: peer.ip.startsWith("10.")
    then: deny
`)

	c := new(Config)
	if err := c.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg := c.ListenerConfig()
	if !cfg.ReusePort {
		t.Errorf("reuse_port not applied")
	}
	if cfg.KeepAlive {
		t.Errorf("keepalive=false not applied")
	}
	if !cfg.TOSReflect {
		t.Errorf("tos_reflect not applied")
	}
	if cfg.MaxAcceptPerWake != 10 {
		t.Errorf("max_accept_per_wake = %d, want 10", cfg.MaxAcceptPerWake)
	}
	if cfg.MaxQueueDepth != 64 {
		t.Errorf("max_queue_depth = %d, want 64", cfg.MaxQueueDepth)
	}
	if cfg.QueueTimeout != 250*time.Millisecond {
		t.Errorf("queue_timeout = %v, want 250ms", cfg.QueueTimeout)
	}
	if cfg.AcceptRateAdjustSpeed != 0.5 {
		t.Errorf("accept_rate_adjust_speed = %v, want 0.5", cfg.AcceptRateAdjustSpeed)
	}
	if c.Backlog() != 256 {
		t.Errorf("backlog = %d, want 256", c.Backlog())
	}
	if c.Filter() == nil {
		t.Errorf("rules compiled but filter is nil")
	}
}

func TestDefaults(t *testing.T) {
	c := new(Config)
	if err := c.Validate(); err != nil {
		t.Fatalf("validate empty config: %v", err)
	}
	cfg := c.ListenerConfig()
	if cfg.MaxAcceptPerWake != 30 || cfg.MaxCallbackAcceptPerWake != 50 || cfg.MaxQueueDepth != 1024 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if !cfg.ReuseAddr || !cfg.KeepAlive || !cfg.CloseOnExec {
		t.Errorf("boolean defaults not applied: %+v", cfg)
	}
	if c.Filter() != nil {
		t.Errorf("filter for empty rule set should be nil")
	}
	if c.Backlog() != 1024 {
		t.Errorf("default backlog = %d, want 1024", c.Backlog())
	}
}

func TestInvalidRule(t *testing.T) {
	path := writeConfig(t, `
rules:
  - if: peer.port
    then: deny
`)
	c := new(Config)
	if err := c.Load(path); err == nil {
		t.Fatalf("non-boolean rule loaded")
	}
}

func TestInvalidDuration(t *testing.T) {
	path := writeConfig(t, `
limits:
  queue_timeout: later
`)
	c := new(Config)
	if err := c.Load(path); err == nil {
		t.Fatalf("invalid duration loaded")
	}
}
