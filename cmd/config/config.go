// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"subtrace.dev/asock"
	"subtrace.dev/asock/filter"
)

// Config is the YAML surface of the serve command. Everything maps onto
// asock.Config plus the optional peer rules.
type Config struct {
	Listen struct {
		Port      uint16   `yaml:"port"`
		Addresses []string `yaml:"addresses"`
		Unix      string   `yaml:"unix"`
		Backlog   int      `yaml:"backlog"`
	} `yaml:"listen"`

	Options struct {
		ReuseAddr        *bool  `yaml:"reuse_addr"`
		ReusePort        bool   `yaml:"reuse_port"`
		KeepAlive        *bool  `yaml:"keepalive"`
		CloseOnExec      *bool  `yaml:"close_on_exec"`
		TFO              bool   `yaml:"tfo"`
		TFOMaxQueueSize  int    `yaml:"tfo_max_queue_size"`
		ZeroCopy         bool   `yaml:"zero_copy"`
		IPFreebind       bool   `yaml:"ip_freebind"`
		TOSReflect       bool   `yaml:"tos_reflect"`
		ListenerTOS      int    `yaml:"listener_tos"`
		NoTransparentTLS *bool  `yaml:"no_transparent_tls"`
		BindToDevice     string `yaml:"bind_to_device"`
	} `yaml:"options"`

	Limits struct {
		MaxAcceptPerWake         int      `yaml:"max_accept_per_wake"`
		MaxCallbackAcceptPerWake int      `yaml:"max_callback_accept_per_wake"`
		MaxQueueDepth            int      `yaml:"max_queue_depth"`
		QueueTimeout             Duration `yaml:"queue_timeout"`
		AcceptRateAdjustSpeed    float64  `yaml:"accept_rate_adjust_speed"`
	} `yaml:"limits"`

	Rules []*filter.Rule `yaml:"rules"`

	compiled *filter.Filter
}

func (c *Config) Load(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	if err = yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	slog.Debug("parsed config", "rules", len(c.Rules))
	return nil
}

func (c *Config) Validate() error {
	if c.Listen.Backlog < 0 {
		return fmt.Errorf("config: negative backlog")
	}
	compiled, err := filter.New(c.Rules)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.compiled = compiled
	return nil
}

// Filter returns the compiled peer filter, or nil when no rules were
// configured. Only valid after Load/Validate.
func (c *Config) Filter() *filter.Filter {
	if len(c.Rules) == 0 {
		return nil
	}
	return c.compiled
}

// ListenerConfig translates the YAML options into the listener's config.
func (c *Config) ListenerConfig() asock.Config {
	cfg := asock.DefaultConfig()

	if v := c.Options.ReuseAddr; v != nil {
		cfg.ReuseAddr = *v
	}
	if v := c.Options.KeepAlive; v != nil {
		cfg.KeepAlive = *v
	}
	if v := c.Options.CloseOnExec; v != nil {
		cfg.CloseOnExec = *v
	}
	if v := c.Options.NoTransparentTLS; v != nil {
		cfg.NoTransparentTLS = *v
	}
	cfg.ReusePort = c.Options.ReusePort
	cfg.TFO = c.Options.TFO
	cfg.TFOMaxQueueSize = c.Options.TFOMaxQueueSize
	cfg.ZeroCopy = c.Options.ZeroCopy
	cfg.IPFreebind = c.Options.IPFreebind
	cfg.TOSReflect = c.Options.TOSReflect
	cfg.ListenerTOS = c.Options.ListenerTOS
	cfg.BindToDevice = c.Options.BindToDevice

	if v := c.Limits.MaxAcceptPerWake; v > 0 {
		cfg.MaxAcceptPerWake = v
	}
	if v := c.Limits.MaxCallbackAcceptPerWake; v > 0 {
		cfg.MaxCallbackAcceptPerWake = v
	}
	if v := c.Limits.MaxQueueDepth; v > 0 {
		cfg.MaxQueueDepth = v
	}
	cfg.QueueTimeout = time.Duration(c.Limits.QueueTimeout)
	cfg.AcceptRateAdjustSpeed = c.Limits.AcceptRateAdjustSpeed
	return cfg
}

// Backlog returns the configured listen backlog, defaulting to 1024.
func (c *Config) Backlog() int {
	if c.Listen.Backlog > 0 {
		return c.Listen.Backlog
	}
	return 1024
}

// Duration parses YAML durations written the Go way ("100ms", "1s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"100ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(parsed)
	return nil
}
