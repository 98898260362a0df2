// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package serve implements a demo echo server on top of the asynchronous
// server socket: one primary loop accepting, N consumer loops handling
// connections round-robin.
package serve

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"subtrace.dev/asock"
	"subtrace.dev/asock/cmd/config"
	"subtrace.dev/asock/eventloop"
	"subtrace.dev/asock/logging"
	"subtrace.dev/asock/shutdownset"
	"subtrace.dev/asock/stats"
)

type Command struct {
	flags struct {
		listen  string
		unix    string
		workers int
		ws      bool
		config  string
	}

	config *config.Config

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "serve"
	c.ShortUsage = "asock serve [flags]"
	c.ShortHelp = "run a demo echo server"

	c.FlagSet = flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.listen, "listen", ":0", "TCP listen address (host:port)")
	c.FlagSet.StringVar(&c.flags.unix, "unix", "", "also listen on a unix socket path")
	c.FlagSet.IntVar(&c.flags.workers, "workers", 2, "number of consumer loops")
	c.FlagSet.BoolVar(&c.flags.ws, "ws", false, "speak websocket echo instead of raw echo")
	c.FlagSet.StringVar(&c.flags.config, "config", "", "configuration file path")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose debug logging")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("ASOCK")}
	c.Exec = c.entrypoint
	return &c.Command
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	logging.Init()

	c.config = new(config.Config)
	if c.flags.config != "" {
		if err := c.config.Load(c.flags.config); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	} else if err := c.config.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()

	primary, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("create primary loop: %w", err)
	}
	go primary.Run()

	shutdown := shutdownset.New()
	defer shutdown.CloseAll()

	counters := new(stats.Stats)
	go counters.Report(ctx, 10*time.Second)

	ln := asock.NewListener(primary, c.config.ListenerConfig())

	var workers []*worker
	errc := make(chan error, 1)
	runOn(primary, func() {
		errc <- func() error {
			ln.SetShutdownSet(shutdown)
			ln.SetConnectionEventCallback(&observer{stats: counters})
			if f := c.config.Filter(); f != nil {
				ln.SetConnectionFilter(f)
			}

			if err := c.bind(ln); err != nil {
				return err
			}
			if err := ln.Listen(c.config.Backlog()); err != nil {
				return err
			}

			for i := 0; i < c.flags.workers; i++ {
				w, err := newWorker(i, c.flags.ws)
				if err != nil {
					return err
				}
				workers = append(workers, w)
				if err := ln.AddCallback(w, w.loop, 0); err != nil {
					return err
				}
			}
			return ln.StartAccepting()
		}()
	})
	if err := <-errc; err != nil {
		primary.Stop()
		return err
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		addrs, err := runOn2(primary, ln.GetAddresses)
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			fmt.Fprintf(os.Stdout, "listening on %v\n", addr)
		}
	}

	<-ctx.Done()

	runOn(primary, func() { ln.StopAccepting(-1) })
	for _, w := range workers {
		w.stopLoop()
	}
	primary.Stop()
	primary.Wait()
	return nil
}

func (c *Command) bind(ln *asock.Listener) error {
	if path := c.flags.unix; path != "" {
		return ln.Bind(asock.UnixAddr(path))
	}
	if path := c.config.Listen.Unix; path != "" {
		return ln.Bind(asock.UnixAddr(path))
	}
	if len(c.config.Listen.Addresses) > 0 {
		var ips []netip.Addr
		for _, s := range c.config.Listen.Addresses {
			ip, err := netip.ParseAddr(s)
			if err != nil {
				return fmt.Errorf("parse listen address %q: %w", s, err)
			}
			ips = append(ips, ip)
		}
		return ln.BindAddrs(ips, c.config.Listen.Port)
	}

	addrPort, err := netip.ParseAddrPort(resolveWildcard(c.flags.listen))
	if err != nil {
		return fmt.Errorf("parse listen address %q: %w", c.flags.listen, err)
	}
	if addrPort.Addr().IsUnspecified() {
		return ln.BindPort(addrPort.Port())
	}
	return ln.Bind(asock.TCPAddr(addrPort.Addr(), addrPort.Port()))
}

// resolveWildcard turns ":8080" into a parseable wildcard address.
func resolveWildcard(s string) string {
	if len(s) > 0 && s[0] == ':' {
		return "0.0.0.0" + s
	}
	return s
}

// runOn executes fn on the loop and waits for it to finish.
func runOn(loop *eventloop.Loop, fn func()) {
	done := make(chan struct{})
	loop.RunOnLoop(func() {
		defer close(done)
		fn()
	})
	<-done
}

func runOn2[T any](loop *eventloop.Loop, fn func() (T, error)) (T, error) {
	var val T
	var err error
	runOn(loop, func() { val, err = fn() })
	return val, err
}
