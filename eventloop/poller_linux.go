// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package eventloop

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// poller wraps an epoll instance plus an eventfd used to interrupt waits
// when tasks or timers are submitted from other goroutines.
type poller struct {
	epfd   int
	wakefd int
	closed atomic.Bool

	events []unix.EpollEvent
	ready  []int
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl add wakefd: %w", err)
	}
	return &poller{epfd: epfd, wakefd: wakefd, events: make([]unix.EpollEvent, 128)}, nil
}

// add registers fd for level-triggered read readiness. Level triggering
// matters: the accept pipeline intentionally stops early after a bounded
// number of accepts and relies on the next wait to re-report readiness.
func (p *poller) add(fd int) error {
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *poller) del(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks for up to timeoutMs (-1 blocks indefinitely) and returns the
// readable descriptors. The returned slice is reused across calls.
func (p *poller) wait(timeoutMs int) ([]int, error) {
	p.ready = p.ready[:0]
	for {
		n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if p.closed.Load() {
				return nil, nil
			}
			return nil, fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(p.events[i].Fd)
			if fd == p.wakefd {
				p.drainWake()
				continue
			}
			p.ready = append(p.ready, fd)
		}
		return p.ready, nil
	}
}

func (p *poller) wake() {
	if p.closed.Load() {
		return
	}
	var buf [8]byte
	buf[0] = 1
	// EAGAIN means a wakeup is already pending, which is just as good.
	_, _ = unix.Write(p.wakefd, buf[:])
}

func (p *poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (p *poller) close() {
	if p.closed.CompareAndSwap(false, true) {
		unix.Close(p.wakefd)
		unix.Close(p.epfd)
	}
}
