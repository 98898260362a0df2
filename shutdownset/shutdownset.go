// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package shutdownset tracks listening sockets that must be force-closed
// when the process shuts down. A listener registers its descriptors here so
// that an orderly shutdown can close every socket it ever handed out, even
// ones whose owners have stopped looping.
package shutdownset

import (
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

type Set struct {
	mu  sync.Mutex
	fds map[int]struct{}
}

func New() *Set {
	return &Set{fds: make(map[int]struct{})}
}

func (s *Set) Add(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fds[fd] = struct{}{}
}

func (s *Set) Remove(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fds, fd)
}

// Close removes fd from the set and closes it. Unlike CloseAll, this is the
// path the listener takes for its own sockets during StopAccepting.
func (s *Set) Close(fd int) {
	s.mu.Lock()
	_, tracked := s.fds[fd]
	delete(s.fds, fd)
	s.mu.Unlock()

	if !tracked {
		slog.Debug("closing socket not tracked by shutdown set", "fd", fd)
	}
	if err := unix.Close(fd); err != nil {
		slog.Error("failed to close socket from shutdown set", "fd", fd, "err", err)
	}
}

// CloseAll closes every tracked descriptor. Called once at process
// shutdown.
func (s *Set) CloseAll() {
	s.mu.Lock()
	fds := make([]int, 0, len(s.fds))
	for fd := range s.fds {
		fds = append(fds, fd)
	}
	s.fds = make(map[int]struct{})
	s.mu.Unlock()

	for _, fd := range fds {
		if err := unix.Close(fd); err != nil {
			slog.Error("failed to close socket at shutdown", "fd", fd, "err", err)
		}
	}
}
