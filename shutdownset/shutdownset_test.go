// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package shutdownset

import (
	"testing"

	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (int, int) {
	t.Helper()
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	return fds[0], fds[1]
}

func isClosed(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == unix.EBADF
}

func TestClose(t *testing.T) {
	r, w := newPipe(t)
	defer unix.Close(w)

	s := New()
	s.Add(r)
	s.Close(r)
	if !isClosed(r) {
		t.Fatalf("fd still open after Close")
	}
}

func TestRemoveKeepsOpen(t *testing.T) {
	r, w := newPipe(t)
	defer unix.Close(r)
	defer unix.Close(w)

	s := New()
	s.Add(r)
	s.Remove(r)
	s.CloseAll()
	if isClosed(r) {
		t.Fatalf("removed fd was closed by CloseAll")
	}
}

func TestCloseAll(t *testing.T) {
	r1, w1 := newPipe(t)
	r2, w2 := newPipe(t)
	defer unix.Close(w1)
	defer unix.Close(w2)

	s := New()
	s.Add(r1)
	s.Add(r2)
	s.CloseAll()
	if !isClosed(r1) || !isClosed(r2) {
		t.Fatalf("tracked fds still open after CloseAll")
	}

	// The set is empty afterwards; a second CloseAll is a no-op.
	s.CloseAll()
}
