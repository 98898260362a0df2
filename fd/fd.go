// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package fd contains a reference counted container for file descriptors.
//
// Accepted connection sockets change hands several times before they reach
// the user: the accept pipeline creates them, the dispatcher may enqueue
// them for a consumer loop, and the deadline check or an overload drop may
// close them from yet another code path. Passing raw descriptor numbers
// across those boundaries is how descriptors get double-closed or leak, so
// every socket owned by this module travels as a *fd.FD and the raw number
// is only visible inside IncRef/DecRef guards.
//
// The counter tracks ownership, not just syscalls in flight: New hands the
// caller the owning reference, and only Close (or CloseWith) may release
// it. Transient holders bracket syscalls with IncRef/DecRef; the closer
// waits for them to drain before the descriptor is actually closed, so a
// concurrent Raw() can never observe a recycled descriptor number.
package fd

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	// closing is set once and never cleared; IncRef fails from then on.
	closing = 1 << 63

	// refMask extracts the live reference count.
	refMask = closing - 1

	maxRefs = 1 << 24
)

// FD is a reference counted file descriptor.
type FD struct {
	// state holds the closing bit and the live reference count, including
	// the owner's reference created by New.
	state atomic.Uint64

	// raw is the OS descriptor, or -1 once the close handler has run.
	raw atomic.Int64

	// drained is closed when the reference count reaches zero with the
	// closing bit set. The closer blocks on it.
	drained chan struct{}

	origFD int // for logging only; never passed to syscalls

	_ func() // no copy
}

// New returns a FD owning raw. The owning reference is released by Close or
// CloseWith, never by DecRef.
func New(raw int) *FD {
	fd := &FD{drained: make(chan struct{}), origFD: raw}
	fd.state.Store(1)
	fd.raw.Store(int64(raw))
	return fd
}

func (fd *FD) String() string {
	if raw := fd.raw.Load(); raw >= 0 {
		return fmt.Sprintf("fd_%d", raw)
	}
	return fmt.Sprintf("fd_%d[closed]", fd.origFD)
}

// IncRef takes a transient reference. It fails once a close has started;
// the caller must not touch the descriptor then.
func (fd *FD) IncRef() bool {
	for {
		s := fd.state.Load()
		if s&closing != 0 {
			return false
		}
		if s&refMask >= maxRefs {
			panic(fmt.Sprintf("too many concurrent file descriptor references (max %d)", maxRefs))
		}
		if fd.state.CompareAndSwap(s, s+1) {
			return true
		}
	}
}

// Raw returns the underlying operating system file descriptor number. It
// must only be called between IncRef and DecRef (or inside a CloseWith
// handler, which receives it directly).
func (fd *FD) Raw() int {
	raw := fd.raw.Load()
	if raw < 0 {
		panic("file descriptor misuse outside IncRef/DecRef guards: file closed")
	}
	return int(raw)
}

// DecRef drops a reference taken with IncRef.
func (fd *FD) DecRef() {
	s := fd.state.Add(^uint64(0))
	switch {
	case s&refMask >= maxRefs:
		panic(fmt.Sprintf("file descriptor reference underflow: %016x", s))
	case s == closing:
		// Last reference out while a closer is waiting.
		close(fd.drained)
	case s == 0:
		// The owner's reference can only be released through Close; losing
		// it any other way leaks the descriptor with no way back.
		panic("file descriptor released without being closed")
	}
}

// CloseWith marks the descriptor closed, waits for transient references to
// drain, and hands the raw descriptor to fn, which must dispose of it.
// Returns false if another closer got there first, in which case fn does
// not run. Blocks at most as long as the longest IncRef/DecRef window.
func (fd *FD) CloseWith(fn func(raw int)) bool {
	for {
		s := fd.state.Load()
		if s&closing != 0 {
			return false
		}
		if fd.state.CompareAndSwap(s, s|closing) {
			break
		}
	}

	// Release the owner's reference and wait out the transient ones.
	fd.DecRef()
	<-fd.drained

	raw := fd.raw.Swap(-1)
	if raw < 0 {
		panic("file descriptor closed twice despite closing bit")
	}
	fn(int(raw))
	return true
}

// Close is CloseWith backed by close(2). It returns unix.EBADF if the
// descriptor was already closed by someone else.
func (fd *FD) Close() error {
	var err error
	closed := fd.CloseWith(func(raw int) {
		if cerr := unix.Close(raw); cerr != nil {
			err = fmt.Errorf("close fd_%d: %w", raw, cerr)
		}
	})
	if !closed {
		return unix.EBADF
	}
	return err
}
