// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package fd

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestRefsDrainBeforeClose(t *testing.T) {
	fd := New(1234)

	var wg sync.WaitGroup
	var entries atomic.Uint64
	var done atomic.Bool
	final := -1

	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(30 * time.Millisecond)
		ok := fd.CloseWith(func(raw int) {
			if raw != 1234 {
				t.Errorf("close handler got %d, want 1234", raw)
			}
			// Every goroutine that entered the guard has left it by now.
			final = int(entries.Load())
		})
		if !ok {
			t.Errorf("CloseWith failed on open fd")
		}
		done.Store(true)
	}()

	for !done.Load() {
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if !fd.IncRef() {
					return
				}
				entries.Add(1)
				defer fd.DecRef()
				time.Sleep(time.Duration(i%7) * time.Microsecond)
				if got := fd.Raw(); got != 1234 {
					t.Errorf("got %d, want 1234", got)
				}
			}(i)
		}
	}

	wg.Wait()

	if got := int(entries.Load()); got != final {
		t.Fatalf("%d guarded entries total, %d when the close handler ran", got, final)
	}
}

func TestSecondCloserLoses(t *testing.T) {
	fd := New(77)

	ran := false
	if !fd.CloseWith(func(int) { ran = true }) {
		t.Fatalf("first CloseWith failed")
	}
	if !ran {
		t.Fatalf("close handler did not run")
	}

	if fd.IncRef() {
		t.Fatalf("IncRef succeeded on closed fd")
	}
	if fd.CloseWith(func(int) { t.Errorf("second close handler ran") }) {
		t.Fatalf("second CloseWith succeeded")
	}
	if err := fd.Close(); err != unix.EBADF {
		t.Fatalf("Close after CloseWith: got %v, want EBADF", err)
	}
}

func TestCloseReal(t *testing.T) {
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[1])

	r := New(fds[0])
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Close(); err != unix.EBADF {
		t.Fatalf("second close: got %v, want EBADF", err)
	}
}

func TestRawPanicsAfterClose(t *testing.T) {
	fd := New(9)
	fd.CloseWith(func(int) {})

	defer func() {
		if recover() == nil {
			t.Fatalf("Raw on closed fd did not panic")
		}
	}()
	fd.Raw()
}
