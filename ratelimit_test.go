// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package asock

import (
	"math/rand"
	"testing"
	"time"
)

func TestRateLimiterFullRateAdmitsEverything(t *testing.T) {
	r := newRateLimiter(1.0)
	now := time.Now()
	for i := 0; i < 1000; i++ {
		now = now.Add(time.Microsecond)
		if !r.admit(now) {
			t.Fatalf("connection %d dropped at rate 1", i)
		}
	}
}

func TestRateLimiterQueueFullCut(t *testing.T) {
	r := newRateLimiter(1.0)
	r.onQueueFull()
	if got, want := r.rate, 0.9; got != want {
		t.Fatalf("rate after one cut: got %v, want %v", got, want)
	}
	r.onQueueFull()
	if got, want := r.rate, 0.81; got != want {
		t.Fatalf("rate after two cuts: got %v, want %v", got, want)
	}
}

func TestRateLimiterCutDisabledWithoutAdjustSpeed(t *testing.T) {
	r := newRateLimiter(0)
	r.onQueueFull()
	if r.rate != 1 {
		t.Fatalf("rate cut despite adjust speed 0: %v", r.rate)
	}
}

func TestRateLimiterRecoveryMonotonic(t *testing.T) {
	// The admission rate after a quiet interval must be non-decreasing in
	// the interval length.
	base := time.Now()
	prev := 0.0
	for _, quiet := range []time.Duration{
		10 * time.Millisecond, 100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second,
	} {
		r := newRateLimiter(1.0)
		r.rate = 0.1
		r.lastAccept = base
		r.admit(base.Add(quiet))
		if r.rate < prev {
			t.Fatalf("rate %v after %v quiet < rate %v after shorter interval", r.rate, quiet, prev)
		}
		prev = r.rate
	}
}

func TestRateLimiterFullRecoveryClamped(t *testing.T) {
	r := newRateLimiter(1.0)
	r.rate = 0.5
	base := r.lastAccept
	if !r.admit(base.Add(10 * time.Second)) {
		t.Fatalf("connection dropped after full recovery")
	}
	if r.rate != 1 {
		t.Fatalf("rate not clamped at 1: %v", r.rate)
	}
}

func TestRateLimiterDropsAtLowRate(t *testing.T) {
	r := newRateLimiter(0.000001)
	r.rng = rand.New(rand.NewSource(1))
	r.rate = 0.05
	base := r.lastAccept

	dropped := 0
	for i := 0; i < 1000; i++ {
		// Keep Δt tiny so the rate stays effectively constant.
		if !r.admit(base.Add(time.Duration(i) * time.Nanosecond)) {
			dropped++
		}
	}
	// At a 5% admission rate virtually everything is dropped; leave a wide
	// margin so the test isn't a coin flip.
	if dropped < 900 {
		t.Fatalf("dropped %d of 1000 at rate 0.05, want >= 900", dropped)
	}
}
