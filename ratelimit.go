// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package asock

import (
	"math"
	"math/rand"
	"time"
)

// queueFullRateCut is the multiplicative cut applied to the admission rate
// every time a callback's notification queue rejects a connection.
const queueFullRateCut = 0.1

// rateLimiter is the adaptive probabilistic admission filter. The rate is an
// admission probability in (0, 1]: 1 means every connection is admitted.
// Recovery is driven by time between accepts, so a burst after a lull is
// fully admitted; the cut on queue-full is orthogonal and biases the filter
// toward staying closed while consumers are saturated.
//
// All fields are private to the primary loop.
type rateLimiter struct {
	rate        float64
	adjustSpeed float64
	lastAccept  time.Time
	rng         *rand.Rand
}

func newRateLimiter(adjustSpeed float64) *rateLimiter {
	return &rateLimiter{
		rate:        1,
		adjustSpeed: adjustSpeed,
		lastAccept:  time.Now(),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// admit advances the recovery clock and decides whether to keep the
// connection accepted at now. Returns false to drop.
func (r *rateLimiter) admit(now time.Time) bool {
	dt := now.Sub(r.lastAccept)
	if dt < 0 {
		dt = 0
	}
	r.lastAccept = now

	if r.rate >= 1 {
		return true
	}
	r.rate *= 1 + r.adjustSpeed*dt.Seconds()
	if r.rate >= 1 {
		r.rate = 1
		return true
	}
	return float64(r.rng.Int63()) <= r.rate*float64(math.MaxInt64)
}

// onQueueFull aggressively decreases the admission rate. Only active when
// adaptive limiting is enabled.
func (r *rateLimiter) onQueueFull() {
	if r.adjustSpeed > 0 {
		r.rate *= 1 - queueFullRateCut
	}
}
