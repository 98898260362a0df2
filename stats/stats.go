// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package stats tracks listener throughput counters. Counters are relaxed:
// they are incremented from the primary and consumer loops and read from
// anywhere for telemetry.
package stats

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

type Stats struct {
	Accepted atomic.Uint64
	Dropped  atomic.Uint64
	Enqueued atomic.Uint64
	Dequeued atomic.Uint64
	Errors   atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Accepted uint64
	Dropped  uint64
	Enqueued uint64
	Dequeued uint64
	Errors   uint64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Accepted: s.Accepted.Load(),
		Dropped:  s.Dropped.Load(),
		Enqueued: s.Enqueued.Load(),
		Dequeued: s.Dequeued.Load(),
		Errors:   s.Errors.Load(),
	}
}

// Report logs a snapshot every interval until ctx is canceled.
func (s *Stats) Report(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := s.Snapshot()
			slog.Info("listener stats",
				"accepted", snap.Accepted,
				"dropped", snap.Dropped,
				"enqueued", snap.Enqueued,
				"dequeued", snap.Dequeued,
				"errors", snap.Errors)
		case <-ctx.Done():
			return
		}
	}
}
