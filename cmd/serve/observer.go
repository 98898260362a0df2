// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package serve

import (
	"context"
	"log/slog"

	"subtrace.dev/asock"
	"subtrace.dev/asock/event"
	"subtrace.dev/asock/fd"
	"subtrace.dev/asock/stats"
)

// observer bridges listener lifecycle events into counters and debug logs.
// It runs on the listener's loops and must stay non-blocking.
type observer struct {
	stats *stats.Stats
}

func (o *observer) OnConnectionAccepted(conn *fd.FD, peer asock.Addr) {
	o.stats.Accepted.Add(1)
	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		ev := event.NewConnection()
		ev.Set("kind", "accepted")
		ev.Set("peer", peer.String())
		slog.Debug("connection event", "event", ev.String())
	}
}

func (o *observer) OnConnectionAcceptError(errno error) {
	o.stats.Errors.Add(1)
	slog.Error("accept error", "err", errno)
}

func (o *observer) OnConnectionDropped(conn *fd.FD, peer asock.Addr, reason string) {
	o.stats.Dropped.Add(1)
	ev := event.NewConnection()
	ev.Set("kind", "dropped")
	ev.Set("peer", peer.String())
	ev.Set("reason", reason)
	slog.Warn("connection dropped", "event", ev.String())
}

func (o *observer) OnConnectionEnqueuedForAcceptor(conn *fd.FD, peer asock.Addr) {
	o.stats.Enqueued.Add(1)
}

func (o *observer) OnConnectionDequeuedByAcceptor(conn *fd.FD, peer asock.Addr) {
	o.stats.Dequeued.Add(1)
}

func (o *observer) OnBackoffStarted() {
	slog.Warn("accept backoff started")
}

func (o *observer) OnBackoffEnded() {
	slog.Info("accept backoff ended")
}

func (o *observer) OnBackoffError() {
	slog.Error("accept backoff could not be armed")
}
