// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package asock

import (
	"subtrace.dev/asock/eventloop"
)

// dispatchEntry is one registered accept callback. loop is nil when the
// callback runs inline on the primary loop. consumer is set whenever a
// target loop was declared, even if that loop is the primary one (dispatch
// still short-circuits inline in that case; the consumer only carries
// start/stop).
type dispatchEntry struct {
	callback AcceptCallback
	loop     *eventloop.Loop
	consumer *remoteAcceptor
}

// inline reports whether connections for this entry are delivered
// synchronously on the primary loop.
func (e *dispatchEntry) inline(primary *eventloop.Loop) bool {
	return e.loop == nil || e.loop == primary
}

// nextCallback returns the entry at the round-robin cursor and advances the
// cursor. Callers must have checked that the table is non-empty.
func (ln *Listener) nextCallback() *dispatchEntry {
	entry := &ln.callbacks[ln.cursor]
	ln.cursor++
	if ln.cursor >= len(ln.callbacks) {
		ln.cursor = 0
	}
	return entry
}

// fixupCursor repairs the round-robin cursor after removing the entry at
// removed. Entries past the removal point shifted back by one; the cursor
// follows them so no callback is skipped or double-served.
func (ln *Listener) fixupCursor(removed int) {
	if removed < ln.cursor {
		ln.cursor--
	} else if ln.cursor >= len(ln.callbacks) {
		ln.cursor = 0
	}
}

// preferredCallback returns the NAPI-affine entry for the connection's
// receive path, or the first primary-loop entry when affinity is known but
// unmatched. Both misses fall back to round-robin (handled by the caller).
func (ln *Listener) preferredCallback(napiID int) (dispatchEntry, bool) {
	if napiID == -1 {
		return dispatchEntry{}, false
	}
	if entry, ok := ln.napiCallbacks[napiID]; ok {
		return entry, true
	}
	if ln.localCallbackIndex >= 0 && ln.localCallbackIndex < len(ln.callbacks) {
		return ln.callbacks[ln.localCallbackIndex], true
	}
	return dispatchEntry{}, false
}
