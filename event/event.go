// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package event builds the ordered tag bags attached to connection
// lifecycle logs. Every event gets a unique id so an accepted connection
// can be correlated across the accept, enqueue, dequeue, and drop records
// it produces.
package event

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Event struct {
	mu   sync.RWMutex
	keys []string
	vals map[string]string
}

func New() *Event {
	return &Event{
		keys: []string{"time", "event_id"},
		vals: map[string]string{
			"time":     time.Now().UTC().Format(time.RFC3339Nano),
			"event_id": uuid.NewString(),
		},
	}
}

// NewConnection returns an event pre-tagged with a fresh connection id.
// Subsequent events for the same connection should copy the conn_id tag.
func NewConnection() *Event {
	ev := New()
	ev.Set("conn_id", uuid.NewString())
	return ev
}

func (src *Event) Copy() *Event {
	dst := New()
	dst.CopyFrom(src)
	return dst
}

// CopyFrom copies all tags from src except "time" and "event_id". If a key
// already exists in dst, it will be overwritten.
func (dst *Event) CopyFrom(src *Event) {
	if src == nil {
		return
	}

	src.mu.RLock()
	defer src.mu.RUnlock()

	dst.mu.Lock()
	defer dst.mu.Unlock()

	for _, key := range src.keys {
		switch key {
		case "time", "event_id":
		default:
			dst.setLocked(key, src.vals[key])
		}
	}
}

func (ev *Event) Set(key string, val string) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.setLocked(key, val)
}

func (ev *Event) setLocked(key string, val string) {
	if _, ok := ev.vals[key]; ok {
		ev.vals[key] = val
		return
	}
	ev.keys = append(ev.keys, key)
	ev.vals[key] = val
}

func (ev *Event) Get(key string) string {
	ev.mu.RLock()
	defer ev.mu.RUnlock()
	return ev.vals[key]
}

func (ev *Event) String() string {
	ev.mu.RLock()
	defer ev.mu.RUnlock()

	var arr []string
	for _, key := range ev.keys {
		arr = append(arr, fmt.Sprintf("%s=%q", key, ev.vals[key]))
	}
	return strings.Join(arr, " ")
}
