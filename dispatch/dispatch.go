// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dispatch routes reassembled messages to protocol handlers. The
// registry is built once from a table sorted ascending by protocol id; the
// same mechanism serves the low-level channel demultiplexer and the session
// receive router.
package dispatch

import (
	"errors"
	"fmt"
)

// Handler processes one message for a protocol id. Handlers execute
// synchronously on the dispatching goroutine, which is frequently latency
// sensitive; they must not block indefinitely.
type Handler interface {
	HandleMessage(protocolID uint16, payload []byte)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(protocolID uint16, payload []byte)

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(protocolID uint16, payload []byte) {
	f(protocolID, payload)
}

// Entry binds a protocol id to its handler.
type Entry struct {
	ID      uint16
	Handler Handler
}

// ErrNotSorted is returned when the entry table is not strictly ascending
// by id. Duplicate or out-of-order ids are build-time errors, never a
// runtime condition.
var ErrNotSorted = errors.New("dispatch: entries must be strictly ascending by id")

// Registry is an immutable protocol id to handler mapping.
type Registry struct {
	entries []Entry
}

// NewRegistry builds a registry from entries sorted strictly ascending by id.
func NewRegistry(entries []Entry) (*Registry, error) {
	for i, e := range entries {
		if e.Handler == nil {
			return nil, fmt.Errorf("dispatch: nil handler for id %d", e.ID)
		}
		if i > 0 && entries[i-1].ID >= e.ID {
			return nil, ErrNotSorted
		}
	}
	return &Registry{entries: append([]Entry(nil), entries...)}, nil
}

// Find returns the handler for id, or nil. The table is sorted, so the scan
// stops as soon as a candidate id exceeds the target.
func (r *Registry) Find(id uint16) Handler {
	for _, e := range r.entries {
		if e.ID == id {
			return e.Handler
		}
		if e.ID > id {
			break
		}
	}
	return nil
}

// Dispatch routes one message to its handler synchronously. It reports
// whether a handler was registered for the id.
func (r *Registry) Dispatch(id uint16, payload []byte) bool {
	h := r.Find(id)
	if h == nil {
		return false
	}
	h.HandleMessage(id, payload)
	return true
}
