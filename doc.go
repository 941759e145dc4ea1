// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wirespool glues the messaging substrate together: a Channel owns
// the receive ring buffer, the frame assembler and the protocol dispatch
// table, and runs the drain loop that turns an asynchronous byte stream into
// handler callbacks.
//
// The subpackages are usable on their own: ringbuf is the shared circular
// buffer, frame the wire format, dispatch the routing table, and spool the
// persistent data-logging store with its flow-controlled delivery engine.
package wirespool
