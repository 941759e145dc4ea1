// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ringbuf implements a single-writer, multi-reader circular byte
// buffer with independent per-client read cursors. Each registered client
// observes every byte written after it registered, in order, exactly once.
// The buffer knows nothing about message boundaries; framing is layered on
// top by the frame package.
//
// The buffer carries no internal lock. The producer must write from a single
// context and clients must not be consumed concurrently with a write; the
// composition root enforces this discipline.
package ringbuf

import (
	"errors"
	"fmt"
)

var (
	// ErrTooLarge is returned when a single write can never fit, because one
	// slot is always kept free to disambiguate a full buffer from an empty one.
	ErrTooLarge = errors.New("ringbuf: write length must be smaller than buffer size")

	// ErrNoSpace is returned when a write does not fit and the caller did not
	// allow slacking clients to be advanced.
	ErrNoSpace = errors.New("ringbuf: insufficient space")

	// ErrNoClient is returned when an operation references a client that is
	// not registered with the buffer.
	ErrNoClient = errors.New("ringbuf: client not registered")

	// ErrConsumeTooMuch is returned when a consume exceeds a client's unread
	// byte count.
	ErrConsumeTooMuch = errors.New("ringbuf: consume exceeds unread data")
)

// Buffer is a circular byte buffer with one writer and any number of
// registered reader clients.
type Buffer struct {
	storage    []byte
	writeIndex int
	clients    []*Client
}

// Client is a private read cursor into a Buffer. A new client starts at the
// current write position and therefore sees only data written after it
// registered.
type Client struct {
	buf       *Buffer
	readIndex int
}

// New creates a Buffer with the given capacity. One byte of capacity is
// reserved, so the largest single write is size-1 bytes.
func New(size int) *Buffer {
	if size < 2 {
		panic(fmt.Sprintf("ringbuf: size %d too small", size))
	}
	return &Buffer{storage: make([]byte, size)}
}

// Size returns the buffer's physical capacity.
func (b *Buffer) Size() int { return len(b.storage) }

// AddClient registers a new read cursor positioned at the current write index.
func (b *Buffer) AddClient() *Client {
	c := &Client{buf: b, readIndex: b.writeIndex}
	b.clients = append(b.clients, c)
	return c
}

// RemoveClient unregisters a client. Further operations on the client fail
// with ErrNoClient.
func (b *Buffer) RemoveClient(c *Client) error {
	for i, rc := range b.clients {
		if rc == c {
			b.clients = append(b.clients[:i], b.clients[i+1:]...)
			c.buf = nil
			return nil
		}
	}
	return ErrNoClient
}

// Unread returns the number of bytes written but not yet consumed by c.
func (b *Buffer) Unread(c *Client) int {
	n := b.writeIndex - c.readIndex
	if n < 0 {
		n += len(b.storage)
	}
	return n
}

// maxUnread returns the largest unread count across all clients, which is
// the amount of storage that cannot be overwritten.
func (b *Buffer) maxUnread() int {
	max := 0
	for _, c := range b.clients {
		if n := b.Unread(c); n > max {
			max = n
		}
	}
	return max
}

// slacker returns the client with the most unread data.
func (b *Buffer) slacker() *Client {
	var worst *Client
	worstUnread := -1
	for _, c := range b.clients {
		if n := b.Unread(c); n > worstUnread {
			worst, worstUnread = c, n
		}
	}
	return worst
}

// Write appends data to the buffer. It fails with ErrTooLarge if data can
// never fit. If the write does not fit right now and advanceSlackers is
// false, it fails with ErrNoSpace without mutating any state. If
// advanceSlackers is true, the client with the most unread data is
// force-advanced (its oldest data is dropped) repeatedly until the write
// fits. This is deliberate, lossy backpressure shedding for producers that
// must never block, such as an interrupt-fed byte source.
func (b *Buffer) Write(data []byte, advanceSlackers bool) error {
	size := len(b.storage)
	if len(data) >= size {
		return ErrTooLarge
	}
	for {
		free := size - 1 - b.maxUnread()
		if free >= len(data) {
			break
		}
		if !advanceSlackers {
			return ErrNoSpace
		}
		worst := b.slacker()
		if worst == nil {
			// No clients hold data, yet there is no room: impossible by
			// construction since free == size-1 with no clients.
			break
		}
		skip := len(data) - free
		if unread := b.Unread(worst); skip > unread {
			skip = unread
		}
		worst.readIndex = (worst.readIndex + skip) % size
	}

	n := copy(b.storage[b.writeIndex:], data)
	copy(b.storage, data[n:])
	b.writeIndex = (b.writeIndex + len(data)) % size
	return nil
}

// Read returns a span of the client's unread data without consuming it. The
// returned slice aliases the buffer's storage and covers at most n bytes; it
// may be shorter when the unread region wraps past the end of physical
// storage, in which case a second Read after Consume returns the remainder.
func (b *Buffer) Read(c *Client, n int) ([]byte, error) {
	if c.buf != b {
		return nil, ErrNoClient
	}
	unread := b.Unread(c)
	if n > unread {
		n = unread
	}
	if n == 0 {
		return nil, nil
	}
	if contiguous := len(b.storage) - c.readIndex; n > contiguous {
		n = contiguous
	}
	return b.storage[c.readIndex : c.readIndex+n], nil
}

// Consume advances the client's cursor by n bytes.
func (b *Buffer) Consume(c *Client, n int) error {
	if c.buf != b {
		return ErrNoClient
	}
	if n > b.Unread(c) {
		return ErrConsumeTooMuch
	}
	c.readIndex = (c.readIndex + n) % len(b.storage)
	return nil
}

// ReadConsume copies up to len(dst) unread bytes into dst, consuming them,
// and returns the number of bytes transferred. It loops over Read and
// Consume so callers never have to deal with wrap-around themselves.
func (b *Buffer) ReadConsume(c *Client, dst []byte) (int, error) {
	total := 0
	for total < len(dst) {
		span, err := b.Read(c, len(dst)-total)
		if err != nil {
			return total, err
		}
		if len(span) == 0 {
			break
		}
		copy(dst[total:], span)
		if err := b.Consume(c, len(span)); err != nil {
			// Read just reported these bytes as unread.
			panic(fmt.Sprintf("ringbuf: consume after read failed: %v", err))
		}
		total += len(span)
	}
	return total, nil
}
