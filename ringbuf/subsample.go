// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ringbuf

import (
	"errors"
)

var (
	// ErrBadRatio is returned for a zero denominator or a ratio above 1.
	ErrBadRatio = errors.New("ringbuf: subsample ratio must satisfy 0 < numerator <= denominator")

	// ErrShortItem is returned when the destination is smaller than one item.
	ErrShortItem = errors.New("ringbuf: destination smaller than item size")
)

// SubsampledClient wraps a Client and keeps only a numerator/denominator
// fraction of fixed-size items, evenly distributed. Selection uses a
// Bresenham-style accumulator rather than random sampling, so a given input
// sequence and ratio always select the same items.
type SubsampledClient struct {
	client      *Client
	itemSize    int
	numerator   uint32
	denominator uint32
	state       uint32
}

// NewSubsampledClient registers a new client on b that reads itemSize-byte
// records, keeping numerator out of every denominator items.
func NewSubsampledClient(b *Buffer, itemSize int, numerator, denominator uint32) (*SubsampledClient, error) {
	if denominator == 0 || numerator == 0 || numerator > denominator {
		return nil, ErrBadRatio
	}
	if itemSize <= 0 || itemSize >= b.Size() {
		return nil, ErrShortItem
	}
	return &SubsampledClient{
		client:      b.AddClient(),
		itemSize:    itemSize,
		numerator:   numerator,
		denominator: denominator,
	}, nil
}

// Client exposes the underlying read cursor, mainly for unregistering.
func (sc *SubsampledClient) Client() *Client { return sc.client }

// SetRatio changes the subsampling ratio. The accumulator is primed one
// step below the selection threshold, so the item following a ratio change
// is always kept and never skipped on account of stale state.
func (sc *SubsampledClient) SetRatio(numerator, denominator uint32) error {
	if denominator == 0 || numerator == 0 || numerator > denominator {
		return ErrBadRatio
	}
	sc.numerator = numerator
	sc.denominator = denominator
	sc.state = denominator - numerator
	return nil
}

// ReadItem consumes whole items from the buffer until one is selected by the
// subsampling accumulator, copies it into dst and returns true. It returns
// false once fewer than itemSize unread bytes remain. Partial trailing bytes
// are left in the buffer for a later call.
func (sc *SubsampledClient) ReadItem(b *Buffer, dst []byte) (bool, error) {
	if len(dst) < sc.itemSize {
		return false, ErrShortItem
	}
	for b.Unread(sc.client) >= sc.itemSize {
		sc.state += sc.numerator
		keep := sc.state >= sc.denominator
		if keep {
			sc.state -= sc.denominator
			if _, err := b.ReadConsume(sc.client, dst[:sc.itemSize]); err != nil {
				return false, err
			}
			return true, nil
		}
		if err := b.Consume(sc.client, sc.itemSize); err != nil {
			return false, err
		}
	}
	return false, nil
}
