// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wirespool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/destiny/wirespool/dispatch"
	"github.com/destiny/wirespool/frame"
	"github.com/destiny/wirespool/logging"
	"github.com/destiny/wirespool/ringbuf"
)

// DefaultBufferSize is the receive ring capacity when the config leaves it
// zero. Large enough for several max-size frames in flight.
const DefaultBufferSize = 8192

// ChannelConfig carries the channel tunables. Zero values select defaults.
type ChannelConfig struct {
	// BufferSize is the receive ring capacity in bytes.
	BufferSize int
}

func (c *ChannelConfig) normalize() {
	// Anything below one frame header is unusable.
	if c.BufferSize < frame.HeaderSize+frame.FooterSize {
		c.BufferSize = DefaultBufferSize
	}
}

// ChannelStats counts receive-path activity.
type ChannelStats struct {
	BytesFed   uint64
	Messages   uint64
	Unhandled  uint64 // frames with no registered handler
	FeedErrors uint64
}

// ConnStateFunc is notified when the underlying link comes up or goes down.
type ConnStateFunc func(connected bool)

// Channel is one receive pipeline: bytes pushed in through Feed are spooled
// into a ring buffer, reassembled into frames by the drain goroutine and
// routed through the dispatch registry. Feed never blocks and may be called
// from a latency-sensitive context (the receive interrupt analog); everything
// else happens on the drain goroutine.
type Channel struct {
	registry *dispatch.Registry
	log      *logging.Logger

	mu     sync.Mutex // guards buf and client between Feed and the drain loop
	buf    *ringbuf.Buffer
	client *ringbuf.Client
	asm    *frame.Assembler

	wake chan struct{}

	onConnState ConnStateFunc

	bytesFed   atomic.Uint64
	messages   atomic.Uint64
	unhandled  atomic.Uint64
	feedErrors atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChannel creates a channel routing frames through the registry. A nil
// logger discards diagnostics. Call Start before feeding bytes.
func NewChannel(registry *dispatch.Registry, cfg ChannelConfig, log *logging.Logger) *Channel {
	cfg.normalize()
	if log == nil {
		log = logging.DevNull
	}
	buf := ringbuf.New(cfg.BufferSize)
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		registry: registry,
		log:      log,
		buf:      buf,
		client:   buf.AddClient(),
		asm:      frame.NewAssembler(log),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnConnState registers the link state hook. Must be set before Start.
func (c *Channel) OnConnState(fn ConnStateFunc) { c.onConnState = fn }

// Stats returns a snapshot of the receive counters.
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		BytesFed:   c.bytesFed.Load(),
		Messages:   c.messages.Load(),
		Unhandled:  c.unhandled.Load(),
		FeedErrors: c.feedErrors.Load(),
	}
}

// Start launches the drain goroutine.
func (c *Channel) Start() {
	c.wg.Add(1)
	go c.drainLoop()
}

// Stop terminates the drain goroutine and waits for it.
func (c *Channel) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Feed pushes received bytes into the channel. It never blocks: when the
// ring is short on space the oldest unread bytes are shed and the assembler
// resynchronizes on the next frame signature. Only a write larger than the
// ring itself fails.
func (c *Channel) Feed(data []byte) error {
	c.mu.Lock()
	err := c.buf.Write(data, true)
	c.mu.Unlock()
	if err != nil {
		c.feedErrors.Add(1)
		return err
	}
	c.bytesFed.Add(uint64(len(data)))
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// SetConnected forwards the link state to the registered hook.
func (c *Channel) SetConnected(connected bool) {
	if c.onConnState != nil {
		c.onConnState(connected)
	}
}

func (c *Channel) drainLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.wake:
			c.drain()
		case <-c.ctx.Done():
			return
		}
	}
}

// drain reassembles and dispatches until the ring has no complete frame
// left. The message payload aliases the assembler's buffer, which is safe:
// handlers run synchronously before the next Assemble call.
func (c *Channel) drain() {
	for {
		c.mu.Lock()
		msg, err := c.asm.Assemble(c.buf, c.client)
		c.mu.Unlock()
		if err != nil {
			c.log.Error("channel: assemble: %v", err)
			return
		}
		if msg == nil {
			return
		}
		c.messages.Add(1)
		if !c.registry.Dispatch(msg.ProtocolID, msg.Payload) {
			c.unhandled.Add(1)
			c.log.Debug("channel: no handler for protocol 0x%04x", msg.ProtocolID)
		}
	}
}
