// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package frame implements the framed wire format shared by every packetized
// transport: a fixed header signature, a protocol id, a big-endian payload
// length, the payload, and a fixed footer signature. The Assembler
// reassembles frames from an asynchronous byte stream, resynchronizing on
// the header signature after garbage or truncation.
package frame

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/destiny/wirespool/logging"
	"github.com/destiny/wirespool/ringbuf"
)

// Framing constants. Every frame starts and ends with a fixed signature so a
// receiver that joins mid-stream can scan back into sync.
const (
	// HeaderSignature opens every frame on the wire.
	HeaderSignature uint16 = 0xFEED

	// FooterSignature closes every frame on the wire.
	FooterSignature uint16 = 0xBEEF

	// MaxPayload is the largest payload a frame may carry. A header
	// announcing more than this is treated as a desync, not a frame.
	MaxPayload = 2048

	// HeaderSize is signature + protocol id + length, all uint16 big-endian.
	HeaderSize = 6

	// FooterSize is the trailing signature.
	FooterSize = 2

	// DefaultAssemblyTimeout bounds how long a partial frame may sit in the
	// assembler before the state machine resets. Guards against a wedged
	// peer or a corrupted stream holding the pipeline forever.
	DefaultAssemblyTimeout = 10 * time.Second
)

// ErrPayloadTooLarge is returned by Encode for oversized payloads.
var ErrPayloadTooLarge = errors.New("frame: payload exceeds MaxPayload")

// Message is one reassembled frame: the protocol id from the header and the
// payload bytes, footer already stripped.
type Message struct {
	ProtocolID uint16
	Payload    []byte
}

// Encode builds the on-wire representation of one frame.
func Encode(protocolID uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, HeaderSize+len(payload)+FooterSize)
	binary.BigEndian.PutUint16(out[0:2], HeaderSignature)
	binary.BigEndian.PutUint16(out[2:4], protocolID)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(payload)))
	copy(out[HeaderSize:], payload)
	binary.BigEndian.PutUint16(out[HeaderSize+len(payload):], FooterSignature)
	return out, nil
}

// Assembler receive states.
type recvState int

const (
	stateWaitHdrSignatureMSB recvState = iota
	stateWaitHdrSignatureLSB
	stateWaitHeader
	stateWaitData
	stateWaitFooter
)

// Assembler is the byte-stream demultiplexer. It consumes raw bytes from a
// ring buffer client and emits at most one completed Message per call. One
// Assembler serves one byte stream; it is not safe for concurrent use.
type Assembler struct {
	state recvState

	protocolID uint16
	length     uint16
	hdrBuf     [4]byte
	hdrBytes   int

	msgBuf   [MaxPayload]byte
	msgBytes int

	ftrBuf   [2]byte
	ftrBytes int

	started time.Time
	timeout time.Duration
	now     func() time.Time

	errorCount uint64

	log *logging.Logger
}

// NewAssembler creates an Assembler. A nil logger discards diagnostics.
func NewAssembler(log *logging.Logger) *Assembler {
	if log == nil {
		log = logging.DevNull
	}
	return &Assembler{
		timeout: DefaultAssemblyTimeout,
		now:     time.Now,
		log:     log,
	}
}

// SetTimeout overrides the partial-frame assembly timeout.
func (a *Assembler) SetTimeout(d time.Duration) { a.timeout = d }

// SetClock overrides the monotonic time source, for tests.
func (a *Assembler) SetClock(now func() time.Time) { a.now = now }

// ErrorCount reports how many frames were abandoned to desync, oversized
// headers, footer mismatches or timeouts.
func (a *Assembler) ErrorCount() uint64 { return a.errorCount }

func (a *Assembler) reset() {
	a.state = stateWaitHdrSignatureMSB
	a.hdrBytes = 0
	a.msgBytes = 0
	a.ftrBytes = 0
}

// Assemble drains bytes from the client until the buffer is empty or one
// frame completes. It returns (nil, nil) when no complete message is
// available yet. The completed message is returned as soon as its payload is
// complete; the footer is verified on a later call so delivery is never
// delayed by a peer that coalesces frames.
//
// The returned Message's payload aliases the assembler's internal buffer and
// is only valid until the next call.
func (a *Assembler) Assemble(b *ringbuf.Buffer, c *ringbuf.Client) (*Message, error) {
	if a.state != stateWaitHdrSignatureMSB && a.now().Sub(a.started) > a.timeout {
		a.errorCount++
		a.log.Warn("frame: partial frame timed out after %v, resetting", a.timeout)
		a.reset()
	}

	var one [1]byte
	for {
		n, err := b.ReadConsume(c, one[:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		if msg := a.feed(one[0]); msg != nil {
			return msg, nil
		}
	}
}

// feed advances the state machine by one byte and returns a completed
// message, if any.
func (a *Assembler) feed(by byte) *Message {
	switch a.state {
	case stateWaitHdrSignatureMSB:
		if by == byte(HeaderSignature>>8) {
			a.state = stateWaitHdrSignatureLSB
			a.started = a.now()
		}

	case stateWaitHdrSignatureLSB:
		// Advances regardless of whether the byte matches the low signature
		// byte. A lone matching MSB followed by a near miss therefore starts
		// a speculative header capture; the length bound and footer check
		// recover from the false positive. Kept as-is from the original
		// protocol rather than corrected, since peers exist that rely on
		// resync timing. A stricter check would restart the MSB scan here.
		if by != byte(HeaderSignature&0xff) {
			a.log.Debug("frame: header signature LSB mismatch: 0x%02x", by)
		}
		a.state = stateWaitHeader

	case stateWaitHeader:
		a.hdrBuf[a.hdrBytes] = by
		a.hdrBytes++
		if a.hdrBytes < len(a.hdrBuf) {
			break
		}
		a.protocolID = binary.BigEndian.Uint16(a.hdrBuf[0:2])
		a.length = binary.BigEndian.Uint16(a.hdrBuf[2:4])
		if a.length > MaxPayload {
			a.errorCount++
			a.log.Warn("frame: header length %d exceeds max %d, rescanning", a.length, MaxPayload)
			a.reset()
			break
		}
		if a.length == 0 {
			a.state = stateWaitFooter
			return &Message{ProtocolID: a.protocolID, Payload: a.msgBuf[:0]}
		}
		a.state = stateWaitData

	case stateWaitData:
		a.msgBuf[a.msgBytes] = by
		a.msgBytes++
		if a.msgBytes < int(a.length) {
			break
		}
		a.state = stateWaitFooter
		return &Message{ProtocolID: a.protocolID, Payload: a.msgBuf[:a.msgBytes]}

	case stateWaitFooter:
		a.ftrBuf[a.ftrBytes] = by
		a.ftrBytes++
		if a.ftrBytes < len(a.ftrBuf) {
			break
		}
		if got := binary.BigEndian.Uint16(a.ftrBuf[:]); got != FooterSignature {
			// Non-fatal: the message was already delivered.
			a.errorCount++
			a.log.Warn("frame: footer signature mismatch: 0x%04x", got)
		}
		a.reset()
	}
	return nil
}
