// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spool

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// SessionStatus tracks whether the creating producer still holds the session.
type SessionStatus int

const (
	// SessionActive means the creating producer may still append data.
	SessionActive SessionStatus = iota

	// SessionInactive means the producer finished but unread data remains.
	// The session is destroyed once its spooled bytes are fully consumed.
	SessionInactive
)

// CommState is the per-session delivery state machine position.
type CommState int

const (
	// CommOpening: an open announcement is in flight, waiting for ack.
	CommOpening CommState = iota

	// CommIdle: opened and ready to send.
	CommIdle

	// CommSending: exactly one unacked data message is in flight.
	CommSending
)

func (s CommState) String() string {
	switch s {
	case CommOpening:
		return "opening"
	case CommIdle:
		return "idle"
	case CommSending:
		return "sending"
	default:
		return "unknown"
	}
}

// commInfo is the delivery engine's per-session state. Owned by the
// Endpoint; the zero value is a session that has never been opened.
type commInfo struct {
	state        CommState
	opened       bool // open has been acked at least once
	nackCount    int
	pendingBytes int
	deadline     time.Time // zero when no ack is awaited
}

// Session is one logging session: a producer-side identity plus its spooled
// backing file. Sessions are created by producers, persisted lazily on first
// write, and rebuilt from the medium at boot.
type Session struct {
	id        uint8
	appUUID   uuid.UUID
	tag       uint32
	itemType  ItemType
	itemSize  uint16
	createdAt uint32
	status    SessionStatus

	file       File
	fileName   string
	generation uint32
	writeOff   int64
	readOff    int64
	numBytes   int

	comm commInfo
}

// ID returns the host-unique session id.
func (s *Session) ID() uint8 { return s.id }

// AppUUID returns the owning application's UUID.
func (s *Session) AppUUID() uuid.UUID { return s.appUUID }

// Tag returns the producer-chosen tag.
func (s *Session) Tag() uint32 { return s.tag }

// ItemSize returns the record size; reads never split a record.
func (s *Session) ItemSize() int { return int(s.itemSize) }

// Status returns Active or Inactive.
func (s *Session) Status() SessionStatus { return s.status }

// NumBytes returns the spooled-but-unconsumed byte count.
func (s *Session) NumBytes() int { return s.numBytes }

// CommState returns the delivery state machine position.
func (s *Session) CommState() CommState { return s.comm.state }

// itemStride is the record granularity for reads. Byte-array sessions with
// item size zero stream freely.
func (s *Session) itemStride() int {
	if s.itemSize == 0 {
		return 1
	}
	return int(s.itemSize)
}

// Session file header layout. The header is written once when the backing
// file is created; a checksum over the fixed fields lets boot-time recovery
// distinguish a torn or corrupted header from a healthy one. The rest of the
// header block stays erased (0xFF).
const (
	fileMagic     uint32 = 0x5750534C // "WPSL"
	headerVersion byte   = 1

	headerFixedSize = 4 + 1 + 1 + 16 + 4 + 4 + 1 + 2 // through item size
	headerChecksum  = 8
	fileHeaderSize  = 64
)

func headerSum(fixed []byte) []byte {
	h, err := blake2b.New(headerChecksum, nil)
	if err != nil {
		panic(fmt.Sprintf("spool: blake2b init: %v", err))
	}
	h.Write(fixed)
	return h.Sum(nil)
}

// marshalHeader builds the on-media file header block.
func (s *Session) marshalHeader() []byte {
	out := erased(fileHeaderSize)
	binary.BigEndian.PutUint32(out[0:4], fileMagic)
	out[4] = headerVersion
	out[5] = s.id
	copy(out[6:22], s.appUUID[:])
	binary.BigEndian.PutUint32(out[22:26], s.createdAt)
	binary.BigEndian.PutUint32(out[26:30], s.tag)
	out[30] = byte(s.itemType)
	binary.BigEndian.PutUint16(out[31:33], s.itemSize)
	copy(out[headerFixedSize:headerFixedSize+headerChecksum], headerSum(out[:headerFixedSize]))
	return out
}

// unmarshalHeader parses and verifies a file header block into s.
func (s *Session) unmarshalHeader(data []byte) error {
	if len(data) < headerFixedSize+headerChecksum {
		return fmt.Errorf("spool: short session header (%d bytes)", len(data))
	}
	if got := binary.BigEndian.Uint32(data[0:4]); got != fileMagic {
		return fmt.Errorf("spool: bad session file magic 0x%08x", got)
	}
	if data[4] != headerVersion {
		return fmt.Errorf("spool: unsupported session header version %d", data[4])
	}
	if !bytes.Equal(headerSum(data[:headerFixedSize]), data[headerFixedSize:headerFixedSize+headerChecksum]) {
		return fmt.Errorf("spool: session header checksum mismatch")
	}
	s.id = data[5]
	copy(s.appUUID[:], data[6:22])
	s.createdAt = binary.BigEndian.Uint32(data[22:26])
	s.tag = binary.BigEndian.Uint32(data[26:30])
	s.itemType = ItemType(data[30])
	s.itemSize = binary.BigEndian.Uint16(data[31:33])
	return nil
}
