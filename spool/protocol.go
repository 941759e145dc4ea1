// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spool implements the data-logging spooling and delivery engine: a
// persistent, per-session append store on flash-like media plus the
// flow-controlled state machine that drains each session to a remote peer
// with ack/nack, timeout and retry semantics.
package spool

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

// Protocol constants for the session endpoint. Command is always byte 0 of
// the payload, the remaining bytes are command-specific.
const (
	// ProtocolID is the frame protocol id the endpoint registers under.
	ProtocolID uint16 = 0x0006

	// RemoteCommandMask marks commands originated by the remote peer.
	// Locally-originated commands share the same numeric space below 0x80.
	RemoteCommandMask = 0x80
)

// Endpoint commands.
const (
	CmdOpen          = 0x01 // announce a session to the peer
	CmdData          = 0x02 // one flow-controlled payload chunk
	CmdClose         = 0x03 // session is gone locally
	CmdReport        = 0x04 // peer lists sessions it believes are open
	CmdTimeout       = 0x05 // tell the peer an ack deadline expired
	CmdEmptySession  = 0x06 // peer asks us to drop a session's spooled data
	CmdGetSendEnable = 0x07 // peer queries the send-enabled toggle
	CmdSetSendEnable = 0x08 // peer flips the send-enabled toggle

	CmdAck  = RemoteCommandMask | 0x01 // positive ack for Open or Data
	CmdNack = RemoteCommandMask | 0x02 // negative ack, sender retries
)

// ItemType describes the records stored in a session.
type ItemType uint8

const (
	ItemTypeByteArray ItemType = 0
	ItemTypeUint      ItemType = 2
	ItemTypeInt       ItemType = 3
)

// Fixed command sizes.
const (
	openCommandSize = 1 + 1 + 16 + 4 + 4 + 1 + 2
	dataHeaderSize  = 1 + 1 + 4 + 4
)

// OpenCommand announces a session to the remote peer.
type OpenCommand struct {
	SessionID uint8
	AppUUID   uuid.UUID
	CreatedAt uint32
	Tag       uint32
	ItemType  ItemType
	ItemSize  uint16
}

// Marshal serializes the Open command.
func (c *OpenCommand) Marshal() []byte {
	out := make([]byte, openCommandSize)
	out[0] = CmdOpen
	out[1] = c.SessionID
	copy(out[2:18], c.AppUUID[:])
	binary.BigEndian.PutUint32(out[18:22], c.CreatedAt)
	binary.BigEndian.PutUint32(out[22:26], c.Tag)
	out[26] = byte(c.ItemType)
	binary.BigEndian.PutUint16(out[27:29], c.ItemSize)
	return out
}

// Unmarshal parses an Open command, command byte included.
func (c *OpenCommand) Unmarshal(data []byte) error {
	if len(data) != openCommandSize || data[0] != CmdOpen {
		return fmt.Errorf("spool: malformed open command (%d bytes)", len(data))
	}
	c.SessionID = data[1]
	copy(c.AppUUID[:], data[2:18])
	c.CreatedAt = binary.BigEndian.Uint32(data[18:22])
	c.Tag = binary.BigEndian.Uint32(data[22:26])
	c.ItemType = ItemType(data[26])
	c.ItemSize = binary.BigEndian.Uint16(data[27:29])
	return nil
}

// DataCommand carries one in-flight chunk of spooled bytes. ItemsLeft is a
// placeholder for the number of items still spooled after this chunk; the
// peer treats it as advisory. CRC covers Bytes only.
type DataCommand struct {
	SessionID uint8
	ItemsLeft uint32
	CRC       uint32
	Bytes     []byte
}

// Marshal serializes the Data command, computing the payload CRC.
func (c *DataCommand) Marshal() []byte {
	out := make([]byte, dataHeaderSize+len(c.Bytes))
	out[0] = CmdData
	out[1] = c.SessionID
	binary.BigEndian.PutUint32(out[2:6], c.ItemsLeft)
	binary.BigEndian.PutUint32(out[6:10], crc32.ChecksumIEEE(c.Bytes))
	copy(out[dataHeaderSize:], c.Bytes)
	return out
}

// Unmarshal parses a Data command and verifies the payload CRC.
func (c *DataCommand) Unmarshal(data []byte) error {
	if len(data) < dataHeaderSize || data[0] != CmdData {
		return fmt.Errorf("spool: malformed data command (%d bytes)", len(data))
	}
	c.SessionID = data[1]
	c.ItemsLeft = binary.BigEndian.Uint32(data[2:6])
	c.CRC = binary.BigEndian.Uint32(data[6:10])
	c.Bytes = data[dataHeaderSize:]
	if got := crc32.ChecksumIEEE(c.Bytes); got != c.CRC {
		return fmt.Errorf("spool: data command crc mismatch: got 0x%08x want 0x%08x", got, c.CRC)
	}
	return nil
}

// sessionIDCommand covers the commands whose whole payload is the session
// id: Close, Ack, Nack, Timeout and EmptySession.
func marshalSessionIDCommand(cmd byte, sessionID uint8) []byte {
	return []byte{cmd, sessionID}
}

func unmarshalSessionIDCommand(cmd byte, data []byte) (uint8, error) {
	if len(data) != 2 || data[0] != cmd {
		return 0, fmt.Errorf("spool: malformed command 0x%02x (%d bytes)", cmd, len(data))
	}
	return data[1], nil
}

// ReportCommand lists the session ids the remote peer believes are open.
type ReportCommand struct {
	SessionIDs []uint8
}

// Marshal serializes the Report command.
func (c *ReportCommand) Marshal() []byte {
	out := make([]byte, 1+len(c.SessionIDs))
	out[0] = CmdReport
	copy(out[1:], c.SessionIDs)
	return out
}

// Unmarshal parses a Report command.
func (c *ReportCommand) Unmarshal(data []byte) error {
	if len(data) < 1 || data[0] != CmdReport {
		return fmt.Errorf("spool: malformed report command (%d bytes)", len(data))
	}
	c.SessionIDs = append([]uint8(nil), data[1:]...)
	return nil
}

// SetSendEnableCommand flips the outbound-data toggle.
type SetSendEnableCommand struct {
	Enabled bool
}

// Marshal serializes the SetSendEnable command.
func (c *SetSendEnableCommand) Marshal() []byte {
	v := byte(0)
	if c.Enabled {
		v = 1
	}
	return []byte{CmdSetSendEnable, v}
}

// Unmarshal parses a SetSendEnable command.
func (c *SetSendEnableCommand) Unmarshal(data []byte) error {
	if len(data) != 2 || data[0] != CmdSetSendEnable {
		return fmt.Errorf("spool: malformed set-send-enable command (%d bytes)", len(data))
	}
	c.Enabled = data[1] != 0
	return nil
}
