// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example loopback deployment: a device end spools sensor records through
// the delivery engine while a host end acks them back, both wired over an
// in-memory framed link.
package main

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/destiny/wirespool"
	"github.com/destiny/wirespool/dispatch"
	"github.com/destiny/wirespool/frame"
	"github.com/destiny/wirespool/logging"
	"github.com/destiny/wirespool/spool"
)

// link frames a payload and feeds it straight into the peer's channel.
type link struct {
	peer *wirespool.Channel
}

func (l *link) Send(payload []byte) error {
	data, err := frame.Encode(spool.ProtocolID, payload)
	if err != nil {
		return err
	}
	return l.peer.Feed(data)
}

func (l *link) MaxPayload() int { return 512 }

// host is the receiving end: it acknowledges session opens and data chunks
// and prints what arrives.
type host struct {
	out *link
}

func (h *host) HandleMessage(_ uint16, payload []byte) {
	if len(payload) == 0 {
		return
	}
	switch payload[0] {
	case spool.CmdOpen:
		var cmd spool.OpenCommand
		if err := cmd.Unmarshal(payload); err != nil {
			log.Printf("host: %v", err)
			return
		}
		log.Printf("host: session %d opened (tag 0x%08x, item size %d)", cmd.SessionID, cmd.Tag, cmd.ItemSize)
		h.ack(cmd.SessionID)

	case spool.CmdData:
		var cmd spool.DataCommand
		if err := cmd.Unmarshal(payload); err != nil {
			log.Printf("host: %v", err)
			return
		}
		log.Printf("host: session %d: %q (%d items left)", cmd.SessionID, cmd.Bytes, cmd.ItemsLeft)
		h.ack(cmd.SessionID)

	case spool.CmdClose:
		log.Printf("host: session %d closed", payload[1])

	case spool.CmdTimeout:
		log.Printf("host: device reported an ack timeout for session %d", payload[1])

	default:
		log.Printf("host: unhandled command 0x%02x", payload[0])
	}
}

func (h *host) ack(sessionID uint8) {
	if err := h.out.Send([]byte{spool.CmdAck, sessionID}); err != nil {
		log.Printf("host: ack session %d: %v", sessionID, err)
	}
}

func main() {
	// Device end: store, delivery engine, receive channel.
	store := spool.NewStore(spool.NewMemMedium(), spool.StoreConfig{}, logging.Default)

	devLink := &link{}
	endpoint := spool.NewEndpoint(store, devLink, spool.EndpointConfig{}, logging.Default)

	devReg, err := dispatch.NewRegistry([]dispatch.Entry{
		{ID: spool.ProtocolID, Handler: endpoint},
	})
	if err != nil {
		log.Fatalf("device registry: %v", err)
	}
	devCh := wirespool.NewChannel(devReg, wirespool.ChannelConfig{}, logging.Default)
	devCh.OnConnState(endpoint.SetConnected)

	// Host end: acking peer behind its own channel.
	hostLink := &link{peer: devCh}
	hostReg, err := dispatch.NewRegistry([]dispatch.Entry{
		{ID: spool.ProtocolID, Handler: &host{out: hostLink}},
	})
	if err != nil {
		log.Fatalf("host registry: %v", err)
	}
	hostCh := wirespool.NewChannel(hostReg, wirespool.ChannelConfig{}, logging.Default)
	devLink.peer = hostCh

	devCh.Start()
	hostCh.Start()
	endpoint.Start()
	devCh.SetConnected(true)

	session, err := endpoint.CreateSession(uuid.New(), 0xcafe0001, spool.ItemTypeByteArray, 0)
	if err != nil {
		log.Fatalf("create session: %v", err)
	}

	logged := 0
	for i := 0; i < 10; i++ {
		record := []byte(time.Now().Format("15:04:05.000 sample"))
		if err := endpoint.Log(session, record); err != nil {
			log.Fatalf("log record: %v", err)
		}
		logged += len(record)
		time.Sleep(50 * time.Millisecond)
	}
	if err := endpoint.Finish(session); err != nil {
		log.Fatalf("finish session: %v", err)
	}

	// A finished session is destroyed once the host has acked everything.
	for endpoint.Stats().BytesAcked < uint64(logged) {
		time.Sleep(20 * time.Millisecond)
	}

	stats := endpoint.Stats()
	log.Printf("device: sent %d chunks, %d bytes, %d acked",
		stats.ChunksSent, stats.BytesSent, stats.BytesAcked)

	endpoint.Stop()
	devCh.Stop()
	hostCh.Stop()
}
