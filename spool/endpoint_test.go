// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spool

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/destiny/wirespool/logging"
)

// fakeTransport records every send and can simulate a full send buffer or
// a hard link failure.
type fakeTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	busy     bool
	err      error
	attempts int
	max      int
}

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.err != nil {
		return f.err
	}
	if f.busy {
		return ErrTransportBusy
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) MaxPayload() int {
	if f.max == 0 {
		return 512
	}
	return f.max
}

func (f *fakeTransport) setBusy(busy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy = busy
}

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTransport) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// blockingTransport gates SendBlocking so tests can observe the engine
// while a bounded control send is in flight.
type blockingTransport struct {
	fakeTransport
	entered chan struct{}
	gate    chan struct{}
}

func (b *blockingTransport) SendBlocking(payload []byte, _ time.Duration) error {
	b.entered <- struct{}{}
	<-b.gate
	return b.Send(payload)
}

// take snapshots and clears the captured sends.
func (f *fakeTransport) take() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

func (f *fakeTransport) countCmd(cmd byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, msg := range f.sent {
		if len(msg) > 0 && msg[0] == cmd {
			n++
		}
	}
	return n
}

func newTestEndpoint(t *testing.T, cfg EndpointConfig) (*Endpoint, *Store, *fakeTransport) {
	t.Helper()
	st := newTestStore(NewMemMedium(), StoreConfig{})
	tr := &fakeTransport{}
	return NewEndpoint(st, tr, cfg, nil), st, tr
}

func commStateOf(e *Endpoint, s *Session) (CommState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.comm.state, s.comm.opened
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestOpenAckDataAckFlow(t *testing.T) {
	e, _, tr := newTestEndpoint(t, EndpointConfig{})
	defer e.Stop()
	e.SetConnected(true)

	s, err := e.CreateSession(testUUID(1), 7, ItemTypeByteArray, 1)
	require.NoError(t, err)

	sent := tr.take()
	require.Len(t, sent, 1)
	assert.Equal(t, byte(CmdOpen), sent[0][0])
	state, opened := commStateOf(e, s)
	assert.Equal(t, CommOpening, state)
	assert.False(t, opened)

	// Ack the open: session becomes idle with nothing to send.
	e.HandleMessage(ProtocolID, marshalSessionIDCommand(CmdAck, s.ID()))
	state, opened = commStateOf(e, s)
	assert.Equal(t, CommIdle, state)
	assert.True(t, opened)
	assert.Empty(t, tr.take())

	// Log data: exactly one chunk goes in flight.
	payload := []byte("sensor frame")
	require.NoError(t, e.Log(s, payload))
	sent = tr.take()
	require.Len(t, sent, 1)
	var data DataCommand
	require.NoError(t, data.Unmarshal(sent[0]))
	assert.Equal(t, s.ID(), data.SessionID)
	assert.Equal(t, payload, data.Bytes)
	assert.Equal(t, uint32(0), data.ItemsLeft)
	state, _ = commStateOf(e, s)
	assert.Equal(t, CommSending, state)

	// Logging more while in flight must not send a second message.
	require.NoError(t, e.Log(s, []byte("more")))
	assert.Empty(t, tr.take())

	// Ack consumes the confirmed bytes and immediately sends the rest.
	e.HandleMessage(ProtocolID, marshalSessionIDCommand(CmdAck, s.ID()))
	sent = tr.take()
	require.Len(t, sent, 1)
	require.NoError(t, data.Unmarshal(sent[0]))
	assert.Equal(t, []byte("more"), data.Bytes)

	e.HandleMessage(ProtocolID, marshalSessionIDCommand(CmdAck, s.ID()))
	assert.Equal(t, 0, s.NumBytes())

	stats := e.Stats()
	assert.Equal(t, uint64(2), stats.ChunksSent)
	assert.Equal(t, uint64(len(payload)+4), stats.BytesAcked)
}

func TestNackRetriesThenDropsInFlightBytes(t *testing.T) {
	e, st, tr := newTestEndpoint(t, EndpointConfig{MaxNacks: 2})
	defer e.Stop()
	e.SetConnected(true)

	s, err := e.CreateSession(testUUID(2), 1, ItemTypeByteArray, 1)
	require.NoError(t, err)
	e.HandleMessage(ProtocolID, marshalSessionIDCommand(CmdAck, s.ID()))
	tr.take()

	payload := []byte("retry me")
	require.NoError(t, e.Log(s, payload))
	require.Len(t, tr.take(), 1)

	// Two nacks stay under the ceiling: each one resends the same chunk.
	for i := 0; i < 2; i++ {
		e.HandleMessage(ProtocolID, marshalSessionIDCommand(CmdNack, s.ID()))
		sent := tr.take()
		require.Len(t, sent, 1)
		var data DataCommand
		require.NoError(t, data.Unmarshal(sent[0]))
		assert.Equal(t, payload, data.Bytes)
	}

	// The third nack exceeds MaxNacks: the in-flight bytes are dropped
	// and nothing remains to send.
	e.HandleMessage(ProtocolID, marshalSessionIDCommand(CmdNack, s.ID()))
	assert.Empty(t, tr.take())
	assert.Equal(t, 0, s.NumBytes())
	assert.Equal(t, uint64(len(payload)), e.Stats().BytesDroppedNack)
	assert.Equal(t, uint64(len(payload)), st.Stats().BytesDropped)
}

func TestAckTimeoutNotifiesPeerAndRevertsSession(t *testing.T) {
	e, _, tr := newTestEndpoint(t, EndpointConfig{AckTimeout: 20 * time.Millisecond})
	defer e.Stop()
	e.SetConnected(true)

	s, err := e.CreateSession(testUUID(3), 1, ItemTypeByteArray, 1)
	require.NoError(t, err)
	require.Equal(t, 1, tr.countCmd(CmdOpen))

	waitFor(t, func() bool { return tr.countCmd(CmdTimeout) == 1 })
	state, opened := commStateOf(e, s)
	assert.Equal(t, CommIdle, state)
	assert.False(t, opened)
	assert.Equal(t, uint64(1), e.Stats().Timeouts)

	// The unacked bytes stay spooled for a later retry.
	require.NoError(t, e.Log(s, []byte("kept")))
	assert.Equal(t, 4, s.NumBytes())
}

func TestReportClosesUnknownAndReopensSerially(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, _, tr := newTestEndpoint(t, EndpointConfig{})
	e.Start()
	defer e.Stop()
	e.SetConnected(true)

	s1, err := e.CreateSession(testUUID(4), 1, ItemTypeByteArray, 1)
	require.NoError(t, err)
	s2, err := e.CreateSession(testUUID(5), 2, ItemTypeByteArray, 1)
	require.NoError(t, err)
	e.HandleMessage(ProtocolID, marshalSessionIDCommand(CmdAck, s1.ID()))
	e.HandleMessage(ProtocolID, marshalSessionIDCommand(CmdAck, s2.ID()))
	tr.take()

	// Link bounce: the peer reports its stale view, listing a session we
	// never had.
	e.SetConnected(false)
	e.SetConnected(true)
	var report ReportCommand
	report.SessionIDs = []uint8{s1.ID(), s2.ID(), 99}
	e.HandleMessage(ProtocolID, report.Marshal())

	assert.Equal(t, 1, tr.countCmd(CmdClose))
	waitFor(t, func() bool { return tr.countCmd(CmdOpen) == 2 })
}

func TestBackpressureDefersThenSendAllRecovers(t *testing.T) {
	e, _, tr := newTestEndpoint(t, EndpointConfig{})
	defer e.Stop()
	tr.setBusy(true)
	e.SetConnected(true)

	s, err := e.CreateSession(testUUID(6), 1, ItemTypeByteArray, 1)
	require.NoError(t, err)

	// The open was deferred, not failed: no state change, no message.
	state, opened := commStateOf(e, s)
	assert.Equal(t, CommIdle, state)
	assert.False(t, opened)
	assert.Equal(t, uint64(1), e.Stats().SendsDeferred)
	assert.Empty(t, tr.take())

	tr.setBusy(false)
	e.SendAll()
	require.Equal(t, 1, tr.countCmd(CmdOpen))
	state, _ = commStateOf(e, s)
	assert.Equal(t, CommOpening, state)
}

func TestDisconnectRevertsAllSessions(t *testing.T) {
	e, _, tr := newTestEndpoint(t, EndpointConfig{})
	defer e.Stop()
	e.SetConnected(true)

	s, err := e.CreateSession(testUUID(7), 1, ItemTypeByteArray, 1)
	require.NoError(t, err)
	e.HandleMessage(ProtocolID, marshalSessionIDCommand(CmdAck, s.ID()))
	require.NoError(t, e.Log(s, []byte("in flight")))
	tr.take()

	e.SetConnected(false)
	state, opened := commStateOf(e, s)
	assert.Equal(t, CommIdle, state)
	assert.False(t, opened)
	assert.Equal(t, 9, s.NumBytes())

	// Nothing goes out while the link is down.
	e.SendAll()
	assert.Empty(t, tr.take())
}

func TestSendEnableToggle(t *testing.T) {
	e, _, tr := newTestEndpoint(t, EndpointConfig{})
	defer e.Stop()
	e.SetConnected(true)

	s, err := e.CreateSession(testUUID(8), 1, ItemTypeByteArray, 1)
	require.NoError(t, err)
	e.HandleMessage(ProtocolID, marshalSessionIDCommand(CmdAck, s.ID()))
	tr.take()

	disable := SetSendEnableCommand{Enabled: false}
	e.HandleMessage(ProtocolID, disable.Marshal())
	require.NoError(t, e.Log(s, []byte("held back")))
	assert.Empty(t, tr.take())

	// Querying the flag answers over the transport.
	e.HandleMessage(ProtocolID, []byte{CmdGetSendEnable})
	sent := tr.take()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte{CmdGetSendEnable, 0}, sent[0])

	// Re-enabling retriggers delivery of the held bytes.
	enable := SetSendEnableCommand{Enabled: true}
	e.HandleMessage(ProtocolID, enable.Marshal())
	require.Equal(t, 1, tr.countCmd(CmdData))
}

func TestBlockingControlSendDoesNotStallEngine(t *testing.T) {
	st := newTestStore(NewMemMedium(), StoreConfig{})
	tr := &blockingTransport{
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	e := NewEndpoint(st, tr, EndpointConfig{}, nil)
	defer e.Stop()
	e.SetConnected(true)

	created := make(chan *Session, 1)
	errc := make(chan error, 1)
	go func() {
		s, err := e.CreateSession(testUUID(11), 1, ItemTypeByteArray, 1)
		created <- s
		errc <- err
	}()
	<-tr.entered

	// The open announcement is parked in the blocking send; the engine
	// must still answer other callers in the meantime.
	done := make(chan struct{})
	go func() {
		e.Stats()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine stalled behind a blocking control send")
	}

	close(tr.gate)
	s := <-created
	require.NoError(t, <-errc)
	require.NotNil(t, s)
	require.Len(t, tr.take(), 1)
	state, opened := commStateOf(e, s)
	assert.Equal(t, CommOpening, state)
	assert.False(t, opened)
}

func TestReopenChainAbortsOnHardSendFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, _, tr := newTestEndpoint(t, EndpointConfig{})
	e.Start()
	defer e.Stop()

	// Created while the link is down: nothing is announced yet.
	for i := 0; i < 3; i++ {
		_, err := e.CreateSession(testUUID(byte(10+i)), uint32(i), ItemTypeByteArray, 1)
		require.NoError(t, err)
	}
	require.Zero(t, tr.attemptCount())

	tr.setErr(errors.New("link reset"))
	e.SetConnected(true)
	var report ReportCommand
	e.HandleMessage(ProtocolID, report.Marshal())

	// The first failed open aborts the whole reopen chain: the remaining
	// sessions wait for the next report instead of hammering a dead link.
	waitFor(t, func() bool { return tr.attemptCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.attemptCount())
}

func TestReportCloseFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	st := newTestStore(NewMemMedium(), StoreConfig{})
	tr := &fakeTransport{}
	tr.setErr(errors.New("link reset"))
	e := NewEndpoint(st, tr, EndpointConfig{}, logging.NewWithWriter(&buf, "", logging.LogLevelWarn))
	defer e.Stop()
	e.SetConnected(true)

	report := ReportCommand{SessionIDs: []uint8{42}}
	e.HandleMessage(ProtocolID, report.Marshal())
	assert.Contains(t, buf.String(), "close unknown session 42")
}

func TestEmptySessionCommandDiscardsSpool(t *testing.T) {
	e, _, tr := newTestEndpoint(t, EndpointConfig{})
	defer e.Stop()

	s, err := e.CreateSession(testUUID(9), 1, ItemTypeByteArray, 1)
	require.NoError(t, err)
	require.NoError(t, e.Log(s, []byte("discard")))
	tr.take()

	e.HandleMessage(ProtocolID, marshalSessionIDCommand(CmdEmptySession, s.ID()))
	assert.Equal(t, 0, s.NumBytes())
}
