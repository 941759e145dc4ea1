// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/destiny/wirespool/logging"
)

// Transport is the byte-oriented send primitive the delivery engine drains
// into. Send must not block; a full send buffer is reported with
// ErrTransportBusy and the engine defers the attempt.
type Transport interface {
	Send(payload []byte) error
	MaxPayload() int
}

// BlockingTransport is optionally implemented by transports that can wait,
// bounded by a timeout, for send-buffer space. The engine prefers it for
// control messages (open, close, timeout notifications), the direct
// unbuffered path, as opposed to the deferred chunked data path.
type BlockingTransport interface {
	Transport
	SendBlocking(payload []byte, timeout time.Duration) error
}

// ErrTransportBusy signals insufficient transport buffer space. The engine
// treats it as backpressure, never as a failure.
var ErrTransportBusy = errors.New("spool: transport busy")

// Endpoint defaults.
const (
	DefaultAckTimeout  = 30 * time.Second
	DefaultMaxNacks    = 5
	DefaultSendTimeout = 5 * time.Second
)

// EndpointConfig carries the delivery engine's tunables. Zero values select
// defaults.
type EndpointConfig struct {
	// AckTimeout bounds how long an open announcement or data chunk may
	// stay unacked before the session reverts to idle.
	AckTimeout time.Duration

	// MaxNacks is the retry ceiling; past it the in-flight bytes are
	// dropped so a permanently broken link cannot pin data forever.
	MaxNacks int

	// SendTimeout bounds blocking control-message sends.
	SendTimeout time.Duration
}

func (c *EndpointConfig) normalize() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxNacks <= 0 {
		c.MaxNacks = DefaultMaxNacks
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
}

// EndpointStats counts delivery activity for diagnostics.
type EndpointStats struct {
	ChunksSent       uint64
	BytesSent        uint64
	BytesAcked       uint64
	Acks             uint64
	Nacks            uint64
	Timeouts         uint64
	BytesDroppedNack uint64 // in-flight bytes dropped past the nack ceiling
	SendsDeferred    uint64 // sends skipped for transport backpressure
}

// Endpoint is the per-session delivery state machine: it announces sessions
// to the remote peer, drains spooled bytes one in-flight chunk at a time,
// and reacts to acks, nacks, timeouts and reconnects. It is also the
// session receive router: register it on the channel's dispatch table under
// ProtocolID.
type Endpoint struct {
	mu        sync.Mutex
	store     *Store
	transport Transport
	cfg       EndpointConfig
	log       *logging.Logger
	now       func() time.Time

	connected   bool
	sendEnabled bool

	ackTimer *time.Timer

	reopen chan uint8
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats EndpointStats
}

// NewEndpoint creates the delivery engine over a store and a transport. A
// nil logger discards diagnostics. Call Start before use.
func NewEndpoint(store *Store, transport Transport, cfg EndpointConfig, log *logging.Logger) *Endpoint {
	cfg.normalize()
	if log == nil {
		log = logging.DevNull
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		store:       store,
		transport:   transport,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
		sendEnabled: true,
		reopen:      make(chan uint8, 256),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetClock overrides the monotonic time source, for tests.
func (e *Endpoint) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Stats returns a snapshot of the delivery counters.
func (e *Endpoint) Stats() EndpointStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Start launches the background reopen worker.
func (e *Endpoint) Start() {
	e.wg.Add(1)
	go e.reopenLoop()
}

// Stop cancels the worker and the ack timer.
func (e *Endpoint) Stop() {
	e.cancel()
	e.wg.Wait()
	e.mu.Lock()
	if e.ackTimer != nil {
		e.ackTimer.Stop()
		e.ackTimer = nil
	}
	e.mu.Unlock()
}

// CreateSession registers a new logging session with the store and, when
// connected, announces it to the peer.
func (e *Endpoint) CreateSession(appUUID uuid.UUID, tag uint32, itemType ItemType, itemSize uint16) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.store.CreateSession(appUUID, tag, itemType, itemSize)
	if err != nil {
		return nil, err
	}
	e.openLocked(s)
	return s, nil
}

// Log appends whole records to a session's spool and nudges delivery.
// Storage errors degrade to logged data loss upstream; contract errors
// (invalid handle, partial record) are returned to the producer.
func (e *Endpoint) Log(s *Session, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.Write(s, data); err != nil {
		return err
	}
	if s.comm.opened && s.comm.state == CommIdle {
		e.trySendLocked(s)
	} else {
		e.openLocked(s)
	}
	return nil
}

// Finish marks the producer done with the session. Spooled data keeps
// draining; the session is destroyed once empty. Finishing twice is a no-op.
func (e *Endpoint) Finish(s *Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Finish(s)
}

// SetConnected tells the engine the underlying link came up or went down.
// On disconnect every session reverts to idle uniformly; unacked in-flight
// bytes stay spooled and are resent after the reopen handshake.
func (e *Endpoint) SetConnected(connected bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connected == connected {
		return
	}
	e.connected = connected
	if !connected {
		for _, s := range e.store.Sessions() {
			s.comm.state = CommIdle
			s.comm.opened = false
			s.comm.deadline = time.Time{}
			s.comm.nackCount = 0
		}
		e.armTimerLocked()
		e.log.Info("endpoint: disconnected, %d sessions reverted to idle", len(e.store.Sessions()))
		return
	}
	e.log.Info("endpoint: connected")
}

// SendAll opens or drains every session that has work pending. Safe to call
// at any time; it is the manual retry trigger.
func (e *Endpoint) SendAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.store.Sessions() {
		if !s.comm.opened {
			e.openLocked(s)
		} else if s.comm.state == CommIdle {
			e.trySendLocked(s)
		}
	}
}

// HandleMessage implements dispatch.Handler: it is the session receive
// router for commands arriving from the remote peer.
func (e *Endpoint) HandleMessage(_ uint16, payload []byte) {
	if len(payload) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch payload[0] {
	case CmdAck:
		sid, err := unmarshalSessionIDCommand(CmdAck, payload)
		if err != nil {
			e.log.Warn("endpoint: %v", err)
			return
		}
		e.ackLocked(sid)

	case CmdNack:
		sid, err := unmarshalSessionIDCommand(CmdNack, payload)
		if err != nil {
			e.log.Warn("endpoint: %v", err)
			return
		}
		e.nackLocked(sid)

	case CmdReport:
		var report ReportCommand
		if err := report.Unmarshal(payload); err != nil {
			e.log.Warn("endpoint: %v", err)
			return
		}
		e.reportLocked(report.SessionIDs)

	case CmdEmptySession:
		sid, err := unmarshalSessionIDCommand(CmdEmptySession, payload)
		if err != nil {
			e.log.Warn("endpoint: %v", err)
			return
		}
		if s := e.store.Get(sid); s != nil {
			if err := e.store.Empty(s); err != nil {
				e.log.Warn("endpoint: empty session %d: %v", sid, err)
			}
		}

	case CmdSetSendEnable:
		var cmd SetSendEnableCommand
		if err := cmd.Unmarshal(payload); err != nil {
			e.log.Warn("endpoint: %v", err)
			return
		}
		e.sendEnabled = cmd.Enabled
		e.log.Info("endpoint: send enabled set to %v", cmd.Enabled)
		if cmd.Enabled {
			for _, s := range e.store.Sessions() {
				if s.comm.opened && s.comm.state == CommIdle {
					e.trySendLocked(s)
				}
			}
		}

	case CmdGetSendEnable:
		v := byte(0)
		if e.sendEnabled {
			v = 1
		}
		if err := e.sendControlLocked([]byte{CmdGetSendEnable, v}); err != nil {
			e.log.Warn("endpoint: report send enable: %v", err)
		}

	default:
		e.log.Warn("endpoint: unknown command 0x%02x", payload[0])
	}
}

// openLocked announces a session to the peer. Backpressure or a down link
// just defers the announcement to the next trigger; the send outcome is
// returned so chained callers can stop on the first failure.
func (e *Endpoint) openLocked(s *Session) error {
	if !e.connected || s.comm.opened || s.comm.state != CommIdle {
		return nil
	}
	cmd := OpenCommand{
		SessionID: s.id,
		AppUUID:   s.appUUID,
		CreatedAt: s.createdAt,
		Tag:       s.tag,
		ItemType:  s.itemType,
		ItemSize:  s.itemSize,
	}
	// Mark opening before the send: the blocking control path drops the
	// lock, and a concurrent trigger must not announce the session twice.
	s.comm.state = CommOpening
	if err := e.sendControlLocked(cmd.Marshal()); err != nil {
		if e.store.valid(s) && s.comm.state == CommOpening {
			s.comm.state = CommIdle
		}
		if errors.Is(err, ErrTransportBusy) {
			e.stats.SendsDeferred++
			return err
		}
		e.log.Warn("endpoint: open session %d: %v", s.id, err)
		return err
	}
	// The session may be gone or the link flapped while the lock was down.
	if !e.store.valid(s) || s.comm.state != CommOpening {
		return nil
	}
	s.comm.deadline = e.now().Add(e.cfg.AckTimeout)
	e.armTimerLocked()
	e.log.Debug("endpoint: session %d opening", s.id)
	return nil
}

// trySendLocked pulls the next unsent spooled bytes and puts exactly one
// message in flight. Only valid from idle; every other condition defers
// silently and is retried on the next trigger.
func (e *Endpoint) trySendLocked(s *Session) {
	if !e.connected || !e.sendEnabled || !s.comm.opened || s.comm.state != CommIdle {
		return
	}
	max := e.transport.MaxPayload() - dataHeaderSize
	if max <= 0 {
		e.log.Error("endpoint: transport max payload %d too small", e.transport.MaxPayload())
		return
	}
	buf := make([]byte, max)
	n, err := e.store.Read(s, buf)
	if err != nil {
		e.log.Warn("endpoint: read session %d: %v", s.id, err)
		return
	}
	if n == 0 {
		return
	}
	cmd := DataCommand{
		SessionID: s.id,
		ItemsLeft: uint32((s.numBytes - n) / s.itemStride()),
		Bytes:     buf[:n],
	}
	if err := e.transport.Send(cmd.Marshal()); err != nil {
		if errors.Is(err, ErrTransportBusy) {
			e.stats.SendsDeferred++
			return
		}
		e.log.Warn("endpoint: send session %d chunk: %v", s.id, err)
		return
	}
	s.comm.state = CommSending
	s.comm.pendingBytes = n
	s.comm.deadline = e.now().Add(e.cfg.AckTimeout)
	e.stats.ChunksSent++
	e.stats.BytesSent += uint64(n)
	e.armTimerLocked()
	e.log.Trace("endpoint: session %d sent %d bytes", s.id, n)
}

// ackLocked handles a positive ack: an opening session becomes idle, a
// sending session consumes the confirmed bytes. Either way the engine
// immediately attempts the next chunk to keep the pipe full.
func (e *Endpoint) ackLocked(sid uint8) {
	s := e.store.Get(sid)
	if s == nil {
		e.log.Debug("endpoint: ack for unknown session %d", sid)
		return
	}
	e.stats.Acks++
	switch s.comm.state {
	case CommOpening:
		s.comm.opened = true
		s.comm.state = CommIdle
		s.comm.deadline = time.Time{}
		e.armTimerLocked()
		e.trySendLocked(s)

	case CommSending:
		pending := s.comm.pendingBytes
		s.comm.pendingBytes = 0
		s.comm.nackCount = 0
		s.comm.state = CommIdle
		s.comm.deadline = time.Time{}
		if err := e.store.Consume(s, pending); err != nil {
			e.log.Error("endpoint: consume %d acked bytes for session %d: %v", pending, sid, err)
		}
		e.stats.BytesAcked += uint64(pending)
		e.armTimerLocked()
		// The consume may have destroyed a drained inactive session.
		if e.store.valid(s) {
			e.trySendLocked(s)
		}

	default:
		e.log.Debug("endpoint: stray ack for idle session %d", sid)
	}
}

// nackLocked handles a negative ack: the chunk is retried, not abandoned,
// unless the retry ceiling is exceeded, at which point exactly the
// in-flight bytes are dropped as the escape valve against a permanently
// broken link. The session keeps operating either way.
func (e *Endpoint) nackLocked(sid uint8) {
	s := e.store.Get(sid)
	if s == nil {
		e.log.Debug("endpoint: nack for unknown session %d", sid)
		return
	}
	e.stats.Nacks++
	switch s.comm.state {
	case CommOpening:
		s.comm.state = CommIdle
		s.comm.deadline = time.Time{}
		e.armTimerLocked()
		e.openLocked(s)

	case CommSending:
		s.comm.nackCount++
		pending := s.comm.pendingBytes
		s.comm.pendingBytes = 0
		s.comm.state = CommIdle
		s.comm.deadline = time.Time{}
		if s.comm.nackCount > e.cfg.MaxNacks {
			e.log.Warn("endpoint: session %d exceeded %d nacks, dropping %d in-flight bytes", sid, e.cfg.MaxNacks, pending)
			s.comm.nackCount = 0
			e.stats.BytesDroppedNack += uint64(pending)
			e.store.stats.BytesDropped += uint64(pending)
			if err := e.store.Consume(s, pending); err != nil {
				e.log.Error("endpoint: drop %d bytes for session %d: %v", pending, sid, err)
			}
		}
		e.armTimerLocked()
		if e.store.valid(s) {
			e.trySendLocked(s)
		}

	default:
		e.log.Debug("endpoint: stray nack for idle session %d", sid)
	}
}

// reportLocked reconciles with the peer's view after a reconnect: sessions
// the peer lists but we no longer have get an explicit close, and every
// still-valid local session is queued for a serial reopen, one session per
// scheduling quantum, so no single call does unbounded work.
func (e *Endpoint) reportLocked(remoteIDs []uint8) {
	for _, sid := range remoteIDs {
		if e.store.Get(sid) == nil {
			if err := e.sendControlLocked(marshalSessionIDCommand(CmdClose, sid)); err != nil {
				e.log.Warn("endpoint: close unknown session %d: %v", sid, err)
			}
		}
	}
	for _, s := range e.store.Sessions() {
		select {
		case e.reopen <- s.id:
		default:
			e.log.Warn("endpoint: reopen queue full, session %d retried on next report", s.id)
		}
	}
}

// reopenLoop is the background worker draining the reopen queue. A session
// freed between snapshot and reopen is skipped silently; any send failure,
// backpressure included, aborts the rest of the chain, to be retried on the
// next report.
func (e *Endpoint) reopenLoop() {
	defer e.wg.Done()
	for {
		select {
		case sid := <-e.reopen:
			e.mu.Lock()
			s := e.store.Get(sid)
			if s == nil {
				e.mu.Unlock()
				continue
			}
			var err error
			if !s.comm.opened {
				err = e.openLocked(s)
			} else if s.comm.state == CommIdle {
				e.trySendLocked(s)
			}
			e.mu.Unlock()
			if err != nil {
				e.drainReopenQueue()
			}

		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Endpoint) drainReopenQueue() {
	for {
		select {
		case <-e.reopen:
		default:
			return
		}
	}
}

// onAckTimeout fires for the soonest deadline across all sessions, then
// re-checks every session so simultaneous expirations are handled in one
// pass. Each expired session notifies the peer and reverts to idle; the
// unacked bytes stay spooled for a later retry.
func (e *Endpoint) onAckTimeout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for _, s := range e.store.Sessions() {
		if s.comm.deadline.IsZero() || s.comm.deadline.After(now) {
			continue
		}
		e.stats.Timeouts++
		e.log.Warn("endpoint: session %d timed out waiting for ack in state %v", s.id, s.comm.state)
		if err := e.sendControlLocked(marshalSessionIDCommand(CmdTimeout, s.id)); err != nil {
			e.log.Warn("endpoint: notify timeout for session %d: %v", s.id, err)
		}
		// A blocking send dropped the lock; the session may be gone or
		// already back in flight with a fresh deadline.
		if !e.store.valid(s) || s.comm.deadline.IsZero() || s.comm.deadline.After(e.now()) {
			continue
		}
		if s.comm.state == CommOpening {
			s.comm.opened = false
		}
		s.comm.state = CommIdle
		s.comm.pendingBytes = 0
		s.comm.deadline = time.Time{}
	}
	e.armTimerLocked()
}

// armTimerLocked keeps a single timer armed for the soonest pending
// deadline across all sessions.
func (e *Endpoint) armTimerLocked() {
	var soonest time.Time
	for _, s := range e.store.Sessions() {
		if s.comm.deadline.IsZero() {
			continue
		}
		if soonest.IsZero() || s.comm.deadline.Before(soonest) {
			soonest = s.comm.deadline
		}
	}
	if soonest.IsZero() {
		if e.ackTimer != nil {
			e.ackTimer.Stop()
		}
		return
	}
	d := soonest.Sub(e.now())
	if d < 0 {
		d = 0
	}
	if e.ackTimer == nil {
		e.ackTimer = time.AfterFunc(d, e.onAckTimeout)
		return
	}
	e.ackTimer.Stop()
	e.ackTimer.Reset(d)
}

// sendControlLocked sends a control message, preferring the blocking
// bounded-timeout path when the transport offers one. The lock is released
// for the duration of a blocking send so producers and the dispatch
// goroutine never stall behind the transport; callers must re-validate any
// session state they read before the call.
func (e *Endpoint) sendControlLocked(payload []byte) error {
	if bt, ok := e.transport.(BlockingTransport); ok {
		e.mu.Unlock()
		err := bt.SendBlocking(payload, e.cfg.SendTimeout)
		e.mu.Lock()
		return err
	}
	return e.transport.Send(payload)
}
