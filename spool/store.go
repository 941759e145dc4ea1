// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spool

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/destiny/wirespool/logging"
)

// Chunked storage format: each write is split into chunks of at most
// maxChunkPayload bytes, each preceded by a one-byte header holding a 7-bit
// length and a top "valid" bit. Erased media reads 0xFF, which decodes as
// valid+length 127; since no chunk is ever written longer than
// maxChunkPayload, 0xFF is unambiguously the end-of-data sentinel. Consuming
// a chunk clears only the valid bit, which flash can do without an erase.
const (
	maxChunkPayload = 100
	chunkHeaderSize = 1
	chunkValidMask  = 0x80
	chunkLengthMask = 0x7F
	chunkSentinel   = 0xFF
)

// Store defaults.
const (
	DefaultQuota           = 256 * 1024
	DefaultInitialFileSize = 4 * 1024
	DefaultGrowthStep      = 4 * 1024
)

var (
	// ErrInvalidSession is returned when a session handle is not (or no
	// longer) registered with the store.
	ErrInvalidSession = errors.New("spool: invalid session")

	// ErrSessionFinished is returned for writes to a finished session.
	ErrSessionFinished = errors.New("spool: session finished")

	// ErrBadParams is returned for contract violations from the public
	// logging API, such as a write that is not a whole number of items.
	ErrBadParams = errors.New("spool: invalid parameters")

	// ErrQuotaExhausted is returned when a write cannot fit even after
	// compaction of every session and eviction of old data.
	ErrQuotaExhausted = errors.New("spool: storage quota exhausted")

	// ErrNoFreeSessionID is returned when all session ids are in use.
	ErrNoFreeSessionID = errors.New("spool: no free session id")
)

// StoreConfig carries the store's tunables. Zero values select defaults.
type StoreConfig struct {
	// Quota is the ceiling on total backing-file bytes across all sessions.
	Quota int64

	// InitialFileSize is the size a session's backing file is created at.
	InitialFileSize int64

	// GrowthStep is the increment used when a backing file grows.
	GrowthStep int64
}

func (c *StoreConfig) normalize() {
	if c.Quota <= 0 {
		c.Quota = DefaultQuota
	}
	if c.InitialFileSize <= 0 {
		c.InitialFileSize = DefaultInitialFileSize
	}
	if c.InitialFileSize <= fileHeaderSize {
		c.InitialFileSize = fileHeaderSize + DefaultGrowthStep
	}
	if c.GrowthStep <= 0 {
		c.GrowthStep = DefaultGrowthStep
	}
}

// StoreStats counts store activity for diagnostics.
type StoreStats struct {
	BytesWritten  uint64
	BytesRead     uint64
	BytesConsumed uint64
	BytesDropped  uint64 // explicit data loss under quota pressure
	Compactions   uint64
	SessionsBuilt uint64 // sessions reconstructed at boot
}

// Store is the persistent, append-only per-session storage engine. The
// store does no locking of its own: all calls must come from one serialized
// worker context. The Endpoint provides that context; standalone use (boot
// recovery before the endpoint starts, tests) is single-goroutine.
type Store struct {
	medium   Medium
	cfg      StoreConfig
	sessions []*Session
	now      func() time.Time
	log      *logging.Logger
	stats    StoreStats
}

// NewStore creates a Store over the given medium. A nil logger discards
// diagnostics.
func NewStore(medium Medium, cfg StoreConfig, log *logging.Logger) *Store {
	cfg.normalize()
	if log == nil {
		log = logging.DevNull
	}
	return &Store{
		medium: medium,
		cfg:    cfg,
		now:    time.Now,
		log:    log,
	}
}

// SetClock overrides the wall clock used for session creation timestamps.
func (st *Store) SetClock(now func() time.Time) { st.now = now }

// Stats returns a snapshot of the store counters.
func (st *Store) Stats() StoreStats { return st.stats }

// Sessions returns a snapshot of the current session list.
func (st *Store) Sessions() []*Session {
	return append([]*Session(nil), st.sessions...)
}

// Get returns the session with the given id, or nil.
func (st *Store) Get(id uint8) *Session {
	for _, s := range st.sessions {
		if s.id == id {
			return s
		}
	}
	return nil
}

func (st *Store) valid(s *Session) bool {
	if s == nil {
		return false
	}
	for _, have := range st.sessions {
		if have == s {
			return true
		}
	}
	return false
}

func fileName(id uint8, generation uint32) string {
	return fmt.Sprintf("spool_%d_%d.log", id, generation)
}

func parseFileName(name string) (id uint8, generation uint32, ok bool) {
	var rawID, rawGen uint32
	if n, err := fmt.Sscanf(name, "spool_%d_%d.log", &rawID, &rawGen); err != nil || n != 2 || rawID > 255 {
		return 0, 0, false
	}
	return uint8(rawID), rawGen, true
}

// CreateSession registers a new active session. The backing file is created
// lazily on the first write, so a session that never logs anything costs no
// storage.
func (st *Store) CreateSession(appUUID uuid.UUID, tag uint32, itemType ItemType, itemSize uint16) (*Session, error) {
	id, err := st.freeID()
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:        id,
		appUUID:   appUUID,
		tag:       tag,
		itemType:  itemType,
		itemSize:  itemSize,
		createdAt: uint32(st.now().Unix()),
		status:    SessionActive,
		comm:      commInfo{state: CommIdle},
	}
	st.sessions = append(st.sessions, s)
	st.log.Debug("store: created session %d tag %d item size %d", id, tag, itemSize)
	return s, nil
}

// freeID allocates the smallest unused session id. Id zero is reserved so a
// zeroed wire field never aliases a live session.
func (st *Store) freeID() (uint8, error) {
	used := make(map[uint8]bool, len(st.sessions))
	for _, s := range st.sessions {
		used[s.id] = true
	}
	for id := 1; id <= 255; id++ {
		if !used[uint8(id)] {
			return uint8(id), nil
		}
	}
	return 0, ErrNoFreeSessionID
}

// openFile creates the session's backing file and writes its header.
func (st *Store) openFile(s *Session) error {
	if s.file != nil {
		return nil
	}
	name := fileName(s.id, s.generation)
	f, err := st.medium.Open(name, st.cfg.InitialFileSize)
	if err != nil {
		return fmt.Errorf("spool: open session %d file: %w", s.id, err)
	}
	if _, err := f.WriteAt(s.marshalHeader(), 0); err != nil {
		f.Close()
		return fmt.Errorf("spool: write session %d header: %w", s.id, err)
	}
	s.file = f
	s.fileName = name
	s.writeOff = fileHeaderSize
	s.readOff = fileHeaderSize
	return nil
}

// chunkSpans splits data into chunk payloads such that chunk boundaries
// always coincide with item boundaries: records up to the chunk cap are
// never split across chunks, and a record larger than a chunk occupies a
// whole number of chunks by itself. The delivery engine depends on this so
// that consuming whole records always lands exactly on a chunk boundary.
func chunkSpans(data []byte, stride int) [][]byte {
	var spans [][]byte
	if stride <= maxChunkPayload {
		cap := (maxChunkPayload / stride) * stride
		for len(data) > 0 {
			n := len(data)
			if n > cap {
				n = cap
			}
			spans = append(spans, data[:n])
			data = data[n:]
		}
		return spans
	}
	for len(data) > 0 {
		item := data[:stride]
		data = data[stride:]
		for len(item) > 0 {
			n := len(item)
			if n > maxChunkPayload {
				n = maxChunkPayload
			}
			spans = append(spans, item[:n])
			item = item[n:]
		}
	}
	return spans
}

func chunkedSize(spans [][]byte) int64 {
	var total int64
	for _, sp := range spans {
		total += chunkHeaderSize + int64(len(sp))
	}
	return total
}

// Write appends data to the session, chunked. Atomicity is per chunk: the
// payload is written before its header byte, so a crash mid-chunk leaves
// the header erased and recovery skips the torn chunk.
func (st *Store) Write(s *Session, data []byte) error {
	if !st.valid(s) {
		return ErrInvalidSession
	}
	if s.status != SessionActive {
		return ErrSessionFinished
	}
	if len(data) == 0 {
		return nil
	}
	stride := s.itemStride()
	if len(data)%stride != 0 {
		return fmt.Errorf("%w: write of %d bytes is not a whole number of %d-byte items", ErrBadParams, len(data), stride)
	}
	if err := st.openFile(s); err != nil {
		return err
	}

	spans := chunkSpans(data, stride)
	if err := st.ensureSpace(s, chunkedSize(spans)); err != nil {
		return err
	}

	for _, sp := range spans {
		if _, err := s.file.WriteAt(sp, s.writeOff+chunkHeaderSize); err != nil {
			return fmt.Errorf("spool: session %d chunk payload: %w", s.id, err)
		}
		hdr := byte(len(sp)) | chunkValidMask
		if _, err := s.file.WriteAt([]byte{hdr}, s.writeOff); err != nil {
			return fmt.Errorf("spool: session %d chunk header: %w", s.id, err)
		}
		s.writeOff += chunkHeaderSize + int64(len(sp))
		s.numBytes += len(sp)
		st.stats.BytesWritten += uint64(len(sp))
	}
	return nil
}

// totalMediaBytes sums backing-file sizes across sessions, the quantity the
// global quota bounds.
func (st *Store) totalMediaBytes() int64 {
	var total int64
	for _, s := range st.sessions {
		if s.file != nil {
			total += s.file.Size()
		}
	}
	return total
}

// ensureSpace makes room for needed more bytes in s's backing file. It
// tries, in order: growing within the global quota, growing to fill the
// remaining quota, compacting this and then every other session, and
// finally dropping the oldest half of this session's unread data. The last
// resort is explicit, logged data loss, never silent.
func (st *Store) ensureSpace(s *Session, needed int64) error {
	for attempt := 0; ; attempt++ {
		size := s.file.Size()
		if s.writeOff+needed <= size {
			return nil
		}
		if attempt > 8 {
			return ErrQuotaExhausted
		}

		target := s.writeOff + needed
		grow := target - size
		if rem := grow % st.cfg.GrowthStep; rem != 0 {
			grow += st.cfg.GrowthStep - rem
		}

		if st.totalMediaBytes()+grow <= st.cfg.Quota {
			if err := s.file.Grow(size + grow); err != nil {
				return err
			}
			continue
		}

		if remaining := st.cfg.Quota - st.totalMediaBytes(); remaining > 0 && size+remaining >= target {
			if err := s.file.Grow(size + remaining); err != nil {
				return err
			}
			continue
		}

		// Reclaim this session's consumed prefix.
		if s.readOff > fileHeaderSize {
			if err := st.compact(s); err != nil {
				return err
			}
			continue
		}

		// Reclaim other sessions' consumed prefixes to free quota.
		if st.compactOthers(s) {
			continue
		}

		// Last resort: evict the oldest half of this session's unread data.
		if s.numBytes > 0 {
			drop := st.chunkAligned(s, s.numBytes/2)
			if drop == 0 {
				drop = st.chunkAligned(s, s.numBytes)
			}
			if drop > 0 {
				st.log.Warn("store: session %d quota pressure, dropping %d oldest bytes", s.id, drop)
				st.stats.BytesDropped += uint64(drop)
				if err := st.consume(s, drop); err != nil {
					return err
				}
				if err := st.compact(s); err != nil {
					return err
				}
				continue
			}
		}

		return ErrQuotaExhausted
	}
}

// chunkAligned rounds n up to the next chunk boundary of s's unread data,
// so a consume never stops mid-chunk.
func (st *Store) chunkAligned(s *Session, n int) int {
	if n <= 0 || s.file == nil {
		return 0
	}
	covered := 0
	off := s.readOff
	for covered < n {
		hdr, plen, ok := st.readChunkHeader(s, off)
		if !ok {
			break
		}
		if hdr&chunkValidMask != 0 && hdr != chunkSentinel {
			covered += plen
		}
		off += chunkHeaderSize + int64(plen)
	}
	return covered
}

// readChunkHeader reads the chunk header at off. ok is false at the
// end-of-data sentinel or past the end of the file.
func (st *Store) readChunkHeader(s *Session, off int64) (hdr byte, payloadLen int, ok bool) {
	if off >= s.file.Size() || off >= s.writeOff {
		return 0, 0, false
	}
	var b [1]byte
	if _, err := s.file.ReadAt(b[:], off); err != nil {
		return 0, 0, false
	}
	if b[0] == chunkSentinel {
		return b[0], 0, false
	}
	return b[0], int(b[0] & chunkLengthMask), true
}

// Read copies up to len(dst) spooled bytes into dst without consuming them.
// It returns only whole items: a partial trailing record is held back so a
// consumer's notion of one record stays intact across chunk boundaries.
func (st *Store) Read(s *Session, dst []byte) (int, error) {
	if !st.valid(s) {
		return 0, ErrInvalidSession
	}
	if s.file == nil || s.numBytes == 0 {
		return 0, nil
	}
	n := 0
	off := s.readOff
	for n < len(dst) {
		hdr, plen, ok := st.readChunkHeader(s, off)
		if !ok {
			break
		}
		if hdr&chunkValidMask == 0 {
			off += chunkHeaderSize + int64(plen)
			continue
		}
		if n+plen > len(dst) {
			break
		}
		if _, err := s.file.ReadAt(dst[n:n+plen], off+chunkHeaderSize); err != nil {
			return 0, fmt.Errorf("spool: session %d read chunk: %w", s.id, err)
		}
		n += plen
		off += chunkHeaderSize + int64(plen)
	}
	n -= n % s.itemStride()
	st.stats.BytesRead += uint64(n)
	return n, nil
}

// Available counts spooled unconsumed bytes without touching any cursor.
func (st *Store) Available(s *Session) (int, error) {
	if !st.valid(s) {
		return 0, ErrInvalidSession
	}
	return s.numBytes, nil
}

// Consume invalidates the chunks covering the oldest n bytes. n must land
// on a chunk boundary, which holds for any whole-item count because chunk
// boundaries are item-aligned by construction. Consume(0) only resyncs the
// read cursor past invalidated chunks, a mode used during boot recovery.
func (st *Store) Consume(s *Session, n int) error {
	if !st.valid(s) {
		return ErrInvalidSession
	}
	if err := st.consume(s, n); err != nil {
		return err
	}
	if s.status == SessionInactive && s.numBytes == 0 {
		st.destroy(s)
	}
	return nil
}

func (st *Store) consume(s *Session, n int) error {
	if n > s.numBytes {
		// True programmer-error invariant, not an external condition.
		panic(fmt.Sprintf("spool: session %d consume %d exceeds %d tracked bytes", s.id, n, s.numBytes))
	}
	if s.file == nil {
		return nil
	}
	remaining := n
	for {
		hdr, plen, ok := st.readChunkHeader(s, s.readOff)
		if !ok {
			break
		}
		valid := hdr&chunkValidMask != 0
		if valid && remaining == 0 {
			break
		}
		if valid {
			if plen > remaining {
				return fmt.Errorf("%w: consume of %d bytes ends mid-chunk", ErrBadParams, n)
			}
			cleared := hdr &^ byte(chunkValidMask)
			if _, err := s.file.WriteAt([]byte{cleared}, s.readOff); err != nil {
				return fmt.Errorf("spool: session %d invalidate chunk: %w", s.id, err)
			}
			remaining -= plen
			s.numBytes -= plen
			st.stats.BytesConsumed += uint64(plen)
		}
		s.readOff += chunkHeaderSize + int64(plen)
	}
	return nil
}

// Finish marks the producer's side of the session done. A session with
// unread data lingers Inactive until drained; an empty one is destroyed
// immediately. Finishing twice is a no-op.
func (st *Store) Finish(s *Session) error {
	if !st.valid(s) {
		return ErrInvalidSession
	}
	if s.status == SessionInactive {
		return nil
	}
	s.status = SessionInactive
	if s.numBytes == 0 {
		st.destroy(s)
	}
	return nil
}

// Empty drops all of a session's spooled data, destroying the session if it
// is already finished. Used for the peer's empty-session request.
func (st *Store) Empty(s *Session) error {
	if !st.valid(s) {
		return ErrInvalidSession
	}
	st.stats.BytesDropped += uint64(s.numBytes)
	if err := st.consume(s, s.numBytes); err != nil {
		return err
	}
	if s.status == SessionInactive {
		st.destroy(s)
	}
	return nil
}

// FlushAll destroys every session and its backing file.
func (st *Store) FlushAll() {
	for _, s := range append([]*Session(nil), st.sessions...) {
		st.destroy(s)
	}
}

func (st *Store) destroy(s *Session) {
	if s.file != nil {
		s.file.Close()
		if err := st.medium.Remove(s.fileName); err != nil && !errors.Is(err, ErrNotFound) {
			st.log.Warn("store: remove %s: %v", s.fileName, err)
		}
		s.file = nil
	}
	for i, have := range st.sessions {
		if have == s {
			st.sessions = append(st.sessions[:i], st.sessions[i+1:]...)
			break
		}
	}
}

// compact moves a session's unread data into a fresh backing file and
// atomically swaps to it. The new file's header is written only after all
// data chunks, so an interrupted compaction leaves a headerless new file
// that recovery discards while the old file stays authoritative.
func (st *Store) compact(s *Session) error {
	if s.file == nil {
		return nil
	}

	// Collect the unread chunk payloads.
	var live [][]byte
	off := s.readOff
	for {
		hdr, plen, ok := st.readChunkHeader(s, off)
		if !ok {
			break
		}
		if hdr&chunkValidMask != 0 {
			payload := make([]byte, plen)
			if _, err := s.file.ReadAt(payload, off+chunkHeaderSize); err != nil {
				return fmt.Errorf("spool: session %d compact read: %w", s.id, err)
			}
			live = append(live, payload)
		}
		off += chunkHeaderSize + int64(plen)
	}

	var liveSize int64
	for _, p := range live {
		liveSize += chunkHeaderSize + int64(len(p))
	}
	newSize := fileHeaderSize + liveSize
	if newSize < st.cfg.InitialFileSize {
		newSize = st.cfg.InitialFileSize
	}

	newGen := s.generation + 1
	newName := fileName(s.id, newGen)
	nf, err := st.medium.Open(newName, newSize)
	if err != nil {
		return fmt.Errorf("spool: session %d compact open: %w", s.id, err)
	}

	writeOff := int64(fileHeaderSize)
	for _, p := range live {
		if _, err := nf.WriteAt(p, writeOff+chunkHeaderSize); err != nil {
			nf.Close()
			return fmt.Errorf("spool: session %d compact payload: %w", s.id, err)
		}
		if _, err := nf.WriteAt([]byte{byte(len(p)) | chunkValidMask}, writeOff); err != nil {
			nf.Close()
			return fmt.Errorf("spool: session %d compact header: %w", s.id, err)
		}
		writeOff += chunkHeaderSize + int64(len(p))
	}
	// Completion marker: only now does the new file become authoritative.
	if _, err := nf.WriteAt(s.marshalHeader(), 0); err != nil {
		nf.Close()
		return fmt.Errorf("spool: session %d compact finalize: %w", s.id, err)
	}

	oldName := s.fileName
	s.file.Close()
	if err := st.medium.Remove(oldName); err != nil && !errors.Is(err, ErrNotFound) {
		st.log.Warn("store: remove %s after compaction: %v", oldName, err)
	}

	s.file = nf
	s.fileName = newName
	s.generation = newGen
	s.readOff = fileHeaderSize
	s.writeOff = writeOff
	st.stats.Compactions++
	st.log.Debug("store: compacted session %d into %s (%d live bytes)", s.id, newName, s.numBytes)
	return nil
}

// compactOthers compacts every other session that has a reclaimable
// consumed prefix. Reports whether any quota was freed.
func (st *Store) compactOthers(keep *Session) bool {
	freed := false
	for _, s := range st.sessions {
		if s == keep || s.file == nil || s.readOff <= fileHeaderSize {
			continue
		}
		before := s.file.Size()
		if err := st.compact(s); err != nil {
			st.log.Warn("store: compact session %d: %v", s.id, err)
			continue
		}
		if s.file.Size() < before {
			freed = true
		}
	}
	return freed
}

// Rebuild reconstructs the session list from the medium at boot. For each
// session id the newest file generation with a healthy header wins; older
// generations, headerless compaction leftovers and files with corrupt
// headers are deleted. Rebuilt sessions come back Inactive: their producers
// did not survive the reboot, but their unread data must still be delivered.
func (st *Store) Rebuild() error {
	names, err := st.medium.List()
	if err != nil {
		return fmt.Errorf("spool: rebuild list: %w", err)
	}

	type candidate struct {
		name string
		gen  uint32
	}
	byID := make(map[uint8][]candidate)
	for _, name := range names {
		id, gen, ok := parseFileName(name)
		if !ok {
			continue
		}
		byID[id] = append(byID[id], candidate{name: name, gen: gen})
	}

	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	for _, rawID := range ids {
		id := uint8(rawID)
		cands := byID[id]
		sort.Slice(cands, func(i, j int) bool { return cands[i].gen > cands[j].gen })

		var rebuilt *Session
		for _, cand := range cands {
			if rebuilt != nil {
				// Older generation or leftover: the newer file won.
				st.medium.Remove(cand.name)
				continue
			}
			s, err := st.rebuildOne(cand.name, cand.gen)
			if err != nil {
				st.log.Warn("store: dropping session file %s: %v", cand.name, err)
				st.medium.Remove(cand.name)
				continue
			}
			rebuilt = s
		}
		if rebuilt != nil {
			if rebuilt.numBytes == 0 {
				st.destroyFileOnly(rebuilt)
				continue
			}
			st.sessions = append(st.sessions, rebuilt)
			st.stats.SessionsBuilt++
			st.log.Info("store: rebuilt session %d with %d unread bytes", rebuilt.id, rebuilt.numBytes)
		}
	}
	return nil
}

func (st *Store) destroyFileOnly(s *Session) {
	if s.file != nil {
		s.file.Close()
		st.medium.Remove(s.fileName)
		s.file = nil
	}
}

// rebuildOne reconstructs one session record from its backing file by
// parsing the header and replaying chunk headers to recompute the offsets
// and the unread byte count.
func (st *Store) rebuildOne(name string, gen uint32) (*Session, error) {
	f, err := st.medium.Open(name, 0)
	if err != nil {
		return nil, err
	}
	hdr := make([]byte, fileHeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}
	s := &Session{status: SessionInactive, comm: commInfo{state: CommIdle}}
	if err := s.unmarshalHeader(hdr); err != nil {
		f.Close()
		return nil, err
	}
	s.file = f
	s.fileName = name
	s.generation = gen

	// Replay chunk headers.
	off := int64(fileHeaderSize)
	size := f.Size()
	var b [1]byte
	for off < size {
		if _, err := f.ReadAt(b[:], off); err != nil {
			break
		}
		if b[0] == chunkSentinel {
			break
		}
		plen := int(b[0] & chunkLengthMask)
		if b[0]&chunkValidMask != 0 {
			s.numBytes += plen
		}
		off += chunkHeaderSize + int64(plen)
	}
	s.writeOff = off

	// Resync the read cursor past the consumed prefix.
	s.readOff = fileHeaderSize
	if err := st.consume(s, 0); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}
