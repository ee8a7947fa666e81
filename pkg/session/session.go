// Package session implements the relay's session map: a keyed store of
// active sessions with per-session route tokens, replay-protection
// counters, and per-direction envelope budgets.
//
// The map is single-writer (the packet router's receive goroutine); the
// backend goroutine only reads aggregate counters and calls Purge after
// each update cycle. This implementation guards the map with a
// sync.RWMutex so that per-session mutation is serialized and
// readers never observe a torn record, even though only one goroutine
// is expected to call the mutating methods.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextmesh/relay/pkg/netaddr"
)

// burstWindowSeconds bounds how much envelope budget can accumulate while
// idle: the bucket never exceeds envelope_kbps * window_seconds / 8.
const burstWindowSeconds = 1.0

// Envelope is a per-direction leaky-bucket bandwidth budget.
//
// An envelope of 0 kbps means zero capacity: every non-empty payload
// immediately underflows and is dropped as envelope-exceeded. There is no
// "budget disabled" mode — the bucket math has no special case for a
// zero rate, and an operator who wants no limit sets a very high
// envelope instead.
type Envelope struct {
	Kbps       uint32
	bucket     float64
	lastRefill time.Time
}

func newEnvelope(kbps uint32, now time.Time) Envelope {
	capacity := capacityBytes(kbps)
	return Envelope{Kbps: kbps, bucket: capacity, lastRefill: now}
}

func capacityBytes(kbps uint32) float64 {
	return float64(kbps) * 1000.0 * burstWindowSeconds / 8.0
}

// tryDebit refills the bucket for elapsed time since the last call, then
// attempts to subtract n bytes. It reports whether the payload was
// admitted.
func (e *Envelope) tryDebit(now time.Time, n uint64) bool {
	elapsed := now.Sub(e.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	e.lastRefill = now

	capacity := capacityBytes(e.Kbps)
	e.bucket += float64(e.Kbps) * elapsed * 1000.0 / 8.0
	if e.bucket > capacity {
		e.bucket = capacity
	}

	if e.bucket < float64(n) {
		return false
	}
	e.bucket -= float64(n)
	return true
}

// Session is a single cryptographically scoped flow traversing this relay.
type Session struct {
	SessionID uint64

	// ForwardAddress is the next hop toward the server (upstream).
	// BackwardAddress is the next hop toward the client (downstream).
	ForwardAddress  netaddr.Address
	BackwardAddress netaddr.Address

	PrivateKey [32]byte

	ExpireTimestamp uint64 // seconds since epoch

	expectedClientToServerSeq uint64
	seenClientToServer        bool
	expectedServerToClientSeq uint64
	seenServerToClient        bool

	envelopeUp   Envelope
	envelopeDown Envelope

	bytesUp   atomic.Uint64
	bytesDown atomic.Uint64
}

// New constructs a Session with fresh sequence counters and full envelope
// buckets, as installed by a successfully decrypted route token.
func New(sessionID uint64, forward, backward netaddr.Address, key [32]byte, expire uint64, envelopeUpKbps, envelopeDownKbps uint32, now time.Time) *Session {
	return &Session{
		SessionID:       sessionID,
		ForwardAddress:  forward,
		BackwardAddress: backward,
		PrivateKey:      key,
		ExpireTimestamp: expire,
		envelopeUp:      newEnvelope(envelopeUpKbps, now),
		envelopeDown:    newEnvelope(envelopeDownKbps, now),
	}
}

// Expired reports whether now is strictly past this session's expiry.
func (s *Session) Expired(now time.Time) bool {
	return uint64(now.Unix()) > s.ExpireTimestamp
}

// ValidateSequence reports whether seq is strictly greater than the last
// accepted sequence for the given direction (or is the first packet seen
// in that direction), without committing it. The router calls this before
// attempting AEAD authentication, so a replay is dropped without spending
// a decrypt; AdvanceSequence then commits only once the tag also checks
// out. A session sitting at the maximum sequence value has nowhere left
// to advance to, so the next packet is always rejected rather than
// wrapping.
func (s *Session) ValidateSequence(up bool, seq uint64) bool {
	if up {
		return !s.seenClientToServer || seq > s.expectedClientToServerSeq
	}
	return !s.seenServerToClient || seq > s.expectedServerToClientSeq
}

// AdvanceSequence commits seq as the new expected value for the given
// direction. Callers must have already confirmed ValidateSequence and
// whatever authentication check gates acceptance.
func (s *Session) AdvanceSequence(up bool, seq uint64) {
	if up {
		s.expectedClientToServerSeq = seq
		s.seenClientToServer = true
		return
	}
	s.expectedServerToClientSeq = seq
	s.seenServerToClient = true
}

// CheckAndAdvanceSequence validates and, if accepted, commits seq in one
// step. Equivalent to ValidateSequence followed by AdvanceSequence; kept
// for callers (tests, and any single-step use) that don't need to gate
// the commit on a separate authentication step.
func (s *Session) CheckAndAdvanceSequence(up bool, seq uint64) bool {
	if !s.ValidateSequence(up, seq) {
		return false
	}
	s.AdvanceSequence(up, seq)
	return true
}

// DebitEnvelope attempts to admit n bytes in the given direction,
// refilling the leaky bucket for elapsed time first. Returns false if the
// bucket underflows, in which case the caller must drop the packet.
func (s *Session) DebitEnvelope(up bool, now time.Time, n uint64) bool {
	if up {
		ok := s.envelopeUp.tryDebit(now, n)
		if ok {
			s.bytesUp.Add(n)
		}
		return ok
	}
	ok := s.envelopeDown.tryDebit(now, n)
	if ok {
		s.bytesDown.Add(n)
	}
	return ok
}

// BytesUp returns the total bytes accepted upstream for this session.
func (s *Session) BytesUp() uint64 { return s.bytesUp.Load() }

// BytesDown returns the total bytes accepted downstream for this session.
func (s *Session) BytesDown() uint64 { return s.bytesDown.Load() }

// Reader is the narrow view of the session map exposed to the backend
// goroutine: aggregate counters and the purge pass, with no access to
// individual session records.
type Reader interface {
	Size() int
	EnvelopeUpTotal() uint64
	EnvelopeDownTotal() uint64
	Purge(now time.Time) int
}

// Map is the relay's session store, keyed by session_id.
type Map struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	capacity int
}

// NewMap creates an empty session map with no capacity limit.
func NewMap() *Map {
	return &Map{sessions: make(map[uint64]*Session)}
}

// NewMapWithCapacity creates an empty session map that refuses new
// session_ids once it holds capacity live sessions (RELAY_MAX_SESSIONS).
// A capacity of 0 means unlimited. Refreshing an existing session_id is
// always allowed, since it does not grow the table.
func NewMapWithCapacity(capacity int) *Map {
	return &Map{sessions: make(map[uint64]*Session), capacity: capacity}
}

// InsertOrRefresh installs s under s.SessionID, replacing any existing
// session with the same id: a session_id collision across route
// requests with different private keys means the second replaces the
// first. It reports whether s was admitted; a false return means the
// map is at capacity and s.SessionID was not already present.
func (m *Map) InsertOrRefresh(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.SessionID]; !exists && m.capacity > 0 && len(m.sessions) >= m.capacity {
		return false
	}
	m.sessions[s.SessionID] = s
	return true
}

// Get returns the session for sessionID, or (nil, false) if absent.
func (m *Map) Get(sessionID uint64) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Purge removes every session expired as of now, returning the count
// removed. A purged session's byte counters are dropped along with it:
// EnvelopeUpTotal/EnvelopeDownTotal sum only the sessions still present at
// call time, so purging one lowers those totals rather than preserving
// its contribution.
func (m *Map) Purge(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Size returns the number of active sessions.
func (m *Map) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// EnvelopeUpTotal sums accepted upstream bytes across all active sessions.
func (m *Map) EnvelopeUpTotal() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total uint64
	for _, s := range m.sessions {
		total += s.BytesUp()
	}
	return total
}

// EnvelopeDownTotal sums accepted downstream bytes across all active sessions.
func (m *Map) EnvelopeDownTotal() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total uint64
	for _, s := range m.sessions {
		total += s.BytesDown()
	}
	return total
}
