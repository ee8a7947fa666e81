// Package metrics implements the relay's ThroughputRecorder: a flat array
// of atomic counters indexed by packet type and direction, accumulated on
// the hot path and drained (move-and-reset) once per backend update cycle.
//
// This narrows a name-keyed Counter/Gauge registry style to a fixed,
// statically known index space, because the hot path cannot afford a map
// lookup per packet for what should be a single atomic add.
package metrics

import (
	"sync/atomic"

	"github.com/nextmesh/relay/pkg/wire"
)

// ThroughputRecorder accumulates forwarded bytes per (packet type,
// direction), a received-packet count per type, and a drop count per
// failure reason. Received is incremented for every packet whose first
// byte names a recognized type, before any further validation runs, so it
// equals total attempts regardless of outcome. Bytes only accumulates for
// packets that clear every check and are actually forwarded.
type ThroughputRecorder struct {
	bytes    [wire.NumPacketTypes][wire.NumDirections]atomic.Uint64
	received [wire.NumPacketTypes]atomic.Uint64

	unknownRx        atomic.Uint64
	authFailure      atomic.Uint64
	replay           atomic.Uint64
	missingSession   atomic.Uint64
	envelopeExceeded [wire.NumDirections]atomic.Uint64
}

// New creates an empty ThroughputRecorder.
func New() *ThroughputRecorder {
	return &ThroughputRecorder{}
}

// AddReceived records one attempt at packet type t, prior to decode or any
// other validation. Out-of-range types are ignored; callers only pass
// types that already satisfy PacketType.Valid.
func (r *ThroughputRecorder) AddReceived(t wire.PacketType) {
	if int(t) >= wire.NumPacketTypes {
		return
	}
	r.received[t].Add(1)
}

// AddBytes accumulates n bytes for the given packet type and direction.
// Safe for concurrent use, though in practice only the receive goroutine
// ever writes.
func (r *ThroughputRecorder) AddBytes(t wire.PacketType, d wire.Direction, n uint64) {
	if int(t) >= wire.NumPacketTypes || int(d) >= wire.NumDirections {
		return
	}
	r.bytes[t][d].Add(n)
}

// AddUnknown counts one packet whose first byte did not name a recognized
// type. There is no matching per-type received counter for this case,
// since there is no type to attribute it to.
func (r *ThroughputRecorder) AddUnknown() {
	r.unknownRx.Add(1)
}

// AddAuthFailure counts one packet dropped for an AEAD tag or signature
// mismatch.
func (r *ThroughputRecorder) AddAuthFailure() {
	r.authFailure.Add(1)
}

// AddReplay counts one packet dropped because its sequence number was not
// strictly greater than the session's expected value.
func (r *ThroughputRecorder) AddReplay() {
	r.replay.Add(1)
}

// AddMissingSession counts one stateful packet dropped because its
// session_id was not present in the session map.
func (r *ThroughputRecorder) AddMissingSession() {
	r.missingSession.Add(1)
}

// AddEnvelopeExceeded counts one packet dropped for a bandwidth bucket
// underflow, distinctly per direction.
func (r *ThroughputRecorder) AddEnvelopeExceeded(d wire.Direction) {
	if int(d) >= wire.NumDirections {
		return
	}
	r.envelopeExceeded[d].Add(1)
}

// Snapshot is a drained copy of all counters, keyed identically to the
// live recorder.
type Snapshot struct {
	Bytes            [wire.NumPacketTypes][wire.NumDirections]uint64
	Received         [wire.NumPacketTypes]uint64
	UnknownRx        uint64
	AuthFailure      uint64
	Replay           uint64
	MissingSession   uint64
	EnvelopeExceeded [wire.NumDirections]uint64
}

// Drain atomically swaps every counter to zero and returns the values it
// held, so the next report accumulates only fresh deltas. Draining twice
// with no intervening traffic yields an all-zero Snapshot the second
// time.
func (r *ThroughputRecorder) Drain() Snapshot {
	var s Snapshot
	for t := 0; t < wire.NumPacketTypes; t++ {
		for d := 0; d < wire.NumDirections; d++ {
			s.Bytes[t][d] = r.bytes[t][d].Swap(0)
		}
		s.Received[t] = r.received[t].Swap(0)
	}
	for d := 0; d < wire.NumDirections; d++ {
		s.EnvelopeExceeded[d] = r.envelopeExceeded[d].Swap(0)
	}
	s.UnknownRx = r.unknownRx.Swap(0)
	s.AuthFailure = r.authFailure.Swap(0)
	s.Replay = r.replay.Swap(0)
	s.MissingSession = r.missingSession.Swap(0)
	return s
}
