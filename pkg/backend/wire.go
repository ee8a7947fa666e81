// Package backend implements the relay's control-plane update loop: the
// periodic binary POST to /relay_update and the clean-shutdown state
// machine.
package backend

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nextmesh/relay/pkg/relaymanager"
	"github.com/nextmesh/relay/pkg/wire"
)

// UpdateRequestVersion and UpdateResponseVersion are the wire protocol
// versions this relay speaks.
const (
	UpdateRequestVersion  uint32 = 1
	UpdateResponseVersion uint32 = 1
)

// MaxRelays bounds the roster size accepted from an UpdateResponse.
const MaxRelays = 1024

// UpdateTokenSize is the fixed-size opaque token the relay presents to
// the backend on every update, sized like a key.
const UpdateTokenSize = 32

// UpdateRequest is the relay's per-cycle report to the backend.
//
// Field order mirrors the original C++ backend client's update struct,
// with its separate per-type rx/tx byte counters collapsed into the
// [PacketType][Direction] layout ThroughputRecorder uses: one up and one
// down counter per recognized packet type, in ascending PacketType
// order, followed by the per-type received counts and the drop-reason
// totals (unknown_rx, auth failure, replay, missing session, envelope
// exceeded per direction).
type UpdateRequest struct {
	Version       uint32
	RelayAddress  string
	UpdateToken   [UpdateTokenSize]byte
	RelayStats    []relaymanager.RelayStat
	SessionCount  uint64
	EnvelopeUp    uint64
	EnvelopeDown  uint64
	Throughput    metricsSnapshot
	ShuttingDown  bool
	CPUUsage      float64
	MemUsage      float64
}

// metricsSnapshot mirrors metrics.Snapshot field-for-field (same order and
// types) so the Throughput: metricsSnapshot(snap) conversion in loop.go
// compiles, without importing pkg/metrics directly into the wire type; that
// keeps encode/decode exercisable with plain literals in tests.
type metricsSnapshot struct {
	Bytes            [wire.NumPacketTypes][wire.NumDirections]uint64
	Received         [wire.NumPacketTypes]uint64
	UnknownRx        uint64
	AuthFailure      uint64
	Replay           uint64
	MissingSession   uint64
	EnvelopeExceeded [wire.NumDirections]uint64
}

func writeUint32(buf []byte, off int, v uint32) int {
	binary.LittleEndian.PutUint32(buf[off:off+4], v)
	return off + 4
}

func writeUint64(buf []byte, off int, v uint64) int {
	binary.LittleEndian.PutUint64(buf[off:off+8], v)
	return off + 8
}

func writeFloat32(buf []byte, off int, v float32) int {
	binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v))
	return off + 4
}

func writeFloat64(buf []byte, off int, v float64) int {
	binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(v))
	return off + 8
}

func writeString(buf []byte, off int, s string) int {
	off = writeUint32(buf, off, uint32(len(s)))
	copy(buf[off:off+len(s)], s)
	return off + len(s)
}

func stringWireSize(s string) int { return 4 + len(s) }

// EncodeUpdateRequest serializes r into its binary wire form.
func EncodeUpdateRequest(r UpdateRequest) []byte {
	size := 4 + stringWireSize(r.RelayAddress) + UpdateTokenSize + 4 +
		len(r.RelayStats)*20 +
		8 + 8 + 8 +
		wire.NumPacketTypes*wire.NumDirections*8 +
		wire.NumPacketTypes*8 + // per-type received counts
		8 + // unknown_rx
		8 + // auth failure
		8 + // replay
		8 + // missing session
		wire.NumDirections*8 + // envelope exceeded, per direction
		1 + 8 + 8

	out := make([]byte, size)
	off := 0
	off = writeUint32(out, off, r.Version)
	off = writeString(out, off, r.RelayAddress)
	copy(out[off:off+UpdateTokenSize], r.UpdateToken[:])
	off += UpdateTokenSize
	off = writeUint32(out, off, uint32(len(r.RelayStats)))
	for _, s := range r.RelayStats {
		off = writeUint64(out, off, s.RelayID)
		off = writeFloat32(out, off, s.RTTMs)
		off = writeFloat32(out, off, s.JitterMs)
		off = writeFloat32(out, off, s.PacketLossFraction)
	}
	off = writeUint64(out, off, r.SessionCount)
	off = writeUint64(out, off, r.EnvelopeUp)
	off = writeUint64(out, off, r.EnvelopeDown)
	for t := 0; t < wire.NumPacketTypes; t++ {
		for d := 0; d < wire.NumDirections; d++ {
			off = writeUint64(out, off, r.Throughput.Bytes[t][d])
		}
	}
	for t := 0; t < wire.NumPacketTypes; t++ {
		off = writeUint64(out, off, r.Throughput.Received[t])
	}
	off = writeUint64(out, off, r.Throughput.UnknownRx)
	off = writeUint64(out, off, r.Throughput.AuthFailure)
	off = writeUint64(out, off, r.Throughput.Replay)
	off = writeUint64(out, off, r.Throughput.MissingSession)
	for d := 0; d < wire.NumDirections; d++ {
		off = writeUint64(out, off, r.Throughput.EnvelopeExceeded[d])
	}
	if r.ShuttingDown {
		out[off] = 1
	} else {
		out[off] = 0
	}
	off++
	off = writeFloat64(out, off, r.CPUUsage)
	off = writeFloat64(out, off, r.MemUsage)
	return out
}

func readUint32(buf []byte, off int) (uint32, int, error) {
	if off+4 > len(buf) {
		return 0, off, fmt.Errorf("backend: short buffer reading uint32 at %d", off)
	}
	return binary.LittleEndian.Uint32(buf[off : off+4]), off + 4, nil
}

func readUint64(buf []byte, off int) (uint64, int, error) {
	if off+8 > len(buf) {
		return 0, off, fmt.Errorf("backend: short buffer reading uint64 at %d", off)
	}
	return binary.LittleEndian.Uint64(buf[off : off+8]), off + 8, nil
}

func readFloat32(buf []byte, off int) (float32, int, error) {
	if off+4 > len(buf) {
		return 0, off, fmt.Errorf("backend: short buffer reading float32 at %d", off)
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4])), off + 4, nil
}

func readFloat64(buf []byte, off int) (float64, int, error) {
	if off+8 > len(buf) {
		return 0, off, fmt.Errorf("backend: short buffer reading float64 at %d", off)
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[off : off+8])), off + 8, nil
}

func readString(buf []byte, off int) (string, int, error) {
	n, off, err := readUint32(buf, off)
	if err != nil {
		return "", off, err
	}
	if off+int(n) > len(buf) {
		return "", off, fmt.Errorf("backend: short buffer reading string at %d", off)
	}
	s := string(buf[off : off+int(n)])
	return s, off + int(n), nil
}

// DecodeUpdateRequest parses a binary UpdateRequest. Used by backend test
// fixtures and any server-side counterpart exercising the same wire
// format; the relay itself only encodes.
func DecodeUpdateRequest(buf []byte) (UpdateRequest, error) {
	var r UpdateRequest
	var err error
	off := 0

	if r.Version, off, err = readUint32(buf, off); err != nil {
		return r, err
	}
	if r.RelayAddress, off, err = readString(buf, off); err != nil {
		return r, err
	}
	if off+UpdateTokenSize > len(buf) {
		return r, fmt.Errorf("backend: short buffer reading update token")
	}
	copy(r.UpdateToken[:], buf[off:off+UpdateTokenSize])
	off += UpdateTokenSize

	var numRelays uint32
	if numRelays, off, err = readUint32(buf, off); err != nil {
		return r, err
	}
	r.RelayStats = make([]relaymanager.RelayStat, numRelays)
	for i := range r.RelayStats {
		var id uint64
		var rtt, jitter, loss float32
		if id, off, err = readUint64(buf, off); err != nil {
			return r, err
		}
		if rtt, off, err = readFloat32(buf, off); err != nil {
			return r, err
		}
		if jitter, off, err = readFloat32(buf, off); err != nil {
			return r, err
		}
		if loss, off, err = readFloat32(buf, off); err != nil {
			return r, err
		}
		r.RelayStats[i] = relaymanager.RelayStat{RelayID: id, RTTMs: rtt, JitterMs: jitter, PacketLossFraction: loss}
	}

	if r.SessionCount, off, err = readUint64(buf, off); err != nil {
		return r, err
	}
	if r.EnvelopeUp, off, err = readUint64(buf, off); err != nil {
		return r, err
	}
	if r.EnvelopeDown, off, err = readUint64(buf, off); err != nil {
		return r, err
	}
	for t := 0; t < wire.NumPacketTypes; t++ {
		for d := 0; d < wire.NumDirections; d++ {
			if r.Throughput.Bytes[t][d], off, err = readUint64(buf, off); err != nil {
				return r, err
			}
		}
	}
	for t := 0; t < wire.NumPacketTypes; t++ {
		if r.Throughput.Received[t], off, err = readUint64(buf, off); err != nil {
			return r, err
		}
	}
	if r.Throughput.UnknownRx, off, err = readUint64(buf, off); err != nil {
		return r, err
	}
	if r.Throughput.AuthFailure, off, err = readUint64(buf, off); err != nil {
		return r, err
	}
	if r.Throughput.Replay, off, err = readUint64(buf, off); err != nil {
		return r, err
	}
	if r.Throughput.MissingSession, off, err = readUint64(buf, off); err != nil {
		return r, err
	}
	for d := 0; d < wire.NumDirections; d++ {
		if r.Throughput.EnvelopeExceeded[d], off, err = readUint64(buf, off); err != nil {
			return r, err
		}
	}
	if off+1 > len(buf) {
		return r, fmt.Errorf("backend: short buffer reading shutting_down flag")
	}
	r.ShuttingDown = buf[off] != 0
	off++
	if r.CPUUsage, off, err = readFloat64(buf, off); err != nil {
		return r, err
	}
	if r.MemUsage, off, err = readFloat64(buf, off); err != nil {
		return r, err
	}
	return r, nil
}

// UpdateResponse is the backend's reply: authoritative time and the
// current relay roster.
type UpdateResponse struct {
	Version   uint32
	Timestamp uint64
	Relays    []RelayEntry
}

// RelayEntry is one roster entry in an UpdateResponse.
type RelayEntry struct {
	ID      uint64
	Address string
}

// EncodeUpdateResponse serializes r. Exercised by tests against a fake
// backend transport; the real backend server lives elsewhere.
func EncodeUpdateResponse(r UpdateResponse) []byte {
	size := 4 + 8 + 4
	for _, relay := range r.Relays {
		size += 8 + stringWireSize(relay.Address)
	}
	out := make([]byte, size)
	off := 0
	off = writeUint32(out, off, r.Version)
	off = writeUint64(out, off, r.Timestamp)
	off = writeUint32(out, off, uint32(len(r.Relays)))
	for _, relay := range r.Relays {
		off = writeUint64(out, off, relay.ID)
		off = writeString(out, off, relay.Address)
	}
	return out
}

// DecodeUpdateResponse parses a binary UpdateResponse. A body shorter
// than 16 bytes is rejected as a protocol failure.
func DecodeUpdateResponse(buf []byte) (UpdateResponse, error) {
	var r UpdateResponse
	if len(buf) < 16 {
		return r, fmt.Errorf("backend: update response body too short (%d bytes)", len(buf))
	}
	var err error
	off := 0
	if r.Version, off, err = readUint32(buf, off); err != nil {
		return r, err
	}
	if r.Timestamp, off, err = readUint64(buf, off); err != nil {
		return r, err
	}
	var numRelays uint32
	if numRelays, off, err = readUint32(buf, off); err != nil {
		return r, err
	}
	if numRelays > MaxRelays {
		return r, fmt.Errorf("backend: relay count %d exceeds MaxRelays %d", numRelays, MaxRelays)
	}
	r.Relays = make([]RelayEntry, numRelays)
	for i := range r.Relays {
		var id uint64
		var addr string
		if id, off, err = readUint64(buf, off); err != nil {
			return r, err
		}
		if addr, off, err = readString(buf, off); err != nil {
			return r, err
		}
		r.Relays[i] = RelayEntry{ID: id, Address: addr}
	}
	return r, nil
}
