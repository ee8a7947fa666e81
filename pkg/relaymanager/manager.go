// Package relaymanager holds the current neighbor roster and drives the
// periodic NearPing probes used to estimate inter-relay RTT, jitter, and
// packet loss.
//
// The scheduler emits a signed NearPing to each neighbor and matches the
// signed Pong it gets back; InboundPing/OutboundPing are a separate
// unsigned pair the router echoes for last-mile (non-neighbor) probing
// (for InboundPing, echo as OutboundPing) — this package follows the
// packet-type table's signed/unsigned split, since that table is the
// bit-exact wire contract every other component keys off of.
package relaymanager

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"sync"
	"time"

	"github.com/nextmesh/relay/pkg/netaddr"
	"github.com/nextmesh/relay/pkg/relaycrypto"
	"github.com/nextmesh/relay/pkg/wire"
)

// lossWindowSize is the sliding window (in pings) over which packet loss
// is estimated.
const lossWindowSize = 100

// ewmaAlpha weights how quickly RTT/jitter estimates track new samples.
const ewmaAlpha = 0.1

// DefaultPingInterval is used when Config.PingInterval is unset.
const DefaultPingInterval = 100 * time.Millisecond

// RelayStat is a snapshot of one neighbor's measured link quality,
// returned by GetStats for the backend update report.
type RelayStat struct {
	RelayID           uint64
	RTTMs             float32
	JitterMs          float32
	PacketLossFraction float32
}

// neighbor tracks per-peer ping/pong bookkeeping behind the manager's lock.
type neighbor struct {
	address      netaddr.Address
	rttMs        float64
	jitterMs     float64
	lossWindow   [lossWindowSize]bool
	lossCount    int
	lossFilled   int
	lossPos      int
	lastPongTime time.Time
	pending      map[uint64]time.Time // outstanding NearPing send times, by sequence
}

func newNeighbor(address netaddr.Address) *neighbor {
	n := &neighbor{address: address, pending: make(map[uint64]time.Time)}
	// A freshly added neighbor has no pong history: rtt starts at 0 and
	// loss starts at 1.0 until the first pong arrives.
	for i := range n.lossWindow {
		n.lossWindow[i] = false
	}
	return n
}

func (n *neighbor) recordOutcome(hit bool) {
	if n.lossFilled < lossWindowSize {
		n.lossWindow[n.lossPos] = hit
		n.lossFilled++
	} else {
		if n.lossWindow[n.lossPos] {
			n.lossCount--
		}
		n.lossWindow[n.lossPos] = hit
	}
	if hit {
		n.lossCount++
	}
	n.lossPos = (n.lossPos + 1) % lossWindowSize
}

func (n *neighbor) lossFraction() float64 {
	if n.lossFilled == 0 {
		return 1.0
	}
	return 1.0 - float64(n.lossCount)/float64(n.lossFilled)
}

// Sender abstracts sending a signed wire packet to a neighbor address;
// cmd/relay supplies the concrete implementation bound to the UDP socket.
type Sender interface {
	SendTo(addr netaddr.Address, payload []byte) error
}

// Config configures a Manager.
type Config struct {
	LocalRelayID uint64
	PingInterval time.Duration
	SigningKey   ed25519.PrivateKey
}

// Manager holds the relay's neighbor roster and runs the NearPing
// scheduler.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	sender Sender

	mu        sync.RWMutex
	neighbors map[uint64]*neighbor

	seq uint64
}

// New creates a relay manager with an empty roster.
func New(cfg Config, sender Sender, logger *slog.Logger) *Manager {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		sender:    sender,
		neighbors: make(map[uint64]*neighbor),
	}
}

// Update atomically replaces the roster. Relay ids absent from the new
// list have their state discarded; ids already present keep their
// accumulated RTT/jitter/loss history; new ids start at rtt=0, loss=1.0
// until their first pong. Calling Update twice with the same roster is
// idempotent.
func (m *Manager) Update(roster map[uint64]netaddr.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[uint64]*neighbor, len(roster))
	for id, addr := range roster {
		if existing, ok := m.neighbors[id]; ok && existing.address.Equal(addr) {
			next[id] = existing
			continue
		}
		next[id] = newNeighbor(addr)
	}
	m.neighbors = next
}

// GetStats returns a snapshot of (id, rtt, jitter, loss) for every
// neighbor currently in the roster, for the backend update report.
func (m *Manager) GetStats() []RelayStat {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]RelayStat, 0, len(m.neighbors))
	for id, n := range m.neighbors {
		stats = append(stats, RelayStat{
			RelayID:            id,
			RTTMs:              float32(n.rttMs),
			JitterMs:           float32(n.jitterMs),
			PacketLossFraction: float32(n.lossFraction()),
		})
	}
	return stats
}

// NeighborCount returns the number of relays in the current roster.
func (m *Manager) NeighborCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.neighbors)
}

// HandlePong processes a signed Pong from a known neighbor, computing RTT
// from the matching outstanding NearPing send time and updating the EWMA
// RTT/jitter estimate and loss window. Unknown relay ids or sequences are
// ignored (the sender is not a current neighbor, or the ping already
// timed out and was evicted).
func (m *Manager) HandlePong(relayID, sequence uint64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.neighbors[relayID]
	if !ok {
		return
	}
	sendTime, ok := n.pending[sequence]
	if !ok {
		return
	}
	delete(n.pending, sequence)

	rtt := now.Sub(sendTime).Seconds() * 1000.0
	if n.lastPongTime.IsZero() {
		n.rttMs = rtt
		n.jitterMs = 0
	} else {
		prevRTT := n.rttMs
		n.rttMs = n.rttMs + ewmaAlpha*(rtt-n.rttMs)
		n.jitterMs = n.jitterMs + ewmaAlpha*(absFloat(rtt-prevRTT)-n.jitterMs)
	}
	n.lastPongTime = now
	n.recordOutcome(true)
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// RunPingLoop sends a signed NearPing to every neighbor every
// PingInterval until ctx is cancelled. Pings that never receive a
// matching Pong are counted as losses once evicted by expirePending.
func (m *Manager) RunPingLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.pingAll(now)
			m.expirePending(now)
		}
	}
}

func (m *Manager) pingAll(now time.Time) {
	m.mu.Lock()
	seq := m.seq
	m.seq++
	targets := make(map[uint64]netaddr.Address, len(m.neighbors))
	for id, n := range m.neighbors {
		n.pending[seq] = now
		targets[id] = n.address
	}
	m.mu.Unlock()

	ping := wire.SignedPing{Type: wire.PacketNearPing, Sequence: seq, RelayID: m.cfg.LocalRelayID}
	sig := relaycrypto.Sign(m.cfg.SigningKey, ping.SignedMessage())
	copy(ping.Signature[:], sig)
	payload := wire.EncodeSignedPing(ping)

	for id, addr := range targets {
		if err := m.sender.SendTo(addr, payload); err != nil && m.logger != nil {
			m.logger.Debug("near ping send failed", "relay_id", id, "error", err)
		}
	}
}

// pendingTimeout bounds how long an unanswered NearPing stays outstanding
// before it is counted as a loss.
const pendingTimeout = 2 * time.Second

func (m *Manager) expirePending(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.neighbors {
		for seq, sent := range n.pending {
			if now.Sub(sent) > pendingTimeout {
				delete(n.pending, seq)
				n.recordOutcome(false)
			}
		}
	}
}
