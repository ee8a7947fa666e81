package relaymanager

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/nextmesh/relay/pkg/netaddr"
)

type fakeSender struct {
	mu  sync.Mutex
	out []netaddr.Address
}

func (f *fakeSender) SendTo(addr netaddr.Address, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, addr)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeSender) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sender := &fakeSender{}
	m := New(Config{LocalRelayID: 1, SigningKey: priv}, sender, nil)
	return m, sender
}

func TestUpdateRosterSwapIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)

	roster1 := map[uint64]netaddr.Address{
		0xA: netaddr.IPv4(10, 0, 0, 2, 40000),
		0xB: netaddr.IPv4(10, 0, 0, 3, 40000),
		0xC: netaddr.IPv4(10, 0, 0, 4, 40000),
	}
	m.Update(roster1)
	if m.NeighborCount() != 3 {
		t.Fatalf("expected 3 neighbors, got %d", m.NeighborCount())
	}

	// Give B some ping history before the roster swap, to confirm it survives.
	sendTime := time.Now()
	m.pingAll(sendTime)
	m.HandlePong(0xB, 0, sendTime.Add(5*time.Millisecond))

	roster2 := map[uint64]netaddr.Address{
		0xB: netaddr.IPv4(10, 0, 0, 3, 40000),
		0xC: netaddr.IPv4(10, 0, 0, 4, 40000),
		0xD: netaddr.IPv4(10, 0, 0, 5, 40000),
	}
	m.Update(roster2)
	if m.NeighborCount() != 3 {
		t.Fatalf("expected 3 neighbors after swap, got %d", m.NeighborCount())
	}

	m.Update(roster2)
	if m.NeighborCount() != 3 {
		t.Fatalf("expected idempotent second update to keep 3 neighbors, got %d", m.NeighborCount())
	}

	stats := m.GetStats()
	found := map[uint64]RelayStat{}
	for _, s := range stats {
		found[s.RelayID] = s
	}
	if _, ok := found[0xA]; ok {
		t.Fatal("relay A should have been dropped from the roster")
	}
	dStat, ok := found[0xD]
	if !ok {
		t.Fatal("expected relay D to be present after roster swap")
	}
	if dStat.RTTMs != 0 || dStat.PacketLossFraction != 1.0 {
		t.Fatalf("expected new neighbor D to start at rtt=0, loss=1.0, got rtt=%v loss=%v", dStat.RTTMs, dStat.PacketLossFraction)
	}
}

func TestHandlePongComputesRTT(t *testing.T) {
	m, sender := newTestManager(t)
	m.Update(map[uint64]netaddr.Address{0xB: netaddr.IPv4(10, 0, 0, 3, 40000)})

	sendTime := time.Now()
	m.pingAll(sendTime)
	if len(sender.out) != 1 {
		t.Fatalf("expected one outbound ping, got %d", len(sender.out))
	}

	pongTime := sendTime.Add(20 * time.Millisecond)
	m.HandlePong(0xB, 0, pongTime)

	stats := m.GetStats()
	if len(stats) != 1 {
		t.Fatalf("expected 1 stat entry, got %d", len(stats))
	}
	if stats[0].RTTMs < 15 || stats[0].RTTMs > 25 {
		t.Fatalf("expected rtt near 20ms, got %v", stats[0].RTTMs)
	}
	if stats[0].PacketLossFraction != 0.0 {
		t.Fatalf("expected loss fraction 0.0 after a single successful pong (window of 1), got %v", stats[0].PacketLossFraction)
	}
}

func TestUnknownRelayPongIgnored(t *testing.T) {
	m, _ := newTestManager(t)
	m.Update(map[uint64]netaddr.Address{0xB: netaddr.IPv4(10, 0, 0, 3, 40000)})
	// Pong from a relay id that isn't in the roster must not panic or add state.
	m.HandlePong(0xFF, 0, time.Now())
	if m.NeighborCount() != 1 {
		t.Fatalf("expected roster size to stay at 1, got %d", m.NeighborCount())
	}
}

func TestExpirePendingRecordsLoss(t *testing.T) {
	m, _ := newTestManager(t)
	m.Update(map[uint64]netaddr.Address{0xB: netaddr.IPv4(10, 0, 0, 3, 40000)})

	start := time.Now()
	m.pingAll(start)
	m.expirePending(start.Add(pendingTimeout + time.Millisecond))

	stats := m.GetStats()
	if len(stats) != 1 {
		t.Fatalf("expected 1 stat entry, got %d", len(stats))
	}
	if stats[0].PacketLossFraction != 1.0 {
		t.Fatalf("expected a single unanswered ping to register as 100%% loss, got %v", stats[0].PacketLossFraction)
	}
}
