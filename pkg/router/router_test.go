package router

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/nextmesh/relay/pkg/metrics"
	"github.com/nextmesh/relay/pkg/netaddr"
	"github.com/nextmesh/relay/pkg/relaycrypto"
	"github.com/nextmesh/relay/pkg/relaymanager"
	"github.com/nextmesh/relay/pkg/routerinfo"
	"github.com/nextmesh/relay/pkg/session"
	"github.com/nextmesh/relay/pkg/wire"
)

type capturedPacket struct {
	addr    netaddr.Address
	payload []byte
}

type fakeSender struct {
	mu   sync.Mutex
	sent []capturedPacket
}

func (f *fakeSender) SendTo(addr netaddr.Address, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, capturedPacket{addr: addr, payload: cp})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type testHarness struct {
	router  *Router
	sessions *session.Map
	sender  *fakeSender
	metrics *metrics.ThroughputRecorder

	backendSignKey ed25519.PrivateKey
	backendVerify  ed25519.PublicKey
	relayKeyPair   relaycrypto.X25519KeyPair
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	backendVerify, backendSign, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate backend signing key: %v", err)
	}
	relayKeyPair, err := relaycrypto.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("generate relay keypair: %v", err)
	}
	_, routerSignKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate router signing key: %v", err)
	}

	sessions := session.NewMap()
	relays := relaymanager.New(relaymanager.Config{LocalRelayID: 1, SigningKey: routerSignKey}, &fakeSender{}, nil)
	info := routerinfo.New(1, "127.0.0.1:40000", relayKeyPair, backendVerify, time.Unix(1_700_000_000, 0))
	rec := metrics.New()
	sender := &fakeSender{}

	cfg := Config{
		RelayPrivateKey:  relayKeyPair.Private,
		BackendVerifyKey: backendVerify,
		SigningKey:       routerSignKey,
		LocalRelayID:     1,
	}
	rtr := New(cfg, sessions, relays, info, rec, sender, nil, nil)

	return &testHarness{
		router:         rtr,
		sessions:       sessions,
		sender:         sender,
		metrics:        rec,
		backendSignKey: backendSign,
		backendVerify:  backendVerify,
		relayKeyPair:   relayKeyPair,
	}
}

func (h *testHarness) sealToken(t *testing.T, sessionID uint64, expire uint64, next, prev netaddr.Address, key [32]byte, upKbps, downKbps uint32) []byte {
	t.Helper()
	tok := wire.RouteToken{
		SessionID:         sessionID,
		ExpireTimestamp:   expire,
		NextAddress:       next,
		PrevAddress:       prev,
		SessionPrivateKey: key,
		EnvelopeUpKbps:    upKbps,
		EnvelopeDownKbps:  downKbps,
	}
	blob, err := wire.SealRouteToken(tok, h.backendSignKey, h.relayKeyPair.Public)
	if err != nil {
		t.Fatalf("seal route token: %v", err)
	}
	return blob
}

func TestRouteRequestAccepted(t *testing.T) {
	h := newTestHarness(t)
	client := netaddr.IPv4(192, 168, 0, 9, 30000)
	next := netaddr.IPv4(10, 0, 0, 2, 7777)
	prev := netaddr.IPv4(10, 0, 0, 1, 5555)
	var key [32]byte
	key[0] = 0x42

	tokenBlob := h.sealToken(t, 0xAABB, 1_700_000_060, next, prev, key, 1000, 1000)
	req := wire.EncodeRouteRequest(wire.RouteRequest{Sequence: 0, Token: tokenBlob, Rest: []byte("payload")})

	if h.sessions.Size() != 0 {
		t.Fatalf("expected empty session map before route request, got size %d", h.sessions.Size())
	}

	h.router.HandlePacket(client, req)

	if h.sessions.Size() != 1 {
		t.Fatalf("expected session map size 1 after route request, got %d", h.sessions.Size())
	}
	s, ok := h.sessions.Get(0xAABB)
	if !ok {
		t.Fatal("expected session 0xAABB to be present")
	}
	if !s.ForwardAddress.Equal(next) {
		t.Fatalf("expected forward address %v, got %v", next, s.ForwardAddress)
	}

	if h.sender.count() != 1 {
		t.Fatalf("expected 1 forwarded packet, got %d", h.sender.count())
	}
	if !h.sender.sent[0].addr.Equal(next) {
		t.Fatalf("expected forward to %v, got %v", next, h.sender.sent[0].addr)
	}
}

func TestReplayDrop(t *testing.T) {
	h := newTestHarness(t)
	client := netaddr.IPv4(192, 168, 0, 9, 30000)
	next := netaddr.IPv4(10, 0, 0, 2, 7777)
	prev := netaddr.IPv4(10, 0, 0, 1, 5555)
	var key [32]byte
	key[0] = 0x7

	tokenBlob := h.sealToken(t, 0xAABB, 1_700_000_060, next, prev, key, 1000, 1000)
	req := wire.EncodeRouteRequest(wire.RouteRequest{Sequence: 0, Token: tokenBlob})
	h.router.HandlePacket(client, req)

	plaintext := []byte("hello server")
	nonce := sessionNonce(0xAABB, 5)
	ct, err := relaycrypto.Seal(plaintext, nonce, key, []byte{byte(wire.PacketClientToServer)})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	pkt := wire.EncodeSessionPacket(wire.SessionPacket{Type: wire.PacketClientToServer, SessionID: 0xAABB, Sequence: 5, Ciphertext: ct})

	h.router.HandlePacket(client, pkt)
	forwardedAfterFirst := h.sender.count()
	h.router.HandlePacket(client, pkt) // replay of the same sequence
	forwardedAfterSecond := h.sender.count()

	if forwardedAfterFirst != 2 { // route request forward + first client_to_server forward
		t.Fatalf("expected 2 forwarded packets after first send, got %d", forwardedAfterFirst)
	}
	if forwardedAfterSecond != forwardedAfterFirst {
		t.Fatalf("expected replay to not be forwarded: before=%d after=%d", forwardedAfterFirst, forwardedAfterSecond)
	}

	snap := h.metrics.Drain()
	if snap.Received[wire.PacketClientToServer] != 2 {
		t.Fatalf("expected client_to_server_rx = 2, got %d", snap.Received[wire.PacketClientToServer])
	}
	if snap.Replay != 1 {
		t.Fatalf("expected exactly one replay drop, got %d", snap.Replay)
	}
}

func TestEnvelopeOverflowDropsAtRouterLevel(t *testing.T) {
	h := newTestHarness(t)
	client := netaddr.IPv4(192, 168, 0, 9, 30000)
	next := netaddr.IPv4(10, 0, 0, 2, 7777)
	prev := netaddr.IPv4(10, 0, 0, 1, 5555)
	var key [32]byte
	key[0] = 0x9

	tokenBlob := h.sealToken(t, 0xCCDD, 1_700_000_060, next, prev, key, 1000, 1000) // 125000 B/s cap
	req := wire.EncodeRouteRequest(wire.RouteRequest{Sequence: 0, Token: tokenBlob})
	h.router.HandlePacket(client, req)

	admittedSends := 0
	for i := uint64(0); i < 10; i++ {
		plaintext := make([]byte, 16000)
		nonce := sessionNonce(0xCCDD, i+1)
		ct, err := relaycrypto.Seal(plaintext, nonce, key, []byte{byte(wire.PacketClientToServer)})
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		pkt := wire.EncodeSessionPacket(wire.SessionPacket{Type: wire.PacketClientToServer, SessionID: 0xCCDD, Sequence: i + 1, Ciphertext: ct})
		before := h.sender.count()
		h.router.HandlePacket(client, pkt)
		if h.sender.count() > before {
			admittedSends++
		}
	}

	// 125000 bytes / 16000 bytes per packet = 7 packets within the envelope.
	if admittedSends == 0 || admittedSends >= 10 {
		t.Fatalf("expected partial admission under the envelope cap, got %d of 10", admittedSends)
	}
}

func TestNearPingEcho(t *testing.T) {
	h := newTestHarness(t)
	neighbor := netaddr.IPv4(10, 0, 0, 50, 40000)

	_, peerSign, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate peer key: %v", err)
	}
	ping := wire.SignedPing{Type: wire.PacketNearPing, Sequence: 42, RelayID: 77}
	sig := relaycrypto.Sign(peerSign, ping.SignedMessage())
	copy(ping.Signature[:], sig)

	h.router.HandlePacket(neighbor, wire.EncodeSignedPing(ping))

	if h.sender.count() != 1 {
		t.Fatalf("expected exactly one reply, got %d", h.sender.count())
	}
	reply, err := wire.DecodeSignedPing(h.sender.sent[0].payload)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Type != wire.PacketPong {
		t.Fatalf("expected Pong reply, got type %v", reply.Type)
	}
	if reply.Sequence != 42 {
		t.Fatalf("expected echoed sequence 42, got %d", reply.Sequence)
	}
	if !h.sender.sent[0].addr.Equal(neighbor) {
		t.Fatalf("expected reply addressed back to sender %v, got %v", neighbor, h.sender.sent[0].addr)
	}
}

func TestUnknownPacketTypeCountedAndDropped(t *testing.T) {
	h := newTestHarness(t)
	src := netaddr.IPv4(1, 2, 3, 4, 9999)

	h.router.HandlePacket(src, []byte{})
	h.router.HandlePacket(src, []byte{0})
	h.router.HandlePacket(src, []byte{200, 1, 2, 3})

	if h.sender.count() != 0 {
		t.Fatalf("expected no forwarded packets for unknown input, got %d", h.sender.count())
	}
	snap := h.metrics.Drain()
	if snap.UnknownRx == 0 {
		t.Fatal("expected unknown_rx to be incremented for malformed/unknown input")
	}
}
