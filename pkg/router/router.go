// Package router implements the relay's hot path: classify, authenticate,
// and forward every datagram arriving on the receive socket. It is the
// single writer of the session map and the throughput recorder. The locks
// it takes are the session map's, for the duration of a single
// lookup/insert, and the relay manager's, while a Pong is recorded.
package router

import (
	"crypto/ed25519"
	"log/slog"
	"time"

	"github.com/nextmesh/relay/pkg/metrics"
	"github.com/nextmesh/relay/pkg/netaddr"
	"github.com/nextmesh/relay/pkg/relaycrypto"
	"github.com/nextmesh/relay/pkg/relaymanager"
	"github.com/nextmesh/relay/pkg/routerinfo"
	"github.com/nextmesh/relay/pkg/session"
	"github.com/nextmesh/relay/pkg/wire"
	"github.com/nextmesh/relay/pkg/xdp"
)

// Sender abstracts sending a raw datagram to an address; cmd/relay binds
// this to the real UDP socket, tests bind it to an in-memory fake.
type Sender interface {
	SendTo(addr netaddr.Address, payload []byte) error
}

// Config configures a Router.
type Config struct {
	RelayPrivateKey  [relaycrypto.KeySize]byte
	BackendVerifyKey ed25519.PublicKey
	SigningKey       ed25519.PrivateKey
	LocalRelayID     uint64
}

// Router is the packet-processing state machine. It is safe for use by a
// single goroutine only (the receive loop), which holds exclusive
// ownership of the session map and the throughput recorder.
type Router struct {
	cfg      Config
	sessions *session.Map
	relays   *relaymanager.Manager
	info     *routerinfo.Info
	metrics  *metrics.ThroughputRecorder
	sender   Sender
	logger   *slog.Logger
	accel    xdp.Accelerator
}

// New constructs a Router over the given collaborators. accel may be nil,
// in which case every packet is deferred to the userspace path below,
// equivalent to passing xdp.Disabled{}.
func New(cfg Config, sessions *session.Map, relays *relaymanager.Manager, info *routerinfo.Info, rec *metrics.ThroughputRecorder, sender Sender, logger *slog.Logger, accel xdp.Accelerator) *Router {
	if accel == nil {
		accel = xdp.Disabled{}
	}
	return &Router{
		cfg:      cfg,
		sessions: sessions,
		relays:   relays,
		info:     info,
		metrics:  rec,
		sender:   sender,
		logger:   logger,
		accel:    accel,
	}
}

// sessionNonce derives the 24-byte XChaCha20-Poly1305 nonce for a session
// packet from its sequence number and session id: the sequence occupies
// the low 8 bytes, the session id the next 8, and the remaining 8 bytes
// are zero. Binding both into the nonce means a sequence replayed against
// a different session_id never collides on key+nonce reuse.
func sessionNonce(sessionID, sequence uint64) [relaycrypto.NonceSize]byte {
	var nonce [relaycrypto.NonceSize]byte
	for i := 0; i < 8; i++ {
		nonce[i] = byte(sequence >> (8 * i))
		nonce[8+i] = byte(sessionID >> (8 * i))
	}
	return nonce
}

// HandlePacket processes one received datagram from src. It never panics
// or returns an error on malformed or hostile input: every failure is a
// silent drop, counted via the throughput recorder. A recognized type is
// counted as received before any further validation runs, so the received
// total reflects attempts regardless of outcome; a genuinely unrecognized
// first byte only ever bumps unknown_rx.
func (r *Router) HandlePacket(src netaddr.Address, data []byte) {
	src = src.Normalize()
	now := r.info.CurrentTime()

	t := wire.PeekType(data)
	if !t.Valid() {
		r.metrics.AddUnknown()
		return
	}
	r.metrics.AddReceived(t)

	if r.accel.ClassifyAndForward(data) {
		return
	}

	switch t {
	case wire.PacketNearPing:
		r.handleNearPing(src, data)
	case wire.PacketPong:
		r.handlePong(data)
	case wire.PacketInboundPing:
		r.handleInboundPing(src, data)
	case wire.PacketOutboundPing:
		// Terminal: this is the echo of an InboundPing (see
		// handleInboundPing); nothing further to do once counted.
	case wire.PacketRouteRequest:
		r.handleRouteRequest(src, data, now)
	default:
		r.handleSessionPacket(t, data, now)
	}
}

func (r *Router) handleNearPing(src netaddr.Address, data []byte) {
	ping, err := wire.DecodeSignedPing(data)
	if err != nil || ping.Type != wire.PacketNearPing {
		// Parse error: already counted as received above; drop without
		// further processing.
		return
	}
	// NearPing is signed by the sending relay's own key, which this relay
	// does not independently know out of band; the sender is trusted to
	// be a roster member reachable at src, so the reply is addressed back
	// to src rather than gated on verifying against a stored peer key.
	pong := wire.SignedPing{Type: wire.PacketPong, Sequence: ping.Sequence, RelayID: r.cfg.LocalRelayID}
	sig := relaycrypto.Sign(r.cfg.SigningKey, pong.SignedMessage())
	copy(pong.Signature[:], sig)
	_ = r.sender.SendTo(src, wire.EncodeSignedPing(pong))
}

func (r *Router) handlePong(data []byte) {
	pong, err := wire.DecodeSignedPing(data)
	if err != nil || pong.Type != wire.PacketPong {
		return
	}
	r.relays.HandlePong(pong.RelayID, pong.Sequence, time.Now())
}

func (r *Router) handleInboundPing(src netaddr.Address, data []byte) {
	ping, err := wire.DecodeUnsignedPing(data)
	if err != nil {
		return
	}
	out := wire.UnsignedPing{Type: wire.PacketOutboundPing, Sequence: ping.Sequence}
	_ = r.sender.SendTo(src, wire.EncodeUnsignedPing(out))
}

func (r *Router) handleRouteRequest(src netaddr.Address, data []byte, now time.Time) {
	req, err := wire.DecodeRouteRequest(data, wire.SessionTokenSize)
	if err != nil {
		return
	}

	token, ok := wire.OpenRouteToken(req.Token, r.cfg.RelayPrivateKey, r.cfg.BackendVerifyKey, now)
	if !ok {
		r.metrics.AddAuthFailure()
		return
	}

	s := session.New(token.SessionID, token.NextAddress, token.PrevAddress, token.SessionPrivateKey,
		token.ExpireTimestamp, token.EnvelopeUpKbps, token.EnvelopeDownKbps, now)
	if !r.sessions.InsertOrRefresh(s) {
		// Session map at capacity: drop without a dedicated counter, same
		// as any other admission-control rejection.
		return
	}

	forwarded := append([]byte{byte(wire.PacketRouteRequest)}, req.Rest...)
	r.metrics.AddBytes(wire.PacketRouteRequest, wire.DirectionUp, uint64(len(data)))
	_ = r.sender.SendTo(token.NextAddress, forwarded)
}

// sessionDirection reports whether t travels upstream (client -> server)
// and the packet's accounting Direction.
func sessionDirection(t wire.PacketType) (up bool, dir wire.Direction) {
	switch t {
	case wire.PacketClientToServer, wire.PacketSessionPing, wire.PacketContinueRequest:
		return true, wire.DirectionUp
	default: // RouteResponse, ServerToClient, SessionPong, ContinueResponse
		return false, wire.DirectionDown
	}
}

func (r *Router) handleSessionPacket(t wire.PacketType, data []byte, now time.Time) {
	pkt, err := wire.DecodeSessionPacket(data)
	if err != nil {
		return
	}

	s, ok := r.sessions.Get(pkt.SessionID)
	if !ok {
		r.metrics.AddMissingSession()
		return
	}

	up, dir := sessionDirection(t)
	if !s.ValidateSequence(up, pkt.Sequence) {
		r.metrics.AddReplay()
		return
	}

	nonce := sessionNonce(pkt.SessionID, pkt.Sequence)
	ad := []byte{byte(t)}
	plaintext, ok := relaycrypto.Open(pkt.Ciphertext, nonce, s.PrivateKey, ad)
	if !ok {
		r.metrics.AddAuthFailure()
		return
	}

	if !s.DebitEnvelope(up, now, uint64(len(plaintext))) {
		r.metrics.AddEnvelopeExceeded(dir)
		return
	}

	s.AdvanceSequence(up, pkt.Sequence)

	nextHop := s.ForwardAddress
	if !up {
		nextHop = s.BackwardAddress
	}

	// The tag check above only authenticates; the ciphertext itself is
	// forwarded unchanged, so an end-to-end session key needs no per-hop
	// re-sealing and no relay ever touches the plaintext beyond this
	// length check.
	r.metrics.AddBytes(t, dir, uint64(len(plaintext)))
	_ = r.sender.SendTo(nextHop, data)
}
