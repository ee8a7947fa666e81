package wire

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/nextmesh/relay/pkg/netaddr"
	"github.com/nextmesh/relay/pkg/relaycrypto"
)

func TestSessionPacketRoundTrip(t *testing.T) {
	p := SessionPacket{
		Type:       PacketClientToServer,
		SessionID:  0xAABB,
		Sequence:   5,
		Ciphertext: []byte("sealed-payload-bytes"),
	}
	encoded := EncodeSessionPacket(p)
	got, err := DecodeSessionPacket(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != p.Type || got.SessionID != p.SessionID || got.Sequence != p.Sequence {
		t.Fatalf("header mismatch: got %+v want %+v", got, p)
	}
	if !bytes.Equal(got.Ciphertext, p.Ciphertext) {
		t.Fatalf("ciphertext mismatch: got %q want %q", got.Ciphertext, p.Ciphertext)
	}
}

func TestDecodeSessionPacketShortBuffer(t *testing.T) {
	if _, err := DecodeSessionPacket([]byte{1, 2}); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestUnknownPacketTypeOnEmptyOrShortBuffer(t *testing.T) {
	if PeekType(nil) != PacketUnknown {
		t.Fatal("expected PacketUnknown for empty buffer")
	}
	if PeekType([]byte{0}) != PacketUnknown {
		t.Fatal("expected PacketUnknown for type byte 0")
	}
	if PacketType(200).Valid() {
		t.Fatal("expected an out-of-range type byte to be invalid")
	}
}

func TestSignedPingRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p := SignedPing{Type: PacketNearPing, Sequence: 42, RelayID: 7}
	sig := relaycrypto.Sign(priv, p.SignedMessage())
	copy(p.Signature[:], sig)

	encoded := EncodeSignedPing(p)
	got, err := DecodeSignedPing(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Sequence != 42 || got.RelayID != 7 || got.Type != PacketNearPing {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !relaycrypto.Verify(pub, got.SignedMessage(), got.Signature[:]) {
		t.Fatal("expected decoded signature to verify")
	}
}

func TestUnsignedPingRoundTrip(t *testing.T) {
	p := UnsignedPing{Type: PacketInboundPing, Sequence: 1234}
	encoded := EncodeUnsignedPing(p)
	got, err := DecodeUnsignedPing(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
}

func TestRouteRequestRoundTrip(t *testing.T) {
	token := bytes.Repeat([]byte{0xAB}, SessionTokenSize)
	r := RouteRequest{Sequence: 99, Token: token, Rest: []byte("trailing")}
	encoded := EncodeRouteRequest(r)

	got, err := DecodeRouteRequest(encoded, SessionTokenSize)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Sequence != 99 {
		t.Fatalf("sequence mismatch: %d", got.Sequence)
	}
	if !bytes.Equal(got.Token, token) {
		t.Fatal("token mismatch")
	}
	if !bytes.Equal(got.Rest, r.Rest) {
		t.Fatal("rest mismatch")
	}
}

func TestRouteTokenSealOpenRoundTrip(t *testing.T) {
	backendPub, backendPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate backend key: %v", err)
	}
	relayKeys, err := relaycrypto.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("generate relay keys: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	token := RouteToken{
		SessionID:        0xAABB,
		ExpireTimestamp:  uint64(now.Add(60 * time.Second).Unix()),
		NextAddress:      netaddr.IPv4(10, 0, 0, 2, 7777),
		PrevAddress:      netaddr.IPv4(10, 0, 0, 1, 5555),
		EnvelopeUpKbps:   1000,
		EnvelopeDownKbps: 1000,
	}
	copy(token.SessionPrivateKey[:], bytes.Repeat([]byte{0x11}, relaycrypto.KeySize))

	blob, err := SealRouteToken(token, backendPriv, relayKeys.Public)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(blob) != SessionTokenSize {
		t.Fatalf("expected sealed token size %d, got %d", SessionTokenSize, len(blob))
	}

	opened, ok := OpenRouteToken(blob, relayKeys.Private, backendPub, now)
	if !ok {
		t.Fatal("expected token to open successfully")
	}
	if opened.SessionID != token.SessionID {
		t.Fatalf("session id mismatch: got %x want %x", opened.SessionID, token.SessionID)
	}
	if !opened.NextAddress.Equal(token.NextAddress) || !opened.PrevAddress.Equal(token.PrevAddress) {
		t.Fatal("address mismatch after round trip")
	}
	if opened.SessionPrivateKey != token.SessionPrivateKey {
		t.Fatal("session private key mismatch after round trip")
	}
}

func TestRouteTokenExpired(t *testing.T) {
	backendPub, backendPriv, _ := ed25519.GenerateKey(rand.Reader)
	relayKeys, _ := relaycrypto.GenerateX25519KeyPair()

	now := time.Unix(1_700_000_000, 0)
	token := RouteToken{
		SessionID:       1,
		ExpireTimestamp: uint64(now.Add(-1 * time.Second).Unix()),
		NextAddress:     netaddr.IPv4(10, 0, 0, 2, 7777),
		PrevAddress:     netaddr.IPv4(10, 0, 0, 1, 5555),
	}

	blob, err := SealRouteToken(token, backendPriv, relayKeys.Public)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, ok := OpenRouteToken(blob, relayKeys.Private, backendPub, now); ok {
		t.Fatal("expected an expired token to fail to open")
	}
}

func TestRouteTokenWrongRelayKeyFails(t *testing.T) {
	backendPub, backendPriv, _ := ed25519.GenerateKey(rand.Reader)
	relayKeys, _ := relaycrypto.GenerateX25519KeyPair()
	otherKeys, _ := relaycrypto.GenerateX25519KeyPair()

	now := time.Unix(1_700_000_000, 0)
	token := RouteToken{
		SessionID:       1,
		ExpireTimestamp: uint64(now.Add(time.Minute).Unix()),
		NextAddress:     netaddr.IPv4(10, 0, 0, 2, 7777),
		PrevAddress:     netaddr.IPv4(10, 0, 0, 1, 5555),
	}

	blob, err := SealRouteToken(token, backendPriv, relayKeys.Public)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, ok := OpenRouteToken(blob, otherKeys.Private, backendPub, now); ok {
		t.Fatal("expected the wrong relay private key to fail to open the token")
	}
}
