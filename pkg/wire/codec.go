package wire

import (
	"encoding/binary"

	"github.com/nextmesh/relay/pkg/netaddr"
)

// sessionHeaderSize is the fixed [type|session_id|sequence] prefix shared by
// every stateful session packet (RouteResponse, ClientToServer,
// ServerToClient, SessionPing, SessionPong, ContinueRequest,
// ContinueResponse).
const sessionHeaderSize = 1 + 8 + 8

// SignatureSize is the Ed25519 signature size appended to signed ping packets.
const SignatureSize = 64

// signedPingSize is [type|sequence|relay_id|signature].
const signedPingSize = 1 + 8 + 8 + SignatureSize

// unsignedPingSize is [type|sequence].
const unsignedPingSize = 1 + 8

// PeekType reads the first byte of a datagram without validating the rest.
// Returns PacketUnknown for an empty buffer.
func PeekType(b []byte) PacketType {
	if len(b) < 1 {
		return PacketUnknown
	}
	return PacketType(b[0])
}

// SessionPacket is the decoded form of any of the seven session-keyed
// packet types: RouteResponse, ClientToServer, ServerToClient,
// SessionPing, SessionPong, ContinueRequest, ContinueResponse.
type SessionPacket struct {
	Type       PacketType
	SessionID  uint64
	Sequence   uint64
	Ciphertext []byte // AEAD-sealed payload, tag included
}

// EncodeSessionPacket serializes a SessionPacket into a newly allocated slice.
func EncodeSessionPacket(p SessionPacket) []byte {
	out := make([]byte, sessionHeaderSize+len(p.Ciphertext))
	out[0] = byte(p.Type)
	binary.LittleEndian.PutUint64(out[1:9], p.SessionID)
	binary.LittleEndian.PutUint64(out[9:17], p.Sequence)
	copy(out[sessionHeaderSize:], p.Ciphertext)
	return out
}

// DecodeSessionPacket parses a session-keyed packet. It returns
// ErrShortBuffer if b is too short to contain the fixed header.
func DecodeSessionPacket(b []byte) (SessionPacket, error) {
	if len(b) < sessionHeaderSize {
		return SessionPacket{}, ErrShortBuffer
	}
	p := SessionPacket{
		Type:      PacketType(b[0]),
		SessionID: binary.LittleEndian.Uint64(b[1:9]),
		Sequence:  binary.LittleEndian.Uint64(b[9:17]),
	}
	p.Ciphertext = append([]byte(nil), b[sessionHeaderSize:]...)
	return p, nil
}

// SignedPing is the decoded form of NearPing or Pong: a sequence number
// and originating relay id, signed with the sender's Ed25519 key.
type SignedPing struct {
	Type      PacketType
	Sequence  uint64
	RelayID   uint64
	Signature [SignatureSize]byte
}

// SignedMessage returns the bytes that Signature is computed over.
func (p SignedPing) SignedMessage() []byte {
	buf := make([]byte, 1+8+8)
	buf[0] = byte(p.Type)
	binary.LittleEndian.PutUint64(buf[1:9], p.Sequence)
	binary.LittleEndian.PutUint64(buf[9:17], p.RelayID)
	return buf
}

// EncodeSignedPing serializes a SignedPing.
func EncodeSignedPing(p SignedPing) []byte {
	out := make([]byte, signedPingSize)
	copy(out[:17], p.SignedMessage())
	copy(out[17:], p.Signature[:])
	return out
}

// DecodeSignedPing parses a NearPing or Pong packet.
func DecodeSignedPing(b []byte) (SignedPing, error) {
	if len(b) < signedPingSize {
		return SignedPing{}, ErrShortBuffer
	}
	p := SignedPing{
		Type:     PacketType(b[0]),
		Sequence: binary.LittleEndian.Uint64(b[1:9]),
		RelayID:  binary.LittleEndian.Uint64(b[9:17]),
	}
	copy(p.Signature[:], b[17:17+SignatureSize])
	return p, nil
}

// UnsignedPing is the decoded form of InboundPing or OutboundPing: a bare
// sequence number with no cryptographic check.
type UnsignedPing struct {
	Type     PacketType
	Sequence uint64
}

// EncodeUnsignedPing serializes an UnsignedPing.
func EncodeUnsignedPing(p UnsignedPing) []byte {
	out := make([]byte, unsignedPingSize)
	out[0] = byte(p.Type)
	binary.LittleEndian.PutUint64(out[1:9], p.Sequence)
	return out
}

// DecodeUnsignedPing parses an InboundPing or OutboundPing packet.
func DecodeUnsignedPing(b []byte) (UnsignedPing, error) {
	if len(b) < unsignedPingSize {
		return UnsignedPing{}, ErrShortBuffer
	}
	return UnsignedPing{
		Type:     PacketType(b[0]),
		Sequence: binary.LittleEndian.Uint64(b[1:9]),
	}, nil
}

// RouteRequestHeaderSize is the fixed [type|sequence] prefix before the
// sealed route token.
const RouteRequestHeaderSize = 1 + 8

// RouteRequest is the decoded form of a RouteRequest packet: an outer
// sequence number, a sealed route token, and any trailing payload to be
// forwarded verbatim to the next hop once the token is installed.
type RouteRequest struct {
	Sequence uint64
	Token    []byte // sealed, fixed SessionTokenSize bytes
	Rest     []byte // forwarded to next_address with type preserved
}

// EncodeRouteRequest serializes a RouteRequest.
func EncodeRouteRequest(r RouteRequest) []byte {
	out := make([]byte, RouteRequestHeaderSize+len(r.Token)+len(r.Rest))
	out[0] = byte(PacketRouteRequest)
	binary.LittleEndian.PutUint64(out[1:9], r.Sequence)
	copy(out[RouteRequestHeaderSize:], r.Token)
	copy(out[RouteRequestHeaderSize+len(r.Token):], r.Rest)
	return out
}

// DecodeRouteRequest parses a RouteRequest packet given the expected sealed
// token size.
func DecodeRouteRequest(b []byte, tokenSize int) (RouteRequest, error) {
	if len(b) < RouteRequestHeaderSize+tokenSize {
		return RouteRequest{}, ErrShortBuffer
	}
	r := RouteRequest{
		Sequence: binary.LittleEndian.Uint64(b[1:9]),
	}
	r.Token = append([]byte(nil), b[RouteRequestHeaderSize:RouteRequestHeaderSize+tokenSize]...)
	r.Rest = append([]byte(nil), b[RouteRequestHeaderSize+tokenSize:]...)
	return r, nil
}

// fixedAddrSize is the canonical fixed-width Address encoding used inside
// a route token: 1 family byte + 16 IP bytes (zero-padded for IPv4) + 2
// port bytes.
const fixedAddrSize = 1 + 16 + 2

func encodeFixedAddr(a netaddr.Address, out []byte) {
	out[0] = byte(a.Family())
	udp := a.UDPAddr()
	ip := udp.IP.To16()
	if a.Family() == netaddr.FamilyIPv4 {
		ip = udp.IP.To4()
		copy(out[1:5], ip)
	} else {
		copy(out[1:17], ip)
	}
	binary.LittleEndian.PutUint16(out[17:19], a.Port())
}

func decodeFixedAddr(in []byte) netaddr.Address {
	family := netaddr.Family(in[0])
	port := binary.LittleEndian.Uint16(in[17:19])
	switch family {
	case netaddr.FamilyIPv4:
		return netaddr.IPv4(in[1], in[2], in[3], in[4], port)
	case netaddr.FamilyIPv6:
		var groups [8]uint16
		for i := 0; i < 8; i++ {
			groups[i] = binary.BigEndian.Uint16(in[1+2*i : 3+2*i])
		}
		return netaddr.IPv6(groups, port)
	default:
		return netaddr.Address{}
	}
}
