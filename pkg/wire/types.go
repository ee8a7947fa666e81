// Package wire implements the bit-exact encode/decode of every relay
// packet type and the sealed route token carried inside a RouteRequest.
// All multi-byte integers are little-endian; every decode function
// reports failure without allocating beyond the returned error.
package wire

import "fmt"

// PacketType is the first byte of every relay datagram.
type PacketType uint8

const (
	PacketUnknown           PacketType = 0
	PacketRouteRequest      PacketType = 1
	PacketRouteResponse     PacketType = 2
	PacketClientToServer    PacketType = 3
	PacketServerToClient    PacketType = 4
	PacketSessionPing       PacketType = 5
	PacketSessionPong       PacketType = 6
	PacketContinueRequest   PacketType = 7
	PacketContinueResponse  PacketType = 8
	PacketNearPing          PacketType = 9
	PacketPong              PacketType = 10
	PacketInboundPing       PacketType = 11
	PacketOutboundPing      PacketType = 12
)

// NumPacketTypes bounds the packet-type index space (types 0..12 inclusive,
// where 0 is the "unknown" bucket) for fixed-size counter arrays.
const NumPacketTypes = 13

// String renders the packet type name, or "unknown" for anything outside
// the recognized table.
func (t PacketType) String() string {
	switch t {
	case PacketRouteRequest:
		return "route_request"
	case PacketRouteResponse:
		return "route_response"
	case PacketClientToServer:
		return "client_to_server"
	case PacketServerToClient:
		return "server_to_client"
	case PacketSessionPing:
		return "session_ping"
	case PacketSessionPong:
		return "session_pong"
	case PacketContinueRequest:
		return "continue_request"
	case PacketContinueResponse:
		return "continue_response"
	case PacketNearPing:
		return "near_ping"
	case PacketPong:
		return "pong"
	case PacketInboundPing:
		return "inbound_ping"
	case PacketOutboundPing:
		return "outbound_ping"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the twelve packet types the router
// recognizes; anything else routes to unknown_rx.
func (t PacketType) Valid() bool {
	return t >= PacketRouteRequest && t <= PacketOutboundPing
}

// Direction classifies a packet type by traffic direction for
// ThroughputRecorder accounting.
type Direction uint8

const (
	DirectionUp Direction = iota
	DirectionDown
)

// NumDirections bounds the direction index space.
const NumDirections = 2

// ErrShortBuffer is returned by decode functions when the input is too
// short to contain a well-formed packet of the expected type.
var ErrShortBuffer = fmt.Errorf("wire: short buffer")

// ErrBadType names a first byte that does not match the decoder being
// invoked. The decoders in this package do not check the type byte and
// never return it; callers compare the decoded Type themselves.
var ErrBadType = fmt.Errorf("wire: unexpected packet type")
