// Package netaddr implements the relay's tagged Address variant: an IPv4
// or IPv6 endpoint, with normalization of IPv4-mapped IPv6 source
// addresses before session lookup.
package netaddr

import (
	"fmt"
	"net"
	"net/netip"
)

// Family distinguishes the two address shapes the relay ever sees on the wire.
type Family uint8

const (
	// FamilyNone marks a zero-value Address with no endpoint.
	FamilyNone Family = 0
	// FamilyIPv4 marks a 4-octet address + port.
	FamilyIPv4 Family = 1
	// FamilyIPv6 marks an 8-group address + port.
	FamilyIPv6 Family = 2
)

// Address is a tagged variant over an IPv4 or IPv6 endpoint. The zero value
// is FamilyNone and compares equal to itself but to no populated Address.
type Address struct {
	family Family
	ip     netip.Addr
	port   uint16
}

// IPv4 constructs an Address from 4 octets and a port.
func IPv4(a, b, c, d byte, port uint16) Address {
	return Address{family: FamilyIPv4, ip: netip.AddrFrom4([4]byte{a, b, c, d}), port: port}
}

// IPv6 constructs an Address from 8 big-endian u16 groups and a port.
func IPv6(groups [8]uint16, port uint16) Address {
	var b [16]byte
	for i, g := range groups {
		b[2*i] = byte(g >> 8)
		b[2*i+1] = byte(g)
	}
	return Address{family: FamilyIPv6, ip: netip.AddrFrom16(b), port: port}
}

// ParseHostPort parses a "host:port" string (as delivered in an
// UpdateResponse relay roster entry) into an Address, resolving it as a
// UDP endpoint.
func ParseHostPort(s string) (Address, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return Address{}, fmt.Errorf("netaddr: parse %q: %w", s, err)
	}
	return FromUDPAddr(udpAddr), nil
}

// FromNetAddr converts a stdlib net.Addr (as returned by PacketConn.ReadFrom)
// into an Address, normalizing an IPv4-in-IPv6 source to plain IPv4.
func FromNetAddr(a net.Addr) (Address, error) {
	switch v := a.(type) {
	case *net.UDPAddr:
		return FromUDPAddr(v), nil
	default:
		return Address{}, fmt.Errorf("netaddr: unsupported address type %T", a)
	}
}

// FromUDPAddr converts a *net.UDPAddr into an Address, normalizing
// IPv4-in-IPv6 addresses to plain IPv4.
func FromUDPAddr(a *net.UDPAddr) Address {
	addr, ok := netip.AddrFromSlice(a.IP)
	if !ok {
		return Address{}
	}
	addr = addr.Unmap()
	if addr.Is4() {
		return Address{family: FamilyIPv4, ip: addr, port: uint16(a.Port)}
	}
	return Address{family: FamilyIPv6, ip: addr, port: uint16(a.Port)}
}

// UDPAddr converts the Address back to a *net.UDPAddr for socket I/O.
func (a Address) UDPAddr() *net.UDPAddr {
	ip := a.ip.AsSlice()
	return &net.UDPAddr{IP: net.IP(ip), Port: int(a.port)}
}

// Family reports whether this is an IPv4, IPv6, or unset Address.
func (a Address) Family() Family { return a.family }

// IsValid reports whether the Address has a family set.
func (a Address) IsValid() bool { return a.family != FamilyNone }

// Port returns the address's UDP port.
func (a Address) Port() uint16 { return a.port }

// Equal reports whether two addresses denote the same family/IP/port.
func (a Address) Equal(b Address) bool {
	return a.family == b.family && a.port == b.port && a.ip == b.ip
}

// String renders the address in standard host:port form.
func (a Address) String() string {
	if !a.IsValid() {
		return "<invalid>"
	}
	return net.JoinHostPort(a.ip.String(), fmt.Sprintf("%d", a.port))
}

// IsIPv4InIPv6 reports whether the address was constructed as an IPv6
// family carrying an IPv4-mapped payload (::ffff:a.b.c.d). Normalize with
// Normalize before using as a session lookup key.
func (a Address) IsIPv4InIPv6() bool {
	return a.family == FamilyIPv6 && a.ip.Is4In6()
}

// Normalize converts an IPv4-in-IPv6 address into a plain IPv4 Address,
// leaving all other addresses unchanged. The router must normalize
// before any session_id/address-keyed lookup.
func (a Address) Normalize() Address {
	if a.IsIPv4InIPv6() {
		return Address{family: FamilyIPv4, ip: a.ip.Unmap(), port: a.port}
	}
	return a
}
