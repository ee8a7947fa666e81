// Package platform isolates the relay's few points of contact with the
// operating system: the listening UDP socket, monotonic time, and the
// CPU/memory usage figures reported to the backend.
package platform

import (
	"context"
	"net"
	"time"
)

// Ops is everything cmd/relay needs from the host operating system.
// Default is the single implementation.
type Ops interface {
	// ListenUDP opens the relay's receive socket at addr, with
	// SO_REUSEPORT set where the platform supports it so multiple relay
	// processes can share a listen address.
	ListenUDP(ctx context.Context, addr string) (net.PacketConn, error)

	// Now returns the current monotonic-safe time, matching the clock
	// routerinfo.Info advances against.
	Now() time.Time

	// Usage reports process CPU (fraction of one core, averaged over the
	// interval since the previous call; 0 on the first call) and
	// resident memory (0..1 of system total) for the UpdateRequest.
	// reported is false on platforms without a usage source, in which
	// case the caller must send zeros rather than a stale reading.
	Usage() (cpu, mem float64, reported bool)
}

// Default is the production Ops implementation.
type Default struct{}

// Now implements Ops.
func (Default) Now() time.Time { return time.Now() }

// ListenUDP implements Ops using a platform-specific SO_REUSEPORT control
// hook (see listen_linux.go / listen_darwin.go / listen_other.go).
func (Default) ListenUDP(ctx context.Context, addr string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: reusePortControl}
	return lc.ListenPacket(ctx, "udp", addr)
}

// Usage implements Ops using a platform-specific resource-usage reader
// (see usage_linux.go / usage_other.go).
func (Default) Usage() (cpu, mem float64, reported bool) {
	return readUsage()
}
