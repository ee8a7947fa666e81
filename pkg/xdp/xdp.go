// Package xdp models the relay's optional kernel-acceleration seam without
// implementing it. A kernel program can offload exactly the
// stateless/crypto-checkable subset of packet classification — NearPing,
// Pong, InboundPing/OutboundPing, and AEAD verification for session
// packets whose session is already resident — the same split the
// equivalent BPF module makes by exposing only a hashing kfunc and an
// XChaCha20-Poly1305 decrypt kfunc to the kernel program, leaving session
// lookup, sequence validation, and forwarding decisions in userspace.
// Building and loading that kernel module is out of scope here; this
// package only gives the router a query point to ask "did acceleration
// already handle this packet" without special-casing its absence
// everywhere else.
package xdp

// Accelerator attempts to classify and fully handle one raw datagram
// without the userspace router's involvement. handled reports whether
// the packet was already processed (replied to or forwarded) and should
// not be passed to the router at all; the router never depends on
// acceleration for correctness, only for throughput.
type Accelerator interface {
	ClassifyAndForward(pkt []byte) (handled bool)
}

// Disabled is the always-off Accelerator used until a kernel-module
// backed implementation exists; it defers every packet to the userspace
// router.
type Disabled struct{}

// ClassifyAndForward implements Accelerator.
func (Disabled) ClassifyAndForward(pkt []byte) (handled bool) { return false }
