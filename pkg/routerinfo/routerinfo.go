// Package routerinfo holds the process-wide state the router, backend
// loop, and ping scheduler all need: the authoritative server time (set
// from backend responses), the local keypair, this relay's id, and the
// process startup timestamp.
//
// This favors an explicit struct constructed once in cmd/relay and
// passed by pointer into every constructor that needs it over a global
// singleton.
package routerinfo

import (
	"crypto/ed25519"
	"sync/atomic"
	"time"

	"github.com/nextmesh/relay/pkg/relaycrypto"
)

// Info is the relay's shared process state. All fields are safe for
// concurrent access: the authoritative timestamp is an atomic int64, and
// every other field is set once at construction and never mutated.
type Info struct {
	RelayID           uint64
	PublicAddress     string
	X25519KeyPair     relaycrypto.X25519KeyPair
	SigningPublicKey  ed25519.PublicKey
	BackendVerifyKey  ed25519.PublicKey
	StartupTime       time.Time

	authoritativeUnix atomic.Int64
}

// New creates an Info with the startup timestamp set to now and the
// authoritative time initialized to the same value until the first
// backend update response arrives.
func New(relayID uint64, publicAddress string, keyPair relaycrypto.X25519KeyPair, backendVerifyKey ed25519.PublicKey, now time.Time) *Info {
	info := &Info{
		RelayID:          relayID,
		PublicAddress:    publicAddress,
		X25519KeyPair:    keyPair,
		BackendVerifyKey: backendVerifyKey,
		StartupTime:      now,
	}
	info.authoritativeUnix.Store(now.Unix())
	return info
}

// SetTimestamp records the authoritative server time pushed by the most
// recent successful backend update.
func (i *Info) SetTimestamp(unixSeconds uint64) {
	i.authoritativeUnix.Store(int64(unixSeconds))
}

// CurrentTime returns the last authoritative time pushed by the backend,
// or the startup time if no update has landed yet.
func (i *Info) CurrentTime() time.Time {
	return time.Unix(i.authoritativeUnix.Load(), 0)
}
