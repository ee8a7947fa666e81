package wire

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nextmesh/relay/pkg/netaddr"
	"github.com/nextmesh/relay/pkg/relaycrypto"
)

// RouteToken is the payload sealed inside a RouteRequest's token blob.
// It installs a session on the relay that successfully decrypts it.
type RouteToken struct {
	SessionID        uint64
	ExpireTimestamp  uint64 // seconds since epoch
	NextAddress      netaddr.Address
	PrevAddress      netaddr.Address
	SessionPrivateKey [relaycrypto.KeySize]byte
	EnvelopeUpKbps   uint32
	EnvelopeDownKbps uint32
}

// tokenFieldsSize is the length of RouteToken's fields before the
// signature is appended (8+8+19+19+32+4+4).
const tokenFieldsSize = 8 + 8 + fixedAddrSize + fixedAddrSize + relaycrypto.KeySize + 4 + 4

// tokenSignedSize is the fields plus the Ed25519 signature covering them.
const tokenSignedSize = tokenFieldsSize + SignatureSize

// SessionTokenSize is the fixed size of a sealed route token on the wire:
// an ephemeral X25519 public key, an XChaCha20-Poly1305 nonce, the signed
// token fields, and the AEAD tag.
const SessionTokenSize = relaycrypto.KeySize + relaycrypto.NonceSize + tokenSignedSize + relaycrypto.TagSize

func (t RouteToken) encodeFields() []byte {
	out := make([]byte, tokenFieldsSize)
	binary.LittleEndian.PutUint64(out[0:8], t.SessionID)
	binary.LittleEndian.PutUint64(out[8:16], t.ExpireTimestamp)
	encodeFixedAddr(t.NextAddress, out[16:16+fixedAddrSize])
	encodeFixedAddr(t.PrevAddress, out[16+fixedAddrSize:16+2*fixedAddrSize])
	keyOff := 16 + 2*fixedAddrSize
	copy(out[keyOff:keyOff+relaycrypto.KeySize], t.SessionPrivateKey[:])
	envOff := keyOff + relaycrypto.KeySize
	binary.LittleEndian.PutUint32(out[envOff:envOff+4], t.EnvelopeUpKbps)
	binary.LittleEndian.PutUint32(out[envOff+4:envOff+8], t.EnvelopeDownKbps)
	return out
}

func decodeTokenFields(b []byte) RouteToken {
	t := RouteToken{
		SessionID:       binary.LittleEndian.Uint64(b[0:8]),
		ExpireTimestamp: binary.LittleEndian.Uint64(b[8:16]),
	}
	t.NextAddress = decodeFixedAddr(b[16 : 16+fixedAddrSize])
	t.PrevAddress = decodeFixedAddr(b[16+fixedAddrSize : 16+2*fixedAddrSize])
	keyOff := 16 + 2*fixedAddrSize
	copy(t.SessionPrivateKey[:], b[keyOff:keyOff+relaycrypto.KeySize])
	envOff := keyOff + relaycrypto.KeySize
	t.EnvelopeUpKbps = binary.LittleEndian.Uint32(b[envOff : envOff+4])
	t.EnvelopeDownKbps = binary.LittleEndian.Uint32(b[envOff+4 : envOff+8])
	return t
}

// SealRouteToken signs the token's fields with the backend's Ed25519
// signing key, then seals the signed payload under an X25519 shared
// secret derived from a fresh ephemeral keypair and the relay's public
// key. The returned blob is exactly SessionTokenSize bytes.
func SealRouteToken(t RouteToken, backendSigningKey ed25519.PrivateKey, relayPublicKey [relaycrypto.KeySize]byte) ([]byte, error) {
	fields := t.encodeFields()
	sig := relaycrypto.Sign(backendSigningKey, fields)
	signed := append(fields, sig...)

	ephemeral, err := relaycrypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("wire: generate ephemeral keypair: %w", err)
	}
	sharedKey, err := relaycrypto.SharedSecret(ephemeral.Private, relayPublicKey)
	if err != nil {
		return nil, fmt.Errorf("wire: derive shared secret: %w", err)
	}

	var nonce [relaycrypto.NonceSize]byte
	// A fresh ephemeral key is generated per token, so a zero nonce does
	// not cause key/nonce reuse; this mirrors the original's reliance on
	// a one-shot per-token key, not a persistent per-connection one.
	ciphertext, err := relaycrypto.Seal(signed, nonce, sharedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: seal token: %w", err)
	}

	out := make([]byte, 0, SessionTokenSize)
	out = append(out, ephemeral.Public[:]...)
	out = append(out, nonce[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// OpenRouteToken decrypts a sealed route token with the relay's private
// key, verifies the backend's Ed25519 signature over the fields, and
// checks that expire_timestamp is in the future relative to now. A token
// is valid iff all three checks pass.
func OpenRouteToken(blob []byte, relayPrivateKey [relaycrypto.KeySize]byte, backendVerifyKey ed25519.PublicKey, now time.Time) (RouteToken, bool) {
	if len(blob) != SessionTokenSize {
		return RouteToken{}, false
	}
	ephemeralPublic := blob[:relaycrypto.KeySize]
	var ephPub [relaycrypto.KeySize]byte
	copy(ephPub[:], ephemeralPublic)

	nonceBytes := blob[relaycrypto.KeySize : relaycrypto.KeySize+relaycrypto.NonceSize]
	var nonce [relaycrypto.NonceSize]byte
	copy(nonce[:], nonceBytes)

	ciphertext := blob[relaycrypto.KeySize+relaycrypto.NonceSize:]

	sharedKey, err := relaycrypto.SharedSecret(relayPrivateKey, ephPub)
	if err != nil {
		return RouteToken{}, false
	}

	signed, ok := relaycrypto.Open(ciphertext, nonce, sharedKey, nil)
	if !ok || len(signed) != tokenSignedSize {
		return RouteToken{}, false
	}

	fields := signed[:tokenFieldsSize]
	sig := signed[tokenFieldsSize:]
	if !relaycrypto.Verify(backendVerifyKey, fields, sig) {
		return RouteToken{}, false
	}

	token := decodeTokenFields(fields)
	if token.ExpireTimestamp <= uint64(now.Unix()) {
		return RouteToken{}, false
	}
	return token, true
}
