// Package relaycrypto wraps the relay's cryptographic primitives: SHA-256,
// XChaCha20-Poly1305 AEAD, Ed25519 signing, and X25519 key agreement for
// sealed route tokens. Every function here is pure and side-effect free;
// failure is reported as a bool/error, never a partial plaintext.
package relaycrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the size in bytes of an XChaCha20-Poly1305 key and of an
// X25519 public/private key.
const KeySize = 32

// NonceSize is the XChaCha20-Poly1305 extended nonce size.
const NonceSize = chacha20poly1305.NonceSizeX

// TagSize is the Poly1305 authentication tag appended to every ciphertext.
const TagSize = chacha20poly1305.Overhead

// ErrAuthFailed describes an authentication failure. Open does not return
// it: Open reports a tag mismatch as (nil, false), with no plaintext.
var ErrAuthFailed = errors.New("relaycrypto: authentication failed")

// SHA256 hashes data and returns the 32-byte digest.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// selfTestVector and selfTestDigest reproduce the SHA-256 self test baked
// into the original relay kernel module's init path
// (relay_module.c: sha256_hash("test", 4, digest)).
var selfTestVector = []byte("test")
var selfTestDigest = [32]byte{
	0x9f, 0x86, 0xd0, 0x81, 0x88, 0x4c, 0x7d, 0x65,
	0x9a, 0x2f, 0xea, 0xa0, 0xc5, 0x5a, 0xd0, 0x15,
	0xa3, 0xbf, 0x4f, 0x1b, 0x2b, 0x0b, 0x82, 0x2c,
	0xd1, 0x5d, 0x6c, 0x15, 0xb0, 0xf0, 0x0a, 0x08,
}

// SelfTest verifies the SHA-256 implementation against a known vector and
// that an XChaCha20-Poly1305 seal/open round-trips. Startup-only; a
// failure here is fatal (cmd/relay exit code 3).
func SelfTest() error {
	if got := SHA256(selfTestVector); got != selfTestDigest {
		return fmt.Errorf("relaycrypto: sha256 self-test failed: got %x", got)
	}

	var key [KeySize]byte
	var nonce [NonceSize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("relaycrypto: self-test rand read: %w", err)
	}
	plaintext := []byte("network next relay self test")
	sealed, err := Seal(plaintext, nonce, key, nil)
	if err != nil {
		return fmt.Errorf("relaycrypto: self-test seal: %w", err)
	}
	opened, ok := Open(sealed, nonce, key, nil)
	if !ok || string(opened) != string(plaintext) {
		return errors.New("relaycrypto: xchacha20poly1305 self-test round-trip failed")
	}
	return nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 under key and nonce,
// authenticating additionalData, and appends the 16-byte tag.
func Seal(plaintext []byte, nonce [NonceSize]byte, key [KeySize]byte, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("relaycrypto: new aead: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, additionalData), nil
}

// Open decrypts and authenticates ciphertext (which must include the
// trailing tag). On authentication failure it returns (nil, false) with
// no partial plaintext.
func Open(ciphertext []byte, nonce [NonceSize]byte, key [KeySize]byte, additionalData []byte) ([]byte, bool) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, false
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, additionalData)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

// Sign produces an Ed25519 signature of message under privateKey.
func Sign(privateKey ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(privateKey, message)
}

// Verify reports whether sig is a valid Ed25519 signature of message
// under publicKey.
func Verify(publicKey ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(publicKey, message, sig)
}

// X25519KeyPair is a Curve25519 key-agreement keypair used to seal and
// open route tokens.
type X25519KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateX25519KeyPair creates a fresh X25519 keypair from the system CSPRNG.
func GenerateX25519KeyPair() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, fmt.Errorf("relaycrypto: rand read private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("relaycrypto: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// PublicFromPrivate derives the X25519 public key for an operator-supplied
// private key (cmd/relay's --private-key flag carries only the private
// half; the relay derives its own public key rather than requiring both
// on the command line).
func PublicFromPrivate(private [KeySize]byte) ([KeySize]byte, error) {
	var pub [KeySize]byte
	p, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("relaycrypto: derive public key: %w", err)
	}
	copy(pub[:], p)
	return pub, nil
}

// SharedSecret performs X25519 Diffie-Hellman between a local private key
// and a remote public key, producing the shared key used to seal/open a
// route token.
func SharedSecret(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var secret [KeySize]byte
	shared, err := curve25519.X25519(privateKey[:], remotePublicKey[:])
	if err != nil {
		return secret, fmt.Errorf("relaycrypto: x25519: %w", err)
	}
	copy(secret[:], shared)
	return secret, nil
}
