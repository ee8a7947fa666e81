package relaycrypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func generateEd25519(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	t.Helper()
	return ed25519.GenerateKey(rand.Reader)
}

func TestSelfTest(t *testing.T) {
	if err := SelfTest(); err != nil {
		t.Fatalf("self-test failed: %v", err)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	var key [KeySize]byte
	var nonce [NonceSize]byte
	copy(key[:], bytes.Repeat([]byte{0x42}, KeySize))
	copy(nonce[:], bytes.Repeat([]byte{0x07}, NonceSize))

	plaintext := []byte("route token payload")
	ad := []byte("session-context")

	sealed, err := Seal(plaintext, nonce, key, ad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(sealed) != len(plaintext)+TagSize {
		t.Fatalf("expected ciphertext len %d, got %d", len(plaintext)+TagSize, len(sealed))
	}

	opened, ok := Open(sealed, nonce, key, ad)
	if !ok {
		t.Fatal("open failed on a valid ciphertext")
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round-trip mismatch: got %q want %q", opened, plaintext)
	}
}

func TestOpenFailsOnTamperedTag(t *testing.T) {
	var key [KeySize]byte
	var nonce [NonceSize]byte
	sealed, err := Seal([]byte("payload"), nonce, key, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xFF

	if _, ok := Open(sealed, nonce, key, nil); ok {
		t.Fatal("expected open to fail on tampered tag")
	}
}

func TestOpenFailsOnWrongKey(t *testing.T) {
	var key, wrongKey [KeySize]byte
	wrongKey[0] = 1
	var nonce [NonceSize]byte

	sealed, err := Seal([]byte("payload"), nonce, key, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, ok := Open(sealed, nonce, wrongKey, nil); ok {
		t.Fatal("expected open to fail under the wrong key")
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := generateEd25519(t)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("near ping sequence 42")
	sig := Sign(priv, msg)
	if !Verify(pub, msg, sig) {
		t.Fatal("expected signature to verify")
	}
	if Verify(pub, []byte("different message"), sig) {
		t.Fatal("expected signature verification to fail on altered message")
	}
}

func TestSharedSecretAgreement(t *testing.T) {
	a, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}

	secretA, err := SharedSecret(a.Private, b.Public)
	if err != nil {
		t.Fatalf("shared secret a: %v", err)
	}
	secretB, err := SharedSecret(b.Private, a.Public)
	if err != nil {
		t.Fatalf("shared secret b: %v", err)
	}
	if secretA != secretB {
		t.Fatal("expected both sides to derive the same shared secret")
	}
}

func TestPublicFromPrivateMatchesGenerate(t *testing.T) {
	kp, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub, err := PublicFromPrivate(kp.Private)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if pub != kp.Public {
		t.Fatal("expected PublicFromPrivate to match the keypair's own public key")
	}
}
