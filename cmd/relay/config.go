package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/nextmesh/relay/pkg/config"
	"github.com/nextmesh/relay/pkg/relaycrypto"
)

// resolvedFlags carries the raw CLI flag values into resolveFlags.
type resolvedFlags struct {
	address          string
	backend          string
	privateKey       string
	backendPublicKey string
	updateToken      string
	relayID          uint64
	logLevel         string
	pingIntervalMs   int
	maxSessions      int
}

// relayConfig is the fully-resolved, ready-to-wire configuration for serve.
type relayConfig struct {
	address          string
	backendURL       string
	relayID          uint64
	x25519Private    [relaycrypto.KeySize]byte
	backendVerifyKey ed25519.PublicKey
	updateToken      [32]byte
	logLevel         string
	pingInterval     time.Duration
	maxSessions      int
}

// resolveFlags validates required CLI flags, merges RELAY_* environment
// variables for the ambient settings, and decodes the base64 key
// material. Any failure here is a configuration error (exit code 1) —
// it happens entirely before the crypto self-test and before any socket
// is opened.
func resolveFlags(f resolvedFlags) (relayConfig, error) {
	var cfg relayConfig

	if f.address == "" {
		return cfg, fmt.Errorf("config: --address is required")
	}
	if f.backend == "" {
		return cfg, fmt.Errorf("config: --backend is required")
	}
	if f.privateKey == "" {
		return cfg, fmt.Errorf("config: --private-key is required")
	}
	if f.backendPublicKey == "" {
		return cfg, fmt.Errorf("config: --backend-public-key is required")
	}

	priv, err := decodeFixedKey(f.privateKey, relaycrypto.KeySize)
	if err != nil {
		return cfg, fmt.Errorf("config: --private-key: %w", err)
	}
	copy(cfg.x25519Private[:], priv)

	backendPub, err := decodeFixedKey(f.backendPublicKey, ed25519.PublicKeySize)
	if err != nil {
		return cfg, fmt.Errorf("config: --backend-public-key: %w", err)
	}
	cfg.backendVerifyKey = ed25519.PublicKey(backendPub)

	if f.updateToken != "" {
		token, err := decodeFixedKey(f.updateToken, 32)
		if err != nil {
			return cfg, fmt.Errorf("config: --update-token: %w", err)
		}
		copy(cfg.updateToken[:], token)
	}

	env, err := config.LoadEnv()
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	logLevel, pingInterval, maxSessions := config.Merge(env, f.logLevel, f.pingIntervalMs, f.maxSessions)

	cfg.address = f.address
	cfg.backendURL = f.backend
	cfg.relayID = f.relayID
	cfg.logLevel = logLevel
	cfg.pingInterval = pingInterval
	cfg.maxSessions = maxSessions
	return cfg, nil
}

func decodeFixedKey(b64 string, size int) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(raw))
	}
	return raw, nil
}
