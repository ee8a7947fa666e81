// Package config resolves the relay's runtime configuration from
// environment variables and CLI flags. Flags always win over an
// explicitly-set environment variable, which in turn wins over the
// package defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Env holds the subset of configuration this relay reads from the
// process environment.
type Env struct {
	LogLevel       string `env:"RELAY_LOG_LEVEL" envDefault:"info"`
	PingIntervalMs int    `env:"RELAY_PING_INTERVAL_MS" envDefault:"100"`
	MaxSessions    int    `env:"RELAY_MAX_SESSIONS" envDefault:"100000"`
}

// LoadEnv parses RELAY_* environment variables into an Env, applying
// envDefault values for anything unset.
func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("config: parse environment: %w", err)
	}
	return e, nil
}

// Config groups the fully-resolved configuration after merging Env with
// CLI flags. cmd/relay does not use it; it calls LoadEnv and Merge and
// keeps the result in its own relayConfig.
type Config struct {
	ListenAddress    string
	BackendURL       string
	RelayPrivateKey  [32]byte
	BackendVerifyKey [32]byte
	LogLevel         string
	PingInterval     time.Duration
	MaxSessions      int
}

// Merge layers CLI flag values (flags) over e, treating an empty flag
// string or non-positive numeric flag as "not set" so the environment
// value (or its default) passes through unchanged.
func Merge(e Env, flagLogLevel string, flagPingIntervalMs, flagMaxSessions int) (logLevel string, pingInterval time.Duration, maxSessions int) {
	logLevel = e.LogLevel
	if flagLogLevel != "" {
		logLevel = flagLogLevel
	}

	pingMs := e.PingIntervalMs
	if flagPingIntervalMs > 0 {
		pingMs = flagPingIntervalMs
	}
	pingInterval = time.Duration(pingMs) * time.Millisecond

	maxSessions = e.MaxSessions
	if flagMaxSessions > 0 {
		maxSessions = flagMaxSessions
	}
	return logLevel, pingInterval, maxSessions
}
