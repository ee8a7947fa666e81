// Relay — Network Next-style UDP relay node
// Packet-processing data plane, session store, and backend control loop
// License: MIT
//
// Copyright (c) 2026 Relay contributors

// Command relay runs one UDP relay node: the packet-processing data
// plane, session store, neighbor-ping subsystem, and backend control
// loop, all wired together from a single cobra root command.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit string
)

// Process exit codes.
const (
	exitOK                 = 0
	exitConfigError        = 1
	exitBackendUnreachable = 2
	exitCryptoSelfTestFail = 3
)

func main() {
	code := run(os.Args[1:])
	os.Exit(code)
}

// run builds the root command and executes it, translating a returned
// error into one of the distinguished exit codes above. Only main
// touches the process exit code; everything else returns an error.
func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Error())
			return exitErr.code
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	return exitOK
}

type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	var (
		flagAddress          string
		flagBackend          string
		flagPrivateKey       string
		flagBackendPublicKey string
		flagUpdateToken      string
		flagRelayID          uint64
		flagLogLevel         string
		flagPingIntervalMs   int
		flagMaxSessions      int
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a Network Next-style UDP relay node",
		Long: `relay runs the packet-processing data plane, session store,
neighbor-ping subsystem, and backend control loop for one relay node.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveFlags(resolvedFlags{
				address:          flagAddress,
				backend:          flagBackend,
				privateKey:       flagPrivateKey,
				backendPublicKey: flagBackendPublicKey,
				updateToken:      flagUpdateToken,
				relayID:          flagRelayID,
				logLevel:         flagLogLevel,
				pingIntervalMs:   flagPingIntervalMs,
				maxSessions:      flagMaxSessions,
			})
			if err != nil {
				return &exitCodeError{code: exitConfigError, err: err}
			}

			logger := newLogger(cfg.logLevel)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&flagAddress, "address", "", "This relay's public address (ip:port)")
	cmd.Flags().StringVar(&flagBackend, "backend", "", "Backend control-plane base URL")
	cmd.Flags().StringVar(&flagPrivateKey, "private-key", "", "Base64 X25519 private key for route token decryption")
	cmd.Flags().StringVar(&flagBackendPublicKey, "backend-public-key", "", "Base64 Ed25519 public key used to verify backend-signed route tokens")
	cmd.Flags().StringVar(&flagUpdateToken, "update-token", "", "Base64 opaque credential presented on every backend update")
	cmd.Flags().Uint64Var(&flagRelayID, "relay-id", 0, "This relay's 64-bit identity, as assigned by the backend roster")
	cmd.Flags().StringVar(&flagLogLevel, "log-level", "", "Log level (overrides RELAY_LOG_LEVEL)")
	cmd.Flags().IntVar(&flagPingIntervalMs, "ping-interval-ms", 0, "Neighbor ping interval in milliseconds (overrides RELAY_PING_INTERVAL_MS)")
	cmd.Flags().IntVar(&flagMaxSessions, "max-sessions", 0, "Maximum number of live sessions; new sessions past it are refused (overrides RELAY_MAX_SESSIONS)")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			v := version
			if gitCommit != "" {
				v += fmt.Sprintf(" (git: %s)", gitCommit)
			}
			fmt.Printf("relay %s\n", v)
		},
	}
}

func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
