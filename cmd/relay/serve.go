package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextmesh/relay/pkg/backend"
	"github.com/nextmesh/relay/pkg/metrics"
	"github.com/nextmesh/relay/pkg/netaddr"
	"github.com/nextmesh/relay/pkg/platform"
	"github.com/nextmesh/relay/pkg/relaycrypto"
	"github.com/nextmesh/relay/pkg/relaymanager"
	"github.com/nextmesh/relay/pkg/router"
	"github.com/nextmesh/relay/pkg/routerinfo"
	"github.com/nextmesh/relay/pkg/session"
	"github.com/nextmesh/relay/pkg/xdp"
)

// receiveBufferSize is sized well above any single relay packet (route
// tokens are the largest payload on the wire).
const receiveBufferSize = 4096

// serve runs the crypto self-test, opens the listen socket, and
// supervises the receive loop, ping scheduler, and backend loop via
// errgroup: the first goroutine to return an error cancels the receive
// loop and ping scheduler. The backend loop follows only the outer ctx.
func serve(ctx context.Context, cfg relayConfig, logger *slog.Logger) error {
	if err := relaycrypto.SelfTest(); err != nil {
		logger.Error("crypto self-test failed", "error", err)
		return &exitCodeError{code: exitCryptoSelfTestFail, err: err}
	}

	pub, err := relaycrypto.PublicFromPrivate(cfg.x25519Private)
	if err != nil {
		return &exitCodeError{code: exitConfigError, err: fmt.Errorf("derive public key: %w", err)}
	}
	keyPair := relaycrypto.X25519KeyPair{Private: cfg.x25519Private, Public: pub}

	// This relay's own Ed25519 signing identity for NearPing/Pong. Peers
	// trust the reachability of the roster address rather than verifying
	// this signature (pkg/router's handleNearPing/handlePong), so an
	// ephemeral per-process keypair is sufficient; it is never published.
	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return &exitCodeError{code: exitConfigError, err: fmt.Errorf("generate signing key: %w", err)}
	}

	ops := platform.Default{}
	conn, err := ops.ListenUDP(ctx, cfg.address)
	if err != nil {
		logger.Error("failed to bind listen socket", "address", cfg.address, "error", err)
		return &exitCodeError{code: exitBackendUnreachable, err: err}
	}
	defer conn.Close()

	sender := udpSender{conn: conn}
	info := routerinfo.New(cfg.relayID, cfg.address, keyPair, cfg.backendVerifyKey, ops.Now())
	rec := metrics.New()
	sessions := session.NewMapWithCapacity(cfg.maxSessions)
	relays := relaymanager.New(relaymanager.Config{
		LocalRelayID: cfg.relayID,
		PingInterval: cfg.pingInterval,
		SigningKey:   signingKey,
	}, sender, logger)

	rt := router.New(router.Config{
		RelayPrivateKey:  cfg.x25519Private,
		BackendVerifyKey: cfg.backendVerifyKey,
		SigningKey:       signingKey,
		LocalRelayID:     cfg.relayID,
	}, sessions, relays, info, rec, sender, logger, xdp.Disabled{})

	backendLoop := backend.New(backend.Config{
		BackendURL:   cfg.backendURL,
		RelayAddress: cfg.address,
		UpdateToken:  cfg.updateToken,
	}, newHTTPTransport(10*time.Second), relays, sessions, info, rec, ops, logger)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return receiveLoop(gctx, conn, rt, logger) })
	group.Go(func() error { relays.RunPingLoop(gctx); return nil })
	// backendLoop watches the outer (SIGTERM) ctx, not gctx: a sibling
	// goroutine's failure should not itself trigger a clean-shutdown
	// drain cycle, only an actual shutdown signal should.
	group.Go(func() error {
		if err := backendLoop.Run(ctx); err != nil {
			return &exitCodeError{code: exitBackendUnreachable, err: err}
		}
		return nil
	})

	logger.Info("relay started", "address", cfg.address, "relay_id", cfg.relayID, "backend", cfg.backendURL)
	return group.Wait()
}

// receiveLoop reads datagrams off conn and dispatches them to rt until
// ctx is cancelled, at which point the socket is closed to unblock the
// pending ReadFrom (the same ctx-cancels-close idiom the pack's UDP
// bridge relay uses around its dispatch loop).
func receiveLoop(ctx context.Context, conn net.PacketConn, rt *router.Router, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, receiveBufferSize)
	for {
		n, rawAddr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive loop: %w", err)
		}

		addr, err := netaddr.FromNetAddr(rawAddr)
		if err != nil {
			logger.Debug("receive loop: unsupported source address", "error", err)
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		rt.HandlePacket(addr, pkt)
	}
}
