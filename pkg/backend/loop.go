package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextmesh/relay/pkg/metrics"
	"github.com/nextmesh/relay/pkg/netaddr"
	"github.com/nextmesh/relay/pkg/relaymanager"
	"github.com/nextmesh/relay/pkg/routerinfo"
	"github.com/nextmesh/relay/pkg/session"
)

// Transport sends an UpdateRequest body to the backend and returns the
// raw response body; cmd/relay binds the default net/http implementation.
type Transport interface {
	Post(ctx context.Context, url string, body []byte) ([]byte, error)
}

// UsageProvider reports system CPU/memory usage. The Linux implementation
// lives in pkg/platform; other platforms report reported=false.
type UsageProvider interface {
	Usage() (cpu, mem float64, reported bool)
}

// State is a position in the backend loop's lifecycle state machine.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures a Loop. Zero values for the duration/attempt fields
// fall back to sensible defaults (see applyDefaults).
type Config struct {
	BackendURL           string
	RelayAddress         string
	UpdateToken          [UpdateTokenSize]byte
	MaxAttempts          int
	AttemptTimeout       time.Duration // UPDATE_TIMEOUT_SECS, scoped per attempt-cycle
	CycleInterval        time.Duration
	CleanShutdownTimeout time.Duration
	ShutdownGrace        time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.CycleInterval <= 0 {
		c.CycleInterval = 1 * time.Second
	}
	if c.CleanShutdownTimeout <= 0 {
		c.CleanShutdownTimeout = 60 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// Loop is the backend control-plane update loop.
type Loop struct {
	cfg       Config
	transport Transport
	relays    *relaymanager.Manager
	sessions  session.Reader
	info      *routerinfo.Info
	metrics   *metrics.ThroughputRecorder
	usage     UsageProvider
	logger    *slog.Logger

	mu    sync.RWMutex
	state State
}

// New constructs a backend Loop over the given collaborators.
func New(cfg Config, transport Transport, relays *relaymanager.Manager, sessions session.Reader, info *routerinfo.Info, rec *metrics.ThroughputRecorder, usage UsageProvider, logger *slog.Logger) *Loop {
	cfg.applyDefaults()
	return &Loop{
		cfg:       cfg,
		transport: transport,
		relays:    relays,
		sessions:  sessions,
		info:      info,
		metrics:   rec,
		usage:     usage,
		logger:    logger,
		state:     StateStarting,
	}
}

// State returns the loop's current lifecycle state.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run drives the update loop until ctx is cancelled, then performs a
// clean shutdown drain before returning. It returns a non-nil error only
// on the abnormal MaxAttempts-consecutive-failures exit (Running ->
// Stopped on repeated failure).
func (l *Loop) Run(ctx context.Context) error {
	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return l.drain()
		default:
		}

		if l.attemptUpdate(ctx, false) {
			consecutiveFailures = 0
			if l.State() == StateStarting {
				l.setState(StateRunning)
			}
			l.sessions.Purge(l.info.CurrentTime())
		} else {
			consecutiveFailures++
			if l.logger != nil {
				l.logger.Error("relay update cycle failed", "consecutive_failures", consecutiveFailures)
			}
			if consecutiveFailures >= l.cfg.MaxAttempts {
				l.setState(StateStopped)
				return fmt.Errorf("backend: %d consecutive update failures", consecutiveFailures)
			}
		}

		select {
		case <-ctx.Done():
			return l.drain()
		case <-time.After(l.cfg.CycleInterval):
		}
	}
}

// drain runs the clean-shutdown sequence: repeat the update with
// shutting_down=1 until acknowledged or CleanShutdownTimeout elapses,
// then sleep ShutdownGrace if the final update landed in time
// (Draining -> Stopped).
func (l *Loop) drain() error {
	l.setState(StateDraining)

	ctx := context.Background()
	start := time.Now()
	succeeded := false
	for time.Since(start) < l.cfg.CleanShutdownTimeout {
		if l.attemptUpdate(ctx, true) {
			succeeded = true
			break
		}
		time.Sleep(l.cfg.CycleInterval)
	}

	if succeeded && time.Since(start) < l.cfg.CleanShutdownTimeout {
		time.Sleep(l.cfg.ShutdownGrace)
	}

	l.setState(StateStopped)
	return nil
}

// attemptUpdate runs one update cycle: build the request, POST it up to
// MaxAttempts times in total, spaced CycleInterval apart, bounded by
// AttemptTimeout measured from the top of this call. Returns whether the
// cycle succeeded.
func (l *Loop) attemptUpdate(ctx context.Context, shuttingDown bool) bool {
	deadline := time.Now().Add(l.cfg.AttemptTimeout)
	body := l.buildRequest(shuttingDown)

	for attempt := 0; attempt < l.cfg.MaxAttempts; attempt++ {
		resp, err := l.transport.Post(ctx, l.cfg.BackendURL+"/relay_update", body)
		if err == nil {
			if shuttingDown {
				return true
			}
			if l.applyResponse(resp) {
				return true
			}
		} else if l.logger != nil {
			l.logger.Warn("relay update transport error", "attempt", attempt, "error", err)
		}

		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(l.cfg.CycleInterval):
		}
	}
	return false
}

func (l *Loop) applyResponse(body []byte) bool {
	resp, err := DecodeUpdateResponse(body)
	if err != nil {
		if l.logger != nil {
			l.logger.Error("relay update response decode failed", "error", err)
		}
		return false
	}
	if resp.Version != UpdateResponseVersion {
		if l.logger != nil {
			l.logger.Error("relay update response version mismatch", "got", resp.Version, "want", UpdateResponseVersion)
		}
		return false
	}

	l.info.SetTimestamp(resp.Timestamp)

	roster := make(map[uint64]netaddr.Address, len(resp.Relays))
	for _, entry := range resp.Relays {
		addr, err := netaddr.ParseHostPort(entry.Address)
		if err != nil {
			if l.logger != nil {
				l.logger.Error("relay update response bad relay address", "relay_id", entry.ID, "error", err)
			}
			continue
		}
		roster[entry.ID] = addr
	}
	l.relays.Update(roster)
	return true
}

func (l *Loop) buildRequest(shuttingDown bool) []byte {
	snap := l.metrics.Drain()
	cpu, mem := 0.0, 0.0
	if l.usage != nil {
		var reported bool
		cpu, mem, reported = l.usage.Usage()
		if !reported {
			cpu, mem = 0.0, 0.0
		}
	}

	req := UpdateRequest{
		Version:      UpdateRequestVersion,
		RelayAddress: l.cfg.RelayAddress,
		UpdateToken:  l.cfg.UpdateToken,
		RelayStats:   l.relays.GetStats(),
		SessionCount: uint64(l.sessions.Size()),
		EnvelopeUp:   l.sessions.EnvelopeUpTotal(),
		EnvelopeDown: l.sessions.EnvelopeDownTotal(),
		Throughput:   metricsSnapshot(snap),
		ShuttingDown: shuttingDown,
		CPUUsage:     cpu,
		MemUsage:     mem,
	}
	return EncodeUpdateRequest(req)
}
