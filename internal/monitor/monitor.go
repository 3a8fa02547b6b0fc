// Package monitor enforces connection liveness. Every sweep it
// terminates connections that failed to answer the previous round, then
// challenges the survivors with both a WebSocket control ping and an
// application-level ping frame. Either answer restores the liveness
// flag: the control pong is handled here, the application pong by the
// heartbeat handler.
//
// The monitor only terminates sockets. Registry removal and session
// bookkeeping stay with the connection's read loop, which unwinds when
// the socket dies.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/protocol"
)

const (
	defaultInterval    = 30 * time.Second
	defaultPingTimeout = 5 * time.Second
)

// Config configures a [Monitor]. Registry is required.
type Config struct {
	// Registry holds the connections to watch.
	Registry *broker.Registry

	// Logger receives terminations. Defaults to [slog.Default].
	Logger *slog.Logger

	// Interval is the time between liveness sweeps. Defaults to 30
	// seconds, which gives every connection one full interval to answer
	// before it is dropped.
	Interval time.Duration

	// PingTimeout bounds the wait for a control pong. Defaults to 5
	// seconds.
	PingTimeout time.Duration
}

// Monitor runs the periodic liveness sweep.
type Monitor struct {
	registry    *broker.Registry
	logger      *slog.Logger
	interval    time.Duration
	pingTimeout time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a [Monitor] with the given configuration, filling in
// defaults for zero fields.
func New(cfg Config) *Monitor {
	m := &Monitor{
		registry:    cfg.Registry,
		logger:      cfg.Logger,
		interval:    cfg.Interval,
		pingTimeout: cfg.PingTimeout,
		done:        make(chan struct{}),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.interval <= 0 {
		m.interval = defaultInterval
	}
	if m.pingTimeout <= 0 {
		m.pingTimeout = defaultPingTimeout
	}
	return m
}

// Start begins the sweep loop in a background goroutine. The goroutine
// runs until [Monitor.Stop] is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop halts the sweep loop. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.SweepNow(ctx)
		}
	}
}

// SweepNow runs one liveness pass and returns the number of connections
// terminated.
func (m *Monitor) SweepNow(ctx context.Context) int {
	now := time.Now()
	terminated := 0

	for _, member := range m.registry.All() {
		if !member.Attrs.Alive {
			m.logger.Warn("closing unresponsive connection",
				"conn_id", member.Peer.ID(),
				"session_id", member.Attrs.SessionID,
				"role", string(member.Attrs.Role),
			)
			member.Peer.Terminate()
			terminated++
			continue
		}

		// Challenge: the flag stays down until a pong of either kind
		// arrives. Unanswered connections fall on the next sweep.
		m.registry.SetAlive(member.Peer, false)

		if err := member.Peer.Send(ctx, protocol.PingMessage{
			Type:      protocol.TypePing,
			Timestamp: now.UnixMilli(),
		}); err != nil {
			m.logger.Debug("heartbeat ping send failed",
				"conn_id", member.Peer.ID(),
				"error", err,
			)
		}

		// Control pings block until the pong arrives, so each one gets
		// its own goroutine.
		go m.controlPing(ctx, member.Peer)
	}
	return terminated
}

func (m *Monitor) controlPing(ctx context.Context, p broker.Peer) {
	pctx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	defer cancel()

	if err := p.Ping(pctx); err != nil {
		return
	}
	m.registry.SetAlive(p, true)
}
