// Package dispatch routes decoded client frames to their registered
// handlers. It owns the cross-cutting policies of the message path:
// malformed frames are logged and ignored, most message types require a
// live session, handler panics are contained, and successful handling
// stamps the session's activity clock.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/observe"
	"github.com/aulavoz/aulavoz/internal/protocol"
	"github.com/aulavoz/aulavoz/internal/store"
)

// Handler processes one message type. Implementations must be safe for
// concurrent use: the dispatcher serializes frames per connection, but
// many connections dispatch at once.
type Handler interface {
	// Type returns the message type this handler answers for.
	Type() string

	// Handle processes one decoded frame from peer. Returned errors are
	// logged by the dispatcher; they never close the connection.
	Handle(ctx context.Context, peer broker.Peer, env protocol.Envelope) error
}

const (
	defaultExpiredCloseDelay = time.Second
	defaultActivityGap       = 30 * time.Second
)

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithExpiredCloseDelay sets the pause between the session_expired frame
// and the 1008 close, leaving the frame time to flush.
func WithExpiredCloseDelay(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.expiredCloseDelay = d
		}
	}
}

// WithActivityGap sets the minimum spacing between audio-driven
// activity writes to the store. Audio frames arrive far faster than
// activity needs to be persisted.
func WithActivityGap(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.activityGap = d
		}
	}
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(dp *Dispatcher) { dp.metrics = m }
}

// Dispatcher decodes frames and runs the matching handler. Safe for
// concurrent use once all handlers are registered; Register is not
// synchronized with Dispatch and belongs in wiring code.
type Dispatcher struct {
	logger   *slog.Logger
	registry *broker.Registry
	store    store.Store
	metrics  *observe.Metrics

	handlers map[string]Handler

	expiredCloseDelay time.Duration
	activityGap       time.Duration
}

// New creates a Dispatcher with no handlers registered.
func New(logger *slog.Logger, registry *broker.Registry, st store.Store, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		logger:            logger,
		registry:          registry,
		store:             st,
		handlers:          make(map[string]Handler),
		expiredCloseDelay: defaultExpiredCloseDelay,
		activityGap:       defaultActivityGap,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Register adds a handler for its message type. The last registration
// for a type wins.
func (d *Dispatcher) Register(hs ...Handler) {
	for _, h := range hs {
		d.handlers[h.Type()] = h
	}
}

// sessionExempt reports whether the type is handled without a live
// session: registration creates the session, and heartbeat frames must
// flow even while a session row is in doubt.
func sessionExempt(msgType string) bool {
	switch msgType {
	case protocol.TypeRegister, protocol.TypePing, protocol.TypePong:
		return true
	}
	return false
}

// Dispatch handles one raw frame from peer. It never returns an error:
// every failure mode is a policy decision (log, reply, or close) rather
// than something the read loop could act on.
func (d *Dispatcher) Dispatch(ctx context.Context, peer broker.Peer, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		d.metrics.RecordMessage(ctx, "malformed")
		d.logger.Debug("malformed frame ignored",
			"conn_id", peer.ID(), "error", err)
		return
	}

	if !sessionExempt(env.Type) && !d.sessionAlive(ctx, peer) {
		return
	}

	h, known := d.handlers[env.Type]
	if !known {
		d.metrics.RecordMessage(ctx, "unknown")
		d.logger.Warn("unknown message type",
			"conn_id", peer.ID(), "message_type", env.Type)
		return
	}
	d.metrics.RecordMessage(ctx, env.Type)

	if err := d.handle(ctx, peer, h, env); err != nil {
		d.logger.Error("handler failed",
			"conn_id", peer.ID(), "message_type", env.Type, "error", err)
		return
	}

	d.touchActivity(ctx, peer, env.Type)
}

// handle runs the handler with panic containment. A panicking handler
// loses its frame, not the connection.
func (d *Dispatcher) handle(ctx context.Context, peer broker.Peer, h Handler, env protocol.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				"conn_id", peer.ID(),
				"message_type", env.Type,
				"panic", r,
				"stack", string(debug.Stack()))
			err = nil
		}
	}()
	return h.Handle(ctx, peer, env)
}

// sessionAlive validates the connection's session against the store.
// Missing or ended sessions get a session_expired frame and a scheduled
// policy close; storage faults fail open so a flaky database cannot
// disconnect a classroom.
func (d *Dispatcher) sessionAlive(ctx context.Context, peer broker.Peer) bool {
	sessionID, ok := d.registry.SessionOf(peer)
	if !ok || sessionID == "" {
		return true
	}

	sess, err := d.store.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		d.expireSession(ctx, peer, sessionID)
		return false
	case err != nil:
		d.logger.Error("session validation lookup",
			"conn_id", peer.ID(), "session_id", sessionID, "error", err)
		return true
	case !sess.IsActive:
		d.expireSession(ctx, peer, sessionID)
		return false
	}
	return true
}

func (d *Dispatcher) expireSession(ctx context.Context, peer broker.Peer, sessionID string) {
	d.logger.Info("session expired, closing connection",
		"conn_id", peer.ID(), "session_id", sessionID)

	msg := protocol.SessionExpiredMessage{
		Type:    protocol.TypeSessionExpired,
		Code:    protocol.CodeSessionExpired,
		Message: "Session has expired. Please reconnect to start a new session.",
	}
	if err := peer.Send(ctx, msg); err != nil {
		d.logger.Debug("session expired notice not delivered",
			"conn_id", peer.ID(), "error", err)
	}
	peer.CloseAfter(d.expiredCloseDelay, broker.ClosePolicyViolation, "session expired")
}

// touchActivity stamps last-activity after a successful handler run.
// The registry copy is always updated; the store write is skipped for
// register (the handler owns its own session writes) and throttled for
// audio, whose frame rate would otherwise turn into a write-per-chunk.
func (d *Dispatcher) touchActivity(ctx context.Context, peer broker.Peer, msgType string) {
	now := time.Now()
	d.registry.TouchActivity(peer, now)

	if msgType == protocol.TypeRegister {
		return
	}
	sessionID, ok := d.registry.SessionOf(peer)
	if !ok || sessionID == "" {
		return
	}
	if msgType == protocol.TypeAudio && !d.registry.ActivityPersistDue(peer, now, d.activityGap) {
		return
	}
	if err := d.store.TouchActivity(ctx, sessionID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Error("persist session activity",
			"session_id", sessionID, "error", err)
	}
}
