// Package server owns the HTTP surface and the WebSocket transport: it
// upgrades /ws, assigns each connection its identity, runs the
// per-connection read loop that feeds the dispatcher, and performs the
// disconnect bookkeeping when a socket dies. Health, readiness and
// Prometheus metrics are mounted on the same mux.
//
// The read loop dispatches frames inline, which is what serializes
// message handling per connection. Everything concurrent (fan-out,
// reapers, the heartbeat monitor) happens elsewhere and reaches the
// connection only through [broker.Peer].
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/dispatch"
	"github.com/aulavoz/aulavoz/internal/health"
	"github.com/aulavoz/aulavoz/internal/observe"
	"github.com/aulavoz/aulavoz/internal/protocol"
	"github.com/aulavoz/aulavoz/internal/store"
)

const (
	defaultSendTimeout = 10 * time.Second

	// defaultReadLimit caps one inbound frame. Audio chunks arrive as
	// base64 text, so the limit has to hold a full utterance, not just
	// control traffic.
	defaultReadLimit = 8 << 20

	readHeaderTimeout = 10 * time.Second

	// disconnectTimeout bounds the store write and teacher notification
	// that follow a dropped socket.
	disconnectTimeout = 5 * time.Second
)

// abandonGraceNote is written to the session row when the last student
// disconnects. Its presence moves the session from the empty-teacher
// reaper to the abandoned reaper.
const abandonGraceNote = "all students disconnected"

// Config configures a [Server]. Registry, Dispatcher and Store are
// required.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string

	// Logger receives connection lifecycle events. Defaults to
	// [slog.Default].
	Logger *slog.Logger

	// Registry tracks live connections.
	Registry *broker.Registry

	// Dispatcher receives every inbound text frame.
	Dispatcher *dispatch.Dispatcher

	// Store receives student-departure bookkeeping on disconnect.
	Store store.Store

	// Metrics keeps the connection gauges. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Health, when set, mounts /healthz and /readyz on the mux.
	Health *health.Handler

	// SendTimeout bounds one outbound frame write. Defaults to 10s.
	SendTimeout time.Duration

	// ReadLimit caps one inbound frame in bytes. Defaults to 8 MiB.
	ReadLimit int64
}

// Server accepts WebSocket classrooms and serves the operational HTTP
// endpoints.
type Server struct {
	logger     *slog.Logger
	registry   *broker.Registry
	dispatcher *dispatch.Dispatcher
	store      store.Store
	metrics    *observe.Metrics

	sendTimeout time.Duration
	readLimit   int64

	http *http.Server
}

// New creates a [Server] with its mux fully wired.
func New(cfg Config) *Server {
	s := &Server{
		logger:      cfg.Logger,
		registry:    cfg.Registry,
		dispatcher:  cfg.Dispatcher,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		sendTimeout: cfg.SendTimeout,
		readLimit:   cfg.ReadLimit,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.sendTimeout <= 0 {
		s.sendTimeout = defaultSendTimeout
	}
	if s.readLimit <= 0 {
		s.readLimit = defaultReadLimit
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           observe.Middleware(s.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the fully wired HTTP handler. Used by tests to mount
// the server on an httptest listener.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks serving HTTP until [Server.Shutdown] closes the
// listener. A closed-server result is reported as nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("server: listen: %w", err)
}

// Shutdown closes every live connection with a normal-closure code, then
// closes the accept socket. The session rows stay untouched: reconnect
// grace and the reapers decide their fate, not process exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if n := s.CloseAll("Server shutting down"); n > 0 {
		s.logger.Info("connections closed for shutdown", "count", n)
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// CloseAll schedules an immediate normal close on every registered
// connection and returns how many were told to go.
func (s *Server) CloseAll(reason string) int {
	members := s.registry.All()
	for _, m := range members {
		m.Peer.CloseAfter(0, broker.CloseNormal, reason)
	}
	return len(members)
}

// handleWS upgrades the request, installs the connection in the
// registry, sends the welcome frame and runs the read loop until the
// socket dies.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Classroom clients connect from arbitrary origins; admission is
		// the classroom code, not the Origin header.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Debug("websocket accept failed",
			"remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(s.readLimit)

	conn := newConn(ws, s.logger, s.sendTimeout)
	ctx := r.Context()

	q := r.URL.Query()
	code := strings.ToUpper(strings.TrimSpace(q.Get("code")))
	if code == "" {
		code = strings.ToUpper(strings.TrimSpace(q.Get("class")))
	}
	twoWay := protocol.Truthy(q.Get("twoWay"))

	sessionID := uuid.NewString()
	s.registry.Add(conn, sessionID, twoWay)
	if code != "" {
		s.registry.SetClassroomCode(conn, code)
	}
	s.metrics.ActiveConnections.Add(ctx, 1)

	s.logger.Info("connection accepted",
		"conn_id", conn.ID(),
		"session_id", sessionID,
		"two_way", twoWay,
		"remote", r.RemoteAddr,
	)

	if err := conn.Send(ctx, protocol.ConnectionWelcome{
		Type:          protocol.TypeConnection,
		Status:        "connected",
		SessionID:     sessionID,
		TwoWayEnabled: twoWay,
		Timestamp:     time.Now().UnixMilli(),
	}); err != nil {
		s.logger.Debug("welcome send failed",
			"conn_id", conn.ID(), "error", err)
	}

	s.readLoop(ctx, conn)
}

// readLoop feeds inbound text frames to the dispatcher in arrival
// order. It returns when the socket errors or closes, then runs the
// disconnect bookkeeping exactly once.
func (s *Server) readLoop(ctx context.Context, conn *Conn) {
	defer s.disconnect(conn)

	for {
		typ, data, err := conn.ws.Read(ctx)
		if err != nil {
			s.logReadExit(conn, err)
			return
		}
		if typ != websocket.MessageText {
			// The protocol is JSON text; binary frames are not part of it.
			continue
		}
		s.dispatcher.Dispatch(ctx, conn, data)
	}
}

func (s *Server) logReadExit(conn *Conn, err error) {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.logger.Debug("connection closed by peer", "conn_id", conn.ID())
	default:
		s.logger.Debug("read loop ended", "conn_id", conn.ID(), "error", err)
	}
}

// disconnect removes the connection from the registry and, for a
// counted student, records the departure and refreshes the teachers'
// student counter. Runs on its own deadline: the request context is
// already dead when we get here.
func (s *Server) disconnect(conn *Conn) {
	conn.Terminate()

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	attrs, ok := s.registry.Remove(conn)
	if !ok {
		return
	}
	s.metrics.ActiveConnections.Add(ctx, -1)

	s.logger.Info("connection removed",
		"conn_id", conn.ID(),
		"session_id", attrs.SessionID,
		"role", string(attrs.Role),
	)

	if attrs.Role != protocol.RoleStudent || !attrs.StudentCounted || attrs.SessionID == "" {
		return
	}
	s.metrics.ActiveStudents.Add(ctx, -1)

	count, err := s.store.StudentLeft(ctx, attrs.SessionID, time.Now(), abandonGraceNote)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("student departure not recorded",
				"session_id", attrs.SessionID, "error", err)
		}
		return
	}

	update := protocol.StudentCountUpdateMessage{
		Type:  protocol.TypeStudentCountUpdate,
		Count: count,
	}
	for _, t := range s.registry.TeachersForSession(attrs.SessionID) {
		if err := t.Peer.Send(ctx, update); err != nil {
			s.logger.Debug("student count update send failed",
				"conn_id", t.Peer.ID(), "error", err)
		}
	}
}
