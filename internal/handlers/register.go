package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/observe"
	"github.com/aulavoz/aulavoz/internal/protocol"
	"github.com/aulavoz/aulavoz/internal/store"
)

const (
	defaultReconnectGrace    = 5 * time.Minute
	defaultInvalidCloseDelay = 100 * time.Millisecond
)

// RegisterOption configures a [Register] handler.
type RegisterOption func(*Register)

// WithReconnectGrace sets how long after its last activity an ended
// session can still be reactivated by its returning teacher.
func WithReconnectGrace(d time.Duration) RegisterOption {
	return func(h *Register) {
		if d > 0 {
			h.reconnectGrace = d
		}
	}
}

// WithInvalidCloseDelay sets the pause between the INVALID_CLASSROOM
// frame and the 1008 close.
func WithInvalidCloseDelay(d time.Duration) RegisterOption {
	return func(h *Register) {
		if d > 0 {
			h.invalidCloseDelay = d
		}
	}
}

// WithRegisterMetrics overrides the metrics sink.
func WithRegisterMetrics(m *observe.Metrics) RegisterOption {
	return func(h *Register) {
		if m != nil {
			h.metrics = m
		}
	}
}

// Register binds a connection to its role. Teachers may resume an
// earlier session through their stable teacher id; students join
// through a classroom code. Roles lock on first registration.
type Register struct {
	logger    *slog.Logger
	registry  *broker.Registry
	store     store.Store
	directory *broker.Directory
	metrics   *observe.Metrics

	reconnectGrace    time.Duration
	invalidCloseDelay time.Duration
}

// NewRegister creates the register handler.
func NewRegister(logger *slog.Logger, registry *broker.Registry, st store.Store, directory *broker.Directory, opts ...RegisterOption) *Register {
	h := &Register{
		logger:            logger,
		registry:          registry,
		store:             st,
		directory:         directory,
		metrics:           observe.DefaultMetrics(),
		reconnectGrace:    defaultReconnectGrace,
		invalidCloseDelay: defaultInvalidCloseDelay,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Type implements [dispatch.Handler].
func (h *Register) Type() string { return protocol.TypeRegister }

// Handle implements [dispatch.Handler].
func (h *Register) Handle(ctx context.Context, peer broker.Peer, env protocol.Envelope) error {
	msg, err := protocol.Payload[protocol.RegisterMessage](env)
	if err != nil {
		return err
	}
	switch msg.Role {
	case protocol.RoleTeacher:
		return h.registerTeacher(ctx, peer, msg)
	case protocol.RoleStudent:
		return h.registerStudent(ctx, peer, msg)
	default:
		h.logger.Warn("register with unknown role",
			"conn_id", peer.ID(), "role", string(msg.Role))
		return nil
	}
}

// lockRole claims the role for the connection. A locked conflict or an
// unknown connection both end the registration silently.
func (h *Register) lockRole(peer broker.Peer, role protocol.Role) bool {
	ok, err := h.registry.SetRole(peer, role)
	if errors.Is(err, broker.ErrRoleLocked) {
		h.logger.Warn("register rejected, role locked",
			"conn_id", peer.ID(), "requested_role", string(role))
		return false
	}
	return ok
}

// ─────────────────────────────────────────────────────────────────────────────
// Teacher path
// ─────────────────────────────────────────────────────────────────────────────

func (h *Register) registerTeacher(ctx context.Context, peer broker.Peer, msg protocol.RegisterMessage) error {
	if !h.lockRole(peer, protocol.RoleTeacher) {
		return nil
	}
	h.registry.SetLanguage(peer, msg.LanguageCode)
	if msg.TeacherID != "" {
		h.registry.SetTeacherID(peer, msg.TeacherID)
	}
	settings := applySettings(h.registry, peer, msg.TTSServiceType, msg.Settings)

	sessionID, ok := h.registry.SessionOf(peer)
	if !ok {
		return nil
	}

	now := time.Now()
	sessionID = h.resolveTeacherSession(ctx, peer, sessionID, msg, now)

	sess, err := h.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		sess = store.Session{
			ID:              sessionID,
			TeacherID:       msg.TeacherID,
			TeacherLanguage: msg.LanguageCode,
			StartTime:       now,
			IsActive:        true,
		}
		if cerr := h.store.CreateSession(ctx, sess); cerr != nil && !errors.Is(cerr, store.ErrDuplicateID) {
			h.logger.Error("create session row",
				"session_id", sessionID, "error", cerr)
		} else {
			h.metrics.ActiveSessions.Add(ctx, 1)
		}
	} else if err != nil {
		h.logger.Error("load session row",
			"session_id", sessionID, "error", err)
	}

	code, expiresAt := h.authoritativeCode(ctx, sessionID, sess.ClassCode)
	if code != "" {
		h.registry.SetClassroomCode(peer, code)
	}

	ack := protocol.RegisterAck{
		Type:   protocol.TypeRegister,
		Status: "success",
		Data: protocol.RegisterAckData{
			Role:         protocol.RoleTeacher,
			LanguageCode: msg.LanguageCode,
			Settings:     settings,
		},
	}
	if err := peer.Send(ctx, ack); err != nil {
		return fmt.Errorf("handlers: register ack: %w", err)
	}
	if code != "" {
		cm := protocol.ClassroomCodeMessage{
			Type:      protocol.TypeClassroomCode,
			Code:      code,
			SessionID: sessionID,
			ExpiresAt: expiresAt.UnixMilli(),
		}
		if err := peer.Send(ctx, cm); err != nil {
			return fmt.Errorf("handlers: classroom code: %w", err)
		}
	}

	h.logger.Info("teacher registered",
		"conn_id", peer.ID(),
		"session_id", sessionID,
		"language", msg.LanguageCode,
		"classroom_code", code)
	return nil
}

// resolveTeacherSession migrates the connection onto an existing session
// when the teacher is reconnecting: an active session under the same
// teacher id wins, then a recently ended one within the grace window
// (reactivated), then, for clients without a stable id, an active
// session with the same teacher language. Lookup failures keep the
// accept-assigned session id.
func (h *Register) resolveTeacherSession(ctx context.Context, peer broker.Peer, current string, msg protocol.RegisterMessage, now time.Time) string {
	var (
		target     store.Session
		err        error
		reactivate bool
	)
	switch {
	case msg.TeacherID != "":
		target, err = h.store.FindActiveByTeacherID(ctx, msg.TeacherID)
		if errors.Is(err, store.ErrNotFound) {
			target, err = h.store.FindRecentInactiveByTeacherID(ctx, msg.TeacherID, now.Add(-h.reconnectGrace))
			reactivate = err == nil
		}
	case msg.LanguageCode != "":
		target, err = h.store.FindActiveByTeacherLanguage(ctx, msg.LanguageCode)
	default:
		return current
	}
	if errors.Is(err, store.ErrNotFound) {
		return current
	}
	if err != nil {
		h.logger.Error("teacher reconnect lookup",
			"conn_id", peer.ID(), "error", err)
		return current
	}
	if target.ID == current {
		return current
	}

	if reactivate {
		if rerr := h.store.ReactivateSession(ctx, target.ID, now); rerr != nil {
			h.logger.Error("reactivate session",
				"session_id", target.ID, "error", rerr)
			return current
		}
		h.metrics.ActiveSessions.Add(ctx, 1)
	}

	h.directory.ClearSession(current)
	h.registry.UpdateSessionID(peer, target.ID)
	if terr := h.store.TouchActivity(ctx, target.ID, now); terr != nil && !errors.Is(terr, store.ErrNotFound) {
		h.logger.Error("touch reconnected session",
			"session_id", target.ID, "error", terr)
	}

	h.logger.Info("teacher reconnected",
		"conn_id", peer.ID(),
		"session_id", target.ID,
		"previous_session_id", current,
		"reactivated", reactivate)
	return target.ID
}

// authoritativeCode restores the row's persisted code into the
// directory, or issues a fresh one and persists it. The persisted code
// wins so students holding the old code can still join after a teacher
// reconnect.
func (h *Register) authoritativeCode(ctx context.Context, sessionID, persisted string) (string, time.Time) {
	if persisted != "" {
		cc := h.directory.Restore(persisted, sessionID)
		return cc.Code, cc.ExpiresAt
	}

	cc, err := h.directory.Generate(sessionID)
	if err != nil {
		h.logger.Error("generate classroom code",
			"session_id", sessionID, "error", err)
		return "", time.Time{}
	}
	if uerr := h.store.UpdateClassCode(ctx, sessionID, cc.Code); uerr != nil && !errors.Is(uerr, store.ErrNotFound) {
		h.logger.Error("persist classroom code",
			"session_id", sessionID, "error", uerr)
	}
	return cc.Code, cc.ExpiresAt
}

// ─────────────────────────────────────────────────────────────────────────────
// Student path
// ─────────────────────────────────────────────────────────────────────────────

func (h *Register) registerStudent(ctx context.Context, peer broker.Peer, msg protocol.RegisterMessage) error {
	attrs, ok := h.registry.Snapshot(peer)
	if !ok {
		return nil
	}

	// The code may arrive in the register payload or as an upgrade query
	// parameter recorded at accept.
	code := strings.ToUpper(strings.TrimSpace(msg.ClassroomCode))
	if code == "" {
		code = attrs.ClassroomCode
	}

	if code != "" && !h.directory.IsValid(code) {
		h.logger.Info("student join rejected, invalid classroom code",
			"conn_id", peer.ID(), "classroom_code", code)
		reject := protocol.ErrorMessage{
			Type:    protocol.TypeError,
			Code:    protocol.CodeInvalidClassroom,
			Message: "Invalid or expired classroom code.",
		}
		if err := peer.Send(ctx, reject); err != nil {
			h.logger.Debug("rejection notice not delivered",
				"conn_id", peer.ID(), "error", err)
		}
		peer.CloseAfter(h.invalidCloseDelay, broker.ClosePolicyViolation, "invalid classroom code")
		return nil
	}

	if !h.lockRole(peer, protocol.RoleStudent) {
		return nil
	}
	h.registry.SetLanguage(peer, msg.LanguageCode)
	if msg.Name != "" {
		h.registry.SetName(peer, msg.Name)
	}
	settings := applySettings(h.registry, peer, msg.TTSServiceType, msg.Settings)

	sessionID := attrs.SessionID
	if code != "" {
		if sid, found := h.directory.SessionFor(code); found && sid != sessionID {
			h.registry.UpdateSessionID(peer, sid)
			sessionID = sid
		}
		h.registry.SetClassroomCode(peer, code)
	}

	now := time.Now()
	count := h.countStudent(ctx, peer, sessionID, msg.LanguageCode, code, now)

	ack := protocol.RegisterAck{
		Type:   protocol.TypeRegister,
		Status: "success",
		Data: protocol.RegisterAckData{
			Role:         protocol.RoleStudent,
			LanguageCode: msg.LanguageCode,
			Settings:     settings,
		},
	}
	if err := peer.Send(ctx, ack); err != nil {
		return fmt.Errorf("handlers: register ack: %w", err)
	}

	teachers := h.registry.TeachersForSession(sessionID)
	broadcast(ctx, h.logger, teachers, protocol.StudentJoinedMessage{
		Type: protocol.TypeStudentJoined,
		Payload: protocol.StudentJoinedPayload{
			StudentID:    uuid.NewString(),
			Name:         msg.Name,
			LanguageCode: msg.LanguageCode,
		},
	})

	// A manual-mode classroom greets the joiner with the mode so the
	// client does not wait for automatic translations.
	if len(teachers) > 0 && teachers[0].Attrs.Settings.TranslationMode() == protocol.TranslationModeManual {
		mode := protocol.TeacherModeMessage{Type: protocol.TypeTeacherMode, Mode: protocol.TranslationModeManual}
		if err := peer.Send(ctx, mode); err != nil {
			h.logger.Debug("teacher mode notice not delivered",
				"conn_id", peer.ID(), "error", err)
		}
	}

	if count >= 0 {
		broadcast(ctx, h.logger, teachers, protocol.StudentCountUpdateMessage{
			Type:  protocol.TypeStudentCountUpdate,
			Count: count,
		})
	}

	h.logger.Info("student joined",
		"conn_id", peer.ID(),
		"session_id", sessionID,
		"language", msg.LanguageCode,
		"students", count)
	return nil
}

// countStudent idempotently adds the student to the session row,
// creating the row when no teacher has registered yet. Returns the new
// student count, or -1 when the store could not answer.
func (h *Register) countStudent(ctx context.Context, peer broker.Peer, sessionID, language, code string, now time.Time) int {
	if !h.registry.MarkStudentCounted(peer) {
		// Re-register on the same connection; the count is unchanged.
		if language != "" {
			if serr := h.store.SetStudentLanguage(ctx, sessionID, language); serr != nil && !errors.Is(serr, store.ErrNotFound) {
				h.logger.Error("record student language",
					"session_id", sessionID, "error", serr)
			}
		}
		if sess, err := h.store.GetSession(ctx, sessionID); err == nil {
			return sess.StudentsCount
		}
		return -1
	}
	h.metrics.ActiveStudents.Add(ctx, 1)

	count, err := h.store.StudentJoined(ctx, sessionID, language, code, now)
	if errors.Is(err, store.ErrNotFound) {
		create := store.Session{
			ID:              sessionID,
			ClassCode:       code,
			StudentLanguage: language,
			StartTime:       now,
			IsActive:        true,
		}
		if cerr := h.store.CreateSession(ctx, create); cerr != nil && !errors.Is(cerr, store.ErrDuplicateID) {
			h.logger.Error("create session row",
				"session_id", sessionID, "error", cerr)
			return -1
		} else if cerr == nil {
			h.metrics.ActiveSessions.Add(ctx, 1)
		}
		count, err = h.store.StudentJoined(ctx, sessionID, language, code, now)
	}
	if err != nil {
		h.logger.Error("count student join",
			"session_id", sessionID, "error", err)
		return -1
	}
	return count
}
