package handlers

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/pipeline"
	"github.com/aulavoz/aulavoz/internal/protocol"
	"github.com/aulavoz/aulavoz/pkg/audio"
	"github.com/aulavoz/aulavoz/pkg/provider/stt"
)

const (
	defaultTeacherRetryAttempts = 5
	defaultTeacherRetryDelay    = 100 * time.Millisecond
)

// StudentRequestOption configures a [StudentRequest] handler.
type StudentRequestOption func(*StudentRequest)

// WithTeacherRetry sets how often and how fast delivery retries when no
// teacher is connected at broadcast time.
func WithTeacherRetry(attempts int, delay time.Duration) StudentRequestOption {
	return func(h *StudentRequest) {
		if attempts > 0 {
			h.retryAttempts = attempts
		}
		if delay > 0 {
			h.retryDelay = delay
		}
	}
}

// StudentRequest forwards a student's typed question to the session's
// teachers. Each request gets a routing entry so a private teacher_reply
// can find its way back to exactly this connection.
type StudentRequest struct {
	logger   *slog.Logger
	registry *broker.Registry
	router   *broker.RequestRouter

	retryAttempts int
	retryDelay    time.Duration
}

// NewStudentRequest creates the student_request handler.
func NewStudentRequest(logger *slog.Logger, registry *broker.Registry, router *broker.RequestRouter, opts ...StudentRequestOption) *StudentRequest {
	h := &StudentRequest{
		logger:        logger,
		registry:      registry,
		router:        router,
		retryAttempts: defaultTeacherRetryAttempts,
		retryDelay:    defaultTeacherRetryDelay,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Type implements [dispatch.Handler].
func (h *StudentRequest) Type() string { return protocol.TypeStudentRequest }

// Handle implements [dispatch.Handler].
func (h *StudentRequest) Handle(ctx context.Context, peer broker.Peer, env protocol.Envelope) error {
	msg, err := protocol.Payload[protocol.StudentRequestMessage](env)
	if err != nil {
		return err
	}

	attrs, ok := h.registry.Snapshot(peer)
	if !ok || attrs.Role != protocol.RoleStudent || attrs.SessionID == "" {
		h.logger.Warn("student_request dropped, not a registered student",
			"conn_id", peer.ID())
		return nil
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	return h.relay(ctx, peer, attrs, text, msg.Visibility)
}

// relay runs the request flow shared with student_audio: rate limit,
// requestId assignment, routing registration, teacher broadcast.
func (h *StudentRequest) relay(ctx context.Context, peer broker.Peer, attrs broker.Attributes, text, visibility string) error {
	if !h.registry.AllowStudentRequest(peer) {
		h.logger.Debug("student request rate limited",
			"conn_id", peer.ID(), "session_id", attrs.SessionID)
		limited := protocol.ErrorMessage{
			Type:    protocol.TypeError,
			Code:    protocol.CodeRateLimited,
			Message: "Too many requests. Please wait a moment.",
		}
		if err := peer.Send(ctx, limited); err != nil {
			h.logger.Debug("rate limit notice not delivered",
				"conn_id", peer.ID(), "error", err)
		}
		return nil
	}

	requestID := uuid.NewString()
	h.router.Register(attrs.SessionID, requestID, peer)

	bcast := protocol.StudentRequestBroadcast{
		Type: protocol.TypeStudentRequest,
		Payload: protocol.StudentRequestPayload{
			RequestID:    requestID,
			StudentID:    uuid.NewString(),
			Name:         attrs.Name,
			LanguageCode: attrs.Language,
			Text:         text,
			Visibility:   visibility,
		},
	}
	if !h.broadcastTeachers(ctx, attrs.SessionID, bcast) {
		h.logger.Warn("student request undelivered, no teacher connected",
			"session_id", attrs.SessionID, "request_id", requestID)
	}
	return nil
}

// broadcastTeachers delivers to the session's teachers, re-querying the
// registry between attempts so a teacher mid-reconnect misses at most
// one retry delay.
func (h *StudentRequest) broadcastTeachers(ctx context.Context, sessionID string, v any) bool {
	for attempt := 1; ; attempt++ {
		teachers := h.registry.TeachersForSession(sessionID)
		if len(teachers) > 0 {
			broadcast(ctx, h.logger, teachers, v)
			return true
		}
		if attempt >= h.retryAttempts {
			return false
		}
		select {
		case <-time.After(h.retryDelay):
		case <-ctx.Done():
			return false
		}
	}
}

// TeacherReply answers a student request. Scope "private" routes one
// delivery to the requesting student; any other scope fans out to the
// whole class like a normal translation.
type TeacherReply struct {
	logger   *slog.Logger
	registry *broker.Registry
	router   *broker.RequestRouter
	pipe     *pipeline.Pipeline
}

// NewTeacherReply creates the teacher_reply handler.
func NewTeacherReply(logger *slog.Logger, registry *broker.Registry, router *broker.RequestRouter, pipe *pipeline.Pipeline) *TeacherReply {
	return &TeacherReply{logger: logger, registry: registry, router: router, pipe: pipe}
}

// Type implements [dispatch.Handler].
func (h *TeacherReply) Type() string { return protocol.TypeTeacherReply }

// Handle implements [dispatch.Handler].
func (h *TeacherReply) Handle(ctx context.Context, peer broker.Peer, env protocol.Envelope) error {
	start := time.Now()
	msg, err := protocol.Payload[protocol.TeacherReplyMessage](env)
	if err != nil {
		return err
	}

	attrs, ok := h.registry.Snapshot(peer)
	if !ok || attrs.Role != protocol.RoleTeacher || attrs.SessionID == "" {
		h.logger.Warn("teacher_reply dropped, not a registered teacher",
			"conn_id", peer.ID())
		return nil
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	if msg.Scope == "private" && msg.RequestID != "" {
		h.private(ctx, attrs, msg.RequestID, text, start)
		return nil
	}

	students, languages := h.registry.StudentsForSession(attrs.SessionID)
	h.pipe.SendTranslations(ctx, pipeline.Job{
		SessionID:       attrs.SessionID,
		Text:            text,
		SourceLanguage:  attrs.Language,
		Students:        students,
		TargetLanguages: languages,
		Start:           start,
		Preparation:     time.Since(start),
	})
	return nil
}

// private delivers the reply to the one student who asked. The routing
// entry is consumed on claim, so a second private reply to the same
// requestId is dropped.
func (h *TeacherReply) private(ctx context.Context, attrs broker.Attributes, requestID, text string, start time.Time) {
	student, found := h.router.Claim(attrs.SessionID, requestID)
	if !found {
		h.logger.Warn("private reply dropped, request unknown or already answered",
			"session_id", attrs.SessionID, "request_id", requestID)
		return
	}
	sattrs, ok := h.registry.Snapshot(student)
	if !ok {
		h.logger.Debug("private reply dropped, student disconnected",
			"session_id", attrs.SessionID, "request_id", requestID)
		return
	}

	// One-student fan-out through the regular pipeline so the reply gets
	// the same translation and synthesis treatment as class messages.
	h.pipe.SendTranslations(ctx, pipeline.Job{
		SessionID:       attrs.SessionID,
		Text:            text,
		SourceLanguage:  attrs.Language,
		Students:        []broker.Member{{Peer: student, Attrs: sattrs}},
		TargetLanguages: []string{sattrs.Language},
		Start:           start,
		Preparation:     time.Since(start),
	})
}

// StudentAudio is the spoken form of student_request: decode, recognize,
// then hand the text to the same relay flow.
type StudentAudio struct {
	logger          *slog.Logger
	registry        *broker.Registry
	requests        *StudentRequest
	rec             recognizer
	minBufferLength int
}

// StudentAudioOption configures a [StudentAudio] handler.
type StudentAudioOption func(*StudentAudio)

// WithStudentSTTTimeout bounds each recognition call.
func WithStudentSTTTimeout(d time.Duration) StudentAudioOption {
	return func(h *StudentAudio) {
		if d > 0 {
			h.rec.timeout = d
		}
	}
}

// WithStudentSTTName sets the provider label used in recognition metrics.
func WithStudentSTTName(name string) StudentAudioOption {
	return func(h *StudentAudio) {
		if name != "" {
			h.rec.label = name
		}
	}
}

// WithStudentMinBuffer sets the minimum decoded buffer length for a
// chunk to reach recognition.
func WithStudentMinBuffer(n int) StudentAudioOption {
	return func(h *StudentAudio) {
		if n > 0 {
			h.minBufferLength = n
		}
	}
}

// NewStudentAudio creates the student_audio handler. provider may be nil
// when no STT backend is configured.
func NewStudentAudio(logger *slog.Logger, registry *broker.Registry, provider stt.Provider, requests *StudentRequest, opts ...StudentAudioOption) *StudentAudio {
	h := &StudentAudio{
		logger:          logger,
		registry:        registry,
		requests:        requests,
		rec:             recognizer{provider: provider},
		minBufferLength: defaultMinBufferLength,
	}
	for _, o := range opts {
		o(h)
	}
	h.rec = h.rec.defaulted()
	return h
}

// Type implements [dispatch.Handler].
func (h *StudentAudio) Type() string { return protocol.TypeStudentAudio }

// Handle implements [dispatch.Handler].
func (h *StudentAudio) Handle(ctx context.Context, peer broker.Peer, env protocol.Envelope) error {
	msg, err := protocol.Payload[protocol.StudentAudioMessage](env)
	if err != nil {
		return err
	}

	attrs, ok := h.registry.Snapshot(peer)
	if !ok || attrs.Role != protocol.RoleStudent || attrs.SessionID == "" {
		h.logger.Warn("student_audio dropped, not a registered student",
			"conn_id", peer.ID())
		return nil
	}
	if h.rec.provider == nil {
		h.logger.Warn("student_audio dropped, no speech recognition configured",
			"conn_id", peer.ID())
		return nil
	}

	data, mimeType, err := audio.DecodePayload(msg.Data)
	if err != nil {
		h.logger.Warn("student audio decode",
			"conn_id", peer.ID(), "error", err)
		return nil
	}
	if len(data) < h.minBufferLength {
		return nil
	}

	text, err := h.rec.transcribe(ctx, data, mimeType, attrs.Language)
	if err != nil {
		h.logger.Warn("student recognition failed",
			"conn_id", peer.ID(),
			"session_id", attrs.SessionID,
			"error", err)
		return nil
	}
	if text == "" {
		return nil
	}
	return h.requests.relay(ctx, peer, attrs, text, msg.Visibility)
}

// ComprehensionSignal relays a student's pulse to the teachers untouched
// and, when an aggregator is wired, turns sustained confusion into an
// ace_hint for teachers who opted in.
type ComprehensionSignal struct {
	logger   *slog.Logger
	registry *broker.Registry
	ace      *Aggregator // nil → relay only
}

// NewComprehensionSignal creates the comprehension_signal handler.
func NewComprehensionSignal(logger *slog.Logger, registry *broker.Registry, ace *Aggregator) *ComprehensionSignal {
	return &ComprehensionSignal{logger: logger, registry: registry, ace: ace}
}

// Type implements [dispatch.Handler].
func (h *ComprehensionSignal) Type() string { return protocol.TypeComprehensionSignal }

// Handle implements [dispatch.Handler].
func (h *ComprehensionSignal) Handle(ctx context.Context, peer broker.Peer, env protocol.Envelope) error {
	msg, err := protocol.Payload[protocol.ComprehensionSignalMessage](env)
	if err != nil {
		return err
	}

	attrs, ok := h.registry.Snapshot(peer)
	if !ok || attrs.Role != protocol.RoleStudent || attrs.SessionID == "" {
		h.logger.Warn("comprehension_signal dropped, not a registered student",
			"conn_id", peer.ID())
		return nil
	}
	if strings.TrimSpace(msg.Signal) == "" {
		return nil
	}

	teachers := h.registry.TeachersForSession(attrs.SessionID)
	relay := protocol.ComprehensionSignalMessage{
		Type:      protocol.TypeComprehensionSignal,
		Signal:    msg.Signal,
		Timestamp: msg.Timestamp,
	}
	broadcast(ctx, h.logger, teachers, relay)

	if h.ace == nil {
		return nil
	}
	now := time.Now()
	signal := strings.ToLower(strings.TrimSpace(msg.Signal))
	count, fire := h.ace.Observe(attrs.SessionID, peer.ID(), signal, now)
	if !fire {
		return nil
	}

	hint := protocol.ACEHintMessage{
		Type:          protocol.TypeACEHint,
		Hint:          "Multiple students are signaling confusion. Consider rephrasing or slowing down.",
		SignalCount:   count,
		WindowSeconds: int(h.ace.Window() / time.Second),
		Timestamp:     now.UnixMilli(),
	}
	for _, t := range teachers {
		if !t.Attrs.Settings.ACEEnabled() {
			continue
		}
		if err := t.Peer.Send(ctx, hint); err != nil {
			h.logger.Debug("ace hint not delivered",
				"conn_id", t.Peer.ID(), "error", err)
		}
	}
	h.logger.Info("comprehension hint emitted",
		"session_id", attrs.SessionID,
		"signal_count", count)
	return nil
}
