package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/observe"
	"github.com/aulavoz/aulavoz/internal/pipeline"
	"github.com/aulavoz/aulavoz/internal/protocol"
	"github.com/aulavoz/aulavoz/internal/store"
	"github.com/aulavoz/aulavoz/pkg/audio"
	"github.com/aulavoz/aulavoz/pkg/provider/stt"
)

const (
	defaultInterimGap      = 400 * time.Millisecond
	defaultMinDataLength   = 100
	defaultMinBufferLength = 100
	defaultSTTTimeout      = 15 * time.Second
)

// AudioOption configures an [Audio] handler.
type AudioOption func(*Audio)

// WithInterim enables interim-chunk recognition with the given minimum
// gap between interim transcriptions per connection.
func WithInterim(enabled bool, gap time.Duration) AudioOption {
	return func(h *Audio) {
		h.interimEnabled = enabled
		if gap > 0 {
			h.interimGap = gap
		}
	}
}

// WithMinAudioLengths sets the minimum base64 payload length and the
// minimum decoded buffer length for a chunk to reach recognition.
func WithMinAudioLengths(data, buffer int) AudioOption {
	return func(h *Audio) {
		if data > 0 {
			h.minDataLength = data
		}
		if buffer > 0 {
			h.minBufferLength = buffer
		}
	}
}

// WithSTTTimeout bounds each recognition call.
func WithSTTTimeout(d time.Duration) AudioOption {
	return func(h *Audio) {
		if d > 0 {
			h.rec.timeout = d
		}
	}
}

// WithSTTName sets the provider label used in recognition metrics.
func WithSTTName(name string) AudioOption {
	return func(h *Audio) {
		if name != "" {
			h.rec.label = name
		}
	}
}

// WithAudioMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithAudioMetrics(m *observe.Metrics) AudioOption {
	return func(h *Audio) { h.rec.metrics = m }
}

// recognizer binds an STT provider to the deadline and metrics every
// recognition call applies. Shared by the teacher and student audio
// handlers.
type recognizer struct {
	provider stt.Provider
	timeout  time.Duration
	label    string
	metrics  *observe.Metrics
}

func (r recognizer) defaulted() recognizer {
	if r.timeout <= 0 {
		r.timeout = defaultSTTTimeout
	}
	if r.label == "" {
		r.label = "stt"
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// transcribe runs one recognition call with the configured deadline.
func (r recognizer) transcribe(ctx context.Context, data []byte, mimeType, language string) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	res, err := r.provider.Transcribe(tctx, stt.Request{
		Audio:    data,
		MIMEType: mimeType,
		Language: language,
	})
	r.metrics.STTDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", r.label)))
	if err != nil {
		r.metrics.RecordProviderError(ctx, r.label, "stt")
		return "", err
	}
	return strings.TrimSpace(res.Text), nil
}

// Audio handles teacher microphone chunks. Interim chunks feed the live
// caption echo under a per-connection throttle; final chunks run speech
// recognition and fan the result out like a transcription message.
type Audio struct {
	logger   *slog.Logger
	registry *broker.Registry
	store    store.Store
	pipe     *pipeline.Pipeline
	rec      recognizer

	interimEnabled  bool
	interimGap      time.Duration
	minDataLength   int
	minBufferLength int
}

// NewAudio creates the audio handler. provider may be nil when no STT
// backend is configured; audio frames are then dropped with a warning.
func NewAudio(logger *slog.Logger, registry *broker.Registry, st store.Store, provider stt.Provider, pipe *pipeline.Pipeline, opts ...AudioOption) *Audio {
	h := &Audio{
		logger:          logger,
		registry:        registry,
		store:           st,
		pipe:            pipe,
		rec:             recognizer{provider: provider},
		interimGap:      defaultInterimGap,
		minDataLength:   defaultMinDataLength,
		minBufferLength: defaultMinBufferLength,
	}
	for _, o := range opts {
		o(h)
	}
	h.rec = h.rec.defaulted()
	return h
}

// Type implements [dispatch.Handler].
func (h *Audio) Type() string { return protocol.TypeAudio }

// Handle implements [dispatch.Handler].
func (h *Audio) Handle(ctx context.Context, peer broker.Peer, env protocol.Envelope) error {
	start := time.Now()
	msg, err := protocol.Payload[protocol.AudioMessage](env)
	if err != nil {
		return err
	}

	attrs, ok := h.registry.Snapshot(peer)
	if !ok || attrs.Role != protocol.RoleTeacher || attrs.SessionID == "" {
		h.logger.Warn("audio dropped, not a registered teacher",
			"conn_id", peer.ID())
		return nil
	}
	if h.rec.provider == nil {
		h.logger.Warn("audio dropped, no speech recognition configured",
			"conn_id", peer.ID())
		return nil
	}

	if !msg.Final() {
		h.interim(ctx, peer, attrs, msg)
		return nil
	}

	if len(msg.Data) < h.minDataLength {
		return nil
	}
	data, mimeType, err := audio.DecodePayload(msg.Data)
	if err != nil {
		h.logger.Warn("audio payload decode",
			"conn_id", peer.ID(), "error", err)
		return nil
	}
	if len(data) < h.minBufferLength {
		return nil
	}

	text, err := h.rec.transcribe(ctx, data, mimeType, attrs.Language)
	if err != nil {
		h.logger.Warn("recognition failed",
			"conn_id", peer.ID(),
			"session_id", attrs.SessionID,
			"error", err)
		return nil
	}
	if text == "" {
		// No speech in the chunk.
		return nil
	}

	if err := h.store.IncrementTranscripts(ctx, attrs.SessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("increment transcript counter",
			"session_id", attrs.SessionID, "error", err)
	}

	// The teacher always sees what was recognized, in auto and manual
	// mode alike.
	echo := protocol.TranscriptionEcho{
		Type:      protocol.TypeTranscription,
		Text:      text,
		IsFinal:   true,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := peer.Send(ctx, echo); err != nil {
		h.logger.Debug("recognition echo not delivered",
			"conn_id", peer.ID(), "error", err)
	}

	if attrs.Settings.TranslationMode() == protocol.TranslationModeManual {
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

// interim echoes a partial recognition back to the speaking teacher.
// Nothing here reaches students, and every failure is a silent drop;
// the next chunk supersedes this one within half a second anyway.
func (h *Audio) interim(ctx context.Context, peer broker.Peer, attrs broker.Attributes, msg protocol.AudioMessage) {
	if !h.interimEnabled {
		return
	}
	if !h.registry.InterimAllowed(peer, time.Now(), h.interimGap) {
		return
	}

	data, _, err := audio.DecodePayload(msg.Data)
	if err != nil || len(data) < h.minBufferLength {
		return
	}

	text, err := h.rec.transcribe(ctx, data, "", attrs.Language)
	if err != nil || text == "" {
		return
	}

	echo := protocol.TranscriptionEcho{
		Type:      protocol.TypeTranscription,
		Text:      text,
		IsFinal:   false,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := peer.Send(ctx, echo); err != nil {
		h.logger.Debug("interim echo not delivered",
			"conn_id", peer.ID(), "error", err)
	}
}
