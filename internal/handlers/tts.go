package handlers

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/observe"
	"github.com/aulavoz/aulavoz/internal/pipeline"
	"github.com/aulavoz/aulavoz/internal/protocol"
	"github.com/aulavoz/aulavoz/pkg/audio"
	"github.com/aulavoz/aulavoz/pkg/provider/tts"
)

const defaultTTSTimeout = 15 * time.Second

// TTSOption configures a [TTS] handler.
type TTSOption func(*TTS)

// WithTTSTimeout bounds each synthesis call.
func WithTTSTimeout(d time.Duration) TTSOption {
	return func(h *TTS) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithTTSTranscoder enables WAV→MP3 normalization of the reply audio.
func WithTTSTranscoder(t *audio.Transcoder) TTSOption {
	return func(h *TTS) { h.transcoder = t }
}

// WithTTSMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithTTSMetrics(m *observe.Metrics) TTSOption {
	return func(h *TTS) { h.metrics = m }
}

// TTS answers tts_request frames with on-demand synthesis of arbitrary
// text, picking the backend from the requester's settings the same way
// the delivery pipeline does.
type TTS struct {
	logger     *slog.Logger
	registry   *broker.Registry
	synths     *pipeline.TTSCatalog
	transcoder *audio.Transcoder
	metrics    *observe.Metrics
	timeout    time.Duration
}

// NewTTS creates the tts_request handler.
func NewTTS(logger *slog.Logger, registry *broker.Registry, synths *pipeline.TTSCatalog, opts ...TTSOption) *TTS {
	h := &TTS{
		logger:   logger,
		registry: registry,
		synths:   synths,
		timeout:  defaultTTSTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Type implements [dispatch.Handler].
func (h *TTS) Type() string { return protocol.TypeTTSRequest }

// Handle implements [dispatch.Handler].
func (h *TTS) Handle(ctx context.Context, peer broker.Peer, env protocol.Envelope) error {
	msg, err := protocol.Payload[protocol.TTSRequestMessage](env)
	if err != nil {
		return err
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.LanguageCode == "" {
		return h.reply(ctx, peer, errorResponse(protocol.CodeInvalidRequest,
			"text and languageCode are required"))
	}

	var settings protocol.ClientSettings
	if attrs, ok := h.registry.Snapshot(peer); ok {
		settings = attrs.Settings
	}

	if settings.UseClientSpeech() || settings.LowLiteracyMode() || settings.TTSServiceType() == pipeline.ServiceBrowser {
		return h.reply(ctx, peer, protocol.TTSResponseMessage{
			Type:            protocol.TypeTTSResponse,
			Status:          "success",
			Text:            text,
			LanguageCode:    msg.LanguageCode,
			TTSServiceType:  pipeline.ServiceBrowser,
			UseClientSpeech: true,
			SpeechParams: &protocol.SpeechParams{
				Type:         protocol.SpeechParamsType,
				Text:         text,
				LanguageCode: msg.LanguageCode,
				AutoPlay:     true,
			},
			Timestamp: time.Now().UnixMilli(),
		})
	}

	prov, name := h.synths.Resolve(settings.TTSServiceType())
	if prov == nil {
		return h.reply(ctx, peer, errorResponse(protocol.CodeTTSFailed,
			"no synthesis backend configured"))
	}

	tctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	res, err := prov.Synthesize(tctx, tts.Request{
		Text:     text,
		Language: msg.LanguageCode,
		Voice:    msg.Voice,
	})
	h.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", name)))
	if err != nil {
		h.logger.Warn("on-demand synthesis failed",
			"conn_id", peer.ID(), "provider", name, "error", err)
		h.metrics.RecordProviderError(ctx, name, "tts")
		return h.reply(ctx, peer, errorResponse(protocol.CodeTTSFailed,
			"speech synthesis failed"))
	}

	data := res.Audio
	if len(data) == 0 {
		return h.reply(ctx, peer, errorResponse(protocol.CodeTTSFailed,
			"speech synthesis produced no audio"))
	}
	if (res.Format == tts.FormatWAV || audio.IsWAV(data)) && h.transcoder != nil {
		if mp3, cerr := h.transcoder.ToMP3(tctx, data); cerr == nil {
			data = mp3
		} else {
			h.logger.Warn("mp3 conversion failed, sending wav",
				"conn_id", peer.ID(), "error", cerr)
		}
	}

	return h.reply(ctx, peer, protocol.TTSResponseMessage{
		Type:           protocol.TypeTTSResponse,
		Status:         "success",
		Text:           text,
		LanguageCode:   msg.LanguageCode,
		TTSServiceType: name,
		AudioData:      audio.EncodePayload(data),
		Timestamp:      time.Now().UnixMilli(),
	})
}

func (h *TTS) reply(ctx context.Context, peer broker.Peer, msg protocol.TTSResponseMessage) error {
	if err := peer.Send(ctx, msg); err != nil {
		h.logger.Debug("tts response not delivered",
			"conn_id", peer.ID(), "error", err)
	}
	return nil
}

func errorResponse(code, message string) protocol.TTSResponseMessage {
	return protocol.TTSResponseMessage{
		Type:      protocol.TypeTTSResponse,
		Status:    "error",
		Error:     &protocol.ErrorDetail{Code: code, Message: message},
		Timestamp: time.Now().UnixMilli(),
	}
}
