package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/pipeline"
	"github.com/aulavoz/aulavoz/internal/protocol"
	"github.com/aulavoz/aulavoz/internal/store"
)

// Transcription fans a teacher's already-transcribed text out to the
// class. In manual mode the text is echoed back instead, and the
// teacher releases it later with send_translation.
type Transcription struct {
	logger   *slog.Logger
	registry *broker.Registry
	store    store.Store
	pipe     *pipeline.Pipeline
}

// NewTranscription creates the transcription handler.
func NewTranscription(logger *slog.Logger, registry *broker.Registry, st store.Store, pipe *pipeline.Pipeline) *Transcription {
	return &Transcription{logger: logger, registry: registry, store: st, pipe: pipe}
}

// Type implements [dispatch.Handler].
func (h *Transcription) Type() string { return protocol.TypeTranscription }

// Handle implements [dispatch.Handler].
func (h *Transcription) Handle(ctx context.Context, peer broker.Peer, env protocol.Envelope) error {
	start := time.Now()
	msg, err := protocol.Payload[protocol.TranscriptionMessage](env)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	attrs, ok := h.registry.Snapshot(peer)
	if !ok || attrs.Role != protocol.RoleTeacher || attrs.SessionID == "" {
		h.logger.Warn("transcription dropped, not a registered teacher",
			"conn_id", peer.ID())
		return nil
	}

	if err := h.store.IncrementTranscripts(ctx, attrs.SessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("increment transcript counter",
			"session_id", attrs.SessionID, "error", err)
	}

	if attrs.Settings.TranslationMode() == protocol.TranslationModeManual {
		echo := protocol.TranscriptionEcho{
			Type:      protocol.TypeTranscription,
			Text:      text,
			IsFinal:   true,
			Timestamp: time.Now().UnixMilli(),
		}
		if err := peer.Send(ctx, echo); err != nil {
			return fmt.Errorf("handlers: transcription echo: %w", err)
		}
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
