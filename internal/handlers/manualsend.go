package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/pipeline"
	"github.com/aulavoz/aulavoz/internal/protocol"
)

// ManualSend releases a reviewed transcription to the class. Teachers in
// manual mode collect recognition echoes, edit them if needed, and send
// the final text through here.
type ManualSend struct {
	logger   *slog.Logger
	registry *broker.Registry
	pipe     *pipeline.Pipeline
}

// NewManualSend creates the send_translation handler.
func NewManualSend(logger *slog.Logger, registry *broker.Registry, pipe *pipeline.Pipeline) *ManualSend {
	return &ManualSend{logger: logger, registry: registry, pipe: pipe}
}

// Type implements [dispatch.Handler].
func (h *ManualSend) Type() string { return protocol.TypeSendTranslation }

// Handle implements [dispatch.Handler].
func (h *ManualSend) Handle(ctx context.Context, peer broker.Peer, env protocol.Envelope) error {
	start := time.Now()
	msg, err := protocol.Payload[protocol.SendTranslationMessage](env)
	if err != nil {
		return err
	}

	attrs, ok := h.registry.Snapshot(peer)
	if !ok || attrs.Role != protocol.RoleTeacher || attrs.SessionID == "" {
		h.logger.Warn("send_translation dropped, not a registered teacher",
			"conn_id", peer.ID())
		return nil
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return h.ack(ctx, peer, "error", "text is required")
	}

	students, languages := h.registry.StudentsForSession(attrs.SessionID)
	if len(students) == 0 {
		return h.ack(ctx, peer, "error", "no students connected")
	}

	delivered := h.pipe.SendTranslations(ctx, pipeline.Job{
		SessionID:       attrs.SessionID,
		Text:            text,
		SourceLanguage:  attrs.Language,
		Students:        students,
		TargetLanguages: languages,
		Start:           start,
		Preparation:     time.Since(start),
	})
	return h.ack(ctx, peer, "ok", fmt.Sprintf("delivered to %d students", delivered))
}

func (h *ManualSend) ack(ctx context.Context, peer broker.Peer, status, message string) error {
	ack := protocol.ManualSendAck{
		Type:    protocol.TypeManualSendAck,
		Status:  status,
		Message: message,
	}
	if err := peer.Send(ctx, ack); err != nil {
		h.logger.Debug("manual send ack not delivered",
			"conn_id", peer.ID(), "error", err)
	}
	return nil
}
