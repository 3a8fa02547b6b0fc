package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/protocol"
)

// Settings updates a connection's stored settings and echoes the merged
// result. Teacher mode changes are broadcast to the session's students.
type Settings struct {
	logger   *slog.Logger
	registry *broker.Registry
}

// NewSettings creates the settings handler.
func NewSettings(logger *slog.Logger, registry *broker.Registry) *Settings {
	return &Settings{logger: logger, registry: registry}
}

// Type implements [dispatch.Handler].
func (h *Settings) Type() string { return protocol.TypeSettings }

// Handle implements [dispatch.Handler].
func (h *Settings) Handle(ctx context.Context, peer broker.Peer, env protocol.Envelope) error {
	msg, err := protocol.Payload[protocol.SettingsMessage](env)
	if err != nil {
		return err
	}

	merged := applySettings(h.registry, peer, msg.TTSServiceType, msg.Settings)
	if merged == nil {
		return nil
	}

	ack := protocol.SettingsAck{
		Type:     protocol.TypeSettings,
		Status:   "success",
		Settings: merged,
	}
	if err := peer.Send(ctx, ack); err != nil {
		return fmt.Errorf("handlers: settings ack: %w", err)
	}

	// Only a teacher's mode steers the class.
	attrs, ok := h.registry.Snapshot(peer)
	if !ok || attrs.Role != protocol.RoleTeacher {
		return nil
	}
	students, _ := h.registry.StudentsForSession(attrs.SessionID)
	broadcast(ctx, h.logger, students, protocol.TeacherModeMessage{
		Type: protocol.TypeTeacherMode,
		Mode: merged.TranslationMode(),
	})
	return nil
}
