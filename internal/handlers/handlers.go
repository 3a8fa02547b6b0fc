// Package handlers implements the per-message-type handlers the
// dispatcher routes to: registration, settings, heartbeat, the
// transcription and audio ingestion paths, on-demand synthesis, manual
// fan-out, and the two-way student channel.
//
// Handlers share no state beyond the broker, store and pipeline they
// are constructed with. Feature gating happens at wiring time: a
// disabled feature's handler is simply never registered, and the
// dispatcher reports its type as unknown.
package handlers

import (
	"context"
	"log/slog"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/protocol"
)

// broadcast sends v to every member, logging failed sends without
// interrupting the rest. Delivery here is best-effort; members with a
// dead socket are cleaned up by their own read loop.
func broadcast(ctx context.Context, logger *slog.Logger, members []broker.Member, v any) {
	for _, m := range members {
		if err := m.Peer.Send(ctx, v); err != nil {
			logger.Debug("broadcast send failed",
				"conn_id", m.Peer.ID(), "error", err)
		}
	}
}

// applySettings merges a legacy top-level ttsServiceType and a settings
// object into the connection's stored settings; the object wins on
// conflict. translationMode is stored normalized so echoes and
// broadcasts agree with the typed accessor. Returns nil when the
// connection is no longer registered.
func applySettings(r *broker.Registry, peer broker.Peer, legacyTTS string, s protocol.ClientSettings) protocol.ClientSettings {
	incoming := protocol.ClientSettings{}
	if legacyTTS != "" {
		incoming[protocol.SettingTTSServiceType] = legacyTTS
	}
	for k, v := range s {
		incoming[k] = v
	}
	if _, ok := incoming[protocol.SettingTranslationMode]; ok {
		incoming[protocol.SettingTranslationMode] = incoming.TranslationMode()
	}
	merged, ok := r.MergeSettings(peer, incoming)
	if !ok {
		return nil
	}
	return merged
}
