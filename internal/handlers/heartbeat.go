package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aulavoz/aulavoz/internal/broker"
	"github.com/aulavoz/aulavoz/internal/protocol"
)

// Ping answers application-level pings. Any heartbeat frame marks the
// connection alive for the health monitor.
type Ping struct {
	logger   *slog.Logger
	registry *broker.Registry
}

// NewPing creates the ping handler.
func NewPing(logger *slog.Logger, registry *broker.Registry) *Ping {
	return &Ping{logger: logger, registry: registry}
}

// Type implements [dispatch.Handler].
func (h *Ping) Type() string { return protocol.TypePing }

// Handle implements [dispatch.Handler].
func (h *Ping) Handle(ctx context.Context, peer broker.Peer, env protocol.Envelope) error {
	msg, err := protocol.Payload[protocol.PingMessage](env)
	if err != nil {
		return err
	}
	h.registry.SetAlive(peer, true)

	pong := protocol.PongMessage{
		Type:              protocol.TypePong,
		Timestamp:         time.Now().UnixMilli(),
		OriginalTimestamp: msg.Timestamp,
	}
	if err := peer.Send(ctx, pong); err != nil {
		return fmt.Errorf("handlers: pong reply: %w", err)
	}
	return nil
}

// Pong absorbs replies to server-initiated pings.
type Pong struct {
	registry *broker.Registry
}

// NewPong creates the pong handler.
func NewPong(registry *broker.Registry) *Pong {
	return &Pong{registry: registry}
}

// Type implements [dispatch.Handler].
func (h *Pong) Type() string { return protocol.TypePong }

// Handle implements [dispatch.Handler].
func (h *Pong) Handle(_ context.Context, peer broker.Peer, _ protocol.Envelope) error {
	h.registry.SetAlive(peer, true)
	return nil
}
