package handlers_test

import (
	"context"
	"testing"

	"github.com/aulavoz/aulavoz/internal/handlers"
	"github.com/aulavoz/aulavoz/internal/protocol"
)

func TestPingAnswersPongAndMarksAlive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newClassroom()
	h := handlers.NewPing(discard(), c.registry)

	peer := c.connect("p1", "sess-1")
	c.registry.SetAlive(peer, false)

	if err := h.Handle(ctx, peer, env(t, `{"type":"ping","timestamp":1234}`)); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	pongs := ofType[protocol.PongMessage](peer.sentMessages())
	if len(pongs) != 1 {
		t.Fatalf("got %d pongs, want 1", len(pongs))
	}
	if pongs[0].OriginalTimestamp != 1234 {
		t.Errorf("OriginalTimestamp = %d, want 1234", pongs[0].OriginalTimestamp)
	}
	if pongs[0].Timestamp == 0 {
		t.Error("Timestamp = 0, want server clock")
	}

	attrs, _ := c.registry.Snapshot(peer)
	if !attrs.Alive {
		t.Error("connection not marked alive after ping")
	}
}

func TestPongMarksAliveSilently(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newClassroom()
	h := handlers.NewPong(c.registry)

	peer := c.connect("p1", "sess-1")
	c.registry.SetAlive(peer, false)

	if err := h.Handle(ctx, peer, env(t, `{"type":"pong"}`)); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	if got := len(peer.sentMessages()); got != 0 {
		t.Errorf("pong triggered %d replies, want 0", got)
	}
	attrs, _ := c.registry.Snapshot(peer)
	if !attrs.Alive {
		t.Error("connection not marked alive after pong")
	}
}
