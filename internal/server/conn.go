package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/aulavoz/aulavoz/internal/broker"
)

// Conn adapts one accepted WebSocket to the [broker.Peer] interface: a
// stable connection id, JSON text frames with serialized writes and a
// per-frame deadline, and close scheduling that leaves explanatory
// frames time to flush.
//
// The read side stays with the server's read loop; Conn only owns
// writes and closure.
type Conn struct {
	id          string
	ws          *websocket.Conn
	logger      *slog.Logger
	sendTimeout time.Duration

	writeMu sync.Mutex

	scheduleOnce sync.Once
	closeOnce    sync.Once
}

var _ broker.Peer = (*Conn)(nil)

func newConn(ws *websocket.Conn, logger *slog.Logger, sendTimeout time.Duration) *Conn {
	return &Conn{
		id:          uuid.NewString(),
		ws:          ws,
		logger:      logger,
		sendTimeout: sendTimeout,
	}
}

// ID implements [broker.Peer.ID].
func (c *Conn) ID() string { return c.id }

// Send marshals v and writes it as one text frame. Writes are serialized
// and bounded by the send timeout, so a stalled client cannot wedge a
// fan-out goroutine forever.
func (c *Conn) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("server: write frame: %w", err)
	}
	return nil
}

// Ping implements [broker.Peer.Ping]. It blocks until the pong arrives
// or ctx expires.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.ws.Ping(ctx); err != nil {
		return fmt.Errorf("server: ping: %w", err)
	}
	return nil
}

// CloseAfter schedules a close handshake with the given code once delay
// has passed. Only the first schedule sticks; Terminate still wins if it
// fires before the timer does.
func (c *Conn) CloseAfter(delay time.Duration, code broker.CloseCode, reason string) {
	c.scheduleOnce.Do(func() {
		time.AfterFunc(delay, func() {
			c.close(websocket.StatusCode(code), reason)
		})
	})
}

// Terminate implements [broker.Peer.Terminate]: the connection is
// dropped without a close handshake.
func (c *Conn) Terminate() {
	c.closeOnce.Do(func() {
		_ = c.ws.CloseNow()
	})
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		if err := c.ws.Close(code, reason); err != nil {
			// The handshake usually races the peer's own tear-down.
			c.logger.Debug("close handshake", "conn_id", c.id, "error", err)
		}
	})
}
