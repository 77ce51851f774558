// Package websocket carries envelopes over WebSocket connections.
//
// A cluster controller runs a Server: libraries connect to it, announce their
// WebSocketClient address in the first text frame, and then exchange binary
// frames holding one or more envelopes. A library runs a Client that dials
// WebSocket server addresses, the parent controller in particular.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"

	"github.com/rmacdonaldsmith/meshrouter/pkg/transport"
)

const ( // ping pong(2-way heartbeat) to keep connection alive
	WriteWait      = 10 * time.Second    // max time to write a frame to the peer
	PongWait       = 60 * time.Second    // no pong within this window = connection lost
	PingPeriod     = (PongWait * 9) / 10 // ping before the pong wait expires
	MaxMessageSize = 4 << 20             // largest frame accepted from a peer
)

// connection owns one WebSocket and its read and heartbeat goroutines.
type connection struct {
	t       tomb.Tomb
	conn    *websocket.Conn
	writeMu sync.Mutex
	onFrame func([]byte)
	logger  zerolog.Logger
}

func newConnection(conn *websocket.Conn, onFrame func([]byte), logger zerolog.Logger) *connection {
	c := &connection{conn: conn, onFrame: onFrame, logger: logger}
	c.t.Go(c.readPump)
	c.t.Go(c.heartbeat)
	return c
}

func (c *connection) readPump() error {
	c.conn.SetReadLimit(MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket closed unexpectedly")
			}
			return err
		}
		if kind != websocket.BinaryMessage {
			c.logger.Debug().Int("frameType", kind).Msg("ignoring non-binary frame")
			continue
		}
		c.onFrame(data)
	}
}

func (c *connection) heartbeat() error {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.t.Dying():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(WriteWait))
			return nil
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteWait)); err != nil {
				return err
			}
		}
	}
}

// write sends one binary frame. Failures are transient for the router.
func (c *connection) write(ctx context.Context, data []byte) error {
	if !c.t.Alive() {
		return transport.Delay(transport.ErrClosed, 0)
	}

	deadline := time.Now().Add(WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.t.Kill(err)
		return transport.Delay(err, 0)
	}
	return nil
}

func (c *connection) alive() bool {
	return c.t.Alive()
}

func (c *connection) dead() <-chan struct{} {
	return c.t.Dead()
}

// close stops both goroutines. Read errors caused by the shutdown itself are
// not reported.
func (c *connection) close() {
	c.t.Kill(nil)
	c.t.Wait()
}
