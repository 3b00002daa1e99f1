package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/victornm/slangquiz/internal/errors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// SendQueueSize is how many outbound messages may wait for a slow reader
	// before the connection is dropped.
	SendQueueSize = 64
)

// Conn is a player's WebSocket connection. Outbound messages go through a
// single queue drained by one writer, so a player sees them in send order.
type Conn struct {
	id string
	ws *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func New(c *websocket.Conn) (*Conn, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate connection ID: %w", err)
	}

	return &Conn{
		id:   id.String(),
		ws:   c,
		send: make(chan []byte, SendQueueSize),
		done: make(chan struct{}),
	}, nil
}

func (c *Conn) ID() string {
	return c.id
}

// Send enqueues one text frame without blocking. A full queue closes the connection.
func (c *Conn) Send(msg []byte) error {
	select {
	case <-c.done:
		return errors.New(errors.CodeUnavailable, errors.WithMessagef("connection closed: conn=%s", c.id))
	default:
	}

	select {
	case c.send <- msg:
		return nil
	default:
		c.Close()
		return errors.New(errors.CodeUnavailable, errors.WithMessagef("send queue full: conn=%s", c.id))
	}
}

// Close asks the pumps to stop. It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Serve pumps frames until the peer goes away, the connection is closed or
// ctx is done. Every inbound text frame is passed to onMessage from a single
// goroutine. Serve returns once both pumps have stopped.
func (c *Conn) Serve(ctx context.Context, onMessage func(ctx context.Context, data []byte)) {
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writePump(ctx)
	}()

	c.readPump(ctx, onMessage)
	c.Close()
	<-writeDone
}

func (c *Conn) readPump(ctx context.Context, onMessage func(ctx context.Context, data []byte)) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.WarnContext(ctx, "ws: read failed", "conn", c.id, "error", err)
			}
			return
		}

		if typ != websocket.TextMessage {
			slog.DebugContext(ctx, "ws: non-text frame dropped", "conn", c.id, "type", typ)
			continue
		}

		onMessage(ctx, data)
	}
}

func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.DebugContext(ctx, "ws: write failed", "conn", c.id, "error", err)
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.writeClose(websocket.CloseNormalClosure)
			return

		case <-ctx.Done():
			c.Close()
			c.writeClose(websocket.CloseGoingAway)
			return
		}
	}
}

func (c *Conn) writeClose(code int) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
}
