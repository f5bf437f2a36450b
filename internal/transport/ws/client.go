package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dilemmalab/arena/internal/broker"
)

// ErrOutboxFull is returned when a slow client's send buffer is exhausted.
// The record is dropped; a slow reader never stalls a broadcast.
var ErrOutboxFull = errors.New("outbox full")

// ErrOutboxClosed is returned for sends after the client has gone away.
var ErrOutboxClosed = errors.New("outbox closed")

const sendBufferDepth = 256

// client is one upgraded WebSocket endpoint. It implements broker.Outbox:
// Send marshals into a buffered channel drained by the write pump, so the
// broker never blocks on a socket write.
type client struct {
	ws     *websocket.Conn
	logger *zap.Logger

	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(ws *websocket.Conn, logger *zap.Logger) *client {
	return &client{
		ws:     ws,
		logger: logger,
		send:   make(chan []byte, sendBufferDepth),
	}
}

// Send queues one outbound record for the write pump.
//
// Postcondition: Returns nil on enqueue, ErrOutboxFull when the buffer is
// exhausted, or ErrOutboxClosed after Close.
func (c *client) Send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrOutboxClosed
	}
	select {
	case c.send <- raw:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Close stops intake and wakes the write pump. Safe to call multiple times.
func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return nil
}

// readPump decodes inbound frames and hands them to the broker. It owns the
// read side of the socket and runs until the peer goes away; disconnect
// cleanup fires exactly once on exit.
func (c *client) readPump(b *broker.Broker, conn *broker.Conn, pongTimeout time.Duration) {
	defer func() {
		b.HandleDisconnect(conn)
		_ = c.Close()
		_ = c.ws.Close()
	}()

	if pongTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		})
	}

	for {
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read error", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var env broker.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			b.HandleMalformed(conn, err)
			continue
		}
		b.HandleEnvelope(conn, env)
	}
}

// writePump drains the send buffer onto the socket and keeps the
// protocol-level heartbeat going. Owns the write side of the socket.
func (c *client) writePump(writeTimeout, pongTimeout time.Duration) {
	pingInterval := pongTimeout * 9 / 10
	if pingInterval <= 0 {
		pingInterval = 54 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
