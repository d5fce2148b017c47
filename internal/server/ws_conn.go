// Package server adapts WebSocket connections to the Connection interface so
// browser clients join the same chat as stream clients.
package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	controlTTL = time.Second
)

type wsConn struct {
	connState
	conn *websocket.Conn
	addr string
	opts StreamOptions

	writeMu sync.Mutex
	done    chan struct{}
}

// NewWebSocketConnection wraps an upgraded WebSocket. Every text or binary
// message is one frame. A keep-alive ping runs until Close.
func NewWebSocketConnection(conn *websocket.Conn, addr string, opts StreamOptions) Connection {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = defaultMaxFrameSize
	}
	c := &wsConn{
		connState: newConnState(),
		conn:      conn,
		addr:      addr,
		opts:      opts,
		done:      make(chan struct{}),
	}
	c.setupReadConnection()
	go c.keepAlive()
	return c
}

// setupReadConnection configures the read limit, read deadline, and pong handler.
func (c *wsConn) setupReadConnection() {
	c.conn.SetReadLimit(int64(c.opts.MaxFrameSize))
	_ = c.conn.SetReadDeadline(c.readDeadline())
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(c.readDeadline())
	})
}

// readDeadline extends to the idle timeout when one is set, otherwise to the
// pong window.
func (c *wsConn) readDeadline() time.Time {
	if c.opts.IdleTimeout > 0 {
		return time.Now().Add(c.opts.IdleTimeout)
	}
	return time.Now().Add(pongWait)
}

func (c *wsConn) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlTTL)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) RemoteAddr() string { return c.addr }

func (c *wsConn) Send(text string) error {
	if c.Phase() == PhaseClosed {
		return ErrDisconnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return disconnected(err)
		}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(NormalizeFrame(text))); err != nil {
		return disconnected(err)
	}
	return nil
}

func (c *wsConn) Receive() (string, error) {
	for {
		if c.Phase() == PhaseClosed {
			return "", ErrDisconnected
		}
		if c.opts.IdleTimeout > 0 {
			_ = c.conn.SetReadDeadline(c.readDeadline())
		}

		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return "", disconnected(ErrFrameTooLarge)
			}
			return "", disconnected(err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return string(payload), nil
		}
	}
}

func (c *wsConn) Close() error {
	return c.release(func() error {
		close(c.done)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(controlTTL),
		)
		return c.conn.Close()
	})
}
