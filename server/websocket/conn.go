package websocket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrConnClosed = errors.New("connection is closed")

// wsConn wraps a gorilla connection behind the room.Conn contract. It
// serializes writes, tracks open state and makes Close idempotent so both
// the room (on destroy) and the session (on disconnect) can close without
// coordination.
type wsConn struct {
	conn   *websocket.Conn
	mx     sync.Mutex
	closed atomic.Bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(defaultCloseWriteDeadline)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return c.conn.Close()
}

func (c *wsConn) IsOpen() bool {
	return !c.closed.Load()
}

func (c *wsConn) ping() error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	deadline := time.Now().Add(defaultWriteDeadline)
	return c.conn.WriteControl(websocket.PingMessage, []byte{}, deadline)
}
