package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var errConnClosed = errors.New("connection closed")

// wsConn serializes writes to a gorilla connection, which supports only one
// concurrent writer.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	open         atomic.Bool
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	c := &wsConn{ws: ws, writeTimeout: writeTimeout}
	c.open.Store(true)
	return c
}

func (c *wsConn) Open() bool {
	return c.open.Load()
}

func (c *wsConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open.Load() {
		return errConnClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open.Load() {
		return errConnClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a close frame with code and drops the socket. Later calls are
// no-ops.
func (c *wsConn) Close(code int, reason string) error {
	if !c.open.CompareAndSwap(true, false) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(c.writeTimeout))
	return c.ws.Close()
}

// markClosed is used when the peer went away first.
func (c *wsConn) markClosed() {
	if c.open.CompareAndSwap(true, false) {
		c.mu.Lock()
		_ = c.ws.Close()
		c.mu.Unlock()
	}
}
