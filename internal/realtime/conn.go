package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the write/close capability the registry holds for one live socket.
// The registry never reads from it and never uses it for identity; every
// connection is keyed by the opaque id assigned at accept time.
type Conn interface {
	// WriteText writes one text frame. Implementations bound the write with
	// a short deadline; a timed-out write returns an error.
	WriteText(data []byte) error
	// CloseWithCode sends a close frame carrying code and reason, then closes
	// the transport.
	CloseWithCode(code int, reason string) error
	// Close closes the transport without a close frame.
	Close() error
}

// wsConn adapts a gorilla connection to Conn. gorilla allows one concurrent
// writer, so data frames are serialised; control frames go through
// WriteControl, which is safe to call concurrently with everything else.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *wsConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) CloseWithCode(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	// The peer may already be gone; the close itself still has to happen.
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	return c.Close()
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

var _ Conn = (*wsConn)(nil)
