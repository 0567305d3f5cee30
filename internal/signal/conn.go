package signal

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aljazari-lab/kebbicall/internal/proto"
)

// Conn is one writable client connection. The hub only ever writes;
// reading stays with the websocket loop that owns the connection.
type Conn interface {
	Send(event string, data any) error
	Close() error
}

// wsConn wraps a gorilla websocket with a write mutex, since the hub
// and the keepalive pinger write from different goroutines.
type wsConn struct {
	mu        sync.Mutex
	ws        *websocket.Conn
	writeWait time.Duration
}

func newWSConn(ws *websocket.Conn, writeWait time.Duration) *wsConn {
	return &wsConn{ws: ws, writeWait: writeWait}
}

func (c *wsConn) Send(event string, data any) error {
	b, err := proto.Encode(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
