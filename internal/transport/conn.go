// Package transport implements the WebSocket control-plane carrying
// protocol envelopes between Coordinator and Worker: a server-side
// upgrade handler plus a reconnecting client, grounded on the pack's
// RevylAI worker_ws.go (reconnect/backoff shape) and Rubentxu
// tasks_handlers.go (server-side upgrade/ping-loop shape), since the
// teacher repo itself only carries gorilla/websocket in its test
// dependency closure, not a production implementation file.
package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 * 1024 * 1024
)

// Conn wraps a *websocket.Conn with a write mutex, since gorilla requires
// at most one concurrent writer per connection.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewConn wraps an established websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxMessageSize)
	return &Conn{ws: ws}
}

// Send writes one frame as a text message.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// ReadLoop reads frames until the connection closes or onFrame returns a
// non-nil error, calling onFrame for each text/binary message received.
// It keeps the read deadline extended on every pong, matching the
// standard gorilla ping/pong keep-alive idiom.
func (c *Conn) ReadLoop(onFrame func([]byte) error) error {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if err := onFrame(data); err != nil {
			return err
		}
	}
}

// PingLoop periodically writes ping control frames until stop is closed.
func (c *Conn) PingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
