package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskhub/domain"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 * 1024
	sendBuffer   = 64
)

// conn is one authenticated websocket connection. Connections that fail
// authentication are rejected before the upgrade and never get this far.
// The send channel is never closed; teardown is signalled through done so
// that a late enqueue from a concurrent fan-out cannot panic.
type conn struct {
	identity domain.Identity
	sock     *websocket.Conn
	send     chan []byte
	done     chan struct{}

	closeOnce sync.Once
}

func newConn(identity domain.Identity, sock *websocket.Conn) *conn {
	return &conn{
		identity: identity,
		sock:     sock,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// enqueue hands a frame to the write pump. A full buffer or a closed
// connection drops the frame for this connection only; a slow or departed
// consumer must not stall the gateway.
func (c *conn) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writePump serializes all writes to the socket and keeps the peer alive
// with pings. It exits when done closes or a write fails.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()
	for {
		select {
		case <-c.done:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			c.sock.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client frames until the connection drops, then triggers
// the gateway's disconnect cleanup.
func (c *conn) readPump(g *Gateway) {
	defer g.disconnect(c)
	c.sock.SetReadLimit(maxFrameSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		g.handleFrame(c, data)
	}
}
