// Package transport carries frames over websocket connections and feeds them
// into the router. Connection lifetime is one network connection; reconnects
// get a fresh connection id and rebind their principal in the registry.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilchat/veilchat/internal/wire"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong before the peer is considered dead.
	pongWait = 60 * time.Second
	// Ping interval; must be below pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum inbound frame size in bytes.
	maxFrameSize = 64 * 1024
	// Outbound buffer depth per connection.
	sendBuffer = 64
)

// ErrSlowConsumer reports a connection whose outbound buffer is full. The
// connection is torn down rather than letting one slow peer stall the relay.
var ErrSlowConsumer = errors.New("send buffer full")

// Conn is one live websocket session, implementing the router's connection
// contract.
type Conn struct {
	id string
	ws *websocket.Conn

	send chan wire.Frame

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, ws *websocket.Conn) *Conn {
	return &Conn{
		id:   id,
		ws:   ws,
		send: make(chan wire.Frame, sendBuffer),
		done: make(chan struct{}),
	}
}

// ID returns the connection's transport-scoped identifier.
func (c *Conn) ID() string { return c.id }

// Send enqueues a frame for the write pump. It never blocks: a full buffer
// closes the connection and reports the peer as a slow consumer.
func (c *Conn) Send(frame wire.Frame) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.Close()
		return ErrSlowConsumer
	}
}

// Close shuts the connection down. Safe to call from any goroutine, any
// number of times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with pings. One writer goroutine per connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
