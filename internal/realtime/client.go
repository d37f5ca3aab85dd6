package realtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueue      = 256
)

var clientIDCounter atomic.Uint64

// Client is one websocket connection. Its read loop feeds the Handler; its
// write loop drains the send queue.
type Client struct {
	id       uint64
	conn     *websocket.Conn
	identity Identity
	hub      *Hub
	handler  *Handler
	log      *slog.Logger

	mu     sync.Mutex
	send   chan Message
	closed bool
	gone   chan struct{}
}

func newClient(conn *websocket.Conn, identity Identity, hub *Hub, handler *Handler, log *slog.Logger) *Client {
	id := clientIDCounter.Add(1)
	return &Client{
		id:       id,
		conn:     conn,
		identity: identity,
		hub:      hub,
		handler:  handler,
		log:      log.With(slog.Uint64("client_id", id), slog.String("user", identity.Username)),
		send:     make(chan Message, sendQueue),
		gone:     make(chan struct{}),
	}
}

// Identity returns the identity established at handshake.
func (c *Client) Identity() Identity {
	return c.identity
}

// Send queues msg for this client only.
func (c *Client) Send(msg Message) {
	if !c.trySend(msg) {
		c.log.Warn("send queue full or closed, dropping message", slog.String("event", msg.Event))
	}
}

func (c *Client) trySend(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// deliver queues msg, waiting up to timeout for room. Only the hub goroutine
// calls deliver and close, so the queue cannot be closed while it waits.
func (c *Client) deliver(msg Message, timeout time.Duration) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.send <- msg:
		return true
	case <-c.gone:
		return false
	case <-timer.C:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("unexpected websocket close", slog.String("error", err.Error()))
			}
			return
		}
		c.handler.Handle(ctx, c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.gone)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Debug("write failed", slog.String("error", err.Error()))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
