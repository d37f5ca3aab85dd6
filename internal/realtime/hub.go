package realtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"hls-restreamer/internal/platform/metrics"
)

// Hub tracks connected clients and fans broadcasts out to them. Run owns the
// client set; everything else talks to it through channels.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[*Client]struct{}

	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// NewHub returns a hub. Metrics may be nil.
func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		log:        log.With(slog.String("component", "realtime-hub")),
		metrics:    m,
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			n := h.closeAll()
			h.log.Info("realtime hub stopped", slog.Int("clients_closed", n))
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.setClients(n)
			h.log.Info("client connected", slog.String("user", c.identity.Username), slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.setClients(n)
			h.log.Info("client disconnected", slog.String("user", c.identity.Username), slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// Register adds c. It returns false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes c and closes its send queue.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues msg for every client. It blocks while the queue is full
// and gives up only when ctx is done or the hub has stopped.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	select {
	case h.broadcast <- msg:
	case <-ctx.Done():
		h.log.Warn("broadcast abandoned", slog.String("event", msg.Event), slog.String("error", ctx.Err().Error()))
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// fanOut delivers msg in connection order. A client whose queue stays full
// for writeWait, or whose writer has exited, is dropped.
func (h *Hub) fanOut(msg Message) {
	h.mu.RLock()
	clients := h.sortedLocked()
	h.mu.RUnlock()

	var slow []*Client
	for _, c := range clients {
		if !c.deliver(msg, writeWait) {
			slow = append(slow, c)
		}
	}
	if len(slow) == 0 {
		return
	}

	h.mu.Lock()
	for _, c := range slow {
		delete(h.clients, c)
		c.close()
		h.log.Warn("dropping slow client", slog.String("user", c.identity.Username))
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.setClients(n)
}

func (h *Hub) closeAll() int {
	h.mu.Lock()
	clients := h.sortedLocked()
	for _, c := range clients {
		c.close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	h.setClients(0)
	return len(clients)
}

func (h *Hub) sortedLocked() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	return clients
}

func (h *Hub) setClients(n int) {
	if h.metrics != nil {
		h.metrics.SetRealtimeClients(n)
	}
}
