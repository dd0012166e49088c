package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when registering with a hub that has stopped.
var ErrClosed = errors.New("hub: closed")

// broadcastBuffer is the number of queued messages before Broadcast drops.
const broadcastBuffer = 256

// Hub tracks connected clients and broadcasts messages to them. Only the
// Run goroutine mutates the client set.
type Hub struct {
	name   string
	logger *slog.Logger

	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	count   atomic.Int64
	dropped atomic.Int64
	evicted atomic.Int64
	running atomic.Bool
	once    sync.Once
}

// New creates a hub. Call Run before registering clients.
func New(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:       name,
		logger:     logger.With("component", "hub", "hub", name),
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer func() {
		h.running.Store(false)
		for c := range h.clients {
			h.remove(c)
		}
		h.once.Do(func() { close(h.done) })
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			h.logger.Info("client connected", "clients", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.remove(c)
				h.logger.Info("client disconnected", "clients", len(h.clients))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.remove(c)
					h.evicted.Add(1)
					h.logger.Warn("dropped slow client", "clients", len(h.clients))
				}
			}
		}
	}
}

func (h *Hub) remove(c *Client) {
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int64(len(h.clients)))
}

// Broadcast queues msg for all clients, dropping it when the queue is full.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		if h.dropped.Add(1)%broadcastBuffer == 1 {
			h.logger.Warn("broadcast queue full, dropping messages", "dropped", h.dropped.Load())
		}
	}
}

// Publish encodes v and broadcasts it.
func (h *Hub) Publish(kind string, v any) error {
	data, err := Encode(kind, v)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// Name returns the hub name.
func (h *Hub) Name() string { return h.name }

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int { return int(h.count.Load()) }

// IsRunning reports whether Run is active.
func (h *Hub) IsRunning() bool { return h.running.Load() }

// Stats returns delivery counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Name:    h.name,
		Clients: h.ClientCount(),
		Dropped: h.dropped.Load(),
		Evicted: h.evicted.Load(),
	}
}

// Stats contains hub counters.
type Stats struct {
	Name    string `json:"name"`
	Clients int    `json:"clients"`
	Dropped int64  `json:"dropped"`
	Evicted int64  `json:"evicted"`
}
