// Package stream fans bus events out to WebSocket clients.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/bus"
	"github.com/agentplane/agentplane/internal/common/logger"
)

// Event is the frame written to clients for every matched bus message.
type Event struct {
	Pattern   string    `json:"pattern"`
	Topic     string    `json:"topic"`
	Sender    string    `json:"sender,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// feed is one shared bus subscription, fanned out to every client that
// asked for its pattern.
type feed struct {
	sub     bus.Subscription
	clients map[*Client]bool
}

// Hub manages WebSocket clients and their bus subscriptions.
type Hub struct {
	bus    bus.Bus
	logger *logger.Logger

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool
	feeds   map[string]*feed
}

// NewHub creates a hub over the given bus.
func NewHub(b bus.Bus, log *logger.Logger) *Hub {
	return &Hub{
		bus:        b,
		logger:     log.WithFields(zap.String("component", "stream_hub")),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		feeds:      make(map[string]*feed),
	}
}

// Run processes client registration until ctx is cancelled, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("event stream hub started")
	defer h.logger.Info("event stream hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe attaches the client to a topic pattern, creating the shared
// bus subscription on first use.
func (h *Hub) Subscribe(client *Client, pattern string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if f, ok := h.feeds[pattern]; ok {
		f.clients[client] = true
		client.patterns[pattern] = true
		return nil
	}

	f := &feed{clients: map[*Client]bool{client: true}}
	sub, err := h.bus.Subscribe(pattern, func(ctx context.Context, msg *bus.Message) error {
		h.deliver(pattern, msg)
		return nil
	})
	if err != nil {
		return err
	}
	f.sub = sub
	h.feeds[pattern] = f
	client.patterns[pattern] = true

	h.logger.Debug("feed opened", zap.String("pattern", pattern))
	return nil
}

// Unsubscribe detaches the client from a pattern, dropping the bus
// subscription when no client needs it anymore.
func (h *Hub) Unsubscribe(client *Client, pattern string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(client, pattern)
}

func (h *Hub) detachLocked(client *Client, pattern string) {
	delete(client.patterns, pattern)
	f, ok := h.feeds[pattern]
	if !ok {
		return
	}
	delete(f.clients, client)
	if len(f.clients) == 0 {
		_ = f.sub.Unsubscribe()
		delete(h.feeds, pattern)
		h.logger.Debug("feed closed", zap.String("pattern", pattern))
	}
}

// deliver fans one bus message out to the pattern's clients. Slow clients
// lose the frame rather than blocking the feed.
func (h *Hub) deliver(pattern string, msg *bus.Message) {
	data, err := json.Marshal(Event{
		Pattern:   pattern,
		Topic:     msg.Topic,
		Sender:    msg.Sender,
		Payload:   msg.Payload,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		h.logger.Error("failed to marshal event frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	f, ok := h.feeds[pattern]
	if !ok {
		h.mu.RUnlock()
		return
	}
	for client := range f.clients {
		select {
		case client.send <- data:
		default:
			// buffer full, frame dropped
		}
	}
	h.mu.RUnlock()
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for pattern := range client.patterns {
		h.detachLocked(client, pattern)
	}
	close(client.send)
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for pattern, f := range h.feeds {
		_ = f.sub.Unsubscribe()
		delete(h.feeds, pattern)
	}
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
