// Package stream provides a WebSocket gateway that forwards job events
// from the event bus to connected clients.
package stream

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/events/bus"
)

// ReplayProvider retrieves already-buffered output events for a job so
// that a client subscribing mid-run can catch up.
type ReplayProvider func(jobID string) ([]*bus.Event, error)

// Hub manages all WebSocket client connections and fans job events out
// to them. Events arrive from the bus subscription on the job wildcard
// subject; clients either follow a specific job or, with no explicit
// subscription, receive everything.
type Hub struct {
	clients        map[*Client]bool
	jobSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *bus.Event

	eventBus bus.EventBus
	sub      bus.Subscription

	replayProvider ReplayProvider

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub wired to the given event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		jobSubscribers: make(map[string]map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *bus.Event, 256),
		eventBus:       eventBus,
		logger:         log.WithFields(zap.String("component", "stream_hub")),
	}
}

// SetReplayProvider sets the provider used to replay buffered output
// when a client subscribes to a job.
func (h *Hub) SetReplayProvider(provider ReplayProvider) {
	h.replayProvider = provider
}

// Start subscribes to job events and runs the hub loop until the
// context is canceled.
func (h *Hub) Start(ctx context.Context) error {
	sub, err := h.eventBus.Subscribe(events.SubjectAllJobs, func(_ context.Context, evt *bus.Event) error {
		select {
		case h.broadcast <- evt:
		default:
			// The engine loop publishes synchronously; never block it.
			h.logger.Warn("broadcast buffer full, dropping event",
				zap.String("event_type", evt.Type))
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.sub = sub

	go h.run(ctx)
	return nil
}

func (h *Hub) run(ctx context.Context) {
	h.logger.Info("stream hub started")
	defer h.logger.Info("stream hub stopped")

	for {
		select {
		case <-ctx.Done():
			if h.sub != nil {
				_ = h.sub.Unsubscribe()
			}
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case evt := <-h.broadcast:
			h.broadcastEvent(evt)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.jobSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for jobID := range client.subscriptions {
		if clients, ok := h.jobSubscribers[jobID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.jobSubscribers, jobID)
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// broadcastEvent delivers an event to clients following its job and to
// clients with no explicit subscription.
func (h *Hub) broadcastEvent(evt *bus.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	jobID, _ := evt.Data["job_id"].(string)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if len(client.subscriptions) > 0 && !client.subscriptions[jobID] {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Client buffer full, the write pump will clean it up.
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

// Subscribe subscribes a client to a job's events and replays buffered
// output if a replay provider is configured.
func (h *Hub) Subscribe(client *Client, jobID string) {
	h.mu.Lock()
	if _, ok := h.jobSubscribers[jobID]; !ok {
		h.jobSubscribers[jobID] = make(map[*Client]bool)
	}
	h.jobSubscribers[jobID][client] = true
	client.subscriptions[jobID] = true
	h.mu.Unlock()

	h.logger.Debug("client subscribed",
		zap.String("client_id", client.ID),
		zap.String("job_id", jobID))

	if h.replayProvider == nil {
		return
	}
	replay, err := h.replayProvider(jobID)
	if err != nil {
		h.logger.Warn("replay failed",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	for _, evt := range replay {
		client.sendEvent(evt)
	}
}

// Unsubscribe removes a client's subscription to a job.
func (h *Hub) Unsubscribe(client *Client, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, jobID)
	if clients, ok := h.jobSubscribers[jobID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.jobSubscribers, jobID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
