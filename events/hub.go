package events

import (
	"sync"

	"github.com/skillsenselab/scribe/logger"
)

// Client is one connected SSE subscriber, bound to a single session.
type Client struct {
	id        string
	sessionID string
	events    chan []byte
}

// NewClient creates a subscriber for the given session.
func NewClient(id, sessionID string) *Client {
	return &Client{
		id:        id,
		sessionID: sessionID,
		events:    make(chan []byte, 256),
	}
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// SessionID returns the session the client subscribed to.
func (c *Client) SessionID() string { return c.sessionID }

// Events returns the channel delivering encoded events.
func (c *Client) Events() <-chan []byte { return c.events }

// send queues data for the client. Returns false when the client's channel is
// full, i.e. the consumer is too slow; the message is dropped rather than
// blocking the hub.
func (c *Client) send(data []byte) bool {
	select {
	case c.events <- data:
		return true
	default:
		return false
	}
}

// Hub fans session events out to connected subscribers.
type Hub struct {
	mu sync.RWMutex
	// clients is keyed by session id, then client id.
	clients map[string]map[string]*Client
	stopped bool
	log     *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[string]*Client),
		log:     log.WithComponent("events"),
	}
}

// Register adds a subscriber.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		close(client.events)
		return
	}
	perSession := h.clients[client.sessionID]
	if perSession == nil {
		perSession = make(map[string]*Client)
		h.clients[client.sessionID] = perSession
	}
	perSession[client.id] = client
}

// Unregister removes a subscriber and closes its channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perSession := h.clients[client.sessionID]
	if perSession == nil {
		return
	}
	if _, ok := perSession[client.id]; !ok {
		return
	}
	delete(perSession, client.id)
	if len(perSession) == 0 {
		delete(h.clients, client.sessionID)
	}
	close(client.events)
}

// Publish broadcasts an event to every subscriber of the session.
func (h *Hub) Publish(sessionID string, event Event) {
	event.SessionID = sessionID
	data := Marshal(event)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients[sessionID] {
		if !client.send(data) {
			h.log.Warn("subscriber channel full, dropping event", map[string]interface{}{
				"client_id":       client.id,
				logger.FieldSession: sessionID,
				"event":           event.Type,
			})
		}
	}
}

// SubscriberCount returns the number of subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}

// Stop closes every subscriber channel and rejects new registrations.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	for sessionID, perSession := range h.clients {
		for id, client := range perSession {
			close(client.events)
			delete(perSession, id)
		}
		delete(h.clients, sessionID)
	}
}
