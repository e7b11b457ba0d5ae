package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"periskope/chatsync/internal/logging"

	"go.uber.org/zap"
)

// Hub maintains the set of active clients and pushes sync events to them
type Hub struct {
	// Registered clients mapped by user ID
	Clients map[string]*Client

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	log *zap.Logger

	// Mutex for thread-safe operations
	mu sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		Clients:    make(map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        logging.OrNop(log),
	}
}

// Run starts the hub's main loop. It returns when ctx is done, after
// disconnecting every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)
		case client := <-h.Unregister:
			h.unregisterClient(client)
		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// Connect hands client to the running hub. It reports false once the hub
// has stopped.
func (h *Hub) Connect(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Disconnect removes client from the hub. After the hub has stopped it only
// closes the client's queue.
func (h *Hub) Disconnect(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
		client.closeSend()
	}
}

// registerClient adds a client to the hub
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// If user already has a connection, close the old one
	if existing, ok := h.Clients[client.ID]; ok && existing != client {
		existing.closeSend()
	}
	h.Clients[client.ID] = client

	h.log.Info("client connected", zap.String("user_id", client.ID))
}

// unregisterClient removes a client from the hub
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.Clients[client.ID]; ok && current == client {
		delete(h.Clients, client.ID)
		h.log.Info("client disconnected", zap.String("user_id", client.ID))
	}
	client.closeSend()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, client := range h.Clients {
		client.closeSend()
		delete(h.Clients, id)
	}
}

// BroadcastToUser sends a message to a specific user. Slow clients miss
// events rather than block the caller.
func (h *Hub) BroadcastToUser(userID string, message WSMessage) {
	h.mu.RLock()
	client, ok := h.Clients[userID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error("failed to marshal event", zap.String("type", string(message.Type)), zap.Error(err))
		return
	}
	if !client.trySend(data) {
		h.log.Warn("dropped event for slow client",
			zap.String("user_id", userID),
			zap.String("type", string(message.Type)))
	}
}

// IsUserOnline checks if a user is currently connected
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.Clients[userID]
	return ok
}

// GetOnlineCount returns the number of currently connected clients
func (h *Hub) GetOnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.Clients)
}
