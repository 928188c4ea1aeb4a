package signaling

import (
	"sync"

	"github.com/adityaadpandey/echo-chamber/internals/metrics"
	"go.uber.org/zap"
)

// Hub indexes live clients by connection id and delivers targeted messages.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

func (h *Hub) RegisterClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	count := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveConnections.Set(float64(count))
	h.logger.Debug("Client registered",
		zap.String("connID", client.ID),
		zap.Int("clients", count),
	)
}

func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[client.ID]; ok && cur == client {
		delete(h.clients, client.ID)
	}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveConnections.Set(float64(count))
	h.logger.Debug("Client unregistered",
		zap.String("connID", client.ID),
		zap.Int("clients", count),
	)
}

func (h *Hub) GetClient(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, exists := h.clients[clientID]
	return client, exists
}

// Send queues message for one connection without blocking.
func (h *Hub) Send(connID string, message Message) bool {
	client, ok := h.GetClient(connID)
	if !ok {
		return false
	}
	return client.SendMessage(message)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every connection; each ReadPump then runs its disconnect path.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}
