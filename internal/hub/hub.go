package hub

import (
	"encoding/json"
	"log"
	"sync"
)

// Subscription narrows what a connected browser session receives: a
// collection, and optionally only changes involving one provider.
type Subscription struct {
	Collection string
	ProviderID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

// Hub fans document change events out to connected clients. Slow clients
// drop messages; they resync from the queue snapshot on reconnect.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action     string `json:"action"`
	Collection string `json:"collection"`
	ProviderID string `json:"provider_id"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

// Broadcast delivers payload to every client whose subscription matches the
// event's collection and involved providers.
func (h *Hub) Broadcast(payload []byte, collection string, providerIDs []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, collection, providerIDs) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("hub: drop message for client %s", client.ID)
		}
	}
}

func match(sub Subscription, collection string, providerIDs []string) bool {
	if sub.Collection != "" && sub.Collection != collection {
		return false
	}
	if sub.ProviderID == "" {
		return true
	}
	for _, id := range providerIDs {
		if id == sub.ProviderID {
			return true
		}
	}
	return false
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
