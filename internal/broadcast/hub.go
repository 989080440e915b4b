package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

type Client struct {
	ID       string
	Send     chan []byte
	channels map[string]struct{}
}

func NewClient(id string, buffer int) *Client {
	return &Client{ID: id, Send: make(chan []byte, buffer), channels: make(map[string]struct{})}
}

// Hub delivers events to in-process subscribers. Slow clients miss messages
// rather than stall publishers.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

type SubscribeMessage struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, channels ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range channels {
		client.channels[ch] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(client *Client, channels ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(channels) == 0 {
		client.channels = make(map[string]struct{})
		return
	}
	for _, ch := range channels {
		delete(client.channels, ch)
	}
}

func (h *Hub) Publish(_ context.Context, channel string, event Event) error {
	event.Channel = channel
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	h.Deliver(channel, payload)
	return nil
}

// Deliver sends an already encoded payload to the channel's subscribers.
func (h *Hub) Deliver(channel string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if _, ok := client.channels[channel]; !ok {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Debug().Str("client_id", client.ID).Str("channel", channel).Msg("drop message for slow client")
		}
	}
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
