// Package websocket pushes live queue updates to doctor dashboards. Clients
// are registered on topics and receive every message broadcast to them.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opd/opd/internal/platform/events"
)

// Message is the frame sent to dashboard clients.
type Message struct {
	Topic  string       `json:"topic"`
	Event  events.Event `json:"event"`
	SentAt time.Time    `json:"sent_at"`
}

// QueueTopic is the topic carrying one doctor's queue for one visit date.
func QueueTopic(doctorID uuid.UUID, visitDate string) string {
	return "queue:" + doctorID.String() + ":" + visitDate
}

// Client is one connected dashboard.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
}

func NewClient(topics ...string) *Client {
	return &Client{
		ID:     uuid.NewString(),
		Topics: topics,
		Send:   make(chan []byte, 64),
	}
}

// Hub tracks clients by topic. All methods are safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
}

// Unregister drops the client and closes its Send channel. Safe to call twice.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Broadcast sends msg to every subscriber of topic and returns how many
// clients it reached. Slow clients whose buffer is full are skipped.
func (h *Hub) Broadcast(topic string, msg Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("marshal websocket message")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
			sent++
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("websocket client buffer full, dropping message")
		}
	}
	return sent
}

// Publish implements events.Publisher by routing each event to the queue
// topic of its doctor and visit date.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	topic := QueueTopic(ev.DoctorID, ev.VisitDate)
	h.Broadcast(topic, Message{Topic: topic, Event: ev, SentAt: time.Now().UTC()})
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.all {
		close(client.Send)
	}
	h.all = make(map[*Client]struct{})
	h.clients = make(map[string]map[*Client]struct{})
}
