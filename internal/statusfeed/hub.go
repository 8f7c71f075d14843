package statusfeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hochfrequenz/codi/internal/orchestrator"
)

// FeedEvent is one orchestrator event on the wire. Data holds the event's
// own JSON, e.g. the result of a worker_finished event.
type FeedEvent struct {
	Type     string          `json:"type"`
	WorkerID string          `json:"worker_id"`
	Time     time.Time       `json:"time"`
	Data     json.RawMessage `json:"data"`
}

// NewFeedEvent encodes an orchestrator event.
func NewFeedEvent(ev orchestrator.Event) (FeedEvent, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return FeedEvent{}, err
	}
	return FeedEvent{Type: ev.Kind(), WorkerID: ev.Worker(), Time: time.Now(), Data: data}, nil
}

const clientBuffer = 64

// Hub fans feed events out to SSE and WebSocket clients. A client that
// cannot keep up is disconnected.
type Hub struct {
	clients    map[chan FeedEvent]bool
	broadcast  chan FeedEvent
	register   chan chan FeedEvent
	unregister chan chan FeedEvent
	done       chan struct{}
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[chan FeedEvent]bool),
		broadcast:  make(chan FeedEvent),
		register:   make(chan chan FeedEvent),
		unregister: make(chan chan FeedEvent),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx ends, then closes every client channel.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			close(client)
		}
		h.clients = nil
		close(h.done)
	}()
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}

		case event := <-h.broadcast:
			for client := range h.clients {
				select {
				case client <- event:
				default:
					close(client)
					delete(h.clients, client)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// Relay broadcasts every event of sub until it is closed or ctx ends.
func (h *Hub) Relay(ctx context.Context, sub *orchestrator.Subscription) {
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			fe, err := NewFeedEvent(ev)
			if err != nil {
				continue
			}
			h.Broadcast(fe)
		case <-ctx.Done():
			return
		}
	}
}

// Broadcast sends an event to all clients
func (h *Hub) Broadcast(event FeedEvent) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	}
}

// Subscribe registers a client. The channel is closed when the client falls
// behind, unsubscribes or the hub stops; ok is false once the hub stopped.
func (h *Hub) Subscribe() (ch chan FeedEvent, ok bool) {
	ch = make(chan FeedEvent, clientBuffer)
	select {
	case h.register <- ch:
		return ch, true
	case <-h.done:
		return nil, false
	}
}

// Unsubscribe removes a client.
func (h *Hub) Unsubscribe(ch chan FeedEvent) {
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}
