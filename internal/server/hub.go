package server

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	EventSymbolUpdated    = "symbolUpdated"
	EventMarketData       = "marketDataUpdate"
	EventConnectionStatus = "connectionStatusChange"
	EventOrderUpdate      = "orderUpdate"
	EventPositionUpdate   = "positionUpdate"
	EventAccount          = "accountUpdate"
	EventError            = "error"
)

// Event is one message on the /ws stream.
type Event struct {
	Type string      `json:"type"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// Hub fans encoded events out to websocket clients. Clients that cannot
// keep up are dropped.
type Hub struct {
	logger     *zap.Logger
	clients    map[*wsClient]struct{}
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			wsClients.Set(0)
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			wsClients.Set(float64(len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				wsClients.Set(float64(len(h.clients)))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("Dropping slow websocket client")
					delete(h.clients, c)
					close(c.send)
				}
			}
			wsClients.Set(float64(len(h.clients)))
		}
	}
}

// Publish encodes and queues an event. It never blocks the caller; when the
// queue is full the event is dropped.
func (h *Hub) Publish(eventType string, data interface{}) {
	b, err := json.Marshal(Event{Type: eventType, Time: time.Now(), Data: data})
	if err != nil {
		h.logger.Error("Encoding event failed", zap.String("type", eventType), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- b:
		eventsPublished.WithLabelValues(eventType).Inc()
	default:
		h.logger.Warn("Event queue full, dropping event", zap.String("type", eventType))
	}
}

func (h *Hub) join(c *wsClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *wsClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
