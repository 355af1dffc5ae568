package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/domain"
	"github.com/limiquantix/rebalancer/internal/drs"
	"github.com/limiquantix/rebalancer/internal/repository/redis"
)

const writeWait = 10 * time.Second

var _ drs.PlanPublisher = (*EventHub)(nil)

// PlanEvent is sent to websocket clients for every published plan.
type PlanEvent struct {
	Type      string       `json:"type"`
	Plan      *domain.Plan `json:"plan"`
	Timestamp time.Time    `json:"timestamp"`
}

// EventHub fans plans out to websocket clients. A newly connected client
// first receives the latest plan, if any.
type EventHub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	latest  []byte
}

// NewEventHub creates an empty hub.
func NewEventHub(logger *zap.Logger) *EventHub {
	return &EventHub{
		logger: logger.With(zap.String("component", "events")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// PublishPlan broadcasts plan to every connected client.
func (h *EventHub) PublishPlan(ctx context.Context, plan *domain.Plan) error {
	data, err := json.Marshal(PlanEvent{Type: "plan", Plan: plan, Timestamp: time.Now()})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest = data
	for conn := range h.clients {
		if err := write(conn, data); err != nil {
			h.logger.Debug("Dropping event client", zap.Error(err))
			conn.Close()
			delete(h.clients, conn)
		}
	}
	return nil
}

// Relay broadcasts the plans carried by events until the channel closes,
// so every instance streams what the leader publishes.
func (h *EventHub) Relay(ctx context.Context, events <-chan redis.Event) {
	for event := range events {
		var plan domain.Plan
		if err := json.Unmarshal(event.Data, &plan); err != nil {
			h.logger.Warn("Dropping malformed plan event",
				zap.String("type", event.Type),
				zap.String("resource_id", event.ResourceID),
				zap.Error(err),
			)
			continue
		}
		if err := h.PublishPlan(ctx, &plan); err != nil {
			h.logger.Warn("Failed to relay plan", zap.String("plan", plan.ID), zap.Error(err))
		}
	}
}

// ServeHTTP upgrades the connection and keeps it registered until the
// client goes away.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket", zap.Error(err))
		return
	}

	h.mu.Lock()
	if h.latest != nil {
		if err := write(conn, h.latest); err != nil {
			h.mu.Unlock()
			conn.Close()
			return
		}
	}
	h.clients[conn] = true
	h.mu.Unlock()

	h.logger.Info("Event stream client connected", zap.String("remote_addr", r.RemoteAddr))

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
		h.logger.Info("Event stream client disconnected")
	}()

	// Reads only detect the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Clients returns the number of connected clients.
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(h.clients, conn)
	}
}

func write(conn *websocket.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
