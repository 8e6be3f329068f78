// Package websocket pushes bed-board updates to connected ward screens.
// Clients subscribe to topics inside their own tenant; lifecycle events are
// broadcast to the topic of every ward they touch and to "admissions".
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/adt/internal/platform/db"
	"github.com/ehr/adt/internal/platform/events"
)

const (
	TopicAdmissions = "admissions"
	wardTopicPrefix = "ward:"

	sendBuffer = 256
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// WardTopic names the topic carrying updates for one ward.
func WardTopic(wardNumber string) string {
	return wardTopicPrefix + wardNumber
}

// ClientMessage is what a screen sends to change its subscriptions.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one connected screen.
type Client struct {
	ID       string
	TenantID string
	Send     chan []byte

	topics map[string]struct{}
}

func NewClient(tenantID string, topics ...string) *Client {
	c := &Client{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Send:     make(chan []byte, sendBuffer),
		topics:   make(map[string]struct{}),
	}
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	return c
}

// Hub tracks clients by tenant-scoped topic.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // tenant/topic -> clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "ws_hub").Logger(),
	}
}

func scopedTopic(tenantID, topic string) string {
	return tenantID + "/" + topic
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for topic := range client.topics {
		h.addLocked(client, topic)
	}
}

// Unregister drops the client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for topic := range client.topics {
		h.removeLocked(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if topic == "" {
			continue
		}
		client.topics[topic] = struct{}{}
		if _, ok := h.all[client]; ok {
			h.addLocked(client, topic)
		}
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		delete(client.topics, topic)
		h.removeLocked(client, topic)
	}
}

func (h *Hub) addLocked(client *Client, topic string) {
	key := scopedTopic(client.TenantID, topic)
	if h.clients[key] == nil {
		h.clients[key] = make(map[*Client]struct{})
	}
	h.clients[key][client] = struct{}{}
}

func (h *Hub) removeLocked(client *Client, topic string) {
	key := scopedTopic(client.TenantID, topic)
	if subscribers, ok := h.clients[key]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, key)
		}
	}
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast delivers data to each distinct subscriber of the tenant's topics.
// Slow clients with a full buffer miss the message.
func (h *Hub) Broadcast(tenantID string, data []byte, topics ...string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, topic := range topics {
		for client := range h.clients[scopedTopic(tenantID, topic)] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				h.logger.Warn().Str("client_id", client.ID).Msg("client buffer full, dropping update")
			}
		}
	}
	return len(seen)
}

// Publish implements events.Publisher.
func (h *Hub) Publish(_ context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	topics := []string{TopicAdmissions}
	for _, w := range e.Wards() {
		topics = append(topics, WardTopic(w))
	}
	h.Broadcast(e.TenantID, data, topics...)
	return nil
}

// Relay broadcasts events from src until it closes or ctx is done. It is
// fed by a Redis subscription so every instance's screens see every
// instance's transitions.
func (h *Hub) Relay(ctx context.Context, src <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-src:
			if !ok {
				return
			}
			if err := h.Publish(ctx, e); err != nil {
				h.logger.Error().Err(err).Str("type", e.Type).Msg("relay event")
			}
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(tenantID, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[scopedTopic(tenantID, topic)])
}

// Handler upgrades /ws requests and pumps messages for each client.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts any origin when allowedOrigins is empty or contains "*".
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || allowed["*"] || origin == "" || allowed[origin]
			},
		},
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect subscribes the screen to "admissions" plus any ward query
// parameters (?ward=W1&ward=W2).
func (h *Handler) HandleConnect(c echo.Context) error {
	tenantID := db.TenantFromContext(c.Request().Context())

	topics := []string{TopicAdmissions}
	for _, w := range c.QueryParams()["ward"] {
		topics = append(topics, WardTopic(w))
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(tenantID, topics...)
	h.hub.Register(client)
	h.hub.logger.Debug().Str("client_id", client.ID).Str("tenant_id", tenantID).Msg("client connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
