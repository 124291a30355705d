// Package websocket pushes session and security events to connected browser
// clients. Every client is subscribed to its own session topic; the hub acts
// as the client-side session store the session manager drives.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phiguard/internal/platform/auth"
	"github.com/ehr/phiguard/internal/platform/hipaa"
	"github.com/ehr/phiguard/internal/platform/session"
)

// Event types pushed to clients.
const (
	EventSessionSaved   = "session.saved"
	EventSessionWarning = "session.warning"
	EventSessionEnded   = "session.ended"
	EventSecurityAlert  = "security.alert"
)

// TopicSecurityAlerts carries high severity audit events. Only admins may
// subscribe.
const TopicSecurityAlerts = "security.alerts"

const sessionTopicPrefix = "session:"

// SessionTopic is the private topic of userID's session events.
func SessionTopic(userID string) string {
	return sessionTopicPrefix + userID
}

// Event is a message pushed to clients.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SessionEnded is the payload of a session.ended event. The client clears its
// stored identity and navigates to RedirectURL.
type SessionEnded struct {
	UserID      string         `json:"user_id"`
	Reason      session.Reason `json:"reason"`
	RedirectURL string         `json:"redirect_url"`
}

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	UserID string
	Roles  []string
	Topics []string
	Send   chan []byte
}

// NewClient creates a client for userID subscribed to its session topic.
func NewClient(userID string, roles []string) *Client {
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Roles:  roles,
		Topics: []string{SessionTopic(userID)},
		Send:   make(chan []byte, 64),
	}
}

// Hub tracks clients and their topic subscriptions, and remembers the last
// saved session of each user so a reconnecting client can restore it.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{} // topic -> set of clients
	all      map[*Client]struct{}
	sessions map[string]session.Info // user id -> last saved session
	logger   zerolog.Logger
	now      func() time.Time
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:  make(map[string]map[*Client]struct{}),
		all:      make(map[*Client]struct{}),
		sessions: make(map[string]session.Info),
		logger:   logger,
		now:      time.Now,
	}
}

// Register adds a client and subscribes it to its initial topics. A saved
// session for the client's user is replayed to it.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.subscribeLocked(client, topic)
	}
	info, ok := h.sessions[client.UserID]
	h.mu.Unlock()

	if ok {
		if data, err := h.encode(EventSessionSaved, SessionTopic(client.UserID), info); err == nil {
			h.deliver(client, data)
		}
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.unsubscribeLocked(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds the topics the client is allowed to join. Session topics
// are fixed at registration; the alert topic requires the admin role.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if !client.allowed(topic) {
			h.logger.Warn().
				Str("user_id", client.UserID).
				Str("topic", topic).
				Msg("websocket subscription denied")
			continue
		}
		if h.subscribeLocked(client, topic) {
			client.Topics = append(client.Topics, topic)
		}
	}
}

// Unsubscribe removes topics from the client. The session topic cannot be
// left while connected.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	remove := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		if t == SessionTopic(client.UserID) {
			continue
		}
		remove[t] = struct{}{}
		h.unsubscribeLocked(client, t)
	}
	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, rm := remove[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (c *Client) allowed(topic string) bool {
	switch {
	case strings.HasPrefix(topic, sessionTopicPrefix):
		return false
	case topic == TopicSecurityAlerts:
		return auth.HasAnyRole(c.Roles, string(hipaa.RoleAdmin))
	default:
		return topic != ""
	}
}

func (h *Hub) subscribeLocked(client *Client, topic string) bool {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	if _, ok := h.clients[topic][client]; ok {
		return false
	}
	h.clients[topic][client] = struct{}{}
	return true
}

func (h *Hub) unsubscribeLocked(client *Client, topic string) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// ProcessMessage handles an inbound ClientMessage.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends payload as an event of the given type to every subscriber
// of topic. Slow clients are skipped rather than blocking the caller.
func (h *Hub) Broadcast(topic, eventType string, payload any) error {
	data, err := h.encode(eventType, topic, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[topic] {
		h.deliver(client, data)
	}
	return nil
}

func (h *Hub) encode(eventType, topic string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Type: eventType, Topic: topic, Timestamp: h.now().UTC(), Data: raw})
}

func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		h.logger.Warn().Str("client_id", client.ID).Msg("websocket client buffer full, dropping event")
	}
}

// Save stores info and pushes it to the user's clients.
func (h *Hub) Save(_ context.Context, info session.Info) error {
	h.mu.Lock()
	h.sessions[info.UserID] = info
	h.mu.Unlock()
	return h.Broadcast(SessionTopic(info.UserID), EventSessionSaved, info)
}

// PromptRenewal asks the user's clients to offer a session extension.
func (h *Hub) PromptRenewal(_ context.Context, info session.Info) error {
	h.mu.Lock()
	h.sessions[info.UserID] = info
	h.mu.Unlock()
	return h.Broadcast(SessionTopic(info.UserID), EventSessionWarning, info)
}

// ClearAndRedirect forgets the user's session and tells their clients to
// clear local state and navigate to redirectURL.
func (h *Hub) ClearAndRedirect(_ context.Context, userID string, reason session.Reason, redirectURL string) error {
	h.mu.Lock()
	delete(h.sessions, userID)
	h.mu.Unlock()
	return h.Broadcast(SessionTopic(userID), EventSessionEnded, SessionEnded{
		UserID:      userID,
		Reason:      reason,
		RedirectURL: redirectURL,
	})
}

// SavedSession returns the last session saved for userID.
func (h *Hub) SavedSession(userID string) (session.Info, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	info, ok := h.sessions[userID]
	return info, ok
}

// Alert pushes a high severity audit entry to subscribed admins. It
// implements hipaa.Alerter.
func (h *Hub) Alert(_ context.Context, entry hipaa.AuditEntry) error {
	return h.Broadcast(TopicSecurityAlerts, EventSecurityAlert, entry)
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// ---------------------------------------------------------------------------
// WebSocketHandler - Echo HTTP handler for WebSocket connections
// ---------------------------------------------------------------------------

// WebSocketHandler upgrades authenticated requests and pumps messages.
type WebSocketHandler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewWebSocketHandler creates a handler bound to hub. allowedOrigins lists
// the browser origins permitted to connect; empty allows any origin.
func NewWebSocketHandler(hub *Hub, allowedOrigins []string) *WebSocketHandler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &WebSocketHandler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				_, ok := origins[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
// m runs on the endpoint only, typically the authentication middleware.
func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.GET("/ws", wsh.HandleConnect, m...)
}

// HandleConnect upgrades the connection, registers the client on its user's
// session topic and starts the read and write pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(userID, auth.RolesFromContext(ctx))
	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // Ignore malformed messages.
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()
	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
