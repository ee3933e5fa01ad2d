package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/sx4-core/internal/bus"
	"github.com/nerrad567/sx4-core/internal/infrastructure/config"
	"github.com/nerrad567/sx4-core/internal/infrastructure/logging"
	"github.com/nerrad567/sx4-core/internal/route"
)

// Message types of the event stream.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsSendBufferSize = 256
)

// Event names a client can subscribe to.
const (
	EventChannelChanged    = "channel.changed"
	EventPowerChanged      = "power.changed"
	EventConnectionChanged = "connection.changed"
	EventRoute             = "route.event"
)

var knownEvents = map[string]struct{}{
	EventChannelChanged:    {},
	EventPowerChanged:      {},
	EventConnectionChanged: {},
	EventRoute:             {},
}

// ChannelEvent is the payload of channel.changed.
type ChannelEvent struct {
	Channel  int    `json:"channel"`
	Value    int    `json:"value"`
	Previous int    `json:"previous"`
	Source   string `json:"source"`
}

// ValueEvent is the payload of power.changed and connection.changed.
type ValueEvent struct {
	Value    int    `json:"value"`
	Previous int    `json:"previous"`
	Source   string `json:"source"`
}

// WSMessage is one JSON frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

func encodeMessage(msgType, id, eventType string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

// Hub fans events out to connected clients. A client whose buffer is
// full misses the event rather than slowing the publisher down.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.Mutex
	clients map[*WSClient]struct{}
}

// WSClient is one event stream connection.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn

	mu            sync.Mutex
	send          chan []byte
	closed        bool
	subscriptions map[string]struct{}
}

// upgrader leaves origin checks to the CORS middleware.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and closes its send channel. Repeated
// calls are harmless.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast delivers an event to every client subscribed to eventType.
func (h *Hub) Broadcast(eventType string, payload any) {
	data, err := encodeMessage(WSTypeEvent, "", eventType, payload)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "event", eventType, "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.deliver(eventType, data)
	}
}

// deliver queues data if the client subscribes to eventType.
func (c *WSClient) deliver(eventType string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[eventType]; ok {
		c.enqueueLocked(data)
	}
}

func (c *WSClient) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(data)
}

func (c *WSClient) enqueueLocked(data []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ─── Event Relay ───────────────────────────────────────────────────

// relayEvents subscribes the hub to registry changes and route events.
// Both callbacks only encode and enqueue.
//
// Returns:
//   - []func(): Unsubscribe functions, called by Close
func (s *Server) relayEvents() []func() {
	unsubs := []func(){s.registry.Subscribe(s.broadcastChange)}
	if s.routes != nil {
		unsubs = append(unsubs, s.routes.Subscribe(func(ev route.Event) {
			s.hub.Broadcast(EventRoute, ev)
		}))
	}
	return unsubs
}

func (s *Server) broadcastChange(c bus.Change) {
	value := ValueEvent{Value: c.Value, Previous: c.Previous, Source: c.Source.String()}
	switch c.Kind {
	case bus.ChangeChannel:
		s.hub.Broadcast(EventChannelChanged, ChannelEvent{
			Channel:  c.Channel,
			Value:    c.Value,
			Previous: c.Previous,
			Source:   value.Source,
		})
	case bus.ChangePower:
		s.hub.Broadcast(EventPowerChanged, value)
	case bus.ChangeConnection:
		s.hub.Broadcast(EventConnectionChanged, value)
	}
}

// ─── Connection Handling ───────────────────────────────────────────

// handleWebSocket upgrades to an event stream. ?subscribe=a,b subscribes
// to the listed events on connect; unknown names are ignored.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	for _, name := range strings.Split(r.URL.Query().Get("subscribe"), ",") {
		if _, ok := knownEvents[strings.TrimSpace(name)]; ok {
			c.subscriptions[strings.TrimSpace(name)] = struct{}{}
		}
	}

	s.hub.Register(c)

	ka := newKeepalive(s.wsCfg)
	go c.writePump(ka)
	go c.readPump(ka, int64(s.wsCfg.MaxMessageSize))
}

// keepalive holds the ping schedule. The peer must answer a ping, or
// send anything, within interval+pongWait.
type keepalive struct {
	interval time.Duration
	pongWait time.Duration
}

func newKeepalive(cfg config.WebSocketConfig) keepalive {
	return keepalive{
		interval: time.Duration(cfg.PingInterval) * time.Second,
		pongWait: time.Duration(cfg.PongTimeout) * time.Second,
	}
}

func (k keepalive) readDeadline() time.Time {
	return time.Now().Add(k.interval + k.pongWait)
}

func (k keepalive) writeDeadline() time.Time {
	return time.Now().Add(k.pongWait)
}

func (c *WSClient) readPump(ka keepalive, limit int64) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(limit)
	//nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetReadDeadline(ka.readDeadline())
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(ka.readDeadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		//nolint:errcheck // a failed deadline surfaces as a read error
		c.conn.SetReadDeadline(ka.readDeadline())
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump(ka keepalive) {
	ticker := time.NewTicker(ka.interval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		var (
			kind int
			data []byte
		)
		select {
		case msg, ok := <-c.send:
			if !ok {
				//nolint:errcheck // connection is going away
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			kind, data = websocket.TextMessage, msg
		case <-ticker.C:
			kind = websocket.PingMessage
		}

		//nolint:errcheck // a failed deadline surfaces as a write error
		c.conn.SetWriteDeadline(ka.writeDeadline())
		if err := c.conn.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

// ─── Client Messages ───────────────────────────────────────────────

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, errorBody("invalid JSON message"))
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.updateSubscriptions(msg, true)
	case WSTypeUnsubscribe:
		c.updateSubscriptions(msg, false)
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.reply(msg.ID, WSTypeError, errorBody("unknown message type: "+msg.Type))
	}
}

// updateSubscriptions adds or removes event names. The whole request is
// rejected if any name is unknown.
func (c *WSClient) updateSubscriptions(msg WSMessage, add bool) {
	var sub WSSubscribePayload
	raw, err := json.Marshal(msg.Payload)
	if err == nil {
		err = json.Unmarshal(raw, &sub)
	}
	if err != nil {
		c.reply(msg.ID, WSTypeError, errorBody("invalid "+msg.Type+" payload"))
		return
	}
	for _, name := range sub.Channels {
		if _, ok := knownEvents[name]; !ok {
			c.reply(msg.ID, WSTypeError, errorBody("unknown event: "+name))
			return
		}
	}

	c.mu.Lock()
	for _, name := range sub.Channels {
		if add {
			c.subscriptions[name] = struct{}{}
		} else {
			delete(c.subscriptions, name)
		}
	}
	c.mu.Unlock()

	key := "subscribed"
	if !add {
		key = "unsubscribed"
	}
	c.hub.logger.Debug("websocket subscriptions changed", key, sub.Channels)
	c.reply(msg.ID, WSTypeResponse, map[string]any{key: sub.Channels})
}

func errorBody(message string) map[string]string {
	return map[string]string{"message": message}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := encodeMessage(msgType, id, "", payload)
	if err != nil {
		return
	}
	c.enqueue(data)
}
