package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/sx4-core/internal/bus"
	"github.com/nerrad567/sx4-core/internal/infrastructure/config"
	"github.com/nerrad567/sx4-core/internal/panel"
	"github.com/nerrad567/sx4-core/internal/route"
)

// ─── Hub Tests ─────────────────────────────────────────────────────

func testHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := testHub(t)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{EventChannelChanged: {}},
	}
	hub.Register(client)

	hub.Broadcast(EventChannelChanged, ChannelEvent{Channel: 5, Value: 1, Source: "bus"})

	select {
	case msg := <-client.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if wsMsg.EventType != EventChannelChanged {
			t.Errorf("event_type = %q, want %q", wsMsg.EventType, EventChannelChanged)
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for broadcast message")
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	hub := testHub(t)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{EventRoute: {}},
	}
	hub.Register(client)

	hub.Broadcast(EventPowerChanged, ValueEvent{Value: 1})

	select {
	case <-client.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := testHub(t)

	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

func TestHub_SlowClientDoesNotBlock(t *testing.T) {
	hub := testHub(t)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, 1),
		subscriptions: map[string]struct{}{EventChannelChanged: {}},
	}
	hub.Register(client)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Broadcast(EventChannelChanged, ChannelEvent{Channel: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full client buffer")
	}
}

// ─── Event Stream Tests ────────────────────────────────────────────

// liveServer serves the test router over a real listener with the
// registry and engine relays installed.
func liveServer(t *testing.T) (*testEnv, string) {
	t.Helper()
	env := testServer(t)
	for _, unsub := range env.srv.relayEvents() {
		t.Cleanup(unsub)
	}
	ts := httptest.NewServer(env.router)
	t.Cleanup(ts.Close)
	return env, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// nextEvent reads messages until one with the given event type arrives.
func nextEvent(t *testing.T, ws *websocket.Conn, eventType string) WSMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		//nolint:errcheck // read error reported below
		ws.SetReadDeadline(deadline)
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", eventType, err)
		}
		if msg.Type == WSTypeEvent && msg.EventType == eventType {
			return msg
		}
	}
}

// waitForClients waits until the hub has registered n clients.
func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocket_ChannelEvents(t *testing.T) {
	env, base := liveServer(t)
	ws := dial(t, base+"/api/v1/ws?subscribe="+EventChannelChanged+","+EventPowerChanged)
	waitForClients(t, env.srv.hub, 1)

	env.reg.ApplyExternal(17, 4)
	msg := nextEvent(t, ws, EventChannelChanged)

	raw, _ := json.Marshal(msg.Payload)
	var ev ChannelEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if ev.Channel != 17 || ev.Value != 4 || ev.Source != bus.SourceBus.String() {
		t.Errorf("event = %+v, want channel 17 = 4 from bus", ev)
	}

	env.reg.SetPower(1, true)
	nextEvent(t, ws, EventPowerChanged)
}

func TestWebSocket_RouteEvents(t *testing.T) {
	env, base := liveServer(t)
	ws := dial(t, base+"/api/v1/ws")
	waitForClients(t, env.srv.hub, 1)

	sub := WSMessage{Type: WSTypeSubscribe, ID: "sub-1", Payload: WSSubscribePayload{Channels: []string{EventRoute}}}
	if err := ws.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var resp WSMessage
	//nolint:errcheck // read error reported below
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}

	if err := env.engine.Set(2201, false, panel.NoTrain); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	msg := nextEvent(t, ws, EventRoute)

	raw, _ := json.Marshal(msg.Payload)
	var ev route.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if ev.Route != 2201 || ev.Kind != route.EventSet {
		t.Errorf("event = %+v, want set of 2201", ev)
	}
}

func TestWebSocket_PingAndErrors(t *testing.T) {
	env, base := liveServer(t)
	ws := dial(t, base+"/api/v1/ws")
	waitForClients(t, env.srv.hub, 1)

	tests := []struct {
		name    string
		send    string
		msgType string
	}{
		{"ping", `{"type":"ping","id":"p1"}`, WSTypePong},
		{"invalid json", `not json`, WSTypeError},
		{"unknown type", `{"type":"shout","id":"x"}`, WSTypeError},
		{"unknown event", `{"type":"subscribe","id":"s","payload":{"channels":["train.moved"]}}`, WSTypeError},
		{"unsubscribe", `{"type":"unsubscribe","id":"u","payload":{"channels":["route.event"]}}`, WSTypeResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(tt.send)); err != nil {
				t.Fatalf("write: %v", err)
			}
			//nolint:errcheck // read error reported below
			ws.SetReadDeadline(time.Now().Add(2 * time.Second))
			var msg WSMessage
			if err := ws.ReadJSON(&msg); err != nil {
				t.Fatalf("read: %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("type = %q, want %q", msg.Type, tt.msgType)
			}
		})
	}

	ws.Close()
	waitForClients(t, env.srv.hub, 0)
}

// ─── SXnet over WebSocket ──────────────────────────────────────────

// readUntil reads text frames until one equals want.
func readUntil(t *testing.T, ws *websocket.Conn, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		//nolint:errcheck // read error reported below
		ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", want, err)
		}
		if string(data) == want {
			return
		}
	}
}

func TestSXnet_Session(t *testing.T) {
	env, base := liveServer(t)
	env.reg.Update(5, 17, false)
	ws := dial(t, base+"/api/v1/sxnet")

	//nolint:errcheck // read error reported below
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, greeting, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if !strings.HasPrefix(string(greeting), "SXnetServer") {
		t.Errorf("greeting = %q", greeting)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("R 5")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, ws, "X 5 17")

	// Several commands in one frame, one per line.
	if err := ws.WriteMessage(websocket.TextMessage, []byte("SX 6 9\r\nR 6\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, ws, "X 6 9")
	if got := env.reg.Get(6); got != 9 {
		t.Errorf("channel 6 = %d, want 9", got)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("QUIT")); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for env.srv.sxnet.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session count = %d after QUIT, want 0", env.srv.sxnet.SessionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSXnet_Unavailable(t *testing.T) {
	srv, err := New(Deps{Logger: testLogger(), Registry: bus.NewRegistry()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sxnet", nil)
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
