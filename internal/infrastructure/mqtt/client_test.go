package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/nerrad567/sx4-core/internal/infrastructure/config"
)

const testBroker = "127.0.0.1:1883"

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "sx4-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// connectOrSkip connects to the local broker, skipping the test when no
// broker is listening.
func connectOrSkip(t *testing.T, clientID string) *Client {
	t.Helper()

	conn, err := net.DialTimeout("tcp", testBroker, 500*time.Millisecond)
	if err != nil {
		t.Skipf("no MQTT broker at %s: %v", testBroker, err)
	}
	conn.Close()

	cfg := testConfig()
	cfg.Broker.ClientID = clientID
	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	client := connectOrSkip(t, "sx4-test-connect")

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil", err)
	}
}

func TestConnect_BrokerRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := testConfig()
	cfg.Broker.Port = port

	_, err = Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClose(t *testing.T) {
	client := connectOrSkip(t, "sx4-test-close")

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close(), want false")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	client := &Client{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}
	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

// =============================================================================
// Validation Tests (no broker required)
// =============================================================================

func TestPublish_Validation(t *testing.T) {
	client := &Client{}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "sx4/test", []byte("x"), 3, ErrInvalidQoS},
		{"payload too large", "sx4/test", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"disconnected", "sx4/test", []byte("x"), 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPublishJSON_MarshalError(t *testing.T) {
	client := &Client{}

	err := client.PublishJSON("sx4/test", func() {}, false)
	if !errors.Is(err, ErrPublishFailed) {
		t.Errorf("PublishJSON() error = %v, want ErrPublishFailed", err)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Subscribe("sx4/test", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if err := client.Subscribe("sx4/test", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v, want ErrSubscribeFailed", err)
	}
	if err := client.Subscribe("sx4/test", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe(disconnected) error = %v, want ErrNotConnected", err)
	}
	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

// =============================================================================
// Broker Round Trips
// =============================================================================

func TestPublishSubscribeRoundtrip(t *testing.T) {
	pub := connectOrSkip(t, "sx4-test-pub")
	sub := connectOrSkip(t, "sx4-test-sub")

	topic := Topics{}.ChannelCommand(81)
	received := make(chan []byte, 1)

	err := sub.Subscribe(topic, 1, func(_ string, payload []byte) error {
		received <- payload
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !sub.HasSubscription(topic) {
		t.Errorf("HasSubscription(%s) = false, want true", topic)
	}

	time.Sleep(100 * time.Millisecond)

	if err := pub.PublishJSON(topic, map[string]int{"value": 3}, false); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	select {
	case got := <-received:
		if string(got) != `{"value":3}` {
			t.Errorf("payload = %s, want {\"value\":3}", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	if err := sub.Unsubscribe(topic); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if sub.HasSubscription(topic) {
		t.Error("HasSubscription() = true after Unsubscribe")
	}
}

func TestWildcardSubscription(t *testing.T) {
	pub := connectOrSkip(t, "sx4-test-wild-pub")
	sub := connectOrSkip(t, "sx4-test-wild-sub")

	received := make(chan string, 3)
	err := sub.Subscribe(Topics{}.AllRouteCommands(), 1, func(topic string, _ []byte) error {
		received <- topic
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	want := map[string]bool{}
	for _, addr := range []int{2201, 2202, 2203} {
		topic := Topics{}.RouteCommand(addr)
		want[topic] = true
		if err := pub.PublishString(topic, `{"action":"set"}`, 1, false); err != nil {
			t.Fatalf("PublishString(%s) error = %v", topic, err)
		}
	}

	for range want {
		select {
		case topic := <-received:
			if !want[topic] {
				t.Errorf("unexpected topic %s", topic)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for wildcard messages")
		}
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	pub := connectOrSkip(t, "sx4-test-panic-pub")
	sub := connectOrSkip(t, "sx4-test-panic-sub")

	logger := &recordingLogger{errs: make(chan string, 1)}
	sub.SetLogger(logger)

	topic := "sx4/test/panic"
	err := sub.Subscribe(topic, 1, func(string, []byte) error {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := pub.PublishString(topic, "x", 1, false); err != nil {
		t.Fatalf("PublishString() error = %v", err)
	}

	select {
	case msg := <-logger.errs:
		if msg != "MQTT handler panic recovered" {
			t.Errorf("logged %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not logged")
	}
}

type recordingLogger struct {
	errs chan string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	select {
	case l.errs <- msg:
	default:
	}
}

func (l *recordingLogger) Warn(string, ...any) {}

// =============================================================================
// Options Tests
// =============================================================================

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		broker config.MQTTBrokerConfig
		want   string
	}{
		{config.MQTTBrokerConfig{Host: "localhost", Port: 1883}, "tcp://localhost:1883"},
		{config.MQTTBrokerConfig{Host: "broker.club", Port: 8883, TLS: true}, "ssl://broker.club:8883"},
	}
	for _, tt := range tests {
		if got := brokerURL(tt.broker); got != tt.want {
			t.Errorf("brokerURL(%+v) = %q, want %q", tt.broker, got, tt.want)
		}
	}
}

func TestStatusPayload(t *testing.T) {
	var got controllerStatus
	if err := json.Unmarshal(statusPayload("sx4-core", statusOffline, reasonShutdown), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != "offline" || got.ClientID != "sx4-core" || got.Reason != "graceful_shutdown" {
		t.Errorf("status = %+v", got)
	}
	if _, err := time.Parse(time.RFC3339, got.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", got.Timestamp, err)
	}

	if err := json.Unmarshal(statusPayload("sx4-core", statusOnline, ""), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != "online" {
		t.Errorf("status = %q, want online", got.Status)
	}
}

// =============================================================================
// Topics Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		got  string
		want string
	}{
		{topics.ChannelState(81), "sx4/state/channel/81"},
		{topics.PowerState(), "sx4/state/power"},
		{topics.RouteState(2201), "sx4/state/route/2201"},
		{topics.ChannelCommand(0), "sx4/command/channel/0"},
		{topics.PowerCommand(), "sx4/command/power"},
		{topics.RouteCommand(2201), "sx4/command/route/2201"},
		{topics.SystemStatus(), "sx4/system/status"},
		{topics.BridgeHealth("sxi"), "sx4/health/sxi"},
		{topics.AllChannelCommands(), "sx4/command/channel/+"},
		{topics.AllRouteCommands(), "sx4/command/route/+"},
		{topics.AllStates(), "sx4/state/#"},
		{topics.AllTopics(), "sx4/#"},
	}

	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("topic = %q, want %q", tt.got, tt.want)
			}
		})
	}
}
