package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/sx4-core/internal/infrastructure/config"
)

const (
	// defaultConnectTimeout bounds the initial connect.
	defaultConnectTimeout = 10 * time.Second

	// defaultTokenTimeout bounds every publish, subscribe and unsubscribe.
	defaultTokenTimeout = 5 * time.Second

	defaultDisconnectQuiesce uint = 1000 // milliseconds
	defaultKeepAlive              = 60 * time.Second

	maxQoS = 2
)

// Controller status values published on sx4/system/status.
const (
	statusOnline  = "online"
	statusOffline = "offline"

	reasonShutdown   = "graceful_shutdown"
	reasonConnection = "unexpected_disconnect"
)

// controllerStatus is the retained payload of the system status topic.
// The broker publishes the offline variant as the Last Will.
type controllerStatus struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func statusPayload(clientID, status, reason string) []byte {
	//nolint:errchkjson // fixed struct of strings
	b, _ := json.Marshal(controllerStatus{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return b
}

// brokerURL returns tcp://host:port, or ssl:// when TLS is enabled.
func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// newClientOptions maps the MQTT config section onto paho options. The
// session is clean; subscriptions are restored by the client itself.
func newClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	// Last Will: the broker marks the controller offline if the
	// connection drops without a clean Close.
	opts.SetBinaryWill(Topics{}.SystemStatus(),
		statusPayload(cfg.Broker.ClientID, statusOffline, reasonConnection), 1, true)

	return opts
}

// wait blocks on a paho token for at most defaultTokenTimeout and wraps
// the outcome in base.
func wait(tok pahomqtt.Token, base error) error {
	if !tok.WaitTimeout(defaultTokenTimeout) {
		return fmt.Errorf("%w: timeout after %v", base, defaultTokenTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %w", base, err)
	}
	return nil
}
