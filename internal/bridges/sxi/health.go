package sxi

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/sx4-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/sx4-core/internal/periodic"
)

// HealthStatus is the reported state of the bridge.
type HealthStatus string

// Health status values.
const (
	HealthStarting HealthStatus = "starting"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStopping HealthStatus = "stopping"
	HealthOffline  HealthStatus = "offline"
)

// defaultHealthInterval is used when HealthReporterConfig.Interval is zero.
const defaultHealthInterval = 30 * time.Second

// HealthMessage is the retained payload published on sx4/health/<bridge>.
type HealthMessage struct {
	Bridge        string          `json:"bridge"`
	Status        HealthStatus    `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	Version       string          `json:"version,omitempty"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Connection    *ConnectionInfo `json:"connection,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ConnectionInfo describes the interface link in a health message.
type ConnectionInfo struct {
	Address string `json:"address"`
	Stats
}

// HealthPublisher is the interface for publishing health messages.
// *mqtt.Client implements it.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// StatsSource provides the link state reported in health messages.
// *Client implements it.
type StatsSource interface {
	IsConnected() bool
	Stats() Stats
	Address() string
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// BridgeID names the bridge in the topic and payload.
	BridgeID string

	// Version is the controller software version.
	Version string

	// Interval is how often to publish. Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Source    StatsSource
}

// HealthReporter publishes bridge health to MQTT at a fixed interval.
type HealthReporter struct {
	bridgeID  string
	version   string
	startTime time.Time
	publisher HealthPublisher
	source    StatsSource
	task      *periodic.Task

	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	h := &HealthReporter{
		bridgeID:  cfg.BridgeID,
		version:   cfg.Version,
		startTime: time.Now(),
		publisher: cfg.Publisher,
		source:    cfg.Source,
	}
	h.task = periodic.New(0, interval, func(context.Context) {
		if err := h.PublishNow(); err != nil {
			h.logError("failed to publish health", err)
		}
	})
	return h
}

// Start begins periodic reporting; the first report is immediate.
func (h *HealthReporter) Start(ctx context.Context) {
	h.task.Start(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		h.task.Stop()
		//nolint:errcheck // best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// Topic returns the health topic of this bridge.
func (h *HealthReporter) Topic() string {
	return mqtt.Topics{}.BridgeHealth(h.bridgeID)
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.source == nil || !h.source.IsConnected() {
		return HealthDegraded, "interface disconnected"
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	now := time.Now().UTC()
	msg := HealthMessage{
		Bridge:        h.bridgeID,
		Status:        status,
		Reason:        reason,
		Version:       h.version,
		UptimeSeconds: int64(now.Sub(h.startTime).Seconds()),
		Timestamp:     now,
	}
	if h.source != nil {
		msg.Connection = &ConnectionInfo{Address: h.source.Address(), Stats: h.source.Stats()}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.publisher.Publish(h.Topic(), payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
