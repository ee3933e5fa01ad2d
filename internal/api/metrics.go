package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/sx4-core/internal/bridges/sxi"
	"github.com/nerrad567/sx4-core/internal/bus"
	"github.com/nerrad567/sx4-core/internal/journal"
	"github.com/nerrad567/sx4-core/internal/sx"
	"github.com/nerrad567/sx4-core/internal/telemetry"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	MQTT          MQTTMetrics      `json:"mqtt"`
	Bus           BusMetrics       `json:"bus"`
	Bridge        *sxi.Stats       `json:"bridge,omitempty"`
	SXnet         SXnetMetrics     `json:"sxnet"`
	Routes        RouteMetrics     `json:"routes"`
	Telemetry     *telemetry.Stats `json:"telemetry,omitempty"`
	Journal       *journal.Stats   `json:"journal,omitempty"`
	Database      DatabaseMetrics  `json:"database"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// BusMetrics contains registry statistics.
type BusMetrics struct {
	bus.Stats
	Connected     bool `json:"connected"`
	Power         int  `json:"power"`
	KnownChannels int  `json:"known_channels"`
}

// SXnetMetrics contains session server statistics.
type SXnetMetrics struct {
	Sessions int `json:"sessions"`
}

// RouteMetrics contains route engine statistics.
type RouteMetrics struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Locked int `json:"locked_elements"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Bus: BusMetrics{
			Stats:     s.registry.Stats(),
			Connected: s.registry.ConnectionStatus() == sx.StatusConnected,
			Power:     s.registry.Power(),
		},
	}

	for _, v := range s.registry.Snapshot() {
		if v != sx.Invalid {
			metrics.Bus.KnownChannels++
		}
	}

	if s.mqtt != nil {
		metrics.MQTT = MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}
	if s.bridge != nil {
		st := s.bridge.Stats()
		metrics.Bridge = &st
	}
	if s.sxnet != nil {
		metrics.SXnet.Sessions = s.sxnet.SessionCount()
	}
	if s.routes != nil {
		for _, rt := range s.routes.Routes() {
			metrics.Routes.Total++
			if rt.Active() {
				metrics.Routes.Active++
			}
		}
	}
	if s.layout != nil {
		for _, e := range s.layout.Elements() {
			if e.Locked() {
				metrics.Routes.Locked++
			}
		}
	}
	if s.telemetry != nil {
		st := s.telemetry.Stats()
		metrics.Telemetry = &st
	}
	if s.recorder != nil {
		st := s.recorder.Stats()
		metrics.Journal = &st
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
