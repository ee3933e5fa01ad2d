// SX4 - Selectrix model railway bus controller
//
// This is the main entry point for the SX4 controller. It keeps a mirror
// of the 112 SX bus channels, drives the panel elements and route
// interlocking of one layout, and serves SXnet clients (throttles,
// panels, timetables) over TCP and WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/sx4-core/migrations"

	"github.com/nerrad567/sx4-core/internal/api"
	"github.com/nerrad567/sx4-core/internal/bridges/sxi"
	"github.com/nerrad567/sx4-core/internal/bus"
	"github.com/nerrad567/sx4-core/internal/discovery"
	"github.com/nerrad567/sx4-core/internal/infrastructure/config"
	"github.com/nerrad567/sx4-core/internal/infrastructure/database"
	"github.com/nerrad567/sx4-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/sx4-core/internal/infrastructure/logging"
	"github.com/nerrad567/sx4-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/sx4-core/internal/journal"
	"github.com/nerrad567/sx4-core/internal/layout"
	"github.com/nerrad567/sx4-core/internal/panel"
	"github.com/nerrad567/sx4-core/internal/route"
	"github.com/nerrad567/sx4-core/internal/sxnet"
	"github.com/nerrad567/sx4-core/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// bridgeID names the upstream interface in health topics.
const bridgeID = "sxi"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Components are started bottom-up and stopped in reverse order by the
// deferred calls.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting SX4",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Bus registry and layout
	reg := bus.NewRegistry()
	reg.SetLogger(log.Component("bus"))

	lay, engine, err := loadLayout(cfg, reg)
	if err != nil {
		return err
	}
	defer lay.Detach()
	engine.SetLogger(log.Component("route"))
	log.Info("layout loaded",
		"path", cfg.Layout.File,
		"elements", lay.Len(),
		"routes", len(engine.Routes()),
	)

	// Bus driver
	var bridge *sxi.Client
	switch cfg.Bus.Driver {
	case config.DriverSXI:
		bridge, err = connectSXI(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("connecting to SX interface: %w", err)
		}
		defer func() {
			log.Info("closing SX interface connection")
			if closeErr := bridge.Close(); closeErr != nil {
				log.Error("error closing SX interface", "error", closeErr)
			}
		}()
		reg.Attach(bridge)
	default:
		reg.Attach(bus.NewSimulator())
		log.Info("bus simulator attached")
	}

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		if bridge != nil {
			reporter := sxi.NewHealthReporter(sxi.HealthReporterConfig{
				BridgeID:  bridgeID,
				Version:   version,
				Interval:  time.Duration(cfg.Bus.SXI.HealthInterval) * time.Second,
				Publisher: mqttClient,
				Source:    bridge,
			})
			reporter.SetLogger(log.Component("sxi"))
			reporter.Start(ctx)
			defer reporter.Stop()
		}
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Telemetry mirrors state to whichever of the two sinks is enabled.
	var telemetrySvc *telemetry.Service
	if mqttClient != nil || influxClient != nil {
		var pub telemetry.Publisher
		if mqttClient != nil {
			pub = mqttClient
		}
		var metrics telemetry.MetricsWriter
		if influxClient != nil {
			metrics = influxClient
		}
		telemetrySvc = telemetry.New(reg, engine, pub, metrics, telemetry.Options{})
		telemetrySvc.SetLogger(log.Component("telemetry"))
		if startErr := telemetrySvc.Start(ctx); startErr != nil {
			return fmt.Errorf("starting telemetry: %w", startErr)
		}
		defer telemetrySvc.Stop()
	}

	// Route journal
	journalRepo := journal.NewSQLiteRepository(db.DB)
	recorder := journal.NewRecorder(journalRepo, 0)
	recorder.SetLogger(log.Component("journal"))
	recorder.Start(ctx)
	defer recorder.Stop()
	detachJournal := recorder.Attach(engine)
	defer detachJournal()

	// SXnet server
	sxServer := sxnet.NewServer(reg, engine, sxnet.Options{
		InitialDelay:      cfg.GetInitialDelay(),
		BroadcastInterval: cfg.GetBroadcastInterval(),
		LineCap:           cfg.SXnet.LineCap,
		Debounce:          cfg.GetDebounce(),
	})
	sxServer.SetLogger(log.Component("sxnet"))
	defer func() {
		log.Info("stopping SXnet server")
		if closeErr := sxServer.Close(); closeErr != nil {
			log.Error("error closing SXnet server", "error", closeErr)
		}
	}()

	// HTTP API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Logger:   log.Component("api"),
			Registry: reg,
			Layout:   lay,
			Routes:   engine,
			Journal:  journalRepo,
			SXnet:    sxServer,
			MQTT:     mqttClient,
			DB:       db.DB,
			Recorder: recorder,
			Version:  version,
		}
		if bridge != nil {
			deps.Bridge = bridge
		}
		if telemetrySvc != nil {
			deps.Telemetry = telemetrySvc
		}
		apiServer, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("HTTP API disabled")
	}

	// mDNS (optional)
	if cfg.Discovery.Enabled {
		advertiser := discovery.NewAdvertiser(discoveryConfig(cfg))
		if advErr := advertiser.Start(); advErr != nil {
			log.Warn("mDNS advertisement failed", "error", advErr)
		} else {
			defer advertiser.Stop()
			log.Info("advertising SXnet service", "instance", cfg.Discovery.Instance, "type", discovery.ServiceType)
		}
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// The SXnet listener and the route sweep run until shutdown; if the
	// listener fails, the group context cancels the sweep as well.
	g, gctx := errgroup.WithContext(ctx)
	sweep := engine.SweepTask(cfg.GetSweepInterval())
	g.Go(func() error {
		sweep.Start(gctx)
		<-gctx.Done()
		sweep.Stop()
		return nil
	})
	g.Go(func() error {
		addr := net.JoinHostPort(cfg.SXnet.Host, strconv.Itoa(cfg.SXnet.Port))
		if serveErr := sxServer.ListenAndServe(gctx, addr); serveErr != nil && !errors.Is(serveErr, sxnet.ErrServerClosed) {
			return fmt.Errorf("sxnet server: %w", serveErr)
		}
		return nil
	})

	log.Info("initialisation complete, waiting for shutdown signal")
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown signal received, cleaning up")
	log.Info("SX4 stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses SX4_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SX4_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadLayout reads the layout file and builds the element index and the
// route engine. A duplicate element address is fatal.
func loadLayout(cfg *config.Config, reg *bus.Registry) (*panel.Layout, *route.Engine, error) {
	f, err := layout.Load(cfg.Layout.File)
	if err != nil {
		return nil, nil, fmt.Errorf("loading layout: %w", err)
	}
	lay, engine, err := layout.Build(f, reg, route.Options{
		AutoClearDelay: cfg.GetAutoClearDelay(),
		ClearSoonDelay: cfg.GetClearSoonDelay(),
	})
	if err != nil {
		if errors.Is(err, panel.ErrDuplicateAddress) {
			return nil, nil, fmt.Errorf("layout %s: %w", cfg.Layout.File, err)
		}
		return nil, nil, fmt.Errorf("building layout: %w", err)
	}
	return lay, engine, nil
}

// connectSXI dials the upstream SX interface.
func connectSXI(ctx context.Context, cfg *config.Config, log *logging.Logger) (*sxi.Client, error) {
	c := cfg.Bus.SXI
	client, err := sxi.Connect(ctx, sxi.Config{
		Connection:        c.Connection,
		ConnectTimeout:    time.Duration(c.ConnectTimeout) * time.Second,
		ReadTimeout:       time.Duration(c.ReadTimeout) * time.Second,
		ReconnectInterval: time.Duration(c.ReconnectInterval) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	client.SetLogger(log.Component("sxi"))
	log.Info("connected to SX interface", "address", client.Address())
	return client, nil
}

// discoveryConfig builds the mDNS advertisement from the configuration.
func discoveryConfig(cfg *config.Config) discovery.Config {
	dc := discovery.Config{
		Instance:  cfg.Discovery.Instance,
		Port:      cfg.SXnet.Port,
		Interface: cfg.Discovery.Interface,
		Version:   version,
		SiteID:    cfg.Site.ID,
	}
	if cfg.API.Enabled {
		dc.APIPort = cfg.API.Port
	}
	return dc
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// The SX interface reconnects on its own; a lost link is reported
	// through the registry connection status, not here.
	return nil
}
