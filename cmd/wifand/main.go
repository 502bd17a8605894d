// WiFan Bridge - Panasonic Wi-Fi Ceiling Fan Daemon
//
// This is the main entry point for the wifand daemon. wifand keeps a
// local registry of Panasonic Wi-Fi ceiling fans in sync with the
// vendor cloud and exposes them to the local network:
//   - Optimistic command writes with bounded retry and rollback
//   - Scheduled polling to reconcile local state against the cloud
//   - Retained MQTT state and availability topics for Home Assistant
//   - REST and WebSocket API for dashboards and tooling
//   - SQLite state history and optional InfluxDB telemetry
//
// Run "wifand generate-api-key" to mint an API key and the hash the
// config file needs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/doubleukay/panasonic-wifan-ha/migrations"

	"github.com/doubleukay/panasonic-wifan-ha/internal/api"
	"github.com/doubleukay/panasonic-wifan-ha/internal/auth"
	mqttbridge "github.com/doubleukay/panasonic-wifan-ha/internal/bridges/mqtt"
	"github.com/doubleukay/panasonic-wifan-ha/internal/cloud"
	"github.com/doubleukay/panasonic-wifan-ha/internal/engine"
	"github.com/doubleukay/panasonic-wifan-ha/internal/fan"
	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/config"
	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/database"
	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/influxdb"
	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/logging"
	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/mqtt"
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

// telemetryFeedBuffer is the registry subscription buffer for the
// InfluxDB relay. Slow writes drop events rather than block the
// registry.
const telemetryFeedBuffer = 64

func main() {
	// One-shot helper: print a fresh API key and its hash, then exit
	// without starting the daemon.
	if len(os.Args) > 1 && os.Args[1] == "generate-api-key" {
		if err := generateAPIKey(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	// This is the Go pattern for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run the application
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting WiFan bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
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

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// State history, retention per device from config
	history := fan.NewSQLiteHistoryRepository(db.DB, cfg.Sync.HistoryLimit)

	// Initialise fan registry
	registry := fan.NewRegistry()
	registry.SetLogger(log)

	// Establish the cloud session up front so bad credentials fail the
	// start rather than the first poll.
	sessions, err := cloud.NewSessionManager(cfg.Cloud, log)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}
	defer func() {
		log.Info("releasing cloud session")
		sessions.Teardown()
	}()

	if _, acquireErr := sessions.Acquire(ctx); acquireErr != nil {
		return fmt.Errorf("acquiring cloud session: %w", acquireErr)
	}
	log.Info("cloud session established", "base_url", cfg.Cloud.Auth.BaseURL)

	cloudClient := cloud.NewClient(cfg.Cloud, cfg.Sync.GetSettleDelay(), sessions, log)

	// Sync engine: optimistic writes, bounded retry, poll reconciliation
	eng, err := engine.New(engine.Options{
		Client:        cloudClient,
		Registry:      registry,
		History:       history,
		Logger:        log,
		RetryBase:     cfg.Sync.GetRetryBase(),
		RetryCap:      cfg.Sync.GetRetryCap(),
		RetryAttempts: cfg.Sync.RetryAttempts,
		PollInterval:  cfg.Sync.GetPollInterval(),
	})
	if err != nil {
		return fmt.Errorf("creating sync engine: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Sync.GetShutdownTimeout())
		defer stopCancel()
		log.Info("stopping sync engine")
		if stopErr := eng.Stop(stopCtx); stopErr != nil {
			log.Error("sync engine stopped with pending work", "error", stopErr)
		}
	}()

	dispatcher := engine.NewDispatcher(eng, registry, log)

	// First reconciliation pass populates the registry before any
	// surface comes up. A cloud hiccup here is not fatal, the poller
	// retries on its normal cadence.
	if pollErr := eng.PollOnce(ctx); pollErr != nil {
		log.Warn("initial poll failed, retrying on schedule", "error", pollErr)
	} else {
		log.Info("initial poll complete", "fans", registry.Count())
	}

	// Scheduled reconciliation
	poller, err := engine.NewPoller(engine.PollerOptions{
		Runner:   eng,
		Interval: cfg.Sync.GetPollInterval(),
		Jitter:   cfg.Sync.PollJitter,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("creating poller: %w", err)
	}
	go poller.Run(ctx)
	log.Info("poller started",
		"interval", cfg.Sync.GetPollInterval().String(),
		"jitter", cfg.Sync.PollJitter,
	)

	// Connect to MQTT broker (optional)
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
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		// Set up MQTT logging callbacks
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		bridge, bridgeErr := startMQTTBridge(cfg, mqttClient, dispatcher, registry, log)
		if bridgeErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", bridgeErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		// Set up InfluxDB error callback
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})

		stopTelemetry := startTelemetry(ctx, registry, influxClient)
		defer stopTelemetry()
		log.Info("telemetry relay started")
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start REST/WebSocket API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:    cfg.API,
			WS:        cfg.WebSocket,
			Logger:    log,
			Registry:  registry,
			Commander: dispatcher,
			Syncer:    eng,
			History:   history,
			Version:   version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Sync.GetShutdownTimeout())
			defer closeCancel()
			log.Info("stopping API server")
			if closeErr := apiServer.Close(closeCtx); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		log.Info("API server started",
			"addr", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		)
	} else {
		log.Info("API disabled")
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server (if enabled)
	// 2. Telemetry relay and InfluxDB (if enabled)
	// 3. MQTT bridge, then MQTT client (if enabled)
	// 4. Sync engine (flushes pending writes, bounded by shutdown timeout)
	// 5. Cloud session
	// 6. Database

	log.Info("WiFan bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses WIFAN_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("WIFAN_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
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
	// Check database
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// Check MQTT (if enabled)
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	// Check InfluxDB (if enabled)
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// Cloud health was verified during startup: the session manager
	// performed a full login before the first poll.

	return nil
}

// startMQTTBridge wires the fan registry and command dispatcher onto
// the broker: retained state and availability publishing, and inbound
// command subscriptions.
//
// Parameters:
//   - cfg: Application configuration
//   - mqttClient: Connected MQTT client
//   - dispatcher: Command dispatcher for inbound set commands
//   - registry: Fan registry supplying snapshots and events
//   - log: Logger instance
//
// Returns:
//   - *mqttbridge.Bridge: Running bridge
//   - error: If the bridge fails to start
func startMQTTBridge(cfg *config.Config, mqttClient *mqtt.Client, dispatcher *engine.Dispatcher, registry *fan.Registry, log *logging.Logger) (*mqttbridge.Bridge, error) {
	bridge, err := mqttbridge.New(mqttbridge.Options{
		Config:    cfg.MQTT,
		Broker:    mqttClient,
		Commander: dispatcher,
		Fans:      registry,
		Logger:    log,
	})
	if err != nil {
		return nil, fmt.Errorf("creating MQTT bridge: %w", err)
	}

	if err := bridge.Start(); err != nil {
		return nil, fmt.Errorf("starting MQTT bridge: %w", err)
	}
	log.Info("MQTT bridge started", "base_topic", cfg.MQTT.BaseTopic)

	return bridge, nil
}

// startTelemetry relays registry events into InfluxDB: state changes
// become fan_state points, health transitions become availability
// points. A removed fan is recorded as offline.
//
// Parameters:
//   - ctx: Context bounding the relay goroutine
//   - registry: Fan registry to subscribe to
//   - influxClient: Connected InfluxDB client
//
// Returns:
//   - func(): Stops the relay and releases the subscription
func startTelemetry(ctx context.Context, registry *fan.Registry, influxClient *influxdb.Client) func() {
	events, cancel := registry.Subscribe(telemetryFeedBuffer)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Kind {
				case fan.EventDiscovered, fan.EventStateChanged:
					influxClient.WriteFanState(ev.Snapshot.Descriptor, ev.Snapshot.State)
				case fan.EventHealthChanged:
					online := ev.Snapshot.Health == fan.HealthOnline || ev.Snapshot.Health == fan.HealthDegraded
					influxClient.WriteAvailability(ev.Snapshot.Descriptor.DeviceID, ev.Snapshot.Descriptor.Name, online)
				case fan.EventRemoved:
					influxClient.WriteAvailability(ev.Snapshot.Descriptor.DeviceID, ev.Snapshot.Descriptor.Name, false)
				}
			}
		}
	}()

	return cancel
}

// generateAPIKey prints a fresh API key together with its Argon2id
// hash. The key goes to the caller, the hash goes into api.key_hash in
// the config file. The daemon never stores the plain key.
//
// Returns:
//   - error: If key generation or hashing fails
func generateAPIKey() error {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating API key: %w", err)
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return fmt.Errorf("hashing API key: %w", err)
	}

	fmt.Printf("API key:  %s\n", key)
	fmt.Printf("Key hash: %s\n", hash)
	fmt.Println()
	fmt.Println("Add the hash to your config file:")
	fmt.Println()
	fmt.Println("api:")
	fmt.Printf("  key_hash: \"%s\"\n", hash)
	return nil
}
