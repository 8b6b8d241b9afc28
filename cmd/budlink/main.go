// budlink - headset control daemon
//
// budlink keeps an authoritative view of the configuration of connected
// Bluetooth headsets (AirPods over AACP, Nothing over raw ATT), accepts
// configuration commands over MQTT and HTTP, and reports every change
// as an event.
//
// Usage:
//
//	budlink                            run the daemon
//	budlink token <subject> [scope]    mint an API token (scope: read|control)
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/budlink/internal/api"
	"github.com/nerrad567/budlink/internal/bridge"
	"github.com/nerrad567/budlink/internal/device"
	"github.com/nerrad567/budlink/internal/dispatch"
	"github.com/nerrad567/budlink/internal/events"
	"github.com/nerrad567/budlink/internal/infrastructure/config"
	"github.com/nerrad567/budlink/internal/infrastructure/database"
	"github.com/nerrad567/budlink/internal/infrastructure/influxdb"
	"github.com/nerrad567/budlink/internal/infrastructure/logging"
	"github.com/nerrad567/budlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/budlink/internal/recorder"
	"github.com/nerrad567/budlink/internal/session"
	"github.com/nerrad567/budlink/internal/transport/bluez"
	"github.com/nerrad567/budlink/internal/transport/l2cap"
	"github.com/nerrad567/budlink/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnv overrides defaultConfigPath.
const configEnv = "BUDLINK_CONFIG"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		return
	}

	// Cancel on Ctrl+C and SIGTERM so every component shuts down cleanly.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the daemon, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting budlink",
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

	// History database (optional)
	var (
		db         *database.DB
		history    device.HistoryRepository
		commandLog *recorder.CommandLog
	)
	if cfg.History.Enabled {
		db, err = database.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		history = device.NewSQLiteHistoryRepository(db.DB)
		commandLog = recorder.NewCommandLog(db.DB)
		log.Info("database ready", "path", cfg.Database.Path)
	} else {
		log.Info("history disabled")
	}

	// Core: store, dispatcher, bus, sessions
	families, macs, err := managedDevices(cfg.Bluetooth)
	if err != nil {
		return err
	}

	store := device.NewStore(cfg.Sync.ConfirmTimeoutDuration())
	store.SetLogger(log)

	disp := dispatch.New(dispatch.Config{
		QueueSize:      cfg.Sync.QueueSize,
		CommandTimeout: cfg.Sync.CommandTimeoutDuration(),
		MaxRetries:     cfg.Sync.MaxRetries,
		RetryBackoff:   cfg.Sync.RetryBackoffDuration(),
	})
	disp.SetLogger(log)
	defer disp.Close()

	bus := events.NewBus()

	mgr, err := session.NewManager(session.Options{
		Store:      store,
		Dispatcher: disp,
		Bus:        bus,
		Connector: &session.L2CAPConnector{
			Dial:    l2cap.Dial,
			AACPPSM: cfg.Bluetooth.AACPPSM,
			ATTPSM:  cfg.Bluetooth.ATTPSM,
			Timeout: cfg.Bluetooth.ConnectTimeoutDuration(),
			Logger:  log,
		},
		Families: families,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}
	defer func() {
		log.Info("closing device sessions")
		mgr.Close()
	}()
	log.Info("session manager ready", "devices", len(families))

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

	// Recorder
	recOpts := recorder.Options{
		Bus:           bus,
		Retention:     time.Duration(cfg.History.RetentionDays) * 24 * time.Hour,
		PruneSchedule: cfg.History.PruneSchedule,
		Logger:        log,
	}
	if history != nil {
		recOpts.History = history
		recOpts.Commands = commandLog
	}
	if influxClient != nil {
		recOpts.Telemetry = influxClient
	}
	rec, err := recorder.New(recOpts)
	if err != nil {
		return fmt.Errorf("creating recorder: %w", err)
	}
	rec.Start(ctx)
	defer func() {
		log.Info("stopping recorder")
		rec.Stop()
	}()
	mgr.SetOnOutcome(rec.RecordOutcome)

	// MQTT bridge (optional)
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
		mqttClient.SetLogger(log)
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

		br, brErr := bridge.New(bridge.Options{
			MQTT:           mqttClient,
			Commander:      mgr,
			States:         store,
			Bus:            bus,
			QoS:            byte(cfg.MQTT.QoS),
			DaemonID:       cfg.Daemon.ID,
			Version:        version,
			DevicesManaged: len(families),
			Logger:         log,
		})
		if brErr != nil {
			return fmt.Errorf("creating MQTT bridge: %w", brErr)
		}
		if startErr := br.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			br.Stop()
		}()
	} else {
		log.Info("MQTT disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	// HTTP API (optional)
	if cfg.API.Enabled {
		apiDeps := api.Deps{
			Config:    cfg.API,
			WS:        cfg.WebSocket,
			Security:  cfg.Security,
			Logger:    log,
			Devices:   store,
			Commander: mgr,
			Bus:       bus,
			Version:   version,
		}
		if history != nil {
			apiDeps.History = history
			apiDeps.Commands = commandLog
		}
		srv, srvErr := api.New(apiDeps)
		if srvErr != nil {
			return fmt.Errorf("creating API server: %w", srvErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
		log.Info("API server listening", "host", cfg.API.Host, "port", cfg.API.Port)
	} else {
		log.Info("API disabled")
	}

	// Bluetooth: BlueZ drives the session lifecycle.
	conn, err := bluez.Open(cfg.Bluetooth.Adapter)
	if err != nil {
		return fmt.Errorf("connecting to BlueZ: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			log.Error("error closing BlueZ connection", "error", closeErr)
		}
	}()

	watcher := bluez.NewWatcher(conn, cfg.Bluetooth.Adapter, macs)
	watcher.SetLogger(log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		store.Run(gctx, cfg.Sync.SweepIntervalDuration())
		return nil
	})
	g.Go(func() error {
		return watcher.Run(gctx, func(ev bluez.Event) {
			onLinkChange(gctx, mgr, ev, log)
		})
	})

	log.Info("budlink started", "adapter", cfg.Bluetooth.Adapter, "devices", len(macs))

	<-gctx.Done()
	log.Info("shutdown signal received, stopping...")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("bluetooth watcher: %w", err)
	}
	return nil
}

// onLinkChange opens or closes a session when BlueZ reports a change.
// It runs on the watcher goroutine so changes for a device apply in order.
func onLinkChange(ctx context.Context, mgr *session.Manager, ev bluez.Event, log *logging.Logger) {
	if !ev.Connected {
		if err := mgr.Disconnect(ev.Address, "bluez_disconnected"); err != nil && !errors.Is(err, device.ErrDeviceNotFound) {
			log.Warn("closing session", "device", ev.Address, "error", err)
		}
		return
	}
	if err := mgr.Connect(ctx, ev.Address); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error("opening session", "device", ev.Address, "error", err)
	}
}

// managedDevices resolves the configured device list into the family map
// the session manager needs and the MAC list the watcher follows.
func managedDevices(cfg config.BluetoothConfig) (map[string]device.Family, []string, error) {
	families := make(map[string]device.Family, len(cfg.Devices))
	macs := make([]string, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		mac, err := device.NormaliseMAC(d.MAC)
		if err != nil {
			return nil, nil, fmt.Errorf("bluetooth device %q: %w", d.MAC, err)
		}
		families[mac] = device.Family(d.Family)
		macs = append(macs, mac)
	}
	return families, macs, nil
}

// getConfigPath returns the configuration file path from BUDLINK_CONFIG
// or the default.
func getConfigPath() string {
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies every enabled infrastructure connection.
// Nil clients belong to disabled components and are skipped.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
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
	return nil
}
