package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/Wandeon/fleet-sub000/migrations"

	"github.com/Wandeon/fleet-sub000/internal/api"
	"github.com/Wandeon/fleet-sub000/internal/breaker"
	"github.com/Wandeon/fleet-sub000/internal/device"
	"github.com/Wandeon/fleet-sub000/internal/dispatch"
	"github.com/Wandeon/fleet-sub000/internal/events"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/config"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/database"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/influxdb"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/logging"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/mqtt"
	"github.com/Wandeon/fleet-sub000/internal/jobs"
	"github.com/Wandeon/fleet-sub000/internal/maintenance"
	"github.com/Wandeon/fleet-sub000/internal/metrics"
	"github.com/Wandeon/fleet-sub000/internal/reconcile"
	"github.com/Wandeon/fleet-sub000/internal/relay"
	"github.com/Wandeon/fleet-sub000/internal/state"
	"github.com/Wandeon/fleet-sub000/internal/transport"
	"github.com/Wandeon/fleet-sub000/internal/worker"
)

// metricsReportInterval is how often counter snapshots go to InfluxDB.
const metricsReportInterval = time.Minute

// run is the daemon, separated from main for testability. It returns nil
// on a clean shutdown after ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting fleetd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

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

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database ready", "path", cfg.Database.Path)

	registry, err := loadRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	log.Info("device registry initialised", "devices", registry.Count())

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	var sink metrics.Sink
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
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		sink = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	reg := metrics.New(sink)

	bus := events.NewBus(cfg.Feed.SubscriberBuffer)
	bus.SetMetrics(reg)
	defer bus.Close()

	jobStore := jobs.NewStore(db)
	stateStore := state.NewStore(db, bus)
	eventStore := events.NewStore(db)
	recorder := events.NewRecorder(eventStore, bus)

	failures := state.NewFailureTracker()
	liveness := state.NewLiveness(stateStore, failures, cfg.Dispatch.OfflineThreshold)
	liveness.SetMetrics(reg)

	circuits := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenDuration:     cfg.Breaker.OpenDuration(),
	})
	circuits.SetLogger(log.Component("breaker"))
	circuits.SetMetrics(reg)

	deviceTransport := breaker.Wrap(circuits, transport.NewHTTP(
		transport.WithDefaultTimeout(cfg.Dispatch.CallTimeout()),
	))

	svc, err := dispatch.New(dispatch.Deps{
		Registry:     registry,
		Jobs:         jobStore,
		States:       stateStore,
		Events:       eventStore,
		Bus:          bus,
		Metrics:      reg,
		Logger:       log.Component("dispatch"),
		SnapshotJobs: cfg.Feed.SnapshotJobs,
	})
	if err != nil {
		return fmt.Errorf("creating dispatch service: %w", err)
	}

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	var mqttRelay *relay.Relay
	if cfg.MQTT.Enabled {
		mqttClient, mqttRelay, err = startMQTT(ctx, cfg, bus, svc, log)
		if err != nil {
			return err
		}
		defer func() {
			mqttRelay.Stop()
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	} else {
		log.Info("MQTT relay disabled")
	}

	w, err := worker.New(worker.Deps{
		Config: worker.Config{
			PollInterval: cfg.Dispatch.PollInterval(),
			RetryBase:    cfg.Dispatch.RetryBase(),
			MaxAttempts:  cfg.Dispatch.MaxAttempts,
			CallTimeout:  cfg.Dispatch.CallTimeout(),
		},
		Jobs:      jobStore,
		Registry:  registry,
		Transport: deviceTransport,
		States:    stateStore,
		Liveness:  liveness,
		Recorder:  recorder,
		Bus:       bus,
		Metrics:   reg,
		Logger:    log.Component("worker"),
	})
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	defer w.Stop()

	if cfg.Reconcile.Enabled {
		rec, recErr := reconcile.New(reconcile.Deps{
			Config: reconcile.Config{
				Interval:     cfg.Reconcile.Interval(),
				ProbeTimeout: cfg.Reconcile.ProbeTimeout(),
				Concurrency:  cfg.Reconcile.Concurrency,
				StatusPath:   cfg.Reconcile.StatusPath,
			},
			Devices:   registry,
			Transport: deviceTransport,
			States:    stateStore,
			Liveness:  liveness,
			Metrics:   reg,
			Logger:    log.Component("reconcile"),
		})
		if recErr != nil {
			return fmt.Errorf("creating reconciler: %w", recErr)
		}
		if err := rec.Start(ctx); err != nil {
			return fmt.Errorf("starting reconciler: %w", err)
		}
		defer rec.Stop()
	} else {
		log.Info("reconciliation disabled")
	}

	if cfg.Maintenance.Enabled {
		sweeper, sweepErr := maintenance.New(maintenance.Deps{
			Config: maintenance.Config{
				Schedule:       cfg.Maintenance.Schedule,
				JobRetention:   cfg.Maintenance.JobRetention(),
				EventRetention: cfg.Maintenance.EventRetention(),
			},
			Jobs:   jobStore,
			Events: eventStore,
			Logger: log.Component("maintenance"),
		})
		if sweepErr != nil {
			return fmt.Errorf("creating retention sweeper: %w", sweepErr)
		}
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("starting retention sweeper: %w", err)
		}
		defer sweeper.Stop()
	}

	if influxClient != nil {
		reportCtx, stopReport := context.WithCancel(ctx)
		reportDone := make(chan struct{})
		go func() {
			defer close(reportDone)
			reg.Report(reportCtx, metricsReportInterval)
		}()
		defer func() {
			stopReport()
			<-reportDone
			influxClient.Flush()
		}()
	}

	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log,
		Dispatch: svc,
		Bus:      bus,
		Registry: registry,
		Breaker:  circuits,
		Failures: failures,
		Metrics:  reg,
		DB:       db,
		MQTT:     mqttClient,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	waitForShutdown(ctx, registry, log)

	// Deferred calls stop intake first (API, sweeper, reconciler, worker),
	// then the relay and sinks, then the database.
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// openDatabase opens the SQLite file and applies pending migrations.
func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// loadRegistry reads the device inventory named in the config.
func loadRegistry(ctx context.Context, cfg *config.Config, log *logging.Logger) (*device.Registry, error) {
	registry := device.NewRegistry(device.NewFileRepository(cfg.Devices.Inventory))
	registry.SetLogger(log.Component("registry"))
	if err := registry.Reload(ctx); err != nil {
		return nil, fmt.Errorf("loading device inventory %s: %w", cfg.Devices.Inventory, err)
	}
	return registry, nil
}

// startMQTT connects to the broker and starts the relay.
func startMQTT(ctx context.Context, cfg *config.Config, bus *events.Bus, svc *dispatch.Service, log *logging.Logger) (*mqtt.Client, *relay.Relay, error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.Component("mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
		"prefix", client.Topics().Prefix(),
	)

	r, err := relay.New(relay.Deps{
		Client:   client,
		Bus:      bus,
		Enqueuer: svc,
		Logger:   log.Component("relay"),
	})
	if err == nil {
		err = r.Start(ctx)
	}
	if err != nil {
		client.Close() //nolint:errcheck // already failing
		return nil, nil, fmt.Errorf("starting MQTT relay: %w", err)
	}
	return client, r, nil
}

// healthCheck verifies the infrastructure connections. mqttClient and
// influxClient may be nil when disabled.
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
	return nil
}

// waitForShutdown blocks until ctx is cancelled. SIGHUP reloads the
// device inventory; a failed reload keeps the previous devices.
func waitForShutdown(ctx context.Context, registry *device.Registry, log *logging.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := registry.Reload(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("device inventory reload failed", "error", err)
				continue
			}
			log.Info("device inventory reloaded", "devices", registry.Count())
		}
	}
}
