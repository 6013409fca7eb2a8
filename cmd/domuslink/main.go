// DomusLink - Building Controller Gateway
//
// This is the main entry point for the DomusLink gateway. DomusLink
// synchronises device state with a proprietary building-automation
// controller over two channels:
//   - A WebSocket push channel for deltas and fast commands
//   - An HTTP polling channel for full snapshots and fallback commands
//
// and republishes the merged state downstream over MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	_ "github.com/nerrad567/domuslink/migrations"

	"github.com/nerrad567/domuslink/internal/controller/command"
	"github.com/nerrad567/domuslink/internal/controller/poll"
	"github.com/nerrad567/domuslink/internal/controller/session"
	"github.com/nerrad567/domuslink/internal/controller/transport"
	"github.com/nerrad567/domuslink/internal/devicemap"
	"github.com/nerrad567/domuslink/internal/history"
	"github.com/nerrad567/domuslink/internal/infrastructure/config"
	"github.com/nerrad567/domuslink/internal/infrastructure/database"
	"github.com/nerrad567/domuslink/internal/infrastructure/influxdb"
	"github.com/nerrad567/domuslink/internal/infrastructure/logging"
	"github.com/nerrad567/domuslink/internal/infrastructure/mqtt"
	"github.com/nerrad567/domuslink/internal/state"
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

// refreshPendingInterval is how often the poll loop checks whether a
// stateless command dispatch has requested an early refresh.
const refreshPendingInterval = 2 * time.Second

// controlCallTimeout bounds the fire-and-forget control calls the gateway
// sends on the push channel (keepalive, client identification).
const controlCallTimeout = 5 * time.Second

// historyPruneInterval is how often the audit-trail retention pass runs.
const historyPruneInterval = 24 * time.Hour

// historyPruneTimeout bounds one retention pass.
const historyPruneTimeout = time.Minute

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting DomusLink",
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

	historyRepo := history.NewSQLiteRepository(db.DB)

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
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
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

	// Controller channels: session manager, push channel, polling channel
	baseURL, streamURL := controllerURLs(cfg.Controller)

	sessions := session.NewManager(session.Config{
		BaseURL:        baseURL,
		BackoffInitial: time.Duration(cfg.Controller.LoginBackoffInitial) * time.Second,
		BackoffMax:     time.Duration(cfg.Controller.LoginBackoffMax) * time.Second,
	}, controllerCredentials{cfg: cfg.Controller})
	sessions.SetLogger(log)

	pushClient := transport.NewClient(transport.Config{
		URL:            streamURL,
		ConnectTimeout: cfg.GetConnectTimeout(),
		CallTimeout:    cfg.GetCallTimeout(),
		IdleTimeout:    cfg.GetIdleTimeout(),
	}, sessions)
	pushClient.SetLogger(log)
	defer func() {
		log.Info("closing push channel")
		if closeErr := pushClient.Close(); closeErr != nil {
			log.Error("error closing push channel", "error", closeErr)
		}
	}()

	pollClient := poll.NewClient(poll.Config{
		BaseURL:        baseURL,
		RequestTimeout: cfg.GetPollRequestTimeout(),
	}, sessions)
	pollClient.SetLogger(log)

	// State coordinator and command dispatcher
	table := devicemap.Default()
	coordinator := state.New(state.Config{EntityTypes: cfg.Poll.EntityTypes}, pollClient, table)
	coordinator.SetLogger(log)

	dispatcher := command.NewDispatcher(pushClient, pollClient, coordinator, table)
	dispatcher.SetLogger(log)
	coordinator.SetDispatcher(dispatcher)
	if influxClient != nil {
		coordinator.SetHistory(influxClient)
	}

	wireRecordHooks(coordinator, historyRepo, influxClient, mqttClient, log)

	// Background loops: push-channel supervision, periodic polling and
	// audit-trail retention
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		runConnectionSupervisor(ctx, cfg, pushClient, log)
	}()
	go func() {
		defer wg.Done()
		runPollLoop(ctx, cfg, coordinator, pushClient, table, log)
	}()
	go func() {
		defer wg.Done()
		runHistoryPrune(ctx, cfg.GetHistoryRetention(), historyRepo, log)
	}()

	// Verify infrastructure connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	wg.Wait()

	log.Info("DomusLink stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses DOMUSLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DOMUSLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// controllerURLs derives the two controller endpoints from one host entry,
// so the HTTP and WebSocket channels can never point at different
// controllers.
func controllerURLs(cfg config.ControllerConfig) (baseURL, streamURL string) {
	httpScheme, wsScheme := "http", "ws"
	if cfg.TLS {
		httpScheme, wsScheme = "https", "wss"
	}
	baseURL = fmt.Sprintf("%s://%s", httpScheme, cfg.Host)
	streamURL = fmt.Sprintf("%s://%s/api/v1/stream", wsScheme, cfg.Host)
	return baseURL, streamURL
}

// controllerCredentials adapts controller config to the session manager's
// credential source.
type controllerCredentials struct {
	cfg config.ControllerConfig
}

func (c controllerCredentials) Credentials() (username, password string) {
	return c.cfg.Username, c.cfg.Password
}

// wireRecordHooks connects the coordinator's change notifications to the
// downstream sinks: SQLite history, InfluxDB telemetry and retained MQTT
// state topics.
func wireRecordHooks(coordinator *state.Coordinator, historyRepo *history.SQLiteRepository, influxClient *influxdb.Client, mqttClient *mqtt.Client, log *logging.Logger) {
	coordinator.OnRecordChanged(func(_, updated *state.Record, source state.ChangeSource) {
		fields := updated.Fields()

		recordCtx, cancel := context.WithTimeout(context.Background(), controlCallTimeout)
		defer cancel()
		if err := historyRepo.RecordChange(recordCtx, updated.EntityType(), updated.InstanceID(), fields, historySource(source)); err != nil {
			log.Error("recording state change",
				"entity_type", updated.EntityType(),
				"instance_id", updated.InstanceID(),
				"error", err,
			)
		}

		if influxClient != nil {
			for field, value := range fields {
				if f, ok := asFloat(value); ok {
					influxClient.WriteRecordMetric(updated.EntityType(), updated.InstanceID(), field, f)
				}
			}
			if updated.Kind() == devicemap.KindMeter {
				power, _ := fieldFloat(updated, "power_total")
				energy, _ := fieldFloat(updated, "energy_total")
				influxClient.WriteEnergyMetric(updated.InstanceID(), power, energy)
			}
		}

		if mqttClient != nil {
			if err := mqttClient.PublishRecordState(updated.EntityType(), updated.InstanceID(), fields, updated.UpdatedAt()); err != nil {
				log.Warn("publishing record state",
					"instance_id", updated.InstanceID(),
					"error", err,
				)
			}
		}
	})

	coordinator.OnRefresh(func() {
		if mqttClient == nil {
			return
		}
		if err := mqttClient.PublishRefreshCompleted(); err != nil {
			log.Warn("publishing refresh event", "error", err)
		}
	})
}

// historySource maps a coordinator change source onto the audit-trail
// source labels.
func historySource(s state.ChangeSource) string {
	switch s {
	case state.SourcePoll:
		return history.SourcePoll
	case state.SourceCorrelation:
		return history.SourceCorrelation
	default:
		return history.SourcePush
	}
}

// runHistoryPrune trims the state-history audit trail: one retention pass
// at startup, then daily. A zero retention disables pruning entirely.
func runHistoryPrune(ctx context.Context, retention time.Duration, repo *history.SQLiteRepository, log *logging.Logger) {
	if retention <= 0 {
		log.Info("history pruning disabled")
		return
	}

	prune := func() {
		pruneCtx, cancel := context.WithTimeout(ctx, historyPruneTimeout)
		defer cancel()
		removed, err := repo.Prune(pruneCtx, retention)
		if err != nil {
			log.Error("history prune failed", "error", err)
			return
		}
		if removed > 0 {
			log.Info("history pruned", "removed", removed, "retention", retention.String())
		}
	}

	prune()

	ticker := time.NewTicker(historyPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// runConnectionSupervisor keeps the push channel alive: connect with
// exponential backoff, announce the client, send keepalives, and reconnect
// whenever the transport signals loss. Subscription replay happens inside
// Connect.
func runConnectionSupervisor(ctx context.Context, cfg *config.Config, client *transport.Client, log *logging.Logger) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(cfg.Transport.ReconnectInitialDelay) * time.Second
	bo.MaxInterval = time.Duration(cfg.Transport.ReconnectMaxDelay) * time.Second
	bo.MaxElapsedTime = 0 // retry forever

	for {
		if err := client.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.NextBackOff()
			log.Warn("push channel connect failed", "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		bo.Reset()
		log.Info("push channel connected")
		announceClient(ctx, client, log)

		keepalive := time.NewTicker(cfg.GetKeepaliveInterval())
	connected:
		for {
			select {
			case <-ctx.Done():
				keepalive.Stop()
				return
			case <-client.Lost():
				keepalive.Stop()
				log.Warn("push channel lost, reconnecting")
				break connected
			case <-keepalive.C:
				callCtx, cancel := context.WithTimeout(ctx, controlCallTimeout)
				if _, err := client.Call(callCtx, "KeepAlive", nil); err != nil {
					log.Warn("keepalive failed", "error", err)
				}
				cancel()
			}
		}
	}
}

// announceClient identifies the gateway to the controller. Fire-and-forget:
// the server sends no response to SetClientInfo.
func announceClient(ctx context.Context, client *transport.Client, log *logging.Logger) {
	callCtx, cancel := context.WithTimeout(ctx, controlCallTimeout)
	defer cancel()

	args := []any{map[string]any{"name": "domuslink", "version": version}}
	if _, err := client.Call(callCtx, "SetClientInfo", args); err != nil {
		log.Warn("announcing client info failed", "error", err)
	}
}

// runPollLoop drives the stateless channel: a full snapshot refresh on the
// configured interval, early refreshes after stateless command dispatches,
// subscription sync after every refresh, and the daily-energy correlation
// when enabled.
func runPollLoop(ctx context.Context, cfg *config.Config, coordinator *state.Coordinator, client *transport.Client, table *devicemap.Table, log *logging.Logger) {
	refresh := func() {
		if err := coordinator.Refresh(ctx); err != nil {
			log.Error("state refresh failed", "error", err)
			return
		}
		syncSubscriptions(ctx, client, coordinator, table, cfg.Poll.EntityTypes, log)
		if cfg.Poll.CorrelateEnergy {
			if err := coordinator.CorrelateDailyEnergy(ctx); err != nil {
				log.Warn("daily energy correlation failed", "error", err)
			}
		}
	}

	// Seed the snapshot immediately rather than waiting a full interval.
	refresh()

	interval := time.NewTicker(cfg.GetPollInterval())
	defer interval.Stop()
	pending := time.NewTicker(refreshPendingInterval)
	defer pending.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-interval.C:
			refresh()
		case <-pending.C:
			if coordinator.TakeRefreshPending() {
				log.Debug("early refresh after stateless dispatch")
				refresh()
			}
		}
	}
}

// syncSubscriptions registers push-delta interest for every known record.
// Subscribing an already-registered instance extends its property set, so
// repeating this after each refresh is safe and picks up new instances.
func syncSubscriptions(ctx context.Context, client *transport.Client, coordinator *state.Coordinator, table *devicemap.Table, entityTypes []string, log *logging.Logger) {
	var subs []transport.Subscription
	for _, entityType := range entityTypes {
		for _, rec := range coordinator.Records(entityType) {
			subs = append(subs, transport.Subscription{
				InstanceID: rec.InstanceID(),
				Properties: table.WireProperties(rec.Kind()),
				Callback:   coordinator.ApplyPushUpdate,
			})
		}
	}
	if len(subs) == 0 {
		return
	}
	if err := client.Subscribe(ctx, subs...); err != nil {
		log.Warn("subscription sync failed", "instances", len(subs), "error", err)
	}
}

// healthCheck verifies infrastructure connections are healthy. The
// controller channels are excluded: the gateway starts and serves cached
// state even when the controller is unreachable.
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

// asFloat narrows the JSON-decoded field types the poll channel produces
// to a metric value.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// fieldFloat reads one record field as a float, 0 when absent.
func fieldFloat(r *state.Record, name string) (float64, bool) {
	v, ok := r.Field(name)
	if !ok {
		return 0, false
	}
	return asFloat(v)
}
