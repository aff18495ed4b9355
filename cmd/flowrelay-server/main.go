// Package main provides the flowrelay server executable: the runtime for a topology file,
// an HTTP control API and Prometheus metrics.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/coregx/flowrelay"
	"github.com/coregx/flowrelay/adapters/kafkabus"
	"github.com/coregx/flowrelay/adapters/memory"
	"github.com/coregx/flowrelay/adapters/natsbus"
	"github.com/coregx/flowrelay/adapters/natslock"
	"github.com/coregx/flowrelay/adapters/redislock"
	"github.com/coregx/flowrelay/adapters/relica"
	"github.com/coregx/flowrelay/adapters/yamlconfig"
	"github.com/coregx/flowrelay/cmd/flowrelay-server/internal/api"
	"github.com/coregx/flowrelay/cmd/flowrelay-server/internal/config"
	"github.com/coregx/flowrelay/retry"
)

func main() {
	base := logrus.New()
	base.SetFormatter(&logrus.JSONFormatter{})
	base.Info("🚀 Starting flowrelay server...")

	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		base.Fatalf("Failed to load configuration: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		base.SetLevel(level)
	}
	logger := flowrelay.NewLogrusLogger(base)

	logger.Infof("📝 Configuration loaded: server=%s:%d database=%s bus=%s lock=%s topology=%s",
		cfg.Server.Host, cfg.Server.Port, cfg.Database.Driver, cfg.Bus.Driver, cfg.Lock.Driver, cfg.Topology)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.GetDSN())
	if err != nil {
		base.Fatalf("Failed to open database: %v", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Errorf("Failed to close database: %v", closeErr)
		}
	}()
	if cfg.Database.Driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		base.Fatalf("Failed to connect to database: %v", err)
	}
	if err := flowrelay.ApplyMigrations(ctx, db, cfg.Database.Driver, cfg.Database.Prefix); err != nil {
		base.Fatalf("Failed to apply migrations: %v", err)
	}
	logger.Info("✅ Database ready")

	store := relica.NewStoreWithPrefix(db, cfg.Database.Driver, cfg.Database.Prefix)
	flows, err := flowrelay.NewMessageFlowService(
		flowrelay.WithFlowStore(store.Flows),
		flowrelay.WithFlowLogger(logger),
	)
	if err != nil {
		base.Fatalf("Failed to create message flow service: %v", err)
	}

	var nc *nats.Conn
	if cfg.Bus.Driver == "nats" || cfg.Lock.Driver == "nats" {
		nc, err = nats.Connect(cfg.Bus.NATSURL, nats.Name("flowrelay-server"), nats.MaxReconnects(-1))
		if err != nil {
			base.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer func() {
			if drainErr := nc.Drain(); drainErr != nil {
				logger.Errorf("Failed to drain NATS connection: %v", drainErr)
			}
		}()
	}

	bus, err := newBus(ctx, cfg, nc, logger)
	if err != nil {
		base.Fatalf("Failed to create bus: %v", err)
	}
	defer func() {
		if closeErr := bus.Close(); closeErr != nil {
			logger.Errorf("Failed to close bus: %v", closeErr)
		}
	}()

	locker, err := newLocker(ctx, cfg, nc)
	if err != nil {
		base.Fatalf("Failed to create locker: %v", err)
	}
	logger.Infof("✅ Bus %s and lock %s ready", cfg.Bus.Driver, cfg.Lock.Driver)

	// Topology
	topology, err := yamlconfig.Load(cfg.Topology)
	if err != nil {
		base.Fatalf("Failed to load topology: %v", err)
	}
	configStore := memory.NewConfigStore()
	topology.Apply(configStore)
	specs, err := topology.Specs(yamlconfig.NewAdapterRegistry())
	if err != nil {
		base.Fatalf("Failed to build components: %v", err)
	}

	metrics, err := flowrelay.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		base.Fatalf("Failed to register metrics: %v", err)
	}

	strategy := retry.Unlimited()
	if cfg.Relay.MaxAttempts > 0 {
		strategy = retry.Fixed(cfg.Relay.MaxAttempts, cfg.Relay.RetryDelay)
	}

	rt, err := flowrelay.NewRuntime(
		flowrelay.WithRuntimeFlows(flows),
		flowrelay.WithRuntimeBus(bus),
		flowrelay.WithRuntimeLocker(locker),
		flowrelay.WithConfigurationStore(configStore),
		flowrelay.WithQuarantine(store.Quarantine),
		flowrelay.WithRuntimeLogger(logger),
		flowrelay.WithRuntimeMetrics(metrics),
		flowrelay.WithRuntimeNotifications(flowrelay.NewLoggingNotificationService(logger)),
		flowrelay.WithStageRetryStrategy(strategy),
		flowrelay.WithStageConcurrency(cfg.Relay.StageConcurrency),
		flowrelay.WithRelayOptions(
			flowrelay.WithPollInterval(cfg.Relay.PollInterval),
			flowrelay.WithRelayBatchSize(cfg.Relay.BatchSize),
		),
	)
	if err != nil {
		base.Fatalf("Failed to create runtime: %v", err)
	}
	for _, spec := range specs {
		c, err := flowrelay.NewComponent(spec)
		if err != nil {
			base.Fatalf("Invalid component %s-%s: %v", spec.Route, spec.Name, err)
		}
		if err := rt.Register(c); err != nil {
			base.Fatalf("Failed to register component %s: %v", c.Path(), err)
		}
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			logger.Errorf("Failed to stop runtime: %v", closeErr)
		}
	}()

	// A component that fails to configure stays stopped; the rest keep running.
	if err := rt.Start(ctx); err != nil {
		logger.Errorf("Runtime started with errors: %v", err)
	}
	logger.Infof("✅ Runtime started: %d components, %d stages", len(rt.Components()), len(rt.RunningStages()))

	handler := api.NewHandler(rt, store.Quarantine, logger)
	mux := http.NewServeMux()
	handler.Routes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      loggingMiddleware(mux, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("🌐 HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			base.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("🛑 Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	cancel()
	logger.Info("✅ Server stopped gracefully")
}

// newBus builds the configured transport. A NATS bus shares nc with the NATS lock.
func newBus(ctx context.Context, cfg *config.Config, nc *nats.Conn, logger flowrelay.Logger) (flowrelay.Bus, error) {
	switch cfg.Bus.Driver {
	case "nats":
		return natsbus.New(ctx, nc, natsbus.WithLogger(logger))
	case "kafka":
		return kafkabus.New(cfg.Bus.KafkaBrokers, kafkabus.WithLogger(logger))
	default:
		return memory.NewBus(), nil
	}
}

// newLocker builds the configured cluster lock.
func newLocker(ctx context.Context, cfg *config.Config, nc *nats.Conn) (flowrelay.Locker, error) {
	switch cfg.Lock.Driver {
	case "nats":
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, err
		}
		return natslock.New(ctx, js, natslock.WithTTL(cfg.Lock.TTL))
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr})
		return redislock.New(client, redislock.WithTTL(cfg.Lock.TTL))
	default:
		return memory.NewLocker(), nil
	}
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(next http.Handler, logger flowrelay.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Infof("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
		logger.Debugf("%s %s - %v", r.Method, r.URL.Path, time.Since(start))
	})
}
