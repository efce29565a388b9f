package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trogers1052/signal-executor/internal/api"
	"github.com/trogers1052/signal-executor/internal/config"
	"github.com/trogers1052/signal-executor/internal/credentials"
	"github.com/trogers1052/signal-executor/internal/database"
	"github.com/trogers1052/signal-executor/internal/exchange"
	"github.com/trogers1052/signal-executor/internal/execution"
	"github.com/trogers1052/signal-executor/internal/gate"
	"github.com/trogers1052/signal-executor/internal/kafka"
	"github.com/trogers1052/signal-executor/internal/logging"
	"github.com/trogers1052/signal-executor/internal/redis"
	"github.com/trogers1052/signal-executor/internal/worker"
)

func main() {
	// A missing .env is normal in containers
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Server.WebhookToken == "" {
		logger.Fatal("WEBHOOK_TOKEN must be set")
	}

	// Connect to database
	db, err := database.New(cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Run migrations
	if err := runMigrations(cfg.Database.ConnectionString(), logger); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}
	logger.Info("Connected to PostgreSQL database")

	// Connect to Redis. Without it leases are process-local and the gate
	// must read from the database.
	var (
		locker execution.Locker = execution.NewLocalLocker()
		pinger api.Pinger
	)
	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		logger.Warn("Failed to connect to Redis; using in-process credential leases", zap.Error(err))
		redisClient = nil
	} else {
		defer redisClient.Close()
		locker = execution.NewRedisLocker(redisClient, cfg.Exchange.LeaseTTL, logger)
		pinger = redisClient
		logger.Info("Connected to Redis")
	}

	source, err := gateSource(cfg.Gate, db, redisClient)
	if err != nil {
		logger.Fatal("Failed to configure market gate", zap.Error(err))
	}

	// Kafka signal queue and operator event channel
	signalProducer := kafka.NewSignalProducer(cfg.Kafka.Brokers, cfg.Kafka.SignalsTopic)
	defer signalProducer.Close()
	events := kafka.NewEventProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, logger)
	defer events.Close()
	logger.Info("Kafka producers initialized", zap.Strings("brokers", cfg.Kafka.Brokers))

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := exchange.NewClient(cfg.Exchange, logger)
	client.StartTimeSync(ctx, 5*time.Minute)

	resolver := credentials.NewResolver(db, cfg.Shared)
	if !resolver.HasShared() {
		logger.Warn("No usable shared credential configured; users without their own key will fail")
	}
	verifier := credentials.NewVerifier(db, client, cfg.Orders.SettleCoin, logger)

	engine := execution.NewEngine(db, client, resolver, locker, events, cfg, logger)
	processor := worker.NewProcessor(db, gate.New(source, cfg.Gate), engine, events, cfg, logger)
	pool := worker.NewPool(processor, cfg.Worker.Lanes, 64, logger)
	sweeper := worker.NewSweeper(db, pool, engine, cfg.Worker.SweepInterval, cfg.Worker.ProcessingTimeout, logger)
	consumer := kafka.NewSignalConsumer(
		cfg.Kafka.Brokers,
		cfg.Kafka.SignalsTopic,
		cfg.Kafka.ConsumerGroup,
		pool,
		logger,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		logger.Info("Starting Kafka signal consumer",
			zap.String("topic", cfg.Kafka.SignalsTopic), zap.String("group", cfg.Kafka.ConsumerGroup))
		return consumer.Start(gctx)
	})
	g.Go(func() error { return verifier.Run(gctx, cfg.Worker.CredentialCheckInterval, 50) })

	// Set up HTTP handler and routes
	handler := api.NewHandler(db, signalProducer, events, pinger, cfg.Server, logger)
	router := api.SetupRoutes(handler)

	// Create HTTP server
	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal or a background component failing
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-gctx.Done():
		logger.Error("Background component stopped", zap.Error(context.Cause(gctx)))
	}

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout. Stop taking webhooks first so every
	// acknowledged receipt has finished writing.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	cancel()
	if err := g.Wait(); err != nil {
		logger.Error("Background component error", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func gateSource(cfg config.GateConfig, db *database.DB, redisClient *redis.Client) (gate.Source, error) {
	switch cfg.Source {
	case "database":
		return gate.FromDatabase(db), nil
	case "redis":
		if redisClient == nil {
			return nil, errors.New("GATE_SOURCE=redis requires a Redis connection")
		}
		return gate.FromRedis(redisClient, cfg.RedisKey), nil
	default:
		return nil, errors.New("unknown GATE_SOURCE " + cfg.Source)
	}
}

func runMigrations(databaseURL string, logger *zap.Logger) error {
	m, err := migrate.New("file://./db/migrations", databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	// ErrNoChange means the database was already current
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("No migrations to apply; database is up to date")
			return nil
		}
		return err
	}
	logger.Info("Database migrations applied")
	return nil
}
