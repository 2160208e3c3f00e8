package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/poolhall-waitlist/internal/auth"
	"github.com/poolhall-waitlist/internal/config"
	"github.com/poolhall-waitlist/internal/handler"
	"github.com/poolhall-waitlist/internal/kafka"
	"github.com/poolhall-waitlist/internal/memstore"
	"github.com/poolhall-waitlist/internal/postgres"
	"github.com/poolhall-waitlist/internal/presence"
	"github.com/poolhall-waitlist/internal/redis"
	"github.com/poolhall-waitlist/internal/service"
	"github.com/poolhall-waitlist/internal/websocket"
	"github.com/poolhall-waitlist/internal/worker"
)

// store is everything the server needs from the persistence driver
type store interface {
	service.Store
	service.EventRecorder
	auth.UserStore
	handler.EventLog
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checks := make(map[string]handler.Pinger)

	// Initialize persistence
	var db store
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(&cfg.Postgres, logger)
		if err != nil {
			logger.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer repo.Close()
		if err := repo.RunMigrations(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to PostgreSQL")
		checks["postgres"] = repo
		db = repo
	default:
		logger.Warn("using in-memory store, state will not survive a restart")
		db = memstore.New()
	}

	// Initialize Redis sessions
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	sessions, err := redis.NewSessionStore(&cfg.Redis, &cfg.Auth, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()
	checks["redis"] = sessions
	logger.Info("connected to Redis")

	authenticator := auth.NewAuthenticator(db, sessions, &cfg.Auth, logger)

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize matchmaking
	matchmaking := service.NewMatchmakingService(db, presence.NewRegistry(), &cfg.Venue, logger)
	matchmaking.SetHub(wsHub)
	matchmaking.AddRecorder(db)

	var publisher *kafka.Publisher
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka publisher",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		publisher, err = kafka.NewPublisher(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka publisher, continuing without Kafka", "error", err)
		} else {
			matchmaking.AddRecorder(publisher)
		}
	}

	if err := matchmaking.InitializeTables(ctx); err != nil {
		logger.Error("failed to initialize tables", "error", err)
		os.Exit(1)
	}

	// Start playing-flag reconciler
	var reconciler *worker.PlayingReconciler
	if cfg.Sync.Enabled {
		reconciler = worker.NewPlayingReconciler(matchmaking, &cfg.Sync, logger)
		if err := reconciler.Start(ctx); err != nil {
			logger.Error("failed to start reconciler", "error", err)
			os.Exit(1)
		}
	}

	httpHandler := handler.NewHandler(matchmaking, wsHub, authenticator, handler.Options{
		Events:        db,
		Checks:        checks,
		AllowedOrigin: cfg.Server.AllowedOrigin,
	}, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port, "tables", cfg.Venue.TableCount)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	// Pending invite timers must not fire into a stopped hub
	matchmaking.Close()
	wsHub.Stop()

	if reconciler != nil {
		if err := reconciler.Stop(); err != nil {
			logger.Error("failed to stop reconciler", "error", err)
		}
	}

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("failed to close Kafka publisher", "error", err)
		}
		published, failed := publisher.Stats()
		logger.Info("Kafka publisher closed", "published", published, "failed", failed)
	}

	logger.Info("server stopped")
}
