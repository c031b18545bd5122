package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"loom/internal/config"
	"loom/internal/docstore"
	"loom/internal/handler"
	"loom/internal/memoryclient"
	"loom/internal/middleware"
	"loom/internal/observability"
	"loom/internal/provider"
	"loom/internal/realtime"
	"loom/internal/repository/postgres"
	postgresFlow "loom/internal/repository/postgres/flow"
	"loom/internal/service"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	slogmulti "github.com/samber/slog-multi"
)

// maxLogFiles is how many timestamped server logs to keep on disk.
const maxLogFiles = 5

func main() {
	// Load .env file (silently ignore if it doesn't exist - for production)
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	// Setup structured logging. Debug defaults on outside prod and can be
	// overridden either way with DEBUG.
	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}

	stdoutHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	var logger *slog.Logger
	if cfg.LogDir != "" {
		logFile, err := config.SetupLogFile(cfg.LogDir, maxLogFiles)
		if err != nil {
			logger = slog.New(stdoutHandler)
			logger.Warn("file logging disabled", "error", err)
		} else {
			defer logFile.Close()
			fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: logLevel})
			logger = slog.New(slogmulti.Fanout(stdoutHandler, fileHandler))
		}
	} else {
		logger = slog.New(stdoutHandler)
	}
	slog.SetDefault(logger) // Set as default logger

	logger.Info("server starting",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"table_prefix", cfg.TablePrefix,
	)

	// Create pgx connection pool
	ctx := context.Background()
	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}
	defer pool.Close()

	logger.Info("database connected",
		"max_conns", 25,
		"min_conns", 5,
	)

	// Create table names
	tables := postgres.NewTableNames(cfg.TablePrefix)

	// Create repositories
	repoConfig := &postgres.RepositoryConfig{
		Pool:   pool,
		Tables: tables,
		Logger: logger,
	}
	flowRepo := postgresFlow.NewFlowRepository(repoConfig)
	txManager := postgres.NewTransactionManager(pool, logger)

	// Flow persistence service
	flowService := service.NewFlowService(flowRepo, txManager, logger)

	// Metrics
	metrics := observability.NewCollector("loom")

	// Document store backing the live canvas state. Redis keeps rooms in
	// sync across server instances; without it each room lives in memory
	// on this process only.
	var stores realtime.StoreFactory
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse REDIS_URL: %v", err)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()

		stores = func(ctx context.Context, chatID string) (docstore.Store, error) {
			return docstore.NewRedisStoreWithClient(ctx, redisClient, chatID, logger)
		}
		logger.Info("document store backed by redis")
	} else {
		stores = func(ctx context.Context, chatID string) (docstore.Store, error) {
			return docstore.NewMemory(), nil
		}
		logger.Warn("document store is in-memory, canvas state will not survive a restart")
	}

	// Model catalog
	providerRegistry, err := provider.NewRegistry()
	if err != nil {
		log.Fatalf("Failed to load model catalog: %v", err)
	}
	logger.Info("model catalog loaded", "providers", len(providerRegistry.Providers()))

	// Memory service client (optional)
	var memoryClient *memoryclient.Client
	if cfg.MemoryServiceURL != "" {
		memoryClient, err = memoryclient.New(memoryclient.Config{
			BaseURL: cfg.MemoryServiceURL,
			APIKey:  cfg.MemoryAPIKey,
		})
		if err != nil {
			log.Fatalf("Failed to create memory client: %v", err)
		}
		logger.Info("memory service configured", "url", cfg.MemoryServiceURL)
	}

	// Realtime room manager
	manager, err := realtime.NewManager(realtime.ManagerConfig{
		Stores:  stores,
		Flows:   flowService,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf("Failed to create room manager: %v", err)
	}

	allowedOrigins := strings.Split(cfg.CORSOrigins, ",")

	// Create handlers
	flowHandler := handler.NewFlowHandler(flowService, providerRegistry, logger)
	modelsHandler := handler.NewModelsHandler(providerRegistry, logger)
	realtimeHandler := handler.NewRealtimeHandler(manager, allowedOrigins, logger)

	var memoryHandler *handler.MemoryHandler
	if memoryClient != nil {
		memoryHandler = handler.NewMemoryHandler(memoryClient, logger)
	}

	logger.Info("services initialized")

	// Create HTTP router (Go 1.22+ enhanced patterns)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", handler.HealthCheck)

	// Model catalog routes
	mux.HandleFunc("GET /api/models", modelsHandler.GetModels)

	// Flow persistence routes
	mux.HandleFunc("GET /api/flows/{chatID}", flowHandler.GetFlow)
	mux.HandleFunc("PUT /api/flows/{chatID}", flowHandler.PutFlow)
	mux.HandleFunc("DELETE /api/flows/{chatID}", flowHandler.DeleteFlow)

	// Memory routes (only when the external service is configured)
	if memoryHandler != nil {
		mux.HandleFunc("POST /api/memories/search", memoryHandler.SearchMemories)
		mux.HandleFunc("POST /api/memories", memoryHandler.AddMemory)
		mux.HandleFunc("DELETE /api/memories/{id}", memoryHandler.DeleteMemory)
	}

	// Realtime canvas sync. Identity is required here and only here:
	// REST routes stay open, the canvas cannot join a room anonymously.
	mux.Handle("GET /ws/flows/{chatID}", middleware.RequireIdentity(http.HandlerFunc(realtimeHandler.ServeWS)))

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))

	// Build middleware chain
	var httpHandler http.Handler = mux

	// Apply middleware in reverse order (they wrap each other)
	// Order: CORS → Recovery → RequestLog → Routes
	httpHandler = middleware.RequestLog(logger, metrics)(httpHandler)
	httpHandler = middleware.Recovery(logger)(httpHandler)

	// CORS - Must be outermost to handle OPTIONS pre-flight requests
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Loom-User", "X-Loom-Name", "X-Loom-Color"},
		AllowCredentials: true,
	})
	httpHandler = corsHandler.Handler(httpHandler)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled to allow long-lived WebSocket connections
		IdleTimeout:  60 * time.Second,
	}

	// Start server; stop on SIGINT/SIGTERM so rooms flush their saves.
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("server listening", "port", cfg.Port)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	case <-runCtx.Done():
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
		if err := manager.Close(); err != nil {
			logger.Error("room manager shutdown", "error", err)
		}
	}
}
