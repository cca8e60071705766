package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/llmtrigger/llmtrigger/internal/api"
	"github.com/llmtrigger/llmtrigger/internal/config"
	"github.com/llmtrigger/llmtrigger/internal/engine"
	"github.com/llmtrigger/llmtrigger/internal/llm"
	"github.com/llmtrigger/llmtrigger/internal/messaging"
	"github.com/llmtrigger/llmtrigger/internal/metrics"
	"github.com/llmtrigger/llmtrigger/internal/notification"
	"github.com/llmtrigger/llmtrigger/internal/scheduler"
	"github.com/llmtrigger/llmtrigger/internal/storage"
	"github.com/llmtrigger/llmtrigger/internal/trigger"
)

const (
	serviceName = "llmtrigger"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)
	logger.Info("Starting LLM Trigger Service",
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// State store
	rdb, err := storage.Connect(ctx, cfg.Redis)
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("Failed to close Redis connection", "error", err)
		}
	}()

	ruleStore := storage.NewRuleStore(rdb, logger)
	contextStore := storage.NewContextStore(rdb, cfg.Context, logger)
	idempotencyStore := storage.NewIdempotencyStore(rdb)
	llmCache := storage.NewLLMCacheStore(rdb)
	notifyQueue := storage.NewNotificationQueue(rdb)
	dedupStore := storage.NewDedupStore(rdb)
	rateStore := storage.NewRateStore(rdb)
	triggerStore := storage.NewTriggerStateStore(rdb)
	executionStore := storage.NewExecutionStore(rdb)

	// Metrics
	collector := metrics.NewCollector(notifyQueue, logger)

	// Rule repository with push invalidation
	repository := engine.NewRepository(ruleStore, logger)
	go repository.ListenUpdates(ctx, ruleStore.Subscribe(ctx))

	// Engines
	expressionEngine := engine.NewExpressionEngine(logger)
	llmClient := llm.NewOpenAIClient(cfg.OpenAI)
	llmEngine := llm.NewEngine(llmClient, llmCache, collector, logger)
	triggerController := trigger.NewController(triggerStore, logger)
	router := engine.NewRouter(expressionEngine, llmEngine, triggerController, contextStore, logger)

	// Notification pipeline
	dispatcher := notification.NewDispatcher(dedupStore, rateStore, notifyQueue, cfg.Notification, collector, logger)
	channels := []notification.Channel{
		notification.NewTelegramChannel(cfg.Channels.Telegram, logger),
		notification.NewWeComChannel(cfg.Channels.WeCom, logger),
		notification.NewEmailChannel(cfg.Channels.Email, logger),
	}
	worker := notification.NewWorker(notifyQueue, channels, cfg.Notification, collector, logger)

	// Event pipeline
	eventHandler := engine.NewHandler(
		idempotencyStore,
		contextStore,
		repository,
		router,
		dispatcher,
		executionStore,
		collector,
		logger,
	)
	consumer := messaging.NewConsumer(cfg.RabbitMQ, eventHandler, collector, logger)

	// Periodic tick
	tickScheduler := scheduler.New(cfg.Scheduler, ruleStore, triggerController, eventHandler, logger)

	// HTTP API
	httpHandler := api.NewHTTPHandler(
		logger,
		ruleStore,
		executionStore,
		eventHandler,
		expressionEngine,
		notifyQueue,
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	)
	httpRouter := mux.NewRouter()
	httpRouter.Use(api.MetricsMiddleware(collector))
	httpHandler.RegisterRoutes(httpRouter)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      httpRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		collector.Start(ctx)
	}()

	if err := consumer.Start(ctx); err != nil {
		logger.Error("Failed to start event consumer", "error", err)
		os.Exit(1)
	}

	if err := worker.Start(ctx); err != nil {
		logger.Error("Failed to start notification worker", "error", err)
		os.Exit(1)
	}

	if err := tickScheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting HTTP server", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server gracefully", "error", err)
	}

	// Stop intake before the pipeline behind it.
	consumer.Stop()
	tickScheduler.Stop()
	worker.Stop()
	cancel()
	wg.Wait()

	logger.Info("Service shutdown complete")
}

// setupLogging configures structured logging.
func setupLogging(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}

	handlerOptions := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: cfg.Debug,
	}

	var handler slog.Handler
	if cfg.Environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, handlerOptions)
	} else {
		handler = slog.NewTextHandler(os.Stdout, handlerOptions)
	}

	logger := slog.New(handler)
	logger = logger.With(
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment,
	)

	slog.SetDefault(logger)
	return logger
}
