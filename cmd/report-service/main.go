package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/secdashio/report-be/internal/api/handler"
	"github.com/secdashio/report-be/internal/api/router"
	"github.com/secdashio/report-be/internal/auth"
	"github.com/secdashio/report-be/internal/config"
	"github.com/secdashio/report-be/internal/report"
	"github.com/secdashio/report-be/internal/report/hub"
	"github.com/secdashio/report-be/internal/report/notifier"
	"github.com/secdashio/report-be/internal/report/storage"
	"github.com/secdashio/report-be/internal/report/supervisor"
	"github.com/secdashio/report-be/shared/logger"
	"github.com/secdashio/report-be/shared/postgresql"
	"github.com/secdashio/report-be/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("REPORT_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/report-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting report service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client for the lifecycle notification feed
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Root context bounds every generation pipeline
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	sessions := auth.NewSQLSessionStore(dbClient.GetDB(), appLogger.Logger)

	broadcastHub := hub.NewHub(&hub.Config{
		Store:           store,
		PollInterval:    cfg.Generator.PollInterval,
		SubscriptionTTL: cfg.Generator.SubscriptionTTL,
		Buffer:          cfg.Generator.StreamBuffer,
		Logger:          appLogger.Logger,
	})

	workerSupervisor := supervisor.NewSupervisor(&supervisor.Config{
		WorkerCommand:  cfg.Generator.WorkerCommand,
		WorkerArgs:     cfg.Generator.WorkerArgs,
		RuntimeCeiling: cfg.Generator.WorkerTimeout,
		Logger:         appLogger.Logger,
	})

	if !workerSupervisor.Available() {
		appLogger.Warn("Analysis worker not available, generation will use the simulated fallback",
			slog.String("worker_command", cfg.Generator.WorkerCommand),
		)
	}

	generator := report.NewGenerator(ctx, &report.GeneratorConfig{
		Store:            store,
		Hub:              broadcastHub,
		Notifier:         notifier.NewNotifier(rabbitClient, appLogger.Logger),
		Supervisor:       workerSupervisor,
		Logger:           appLogger.Logger,
		SimulateInterval: cfg.Generator.SimulateInterval,
		EventBuffer:      cfg.Generator.EventBuffer,
	})

	// Set gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	deps := &handler.Dependencies{
		Logger:    appLogger.Logger,
		Storage:   store,
		Hub:       broadcastHub,
		Generator: generator,
	}

	engine := router.SetupRouter(deps, sessions)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		// WriteTimeout stays unset: the status channel holds responses
		// open up to the subscription ceiling
	}

	// Start server in a goroutine
	errChan := make(chan error, 1)
	go func() {
		appLogger.Info("HTTP server listening",
			slog.Int("port", cfg.Server.Port),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("HTTP server error",
			slog.Any("error", err),
		)
		return err
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting requests first, then stop pipelines and drain the hub
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("HTTP server shutdown error",
			slog.Any("error", err),
		)
	}

	cancel()

	if err := generator.Wait(shutdownCtx); err != nil {
		appLogger.Warn("Generation pipelines did not drain before timeout",
			slog.Any("error", err),
		)
	}

	broadcastHub.Close()

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Report service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
