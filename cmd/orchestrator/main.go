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

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/api"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/config"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/database"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/kafka"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/logger"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/orchestrator"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/services/command"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/services/resolver"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/watchdog"
)

func main() {
	// .env только для локальной разработки
	if os.Getenv("APP_ENV") != "production" {
		_ = godotenv.Load()
	}

	// Чтение конфига
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}

	lg, err := logger.New(cfg.Logging.Level, cfg.Logging.Format, "surveillance-orchestrator")
	if err != nil {
		log.Fatal(err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Инициализация базы данных
	db, err := database.New(ctx, cfg.Postgres.DSN, database.Options{
		MaxConns: cfg.Postgres.MaxConns,
		MaxIdle:  cfg.Postgres.MaxIdle,
	})
	if err != nil {
		lg.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Init(ctx); err != nil {
		lg.Fatal("failed to init schema", zap.Error(err))
	}

	streamResolver := resolver.New(resolver.Config{
		Binary:  cfg.Resolver.Binary,
		Timeout: cfg.Resolver.Timeout,
	}, command.ExecRunner{}, lg)

	var spawner orchestrator.Spawner
	switch cfg.Spawner.Mode {
	case config.SpawnerKafka:
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.ScenarioTopic, lg)
		if err != nil {
			lg.Fatal("failed to create Kafka producer", zap.Error(err))
		}
		defer producer.Close()
		spawner = orchestrator.NewKafkaSpawner(producer, lg)
	default:
		runnerConfig := cfg.Spawner.ConfigPath
		if runnerConfig == "" {
			runnerConfig = configPath
		}
		spawner = orchestrator.NewProcessSpawner(orchestrator.ProcessSpawnerConfig{
			Binary:     cfg.Spawner.RunnerBinary,
			ConfigPath: runnerConfig,
			StopGrace:  cfg.Spawner.StopGrace,
		}, db, lg)
	}
	lg.Info("worker spawner configured", zap.String("mode", cfg.Spawner.Mode))

	orch := orchestrator.New(db, streamResolver, spawner, lg)

	// Горутина для пометки зависших сессий
	go watchdog.New(db, cfg.Watchdog.Interval, cfg.Watchdog.MinStaleness, lg).Start(ctx)

	origins := cfg.HTTP.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewHandlers(orch, db, lg).Router(origins),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Resolver.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		lg.Info("starting orchestrator API server", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	lg.Info("shutdown signal received, draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("forced shutdown", zap.Error(err))
	}
	orch.Shutdown(shutdownCtx)
	lg.Info("orchestrator stopped")
}
