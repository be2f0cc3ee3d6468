package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/config"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/database"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/kafka"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/lease"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/logger"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/notify"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/runner"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/s3"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/services/capture"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/services/command"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/services/detection"
)

func main() {
	if os.Getenv("APP_ENV") != "production" {
		_ = godotenv.Load()
	}

	app := &cli.App{
		Name:  "runner",
		Usage: "Surveillance capture workers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				EnvVars: []string{"CONFIG_PATH"},
				Usage:   "Path to the YAML config file",
			},
		},
		Commands: []*cli.Command{
			captureCommand(),
			listenCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// captureCommand runs exactly one session worker in this process.
func captureCommand() *cli.Command {
	return &cli.Command{
		Name:  "capture",
		Usage: "Run the capture worker for one session",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Required: true, Usage: "Session id"},
			&cli.StringFlag{Name: "stream-url", Required: true, Usage: "Resolved media URL"},
			&cli.IntFlag{Name: "interval", Required: true, Usage: "Capture interval in seconds"},
			&cli.StringFlag{Name: "prompt", Required: true, Usage: "Detection prompt"},
			&cli.StringFlag{Name: "user", Required: true, Usage: "Owning user id"},
		},
		Action: func(c *cli.Context) error {
			env, err := setup(c, "surveillance-capture")
			if err != nil {
				return err
			}
			defer env.close()

			wc := models.WorkerContext{
				SessionID: c.String("session"),
				StreamURL: c.String("stream-url"),
				Interval:  c.Int("interval"),
				Prompt:    c.String("prompt"),
				UserID:    c.String("user"),
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = env.worker.Run(ctx, wc)
			if errors.Is(err, runner.ErrAlreadyRunning) {
				return nil
			}
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

// listenCommand hosts a fleet of session workers driven by Kafka commands.
func listenCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "Consume session commands and run workers for them",
		Action: func(c *cli.Context) error {
			env, err := setup(c, "surveillance-runner")
			if err != nil {
				return err
			}
			defer env.close()

			if len(env.cfg.Kafka.Brokers) == 0 {
				return cli.Exit("kafka.brokers is required for listen", 1)
			}

			consumer, err := kafka.NewConsumer(env.cfg.Kafka.Brokers, env.cfg.Kafka.GroupID, env.cfg.Kafka.ScenarioTopic, env.logger)
			if err != nil {
				return fmt.Errorf("create Kafka consumer: %w", err)
			}
			defer consumer.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			consumer.StartListening(ctx)
			runner.New(env.worker, consumer, env.db, env.logger).ListenAndRun(ctx)
			return nil
		},
	}
}

type runtimeEnv struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *database.Database
	worker    *runner.Worker
	detection *detection.Client
	closers   []func()
}

func (e *runtimeEnv) close() {
	e.logger.Info("assessment stats", zap.Any("stats", e.detection.Stats()))
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	_ = e.logger.Sync()
}

// setup wires the worker dependencies shared by both commands. MinIO, MQTT
// and Redis are optional and only used when configured.
func setup(c *cli.Context, service string) (*runtimeEnv, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.Logging.Level, cfg.Logging.Format, service)
	if err != nil {
		return nil, err
	}

	db, err := database.New(c.Context, cfg.Postgres.DSN, database.Options{
		MaxConns: cfg.Postgres.MaxConns,
		MaxIdle:  cfg.Postgres.MaxIdle,
	})
	if err != nil {
		lg.Error("failed to connect to database", zap.Error(err))
		return nil, err
	}

	env := &runtimeEnv{
		cfg:     cfg,
		logger:  lg,
		db:      db,
		closers: []func(){func() { db.Close() }},
	}

	extractor := capture.New(capture.Config{Binary: cfg.Capture.Binary}, command.ExecRunner{})
	env.detection = detection.NewClient(detection.Config{
		Endpoint: cfg.Inference.Endpoint,
		APIKey:   cfg.Inference.APIKey,
		Model:    cfg.Inference.Model,
		Timeout:  cfg.Inference.Timeout,
	}, lg)

	env.worker = runner.NewWorker(runner.WorkerConfig{
		FramesDir:          cfg.Capture.FramesDir,
		CycleTimeout:       cfg.Capture.CycleTimeout,
		MaxPersistFailures: cfg.Capture.MaxPersistFailures,
		HeartbeatInterval:  cfg.Worker.HeartbeatInterval,
		PersistTimeout:     cfg.Capture.PersistTimeout,
	}, db, extractor, env.detection, lg)

	if cfg.ArchiveEnabled() {
		archive, err := s3.NewMinioClient(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Bucket, cfg.Minio.Secure)
		if err != nil {
			lg.Warn("frame archive disabled", zap.Error(err))
		} else {
			if err := archive.EnsureBucketExists(c.Context); err != nil {
				lg.Warn("frame bucket check failed", zap.Error(err))
			}
			env.worker.Archiver = archive
		}
	}

	if cfg.MQTT.Broker != "" {
		notifier, err := notify.NewMQTTNotifier(notify.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    fmt.Sprintf("%s-%s-%d", cfg.MQTT.ClientID, service, os.Getpid()),
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, lg)
		if err != nil {
			lg.Warn("anomaly alerts disabled", zap.Error(err))
		} else {
			env.worker.Notifier = notifier
			env.closers = append(env.closers, notifier.Close)
		}
	}

	if cfg.Redis.Addr != "" {
		client := lease.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		env.worker.Locker = lease.NewLocker(client, cfg.Redis.LeaseTTL)
		env.closers = append(env.closers, func() { client.Close() })
	}

	return env, nil
}
