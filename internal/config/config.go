package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Spawner modes
const (
	SpawnerProcess = "process"
	SpawnerKafka   = "kafka"
)

// Config структура конфига
type Config struct {
	HTTP struct {
		Addr           string   `yaml:"addr" env:"HTTP_ADDR"`
		AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	} `yaml:"http"`

	Postgres struct {
		DSN      string `yaml:"dsn" env:"DATABASE_DSN"`
		MaxConns int    `yaml:"max_conns" env:"DATABASE_MAX_CONNS"`
		MaxIdle  int    `yaml:"max_idle" env:"DATABASE_MAX_IDLE"`
	} `yaml:"postgres"`

	Minio struct {
		Endpoint  string `yaml:"endpoint" env:"MINIO_ENDPOINT"`
		AccessKey string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
		Bucket    string `yaml:"bucket" env:"MINIO_BUCKET"`
		Secure    bool   `yaml:"secure" env:"MINIO_SECURE"`
	} `yaml:"minio"`

	Kafka struct {
		Brokers       []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
		GroupID       string   `yaml:"group_id" env:"KAFKA_GROUP_ID"`
		ScenarioTopic string   `yaml:"scenario_topic" env:"SCENARIO_TOPIC"`
	} `yaml:"kafka"`

	Redis struct {
		Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
		Password string        `yaml:"password" env:"REDIS_PASSWORD"`
		DB       int           `yaml:"db" env:"REDIS_DB"`
		LeaseTTL time.Duration `yaml:"lease_ttl" env:"REDIS_LEASE_TTL"`
	} `yaml:"redis"`

	MQTT struct {
		Broker      string `yaml:"broker" env:"MQTT_BROKER"`
		ClientID    string `yaml:"client_id" env:"MQTT_CLIENT_ID"`
		Username    string `yaml:"username" env:"MQTT_USERNAME"`
		Password    string `yaml:"password" env:"MQTT_PASSWORD"`
		TopicPrefix string `yaml:"topic_prefix" env:"MQTT_TOPIC_PREFIX"`
		QoS         byte   `yaml:"qos" env:"MQTT_QOS"`
	} `yaml:"mqtt"`

	Inference struct {
		Endpoint string        `yaml:"endpoint" env:"INFERENCE_ENDPOINT"`
		APIKey   string        `yaml:"api_key" env:"INFERENCE_API_KEY"`
		Model    string        `yaml:"model" env:"INFERENCE_MODEL"`
		Timeout  time.Duration `yaml:"timeout" env:"INFERENCE_TIMEOUT"`
	} `yaml:"inference"`

	Resolver struct {
		Binary  string        `yaml:"binary" env:"RESOLVER_BINARY"`
		Timeout time.Duration `yaml:"timeout" env:"RESOLVER_TIMEOUT"`
	} `yaml:"resolver"`

	Capture struct {
		Binary             string        `yaml:"binary" env:"CAPTURE_BINARY"`
		FramesDir          string        `yaml:"frames_dir" env:"FRAMES_DIR"`
		CycleTimeout       time.Duration `yaml:"cycle_timeout" env:"CAPTURE_CYCLE_TIMEOUT"`
		MaxPersistFailures int           `yaml:"max_persist_failures" env:"CAPTURE_MAX_PERSIST_FAILURES"`
		PersistTimeout     time.Duration `yaml:"persist_timeout" env:"CAPTURE_PERSIST_TIMEOUT"`
	} `yaml:"capture"`

	Worker struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"WORKER_HEARTBEAT_INTERVAL"`
	} `yaml:"worker"`

	Spawner struct {
		Mode         string        `yaml:"mode" env:"SPAWNER_MODE"`
		RunnerBinary string        `yaml:"runner_binary" env:"RUNNER_BINARY"`
		ConfigPath   string        `yaml:"config_path" env:"RUNNER_CONFIG_PATH"`
		StopGrace    time.Duration `yaml:"stop_grace" env:"SPAWNER_STOP_GRACE"`
	} `yaml:"spawner"`

	Watchdog struct {
		Interval     time.Duration `yaml:"interval" env:"WATCHDOG_INTERVAL"`
		MinStaleness time.Duration `yaml:"min_staleness" env:"WATCHDOG_MIN_STALENESS"`
	} `yaml:"watchdog"`

	Logging struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"logging"`
}

// Load reads the YAML file at path (optional) and overlays environment variables.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		// Читаем YAML
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}

		// Парсим YAML в структуру
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Парсим переменные окружения с приоритетом
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8002"
	}
	if c.Minio.Bucket == "" {
		c.Minio.Bucket = "frames"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "surveillance-runner-group"
	}
	if c.Kafka.ScenarioTopic == "" {
		c.Kafka.ScenarioTopic = "surveillance-sessions"
	}
	if c.Redis.LeaseTTL == 0 {
		c.Redis.LeaseTTL = 30 * time.Second
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "surveillance-pipeline"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "surveillance"
	}
	if c.Inference.Endpoint == "" {
		c.Inference.Endpoint = "https://models.github.ai/inference"
	}
	if c.Inference.Model == "" {
		c.Inference.Model = "gpt-4o-mini"
	}
	if c.Inference.Timeout == 0 {
		c.Inference.Timeout = 60 * time.Second
	}
	if c.Resolver.Binary == "" {
		c.Resolver.Binary = "yt-dlp"
	}
	if c.Resolver.Timeout == 0 {
		c.Resolver.Timeout = 30 * time.Second
	}
	if c.Capture.Binary == "" {
		c.Capture.Binary = "ffmpeg"
	}
	if c.Capture.FramesDir == "" {
		c.Capture.FramesDir = "uploads/frames"
	}
	if c.Capture.CycleTimeout == 0 {
		c.Capture.CycleTimeout = 2 * time.Minute
	}
	if c.Capture.MaxPersistFailures == 0 {
		c.Capture.MaxPersistFailures = 3
	}
	if c.Capture.PersistTimeout == 0 {
		c.Capture.PersistTimeout = 15 * time.Second
	}
	if c.Worker.HeartbeatInterval == 0 {
		c.Worker.HeartbeatInterval = 5 * time.Second
	}
	if c.Spawner.Mode == "" {
		c.Spawner.Mode = SpawnerProcess
	}
	if c.Spawner.RunnerBinary == "" {
		c.Spawner.RunnerBinary = "runner"
	}
	if c.Spawner.StopGrace == 0 {
		c.Spawner.StopGrace = 10 * time.Second
	}
	if c.Watchdog.Interval == 0 {
		c.Watchdog.Interval = 30 * time.Second
	}
	if c.Watchdog.MinStaleness == 0 {
		c.Watchdog.MinStaleness = time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the settings every binary depends on.
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return errors.New("config: postgres.dsn (DATABASE_DSN) is required")
	}
	switch c.Spawner.Mode {
	case SpawnerProcess:
	case SpawnerKafka:
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("config: kafka.brokers is required for kafka spawner mode")
		}
	default:
		return fmt.Errorf("config: unknown spawner.mode %q", c.Spawner.Mode)
	}
	if c.Resolver.Timeout < 0 || c.Capture.CycleTimeout < 0 || c.Inference.Timeout < 0 || c.Capture.PersistTimeout < 0 {
		return errors.New("config: timeouts must be positive")
	}
	// инференс должен оставлять время на снятие кадра
	if c.Capture.CycleTimeout > 0 && c.Inference.Timeout >= c.Capture.CycleTimeout {
		return fmt.Errorf("config: inference.timeout (%s) must be shorter than capture.cycle_timeout (%s)",
			c.Inference.Timeout, c.Capture.CycleTimeout)
	}
	return nil
}

// ArchiveEnabled reports whether captured frames are copied to MinIO.
func (c *Config) ArchiveEnabled() bool {
	return c.Minio.Endpoint != ""
}
