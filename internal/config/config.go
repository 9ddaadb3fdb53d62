package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env         string         `yaml:"env" envconfig:"PASSGATE_ENV"`
	HTTPPort    int            `yaml:"http_port" envconfig:"PASSGATE_HTTP_PORT"`
	MetricsPort int            `yaml:"metrics_port" envconfig:"PASSGATE_METRICS_PORT"`
	JWTSecret   string         `yaml:"jwt_secret" envconfig:"PASSGATE_JWT_SECRET"`
	Postgres    PostgresConfig `yaml:"postgres"`
	Redis       RedisConfig    `yaml:"redis"`
	Kafka       KafkaConfig    `yaml:"kafka"`
	Bulk        BulkConfig     `yaml:"bulk"`
	Reset       ResetConfig    `yaml:"reset"`
	Outbox      OutboxConfig   `yaml:"outbox"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn" envconfig:"PASSGATE_POSTGRES_DSN"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr" envconfig:"PASSGATE_REDIS_ADDR"`
	CacheTTL time.Duration `yaml:"cache_ttl" envconfig:"PASSGATE_REDIS_CACHE_TTL"`
	LockTTL  time.Duration `yaml:"lock_ttl" envconfig:"PASSGATE_REDIS_LOCK_TTL"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" envconfig:"PASSGATE_KAFKA_BROKERS"`
	Topic   string   `yaml:"topic" envconfig:"PASSGATE_KAFKA_TOPIC"`
}

type BulkConfig struct {
	ChunkSize     int `yaml:"chunk_size" envconfig:"PASSGATE_BULK_CHUNK_SIZE"`
	MaxConcurrent int `yaml:"max_concurrent" envconfig:"PASSGATE_BULK_MAX_CONCURRENT"`
}

type ResetConfig struct {
	Hour          int           `yaml:"hour" envconfig:"PASSGATE_RESET_HOUR"`
	RetentionDays int           `yaml:"retention_days" envconfig:"PASSGATE_RESET_RETENTION_DAYS"`
	CheckInterval time.Duration `yaml:"check_interval" envconfig:"PASSGATE_RESET_CHECK_INTERVAL"`
}

type OutboxConfig struct {
	Limit    int           `yaml:"limit" envconfig:"PASSGATE_OUTBOX_LIMIT"`
	Interval time.Duration `yaml:"interval" envconfig:"PASSGATE_OUTBOX_INTERVAL"`
}

// MustLoad reads the YAML config, applies environment overrides and panics
// on any problem. The config path comes from -config or CONFIG_PATH.
func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config path is empty")
	}

	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

func Load(path string) (*Config, error) {
	const op = "config.Load"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := envconfig.Process("passgate", cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Env:         "local",
		HTTPPort:    8080,
		MetricsPort: 9090,
		Redis: RedisConfig{
			CacheTTL: 24 * time.Hour,
			LockTTL:  10 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic: "pass_events",
		},
		Bulk: BulkConfig{
			ChunkSize:     100,
			MaxConcurrent: 3,
		},
		Reset: ResetConfig{
			Hour:          4,
			RetentionDays: 90,
			CheckInterval: 10 * time.Minute,
		},
		Outbox: OutboxConfig{
			Limit:    100,
			Interval: time.Second,
		},
	}
}

func fetchConfigPath() string {
	var path string

	flag.StringVar(&path, "config", "", "path to config file")
	flag.Parse()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	return path
}
