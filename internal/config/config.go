// Package config loads process configuration from defaults, YAML files and
// MMBOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. MMBOT_DATABASE_DSN.
const EnvPrefix = "MMBOT"

// Settlement modes
const (
	ModeDryRun = "dry_run"
	ModeLive   = "live"
)

// Config is the root configuration of the bot process
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Ingestion  IngestionConfig  `mapstructure:"ingestion"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Pairs      PairsConfig      `mapstructure:"pairs"`
	Server     ServerConfig     `mapstructure:"server"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// LogConfig controls the zap logger
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// DatabaseConfig selects and tunes the gorm backend
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig enables the cross-replica ingestion guard
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig enables publication of order state changes
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `mapstructure:"topic" validate:"required_if=Enabled true"`
}

// QueueConfig configures the durable job queue and its workers
type QueueConfig struct {
	// Path of the badger directory; empty selects the in-memory queue.
	Path         string        `mapstructure:"path"`
	Workers      int           `mapstructure:"workers" validate:"gte=1"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// IngestionConfig configures the snapshot poller
type IngestionConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	Limit    int           `mapstructure:"limit" validate:"gte=1,lte=500"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
}

// SettlementConfig holds money-moving policy
type SettlementConfig struct {
	// Mode is dry_run (resolve everything, then refund) or live (move funds).
	Mode string `mapstructure:"mode" validate:"oneof=dry_run live"`
	// Ledger selects the ledger collaborator; only "paper" ships in-tree.
	Ledger string `mapstructure:"ledger" validate:"oneof=paper"`
}

// PairsConfig points at the pair registry file
type PairsConfig struct {
	File string `mapstructure:"file" validate:"required"`
}

// ServerConfig configures the ops HTTP server
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address" validate:"required_if=Enabled true"`
}

// TracingConfig toggles the stdout span exporter
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Live reports whether withdrawals actually move funds.
func (c SettlementConfig) Live() bool {
	return c.Mode == ModeLive
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:mmbot.db?_busy_timeout=5000")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "mmbot.order-state")

	v.SetDefault("queue.path", "./data/queue")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.poll_interval", 500*time.Millisecond)

	v.SetDefault("ingestion.interval", 3*time.Second)
	v.SetDefault("ingestion.limit", 500)
	v.SetDefault("ingestion.lock_ttl", 30*time.Second)

	v.SetDefault("settlement.mode", ModeDryRun)
	v.SetDefault("settlement.ledger", "paper")

	v.SetDefault("pairs.file", "./pairs.yaml")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.address", ":8081")

	v.SetDefault("tracing.enabled", false)
}

// Load builds the configuration. Missing files are skipped; a file that
// exists but cannot be parsed is an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if len(paths) == 0 {
		paths = []string{"./config.yaml", "./configs/config.yaml"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints on a loaded configuration.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
