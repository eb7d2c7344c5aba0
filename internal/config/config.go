package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Statistics StatisticsConfig `mapstructure:"statistics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MigrationsPath string `mapstructure:"migrations_path"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// EngineConfig tunes the alert processing engine.
type EngineConfig struct {
	Workers              int    `mapstructure:"workers"`
	QueueSize            int    `mapstructure:"queue_size"`
	MaxInstanceLifetime  string `mapstructure:"max_instance_lifetime"`  // parsed to time.Duration
	ExpirySweepSchedule  string `mapstructure:"expiry_sweep_schedule"`  // cron spec
	ActionRetryAttempts  int    `mapstructure:"action_retry_attempts"`
	ActionRetryBaseDelay string `mapstructure:"action_retry_base_delay"` // parsed to time.Duration
}

// SchedulerConfig tunes the durable delayed-action scheduler.
type SchedulerConfig struct {
	PollInterval string `mapstructure:"poll_interval"` // parsed to time.Duration
	BatchSize    int    `mapstructure:"batch_size"`
}

// StatisticsConfig tunes the statistics aggregator cadence and log retention.
type StatisticsConfig struct {
	RecomputeSchedule string `mapstructure:"recompute_schedule"` // cron spec
	CleanupSchedule   string `mapstructure:"cleanup_schedule"`   // cron spec
	LogRetentionDays  int    `mapstructure:"log_retention_days"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type WebSocketConfig struct {
	PingInterval int `mapstructure:"ping_interval"`
	PongTimeout  int `mapstructure:"pong_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("PULSEGUARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine, defaults plus env cover everything.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 3100)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.mode", "release")

	viper.SetDefault("database.path", "./data/pulseguard.db")
	viper.SetDefault("database.migrations_path", "./migrations")
	viper.SetDefault("database.max_connections", 10)

	viper.SetDefault("engine.workers", 8)
	viper.SetDefault("engine.queue_size", 1024)
	viper.SetDefault("engine.max_instance_lifetime", "24h")
	viper.SetDefault("engine.expiry_sweep_schedule", "*/5 * * * *")
	viper.SetDefault("engine.action_retry_attempts", 3)
	viper.SetDefault("engine.action_retry_base_delay", "500ms")

	viper.SetDefault("scheduler.poll_interval", "1s")
	viper.SetDefault("scheduler.batch_size", 50)

	viper.SetDefault("statistics.recompute_schedule", "*/1 * * * *")
	viper.SetDefault("statistics.cleanup_schedule", "0 3 * * *")
	viper.SetDefault("statistics.log_retention_days", 90)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("websocket.ping_interval", 30)
	viper.SetDefault("websocket.pong_timeout", 60)
	viper.SetDefault("websocket.write_timeout", 10)
}

// ParseDuration parses a duration field, falling back when empty or invalid.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
