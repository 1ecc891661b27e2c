// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Battle    BattleConfig    `mapstructure:"battle"`
	Credit    CreditConfig    `mapstructure:"credit"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Store     StoreConfig     `mapstructure:"store"`
	Questions QuestionsConfig `mapstructure:"questions"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds the HTTP/websocket listener configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	SendQueueSize   int           `mapstructure:"send_queue_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig holds connection authentication configuration.
// An empty secret accepts a bare user id on the auth event.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// BattleConfig holds battle lifecycle timings.
type BattleConfig struct {
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	MaxDuration   time.Duration `mapstructure:"max_duration"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	QuestionCount int           `mapstructure:"question_count"`
	Retention     time.Duration `mapstructure:"retention"`
}

// CreditConfig holds the credit policy constants.
type CreditConfig struct {
	Max             int    `mapstructure:"max"`
	MinForBattle    int    `mapstructure:"min_for_battle"`
	DailyRecovery   int    `mapstructure:"daily_recovery"`
	EscapePenalty   int    `mapstructure:"escape_penalty"`
	NegativePenalty int    `mapstructure:"negative_penalty"`
	NormalReward    int    `mapstructure:"normal_reward"`
	Timezone        string `mapstructure:"timezone"`
}

// Location resolves the reference timezone used for the daily recovery window.
func (c *CreditConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load credit timezone: %w", err)
	}
	return loc, nil
}

// NotifyConfig holds outbox configuration.
type NotifyConfig struct {
	Outbox   string `mapstructure:"outbox"` // memory | redis
	Capacity int    `mapstructure:"capacity"`
}

// StoreConfig selects the durable store driver.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // postgres | memory
}

// QuestionsConfig holds the question bank source.
type QuestionsConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// e.g. DATABASE_HOST, AUTH_JWT_SECRET, BATTLE_GRACE_PERIOD
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that would break the battle engine.
func (c *Config) Validate() error {
	if c.Credit.Max <= 0 {
		return fmt.Errorf("invalid config: credit.max must be positive")
	}
	if c.Credit.MinForBattle > c.Credit.Max {
		return fmt.Errorf("invalid config: credit.min_for_battle exceeds credit.max")
	}
	if c.Battle.QuestionCount <= 0 {
		return fmt.Errorf("invalid config: battle.question_count must be positive")
	}
	if c.Battle.SweepInterval <= 0 {
		return fmt.Errorf("invalid config: battle.sweep_interval must be positive")
	}
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid config: unknown store.driver %q", c.Store.Driver)
	}
	switch c.Notify.Outbox {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid config: unknown notify.outbox %q", c.Notify.Outbox)
	}
	if _, err := c.Credit.Location(); err != nil {
		return err
	}
	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_buffer_size", 4096)
	v.SetDefault("server.write_buffer_size", 4096)
	v.SetDefault("server.send_queue_size", 64)
	v.SetDefault("server.ping_interval", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "quizduel")
	v.SetDefault("database.name", "quizduel")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("battle.grace_period", "3s")
	v.SetDefault("battle.max_duration", "15m")
	v.SetDefault("battle.sweep_interval", "10s")
	v.SetDefault("battle.question_count", 5)
	v.SetDefault("battle.retention", "10m")

	v.SetDefault("credit.max", 100)
	v.SetDefault("credit.min_for_battle", 95)
	v.SetDefault("credit.daily_recovery", 5)
	v.SetDefault("credit.escape_penalty", 3)
	v.SetDefault("credit.negative_penalty", 2)
	v.SetDefault("credit.normal_reward", 1)
	v.SetDefault("credit.timezone", "UTC")

	v.SetDefault("notify.outbox", "memory")
	v.SetDefault("notify.capacity", 50)

	v.SetDefault("store.driver", "memory")

	v.SetDefault("questions.path", "config/questions.yaml")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}
