package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when SETTLER_CONFIG is unset.
const DefaultPath = "internal/config/config.yaml"

// Config top-level struct
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Inventory InventoryConfig `yaml:"inventory"`
	Sweep     SweepConfig     `yaml:"sweep"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// InventoryConfig points at the external inventory API.
type InventoryConfig struct {
	BaseURL   string        `yaml:"base_url"`
	ContextID string        `yaml:"context_id"`
	APIKey    string        `yaml:"api_key"`
	Timeout   time.Duration `yaml:"timeout"`
	RPS       float64       `yaml:"rps"`
	Burst     int           `yaml:"burst"`
}

type SweepConfig struct {
	// Interval is a robfig/cron spec, e.g. "@every 30m".
	Interval       string        `yaml:"interval"`
	// BatchLimit is the page size of the due query; every due row is visited each pass.
	BatchLimit     int           `yaml:"batch_limit"`
	Concurrency    int           `yaml:"concurrency"`
	MaxAttempts    int           `yaml:"max_attempts"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	OperatorUserID uint64        `yaml:"operator_user_id"`
}

// secrets are read from the environment and win over the yaml file.
type secrets struct {
	PostgresPassword string `envconfig:"POSTGRES_PASSWORD"`
	RedisPassword    string `envconfig:"REDIS_PASSWORD"`
	InventoryAPIKey  string `envconfig:"INVENTORY_API_KEY"`
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv("SETTLER_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes yaml, applies defaults and env secrets, then validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	var s secrets
	if err := envconfig.Process("", &s); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if s.PostgresPassword != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + s.PostgresPassword
	}
	if s.RedisPassword != "" {
		cfg.Redis.Password = s.RedisPassword
	}
	if s.InventoryAPIKey != "" {
		cfg.Inventory.APIKey = s.InventoryAPIKey
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}
	if c.Inventory.BaseURL == "" {
		c.Inventory.BaseURL = "https://steamcommunity.com"
	}
	if c.Inventory.ContextID == "" {
		c.Inventory.ContextID = "2"
	}
	if c.Inventory.Timeout == 0 {
		c.Inventory.Timeout = 10 * time.Second
	}
	if c.Inventory.RPS == 0 {
		c.Inventory.RPS = 1
	}
	if c.Inventory.Burst == 0 {
		c.Inventory.Burst = 1
	}
	if c.Sweep.Interval == "" {
		c.Sweep.Interval = "@every 30m"
	}
	if c.Sweep.BatchLimit == 0 {
		c.Sweep.BatchLimit = 500
	}
	if c.Sweep.Concurrency == 0 {
		c.Sweep.Concurrency = 4
	}
	if c.Sweep.MaxAttempts == 0 {
		c.Sweep.MaxAttempts = 3
	}
	if c.Sweep.LockTTL == 0 {
		c.Sweep.LockTTL = 5 * time.Minute
	}
}

// Validate rejects settings the sweep cannot run with.
func (c *Config) Validate() error {
	if c.Sweep.Concurrency < 0 || c.Sweep.MaxAttempts < 0 || c.Sweep.BatchLimit < 0 {
		return errors.New("sweep: concurrency, max_attempts and batch_limit must be positive")
	}
	if c.Inventory.Timeout < 0 {
		return errors.New("inventory: timeout must be positive")
	}
	if c.Sweep.LockTTL <= c.Inventory.Timeout {
		return fmt.Errorf("sweep: lock_ttl %s must exceed inventory timeout %s", c.Sweep.LockTTL, c.Inventory.Timeout)
	}
	return nil
}
