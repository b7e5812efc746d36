package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	mu sync.RWMutex `yaml:"-"`

	Database     DatabaseConfig     `yaml:"database" envPrefix:"DATABASE_"`
	Redis        RedisConfig        `yaml:"redis" envPrefix:"REDIS_"`
	Web          WebConfig          `yaml:"web" envPrefix:"WEB_"`
	Messaging    MessagingConfig    `yaml:"messaging" envPrefix:"MESSAGING_"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" envPrefix:"ORCHESTRATOR_"`
	Log          LogConfig          `yaml:"log" envPrefix:"LOG_"`
}

type DatabaseConfig struct {
	Driver   string         `yaml:"driver" env:"DRIVER"`
	SQLite   SQLiteConfig   `yaml:"sqlite" envPrefix:"SQLITE_"`
	Postgres PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
}

type SQLiteConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

type PostgresConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Database string `yaml:"database" env:"DATABASE"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	SSLMode  string `yaml:"sslmode" env:"SSLMODE"`
}

// RedisConfig is the live-state cache (arm position, active order).
type RedisConfig struct {
	Address  string `yaml:"address" env:"ADDRESS"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

type WebConfig struct {
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
}

type LogConfig struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

// Messaging backends.
const (
	BackendRedis  = "redis"
	BackendKafka  = "kafka"
	BackendMQTT   = "mqtt"
	BackendMemory = "memory"
)

type MessagingConfig struct {
	Backend             string         `yaml:"backend" env:"BACKEND"`
	Redis               RedisBusConfig `yaml:"redis" envPrefix:"REDIS_"`
	Kafka               KafkaConfig    `yaml:"kafka" envPrefix:"KAFKA_"`
	MQTT                MQTTConfig     `yaml:"mqtt" envPrefix:"MQTT_"`
	Topics              TopicsConfig   `yaml:"topics" envPrefix:"TOPIC_"`
	Retry               RetryConfig    `yaml:"retry" envPrefix:"RETRY_"`
	OutboxDrainInterval time.Duration  `yaml:"outbox_drain_interval" env:"OUTBOX_DRAIN_INTERVAL"`
	StationID           string         `yaml:"station_id" env:"STATION_ID"`
}

type RedisBusConfig struct {
	Address  string `yaml:"address" env:"ADDRESS"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Group    string `yaml:"group" env:"GROUP"`
	Consumer string `yaml:"consumer" env:"CONSUMER"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	GroupID string   `yaml:"group_id" env:"GROUP_ID"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker" env:"BROKER"`
	Port     int    `yaml:"port" env:"PORT"`
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	Group    string `yaml:"group" env:"GROUP"`
}

// TopicsConfig names the bus channels. Defaults match the deployed
// arm and machine controllers.
type TopicsConfig struct {
	OrderSubmission  string `yaml:"order_submission" env:"ORDER_SUBMISSION"`
	CommandBroadcast string `yaml:"command_broadcast" env:"COMMAND_BROADCAST"`
	ArmMove          string `yaml:"arm_move" env:"ARM_MOVE"`
	ArmStatus        string `yaml:"arm_status" env:"ARM_STATUS"`
	CommandResponse  string `yaml:"command_response" env:"COMMAND_RESPONSE"`
	OrderStatus      string `yaml:"order_status" env:"ORDER_STATUS"`
}

// RetryConfig bounds the reconnect backoff applied to every bus operation.
type RetryConfig struct {
	MaxTries        uint          `yaml:"max_tries" env:"MAX_TRIES"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
}

type OrchestratorConfig struct {
	ArmPollInterval    time.Duration `yaml:"arm_poll_interval" env:"ARM_POLL_INTERVAL"`
	ArmMaxPollInterval time.Duration `yaml:"arm_max_poll_interval" env:"ARM_MAX_POLL_INTERVAL"`
	ArmTimeout         time.Duration `yaml:"arm_timeout" env:"ARM_TIMEOUT"`
	ResponseTimeout    time.Duration `yaml:"response_timeout" env:"RESPONSE_TIMEOUT"`
	ParkTimeout        time.Duration `yaml:"park_timeout" env:"PARK_TIMEOUT"`
	CommandRetries     int           `yaml:"command_retries" env:"COMMAND_RETRIES"`
}

func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{Path: "coffeehand.db"},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "coffeehand",
				User:     "coffeehand",
				Password: "",
				SSLMode:  "disable",
			},
		},
		Redis: RedisConfig{
			Address:  "localhost:6379",
			Password: "",
			DB:       0,
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 8084,
		},
		Messaging: MessagingConfig{
			Backend: BackendRedis,
			Redis: RedisBusConfig{
				Address:  "localhost:6379",
				Group:    "coffeehand",
				Consumer: "coordinator-1",
			},
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				GroupID: "coffeehand",
			},
			MQTT: MQTTConfig{
				Broker:   "localhost",
				Port:     1883,
				ClientID: "coffeehand-coordinator",
				Group:    "coffeehand",
			},
			Topics: TopicsConfig{
				OrderSubmission:  "machine_queue",
				CommandBroadcast: "send_command_exchange",
				ArmMove:          "robot_arm",
				ArmStatus:        "robot_arm_status",
				CommandResponse:  "response_queue",
				OrderStatus:      "order_status",
			},
			Retry: RetryConfig{
				MaxTries:        5,
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
			OutboxDrainInterval: 2 * time.Second,
			StationID:           "bar-1",
		},
		Orchestrator: OrchestratorConfig{
			ArmPollInterval:    100 * time.Millisecond,
			ArmMaxPollInterval: time.Second,
			ArmTimeout:         2 * time.Minute,
			ResponseTimeout:    60 * time.Second,
			ParkTimeout:        30 * time.Second,
			CommandRetries:     1,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path (a missing file yields defaults) and then
// applies COFFEEHAND_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "COFFEEHAND_"}); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks values the rest of the system cannot recover from.
func (c *Config) Validate() error {
	switch c.Messaging.Backend {
	case BackendRedis, BackendKafka, BackendMQTT, BackendMemory:
	default:
		return fmt.Errorf("unsupported messaging backend: %s", c.Messaging.Backend)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	t := c.Messaging.Topics
	for name, v := range map[string]string{
		"order_submission":  t.OrderSubmission,
		"command_broadcast": t.CommandBroadcast,
		"arm_move":          t.ArmMove,
		"arm_status":        t.ArmStatus,
		"command_response":  t.CommandResponse,
		"order_status":      t.OrderStatus,
	} {
		if v == "" {
			return fmt.Errorf("topic %s is empty", name)
		}
	}
	o := c.Orchestrator
	if o.ArmPollInterval <= 0 || o.ArmTimeout <= 0 || o.ResponseTimeout <= 0 {
		return fmt.Errorf("orchestrator intervals and timeouts must be positive")
	}
	if o.ArmMaxPollInterval < o.ArmPollInterval {
		return fmt.Errorf("arm_max_poll_interval %v is below arm_poll_interval %v", o.ArmMaxPollInterval, o.ArmPollInterval)
	}
	if o.CommandRetries < 0 {
		return fmt.Errorf("command_retries must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	return nil
}

func (c *Config) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Lock()   { c.mu.Lock() }
func (c *Config) Unlock() { c.mu.Unlock() }
