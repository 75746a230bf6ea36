// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是编排器及配套进程共享的配置。
type Config struct {
	App    AppConfig    `yaml:"app"`
	Infra  InfraConfig  `yaml:"infra"`
	Saga   SagaConfig   `yaml:"saga"`
	Topics TopicsConfig `yaml:"topics"`
}

type AppConfig struct {
	Name     string `yaml:"name"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type InfraConfig struct {
	Kafka     KafkaConfig     `yaml:"kafka"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Nacos     NacosConfig     `yaml:"nacos"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
}

type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

type JaegerConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addrs        []string      `yaml:"addrs"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	ProcessedTTL time.Duration `yaml:"processed_ttl"`
}

type NacosConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServerAddrs string `yaml:"server_addrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
}

type ZookeeperConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// SagaConfig 控制状态机和投递行为。
type SagaConfig struct {
	MaxRetries int    `yaml:"max_retries"`
	RetryGuard string `yaml:"retry_guard"` // 可选 CEL 表达式
	Timeouts   struct {
		Validation time.Duration `yaml:"validation"`
		Payment    time.Duration `yaml:"payment"`
		Shipment   time.Duration `yaml:"shipment"`
	} `yaml:"timeouts"`
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
	Delivery  struct {
		MaxAttempts    int           `yaml:"max_attempts"`
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
		Multiplier     float64       `yaml:"multiplier"`
	} `yaml:"delivery"`
	// TimeoutMode: local (进程内定时器) 或 kafka (延迟 topic + delay-scheduler)
	TimeoutMode string `yaml:"timeout_mode"`
	// Storage: mysql 或 memory
	Storage        string        `yaml:"storage"`
	OutboxInterval time.Duration `yaml:"outbox_interval"`
	// OutboxGrace 之内的未发送命令视为还在正常发送中，relay 不碰
	OutboxGrace time.Duration `yaml:"outbox_grace"`
}

type TopicsConfig struct {
	Events      string `yaml:"events"`
	Inventory   string `yaml:"inventory"`
	Payment     string `yaml:"payment"`
	Shipment    string `yaml:"shipment"`
	DelayPrefix string `yaml:"delay_prefix"`
	// Notifications 为空时不向 Kafka 广播状态变更
	Notifications string `yaml:"notifications"`
}

const (
	TimeoutModeLocal = "local"
	TimeoutModeKafka = "kafka"

	StorageMySQL  = "mysql"
	StorageMemory = "memory"
)

// Default 返回内置默认配置。
func Default() *Config {
	c := &Config{}
	c.App = AppConfig{Name: "saga-orchestrator", Port: 8080, LogLevel: "info"}
	c.Infra.Kafka = KafkaConfig{Brokers: []string{"localhost:9092"}, ConsumerGroup: "order-saga"}
	c.Infra.Jaeger = JaegerConfig{Endpoint: "http://localhost:14268/api/traces", SampleRatio: 1}
	c.Infra.MySQL = MySQLConfig{
		DSN:             "root:root@tcp(localhost:3306)/order_saga?charset=utf8mb4&parseTime=True&loc=UTC",
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
	}
	c.Infra.Redis = RedisConfig{Addrs: []string{"localhost:6379"}, ProcessedTTL: 24 * time.Hour}
	c.Infra.Nacos = NacosConfig{ServerAddrs: "localhost:8848", Group: "DEFAULT_GROUP"}
	c.Infra.Zookeeper = ZookeeperConfig{Servers: []string{"localhost:2181"}, SessionTimeout: 10 * time.Second}

	c.Saga.MaxRetries = 3
	c.Saga.Timeouts.Validation = 30 * time.Second
	c.Saga.Timeouts.Payment = 60 * time.Second
	c.Saga.Timeouts.Shipment = 120 * time.Second
	c.Saga.Workers = 16
	c.Saga.QueueSize = 64
	c.Saga.Delivery.MaxAttempts = 5
	c.Saga.Delivery.InitialBackoff = 100 * time.Millisecond
	c.Saga.Delivery.MaxBackoff = 5 * time.Second
	c.Saga.Delivery.Multiplier = 2
	c.Saga.TimeoutMode = TimeoutModeLocal
	c.Saga.Storage = StorageMySQL
	c.Saga.OutboxInterval = 5 * time.Second
	c.Saga.OutboxGrace = 10 * time.Second

	c.Topics = TopicsConfig{
		Events:        "order-saga-events",
		Inventory:     "inventory-commands",
		Payment:       "payment-commands",
		Shipment:      "shipment-commands",
		DelayPrefix:   "order-saga-delay",
		Notifications: "order-status-notifications",
	}
	return c
}

// Load 读取 yaml 文件 (path 为空时跳过)，再用环境变量覆盖，最后校验。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setList := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = splitList(v)
		}
	}
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setList("KAFKA_BROKERS", &cfg.Infra.Kafka.Brokers)
	setList("REDIS_ADDRS", &cfg.Infra.Redis.Addrs)
	setList("ZK_SERVERS", &cfg.Infra.Zookeeper.Servers)
	setString("MYSQL_DSN", &cfg.Infra.MySQL.DSN)
	setString("JAEGER_ENDPOINT", &cfg.Infra.Jaeger.Endpoint)
	setString("NACOS_SERVER_ADDRS", &cfg.Infra.Nacos.ServerAddrs)
	setString("NACOS_NAMESPACE", &cfg.Infra.Nacos.Namespace)
	setString("SAGA_TIMEOUT_MODE", &cfg.Saga.TimeoutMode)
	setString("SAGA_STORAGE", &cfg.Saga.Storage)
	setString("LOG_LEVEL", &cfg.App.LogLevel)
	if v, ok := os.LookupEnv("APP_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("APP_PORT: %w", err)
		}
		cfg.App.Port = port
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate 拒绝会让 Saga 卡住或无限重试的配置。
func (c *Config) Validate() error {
	s := c.Saga
	switch {
	case s.MaxRetries < 0:
		return fmt.Errorf("saga.max_retries must not be negative")
	case s.Timeouts.Validation <= 0 || s.Timeouts.Payment <= 0 || s.Timeouts.Shipment <= 0:
		return fmt.Errorf("saga.timeouts must all be positive")
	case s.Workers < 1:
		return fmt.Errorf("saga.workers must be at least 1")
	case s.QueueSize < 1:
		return fmt.Errorf("saga.queue_size must be at least 1")
	case s.Delivery.MaxAttempts < 1:
		return fmt.Errorf("saga.delivery.max_attempts must be at least 1")
	case s.TimeoutMode != TimeoutModeLocal && s.TimeoutMode != TimeoutModeKafka:
		return fmt.Errorf("saga.timeout_mode must be %q or %q, got %q", TimeoutModeLocal, TimeoutModeKafka, s.TimeoutMode)
	case s.Storage != StorageMySQL && s.Storage != StorageMemory:
		return fmt.Errorf("saga.storage must be %q or %q, got %q", StorageMySQL, StorageMemory, s.Storage)
	case s.OutboxInterval <= 0:
		return fmt.Errorf("saga.outbox_interval must be positive")
	case c.App.Port <= 0:
		return fmt.Errorf("app.port must be positive")
	case len(c.Infra.Kafka.Brokers) == 0:
		return fmt.Errorf("infra.kafka.brokers must not be empty")
	}
	t := c.Topics
	if t.Events == "" || t.Inventory == "" || t.Payment == "" || t.Shipment == "" {
		return fmt.Errorf("topics.events, inventory, payment and shipment are required")
	}
	return nil
}

var current atomic.Pointer[Config]

// Init 加载配置并设为当前配置。
func Init(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	current.Store(cfg)
	return cfg, nil
}

// GetCurrentConfig 返回当前配置，未初始化时返回默认值。
func GetCurrentConfig() *Config {
	if cfg := current.Load(); cfg != nil {
		return cfg
	}
	return Default()
}
