package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"boundary/internal/common/cache"
	"boundary/internal/common/db"
	"boundary/internal/common/mq"
	"boundary/internal/common/storage"
	"boundary/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8086"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultStatusTTL       = 24 * time.Hour
	defaultRateWindow      = time.Minute
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	MaxWait       time.Duration `yaml:"maxWait"`
	BatchSize     int           `yaml:"batchSize"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	RequiredAcks  int           `yaml:"requiredAcks"`
	Compression   string        `yaml:"compression"`
	RunTopic      string        `yaml:"runTopic"`
	BreachTopic   string        `yaml:"breachTopic"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	PrefetchCount int           `yaml:"prefetchCount"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	DeadLetter    string        `yaml:"deadLetterTopic"`
	MessageTTL    time.Duration `yaml:"messageTTL"`
}

// BundleCacheConfig holds local bundle cache settings.
type BundleCacheConfig struct {
	RootDir    string        `yaml:"rootDir"`
	TTL        time.Duration `yaml:"ttl"`
	LockWait   time.Duration `yaml:"lockWait"`
	MaxEntries int           `yaml:"maxEntries"`
	MaxBytes   int64         `yaml:"maxBytes"`
}

// CatalogConfig holds the default probe catalog settings.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// GovernorConfig holds resource governor settings.
type GovernorConfig struct {
	CgroupRoot   string  `yaml:"cgroupRoot"`
	EnableCgroup bool    `yaml:"enableCgroup"`
	Headroom     float64 `yaml:"headroom"`
}

// RunnerConfig holds probe runner settings.
type RunnerConfig struct {
	HelperPath     string `yaml:"helperPath"`
	ScratchRoot    string `yaml:"scratchRoot"`
	GraceMs        int64  `yaml:"graceMs"`
	SampleMs       int64  `yaml:"sampleMs"`
	SeccompProfile string `yaml:"seccompProfile"`
}

// SuiteConfig holds suite execution settings.
type SuiteConfig struct {
	MaxParallel int           `yaml:"maxParallel"`
	PoolSize    int           `yaml:"poolSize"`
	Timeout     time.Duration `yaml:"timeout"`
}

// StatusConfig holds status persistence settings.
type StatusConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	Timeout       time.Duration `yaml:"timeout"`
	ActiveLockTTL time.Duration `yaml:"activeLockTTL"`
}

// AuthConfig holds operator token settings.
type AuthConfig struct {
	Mode       string   `yaml:"mode"`
	Secret     string   `yaml:"secret"`
	Issuer     string   `yaml:"issuer"`
	Roles      []string `yaml:"roles"`
	AdminRoles []string `yaml:"adminRoles"`
}

// RateLimitConfig holds fixed-window limits for run submission.
type RateLimitConfig struct {
	Window   time.Duration `yaml:"window"`
	UserMax  int           `yaml:"userMax"`
	IPMax    int           `yaml:"ipMax"`
	RouteMax int           `yaml:"routeMax"`
}

// AppConfig holds verifier-service config.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Kafka    KafkaConfig         `yaml:"kafka"`
	Database db.MySQLConfig      `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Catalog  CatalogConfig       `yaml:"catalog"`
	Bundle   BundleCacheConfig   `yaml:"bundle"`
	Governor GovernorConfig      `yaml:"governor"`
	Runner   RunnerConfig        `yaml:"runner"`
	Suite    SuiteConfig         `yaml:"suite"`
	Status   StatusConfig        `yaml:"status"`
	Auth     AuthConfig          `yaml:"auth"`
	Rate     RateLimitConfig     `yaml:"rateLimit"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	applyRedisDefaults(&cfg.Redis)
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Status.TTL == 0 {
		cfg.Status.TTL = defaultStatusTTL
	}
	if cfg.Suite.PoolSize <= 0 {
		cfg.Suite.PoolSize = 1
	}
	if len(cfg.Kafka.Brokers) > 0 {
		if cfg.Kafka.RunTopic == "" {
			cfg.Kafka.RunTopic = "verify.runs"
		}
		if cfg.Kafka.BreachTopic == "" {
			cfg.Kafka.BreachTopic = "verify.breaches"
		}
		if cfg.Kafka.ConsumerGroup == "" {
			cfg.Kafka.ConsumerGroup = "verifier"
		}
	}
	if cfg.Catalog.Path == "" && cfg.Bundle.RootDir == "" {
		return nil, fmt.Errorf("catalog path or bundle root dir is required")
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "public"
	}
	if strings.ToLower(cfg.Auth.Mode) != "public" && cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("auth secret is required when auth is enabled")
	}
	if cfg.Rate.Window == 0 {
		cfg.Rate.Window = defaultRateWindow
	}
	return &cfg, nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	cfg := mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		ReadTimeout:  k.ReadTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
	}
	cfg.Compression = parseCompression(k.Compression)
	return cfg
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}
