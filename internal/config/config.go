package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Matching  MatchingConfig  `yaml:"matching" mapstructure:"matching"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Lock      LockConfig      `yaml:"lock" mapstructure:"lock"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Temporal  TemporalConfig  `yaml:"temporal" mapstructure:"temporal"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// MatchingConfig holds the matcher and merger thresholds.
type MatchingConfig struct {
	MinConfidence  float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	MergeThreshold float64 `yaml:"merge_threshold" mapstructure:"merge_threshold"`
	CacheRecordMin float64 `yaml:"cache_record_min" mapstructure:"cache_record_min"`
	AliasFile      string  `yaml:"alias_file" mapstructure:"alias_file"`
}

// CacheConfig selects the learned mapping cache backend.
type CacheConfig struct {
	Backend          string        `yaml:"backend" mapstructure:"backend"`
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
}

// LockConfig selects the per-conversation lock backend.
type LockConfig struct {
	Backend string        `yaml:"backend" mapstructure:"backend"`
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Wait    time.Duration `yaml:"wait" mapstructure:"wait"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ExtractConfig throttles and retries extractor calls.
type ExtractConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
	RetryAttempts int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
}

// TemporalConfig configures the conversation workflow worker.
type TemporalConfig struct {
	HostPort    string        `yaml:"host_port" mapstructure:"host_port"`
	Namespace   string        `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue   string        `yaml:"task_queue" mapstructure:"task_queue"`
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// BatchConfig configures batch merges.
type BatchConfig struct {
	MaxConcurrentConversations int `yaml:"max_concurrent_conversations" mapstructure:"max_concurrent_conversations"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ORDERS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "orders.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("matching.min_confidence", 0.5)
	v.SetDefault("matching.merge_threshold", 0.7)
	v.SetDefault("matching.cache_record_min", 0.8)
	v.SetDefault("matching.alias_file", "")
	v.SetDefault("cache.backend", "store")
	v.SetDefault("cache.failure_threshold", 5)
	v.SetDefault("cache.reset_timeout", 30*time.Second)
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.wait", 10*time.Second)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2000)
	v.SetDefault("extract.rate_per_second", 2.0)
	v.SetDefault("extract.burst", 2)
	v.SetDefault("extract.retry_attempts", 3)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "order-conversations")
	v.SetDefault("temporal.idle_timeout", 24*time.Hour)
	v.SetDefault("batch.max_concurrent_conversations", 8)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. All problems are
// reported together.
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(msg string) { problems = append(problems, msg) }

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}
	if c.Matching.MinConfidence < 0 || c.Matching.MinConfidence > 1 {
		add("matching.min_confidence must be between 0 and 1")
	}
	if c.Matching.MergeThreshold < 0 || c.Matching.MergeThreshold > 1 {
		add("matching.merge_threshold must be between 0 and 1")
	}
	if c.Matching.CacheRecordMin < 0 || c.Matching.CacheRecordMin > 1 {
		add("matching.cache_record_min must be between 0 and 1")
	}
	switch c.Cache.Backend {
	case "memory", "store":
	default:
		add("cache.backend must be memory or store")
	}
	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Redis.Addr == "" {
			add("redis.addr is required for the redis lock backend")
		}
	default:
		add("lock.backend must be local or redis")
	}

	switch mode {
	case "migrate", "state", "history", "import", "mappings":
	case "merge":
		if c.Batch.MaxConcurrentConversations < 1 || c.Batch.MaxConcurrentConversations > 64 {
			add("batch.max_concurrent_conversations must be between 1 and 64")
		}
	case "extract":
		if c.Anthropic.Key == "" {
			add("anthropic.key is required")
		}
	case "serve":
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	case "worker", "send":
		if mode == "worker" && c.Anthropic.Key == "" {
			add("anthropic.key is required")
		}
		if c.Temporal.HostPort == "" {
			add("temporal.host_port is required")
		}
		if c.Temporal.TaskQueue == "" {
			add("temporal.task_queue is required")
		}
	default:
		add("unknown mode " + mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
