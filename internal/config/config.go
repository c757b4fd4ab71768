package config

import (
	"bytes"
	_ "embed"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	MySQL      DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse DatabaseConfig   `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Bus        BusConfig        `mapstructure:"bus"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Handlers   HandlersConfig   `mapstructure:"handlers"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// BusConfig tunes the in-process bus and its dispatcher.
type BusConfig struct {
	MaxQueueDepth   int           `mapstructure:"max_queue_depth"`
	SubscriberDepth int           `mapstructure:"subscriber_depth"`
	FailFast        bool          `mapstructure:"fail_fast"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	RetryCount      int           `mapstructure:"retry_count"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

// RelayConfig tunes the outbox relay workers.
type RelayConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
}

type WebhookConfig struct {
	Name          string `mapstructure:"name"`
	URL           string `mapstructure:"url"`
	TimeoutMs     int    `mapstructure:"timeout_ms"`
	FailThreshold int    `mapstructure:"fail_threshold"`
	OpenForMs     int    `mapstructure:"open_for_ms"`
}

type HandlersConfig struct {
	CacheKeyPrefix string `mapstructure:"cache_key_prefix"`
	AuditTable     string `mapstructure:"audit_table"`
	SearchBaseURL  string `mapstructure:"search_base_url"`
	SearchTimeout  int    `mapstructure:"search_timeout_ms"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (EVRELAY_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (EVRELAY_*)
	v.SetEnvPrefix("EVRELAY")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
