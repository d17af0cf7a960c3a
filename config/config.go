package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tickflow   TickflowConfig   `yaml:"tickflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Book       BookConfig       `yaml:"book"`
	Batcher    BatcherConfig    `yaml:"batcher"`
	Health     HealthConfig     `yaml:"health"`
	Exchanges  ExchangesConfig  `yaml:"exchanges"`
	Sinks      SinksConfig      `yaml:"sinks"`
	Status     StatusConfig     `yaml:"status"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type TickflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type ChannelsConfig struct {
	FeedBuffer    int `yaml:"feed_buffer"`
	MetricsBuffer int `yaml:"metrics_buffer"`
}

type SupervisorConfig struct {
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	BackoffJitter bool          `yaml:"backoff_jitter"`
	ResetGrace    time.Duration `yaml:"reset_grace"`
}

type BookConfig struct {
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	MaxMalformed     int           `yaml:"max_malformed"`
	MalformedWindow  time.Duration `yaml:"malformed_window"`
}

type BatcherConfig struct {
	Size         int           `yaml:"size"`
	Interval     time.Duration `yaml:"interval"`
	MaxBuffer    int           `yaml:"max_buffer"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type HealthConfig struct {
	LowErrorRate   float64       `yaml:"low_error_rate"`
	HighErrorRate  float64       `yaml:"high_error_rate"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	ReconnectGrace time.Duration `yaml:"reconnect_grace"`
	Window         time.Duration `yaml:"window"`
	Retention      time.Duration `yaml:"retention"`
}

type ExchangesConfig struct {
	Binance ExchangeConfig `yaml:"binance"`
	Kucoin  ExchangeConfig `yaml:"kucoin"`
}

type ExchangeConfig struct {
	Enabled   bool            `yaml:"enabled"`
	WsURL     string          `yaml:"ws_url"`
	RestURL   string          `yaml:"rest_url"`
	Symbols   []string        `yaml:"symbols"`
	Depth     int             `yaml:"depth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type SinksConfig struct {
	Kafka KafkaSinkConfig `yaml:"kafka"`
	S3    S3SinkConfig    `yaml:"s3"`
}

type KafkaSinkConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Brokers     []string `yaml:"brokers"`
	TradesTopic string   `yaml:"trades_topic"`
	BooksTopic  string   `yaml:"books_topic"`
}

type S3SinkConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	TimeFormat      string `yaml:"time_format"`
	Compression     string `yaml:"compression"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	PrometheusAddress string           `yaml:"prometheus_address"`
	CloudWatch        CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 credentials from environment variables if available
	if config.Sinks.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Sinks.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Sinks.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Sinks.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Sinks.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Sinks.S3.Bucket = strings.TrimSpace(config.Sinks.S3.Bucket)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaults() *Config {
	return &Config{
		Channels: ChannelsConfig{
			FeedBuffer:    4096,
			MetricsBuffer: 1024,
		},
		Supervisor: SupervisorConfig{
			BackoffBase:   time.Second,
			BackoffMax:    30 * time.Second,
			BackoffJitter: true,
			ResetGrace:    30 * time.Second,
		},
		Book: BookConfig{
			SnapshotInterval: 10 * time.Second,
			MaxMalformed:     20,
			MalformedWindow:  time.Minute,
		},
		Batcher: BatcherConfig{
			Size:         100,
			Interval:     500 * time.Millisecond,
			MaxBuffer:    10000,
			MaxRetries:   3,
			RetryBackoff: 250 * time.Millisecond,
		},
		Sinks: SinksConfig{
			S3: S3SinkConfig{
				TimeFormat:  "year={year}/month={month}/day={day}/hour={hour}",
				Compression: "snappy",
			},
		},
		Health: HealthConfig{
			LowErrorRate:   0.01,
			HighErrorRate:  0.10,
			StaleAfter:     30 * time.Second,
			ReconnectGrace: time.Minute,
			Window:         time.Minute,
			Retention:      time.Hour,
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}
	if cfg.Tickflow.Version == "" {
		return fmt.Errorf("tickflow.version is required")
	}

	if cfg.Channels.FeedBuffer <= 0 {
		return fmt.Errorf("channels.feed_buffer must be greater than 0")
	}

	if cfg.Supervisor.BackoffBase <= 0 {
		return fmt.Errorf("supervisor.backoff_base must be greater than 0")
	}
	if cfg.Supervisor.BackoffMax < cfg.Supervisor.BackoffBase {
		return fmt.Errorf("supervisor.backoff_max must be >= supervisor.backoff_base")
	}

	if cfg.Batcher.Size <= 0 {
		return fmt.Errorf("batcher.size must be greater than 0")
	}
	if cfg.Batcher.Interval <= 0 {
		return fmt.Errorf("batcher.interval must be greater than 0")
	}
	if cfg.Batcher.MaxBuffer < cfg.Batcher.Size {
		return fmt.Errorf("batcher.max_buffer must be >= batcher.size")
	}

	if cfg.Health.HighErrorRate < cfg.Health.LowErrorRate {
		return fmt.Errorf("health.high_error_rate must be >= health.low_error_rate")
	}

	if cfg.Sinks.S3.Enabled {
		if cfg.Sinks.S3.Bucket == "" {
			return fmt.Errorf("sinks.s3.bucket is required when S3 is enabled")
		}
		if cfg.Sinks.S3.Region == "" {
			return fmt.Errorf("sinks.s3.region is required when S3 is enabled")
		}
	}
	if cfg.Sinks.Kafka.Enabled {
		if len(cfg.Sinks.Kafka.Brokers) == 0 {
			return fmt.Errorf("sinks.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Sinks.Kafka.TradesTopic == "" {
			return fmt.Errorf("sinks.kafka.trades_topic is required when kafka is enabled")
		}
	}

	return nil
}

// Exchange returns the configuration block for a named exchange and whether
// that exchange is enabled.
func (c *Config) Exchange(name string) (ExchangeConfig, bool) {
	switch strings.ToLower(name) {
	case "binance":
		return c.Exchanges.Binance, c.Exchanges.Binance.Enabled
	case "kucoin":
		return c.Exchanges.Kucoin, c.Exchanges.Kucoin.Enabled
	}
	return ExchangeConfig{}, false
}
