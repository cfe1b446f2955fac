// Package config provides configuration management for sha3xd using Viper.
// Sources are applied with the precedence Env > Config File > Defaults; all
// environment variables use the SHA3XD_ prefix with dots replaced by
// underscores (e.g. pool.url -> SHA3XD_POOL_URL).
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/dougchansan/sha3xd/pkg/log"
)

// Default configuration values.
const (
	DefaultPoolURL              = "xtm-sha3x.kryptex.network:7039"
	DefaultPoolTLS              = true
	DefaultHandshakeTimeout     = 30 * time.Second
	DefaultReadTimeout          = 90 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
	DefaultSubmitTimeout        = 15 * time.Second
	DefaultKeepaliveInterval    = 45 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultWorkers              = 2
	DefaultBatchSize            = 50000
	DefaultSampleInterval       = 1 * time.Second
	DefaultHashrateWindow       = 10 * time.Second
	DefaultPauseAboveC          = 85.0
	DefaultResumeBelowC         = 78.0
	DefaultStopDeadline         = 5 * time.Second
	DefaultAPIListenAddr        = ":8080"
	DefaultSummaryPath          = "mining_summary.txt"
	DefaultGoodRatePercent      = 85.0
	DefaultExcellentRatePercent = 90.0
	DefaultGoodHashrateMHs      = 40.0
	DefaultExcellentHashrateMHs = 45.0
)

// Config holds the full sha3xd configuration
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Miner     MinerConfig     `mapstructure:"miner"`
	API       APIConfig       `mapstructure:"api"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Report    ReportConfig    `mapstructure:"report"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServiceConfig identifies this rig/service instance
type ServiceConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	RigID   string `mapstructure:"rig_id"`
}

// PoolConfig holds the pool endpoint, credentials, and session timing
type PoolConfig struct {
	URL                string        `mapstructure:"url"`
	Wallet             string        `mapstructure:"wallet"`
	Worker             string        `mapstructure:"worker"`
	TLS                bool          `mapstructure:"tls"`
	TLSInsecureSkip    bool          `mapstructure:"tls_insecure_skip_verify"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	SubmitTimeout      time.Duration `mapstructure:"submit_timeout"`
	KeepaliveInterval  time.Duration `mapstructure:"keepalive_interval"`
	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `mapstructure:"reconnect_max_delay"`
}

// MinerConfig holds worker count and hashing behavior
type MinerConfig struct {
	Workers        int           `mapstructure:"workers"`
	BatchSize      uint64        `mapstructure:"batch_size"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	HashrateWindow time.Duration `mapstructure:"hashrate_window"`
	PauseAboveC    float64       `mapstructure:"pause_above_c"`
	ResumeBelowC   float64       `mapstructure:"resume_below_c"`
	StopDeadline   time.Duration `mapstructure:"stop_deadline"`
}

// APIConfig holds the HTTP status/control server settings
type APIConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TelemetryConfig holds optional metric and event sinks
type TelemetryConfig struct {
	Influx InfluxConfig `mapstructure:"influx"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

// InfluxConfig holds InfluxDB time-series sink settings
type InfluxConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

// KafkaConfig holds the fleet event stream settings
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// RedisConfig holds the rig snapshot cache settings
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JournalConfig holds the optional Postgres share journal settings
type JournalConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	PostgresURL string `mapstructure:"postgres_url"`
}

// ReportConfig holds the run summary output path and assessment bands.
// The bands are policy constants, not contracts; defaults follow the
// historical 90/85 % and 45/40 MH/s classification.
type ReportConfig struct {
	Path                 string  `mapstructure:"path"`
	GoodRatePercent      float64 `mapstructure:"good_rate_percent"`
	ExcellentRatePercent float64 `mapstructure:"excellent_rate_percent"`
	GoodHashrateMHs      float64 `mapstructure:"good_hashrate_mhs"`
	ExcellentHashrateMHs float64 `mapstructure:"excellent_hashrate_mhs"`
}

// LoggingConfig holds log level and format
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate performs basic validation of configuration values
func (c *Config) Validate() error {
	if c.Pool.URL == "" {
		return fmt.Errorf("pool.url cannot be empty")
	}

	if c.Pool.Wallet == "" {
		return fmt.Errorf("pool.wallet cannot be empty")
	}

	if c.Miner.Workers < 1 {
		return fmt.Errorf("miner.workers must be at least 1, got %d", c.Miner.Workers)
	}

	if c.Miner.BatchSize == 0 {
		return fmt.Errorf("miner.batch_size must be positive")
	}

	if c.Miner.PauseAboveC <= c.Miner.ResumeBelowC {
		return fmt.Errorf("miner.pause_above_c (%v) must be greater than miner.resume_below_c (%v)",
			c.Miner.PauseAboveC, c.Miner.ResumeBelowC)
	}

	if c.Miner.StopDeadline < time.Second {
		return fmt.Errorf("miner.stop_deadline too short (minimum 1s), got %v", c.Miner.StopDeadline)
	}

	if c.Pool.ReconnectBaseDelay <= 0 || c.Pool.ReconnectMaxDelay < c.Pool.ReconnectBaseDelay {
		return fmt.Errorf("pool reconnect delays invalid: base=%v max=%v",
			c.Pool.ReconnectBaseDelay, c.Pool.ReconnectMaxDelay)
	}

	if c.Telemetry.Kafka.Enabled && len(c.Telemetry.Kafka.Brokers) == 0 {
		return fmt.Errorf("telemetry.kafka.brokers required when kafka is enabled")
	}

	if c.Journal.Enabled && c.Journal.PostgresURL == "" {
		return fmt.Errorf("journal.postgres_url required when journal is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %q (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// Load loads configuration from file, environment, and defaults.
// If configPath is empty, "sha3xd.yaml" is searched in the current
// directory and /etc/sha3xd; a missing file falls back to defaults.
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Watch watches the configuration file and calls the callback with each valid
// reloaded configuration. Invalid reloads are logged and skipped. The watcher
// stops when the context is cancelled.
func Watch(ctx context.Context, configPath string, logger *log.Logger, callback func(*Config)) error {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Nothing to watch without a config file
		return nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("configuration file changed", "file", e.Name, "operation", e.Op.String())

		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			logger.WithError(err).Error("failed to unmarshal config on reload")
			return
		}

		if err := cfg.Validate(); err != nil {
			logger.WithError(err).Error("invalid configuration after reload")
			return
		}

		callback(&cfg)
	})

	go func() {
		<-ctx.Done()
		logger.Debug("config watcher stopped")
	}()

	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("sha3xd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sha3xd")
	}

	v.SetEnvPrefix("SHA3XD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "sha3xd")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.rig_id", "rig0")

	v.SetDefault("pool.url", DefaultPoolURL)
	v.SetDefault("pool.wallet", "")
	v.SetDefault("pool.worker", "default")
	v.SetDefault("pool.tls", DefaultPoolTLS)
	v.SetDefault("pool.tls_insecure_skip_verify", false)
	v.SetDefault("pool.handshake_timeout", DefaultHandshakeTimeout)
	v.SetDefault("pool.read_timeout", DefaultReadTimeout)
	v.SetDefault("pool.write_timeout", DefaultWriteTimeout)
	v.SetDefault("pool.submit_timeout", DefaultSubmitTimeout)
	v.SetDefault("pool.keepalive_interval", DefaultKeepaliveInterval)
	v.SetDefault("pool.reconnect_base_delay", DefaultReconnectBaseDelay)
	v.SetDefault("pool.reconnect_max_delay", DefaultReconnectMaxDelay)

	v.SetDefault("miner.workers", DefaultWorkers)
	v.SetDefault("miner.batch_size", DefaultBatchSize)
	v.SetDefault("miner.sample_interval", DefaultSampleInterval)
	v.SetDefault("miner.hashrate_window", DefaultHashrateWindow)
	v.SetDefault("miner.pause_above_c", DefaultPauseAboveC)
	v.SetDefault("miner.resume_below_c", DefaultResumeBelowC)
	v.SetDefault("miner.stop_deadline", DefaultStopDeadline)

	v.SetDefault("api.listen_addr", DefaultAPIListenAddr)
	v.SetDefault("api.read_timeout", 15*time.Second)
	v.SetDefault("api.write_timeout", 15*time.Second)

	v.SetDefault("telemetry.influx.enabled", false)
	v.SetDefault("telemetry.influx.url", "http://localhost:8086")
	v.SetDefault("telemetry.influx.token", "")
	v.SetDefault("telemetry.influx.org", "sha3xd")
	v.SetDefault("telemetry.influx.bucket", "mining")
	v.SetDefault("telemetry.kafka.enabled", false)
	v.SetDefault("telemetry.kafka.brokers", []string{})
	v.SetDefault("telemetry.kafka.topic", "miner.events")
	v.SetDefault("telemetry.redis.enabled", false)
	v.SetDefault("telemetry.redis.addr", "localhost:6379")
	v.SetDefault("telemetry.redis.password", "")
	v.SetDefault("telemetry.redis.db", 0)

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.postgres_url", "")

	v.SetDefault("report.path", DefaultSummaryPath)
	v.SetDefault("report.good_rate_percent", DefaultGoodRatePercent)
	v.SetDefault("report.excellent_rate_percent", DefaultExcellentRatePercent)
	v.SetDefault("report.good_hashrate_mhs", DefaultGoodHashrateMHs)
	v.SetDefault("report.excellent_hashrate_mhs", DefaultExcellentHashrateMHs)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
