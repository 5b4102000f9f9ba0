// Package config provides configuration management for the TelemetryAgent.
package config

import (
	"time"

	"telemetryagent/internal/telemetry"
)

// Transport types.
const (
	TransportHTTP  = "http"
	TransportKafka = "kafka"
	TransportFile  = "file"
)

// Config is the root configuration structure (Agent.json).
type Config struct {
	ServerName string          `mapstructure:"ServerName"`
	Endpoints  EndpointsConfig `mapstructure:"Endpoints"`
	Channels   ChannelsConfig  `mapstructure:"Channels"`
	Transport  TransportConfig `mapstructure:"Transport"`
	Forwarder  ForwarderConfig `mapstructure:"Forwarder"`
	Sources    SourcesConfig   `mapstructure:"Sources"`
	Redis      RedisConfig     `mapstructure:"Redis"`
	Status     StatusConfig    `mapstructure:"Status"`
}

// EndpointsConfig holds the shared collector endpoint settings.
type EndpointsConfig struct {
	Default string `mapstructure:"Default" validate:"omitempty,url"` // used by channels without their own URL
	Token   string `mapstructure:"Token"`
}

// ChannelsConfig holds per-channel delivery settings.
type ChannelsConfig struct {
	Log    ChannelConfig `mapstructure:"Log"`
	Metric ChannelConfig `mapstructure:"Metric"`
	Health ChannelConfig `mapstructure:"Health"`
}

// ChannelConfig describes how one channel's batches are addressed.
type ChannelConfig struct {
	URL     string            `mapstructure:"URL" validate:"omitempty,url"`
	Topic   string            `mapstructure:"Topic"`  // kafka transport only
	Unwrap  bool              `mapstructure:"Unwrap"` // send single events as a bare JSON object
	Headers map[string]string `mapstructure:"Headers"`
}

// TransportConfig selects and tunes the outbound transport.
type TransportConfig struct {
	Type           string        `mapstructure:"Type" validate:"oneof=http kafka file"`
	Timeout        time.Duration `mapstructure:"Timeout" validate:"gt=0"`
	ConnRetries    int           `mapstructure:"ConnRetries" validate:"gte=0,lte=10"`
	ConnRetryDelay time.Duration `mapstructure:"ConnRetryDelay" validate:"gte=0"`
	Compression    string        `mapstructure:"Compression" validate:"omitempty,oneof=none gzip zstd"`
	Encoding       string        `mapstructure:"Encoding" validate:"omitempty,oneof=json cbor"`
	EagerCheck     bool          `mapstructure:"EagerCheck"`
	SOCKSProxy     SOCKSConfig   `mapstructure:"SocksProxy"`
	Kafka          KafkaConfig   `mapstructure:"Kafka"`
	File           FileConfig    `mapstructure:"File"`
}

// SOCKSConfig contains SOCKS5 proxy settings. An empty Host disables the proxy.
type SOCKSConfig struct {
	Host string `mapstructure:"Host"`
	Port int    `mapstructure:"Port" validate:"gte=0,lte=65535"`
}

// KafkaConfig contains Kafka connection settings.
type KafkaConfig struct {
	Brokers       []string      `mapstructure:"Brokers"`
	Compression   string        `mapstructure:"Compression" validate:"omitempty,oneof=none gzip snappy lz4 zstd"`
	RequiredAcks  int           `mapstructure:"RequiredAcks" validate:"gte=-1,lte=1"`
	MaxRetries    int           `mapstructure:"MaxRetries" validate:"gte=0"`
	RetryBackoff  time.Duration `mapstructure:"RetryBackoff"`
	Timeout       time.Duration `mapstructure:"Timeout"`
	EnableTLS     bool          `mapstructure:"EnableTLS"`
	TLSCertFile   string        `mapstructure:"TLSCertFile"`
	TLSKeyFile    string        `mapstructure:"TLSKeyFile"`
	TLSCAFile     string        `mapstructure:"TLSCAFile"`
	SASLEnabled   bool          `mapstructure:"SASLEnabled"`
	SASLMechanism string        `mapstructure:"SASLMechanism" validate:"omitempty,oneof=PLAIN SCRAM-SHA-256 SCRAM-SHA-512"`
	SASLUser      string        `mapstructure:"SASLUser"`
	SASLPassword  string        `mapstructure:"SASLPassword"`
}

// FileConfig contains settings for the file transport.
type FileConfig struct {
	FilePath   string `mapstructure:"FilePath"`
	MaxSizeMB  int    `mapstructure:"MaxSizeMB" validate:"gte=0"`
	MaxBackups int    `mapstructure:"MaxBackups" validate:"gte=0"`
}

// ForwarderConfig bounds batching, buffering and retry behavior. Shared by all channels.
type ForwarderConfig struct {
	MaxBatchSize     int           `mapstructure:"MaxBatchSize" validate:"gte=1"`
	MaxBatchBytes    int           `mapstructure:"MaxBatchBytes" validate:"gte=1"`
	MaxBatchAge      time.Duration `mapstructure:"MaxBatchAge" validate:"gt=0"`
	RetryBufferBytes int           `mapstructure:"RetryBufferBytes" validate:"gte=1"`
	BackoffInitial   time.Duration `mapstructure:"BackoffInitial" validate:"gt=0"`
	BackoffMax       time.Duration `mapstructure:"BackoffMax" validate:"gtefield=BackoffInitial"`
	DrainTimeout     time.Duration `mapstructure:"DrainTimeout" validate:"gte=0"`
	QueueSize        int           `mapstructure:"QueueSize" validate:"gte=0"`
}

// SourcesConfig holds the local source settings for each channel.
type SourcesConfig struct {
	Log    LogSourceConfig    `mapstructure:"Log"`
	Metric MetricSourceConfig `mapstructure:"Metric"`
	Health HealthSourceConfig `mapstructure:"Health"`
}

// LogSourceConfig configures the log file tailer. An empty Path disables the log channel.
type LogSourceConfig struct {
	Path          string        `mapstructure:"Path"`
	StartAtEnd    bool          `mapstructure:"StartAtEnd"`
	PollInterval  time.Duration `mapstructure:"PollInterval" validate:"gt=0"`
	FlushInterval time.Duration `mapstructure:"FlushInterval" validate:"gt=0"`
	MaxLineBytes  int           `mapstructure:"MaxLineBytes" validate:"gte=64"`
	MaxEventBytes int           `mapstructure:"MaxEventBytes" validate:"gtefield=MaxLineBytes"`
}

// MetricSourceConfig configures actuator polling. The channel is disabled when
// ActuatorURL is empty and HostMetrics is off.
type MetricSourceConfig struct {
	ActuatorURL string        `mapstructure:"ActuatorURL" validate:"omitempty,url"`
	Interval    time.Duration `mapstructure:"Interval" validate:"gt=0"`
	Timeout     time.Duration `mapstructure:"Timeout" validate:"gt=0"`
	HostMetrics bool          `mapstructure:"HostMetrics"`
}

// HealthSourceConfig configures the health probe. An empty URL disables the health channel.
type HealthSourceConfig struct {
	URL      string        `mapstructure:"URL" validate:"omitempty,url"`
	Interval time.Duration `mapstructure:"Interval" validate:"gt=0"`
	Timeout  time.Duration `mapstructure:"Timeout" validate:"gt=0"`
}

// DefaultRedisKey is the hash holding server names keyed by "<ip>:<localIp>".
const DefaultRedisKey = "AGENT_INFO"

// RedisConfig contains settings for server name lookup. An empty Host disables the lookup.
type RedisConfig struct {
	Host     string `mapstructure:"Host"`
	Port     int    `mapstructure:"Port" validate:"gte=0,lte=65535"`
	Password string `mapstructure:"Password"`
	DB       int    `mapstructure:"DB" validate:"gte=0"`
	Key      string `mapstructure:"Key"`

	PrivateIPPattern string `mapstructure:"PrivateIPPattern"` // regex selecting the local address
	OverrideIP       string `mapstructure:"OverrideIP"`       // skips detection of the outbound address
}

// StatusConfig configures the self-observability HTTP server. An empty ListenAddr disables it.
type StatusConfig struct {
	ListenAddr string `mapstructure:"ListenAddr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// metric and health snapshots have always gone out as a bare object
		Channels: ChannelsConfig{
			Metric: ChannelConfig{Unwrap: true},
			Health: ChannelConfig{Unwrap: true},
		},
		Transport: TransportConfig{
			Type:           TransportHTTP,
			Timeout:        5 * time.Second,
			ConnRetries:    2,
			ConnRetryDelay: 200 * time.Millisecond,
			Encoding:       "json",
			Kafka: KafkaConfig{
				Brokers:      []string{"localhost:9092"},
				Compression:  "snappy",
				RequiredAcks: 1,
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
				Timeout:      10 * time.Second,
			},
			File: FileConfig{
				FilePath:   "log/TelemetryAgent/telemetry.jsonl",
				MaxSizeMB:  50,
				MaxBackups: 3,
			},
		},
		Forwarder: ForwarderConfig{
			MaxBatchSize:     100,
			MaxBatchBytes:    1 << 20,
			MaxBatchAge:      time.Second,
			RetryBufferBytes: 8 << 20,
			BackoffInitial:   500 * time.Millisecond,
			BackoffMax:       10 * time.Second,
			DrainTimeout:     10 * time.Second,
			QueueSize:        1024,
		},
		Sources: SourcesConfig{
			Log: LogSourceConfig{
				StartAtEnd:    true,
				PollInterval:  250 * time.Millisecond,
				FlushInterval: time.Second,
				MaxLineBytes:  4096,
				MaxEventBytes: 32 * 1024,
			},
			Metric: MetricSourceConfig{
				Interval: 10 * time.Second,
				Timeout:  2 * time.Second,
			},
			Health: HealthSourceConfig{
				Interval: 10 * time.Second,
				Timeout:  2 * time.Second,
			},
		},
		Redis: RedisConfig{
			Port: 6379,
			Key:  DefaultRedisKey,
		},
	}
}

// Channel returns the delivery settings for ch.
func (c *Config) Channel(ch telemetry.Channel) ChannelConfig {
	switch ch {
	case telemetry.Metric:
		return c.Channels.Metric
	case telemetry.Health:
		return c.Channels.Health
	default:
		return c.Channels.Log
	}
}

// EndpointURL returns the channel's URL, falling back to the shared default.
func (c *Config) EndpointURL(ch telemetry.Channel) string {
	if u := c.Channel(ch).URL; u != "" {
		return u
	}
	return c.Endpoints.Default
}

// SourceEnabled reports whether the local source for ch is configured.
func (c *Config) SourceEnabled(ch telemetry.Channel) bool {
	switch ch {
	case telemetry.Log:
		return c.Sources.Log.Path != ""
	case telemetry.Metric:
		return c.Sources.Metric.ActuatorURL != "" || c.Sources.Metric.HostMetrics
	case telemetry.Health:
		return c.Sources.Health.URL != ""
	}
	return false
}
