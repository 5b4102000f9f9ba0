package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"

	"telemetryagent/internal/logger"
	"telemetryagent/internal/telemetry"
)

// KakaoTokenHeader carries USER_KAKAO_TOKEN on metric requests.
const KakaoTokenHeader = "X-USER-KAKAO-TOKEN"

// stringEnv binds config keys to the environment variables the agent has always honored.
var stringEnv = map[string]string{
	"ServerName":                 "SERVER_NAME",
	"Endpoints.Default":          "MCP_INGEST_URL",
	"Endpoints.Token":            "MCP_TOKEN",
	"Channels.Log.URL":           "MCP_LOG_INGEST_URL",
	"Channels.Metric.URL":        "MCP_METRIC_INGEST_URL",
	"Channels.Health.URL":        "MCP_HEALTH_INGEST_URL",
	"Sources.Log.Path":           "LOG_PATH",
	"Sources.Log.MaxLineBytes":   "MAX_LINE_BYTES",
	"Sources.Log.MaxEventBytes":  "MAX_EVENT_BYTES",
	"Sources.Metric.ActuatorURL": "ACTUATOR_URL",
	"Sources.Health.URL":         "HEALTH_URL",
	"Forwarder.MaxBatchSize":     "BATCH_MAX_LINES",
	"Transport.Type":             "TRANSPORT_TYPE",
}

type intervalEnv struct {
	name  string
	apply func(*Config, time.Duration)
}

// millisEnv are integer millisecond variables; they do not fit the duration decode hook.
var millisEnv = []intervalEnv{
	{"FLUSH_INTERVAL_MS", func(c *Config, d time.Duration) {
		c.Sources.Log.FlushInterval = d
		c.Forwarder.MaxBatchAge = d
	}},
	{"HTTP_TIMEOUT_MS", func(c *Config, d time.Duration) { c.Transport.Timeout = d }},
	{"BACKOFF_INITIAL_MS", func(c *Config, d time.Duration) { c.Forwarder.BackoffInitial = d }},
	{"BACKOFF_MAX_MS", func(c *Config, d time.Duration) { c.Forwarder.BackoffMax = d }},
}

// secondsEnv are integer second variables.
var secondsEnv = []intervalEnv{
	{"METRIC_INTERVAL", func(c *Config, d time.Duration) { c.Sources.Metric.Interval = d }},
	{"HEALTH_INTERVAL", func(c *Config, d time.Duration) { c.Sources.Health.Interval = d }},
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	return v
}

func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

// readInto decodes commented JSON into out, which must already hold defaults.
func readInto(v *viper.Viper, data []byte, out interface{}) error {
	if len(bytes.TrimSpace(data)) > 0 {
		if err := v.ReadConfig(bytes.NewReader(jsonc.ToJSON(data))); err != nil {
			return fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}
	if err := v.Unmarshal(out, decodeHook()); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// Load reads Agent.json from path, applies environment overrides and validates the result.
// A missing file is not an error: defaults plus environment are a complete configuration.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		data = b
	}
	return Parse(data, os.LookupEnv)
}

// Parse builds a Config from JSON bytes and an environment lookup function.
func Parse(data []byte, lookupEnv func(string) (string, bool)) (*Config, error) {
	v := newViper()
	for key, env := range stringEnv {
		if val, ok := lookupEnv(env); ok && val != "" {
			v.Set(key, val)
		}
	}

	cfg := DefaultConfig()
	if err := readInto(v, data, cfg); err != nil {
		return nil, err
	}

	if err := applyIntervalEnv(cfg, lookupEnv, millisEnv, time.Millisecond); err != nil {
		return nil, err
	}
	if err := applyIntervalEnv(cfg, lookupEnv, secondsEnv, time.Second); err != nil {
		return nil, err
	}
	if val, ok := lookupEnv("START_AT_END"); ok && strings.TrimSpace(val) != "" {
		cfg.Sources.Log.StartAtEnd = envBool(val)
	}
	if tok, ok := lookupEnv("USER_KAKAO_TOKEN"); ok && tok != "" {
		if cfg.Channels.Metric.Headers == nil {
			cfg.Channels.Metric.Headers = make(map[string]string)
		}
		cfg.Channels.Metric.Headers[KakaoTokenHeader] = tok
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyIntervalEnv(cfg *Config, lookupEnv func(string) (string, bool), table []intervalEnv, unit time.Duration) error {
	for _, e := range table {
		val, ok := lookupEnv(e.name)
		if !ok || strings.TrimSpace(val) == "" {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.name, err)
		}
		e.apply(cfg, time.Duration(n)*unit)
	}
	return nil
}

// envBool treats 1, true, yes and y as true in any case; anything else is false.
func envBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

// Validate checks struct constraints and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch cfg.Transport.Type {
	case TransportHTTP:
		for _, ch := range telemetry.Channels {
			if cfg.SourceEnabled(ch) && cfg.EndpointURL(ch) == "" {
				return fmt.Errorf("invalid configuration: %s channel has a source but no endpoint URL", ch)
			}
		}
	case TransportKafka:
		if len(cfg.Transport.Kafka.Brokers) == 0 {
			return fmt.Errorf("invalid configuration: kafka transport requires at least one broker")
		}
		if cfg.Transport.Kafka.SASLEnabled && cfg.Transport.Kafka.SASLUser == "" {
			return fmt.Errorf("invalid configuration: SASL enabled without SASLUser")
		}
	case TransportFile:
		if cfg.Transport.File.FilePath == "" {
			return fmt.Errorf("invalid configuration: file transport requires FilePath")
		}
	}

	if cfg.Transport.SOCKSProxy.Host != "" && cfg.Transport.SOCKSProxy.Port == 0 {
		return fmt.Errorf("invalid configuration: SocksProxy.Host set without Port")
	}
	return nil
}

// LoadLogging reads Logging.json from path. A missing file yields logger defaults.
func LoadLogging(path string) (*logger.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			def := logger.DefaultConfig()
			return &def, nil
		}
		return nil, fmt.Errorf("failed to read logging config file: %w", err)
	}
	return ParseLogging(data)
}

// ParseLogging parses logging configuration from (optionally commented) JSON bytes.
func ParseLogging(data []byte) (*logger.Config, error) {
	lc := logger.DefaultConfig()
	if err := readInto(newViper(), data, &lc); err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	if err := validate.Struct(lc); err != nil {
		return nil, fmt.Errorf("invalid logging configuration: %w", err)
	}
	return &lc, nil
}

// LoadSplit loads Agent.json and Logging.json.
func LoadSplit(configPath, loggingPath string) (*Config, *logger.Config, error) {
	lc, err := LoadLogging(loggingPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load logging config: %w", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, lc, nil
}
