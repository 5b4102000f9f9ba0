package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"telemetryagent/internal/config"
	"telemetryagent/internal/logger"
	"telemetryagent/internal/telemetry"
)

// Actuator metric names polled by MetricSource.
const (
	actuatorCPU        = "system.cpu.usage"
	actuatorMemoryUsed = "jvm.memory.used"
	actuatorMemoryMax  = "jvm.memory.max"
)

// maxProbeBody caps how much of an actuator or health response is read.
const maxProbeBody = 64 * 1024

// MetricData is the data section of a metric payload. Actuator values are null
// when the actuator did not report them.
type MetricData struct {
	CPUUsage      *float64  `json:"cpuUsage"`
	MemoryUsed    *float64  `json:"memoryUsed"`
	MemoryMax     *float64  `json:"memoryMax"`
	MemoryPercent float64   `json:"memoryPercent"`
	Host          *HostData `json:"host,omitempty"`
}

type metricPayload struct {
	ServerName string     `json:"serverName"`
	TS         int64      `json:"ts"`
	Type       string     `json:"type"`
	Data       MetricData `json:"data"`
	EventID    string     `json:"eventId"`
}

type actuatorResponse struct {
	Measurements []struct {
		Value float64 `json:"value"`
	} `json:"measurements"`
}

// MetricSource polls Spring Boot actuator metrics and, optionally, host statistics.
type MetricSource struct {
	BaseSource
	cfg        config.MetricSourceConfig
	serverName string
	client     *http.Client
	clock      clock.Clock
	host       hostSampler
	log        zerolog.Logger
}

// NewMetricSource creates a metric source. A nil clock uses the wall clock.
func NewMetricSource(cfg config.MetricSourceConfig, serverName string, clk clock.Clock) *MetricSource {
	if clk == nil {
		clk = clock.New()
	}
	return &MetricSource{
		BaseSource: NewBaseSource("actuator", telemetry.Metric, cfg.Interval),
		cfg:        cfg,
		serverName: serverName,
		client:     &http.Client{Timeout: cfg.Timeout},
		clock:      clk,
		host:       sampleHost,
		log:        logger.WithComponent("metric"),
	}
}

// Collect returns one metric snapshot, or nothing when neither the actuator
// reported CPU and memory nor host metrics are enabled.
func (s *MetricSource) Collect(ctx context.Context) ([][]byte, error) {
	var data MetricData

	if s.cfg.ActuatorURL != "" {
		data.CPUUsage = s.actuatorValue(ctx, actuatorCPU)
		data.MemoryUsed = s.actuatorValue(ctx, actuatorMemoryUsed)
		data.MemoryMax = s.actuatorValue(ctx, actuatorMemoryMax)
		if data.MemoryUsed != nil && data.MemoryMax != nil && *data.MemoryMax > 0 {
			data.MemoryPercent = *data.MemoryUsed / *data.MemoryMax * 100
		}
	}

	if s.cfg.HostMetrics {
		host, err := s.host(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("Host metrics unavailable")
		} else {
			data.Host = host
		}
	}

	actuatorOK := data.CPUUsage != nil && data.MemoryUsed != nil
	if !actuatorOK && data.Host == nil {
		s.log.Debug().Msg("No metric values available, skipping")
		return nil, nil
	}

	ts := s.clock.Now().UnixMilli()
	payload, err := json.Marshal(metricPayload{
		ServerName: s.serverName,
		TS:         ts,
		Type:       "METRIC",
		Data:       data,
		EventID:    eventID(s.serverName, ts, "METRIC"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode metric payload: %w", err)
	}
	return [][]byte{payload}, nil
}

// actuatorValue returns measurements[0].value of one actuator metric, or nil when
// the target is down or the response is unusable.
func (s *MetricSource) actuatorValue(ctx context.Context, name string) *float64 {
	url := strings.TrimRight(s.cfg.ActuatorURL, "/") + "/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("metric", name).Msg("Invalid actuator request")
		return nil
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Debug().Err(err).Str("metric", name).Msg("Actuator unreachable")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.log.Debug().Int("status", resp.StatusCode).Str("metric", name).Msg("Actuator returned non-OK status")
		return nil
	}

	var ar actuatorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProbeBody)).Decode(&ar); err != nil || len(ar.Measurements) == 0 {
		s.log.Debug().Err(err).Str("metric", name).Msg("Unexpected actuator response")
		return nil
	}
	v := ar.Measurements[0].Value
	return &v
}
