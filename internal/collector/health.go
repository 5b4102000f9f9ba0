package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/benbjohnson/clock"

	"telemetryagent/internal/config"
	"telemetryagent/internal/telemetry"
)

// Health statuses.
const (
	StatusUp   = "UP"
	StatusDown = "DOWN"
)

// maxHealthMessage bounds the error text carried by a DOWN result.
const maxHealthMessage = 300

type healthPayload struct {
	ServerName string `json:"serverName"`
	TS         int64  `json:"ts"`
	Status     string `json:"status"`
	LatencyMs  int64  `json:"latencyMs"`
	HTTPStatus int    `json:"httpStatus"`
	Message    string `json:"message"`
	EventID    string `json:"eventId"`
}

// HealthSource probes an HTTP health endpoint.
type HealthSource struct {
	BaseSource
	cfg        config.HealthSourceConfig
	serverName string
	client     *http.Client
	clock      clock.Clock
}

// NewHealthSource creates a health probe. Redirects are not followed.
func NewHealthSource(cfg config.HealthSourceConfig, serverName string, clk clock.Clock) *HealthSource {
	if clk == nil {
		clk = clock.New()
	}
	return &HealthSource{
		BaseSource: NewBaseSource("healthprobe", telemetry.Health, cfg.Interval),
		cfg:        cfg,
		serverName: serverName,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		clock: clk,
	}
}

// Collect probes the endpoint once. A failed probe is a DOWN result, not an error.
func (s *HealthSource) Collect(ctx context.Context) ([][]byte, error) {
	ts := s.clock.Now().UnixMilli()
	start := s.clock.Now()
	status, code, msg := s.probe(ctx)

	payload, err := json.Marshal(healthPayload{
		ServerName: s.serverName,
		TS:         ts,
		Status:     status,
		LatencyMs:  s.clock.Since(start).Milliseconds(),
		HTTPStatus: code,
		Message:    msg,
		EventID:    eventID(s.serverName, ts, "HEALTH"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode health payload: %w", err)
	}
	return [][]byte{payload}, nil
}

// probe returns UP iff the response is 200, unless a JSON body reports its own status.
func (s *HealthSource) probe(ctx context.Context) (string, int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return StatusDown, 0, prefixRunes(err.Error(), maxHealthMessage)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return StatusDown, 0, prefixRunes(err.Error(), maxHealthMessage)
	}
	defer resp.Body.Close()

	status := StatusDown
	if resp.StatusCode == http.StatusOK {
		status = StatusUp
	}

	var body map[string]any
	if data, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody)); err == nil && json.Unmarshal(data, &body) == nil {
		if v, ok := body["status"].(string); ok && v != "" {
			status = v
		}
	}
	return status, resp.StatusCode, ""
}
