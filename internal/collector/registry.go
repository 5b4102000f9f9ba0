package collector

import (
	"github.com/benbjohnson/clock"

	"telemetryagent/internal/config"
	"telemetryagent/internal/logger"
	"telemetryagent/internal/telemetry"
)

// Registry holds the sources of the enabled channels, keyed by channel.
type Registry struct {
	sources map[telemetry.Channel]Source
}

// NewRegistry builds a source for every channel whose local source is configured.
// Unconfigured channels are disabled with an info log.
func NewRegistry(cfg *config.Config, serverName string, clk clock.Clock) *Registry {
	log := logger.WithComponent("collector")
	r := &Registry{sources: make(map[telemetry.Channel]Source)}

	for _, ch := range telemetry.Channels {
		if !cfg.SourceEnabled(ch) {
			log.Info().Str("channel", ch.String()).Msg("Source not configured, channel disabled")
			continue
		}

		var src Source
		switch ch {
		case telemetry.Log:
			src = NewLogSource(cfg.Sources.Log, serverName, clk)
		case telemetry.Metric:
			src = NewMetricSource(cfg.Sources.Metric, serverName, clk)
		case telemetry.Health:
			src = NewHealthSource(cfg.Sources.Health, serverName, clk)
		}
		r.sources[ch] = src
		log.Info().
			Str("channel", ch.String()).
			Str("source", src.Name()).
			Dur("interval", src.Interval()).
			Msg("Source is enabled")
	}
	return r
}

// Enabled returns the configured sources in channel order.
func (r *Registry) Enabled() []Source {
	result := make([]Source, 0, len(r.sources))
	for _, ch := range telemetry.Channels {
		if src, ok := r.sources[ch]; ok {
			result = append(result, src)
		}
	}
	return result
}
