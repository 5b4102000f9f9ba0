package transport

import (
	"fmt"
	"strings"

	"telemetryagent/internal/config"
	"telemetryagent/internal/logger"
	"telemetryagent/internal/network"
	"telemetryagent/internal/telemetry"
)

// New creates the Transport selected by cfg.Transport.Type.
// serverName keys Kafka records.
func New(cfg *config.Config, serverName string) (Transport, error) {
	log := logger.WithComponent("transport-factory")

	kind := strings.ToLower(cfg.Transport.Type)
	if kind == "" {
		kind = config.TransportHTTP
	}

	log.Info().
		Str("transport_type", kind).
		Msg("Creating transport")

	switch kind {
	case config.TransportHTTP:
		var dial network.DialContextFunc
		if socks := cfg.Transport.SOCKSProxy; socks.Host != "" {
			d, err := network.ContextDialer(socks.Host, socks.Port)
			if err != nil {
				return nil, err
			}
			dial = d
		}
		endpoints := make(map[telemetry.Channel]Endpoint)
		for _, ch := range telemetry.Channels {
			cc := cfg.Channel(ch)
			if u := cfg.EndpointURL(ch); u != "" {
				endpoints[ch] = Endpoint{URL: u, Headers: cc.Headers, Unwrap: cc.Unwrap}
				log.Info().Str("channel", ch.String()).Str("url", u).Bool("unwrap", cc.Unwrap).Msg("Channel endpoint")
			}
		}
		return NewHTTP(HTTPOptions{
			Endpoints:      endpoints,
			Token:          cfg.Endpoints.Token,
			Timeout:        cfg.Transport.Timeout,
			ConnRetries:    cfg.Transport.ConnRetries,
			ConnRetryDelay: cfg.Transport.ConnRetryDelay,
			Codec:          Codec{Encoding: cfg.Transport.Encoding, Compression: cfg.Transport.Compression},
			Dial:           dial,
		})
	case config.TransportKafka:
		topics := make(map[telemetry.Channel]string)
		for _, ch := range telemetry.Channels {
			topics[ch] = cfg.Channel(ch).Topic
		}
		return NewKafka(cfg.Transport.Kafka, cfg.Transport.SOCKSProxy, topics, serverName)
	case config.TransportFile:
		return NewFile(cfg.Transport.File)
	default:
		return nil, fmt.Errorf("unknown transport type: %s (supported: http, kafka, file)", kind)
	}
}
