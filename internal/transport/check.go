package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"telemetryagent/internal/config"
	"telemetryagent/internal/network"
	"telemetryagent/internal/telemetry"
)

// CheckEndpoints verifies at startup that every configured destination is reachable
// with a plain TCP connect. Nothing is sent.
func CheckEndpoints(ctx context.Context, cfg *config.Config) error {
	switch cfg.Transport.Type {
	case config.TransportFile:
		dir := filepath.Dir(cfg.Transport.File.FilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("output directory %s is not writable: %w", dir, err)
		}
		return nil
	}

	dial, err := network.ContextDialer(cfg.Transport.SOCKSProxy.Host, cfg.Transport.SOCKSProxy.Port)
	if err != nil {
		return err
	}

	var targets []string
	if cfg.Transport.Type == config.TransportKafka {
		targets = append(targets, cfg.Transport.Kafka.Brokers...)
	} else {
		seen := make(map[string]bool)
		for _, ch := range telemetry.Channels {
			if !cfg.SourceEnabled(ch) {
				continue
			}
			addr, err := hostPort(cfg.EndpointURL(ch))
			if err != nil {
				return fmt.Errorf("%s endpoint: %w", ch, err)
			}
			if !seen[addr] {
				seen[addr] = true
				targets = append(targets, addr)
			}
		}
	}

	timeout := cfg.Transport.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	for _, addr := range targets {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := dial(dctx, "tcp", addr)
		cancel()
		if err != nil {
			return fmt.Errorf("endpoint %s unreachable: %w", addr, err)
		}
		conn.Close()
	}
	return nil
}

func hostPort(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", raw)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
