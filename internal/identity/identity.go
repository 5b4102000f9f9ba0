// Package identity resolves the server name stamped on every payload.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"telemetryagent/internal/config"
	"telemetryagent/internal/logger"
	"telemetryagent/internal/network"
)

// Origin tells where a server name came from.
type Origin string

const (
	OriginConfig   Origin = "config"
	OriginRedis    Origin = "redis"
	OriginHostname Origin = "hostname"
	OriginDefault  Origin = "default"
)

// DefaultServerName is used when nothing else yields a name.
const DefaultServerName = "unknown"

const lookupTimeout = 5 * time.Second

// hostname is replaced in tests.
var hostname = os.Hostname

// Resolve returns the configured server name, otherwise the name registered in
// Redis for this host's addresses, otherwise the OS hostname. Lookup failures are
// logged and never fatal.
func Resolve(ctx context.Context, cfg *config.Config) (string, Origin) {
	log := logger.WithComponent("identity")

	if name := strings.TrimSpace(cfg.ServerName); name != "" {
		return name, OriginConfig
	}

	if cfg.Redis.Host != "" {
		name, err := lookupRedis(ctx, cfg)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Server name lookup failed, falling back to hostname")
		case name == "":
			log.Info().Msg("Host not registered in Redis, falling back to hostname")
		default:
			return name, OriginRedis
		}
	}

	if name, err := hostname(); err == nil && name != "" {
		return name, OriginHostname
	}
	return DefaultServerName, OriginDefault
}

func lookupRedis(ctx context.Context, cfg *config.Config) (string, error) {
	log := logger.WithComponent("identity")
	addr := net.JoinHostPort(cfg.Redis.Host, strconv.Itoa(cfg.Redis.Port))

	dial, err := network.ContextDialer(cfg.Transport.SOCKSProxy.Host, cfg.Transport.SOCKSProxy.Port)
	if err != nil {
		return "", err
	}

	info, err := network.DetectIPs(cfg.Redis.PrivateIPPattern, cfg.Redis.OverrideIP)
	if err != nil {
		return "", err
	}
	if cfg.Redis.OverrideIP == "" {
		// the address used to reach Redis is the one the registry knows
		dialCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
		ip, err := network.OutboundIP(dialCtx, dial, addr)
		cancel()
		if err != nil {
			return "", err
		}
		if ip != info.IPAddrLocal {
			info.IPAddr = ip
		}
	}

	log.Info().
		Str("redis", addr).
		Str("key", cfg.Redis.Key).
		Str("field", info.Key()).
		Msg("Looking up server name")

	return FetchServerName(ctx, addr, cfg.Redis, dial, info.Key())
}

// FetchServerName runs HGET <key> <field>. It returns "" without error when the
// field does not exist.
func FetchServerName(ctx context.Context, addr string, cfg config.RedisConfig, dial network.DialContextFunc, field string) (string, error) {
	opts := &redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if dial != nil {
		opts.Dialer = dial
	}
	client := redis.NewClient(opts)
	defer client.Close()

	key := cfg.Key
	if key == "" {
		key = config.DefaultRedisKey
	}

	queryCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	value, err := client.HGet(queryCtx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis HGET %s %s failed: %w", key, field, err)
	}
	return strings.TrimSpace(value), nil
}
