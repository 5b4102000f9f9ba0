package identity

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"telemetryagent/internal/config"
	"telemetryagent/internal/logger"
)

func init() {
	_ = logger.Init(logger.Config{Level: "disabled"})
}

func redisConfig(t *testing.T, s *miniredis.Miniredis) *config.Config {
	t.Helper()
	port, err := strconv.Atoi(s.Port())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.Redis.Host = s.Host()
	cfg.Redis.Port = port
	return cfg
}

func stubHostname(t *testing.T, name string, err error) {
	t.Helper()
	orig := hostname
	hostname = func() (string, error) { return name, err }
	t.Cleanup(func() { hostname = orig })
}

func TestResolve_ConfiguredNameWins(t *testing.T) {
	stubHostname(t, "host-a", nil)
	cfg := config.DefaultConfig()
	cfg.ServerName = " order-api "

	name, origin := Resolve(context.Background(), cfg)
	if name != "order-api" || origin != OriginConfig {
		t.Errorf("got %q/%s", name, origin)
	}
}

func TestResolve_RedisWithOverrideIP(t *testing.T) {
	s := miniredis.RunT(t)
	s.HSet(config.DefaultRedisKey, "10.0.0.5:_", "web-07")
	stubHostname(t, "host-a", nil)

	cfg := redisConfig(t, s)
	cfg.Redis.OverrideIP = "10.0.0.5"

	name, origin := Resolve(context.Background(), cfg)
	if name != "web-07" || origin != OriginRedis {
		t.Errorf("got %q/%s, want web-07 from redis", name, origin)
	}
}

func TestResolve_RedisWithOutboundIP(t *testing.T) {
	s := miniredis.RunT(t)
	// miniredis listens on loopback, so the outbound address is 127.0.0.1
	s.HSet("SERVERS", "127.0.0.1:_", "web-08")
	stubHostname(t, "host-a", nil)

	cfg := redisConfig(t, s)
	cfg.Redis.Key = "SERVERS"

	name, origin := Resolve(context.Background(), cfg)
	if name != "web-08" || origin != OriginRedis {
		t.Errorf("got %q/%s, want web-08 from redis", name, origin)
	}
}

func TestResolve_NotRegisteredFallsBackToHostname(t *testing.T) {
	s := miniredis.RunT(t)
	stubHostname(t, "host-a", nil)

	cfg := redisConfig(t, s)
	cfg.Redis.OverrideIP = "10.0.0.9"

	name, origin := Resolve(context.Background(), cfg)
	if name != "host-a" || origin != OriginHostname {
		t.Errorf("got %q/%s", name, origin)
	}
}

func TestResolve_RedisDownFallsBackToHostname(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	stubHostname(t, "host-a", nil)
	cfg := redisConfig(t, s)
	cfg.Redis.OverrideIP = "10.0.0.5"
	s.Close()

	name, origin := Resolve(context.Background(), cfg)
	if name != "host-a" || origin != OriginHostname {
		t.Errorf("got %q/%s", name, origin)
	}
}

func TestResolve_Default(t *testing.T) {
	stubHostname(t, "", errors.New("no hostname"))

	name, origin := Resolve(context.Background(), config.DefaultConfig())
	if name != DefaultServerName || origin != OriginDefault {
		t.Errorf("got %q/%s", name, origin)
	}
}

func TestFetchServerName_AuthAndDB(t *testing.T) {
	s := miniredis.RunT(t)
	s.RequireAuth("pw")
	s.Select(2)
	s.HSet(config.DefaultRedisKey, "1.2.3.4:10.1.1.1", "batch-01")

	rc := config.RedisConfig{Password: "pw", DB: 2}
	name, err := FetchServerName(context.Background(), s.Addr(), rc, nil, "1.2.3.4:10.1.1.1")
	if err != nil {
		t.Fatalf("FetchServerName failed: %v", err)
	}
	if name != "batch-01" {
		t.Errorf("name = %q", name)
	}

	rc.Password = "wrong"
	if _, err := FetchServerName(context.Background(), s.Addr(), rc, nil, "1.2.3.4:10.1.1.1"); err == nil {
		t.Error("expected auth failure")
	}
}
