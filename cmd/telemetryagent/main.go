// Package main is the entry point for the TelemetryAgent application.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/common-nighthawk/go-figure"
	"github.com/spf13/pflag"

	"telemetryagent/internal/collector"
	"telemetryagent/internal/config"
	"telemetryagent/internal/forwarder"
	"telemetryagent/internal/identity"
	"telemetryagent/internal/logger"
	"telemetryagent/internal/service"
	"telemetryagent/internal/status"
	"telemetryagent/internal/supervisor"
	"telemetryagent/internal/transport"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const startupErrorLogDir = "log/TelemetryAgent"

func main() {
	flags := pflag.NewFlagSet("telemetryagent", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "conf/TelemetryAgent/Agent.json", "Path to agent configuration file")
	loggingPath := flags.StringP("logging", "l", "conf/TelemetryAgent/Logging.json", "Path to logging configuration file")
	showVersion := flags.BoolP("version", "v", false, "Show version information")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(supervisor.ExitOK)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(supervisor.ExitStartup)
	}

	if *showVersion {
		fmt.Printf("TelemetryAgent %s (built %s)\n", version, buildTime)
		os.Exit(supervisor.ExitOK)
	}

	svcProbe := service.NewService(nil)
	if svcProbe.IsService() {
		logger.SetServiceMode(true)
	} else {
		printBanner()
	}

	cfg, lc, err := config.LoadSplit(*configPath, *loggingPath)
	if err != nil {
		startupFailure("Failed to load configuration", err)
	}

	if err := logger.Init(*lc); err != nil {
		startupFailure("Failed to initialize logger", err)
	}

	log := logger.WithComponent("main")
	log.Info().
		Str("version", version).
		Str("config", *configPath).
		Str("logging", *loggingPath).
		Msg("Starting TelemetryAgent")

	svc := service.NewService(func(ctx context.Context) int {
		return run(ctx, cfg, *loggingPath)
	})
	code := svc.Run(context.Background())

	log.Info().Int("exit_code", code).Msg("TelemetryAgent stopped")
	logger.Close()
	os.Exit(code)
}

func printBanner() {
	for _, line := range figure.NewFigure("TelemetryAgent", "", true).Slicify() {
		fmt.Println(line)
	}
	fmt.Printf("  version %s\n\n", version)
}

// startupFailure reports an error raised before the logger exists and exits.
func startupFailure(msg string, err error) {
	service.ReportStartupError(err)
	service.WriteStartupErrorFile(startupErrorLogDir, err)
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(supervisor.ExitStartup)
}

// setupLoggingWatcher hot-reloads Logging.json. Returns a stop function.
func setupLoggingWatcher(loggingPath string) func() {
	log := logger.WithComponent("main")
	var mu sync.Mutex

	watcher, err := config.NewLoggingWatcher(loggingPath, func(newLC *logger.Config) {
		mu.Lock()
		defer mu.Unlock()

		log.Info().Msg("Applying logging configuration changes")
		if err := logger.Init(*newLC); err != nil {
			log.Error().Err(err).Msg("Failed to update logging configuration")
			return
		}
		log.Info().Msg("Logging configuration updated")
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create logging watcher, hot reload disabled")
		return func() {}
	}
	if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start logging watcher")
		return func() {}
	}

	return func() {
		log.Info().Msg("Stopping logging watcher")
		if err := watcher.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping logging watcher")
		}
	}
}

func run(ctx context.Context, cfg *config.Config, loggingPath string) int {
	log := logger.WithComponent("main")

	// Phase 1: identity
	serverName, origin := identity.Resolve(ctx, cfg)
	log.Info().
		Str("server_name", serverName).
		Str("origin", string(origin)).
		Msg("Agent identity resolved")

	// Phase 2: transport
	if cfg.Transport.EagerCheck {
		if err := transport.CheckEndpoints(ctx, cfg); err != nil {
			log.Error().Err(err).Msg("Endpoint check failed")
			return supervisor.ExitStartup
		}
		log.Info().Msg("Endpoint check passed")
	}

	tr, err := transport.New(cfg, serverName)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create transport")
		return supervisor.ExitStartup
	}
	defer func() {
		log.Info().Msg("Closing transport")
		if err := tr.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing transport")
		}
	}()

	// Phase 3: sources
	sources := collector.NewRegistry(cfg, serverName, nil).Enabled()
	if len(sources) == 0 {
		log.Error().Msg("No channel has a configured source, nothing to do")
		return supervisor.ExitStartup
	}

	// Phase 4: pipelines and status
	reg := status.NewRegistry()
	metrics := forwarder.NewMetrics(reg)
	sup := supervisor.New(supervisor.Build(cfg, sources, tr, metrics), supervisor.Options{
		DrainTimeout: cfg.Forwarder.DrainTimeout,
	})

	if addr := cfg.Status.ListenAddr; addr != "" {
		srv := status.NewServer(addr, serverName, reg, sup.Stats)
		if err := srv.Start(); err != nil {
			log.Warn().Err(err).Msg("Status server disabled")
		} else {
			srv.SetReady(true)
			defer func() {
				srv.SetReady(false)
				if err := srv.Shutdown(); err != nil {
					log.Error().Err(err).Msg("Error stopping status server")
				}
			}()
		}
	}

	// Phase 5: watchers
	stopWatcher := setupLoggingWatcher(loggingPath)
	defer stopWatcher()

	result := sup.Run(ctx)
	for _, r := range result.Reports {
		log.Info().
			Str("channel", r.Channel.String()).
			Uint64("acked", r.Acked).
			Uint64("dropped", r.Dropped).
			Uint64("evicted", r.Evicted).
			Uint64("lost", r.Lost).
			Msg("Channel summary")
	}
	return result.ExitCode
}
