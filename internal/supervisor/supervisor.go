// Package supervisor runs the per-channel collect and forward pipelines and
// turns their terminal state into a process exit code.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"telemetryagent/internal/collector"
	"telemetryagent/internal/config"
	"telemetryagent/internal/forwarder"
	"telemetryagent/internal/logger"
	"telemetryagent/internal/telemetry"
	"telemetryagent/internal/transport"
)

// Process exit codes.
const (
	ExitOK       = 0 // every channel drained
	ExitDataLoss = 1 // events were lost during shutdown
	ExitStartup  = 2 // fatal startup failure
)

// Pipeline is one channel's collector and forwarder.
type Pipeline struct {
	Channel   telemetry.Channel
	Poller    *collector.Poller
	Forwarder *forwarder.Forwarder
}

// Result is the outcome of a supervised run.
type Result struct {
	Reports   []forwarder.Report
	Discarded uint64 // sequenced events that never reached a forwarder
	Drained   bool
	ExitCode  int
}

// Supervisor starts and stops all pipelines together.
type Supervisor struct {
	pipelines    []*Pipeline
	drainTimeout time.Duration
	clock        clock.Clock
	log          zerolog.Logger
}

// Options tune shutdown.
type Options struct {
	DrainTimeout time.Duration
	Clock        clock.Clock // nil uses the wall clock
}

// New creates a supervisor over the given pipelines.
func New(pipelines []*Pipeline, opts Options) *Supervisor {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Supervisor{
		pipelines:    pipelines,
		drainTimeout: opts.DrainTimeout,
		clock:        clk,
		log:          logger.WithComponent("supervisor"),
	}
}

// Build creates a pipeline for every enabled source. All pipelines share tr.
func Build(cfg *config.Config, sources []collector.Source, tr transport.Transport, metrics *forwarder.Metrics) []*Pipeline {
	fc := cfg.Forwarder
	pipelines := make([]*Pipeline, 0, len(sources))
	for _, src := range sources {
		ch := src.Channel()
		poller := collector.NewPoller(src, nil, fc.QueueSize)

		opts := forwarder.Options{
			Channel:          ch,
			MaxBatchSize:     fc.MaxBatchSize,
			MaxBatchBytes:    fc.MaxBatchBytes,
			MaxBatchAge:      fc.MaxBatchAge,
			RetryBufferBytes: fc.RetryBufferBytes,
			BackoffInitial:   fc.BackoffInitial,
			BackoffMax:       fc.BackoffMax,
			Metrics:          metrics,
		}
		if cfg.Channel(ch).Unwrap {
			// a bare JSON object carries exactly one event
			opts.MaxBatchSize = 1
		}

		pipelines = append(pipelines, &Pipeline{
			Channel:   ch,
			Poller:    poller,
			Forwarder: forwarder.New(tr, poller.Events(), opts),
		})
	}
	return pipelines
}

// Stats returns forwarder stats keyed by channel name.
func (s *Supervisor) Stats() map[string]forwarder.Stats {
	out := make(map[string]forwarder.Stats, len(s.pipelines))
	for _, p := range s.pipelines {
		out[p.Channel.String()] = p.Forwarder.Stats()
	}
	return out
}

// Run starts every pipeline and blocks until ctx is cancelled and shutdown completes.
// On cancellation collectors stop first; forwarders then flush within the drain
// timeout, after which in-flight sends are abandoned.
func (s *Supervisor) Run(ctx context.Context) Result {
	collectCtx, stopCollect := context.WithCancel(ctx)
	defer stopCollect()
	deliverCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	defer abandon()

	s.log.Info().Int("pipelines", len(s.pipelines)).Msg("Starting pipelines")

	var pollers sync.WaitGroup
	reports := make(chan forwarder.Report, len(s.pipelines))
	for _, p := range s.pipelines {
		s.log.Info().Str("channel", p.Channel.String()).Msg("Pipeline started")
		go func(p *Pipeline) {
			reports <- p.Forwarder.Run(deliverCtx)
		}(p)
		pollers.Add(1)
		go func(p *Pipeline) {
			defer pollers.Done()
			p.Poller.Run(collectCtx, deliverCtx)
		}(p)
	}

	<-ctx.Done()
	s.log.Info().Dur("drain_timeout", s.drainTimeout).Msg("Shutdown requested, draining pipelines")
	stopCollect()

	deadline := s.clock.Timer(s.drainTimeout)
	defer deadline.Stop()

	result := Result{Drained: true}
	deadlineC := deadline.C
	for range s.pipelines {
		select {
		case r := <-reports:
			result.add(r)
			continue
		case <-deadlineC:
			s.log.Warn().Msg("Drain timeout reached, abandoning in-flight deliveries")
			abandon()
			deadlineC = nil
		}
		result.add(<-reports)
	}
	pollers.Wait()

	for _, p := range s.pipelines {
		// events queued after the forwarder stopped reading are lost as well
		n := p.Poller.Discarded() + uint64(len(p.Poller.Events()))
		if n > 0 {
			s.log.Warn().Str("channel", p.Channel.String()).Uint64("events", n).Msg("Events never reached the forwarder")
			result.Discarded += n
			result.Drained = false
		}
	}

	result.ExitCode = ExitOK
	if !result.Drained {
		result.ExitCode = ExitDataLoss
	}
	s.log.Info().
		Bool("drained", result.Drained).
		Uint64("discarded", result.Discarded).
		Int("exit_code", result.ExitCode).
		Msg("Pipelines stopped")
	return result
}

func (r *Result) add(rep forwarder.Report) {
	r.Reports = append(r.Reports, rep)
	if !rep.Drained {
		r.Drained = false
	}
}
