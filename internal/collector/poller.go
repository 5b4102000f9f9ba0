package collector

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"telemetryagent/internal/logger"
	"telemetryagent/internal/telemetry"
)

// collectTimeout bounds a single Collect call.
const collectTimeout = 30 * time.Second

// Poller drives a Source on its interval and emits sequenced events.
type Poller struct {
	src   Source
	out   chan telemetry.Event
	clock clock.Clock
	log   zerolog.Logger

	seq       uint64
	pending   []telemetry.Event // sequenced but not yet handed to the forwarder
	discarded atomic.Uint64
}

// NewPoller creates a poller whose output channel holds up to queueSize events.
// A nil clock uses the wall clock.
func NewPoller(src Source, clk clock.Clock, queueSize int) *Poller {
	if clk == nil {
		clk = clock.New()
	}
	return &Poller{
		src:   src,
		out:   make(chan telemetry.Event, queueSize),
		clock: clk,
		log:   logger.WithComponent("poller").With().Str("channel", src.Channel().String()).Logger(),
	}
}

// Events returns the output channel. It is closed when Run returns.
func (p *Poller) Events() <-chan telemetry.Event {
	return p.out
}

// Discarded returns how many sequenced events were never handed to the forwarder.
func (p *Poller) Discarded() uint64 {
	return p.discarded.Load()
}

// Run polls until ctx is cancelled. Local read errors are logged and polling continues.
// Records already read when ctx ends, and whatever a Flusher still holds, are then
// handed over until handoff ends; the rest are counted as discarded.
// A source implementing io.Closer is closed on return.
func (p *Poller) Run(ctx, handoff context.Context) {
	defer close(p.out)
	if c, ok := p.src.(io.Closer); ok {
		defer c.Close()
	}

	name := p.src.Name()
	interval := p.src.Interval()
	p.log.Info().
		Str("source", name).
		Dur("interval", interval).
		Msg("Starting source")

	var wake <-chan struct{}
	if w, ok := p.src.(Waker); ok {
		wake = w.Wake()
	}

	// Initial collection
	p.collect(ctx)

	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.handOver(handoff)
			p.log.Info().Str("source", name).Uint64("last_seq", p.seq).Msg("Source stopped")
			return
		case <-ticker.C:
			p.collect(ctx)
		case <-wake:
			p.collect(ctx)
		}
	}
}

func (p *Poller) collect(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	collectCtx, cancel := context.WithTimeout(ctx, collectTimeout)
	defer cancel()

	start := p.clock.Now()
	payloads, err := p.src.Collect(collectCtx)
	if err != nil {
		p.log.Error().
			Err(err).
			Str("source", p.src.Name()).
			Dur("duration", p.clock.Since(start)).
			Msg("Collection failed")
	}

	for i, payload := range payloads {
		e := p.next(payload)
		if !p.emit(ctx, e) {
			p.pending = append(p.pending, e)
			for _, rest := range payloads[i+1:] {
				p.pending = append(p.pending, p.next(rest))
			}
			return
		}
	}
}

// emit blocks while the forwarder is behind; it gives up when ctx is cancelled.
func (p *Poller) emit(ctx context.Context, e telemetry.Event) bool {
	select {
	case p.out <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// handOver delivers the records left over from the last poll and those still
// being assembled by a Flusher. It waits on the queue until handoff ends.
func (p *Poller) handOver(handoff context.Context) {
	events := p.pending
	p.pending = nil
	if f, ok := p.src.(Flusher); ok {
		for _, payload := range f.Flush() {
			events = append(events, p.next(payload))
		}
	}

	for i, e := range events {
		select {
		case p.out <- e:
			continue
		default:
		}
		if handoff.Err() == nil {
			select {
			case p.out <- e:
				continue
			case <-handoff.Done():
			}
		}
		n := len(events) - i
		p.discarded.Add(uint64(n))
		p.log.Warn().
			Uint64("first_seq", e.Seq).
			Int("events", n).
			Msg("Source stopped before records were handed over, discarding")
		return
	}
}

func (p *Poller) next(payload []byte) telemetry.Event {
	p.seq++
	return telemetry.Event{
		Channel:   p.src.Channel(),
		Seq:       p.seq,
		Timestamp: p.clock.Now(),
		Payload:   payload,
	}
}
