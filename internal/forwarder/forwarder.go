// Package forwarder batches one channel's events and delivers them through a
// transport with bounded buffering and exponential backoff.
package forwarder

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"telemetryagent/internal/logger"
	"telemetryagent/internal/telemetry"
	"telemetryagent/internal/transport"
)

// Options bounds batching, buffering and retry for one channel.
type Options struct {
	Channel          telemetry.Channel
	MaxBatchSize     int
	MaxBatchBytes    int
	MaxBatchAge      time.Duration
	RetryBufferBytes int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration

	Clock   clock.Clock    // nil uses the wall clock
	Jitter  func() float64 // nil uses math/rand/v2
	Metrics *Metrics       // nil disables metrics
}

// Report is the terminal state of a forwarder.
type Report struct {
	Channel   telemetry.Channel
	Acked     uint64 // events acknowledged
	Dropped   uint64 // events dropped by fatal failures
	Evicted   uint64 // events evicted from a full retry buffer
	Lost      uint64 // events still undelivered when delivery was cut off
	Watermark uint64
	Drained   bool // input closed and everything delivered or dropped
}

// Stats is a point-in-time view safe to read from other goroutines.
type Stats struct {
	Received      uint64 `json:"received"`
	Acked         uint64 `json:"acked"`
	Dropped       uint64 `json:"dropped"`
	Evicted       uint64 `json:"evicted"`
	BufferBatches int64  `json:"bufferBatches"`
	BufferBytes   int64  `json:"bufferBytes"`
	Watermark     uint64 `json:"watermark"`
}

// Forwarder owns one channel's pipeline from event intake to acknowledgement.
type Forwarder struct {
	opts    Options
	tr      transport.Transport
	in      <-chan telemetry.Event
	clock   clock.Clock
	log     zerolog.Logger
	label   string
	buf     *RetryBuffer
	backoff *Backoff

	pending *telemetry.Batch

	received      atomic.Uint64
	acked         atomic.Uint64
	dropped       atomic.Uint64
	evicted       atomic.Uint64
	bufferBatches atomic.Int64
	bufferBytes   atomic.Int64
	watermark     atomic.Uint64
}

// New creates a forwarder reading events from in.
func New(tr transport.Transport, in <-chan telemetry.Event, opts Options) *Forwarder {
	if opts.MaxBatchSize < 1 {
		opts.MaxBatchSize = 1
	}
	if opts.MaxBatchBytes < 1 {
		opts.MaxBatchBytes = 1 << 20
	}
	if opts.MaxBatchAge <= 0 {
		opts.MaxBatchAge = time.Second
	}
	if opts.RetryBufferBytes < 1 {
		opts.RetryBufferBytes = 8 << 20
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Forwarder{
		opts:    opts,
		tr:      tr,
		in:      in,
		clock:   clk,
		log:     logger.WithComponent("forwarder").With().Str("channel", opts.Channel.String()).Logger(),
		label:   opts.Channel.String(),
		buf:     NewRetryBuffer(opts.RetryBufferBytes),
		backoff: NewBackoff(opts.BackoffInitial, opts.BackoffMax, opts.Jitter),
	}
}

// Watermark returns the highest acknowledged sequence number.
func (f *Forwarder) Watermark() uint64 {
	return f.watermark.Load()
}

// Stats returns current counters.
func (f *Forwarder) Stats() Stats {
	return Stats{
		Received:      f.received.Load(),
		Acked:         f.acked.Load(),
		Dropped:       f.dropped.Load(),
		Evicted:       f.evicted.Load(),
		BufferBatches: f.bufferBatches.Load(),
		BufferBytes:   f.bufferBytes.Load(),
		Watermark:     f.watermark.Load(),
	}
}

// Run delivers events until the input channel is closed and every batch has been
// delivered or dropped, or until ctx is cancelled. Cancelling ctx abandons the
// in-flight send; whatever remains is reported as lost.
func (f *Forwarder) Run(ctx context.Context) Report {
	f.log.Info().
		Int("max_batch_size", f.opts.MaxBatchSize).
		Int("max_batch_bytes", f.opts.MaxBatchBytes).
		Dur("max_batch_age", f.opts.MaxBatchAge).
		Int("retry_buffer_bytes", f.opts.RetryBufferBytes).
		Msg("Forwarder started")

	in := f.in
	var ageTimer, retryTimer *clock.Timer
	var ageC, retryC <-chan time.Time
	defer func() {
		if ageTimer != nil {
			ageTimer.Stop()
		}
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	seal := func() {
		if ageTimer != nil {
			ageTimer.Stop()
			ageTimer, ageC = nil, nil
		}
		if f.pending != nil && !f.pending.Empty() {
			f.enqueue(f.pending)
		}
		f.pending = nil
	}

	for {
		// Deliver from the head while no retry is scheduled.
		for f.buf.Len() > 0 && retryC == nil {
			if ctx.Err() != nil {
				return f.finish(in, false)
			}
			delay, retry := f.deliverHead(ctx)
			if retry {
				retryTimer = f.clock.Timer(delay)
				retryC = retryTimer.C
			}
		}

		if in == nil && f.pending == nil && f.buf.Len() == 0 {
			return f.finish(nil, true)
		}

		select {
		case <-ctx.Done():
			return f.finish(in, false)

		case e, ok := <-in:
			if !ok {
				in = nil
				seal()
				f.log.Info().Int("buffered_batches", f.buf.Len()).Msg("Input closed, draining")
				continue
			}
			if f.pending != nil && f.pending.Size()+e.Size() > f.opts.MaxBatchBytes && !f.pending.Empty() {
				seal()
			}
			if f.pending == nil {
				f.pending = telemetry.NewBatch(f.opts.Channel, f.clock.Now())
				ageTimer = f.clock.Timer(f.opts.MaxBatchAge)
				ageC = ageTimer.C
			}
			f.pending.Add(e)
			if f.pending.Len() >= f.opts.MaxBatchSize || f.pending.Size() >= f.opts.MaxBatchBytes {
				seal()
			}
			f.received.Add(1)
			f.opts.Metrics.received(f.label)

		case <-ageC:
			ageTimer, ageC = nil, nil
			seal()

		case <-retryC:
			retryTimer, retryC = nil, nil
		}
	}
}

// enqueue places a sealed batch behind any pending retries.
func (f *Forwarder) enqueue(b *telemetry.Batch) {
	evicted := f.buf.Push(b)
	if len(evicted) > 0 {
		// the head batch is always evicted first
		f.backoff.Reset()
	}
	for _, ev := range evicted {
		f.evicted.Add(uint64(ev.Len()))
		f.opts.Metrics.dropped(f.label, reasonEvicted, ev.Len())
		f.log.Warn().
			Uint64("first_seq", ev.FirstSeq()).
			Uint64("last_seq", ev.LastSeq()).
			Int("events", ev.Len()).
			Int("bytes", ev.Size()).
			Int("attempts", ev.Attempts).
			Int("buffer_cap_bytes", f.opts.RetryBufferBytes).
			Msg("Retry buffer full, evicted oldest batch")
	}
	f.syncBuffer()
}

// deliverHead sends the oldest buffered batch. It reports whether a retry must be
// scheduled and after which delay.
func (f *Forwarder) deliverHead(ctx context.Context) (time.Duration, bool) {
	b := f.buf.Head()
	b.Attempts++

	att, err := f.tr.Send(ctx, b)
	f.opts.Metrics.attempt(f.label, att.Class.String(), b.Len(), att.Elapsed)

	switch transport.ClassOf(err) {
	case transport.Success:
		f.buf.Pop()
		f.syncBuffer()
		f.backoff.Reset()
		f.acked.Add(uint64(b.Len()))
		f.advanceWatermark(b.LastSeq())
		f.log.Debug().
			Uint64("first_seq", b.FirstSeq()).
			Uint64("last_seq", b.LastSeq()).
			Int("events", b.Len()).
			Int("attempts", b.Attempts).
			Dur("elapsed", att.Elapsed).
			Msg("Batch acknowledged")
		return 0, false

	case transport.Fatal:
		f.buf.Pop()
		f.syncBuffer()
		f.backoff.Reset()
		f.dropped.Add(uint64(b.Len()))
		f.opts.Metrics.dropped(f.label, reasonFatal, b.Len())
		f.log.Error().
			Err(err).
			Int("status", att.StatusCode).
			Uint64("first_seq", b.FirstSeq()).
			Uint64("last_seq", b.LastSeq()).
			Int("events", b.Len()).
			Msg("Batch rejected, dropping")
		return 0, false

	default:
		if ctx.Err() != nil {
			return 0, false
		}
		delay := f.backoff.Next()
		f.log.Warn().
			Err(err).
			Int("status", att.StatusCode).
			Uint64("first_seq", b.FirstSeq()).
			Int("attempts", b.Attempts).
			Dur("retry_in", delay).
			Msg("Delivery failed, will retry")
		return delay, true
	}
}

func (f *Forwarder) advanceWatermark(seq uint64) {
	for {
		cur := f.watermark.Load()
		if seq <= cur {
			return
		}
		if f.watermark.CompareAndSwap(cur, seq) {
			f.opts.Metrics.acked(f.label, seq)
			return
		}
	}
}

func (f *Forwarder) syncBuffer() {
	f.bufferBatches.Store(int64(f.buf.Len()))
	f.bufferBytes.Store(int64(f.buf.Bytes()))
	f.opts.Metrics.buffer(f.label, f.buf.Len(), f.buf.Bytes())
}

// finish counts everything not delivered. Events already queued on an open
// input channel are counted without blocking.
func (f *Forwarder) finish(in <-chan telemetry.Event, drained bool) Report {
	lost := uint64(f.buf.Events())
	if f.pending != nil {
		lost += uint64(f.pending.Len())
	}
	if in != nil {
	count:
		for {
			select {
			case _, ok := <-in:
				if !ok {
					break count
				}
				lost++
			default:
				break count
			}
		}
	}
	f.opts.Metrics.dropped(f.label, reasonShutdown, int(lost))

	r := Report{
		Channel:   f.opts.Channel,
		Acked:     f.acked.Load(),
		Dropped:   f.dropped.Load(),
		Evicted:   f.evicted.Load(),
		Lost:      lost,
		Watermark: f.watermark.Load(),
		Drained:   drained && lost == 0,
	}

	ev := f.log.Info()
	if lost > 0 {
		ev = f.log.Warn()
	}
	ev.Uint64("acked", r.Acked).
		Uint64("dropped", r.Dropped).
		Uint64("evicted", r.Evicted).
		Uint64("lost", r.Lost).
		Uint64("watermark", r.Watermark).
		Msg("Forwarder stopped")
	return r
}
