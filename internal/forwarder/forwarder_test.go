package forwarder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"telemetryagent/internal/logger"
	"telemetryagent/internal/telemetry"
	"telemetryagent/internal/transport"
)

func TestMain(m *testing.M) {
	_ = logger.Init(logger.Config{Level: "disabled"})
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
	)
}

// fakeTransport records every send and answers from a script; once the script
// is exhausted it answers with fallback.
type fakeTransport struct {
	mu       sync.Mutex
	script   []error
	fallback error
	sends    []sentBatch
	block    func(ctx context.Context) error
}

type sentBatch struct {
	seqs     []uint64
	attempts int
}

func (f *fakeTransport) Send(ctx context.Context, b *telemetry.Batch) (transport.Attempt, error) {
	f.mu.Lock()
	seqs := make([]uint64, 0, b.Len())
	for _, e := range b.Events {
		seqs = append(seqs, e.Seq)
	}
	f.sends = append(f.sends, sentBatch{seqs: seqs, attempts: b.Attempts})
	var err error
	if len(f.script) > 0 {
		err = f.script[0]
		f.script = f.script[1:]
	} else {
		err = f.fallback
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		if berr := block(ctx); berr != nil {
			err = berr
		}
	}
	att := transport.Attempt{Tries: 1, Class: transport.ClassOf(err)}
	return att, err
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeTransport) sent() []sentBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentBatch, len(f.sends))
	copy(out, f.sends)
	return out
}

func httpFailure(status int) error {
	return &transport.Error{
		Class:      transport.ClassifyStatus(status),
		StatusCode: status,
		Err:        fmt.Errorf("collector returned HTTP %d", status),
	}
}

// event builds an event whose payload is exactly size bytes (size >= 8).
func event(seq uint64, size int) telemetry.Event {
	payload := fmt.Sprintf(`{"p":"%s"}`, strings.Repeat("x", size-8))
	return telemetry.Event{Channel: telemetry.Log, Seq: seq, Timestamp: time.Now(), Payload: []byte(payload)}
}

func queued(n, size int, closeAfter bool) chan telemetry.Event {
	ch := make(chan telemetry.Event, n)
	for i := 1; i <= n; i++ {
		ch <- event(uint64(i), size)
	}
	if closeAfter {
		close(ch)
	}
	return ch
}

func baseOptions() Options {
	return Options{
		Channel:          telemetry.Log,
		MaxBatchSize:     10,
		MaxBatchBytes:    1 << 20,
		MaxBatchAge:      20 * time.Millisecond,
		RetryBufferBytes: 1 << 20,
		BackoffInitial:   500 * time.Millisecond,
		BackoffMax:       10 * time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// advanceUntil moves the mock clock forward in steps until cond holds.
func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		mock.Add(step)
		time.Sleep(2 * time.Millisecond)
	}
}

func runAsync(ctx context.Context, f *Forwarder) <-chan Report {
	done := make(chan Report, 1)
	go func() { done <- f.Run(ctx) }()
	return done
}

func awaitReport(t *testing.T, done <-chan Report) Report {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("forwarder did not stop")
		return Report{}
	}
}

func TestForwarder_PreservesOrderAndBatchSize(t *testing.T) {
	ft := &fakeTransport{}
	opts := baseOptions()
	opts.MaxBatchSize = 7

	r := New(ft, queued(50, 20, true), opts).Run(context.Background())

	if !r.Drained || r.Lost != 0 {
		t.Fatalf("report = %+v, want drained", r)
	}
	if r.Acked != 50 || r.Watermark != 50 {
		t.Errorf("acked=%d watermark=%d, want 50/50", r.Acked, r.Watermark)
	}

	var next uint64 = 1
	for i, b := range ft.sent() {
		if len(b.seqs) > 7 {
			t.Errorf("batch %d has %d events, max 7", i, len(b.seqs))
		}
		for _, s := range b.seqs {
			if s != next {
				t.Fatalf("batch %d: got seq %d, want %d", i, s, next)
			}
			next++
		}
	}
	if next != 51 {
		t.Errorf("delivered through seq %d, want 50", next-1)
	}
}

func TestForwarder_SealsOnMaxBatchBytes(t *testing.T) {
	ft := &fakeTransport{}
	opts := baseOptions()
	opts.MaxBatchBytes = 250

	New(ft, queued(5, 100, true), opts).Run(context.Background())

	sends := ft.sent()
	want := [][]uint64{{1, 2}, {3, 4}, {5}}
	if len(sends) != len(want) {
		t.Fatalf("got %d batches, want %d", len(sends), len(want))
	}
	for i := range want {
		if fmt.Sprint(sends[i].seqs) != fmt.Sprint(want[i]) {
			t.Errorf("batch %d = %v, want %v", i, sends[i].seqs, want[i])
		}
	}
}

func TestForwarder_SealsOnMaxBatchAge(t *testing.T) {
	mock := clock.NewMock()
	ft := &fakeTransport{}
	opts := baseOptions()
	opts.MaxBatchSize = 100
	opts.MaxBatchAge = 2 * time.Second
	opts.Clock = mock

	in := queued(3, 20, false)
	ctx, cancel := context.WithCancel(context.Background())
	fw := New(ft, in, opts)
	done := runAsync(ctx, fw)

	waitFor(t, "events received", func() bool { return fw.Stats().Received == 3 })

	mock.Add(2*time.Second - time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if ft.calls() != 0 {
		t.Fatal("batch sent before MaxBatchAge elapsed")
	}

	mock.Add(time.Millisecond)
	waitFor(t, "age-sealed batch", func() bool { return ft.calls() == 1 })
	if got := ft.sent()[0].seqs; len(got) != 3 {
		t.Errorf("age-sealed batch = %v, want 3 events", got)
	}

	close(in)
	r := awaitReport(t, done)
	cancel()
	if !r.Drained || r.Acked != 3 {
		t.Errorf("report = %+v", r)
	}
}

func TestForwarder_RetriesUntilAccepted(t *testing.T) {
	mock := clock.NewMock()
	ft := &fakeTransport{script: []error{httpFailure(500), httpFailure(500), nil}}
	opts := baseOptions()
	opts.MaxBatchSize = 5
	opts.Clock = mock

	in := queued(5, 20, false)
	fw := New(ft, in, opts)
	done := runAsync(context.Background(), fw)

	advanceUntil(t, mock, time.Second, "third attempt", func() bool { return ft.calls() >= 3 })
	waitFor(t, "acknowledgement", func() bool { return fw.Stats().Acked == 5 })

	close(in)
	r := awaitReport(t, done)

	if ft.calls() != 3 {
		t.Errorf("attempts = %d, want exactly 3", ft.calls())
	}
	for i, s := range ft.sent() {
		if s.attempts != i+1 {
			t.Errorf("send %d carried attempt count %d", i, s.attempts)
		}
		if len(s.seqs) != 5 || s.seqs[0] != 1 {
			t.Errorf("send %d = %v, want the same 5-event batch", i, s.seqs)
		}
	}
	if st := fw.Stats(); st.BufferBatches != 0 || st.BufferBytes != 0 {
		t.Errorf("retry buffer not empty: %+v", st)
	}
	if !r.Drained || r.Acked != 5 || r.Watermark != 5 {
		t.Errorf("report = %+v", r)
	}
}

func TestForwarder_FatalFailureDropsBatch(t *testing.T) {
	ft := &fakeTransport{script: []error{httpFailure(400)}}
	opts := baseOptions()
	opts.MaxBatchSize = 2

	r := New(ft, queued(4, 20, true), opts).Run(context.Background())

	if ft.calls() != 2 {
		t.Errorf("calls = %d, want 2 (no retry after fatal)", ft.calls())
	}
	if r.Dropped != 2 || r.Acked != 2 || r.Watermark != 4 {
		t.Errorf("report = %+v", r)
	}
	if !r.Drained {
		t.Error("fatal drops should not block a clean drain")
	}
}

func TestForwarder_EvictsOldestWhenBufferFull(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "agent.log")
	if err := logger.Init(logger.Config{Level: "warn", FilePath: logFile}); err != nil {
		t.Fatal(err)
	}
	defer logger.Init(logger.Config{Level: "disabled"})

	mock := clock.NewMock()
	ft := &fakeTransport{fallback: httpFailure(503)}
	opts := baseOptions()
	opts.MaxBatchSize = 1
	opts.RetryBufferBytes = 1000
	opts.Clock = mock

	ctx, cancel := context.WithCancel(context.Background())
	fw := New(ft, queued(15, 100, false), opts)
	done := runAsync(ctx, fw)

	waitFor(t, "all events received", func() bool { return fw.Stats().Received == 15 })

	st := fw.Stats()
	if st.Evicted != 5 {
		t.Errorf("evicted = %d, want 5", st.Evicted)
	}
	if st.BufferBytes > 1000 {
		t.Errorf("buffer bytes = %d, exceeds cap", st.BufferBytes)
	}

	cancel()
	r := awaitReport(t, done)
	if r.Lost != 10 || r.Drained {
		t.Errorf("report = %+v, want 10 lost", r)
	}

	logger.Close()
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "Retry buffer full"); n != 5 {
		t.Errorf("eviction diagnostics = %d, want 5", n)
	}
}

func TestForwarder_NewBatchesQueueBehindRetries(t *testing.T) {
	mock := clock.NewMock()
	ft := &fakeTransport{script: []error{httpFailure(503)}}
	opts := baseOptions()
	opts.MaxBatchSize = 1
	opts.Clock = mock

	in := queued(3, 20, false)
	fw := New(ft, in, opts)
	done := runAsync(context.Background(), fw)

	waitFor(t, "events received", func() bool { return fw.Stats().Received == 3 })
	if ft.calls() != 1 {
		t.Fatalf("calls = %d, new batches must wait behind the failed one", ft.calls())
	}

	advanceUntil(t, mock, time.Second, "drain", func() bool { return fw.Stats().Acked == 3 })
	close(in)
	awaitReport(t, done)

	var order []uint64
	for _, s := range ft.sent() {
		order = append(order, s.seqs...)
	}
	if fmt.Sprint(order) != "[1 1 2 3]" {
		t.Errorf("send order = %v, want [1 1 2 3]", order)
	}
}

func TestForwarder_ShutdownCompletesInFlightSend(t *testing.T) {
	release := make(chan struct{})
	ft := &fakeTransport{block: func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return &transport.Error{Class: transport.Retriable, Err: ctx.Err()}
		}
	}}
	opts := baseOptions()
	opts.MaxBatchSize = 3

	in := queued(3, 20, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, New(ft, in, opts))

	waitFor(t, "in-flight send", func() bool { return ft.calls() == 1 })
	close(in)
	close(release)

	r := awaitReport(t, done)
	if !r.Drained || r.Lost != 0 || r.Acked != 3 {
		t.Errorf("report = %+v, want clean drain", r)
	}
}

func TestForwarder_ShutdownAbandonsInFlightSend(t *testing.T) {
	ft := &fakeTransport{block: func(ctx context.Context) error {
		<-ctx.Done()
		return &transport.Error{Class: transport.Retriable, Err: ctx.Err()}
	}}
	opts := baseOptions()
	opts.MaxBatchSize = 3

	in := queued(5, 20, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, New(ft, in, opts))

	waitFor(t, "in-flight send", func() bool { return ft.calls() == 1 })
	close(in)
	cancel()

	r := awaitReport(t, done)
	if r.Drained {
		t.Error("abandoned send reported as drained")
	}
	if r.Lost != 5 {
		t.Errorf("lost = %d, want 5 (3 in flight + 2 queued)", r.Lost)
	}
	if ft.calls() != 1 {
		t.Errorf("calls = %d, nothing may be retried after cancellation", ft.calls())
	}
}

func singleBatch(seq uint64, size int) *telemetry.Batch {
	b := telemetry.NewBatch(telemetry.Log, time.Now())
	b.Add(event(seq, size))
	return b
}

func TestForwarder_FatalDropRestartsBackoff(t *testing.T) {
	opts := baseOptions()
	opts.Jitter = func() float64 { return 0 }
	fw := New(&fakeTransport{script: []error{httpFailure(503), httpFailure(503), httpFailure(400), httpFailure(503)}}, nil, opts)
	fw.enqueue(singleBatch(1, 20))
	fw.enqueue(singleBatch(2, 20))

	for i, want := range []time.Duration{500 * time.Millisecond, time.Second} {
		if delay, retry := fw.deliverHead(context.Background()); !retry || delay != want {
			t.Fatalf("failure %d: delay=%v retry=%v, want %v", i+1, delay, retry, want)
		}
	}
	if _, retry := fw.deliverHead(context.Background()); retry {
		t.Fatal("fatal failure scheduled a retry")
	}

	delay, retry := fw.deliverHead(context.Background())
	if !retry || delay != 500*time.Millisecond {
		t.Errorf("next batch delay=%v retry=%v, want the initial 500ms", delay, retry)
	}
}

func TestForwarder_EvictedHeadRestartsBackoff(t *testing.T) {
	opts := baseOptions()
	opts.Jitter = func() float64 { return 0 }
	opts.RetryBufferBytes = 250
	fw := New(&fakeTransport{fallback: httpFailure(503)}, nil, opts)
	fw.enqueue(singleBatch(1, 100))

	fw.deliverHead(context.Background())
	fw.deliverHead(context.Background())
	fw.enqueue(singleBatch(2, 100))
	fw.enqueue(singleBatch(3, 100))

	if got := fw.buf.Head().FirstSeq(); got != 2 {
		t.Fatalf("head seq = %d, want 2 after eviction", got)
	}
	delay, retry := fw.deliverHead(context.Background())
	if !retry || delay != 500*time.Millisecond {
		t.Errorf("delay=%v retry=%v, want the initial 500ms", delay, retry)
	}
}

func TestForwarder_WatermarkNeverMovesBackwards(t *testing.T) {
	fw := New(&fakeTransport{}, nil, baseOptions())
	fw.advanceWatermark(5)
	fw.advanceWatermark(3)
	if fw.Watermark() != 5 {
		t.Errorf("watermark = %d, want 5", fw.Watermark())
	}
	fw.advanceWatermark(9)
	if fw.Watermark() != 9 {
		t.Errorf("watermark = %d, want 9", fw.Watermark())
	}
}

func TestForwarder_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	ft := &fakeTransport{script: []error{httpFailure(400)}}
	opts := baseOptions()
	opts.MaxBatchSize = 2
	opts.Metrics = m

	New(ft, queued(4, 20, true), opts).Run(context.Background())

	if v := testutil.ToFloat64(m.eventsReceived.WithLabelValues("log")); v != 4 {
		t.Errorf("received = %v, want 4", v)
	}
	if v := testutil.ToFloat64(m.eventsAcked.WithLabelValues("log")); v != 2 {
		t.Errorf("acked = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.eventsDropped.WithLabelValues("log", reasonFatal)); v != 2 {
		t.Errorf("dropped = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.watermark.WithLabelValues("log")); v != 4 {
		t.Errorf("watermark gauge = %v, want 4", v)
	}
}

func TestClassOfFakeErrors(t *testing.T) {
	if transport.ClassOf(httpFailure(503)) != transport.Retriable {
		t.Error("503 should be retriable")
	}
	var te *transport.Error
	if !errors.As(httpFailure(400), &te) || te.Class != transport.Fatal {
		t.Error("400 should be fatal")
	}
}
