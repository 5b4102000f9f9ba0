package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"telemetryagent/internal/logger"
	"telemetryagent/internal/network"
	"telemetryagent/internal/telemetry"
)

// Request headers understood by the collector.
const (
	HeaderToken      = "X-MCP-TOKEN"
	HeaderChannel    = "X-Telemetry-Channel"
	HeaderFirstSeq   = "X-Batch-First-Seq"
	HeaderLastSeq    = "X-Batch-Last-Seq"
	maxDrainBodySize = 64 << 10
)

// Endpoint is where one channel's batches are posted.
type Endpoint struct {
	URL     string
	Headers map[string]string
	Unwrap  bool
}

// HTTPOptions configures an HTTPTransport.
type HTTPOptions struct {
	Endpoints      map[telemetry.Channel]Endpoint
	Token          string
	Timeout        time.Duration
	ConnRetries    int
	ConnRetryDelay time.Duration
	Codec          Codec
	Dial           network.DialContextFunc // nil for the default dialer
}

// HTTPTransport posts batches to the collector over HTTP.
type HTTPTransport struct {
	client *http.Client
	opts   HTTPOptions

	mu     sync.RWMutex
	closed bool
}

// NewHTTP creates an HTTP transport. The connection pool is shared by all channels.
func NewHTTP(opts HTTPOptions) (*HTTPTransport, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("http transport needs at least one endpoint")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = len(telemetry.Channels) * 2
	if opts.Dial != nil {
		tr.DialContext = opts.Dial
		tr.Proxy = nil
	}

	return &HTTPTransport{
		client: &http.Client{
			Transport: tr,
			Timeout:   opts.Timeout,
		},
		opts: opts,
	}, nil
}

// Send posts the batch to its channel endpoint. Network errors are retried
// ConnRetries times with a fixed delay before the failure is reported.
func (t *HTTPTransport) Send(ctx context.Context, batch *telemetry.Batch) (Attempt, error) {
	start := time.Now()
	att := Attempt{}

	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		att.Class = Fatal
		return att, failure(Fatal, 0, ErrClosed)
	}

	ep, ok := t.opts.Endpoints[batch.Channel]
	if !ok || ep.URL == "" {
		att.Class = Fatal
		return att, failure(Fatal, 0, fmt.Errorf("no endpoint for channel %s", batch.Channel))
	}

	body, err := t.opts.Codec.Encode(batch, ep.Unwrap)
	if err != nil {
		att.Class = Fatal
		return att, failure(Fatal, 0, err)
	}

	log := logger.WithComponent("http-transport")

	var lastErr error
	for try := 0; try <= t.opts.ConnRetries; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				att.Elapsed = time.Since(start)
				att.Class = Retriable
				return att, failure(Retriable, 0, ctx.Err())
			case <-time.After(t.opts.ConnRetryDelay):
			}
		}

		att.Tries++
		status, err := t.post(ctx, ep, batch, body)
		att.StatusCode = status
		if err == nil {
			att.Class = ClassifyStatus(status)
			att.Elapsed = time.Since(start)
			if att.Class == Success {
				return att, nil
			}
			return att, failure(att.Class, status, fmt.Errorf("collector returned HTTP %d", status))
		}

		lastErr = err
		if !isNetworkError(err) {
			break
		}
		log.Debug().
			Err(err).
			Str("channel", batch.Channel.String()).
			Int("try", att.Tries).
			Msg("Connection failed, retrying")
	}

	att.Elapsed = time.Since(start)
	att.Class = Retriable
	return att, failure(Retriable, 0, lastErr)
}

func (t *HTTPTransport) post(ctx context.Context, ep Endpoint, batch *telemetry.Batch, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", t.opts.Codec.ContentType())
	if enc := t.opts.Codec.ContentEncoding(); enc != "" {
		req.Header.Set("Content-Encoding", enc)
	}
	if t.opts.Token != "" {
		req.Header.Set(HeaderToken, t.opts.Token)
	}
	req.Header.Set(HeaderChannel, batch.Channel.String())
	req.Header.Set(HeaderFirstSeq, strconv.FormatUint(batch.FirstSeq(), 10))
	req.Header.Set(HeaderLastSeq, strconv.FormatUint(batch.LastSeq(), 10))
	for k, v := range ep.Headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBodySize))

	return resp.StatusCode, nil
}

// Close releases idle connections. In-flight sends are unaffected.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.client.CloseIdleConnections()
	return nil
}
