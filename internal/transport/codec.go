package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"telemetryagent/internal/telemetry"
)

const (
	contentTypeJSON = "application/json"
	contentTypeCBOR = "application/cbor"
)

// Codec turns a batch into a request body.
type Codec struct {
	Encoding    string // "json" (default) or "cbor"
	Compression string // "", "none", "gzip" or "zstd"
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdErr  error
)

func sharedZstd() (*zstd.Encoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEnc, zstdErr
}

// ContentType returns the Content-Type header for encoded bodies.
func (c Codec) ContentType() string {
	if strings.EqualFold(c.Encoding, "cbor") {
		return contentTypeCBOR
	}
	return contentTypeJSON
}

// ContentEncoding returns the Content-Encoding header, or "" when uncompressed.
func (c Codec) ContentEncoding() string {
	switch strings.ToLower(c.Compression) {
	case "gzip", "zstd":
		return strings.ToLower(c.Compression)
	}
	return ""
}

// Encode serializes the batch. With unwrap set the batch must hold exactly one
// event, which is sent as a bare object.
func (c Codec) Encode(b *telemetry.Batch, unwrap bool) ([]byte, error) {
	if b.Empty() {
		return nil, fmt.Errorf("empty batch")
	}
	if unwrap && b.Len() != 1 {
		return nil, fmt.Errorf("unwrapped channel %s got a batch of %d events", b.Channel, b.Len())
	}

	var body []byte
	var err error
	if strings.EqualFold(c.Encoding, "cbor") {
		body, err = encodeCBOR(b, unwrap)
	} else {
		body, err = encodeJSON(b, unwrap)
	}
	if err != nil {
		return nil, err
	}
	return c.compress(body)
}

func encodeJSON(b *telemetry.Batch, unwrap bool) ([]byte, error) {
	if unwrap {
		p := b.Events[0].Payload
		if !json.Valid(p) {
			return nil, fmt.Errorf("event %d is not valid JSON", b.Events[0].Seq)
		}
		return p, nil
	}
	raw := make([]json.RawMessage, b.Len())
	for i, p := range b.Payloads() {
		raw[i] = p
	}
	body, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	return body, nil
}

func encodeCBOR(b *telemetry.Batch, unwrap bool) ([]byte, error) {
	items := make([]interface{}, b.Len())
	for i, e := range b.Events {
		if err := json.Unmarshal(e.Payload, &items[i]); err != nil {
			return nil, fmt.Errorf("event %d is not valid JSON: %w", e.Seq, err)
		}
	}
	var v interface{} = items
	if unwrap {
		v = items[0]
	}
	body, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch as CBOR: %w", err)
	}
	return body, nil
}

func (c Codec) compress(body []byte) ([]byte, error) {
	switch c.ContentEncoding() {
	case "gzip":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return buf.Bytes(), nil
	case "zstd":
		enc, err := sharedZstd()
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return enc.EncodeAll(body, make([]byte, 0, len(body)/2)), nil
	}
	return body, nil
}
