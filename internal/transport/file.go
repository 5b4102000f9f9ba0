package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"telemetryagent/internal/config"
	"telemetryagent/internal/logger"
	"telemetryagent/internal/telemetry"
)

// fileRecord is one JSONL line written by FileTransport.
type fileRecord struct {
	Channel string          `json:"channel"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// FileTransport appends batches to a rotating JSONL file. Useful for dry runs
// and for hosts without a reachable collector.
type FileTransport struct {
	writer *lumberjack.Logger

	mu     sync.Mutex
	closed bool
}

// NewFile creates a file transport with the given rotation settings.
func NewFile(cfg config.FileConfig) (*FileTransport, error) {
	log := logger.WithComponent("file-transport")

	dir := filepath.Dir(cfg.FilePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	writer := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}

	log.Info().
		Str("file_path", cfg.FilePath).
		Int("max_size_mb", cfg.MaxSizeMB).
		Msg("File transport initialized")

	return &FileTransport{writer: writer}, nil
}

// Send writes every event of the batch as one line. The batch is written in a single
// Write call so a rotation never splits it.
func (t *FileTransport) Send(ctx context.Context, batch *telemetry.Batch) (Attempt, error) {
	start := time.Now()
	att := Attempt{Tries: 1}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		att.Class = Fatal
		return att, failure(Fatal, 0, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		att.Class = Retriable
		return att, failure(Retriable, 0, err)
	}

	var buf bytes.Buffer
	buf.Grow(batch.Size() + batch.Len()*48)
	enc := json.NewEncoder(&buf)
	for _, e := range batch.Events {
		rec := fileRecord{Channel: batch.Channel.String(), Seq: e.Seq, Payload: e.Payload}
		if err := enc.Encode(rec); err != nil {
			att.Class = Fatal
			return att, failure(Fatal, 0, fmt.Errorf("event %d: %w", e.Seq, err))
		}
	}

	if _, err := t.writer.Write(buf.Bytes()); err != nil {
		att.Class = Retriable
		att.Elapsed = time.Since(start)
		return att, failure(Retriable, 0, fmt.Errorf("failed to write to file: %w", err))
	}

	att.Class = Success
	att.Elapsed = time.Since(start)
	return att, nil
}

// Close releases the file handle.
func (t *FileTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.writer.Close()
}
