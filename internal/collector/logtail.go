package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"telemetryagent/internal/config"
	"telemetryagent/internal/logger"
	"telemetryagent/internal/telemetry"
)

// readChunk is the read size used while tailing.
const readChunk = 32 * 1024

// LogSource tails an application log file and assembles multiline records.
type LogSource struct {
	BaseSource
	cfg        config.LogSourceConfig
	serverName string
	clock      clock.Clock
	log        zerolog.Logger

	file      *os.File
	info      os.FileInfo
	offset    int64
	fromStart bool // next open reads from the beginning (after rotation)
	waiting   bool // file missing, already logged

	line      []byte // incomplete trailing line
	lineOver  bool   // current line exceeded MaxLineBytes
	pending   *logRecord
	lastInput int64 // clock time of the last line, unix nanos

	watcher  *fsnotify.Watcher
	wake     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewLogSource creates a tailer for cfg.Path. File change notifications are
// used when available; polling at cfg.PollInterval is the fallback.
func NewLogSource(cfg config.LogSourceConfig, serverName string, clk clock.Clock) *LogSource {
	if clk == nil {
		clk = clock.New()
	}
	s := &LogSource{
		BaseSource: NewBaseSource("logtail", telemetry.Log, cfg.PollInterval),
		cfg:        cfg,
		serverName: serverName,
		clock:      clk,
		log:        logger.WithComponent("logtail"),
		fromStart:  !cfg.StartAtEnd,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.startWatcher()
	return s
}

// Wake signals writes to the tailed file.
func (s *LogSource) Wake() <-chan struct{} {
	return s.wake
}

func (s *LogSource) startWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn().Err(err).Msg("File notifications unavailable, polling only")
		return
	}
	dir := filepath.Dir(s.cfg.Path)
	if err := w.Add(dir); err != nil {
		w.Close()
		s.log.Warn().Err(err).Str("dir", dir).Msg("Cannot watch log directory, polling only")
		return
	}
	s.watcher = w
	go s.watchLoop()
}

func (s *LogSource) watchLoop() {
	defer close(s.done)
	target := filepath.Clean(s.cfg.Path)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			select {
			case s.wake <- struct{}{}:
			default:
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Debug().Err(err).Msg("File watcher error")
		}
	}
}

// Close stops the watcher and releases the file.
func (s *LogSource) Close() error {
	s.stopOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Close()
			<-s.done
		}
		if s.file != nil {
			s.file.Close()
			s.file = nil
		}
	})
	return nil
}

// Collect reads new lines and returns the records completed since the last call.
func (s *LogSource) Collect(ctx context.Context) ([][]byte, error) {
	var out [][]byte

	if s.file == nil {
		opened, err := s.open()
		if err != nil || !opened {
			out = s.flushIdle(out)
			return out, err
		}
	}

	n, err := s.readAvailable(ctx, &out)
	if err != nil {
		return out, err
	}

	if n == 0 {
		rotated, err := s.checkRotation()
		if err != nil {
			return out, err
		}
		if rotated {
			return s.Flush(), nil
		}
	}

	out = s.flushIdle(out)
	return out, nil
}

// Flush finalizes any record still being assembled, including an unterminated last line.
func (s *LogSource) Flush() [][]byte {
	var out [][]byte
	if len(s.line) > 0 {
		out = s.consumeLine(s.line, out)
		s.line = s.line[:0]
		s.lineOver = false
	}
	return s.finalize(out)
}

// open opens the file. It returns false without error while the file does not exist.
func (s *LogSource) open() (bool, error) {
	f, err := os.Open(s.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		// a file created after startup is new content in full
		s.fromStart = true
		if !s.waiting {
			s.log.Info().Str("path", s.cfg.Path).Msg("Log file not ready, waiting")
			s.waiting = true
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return false, fmt.Errorf("failed to stat log file: %w", err)
	}

	var offset int64
	if !s.fromStart {
		offset, err = f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return false, fmt.Errorf("failed to seek log file: %w", err)
		}
	}

	s.file, s.info, s.offset = f, info, offset
	s.fromStart = true
	s.waiting = false
	s.line = s.line[:0]
	s.lineOver = false
	s.log.Info().
		Str("path", s.cfg.Path).
		Int64("offset", offset).
		Msg("Tailing log file")
	return true, nil
}

// readAvailable consumes everything currently readable and returns the byte count.
func (s *LogSource) readAvailable(ctx context.Context, out *[][]byte) (int, error) {
	buf := make([]byte, readChunk)
	total := 0
	for ctx.Err() == nil {
		n, err := s.file.Read(buf)
		if n > 0 {
			total += n
			s.offset += int64(n)
			*out = s.feed(buf[:n], *out)
		}
		if err == io.EOF || n == 0 {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("failed to read log file: %w", err)
		}
	}
	return total, nil
}

// feed splits data into lines. Bytes beyond MaxLineBytes are discarded per line.
func (s *LogSource) feed(data []byte, out [][]byte) [][]byte {
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		chunk := data
		if i >= 0 {
			chunk = data[:i]
		}
		if !s.lineOver {
			room := s.cfg.MaxLineBytes - len(s.line)
			if len(chunk) > room {
				s.line = append(s.line, truncateUTF8(string(chunk), room)...)
				s.lineOver = true
			} else {
				s.line = append(s.line, chunk...)
			}
		}
		if i < 0 {
			return out
		}
		out = s.consumeLine(s.line, out)
		s.line = s.line[:0]
		s.lineOver = false
		data = data[i+1:]
	}
	return out
}

// consumeLine applies one complete line to the record being assembled.
func (s *LogSource) consumeLine(raw []byte, out [][]byte) [][]byte {
	line := redact(truncateUTF8(string(bytes.TrimRight(raw, "\r")), s.cfg.MaxLineBytes))
	now := s.clock.Now()
	s.lastInput = now.UnixNano()

	if isRecordStart(line) {
		out = s.finalize(out)
		ts, level := parseHeader(line, now)
		s.pending = &logRecord{ts: ts, level: level}
		s.pending.message.WriteString(line)
		return out
	}

	if s.pending == nil {
		// continuation without a header, e.g. when starting mid-record
		s.pending = &logRecord{ts: now.UnixMilli(), level: "INFO"}
		s.pending.message.WriteString(line)
		return out
	}
	if s.pending.message.Len() <= s.cfg.MaxEventBytes {
		s.pending.message.WriteByte('\n')
		s.pending.message.WriteString(line)
	}
	return out
}

// checkRotation detects a replaced, removed or truncated file. The old handle is
// closed and the next Collect reopens the path from the beginning.
func (s *LogSource) checkRotation() (bool, error) {
	info, err := os.Stat(s.cfg.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.log.Info().Str("path", s.cfg.Path).Msg("Log file removed, waiting for it to reappear")
	case err != nil:
		return false, fmt.Errorf("failed to stat log file: %w", err)
	case !os.SameFile(info, s.info):
		s.log.Info().Str("path", s.cfg.Path).Msg("Log file rotated")
	case info.Size() < s.offset:
		s.log.Info().
			Str("path", s.cfg.Path).
			Int64("size", info.Size()).
			Int64("offset", s.offset).
			Msg("Log file truncated")
	default:
		return false, nil
	}

	s.file.Close()
	s.file = nil
	s.fromStart = true
	return true, nil
}

// flushIdle finalizes the pending record after FlushInterval without new lines.
func (s *LogSource) flushIdle(out [][]byte) [][]byte {
	if s.pending == nil {
		return out
	}
	if s.clock.Now().UnixNano()-s.lastInput < int64(s.cfg.FlushInterval) {
		return out
	}
	return s.finalize(out)
}

// finalize serializes the pending record, if any, and appends it to out.
func (s *LogSource) finalize(out [][]byte) [][]byte {
	rec := s.pending
	if rec == nil {
		return out
	}
	s.pending = nil

	msg := rec.message.String()
	if len(msg) > s.cfg.MaxEventBytes {
		msg = truncateUTF8(msg, s.cfg.MaxEventBytes) + truncatedSuffix
	}

	payload, err := json.Marshal(logPayload{
		ServerName: s.serverName,
		TS:         rec.ts,
		Level:      rec.level,
		Message:    msg,
		EventID:    eventID(s.serverName, rec.ts, prefixRunes(msg, eventIDPrefixRunes)),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode log record")
		return out
	}
	return append(out, payload)
}
