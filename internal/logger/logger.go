// Package logger provides structured logging with file rotation support.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// asyncWriter wraps an io.Writer to make writes non-blocking.
// Messages are buffered and delivered by a background goroutine.
// If the buffer is full, messages are dropped.
type asyncWriter struct {
	ch     chan []byte
	w      io.Writer
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

func newAsyncWriter(w io.Writer, bufSize int) *asyncWriter {
	aw := &asyncWriter{
		ch:   make(chan []byte, bufSize),
		w:    w,
		done: make(chan struct{}),
	}
	go aw.drain()
	return aw
}

func (aw *asyncWriter) Write(p []byte) (int, error) {
	aw.mu.RLock()
	defer aw.mu.RUnlock()
	if aw.closed {
		return len(p), nil
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case aw.ch <- cp:
	default:
	}
	return len(p), nil
}

func (aw *asyncWriter) drain() {
	defer close(aw.done)
	for p := range aw.ch {
		aw.w.Write(p)
	}
}

// closeWait bounds how long Close waits for buffered lines to reach the sink.
var closeWait = 2 * time.Second

// Close stops accepting writes and waits up to closeWait for the buffer to
// drain. A sink that stays blocked keeps the drain goroutine but not the caller.
func (aw *asyncWriter) Close() {
	aw.once.Do(func() {
		aw.mu.Lock()
		aw.closed = true
		aw.mu.Unlock()
		close(aw.ch)
	})
	t := time.NewTimer(closeWait)
	defer t.Stop()
	select {
	case <-aw.done:
	case <-t.C:
	}
}

// Config holds the logger configuration (Logging.json).
type Config struct {
	Level      string `json:"Level" mapstructure:"Level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	Format     string `json:"Format" mapstructure:"Format" validate:"omitempty,oneof=json fixed"`
	FilePath   string `json:"FilePath" mapstructure:"FilePath"`
	MaxSizeMB  int    `json:"MaxSizeMB" mapstructure:"MaxSizeMB" validate:"gte=0"`
	MaxBackups int    `json:"MaxBackups" mapstructure:"MaxBackups" validate:"gte=0"`
	MaxAgeDays int    `json:"MaxAgeDays" mapstructure:"MaxAgeDays" validate:"gte=0"`
	Compress   bool   `json:"Compress" mapstructure:"Compress"`
	Console    bool   `json:"Console" mapstructure:"Console"`
}

// DefaultConfig returns sensible defaults for logging.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		FilePath:   "log/TelemetryAgent/agent.log",
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Compress:   true,
		Console:    true,
	}
}

var (
	mu               sync.Mutex
	globalLogger     = zerolog.New(os.Stdout).With().Timestamp().Logger()
	serviceMode      bool
	prevFileWriter   io.Closer
	prevConsoleAsync *asyncWriter
)

// SetServiceMode suppresses console output when the process has no usable stdout.
func SetServiceMode(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	serviceMode = enabled
}

// Init initializes the global logger with the given configuration.
// It may be called again to apply a reloaded configuration.
func Init(cfg Config) error {
	mu.Lock()
	oldFile, oldConsole := prevFileWriter, prevConsoleAsync
	prevFileWriter, prevConsoleAsync = nil, nil
	err := initLocked(cfg)
	mu.Unlock()

	closeWriters(oldFile, oldConsole)
	return err
}

func initLocked(cfg Config) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var writers []io.Writer

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return err
		}

		fileWriter := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		prevFileWriter = fileWriter

		if cfg.Format == "fixed" {
			writers = append(writers, NewFixedFormatWriter(fileWriter))
		} else {
			writers = append(writers, fileWriter)
		}
	}

	// Console output is async so a blocked stdout never stalls the pipelines.
	if cfg.Console && !serviceMode {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		aw := newAsyncWriter(consoleWriter, 1000)
		prevConsoleAsync = aw
		writers = append(writers, aw)
	}

	var output io.Writer
	switch len(writers) {
	case 0:
		output = io.Discard
	case 1:
		output = writers[0]
	default:
		output = zerolog.MultiLevelWriter(writers...)
	}

	globalLogger = zerolog.New(output).With().Timestamp().Caller().Logger()
	return nil
}

// Close flushes and releases the current writers.
func Close() {
	mu.Lock()
	oldFile, oldConsole := prevFileWriter, prevConsoleAsync
	prevFileWriter, prevConsoleAsync = nil, nil
	globalLogger = zerolog.New(io.Discard)
	mu.Unlock()

	closeWriters(oldFile, oldConsole)
}

// closeWriters runs without mu held so a stalled console cannot block logging.
func closeWriters(file io.Closer, console *asyncWriter) {
	if console != nil {
		console.Close()
	}
	if file != nil {
		file.Close()
	}
}

// Logger returns the global logger instance.
func Logger() *zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	l := globalLogger
	return &l
}

// Debug starts a debug-level event on the global logger.
func Debug() *zerolog.Event {
	return Logger().Debug()
}

// Info starts an info-level event on the global logger.
func Info() *zerolog.Event {
	return Logger().Info()
}

// Warn starts a warn-level event on the global logger.
func Warn() *zerolog.Event {
	return Logger().Warn()
}

// Error starts an error-level event on the global logger.
func Error() *zerolog.Event {
	return Logger().Error()
}

// WithComponent returns a logger with component field.
func WithComponent(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return globalLogger.With().Str("component", component).Logger()
}
