// Package collector reads local telemetry sources and turns them into sequenced events.
package collector

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"telemetryagent/internal/telemetry"
)

// Source reads one local telemetry source.
type Source interface {
	// Name returns the identifier used in logs.
	Name() string

	// Channel returns the channel the source feeds.
	Channel() telemetry.Channel

	// Interval returns the polling interval.
	Interval() time.Duration

	// Collect reads whatever the source has produced since the last call and
	// returns one serialized JSON payload per record.
	Collect(ctx context.Context) ([][]byte, error)
}

// Waker is implemented by sources that can signal new data before the next poll.
type Waker interface {
	Wake() <-chan struct{}
}

// Flusher is implemented by sources that hold partially assembled records.
// Flush returns them when the poller stops.
type Flusher interface {
	Flush() [][]byte
}

// BaseSource provides the common Source accessors.
type BaseSource struct {
	name     string
	channel  telemetry.Channel
	interval time.Duration
}

// NewBaseSource creates a BaseSource.
func NewBaseSource(name string, ch telemetry.Channel, interval time.Duration) BaseSource {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return BaseSource{name: name, channel: ch, interval: interval}
}

// Name returns the source name.
func (b *BaseSource) Name() string {
	return b.name
}

// Channel returns the channel fed by the source.
func (b *BaseSource) Channel() telemetry.Channel {
	return b.channel
}

// Interval returns the polling interval.
func (b *BaseSource) Interval() time.Duration {
	return b.interval
}

// eventID is the tracing identifier attached to every payload:
// sha1("serverName|ts|discriminator") in hex.
func eventID(serverName string, ts int64, discriminator string) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%d|%s", serverName, ts, discriminator)))
	return hex.EncodeToString(sum[:])
}
