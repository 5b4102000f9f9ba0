// Package telemetry defines the events and batches that flow from collectors to the remote collector endpoint.
package telemetry

import (
	"fmt"
	"time"
)

// Channel identifies one of the independent telemetry pipelines.
type Channel int

const (
	// Log carries tailed application log records.
	Log Channel = iota
	// Metric carries periodic metric snapshots.
	Metric
	// Health carries health probe results.
	Health
)

// Channels lists every channel in pipeline start order.
var Channels = []Channel{Log, Metric, Health}

// String returns the lowercase channel name used in config keys, logs and metric labels.
func (c Channel) String() string {
	switch c {
	case Log:
		return "log"
	case Metric:
		return "metric"
	case Health:
		return "health"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Event is a single unit of telemetry. Events are immutable once created.
type Event struct {
	Channel   Channel
	Seq       uint64
	Timestamp time.Time
	Payload   []byte // serialized JSON object
}

// Size returns the payload size in bytes.
func (e Event) Size() int {
	return len(e.Payload)
}

// Batch is an ordered run of events from a single channel, delivered in one request.
type Batch struct {
	Channel  Channel
	Events   []Event
	Created  time.Time
	Attempts int // batch-level delivery attempts so far

	bytes int
}

// NewBatch creates an empty batch for the given channel.
func NewBatch(ch Channel, created time.Time) *Batch {
	return &Batch{Channel: ch, Created: created}
}

// Add appends an event. Events must arrive in sequence order.
func (b *Batch) Add(e Event) {
	b.Events = append(b.Events, e)
	b.bytes += e.Size()
}

// Len returns the number of events in the batch.
func (b *Batch) Len() int {
	return len(b.Events)
}

// Size returns the summed payload size of all events in bytes.
func (b *Batch) Size() int {
	return b.bytes
}

// Empty reports whether the batch holds no events.
func (b *Batch) Empty() bool {
	return len(b.Events) == 0
}

// FirstSeq returns the sequence number of the first event, or 0 for an empty batch.
func (b *Batch) FirstSeq() uint64 {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[0].Seq
}

// LastSeq returns the sequence number of the last event, or 0 for an empty batch.
func (b *Batch) LastSeq() uint64 {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[len(b.Events)-1].Seq
}

// Payloads returns the raw payloads in order.
func (b *Batch) Payloads() [][]byte {
	out := make([][]byte, len(b.Events))
	for i, e := range b.Events {
		out[i] = e.Payload
	}
	return out
}
