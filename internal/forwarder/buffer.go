package forwarder

import "telemetryagent/internal/telemetry"

// RetryBuffer is a FIFO of sealed batches bounded by total payload bytes.
// It is owned by a single forwarder goroutine and is not safe for concurrent use.
type RetryBuffer struct {
	capBytes int
	bytes    int
	batches  []*telemetry.Batch
}

// NewRetryBuffer creates a buffer holding at most capBytes payload bytes.
func NewRetryBuffer(capBytes int) *RetryBuffer {
	return &RetryBuffer{capBytes: capBytes}
}

// Push appends b and evicts the oldest batches until the buffer fits its cap.
// The evicted batches are returned oldest first; b itself is evicted when it
// alone exceeds the cap.
func (r *RetryBuffer) Push(b *telemetry.Batch) []*telemetry.Batch {
	r.batches = append(r.batches, b)
	r.bytes += b.Size()

	var evicted []*telemetry.Batch
	for r.bytes > r.capBytes && len(r.batches) > 0 {
		evicted = append(evicted, r.Pop())
	}
	return evicted
}

// Head returns the oldest batch without removing it, or nil.
func (r *RetryBuffer) Head() *telemetry.Batch {
	if len(r.batches) == 0 {
		return nil
	}
	return r.batches[0]
}

// Pop removes and returns the oldest batch, or nil.
func (r *RetryBuffer) Pop() *telemetry.Batch {
	if len(r.batches) == 0 {
		return nil
	}
	b := r.batches[0]
	r.batches[0] = nil
	r.batches = r.batches[1:]
	r.bytes -= b.Size()
	return b
}

// Len returns the number of buffered batches.
func (r *RetryBuffer) Len() int { return len(r.batches) }

// Bytes returns the buffered payload bytes.
func (r *RetryBuffer) Bytes() int { return r.bytes }

// Events returns the number of buffered events.
func (r *RetryBuffer) Events() int {
	n := 0
	for _, b := range r.batches {
		n += b.Len()
	}
	return n
}
