// Package transport delivers sealed batches to the remote collector and classifies the outcome.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"telemetryagent/internal/telemetry"
)

// Class is the outcome category of a delivery attempt.
type Class int

const (
	// Success means the collector accepted the batch.
	Success Class = iota
	// Retriable means the same batch may succeed later.
	Retriable
	// Fatal means resending the batch unchanged will never succeed.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Retriable:
		return "retriable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport is closed")

// Attempt describes one batch-level delivery call.
type Attempt struct {
	Class      Class
	Tries      int // connection-level tries within this call
	Elapsed    time.Duration
	StatusCode int // HTTP status, 0 when no response was received
}

// Error is returned for every failed Send. Inspect it with errors.As.
type Error struct {
	Class      Class
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery failure (HTTP %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery failure: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf returns the class carried by err. Untyped errors count as retriable;
// nil is a success.
func ClassOf(err error) Class {
	if err == nil {
		return Success
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Class
	}
	return Retriable
}

// Transport sends batches to the remote sink. Implementations are safe for
// concurrent use by all channel forwarders.
type Transport interface {
	// Send delivers one batch. A non-nil error is always a *Error.
	Send(ctx context.Context, batch *telemetry.Batch) (Attempt, error)

	// Close releases any resources held by the transport.
	Close() error
}

// ClassifyStatus maps an HTTP status code onto a delivery class.
func ClassifyStatus(code int) Class {
	switch {
	case code >= 200 && code < 300:
		return Success
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return Retriable
	case code >= 500:
		return Retriable
	default:
		return Fatal
	}
}

// isNetworkError reports whether err is a connection failure worth a quick reconnect.
// Timeouts are left to the batch-level retry.
func isNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return !netErr.Timeout()
	}
	return false
}

func failure(class Class, status int, err error) *Error {
	return &Error{Class: class, StatusCode: status, Err: err}
}
