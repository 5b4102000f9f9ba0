// Package service provides platform-specific service integration.
package service

import "context"

// Name is the service and event source name.
const Name = "TelemetryAgent"

// ExitForced is returned when a second stop request interrupts shutdown.
const ExitForced = 1

// Service defines the interface for platform-specific service management.
type Service interface {
	// Run starts the service. It blocks until the service is stopped and
	// returns the process exit code.
	Run(ctx context.Context) int

	// Stop requests the service to stop.
	Stop() error

	// IsService returns true if running as a system service.
	IsService() bool
}

// RunFunc is the main function that runs the agent logic. It returns the
// process exit code once ctx is cancelled and shutdown completes.
type RunFunc func(ctx context.Context) int
