//go:build windows
// +build windows

package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/windows/svc"

	"telemetryagent/internal/logger"
)

// stopWait bounds how long the SCM stop handler waits for the drain.
const stopWait = 60 * time.Second

// WindowsService implements the Windows service interface.
type WindowsService struct {
	runFunc  RunFunc
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	stopped  bool
	exitCode int
}

// NewService creates a new platform-specific service.
func NewService(runFunc RunFunc) Service {
	return &WindowsService{
		runFunc: runFunc,
	}
}

// Run starts the service.
func (s *WindowsService) Run(ctx context.Context) int {
	if !s.IsService() {
		return s.runFunc(ctx)
	}

	if err := svc.Run(Name, s); err != nil {
		log := logger.WithComponent("service")
		log.Error().Err(err).Msg("Service dispatcher failed")
		return ExitForced
	}
	return s.exitCode
}

// Stop requests the service to stop.
func (s *WindowsService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil && !s.stopped {
		s.stopped = true
		s.cancel()
	}
	return nil
}

// IsService returns true if running as a Windows service.
func (s *WindowsService) IsService() bool {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return isService
}

// Execute implements the svc.Handler interface.
func (s *WindowsService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (svcSpecificEC bool, exitCode uint32) {
	log := logger.WithComponent("service")

	const acceptedCommands = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	done := make(chan int, 1)
	go func() {
		done <- s.runFunc(s.ctx)
	}()

	changes <- svc.Status{State: svc.Running, Accepts: acceptedCommands}
	log.Info().Msg("Windows service started")

	for {
		select {
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
				time.Sleep(100 * time.Millisecond)
				changes <- c.CurrentStatus

			case svc.Stop, svc.Shutdown:
				log.Info().Msg("Received stop signal from Windows service control")
				changes <- svc.Status{State: svc.StopPending}
				s.Stop()

				select {
				case s.exitCode = <-done:
				case <-time.After(stopWait):
					log.Warn().Msg("Timeout waiting for service to stop")
					s.exitCode = ExitForced
				}

				changes <- svc.Status{State: svc.Stopped}
				return s.exitCode != 0, uint32(s.exitCode)

			default:
				log.Warn().Int("cmd", int(c.Cmd)).Msg("Unexpected service control command")
			}

		case s.exitCode = <-done:
			if s.exitCode != 0 {
				log.Error().Int("exit_code", s.exitCode).Msg("Service run function exited with failure")
			}
			changes <- svc.Status{State: svc.Stopped}
			return s.exitCode != 0, uint32(s.exitCode)
		}
	}
}
