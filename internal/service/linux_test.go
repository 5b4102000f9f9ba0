//go:build !windows
// +build !windows

package service

import (
	"context"
	"syscall"
	"testing"
	"time"

	"telemetryagent/internal/logger"
)

func init() {
	_ = logger.Init(logger.Config{Level: "disabled"})
}

func TestLinuxService_ReturnsRunFuncExitCode(t *testing.T) {
	svc := NewService(func(ctx context.Context) int { return 7 })
	if code := svc.Run(context.Background()); code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
}

func TestLinuxService_StopCancelsRunFunc(t *testing.T) {
	started := make(chan struct{})
	svc := NewService(func(ctx context.Context) int {
		close(started)
		<-ctx.Done()
		return 0
	})

	done := make(chan int, 1)
	go func() { done <- svc.Run(context.Background()) }()

	<-started
	svc.Stop()
	svc.Stop()

	select {
	case code := <-done:
		if code != 0 {
			t.Errorf("exit code = %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestLinuxService_SignalTriggersShutdown(t *testing.T) {
	started := make(chan struct{})
	svc := NewService(func(ctx context.Context) int {
		close(started)
		<-ctx.Done()
		return 1
	})

	done := make(chan int, 1)
	go func() { done <- svc.Run(context.Background()) }()

	<-started
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}

	select {
	case code := <-done:
		if code != 1 {
			t.Errorf("exit code = %d, want the run function's code", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after SIGTERM")
	}
}
