//go:build !windows
// +build !windows

package service

// ReportStartupError is a no-op outside Windows.
func ReportStartupError(err error) {}
