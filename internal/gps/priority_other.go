//go:build !linux

package gps

// lowerPriority is a no-op where per-thread niceness is unavailable.
func lowerPriority() error { return nil }
