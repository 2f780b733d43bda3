// Package loggingutil provides shared pslog helpers so callers never have to
// nil-check loggers.
package loggingutil

import (
	"context"
	"io"
	"sync"

	"pkt.systems/pslog"
)

var (
	noOnce   sync.Once
	noLogger pslog.Logger
)

// NoopLogger returns a disabled pslog.Logger that discards all entries.
func NoopLogger() pslog.Logger {
	noOnce.Do(func() {
		noLogger = pslog.NewWithOptions(context.Background(), io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noLogger
}

// EnsureLogger returns l when non-nil, otherwise it returns a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// WithSubsystem tags every entry from the returned logger with a sys field.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	return EnsureLogger(logger).With("sys", subsystem)
}
