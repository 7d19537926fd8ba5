// Package logger provides logging abstractions for quarry.
// It supports standard library log/slog and allows custom logger implementations.
package logger

import "log/slog"

// Logger defines the logging interface used by quarry.
// Implementations should handle structured logging with key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NoopLogger is a logger that does nothing. It is the default when no
// logger is configured.
type NoopLogger struct{}

func (n *NoopLogger) Debug(_ string, _ ...any) {}
func (n *NoopLogger) Info(_ string, _ ...any)  {}
func (n *NoopLogger) Warn(_ string, _ ...any)  {}
func (n *NoopLogger) Error(_ string, _ ...any) {}

// SlogAdapter wraps a *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a logger adapter wrapping an slog.Logger.
// The provided logger must not be nil.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

func (a *SlogAdapter) Debug(msg string, args ...any) { a.logger.Debug(msg, args...) }
func (a *SlogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *SlogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *SlogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
