package asyncmy

import (
	"log/slog"
	"time"
)

// StatsSink is the named interface through which statistics are consumed
// (spec.md §1's "statistics/logging sinks" external collaborator). The
// engine never aggregates or exports metrics itself; it only calls these
// hooks. internal/metrics provides a Prometheus-backed implementation.
type StatsSink interface {
	ConnectAttempt(key ConnectionKey, attempt int)
	ConnectSucceeded(key ConnectionKey, attempts int, d time.Duration)
	ConnectFailed(key ConnectionKey, attempts int, result OperationResult, d time.Duration)
	FetchRow(key ConnectionKey, bytes int)
	FetchCompleted(key ConnectionKey, queries int, result OperationResult, d time.Duration)
}

// NopStatsSink discards everything; it's the default when a Connection is
// constructed without an explicit sink.
type NopStatsSink struct{}

func (NopStatsSink) ConnectAttempt(ConnectionKey, int)                          {}
func (NopStatsSink) ConnectSucceeded(ConnectionKey, int, time.Duration)         {}
func (NopStatsSink) ConnectFailed(ConnectionKey, int, OperationResult, time.Duration) {}
func (NopStatsSink) FetchRow(ConnectionKey, int)                               {}
func (NopStatsSink) FetchCompleted(ConnectionKey, int, OperationResult, time.Duration) {}

var _ StatsSink = NopStatsSink{}

// Logger is the minimal structured-logging seam the root package's
// Connection and operations log through, matching the teacher's log/slog
// call shape
// (internal/pool/pool.go, internal/health/checker.go).
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// SlogLogger adapts *slog.Logger to Logger. NewSlogLogger(nil) uses
// slog.Default().
type SlogLogger struct{ L *slog.Logger }

func NewSlogLogger(l *slog.Logger) SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return SlogLogger{L: l}
}

func (s SlogLogger) Debug(msg string, kv ...any) { s.L.Debug(msg, kv...) }
func (s SlogLogger) Info(msg string, kv ...any)  { s.L.Info(msg, kv...) }
func (s SlogLogger) Warn(msg string, kv ...any)  { s.L.Warn(msg, kv...) }
func (s SlogLogger) Error(msg string, kv ...any) { s.L.Error(msg, kv...) }

var _ Logger = SlogLogger{}
