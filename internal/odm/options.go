package odm

import (
	"context"
	"time"

	"github.com/deicod/odm/internal/observability/metrics"
	"github.com/deicod/odm/internal/observability/tracing"
)

// FlushLog describes the structured payload emitted after every flush.
type FlushLog struct {
	Inserts     int
	Updates     int
	Deletes     int
	Collections []string
	// Changes lists the changed stored fields of every updated document, keyed by
	// "class#id".
	Changes  map[string][]string
	Duration time.Duration
	Err      error
}

// Logger receives flush events.
type Logger interface {
	LogFlush(ctx context.Context, entry FlushLog)
}

// LoggerFunc adapts plain functions to Logger.
type LoggerFunc func(context.Context, FlushLog)

// LogFlush implements Logger.
func (fn LoggerFunc) LogFlush(ctx context.Context, entry FlushLog) {
	if fn == nil {
		return
	}
	fn(ctx, entry)
}

// Option configures a DocumentManager.
type Option func(*DocumentManager)

// WithLogger emits a FlushLog after each flush.
func WithLogger(logger Logger) Option {
	return func(dm *DocumentManager) {
		dm.logger = logger
	}
}

// WithCollector records flush and proxy load metrics.
func WithCollector(collector metrics.Collector) Option {
	return func(dm *DocumentManager) {
		dm.collector = metrics.WithCollector(collector)
	}
}

// WithTracer wraps flushes and proxy loads in spans, fanning out to every tracer given.
func WithTracer(tracers ...tracing.Tracer) Option {
	return func(dm *DocumentManager) {
		dm.tracer = tracing.Join(tracers...)
	}
}
