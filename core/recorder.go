package core

import (
	"context"
	"sync"
)

// Recorder is the opaque metrics/logging collaborator named in SPEC_FULL.md
// §1 and used by every component for counters, gauges, and histograms. It is
// intentionally narrow (no span API) — tracing is handled separately by
// Telemetry so a component that only needs counters does not have to carry a
// tracer dependency.
type Recorder interface {
	Counter(name string, labels ...string)
	Gauge(name string, value float64, labels ...string)
	Histogram(name string, value float64, labels ...string)
}

// NoOpRecorder discards everything. Safe default for tests and for any
// constructor that accepts an optional Recorder.
type NoOpRecorder struct{}

func (NoOpRecorder) Counter(name string, labels ...string)           {}
func (NoOpRecorder) Gauge(name string, value float64, labels ...string)     {}
func (NoOpRecorder) Histogram(name string, value float64, labels ...string) {}

// Telemetry is the optional tracing collaborator. A component takes this
// only when it creates spans around suspension points (SPEC_FULL.md §5).
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Span represents a telemetry span.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// NoOpTelemetry is the safe default Telemetry implementation.
type NoOpTelemetry struct{}

func (NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noOpSpan{}
}

type noOpSpan struct{}

func (noOpSpan) End()                                       {}
func (noOpSpan) SetAttribute(key string, value interface{}) {}
func (noOpSpan) RecordError(err error)                      {}

// ============================================================================
// Weak-coupling global registry pattern
// ============================================================================
//
// The telemetry package implements Recorder over OpenTelemetry and registers
// itself here during initialization, exactly as core/interfaces.go's
// MetricsRegistry pattern does in the teacher: framework internals (registry,
// router, breaker, hub) can emit metrics without an import cycle back to the
// telemetry package, and components constructed before telemetry.NewRecorder runs
// still pick up metrics retroactively.

var (
	globalRecorder   Recorder
	globalRecorderMu sync.RWMutex
)

// SetGlobalRecorder is called by the telemetry package once it has built its
// OTel-backed Recorder.
func SetGlobalRecorder(r Recorder) {
	globalRecorderMu.Lock()
	defer globalRecorderMu.Unlock()
	globalRecorder = r
}

// GlobalRecorder returns the process-wide Recorder, or NoOpRecorder if the
// telemetry package has not registered one yet.
func GlobalRecorder() Recorder {
	globalRecorderMu.RLock()
	defer globalRecorderMu.RUnlock()
	if globalRecorder == nil {
		return NoOpRecorder{}
	}
	return globalRecorder
}
