package telemetry

import (
	"context"

	"github.com/agentorch/agentorch/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder adapts MetricInstruments to core.Recorder so every package
// (router, resilience, eventhub, core/registry, safety) can emit counters,
// gauges, and histograms through the weak-coupling core.GlobalRecorder
// pattern without importing this package directly.
type Recorder struct {
	instruments *MetricInstruments
}

// NewRecorder builds a Recorder backed by an OTel meter named meterName and
// registers it as the process-wide core.Recorder via core.SetGlobalRecorder.
// Call once during process startup, before any component that records
// metrics is constructed — components built earlier still pick it up
// retroactively since core.GlobalRecorder() is read on every call, not cached.
func NewRecorder(meterName string) *Recorder {
	r := &Recorder{instruments: NewMetricInstruments(meterName)}
	core.SetGlobalRecorder(r)
	return r
}

func (r *Recorder) Counter(name string, labels ...string) {
	_ = r.instruments.RecordCounter(context.Background(), name, 1, metric.WithAttributes(labelAttributes(labels)...))
}

func (r *Recorder) Gauge(name string, value float64, labels ...string) {
	_ = r.instruments.RecordUpDownCounter(context.Background(), name, int64(value), metric.WithAttributes(labelAttributes(labels)...))
}

func (r *Recorder) Histogram(name string, value float64, labels ...string) {
	_ = r.instruments.RecordHistogram(context.Background(), name, value, metric.WithAttributes(labelAttributes(labels)...))
}

// Shutdown releases the instrument cache's observable-gauge callbacks.
func (r *Recorder) Shutdown() error { return r.instruments.Shutdown() }

// labelAttributes converts the key,value,key,value... varargs every
// core.Recorder method accepts into OTel attributes, dropping a trailing
// unpaired key rather than panicking on it.
func labelAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

var _ core.Recorder = (*Recorder)(nil)
