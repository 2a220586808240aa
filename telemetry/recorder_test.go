package telemetry

import (
	"testing"

	"github.com/agentorch/agentorch/core"
	"github.com/stretchr/testify/assert"
)

func TestNewRecorder_RegistersAsGlobalRecorder(t *testing.T) {
	r := NewRecorder("agentcore-test")
	defer r.Shutdown()

	assert.Same(t, r, core.GlobalRecorder(), "NewRecorder must register itself via core.SetGlobalRecorder")
}

func TestRecorder_CounterGaugeHistogramDoNotPanic(t *testing.T) {
	r := NewRecorder("agentcore-test-instruments")
	defer r.Shutdown()

	assert.NotPanics(t, func() {
		r.Counter(MetricRouterRouted, "agent_id", "a1")
		r.Gauge("agentcore.router.inflight", 3, "agent_id", "a1")
		r.Histogram("agentcore.router.latency_ms", 12.5, "agent_id", "a1")
	})
}

func TestLabelAttributes_DropsTrailingUnpairedKey(t *testing.T) {
	attrs := labelAttributes([]string{"a", "1", "dangling"})
	assert.Len(t, attrs, 1)
}
