package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RunsProcessed.WithLabelValues("done").Inc()
	m.RunsProcessed.WithLabelValues("failed").Inc()
	m.RunsProcessed.WithLabelValues("done").Inc()

	expected := `
		# HELP relay_runs_processed_total Processing passes by outcome.
		# TYPE relay_runs_processed_total counter
		relay_runs_processed_total{outcome="done"} 2
		relay_runs_processed_total{outcome="failed"} 1
	`
	if err := testutil.CollectAndCompare(m.RunsProcessed, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestQueueDepthGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.QueueDepth.Set(3)
	if got := testutil.ToFloat64(m.QueueDepth); got != 3 {
		t.Errorf("queue depth = %v, want 3", got)
	}

	m.QueueDepth.Set(0)
	if got := testutil.ToFloat64(m.QueueDepth); got != 0 {
		t.Errorf("queue depth = %v, want 0", got)
	}
}

func TestNopMetricsDoNotTouchDefaultRegistry(t *testing.T) {
	// Two Nop instances must not collide, which they would if either
	// registered with the default registerer.
	a := Nop()
	b := Nop()

	a.FramesDeduped.Inc()
	b.FramesDeduped.Inc()
	b.FramesDeduped.Inc()

	if got := testutil.ToFloat64(a.FramesDeduped); got != 1 {
		t.Errorf("first instance counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.FramesDeduped); got != 2 {
		t.Errorf("second instance counter = %v, want 2", got)
	}
}
