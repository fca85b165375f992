package cluster

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.NodeFailures.Inc()
	m.BusMessages.WithLabelValues("PING", "sent").Inc()
	m.Elections.WithLabelValues("won").Inc()
	m.BusDecodeErrs.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"cluster_bus_messages_total",
		"cluster_node_failures_total",
		"cluster_elections_total",
		"cluster_bus_decode_errors_total",
	} {
		if !names[want] {
			t.Errorf("Gather() missing expected metric family %q", want)
		}
	}
	if got := metricValue(t, reg, "cluster_node_failures_total"); got != 1 {
		t.Fatalf("cluster_node_failures_total = %v, want 1", got)
	}
}

func TestNewMetricsSeparateRegistriesDoNotCollide(t *testing.T) {
	// Two independent Cluster instances in the same process (as in tests)
	// must be able to each register their own metrics without panicking.
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			var sum float64
			for _, metric := range f.GetMetric() {
				sum += counterValue(metric)
			}
			return sum
		}
	}
	return 0
}

func counterValue(m *dto.Metric) float64 {
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue()
	}
	return 0
}
