package panmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	panmetrics "github.com/Akhil-Chaturvedi/TinyPAN/internal/metrics"
)

const peer = "AA:BB:CC:DD:EE:FF"

// gather collects a named metric family from the registry, failing the
// test when it is absent.
func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}

func TestCollectorRegistersAllMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := panmetrics.NewCollector(reg)

	c.SetSupervisorState(peer, 5)
	c.RecordStateTransition(peer, "Dhcp", "Online")
	c.IncReconnectAttempts(peer)
	c.AddTraffic(peer, panmetrics.DirectionOut, 3, 420)
	c.AddEncapsulations(peer, panmetrics.PathFast, 2)
	c.AddTxDropped(peer, 1)
	c.SetTxQueueDepth(peer, 4)

	wantFamilies := []string{
		"tinypan_pan_supervisor_state",
		"tinypan_pan_state_transitions_total",
		"tinypan_pan_reconnect_attempts_total",
		"tinypan_pan_frames_total",
		"tinypan_pan_bytes_total",
		"tinypan_pan_tx_encapsulations_total",
		"tinypan_pan_tx_dropped_total",
		"tinypan_pan_tx_queue_depth",
	}
	for _, name := range wantFamilies {
		gather(t, reg, name)
	}
}

func TestStateGaugeAndTransitions(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := panmetrics.NewCollector(reg)

	c.SetSupervisorState(peer, 2)
	c.SetSupervisorState(peer, 5)

	mf := gather(t, reg, "tinypan_pan_supervisor_state")
	if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 5 {
		t.Errorf("supervisor_state = %v, want 5", got)
	}

	c.RecordStateTransition(peer, "Connecting", "BnepSetup")
	c.RecordStateTransition(peer, "Connecting", "BnepSetup")

	mf = gather(t, reg, "tinypan_pan_state_transitions_total")
	m := mf.GetMetric()[0]
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("state_transitions_total = %v, want 2", got)
	}
	labels := map[string]string{}
	for _, lp := range m.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	if labels["from_state"] != "Connecting" || labels["to_state"] != "BnepSetup" {
		t.Errorf("labels = %v", labels)
	}
}

func TestTrafficCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := panmetrics.NewCollector(reg)

	c.AddTraffic(peer, panmetrics.DirectionOut, 2, 100)
	c.AddTraffic(peer, panmetrics.DirectionOut, 1, 50)
	c.AddTraffic(peer, panmetrics.DirectionIn, 4, 800)

	frames := gather(t, reg, "tinypan_pan_frames_total")
	if len(frames.GetMetric()) != 2 {
		t.Fatalf("frames_total has %d series, want 2", len(frames.GetMetric()))
	}
	total := 0.0
	for _, m := range frames.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	if total != 7 {
		t.Errorf("frames_total sum = %v, want 7", total)
	}

	bytes := gather(t, reg, "tinypan_pan_bytes_total")
	total = 0
	for _, m := range bytes.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	if total != 950 {
		t.Errorf("bytes_total sum = %v, want 950", total)
	}
}
