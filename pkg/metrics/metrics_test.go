package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPromRecordDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewProm(reg, nil)
	p.Describe("reducer_minute_duration", "Seconds spent in one MINUTE pass.")

	p.RecordDuration("reducer_minute_duration", 0.25, map[string]string{"target": "INST"})
	p.RecordDuration("reducer_minute_duration", 0.5, map[string]string{"target": "INST"})
	p.RecordDuration("reducer_minute_duration", 0.1, map[string]string{"target": "INST2"})

	require.Equal(t, 2, testutil.CollectAndCount(p.histos["reducer_minute_duration"]))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	require.Equal(t, "Seconds spent in one MINUTE pass.", families[0].GetHelp())
	for _, m := range families[0].GetMetric() {
		if m.GetLabel()[0].GetValue() == "INST" {
			require.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
			require.InDelta(t, 0.75, m.GetHistogram().GetSampleSum(), 1e-9)
		}
	}
}

func TestPromCounterAndGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewProm(reg, nil)

	p.IncCounter("timeline_activities_dispatched_total", map[string]string{"timeline": "ops"})
	p.IncCounter("timeline_activities_dispatched_total", map[string]string{"timeline": "ops"})
	p.SetGauge("timeline_queue_depth", 4, map[string]string{})

	c, err := p.counters["timeline_activities_dispatched_total"].GetMetricWith(prometheus.Labels{"timeline": "ops"})
	require.NoError(t, err)
	require.Equal(t, 2.0, testutil.ToFloat64(c))

	g, err := p.gauges["timeline_queue_depth"].GetMetricWith(prometheus.Labels{})
	require.NoError(t, err)
	require.Equal(t, 4.0, testutil.ToFloat64(g))
}

func TestPromInconsistentLabelsDropped(t *testing.T) {
	p := NewProm(prometheus.NewRegistry(), nil)
	p.IncCounter("x_total", map[string]string{"a": "1"})
	require.NotPanics(t, func() {
		p.IncCounter("x_total", map[string]string{"b": "1"})
	})
}

func TestPromReusesRegisteredCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewProm(reg, nil)
	second := NewProm(reg, nil)

	first.IncCounter("shared_total", map[string]string{})
	second.IncCounter("shared_total", map[string]string{})

	require.Equal(t, 2.0, testutil.ToFloat64(second.counters["shared_total"]))
}

func TestNop(t *testing.T) {
	var s Sink = Nop{}
	s.RecordDuration("x", 1, nil)
	s.IncCounter("x", nil)
	s.SetGauge("x", 1, nil)
}
