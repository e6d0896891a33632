package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/nicktill/telemetryd/pkg/clock"
	"github.com/nicktill/telemetryd/pkg/reduce"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1_700_000_000, 0).UTC()

func TestReductionMonitorRecordSuccess(t *testing.T) {
	m := NewReductionMonitor(clock.NewFake(epoch), nil)
	m.RecordSuccess(reduce.Minute)

	status := m.Status()["MINUTE"]
	require.True(t, status.Healthy)
	require.Zero(t, status.ConsecutiveErrors)
	require.Empty(t, status.LastError)
	require.NotEmpty(t, status.LastSuccess)
	require.NotEmpty(t, status.TimeSinceSuccess)
}

func TestReductionMonitorRecordFailure(t *testing.T) {
	m := NewReductionMonitor(clock.NewFake(epoch), nil)
	m.RecordFailure(reduce.Hour, errors.New("1 of 1 HOUR topics failed"))

	status := m.Status()["HOUR"]
	require.Equal(t, 1, status.ConsecutiveErrors)
	require.Equal(t, "1 of 1 HOUR topics failed", status.LastError)
	require.Empty(t, status.LastSuccess)
	require.NotEmpty(t, status.LastAttempt)
}

func TestReductionMonitorIsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*ReductionMonitor, *clock.Fake)
		expected bool
	}{
		{
			name:     "never run",
			setup:    func(*ReductionMonitor, *clock.Fake) {},
			expected: true,
		},
		{
			name: "recent success",
			setup: func(m *ReductionMonitor, _ *clock.Fake) {
				m.RecordSuccess(reduce.Minute)
			},
			expected: true,
		},
		{
			name: "stale minute tier",
			setup: func(m *ReductionMonitor, c *clock.Fake) {
				m.RecordSuccess(reduce.Minute)
				c.Advance(3 * time.Minute)
			},
			expected: false,
		},
		{
			name: "hour tier within its cadence",
			setup: func(m *ReductionMonitor, c *clock.Fake) {
				m.RecordSuccess(reduce.Hour)
				c.Advance(20 * time.Minute)
			},
			expected: true,
		},
		{
			name: "one failure after success",
			setup: func(m *ReductionMonitor, _ *clock.Fake) {
				m.RecordSuccess(reduce.Day)
				m.RecordFailure(reduce.Day, errors.New("error 1"))
			},
			expected: true,
		},
		{
			name: "too many consecutive errors",
			setup: func(m *ReductionMonitor, _ *clock.Fake) {
				m.RecordSuccess(reduce.Minute)
				for i := 0; i < 4; i++ {
					m.RecordFailure(reduce.Minute, errors.New("error"))
				}
			},
			expected: false,
		},
		{
			name: "failing since start",
			setup: func(m *ReductionMonitor, c *clock.Fake) {
				m.RecordFailure(reduce.Minute, errors.New("error"))
				c.Advance(3 * time.Minute)
				m.RecordFailure(reduce.Minute, errors.New("error"))
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := clock.NewFake(epoch)
			m := NewReductionMonitor(c, nil)
			tt.setup(m, c)
			require.Equal(t, tt.expected, m.IsHealthy())
		})
	}
}

func TestReductionMonitorObservesScheduler(t *testing.T) {
	var _ reduce.Observer = NewReductionMonitor(nil, nil)
}
