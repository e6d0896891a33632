package reduce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nicktill/telemetryd/pkg/logging"
	"github.com/nicktill/telemetryd/pkg/metrics"
	"github.com/nicktill/telemetryd/pkg/stream/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu        sync.Mutex
	successes map[Tier]int
	failures  map[Tier]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{successes: map[Tier]int{}, failures: map[Tier]int{}}
}

func (o *recordingObserver) RecordSuccess(t Tier) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.successes[t]++
}

func (o *recordingObserver) RecordFailure(t Tier, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[t]++
}

func (o *recordingObserver) counts(t Tier) (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.successes[t], o.failures[t]
}

func testSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MinuteCron:    "@every 1h",
		HourCron:      "@every 1h",
		DayCron:       "@every 1h",
		Parallelism:   2,
		ShutdownGrace: time.Second,
		Logger:        logging.Discard(),
	}
}

func TestSchedulerRunTier(t *testing.T) {
	c := memory.New()
	appendSamples(t, c, t0, 65, 1000, 10)

	other := Packet{Scope: "DEFAULT", Target: "INST2", Name: "ADCS"}
	reg := prometheus.NewRegistry()
	obs := newRecordingObserver()

	cfg := testSchedulerConfig()
	cfg.Metrics = metrics.NewProm(reg, nil)
	cfg.Observer = obs

	s, err := NewScheduler(cfg, c, NewMemoryOffsets(), []Packet{testPacket, other})
	require.NoError(t, err)
	require.Len(t, s.Topics(), 6)

	require.NoError(t, s.RunTier(context.Background(), Minute))
	require.Equal(t, 1, c.Len(OutputTopic(Minute, testPacket)))
	require.Equal(t, 0, c.Len(OutputTopic(Minute, other)))

	ok, failed := obs.counts(Minute)
	require.Equal(t, 1, ok)
	require.Zero(t, failed)

	// one observation per topic, labelled by target
	n, err := testutil.GatherAndCount(reg, "reducer_minute_duration")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestSchedulerRunTierReportsFailures(t *testing.T) {
	c := &flakyClient{Client: memory.New(), topic: OutputTopic(Minute, testPacket), failing: true}
	appendSamples(t, c, t0, 65, 1000, 10)
	obs := newRecordingObserver()

	cfg := testSchedulerConfig()
	cfg.Observer = obs
	s, err := NewScheduler(cfg, c, NewMemoryOffsets(), []Packet{testPacket})
	require.NoError(t, err)

	err = s.RunTier(context.Background(), Minute)
	require.ErrorContains(t, err, "1 of 1 MINUTE topics failed")
	_, failed := obs.counts(Minute)
	require.Equal(t, 1, failed)

	// retried on the next pass
	c.failing = false
	require.NoError(t, s.RunTier(context.Background(), Minute))
	ok, _ := obs.counts(Minute)
	require.Equal(t, 1, ok)
}

func TestSchedulerInvalidCron(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.HourCron = "not a cron"
	_, err := NewScheduler(cfg, memory.New(), NewMemoryOffsets(), []Packet{testPacket})
	require.ErrorContains(t, err, "invalid HOUR cron")
}

func TestSchedulerRunOnStart(t *testing.T) {
	c := memory.New()
	appendSamples(t, c, t0, 65, 1000, 10)

	cfg := testSchedulerConfig()
	cfg.RunOnStart = true
	s, err := NewScheduler(cfg, c, NewMemoryOffsets(), []Packet{testPacket})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	exists, err := c.Exists(context.Background(), OutputTopic(Day, testPacket))
	require.NoError(t, err)
	require.True(t, exists)

	require.Eventually(t, func() bool {
		return c.Len(OutputTopic(Minute, testPacket)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	s, err := NewScheduler(testSchedulerConfig(), memory.New(), NewMemoryOffsets(), []Packet{testPacket})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	s.Stop()
	require.NotPanics(t, s.Stop)

	// triggers after stop are ignored
	s.runScheduled(Minute)
}
