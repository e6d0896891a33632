package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/nicktill/telemetryd/pkg/activity"
	"github.com/nicktill/telemetryd/pkg/activity/activitytest"
	"github.com/nicktill/telemetryd/pkg/clock"
	"github.com/nicktill/telemetryd/pkg/logging"
	"github.com/nicktill/telemetryd/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	svc      *Service
	schedule *Schedule
	store    *activity.MemoryStore
	bus      *Bus
	clock    *clock.Fake
}

func newServiceFixture(sink metrics.Sink) *serviceFixture {
	fake := clock.NewFake(activitytest.Start)
	bus := NewBus(logging.Discard())
	store := activity.NewMemoryStore(fake, bus)
	schedule := NewSchedule()
	svc := NewService(ServiceConfig{
		Timeline: "ops",
		Behind:   30 * time.Second,
		Clock:    fake,
		Logger:   logging.Discard(),
		Metrics:  sink,
	}, schedule, store, bus)
	return &serviceFixture{svc: svc, schedule: schedule, store: store, bus: bus, clock: fake}
}

func TestServiceRefresh(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newServiceFixture(metrics.NewProm(reg, logging.Discard()))
	for _, off := range []int64{60, 3600, 5000} {
		create(t, f.store, activitytest.Command("ops", off, 10))
	}
	create(t, f.store, activitytest.Command("other", 60, 10))
	base := activitytest.Start.Unix()

	require.NoError(t, f.svc.Refresh(context.Background()))
	require.Equal(t, []int64{base + 60, base + 3600}, scoresOf(f.schedule.Snapshot()))

	// 40s after its start, the first activity is further behind than Behind.
	f.clock.Set(activitytest.Start.Add(100 * time.Second))
	require.NoError(t, f.svc.Refresh(context.Background()))
	require.Equal(t, []int64{base + 3600}, scoresOf(f.schedule.Snapshot()))

	n, err := testutil.GatherAndCount(reg, MetricRefreshSeconds)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestServiceHandle(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(nil)
	base := activitytest.Start.Unix()

	near := activitytest.Command("ops", 120, 10)
	far := activitytest.Command("ops", 7200, 10)

	f.svc.Handle(ctx, activity.Notification{Timeline: "ops", Kind: activity.NotifyCreated, Activity: &near})
	f.svc.Handle(ctx, activity.Notification{Timeline: "ops", Kind: activity.NotifyCreated, Activity: &far})
	f.svc.Handle(ctx, activity.Notification{Timeline: "other", Kind: activity.NotifyCreated, Activity: &near})
	require.Equal(t, []int64{base + 120}, scoresOf(f.schedule.Snapshot()))

	f.svc.Handle(ctx, activity.Notification{Timeline: "ops", Kind: activity.NotifyDeleted, Activity: &near})
	require.Zero(t, f.schedule.Len())

	// Events leave the schedule alone.
	f.svc.Handle(ctx, activity.Notification{Timeline: "ops", Kind: activity.NotifyEvent, Activity: &near})
	require.Zero(t, f.schedule.Len())
}

func TestServiceHandleRefreshAndUpdate(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(nil)
	a := create(t, f.store, activitytest.Command("ops", 60, 10))

	f.svc.Handle(ctx, activity.Notification{Timeline: "ops", Kind: activity.NotifyRefresh})
	require.Equal(t, []int64{a.Score()}, scoresOf(f.schedule.Snapshot()))

	moved := a
	moved.Start, moved.Stop = a.Start+600, a.Stop+600
	_, err := f.store.Update(ctx, "ops", a.Score(), moved)
	require.NoError(t, err)

	f.svc.Handle(ctx, activity.Notification{Timeline: "ops", Kind: activity.NotifyUpdated, Activity: &moved, Previous: a.Score()})
	require.Equal(t, []int64{moved.Score()}, scoresOf(f.schedule.Snapshot()))
}

func TestServiceRun(t *testing.T) {
	f := newServiceFixture(nil)
	early := create(t, f.store, activitytest.Command("ops", 60, 10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.Run(ctx)
		close(done)
	}()

	// The initial refresh picks up what already exists.
	require.Eventually(t, func() bool { return f.schedule.Len() == 1 }, time.Second, 5*time.Millisecond)

	// Later creations arrive through the bus.
	late := create(t, f.store, activitytest.Command("ops", 300, 10))
	require.Eventually(t, func() bool { return f.schedule.Len() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.store.Destroy(ctx, "ops", early.Score()))
	require.Eventually(t, func() bool {
		s := scoresOf(f.schedule.Snapshot())
		return len(s) == 1 && s[0] == late.Score()
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
