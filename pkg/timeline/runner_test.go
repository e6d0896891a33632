package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/nicktill/telemetryd/pkg/activity"
	"github.com/nicktill/telemetryd/pkg/activity/activitytest"
	"github.com/nicktill/telemetryd/pkg/clock"
	"github.com/nicktill/telemetryd/pkg/logging"
	"github.com/stretchr/testify/require"
)

func TestRunnerEndToEnd(t *testing.T) {
	fake := clock.NewFake(activitytest.Start)
	bus := NewBus(logging.Discard())
	store := activity.NewMemoryStore(fake, bus)
	commands := &fakeCommands{}

	r := NewRunner(Config{
		Timeline: "ops",
		Workers:  2,
		Clock:    fake,
		Logger:   logging.Discard(),
	}, store, bus, commands, fakeScripts{})
	require.Equal(t, "ops", r.Name())

	r.Start(context.Background())
	// One timer for the dispatcher tick, one for the periodic refresh.
	fake.BlockUntil(2)

	a := create(t, store, activitytest.Command("ops", 60, 30))
	require.Eventually(t, func() bool { return r.Schedule.Len() == 1 }, time.Second, 5*time.Millisecond)

	fake.Set(activitytest.Start.Add(59 * time.Second))
	fake.Advance(time.Second)
	require.Eventually(t, func() bool { return len(commands.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	r.StopDispatch()
	require.NoError(t, r.Drain(time.Second))

	got, err := store.Get(context.Background(), "ops", a.Score())
	require.NoError(t, err)
	require.Equal(t, activity.StatusComplete, got.Status)

	stats := r.Stats()
	require.Equal(t, "ops", stats.Timeline)
	require.Equal(t, 1, stats.Scheduled)
	require.EqualValues(t, 1, stats.Dispatcher.Dispatched)
	require.EqualValues(t, 1, stats.Pool.Completed)
}
