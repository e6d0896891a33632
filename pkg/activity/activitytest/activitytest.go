// Package activitytest holds behaviour tests shared by every activity.Store.
package activitytest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nicktill/telemetryd/pkg/activity"
	"github.com/nicktill/telemetryd/pkg/clock"
	"github.com/stretchr/testify/require"
)

// Start is the fake clock's initial time in every shared test.
var Start = time.Unix(1_700_000_000, 0).UTC()

// Recorder is a Notifier that keeps everything published to it.
type Recorder struct {
	mu   sync.Mutex
	seen []activity.Notification
}

func (r *Recorder) Publish(n activity.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
}

// Kinds returns the kinds published so far, in order.
func (r *Recorder) Kinds() []activity.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]activity.NotificationKind, len(r.seen))
	for i, n := range r.seen {
		out[i] = n.Kind
	}
	return out
}

// Command returns a valid command activity starting offset seconds after
// Start and lasting dur seconds.
func Command(timeline string, offset, dur int64) activity.Activity {
	start := Start.Unix() + offset
	return activity.Activity{
		Timeline: timeline,
		Start:    start,
		Stop:     start + dur,
		Kind:     activity.KindCommand,
		Data:     map[string]string{activity.DataCommand: "INST ABORT"},
	}
}

// Run exercises a fresh store built by newStore around the given clock and
// notifier.
func Run(t *testing.T, newStore func(t *testing.T, c clock.Clock, n activity.Notifier) activity.Store) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		rec := &Recorder{}
		s := newStore(t, clock.NewFake(Start), rec)

		created, err := s.Create(ctx, Command("ops", 60, 30))
		require.NoError(t, err)
		require.Len(t, created.Events, 1)
		require.Equal(t, activity.StatusCreated, created.Events[0].Event)
		require.NotEmpty(t, created.Events[0].ID)
		require.Equal(t, Start.Unix(), created.Events[0].Time)

		got, err := s.Get(ctx, "ops", created.Start)
		require.NoError(t, err)
		require.Equal(t, created, got)
		require.Equal(t, []activity.NotificationKind{activity.NotifyCreated}, rec.Kinds())

		_, err = s.Get(ctx, "ops", created.Start+1)
		require.ErrorIs(t, err, activity.ErrNotFound)
		_, err = s.Get(ctx, "other", created.Start)
		require.ErrorIs(t, err, activity.ErrNotFound)
	})

	t.Run("CreateRejectsInvalid", func(t *testing.T) {
		s := newStore(t, clock.NewFake(Start), nil)

		past := Command("ops", 5, 30)
		_, err := s.Create(ctx, past)
		require.ErrorIs(t, err, activity.ErrInvalidTime)

		long := Command("ops", 60, activity.MaxDuration+1)
		_, err = s.Create(ctx, long)
		require.ErrorIs(t, err, activity.ErrDurationTooLong)

		backwards := Command("ops", 3600, 30)
		backwards.Stop = backwards.Start - 3600
		_, err = s.Create(ctx, backwards)
		require.ErrorIs(t, err, activity.ErrInvalidTime)

		expire := Command("ops", 60, 30)
		expire.Kind = activity.KindExpire
		_, err = s.Create(ctx, expire)
		require.ErrorIs(t, err, activity.ErrInvalidKind)

		noData := Command("ops", 60, 30)
		noData.Data = nil
		_, err = s.Create(ctx, noData)
		require.ErrorIs(t, err, activity.ErrMissingData)
	})

	t.Run("CreateRejectsOverlap", func(t *testing.T) {
		s := newStore(t, clock.NewFake(Start), nil)

		_, err := s.Create(ctx, Command("ops", 100, 100))
		require.NoError(t, err)

		_, err = s.Create(ctx, Command("ops", 150, 10))
		require.ErrorIs(t, err, activity.ErrOverlap)
		_, err = s.Create(ctx, Command("ops", 50, 60))
		require.ErrorIs(t, err, activity.ErrOverlap)
		_, err = s.Create(ctx, Command("ops", 100, 10))
		require.ErrorIs(t, err, activity.ErrOverlap)

		// touching edges are fine, so is another timeline
		_, err = s.Create(ctx, Command("ops", 200, 10))
		require.NoError(t, err)
		_, err = s.Create(ctx, Command("ops", 50, 50))
		require.NoError(t, err)
		_, err = s.Create(ctx, Command("other", 150, 10))
		require.NoError(t, err)
	})

	t.Run("RangeOrderedAndLimited", func(t *testing.T) {
		s := newStore(t, clock.NewFake(Start), nil)
		for _, off := range []int64{300, 100, 500, 200, 400} {
			_, err := s.Create(ctx, Command("ops", off, 10))
			require.NoError(t, err)
		}
		base := Start.Unix()

		all, err := s.Range(ctx, "ops", base, base+1000, 0)
		require.NoError(t, err)
		require.Equal(t, []int64{base + 100, base + 200, base + 300, base + 400, base + 500}, scores(all))

		some, err := s.Range(ctx, "ops", base+200, base+400, 0)
		require.NoError(t, err)
		require.Equal(t, []int64{base + 200, base + 300, base + 400}, scores(some))

		limited, err := s.Range(ctx, "ops", base, base+1000, 2)
		require.NoError(t, err)
		require.Equal(t, []int64{base + 100, base + 200}, scores(limited))

		none, err := s.Range(ctx, "ops", base+1000, base, 0)
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("DueWindow", func(t *testing.T) {
		fake := clock.NewFake(Start)
		s := newStore(t, fake, nil)
		for _, off := range []int64{20, 4000, 5000} {
			_, err := s.Create(ctx, Command("ops", off, 10))
			require.NoError(t, err)
		}

		due, err := activity.Due(ctx, s, "ops", fake.Now(), 0, 72*time.Minute)
		require.NoError(t, err)
		require.Equal(t, []int64{Start.Unix() + 20, Start.Unix() + 4000}, scores(due))

		// once 30s have passed the first one only shows up with a lookbehind
		fake.Set(Start.Add(30 * time.Second))
		due, err = activity.Due(ctx, s, "ops", fake.Now(), 0, 72*time.Minute)
		require.NoError(t, err)
		require.Equal(t, []int64{Start.Unix() + 4000}, scores(due))
		due, err = activity.Due(ctx, s, "ops", fake.Now(), time.Minute, 72*time.Minute)
		require.NoError(t, err)
		require.Len(t, due, 2)
	})

	t.Run("EventsAndCommit", func(t *testing.T) {
		rec := &Recorder{}
		fake := clock.NewFake(Start)
		s := newStore(t, fake, rec)
		a, err := s.Create(ctx, Command("ops", 60, 10))
		require.NoError(t, err)

		fake.Set(Start.Add(60 * time.Second))
		require.NoError(t, s.AddEvent(ctx, "ops", a.Start, activity.StatusQueued))
		done := true
		require.NoError(t, s.Commit(ctx, "ops", a.Start, activity.StatusComplete, "", &done))

		got, err := s.Get(ctx, "ops", a.Start)
		require.NoError(t, err)
		require.Equal(t, activity.StatusComplete, got.Status)
		require.True(t, got.Fulfillment)
		require.Len(t, got.Events, 3)
		require.Equal(t, activity.StatusQueued, got.Events[1].Event)
		require.False(t, got.Events[1].Commit)
		last, _ := got.LastEvent()
		require.True(t, last.Commit)
		require.Equal(t, Start.Unix()+60, last.Time)

		// a failure after the fact keeps fulfillment as it was
		require.NoError(t, s.Commit(ctx, "ops", a.Start, activity.StatusFailed, "boom", nil))
		got, err = s.Get(ctx, "ops", a.Start)
		require.NoError(t, err)
		require.Equal(t, activity.StatusFailed, got.Status)
		require.True(t, got.Fulfillment)
		last, _ = got.LastEvent()
		require.Equal(t, "boom", last.Message)

		require.ErrorIs(t, s.Commit(ctx, "ops", a.Start+1, activity.StatusComplete, "", nil), activity.ErrNotFound)
		require.Equal(t, []activity.NotificationKind{
			activity.NotifyCreated, activity.NotifyEvent, activity.NotifyEvent, activity.NotifyEvent,
		}, rec.Kinds())
	})

	t.Run("Update", func(t *testing.T) {
		rec := &Recorder{}
		s := newStore(t, clock.NewFake(Start), rec)
		a, err := s.Create(ctx, Command("ops", 100, 10))
		require.NoError(t, err)
		_, err = s.Create(ctx, Command("ops", 200, 10))
		require.NoError(t, err)

		moved := Command("ops", 150, 20)
		moved.Data[activity.DataCommand] = "INST NOOP"
		updated, err := s.Update(ctx, "ops", a.Start, moved)
		require.NoError(t, err)
		require.Equal(t, moved.Start, updated.Start)
		require.Equal(t, "INST NOOP", updated.Data[activity.DataCommand])
		require.Len(t, updated.Events, 2)

		_, err = s.Get(ctx, "ops", a.Start)
		require.ErrorIs(t, err, activity.ErrNotFound)

		// an update may overlap its own old slot but not a neighbour
		_, err = s.Update(ctx, "ops", updated.Start, Command("ops", 145, 60))
		require.ErrorIs(t, err, activity.ErrOverlap)
		_, err = s.Update(ctx, "ops", updated.Start+1, Command("ops", 400, 10))
		require.ErrorIs(t, err, activity.ErrNotFound)

		require.Equal(t, []activity.NotificationKind{
			activity.NotifyCreated, activity.NotifyCreated, activity.NotifyUpdated,
		}, rec.Kinds())
	})

	t.Run("DeleteRange", func(t *testing.T) {
		s := newStore(t, clock.NewFake(Start), nil)
		for _, off := range []int64{100, 200, 300} {
			_, err := s.Create(ctx, Command("ops", off, 10))
			require.NoError(t, err)
		}
		base := Start.Unix()

		// min > max deletes nothing and is not an error
		n, err := s.DeleteRange(ctx, "ops", base+300, base+100)
		require.NoError(t, err)
		require.Zero(t, n)

		n, err = s.DeleteRange(ctx, "ops", base+100, base+200)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		n, err = s.DeleteRange(ctx, "ops", 0, base)
		require.NoError(t, err)
		require.Zero(t, n)

		left, err := s.Range(ctx, "ops", 0, base+1000, 0)
		require.NoError(t, err)
		require.Equal(t, []int64{base + 300}, scores(left))
	})

	t.Run("Destroy", func(t *testing.T) {
		rec := &Recorder{}
		s := newStore(t, clock.NewFake(Start), rec)
		a, err := s.Create(ctx, Command("ops", 100, 10))
		require.NoError(t, err)

		require.NoError(t, s.Destroy(ctx, "ops", a.Start))
		require.ErrorIs(t, s.Destroy(ctx, "ops", a.Start), activity.ErrNotFound)
		_, err = s.Get(ctx, "ops", a.Start)
		require.ErrorIs(t, err, activity.ErrNotFound)
		require.Equal(t, []activity.NotificationKind{activity.NotifyCreated, activity.NotifyDeleted}, rec.Kinds())
	})
}

func scores(list []activity.Activity) []int64 {
	out := make([]int64, len(list))
	for i, a := range list {
		out[i] = a.Start
	}
	return out
}
