// Package streamtest holds behaviour tests shared by every stream.Client
// implementation.
package streamtest

import (
	"context"
	"testing"

	"github.com/nicktill/telemetryd/pkg/stream"
	"github.com/stretchr/testify/require"
)

// Run exercises a fresh client returned by newClient.
func Run(t *testing.T, newClient func(t *testing.T) stream.Client) {
	t.Run("AppendAssignsMonotonicIDs", func(t *testing.T) {
		c := newClient(t)
		ctx := context.Background()

		a, err := c.Append(ctx, "T", 1000, map[string]any{"v": 1})
		require.NoError(t, err)
		b, err := c.Append(ctx, "T", 1000, map[string]any{"v": 2})
		require.NoError(t, err)
		// older timestamp is clamped behind the newest record
		d, err := c.Append(ctx, "T", 900, map[string]any{"v": 3})
		require.NoError(t, err)
		e, err := c.Append(ctx, "T", 2000, map[string]any{"v": 4})
		require.NoError(t, err)

		require.Equal(t, stream.ID{Millis: 1000, Seq: 0}, a)
		require.Equal(t, stream.ID{Millis: 1000, Seq: 1}, b)
		require.Equal(t, stream.ID{Millis: 1000, Seq: 2}, d)
		require.Equal(t, stream.ID{Millis: 2000, Seq: 0}, e)
	})

	t.Run("ReadRangeBounds", func(t *testing.T) {
		c := newClient(t)
		ctx := context.Background()
		for ms := int64(0); ms < 10; ms++ {
			_, err := c.Append(ctx, "T", ms*1000, map[string]any{"v": ms})
			require.NoError(t, err)
		}

		recs, err := c.ReadRange(ctx, "T", stream.Inclusive(stream.ID{Millis: 2000}), stream.Before(5000), 0)
		require.NoError(t, err)
		require.Equal(t, []int64{2000, 3000, 4000}, millis(recs))

		recs, err = c.ReadRange(ctx, "T", stream.Exclusive(stream.ID{Millis: 2000}), stream.Inclusive(stream.ID{Millis: 5000}), 0)
		require.NoError(t, err)
		require.Equal(t, []int64{3000, 4000, 5000}, millis(recs))

		recs, err = c.ReadRange(ctx, "T", stream.Inclusive(stream.MinID), stream.Inclusive(stream.MaxID), 4)
		require.NoError(t, err)
		require.Equal(t, []int64{0, 1000, 2000, 3000}, millis(recs))

		recs, err = c.ReadRange(ctx, "OTHER", stream.Inclusive(stream.MinID), stream.Inclusive(stream.MaxID), 0)
		require.NoError(t, err)
		require.Empty(t, recs)
	})

	t.Run("FieldsRoundTrip", func(t *testing.T) {
		c := newClient(t)
		ctx := context.Background()

		_, err := c.Append(ctx, "T", 5, map[string]any{"TEMP": 21.5, "MODE": "SAFE"})
		require.NoError(t, err)

		rec, ok, err := c.Oldest(ctx, "T")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 21.5, rec.Fields["TEMP"])
		require.Equal(t, "SAFE", rec.Fields["MODE"])
	})

	t.Run("OldestNewest", func(t *testing.T) {
		c := newClient(t)
		ctx := context.Background()

		_, ok, err := c.Newest(ctx, "T")
		require.NoError(t, err)
		require.False(t, ok)

		for _, ms := range []int64{10, 20, 30} {
			_, err := c.Append(ctx, "T", ms, map[string]any{"v": 1})
			require.NoError(t, err)
		}
		// neighbouring topic must not leak into T's range
		_, err = c.Append(ctx, "U", 99, map[string]any{"v": 1})
		require.NoError(t, err)

		oldest, ok, err := c.Oldest(ctx, "T")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(10), oldest.ID.Millis)

		newest, ok, err := c.Newest(ctx, "T")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(30), newest.ID.Millis)
	})

	t.Run("ExistsAndInitialize", func(t *testing.T) {
		c := newClient(t)
		ctx := context.Background()

		ok, err := c.Exists(ctx, "A")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, c.InitializeTopics(ctx, []string{"A", "B"}))
		ok, err = c.Exists(ctx, "A")
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = c.Oldest(ctx, "A")
		require.NoError(t, err)
		require.False(t, ok)

		_, err = c.Append(ctx, "C", 1, map[string]any{"v": 1})
		require.NoError(t, err)
		ok, err = c.Exists(ctx, "C")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("TopicsListsInitializedAndAppended", func(t *testing.T) {
		c := newClient(t)
		ctx := context.Background()

		topics, err := c.Topics(ctx)
		require.NoError(t, err)
		require.Empty(t, topics)

		require.NoError(t, c.InitializeTopics(ctx, []string{"B", "A"}))
		_, err = c.Append(ctx, "C", 1, map[string]any{"v": 1})
		require.NoError(t, err)

		topics, err = c.Topics(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"A", "B", "C"}, topics)
	})

	t.Run("RejectsEmptyTopic", func(t *testing.T) {
		c := newClient(t)
		_, err := c.Append(context.Background(), "", 1, nil)
		require.Error(t, err)
	})
}

func millis(recs []stream.Record) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.ID.Millis
	}
	return out
}
