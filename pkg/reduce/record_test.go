package reduce

import (
	"math"
	"testing"

	"github.com/nicktill/telemetryd/pkg/stream"
	"github.com/stretchr/testify/require"
)

func rec(ms int64, fields map[string]any) stream.Record {
	return stream.Record{ID: stream.ID{Millis: ms}, Fields: fields}
}

func TestFoldMinute(t *testing.T) {
	recs := []stream.Record{
		rec(1000, map[string]any{"TEMP": 1.0, "MODE": "SAFE", "target_name": "INST", "packet_name": "HS"}),
		rec(2000, map[string]any{"TEMP": int64(2), "MODE": "SAFE"}),
		rec(3000, map[string]any{"TEMP": 3.0, "MODE__F": "3.00"}),
	}

	out, ok := Fold(Minute, recs)
	require.True(t, ok)
	require.Equal(t, int64(3), out.NumSamples)
	require.Equal(t, stream.ID{Millis: 1000}, out.StartID)
	require.Equal(t, stream.ID{Millis: 3000}, out.EndID)
	require.Equal(t, "INST", out.Target)
	require.Equal(t, "HS", out.Packet)

	require.Equal(t, 1.0, out.Fields["TEMP__MIN"])
	require.Equal(t, 3.0, out.Fields["TEMP__MAX"])
	require.Equal(t, 2.0, out.Fields["TEMP__AVG"])
	require.InDelta(t, 0.8165, out.Fields["TEMP__STDDEV"], 1e-4)

	// strings are dropped, only TEMP survives
	require.Len(t, out.Fields, 4)
}

func TestFoldMinuteConvertedSupersedesRaw(t *testing.T) {
	recs := []stream.Record{
		rec(1, map[string]any{"VOLT": 100, "VOLT__C": 5.0}),
		rec(2, map[string]any{"VOLT": 200, "VOLT__C": 7.0}),
		// raw only; no converted counterpart in this sample
		rec(3, map[string]any{"CURR": 1}),
	}

	out, ok := Fold(Minute, recs)
	require.True(t, ok)
	require.Equal(t, 5.0, out.Fields["VOLT__MIN"])
	require.Equal(t, 7.0, out.Fields["VOLT__MAX"])
	require.Equal(t, 6.0, out.Fields["VOLT__AVG"])
	require.Equal(t, 1.0, out.Fields["CURR__AVG"])
	require.NotContains(t, out.Fields, "VOLT__C__AVG")
}

func TestFoldMinuteNaNWindow(t *testing.T) {
	recs := []stream.Record{
		rec(1, map[string]any{"X": math.NaN(), "Y": 1.0}),
		rec(2, map[string]any{"X": math.NaN(), "Y": 3.0}),
	}
	out, _ := Fold(Minute, recs)
	require.True(t, math.IsNaN(out.Fields["X__AVG"]))
	require.True(t, math.IsNaN(out.Fields["X__MIN"]))
	require.True(t, math.IsNaN(out.Fields["X__MAX"]))
	// other fields in the same window are unaffected
	require.Equal(t, 2.0, out.Fields["Y__AVG"])
}

func TestFoldHourWeightsByNumSamples(t *testing.T) {
	recs := []stream.Record{
		rec(60_000, map[string]any{
			"num_samples": int64(60), "TEMP__MIN": 8.0, "TEMP__MAX": 12.0, "TEMP__AVG": 10.0, "TEMP__STDDEV": 0.0,
		}),
		rec(120_000, map[string]any{
			"num_samples": int64(60), "TEMP__MIN": 18.0, "TEMP__MAX": 22.0, "TEMP__AVG": 20.0, "TEMP__STDDEV": 0.0,
		}),
	}

	out, ok := Fold(Hour, recs)
	require.True(t, ok)
	require.Equal(t, int64(120), out.NumSamples)
	require.Equal(t, 8.0, out.Fields["TEMP__MIN"])
	require.Equal(t, 22.0, out.Fields["TEMP__MAX"])
	require.Equal(t, 15.0, out.Fields["TEMP__AVG"])
	require.InDelta(t, 5.0, out.Fields["TEMP__STDDEV"], 1e-12)
}

func TestFoldHourUnevenWeights(t *testing.T) {
	recs := []stream.Record{
		rec(1, map[string]any{"num_samples": int64(30), "T__AVG": 10.0, "T__STDDEV": 1.0}),
		rec(2, map[string]any{"num_samples": int64(10), "T__AVG": 30.0, "T__STDDEV": 1.0}),
	}
	out, _ := Fold(Day, recs)
	require.Equal(t, int64(40), out.NumSamples)
	require.Equal(t, 15.0, out.Fields["T__AVG"])
	// Σw(avg²+sd²)/W − avg² = (30·101 + 10·901)/40 − 225 = 301 − 225
	require.InDelta(t, math.Sqrt(76), out.Fields["T__STDDEV"], 1e-12)
}

func TestFoldHourMissingNumSamplesCountsOnce(t *testing.T) {
	recs := []stream.Record{
		rec(1, map[string]any{"T__AVG": 1.0}),
		rec(2, map[string]any{"T__AVG": 3.0, "num_samples": int64(0)}),
	}
	out, _ := Fold(Hour, recs)
	require.Equal(t, int64(2), out.NumSamples)
	require.Equal(t, 2.0, out.Fields["T__AVG"])
}

func TestFoldHourSkipsNaNMinute(t *testing.T) {
	nan := math.NaN()
	recs := []stream.Record{
		rec(60_000, map[string]any{"num_samples": int64(40), "T__MIN": 1.0, "T__MAX": 1.0, "T__AVG": 1.0, "T__STDDEV": 0.0}),
		rec(120_000, map[string]any{"num_samples": int64(40), "T__MIN": nan, "T__MAX": nan, "T__AVG": nan, "T__STDDEV": nan}),
		rec(180_000, map[string]any{"num_samples": int64(40), "T__MIN": 3.0, "T__MAX": 3.0, "T__AVG": 3.0, "T__STDDEV": 0.0}),
	}

	for _, tier := range []Tier{Hour, Day} {
		out, ok := Fold(tier, recs)
		require.True(t, ok)
		require.Equal(t, int64(120), out.NumSamples)
		require.Equal(t, 1.0, out.Fields["T__MIN"])
		require.Equal(t, 3.0, out.Fields["T__MAX"])
		require.Equal(t, 2.0, out.Fields["T__AVG"])
		// (40·1 + 40·9)/80 − 4
		require.InDelta(t, 1.0, out.Fields["T__STDDEV"], 1e-12)
	}
}

func TestFoldEmpty(t *testing.T) {
	_, ok := Fold(Minute, nil)
	require.False(t, ok)
}

func TestToFieldsAndEndID(t *testing.T) {
	r := ReducedRecord{
		Tier:       Minute,
		StartID:    stream.ID{Millis: 1000},
		EndID:      stream.ID{Millis: 59000, Seq: 2},
		NumSamples: 60,
		Target:     "INST",
		Packet:     "HS",
		Fields:     map[string]float64{"TEMP__AVG": 1.5},
	}
	fields := r.ToFields()
	require.Equal(t, 1.5, fields["TEMP__AVG"])
	require.Equal(t, int64(60), fields["num_samples"])
	require.Equal(t, "1000-0", fields["__start_time__"])
	require.Equal(t, int64(59000)*1_000_000, fields["time"])

	end, err := EndIDOf(stream.Record{Fields: fields})
	require.NoError(t, err)
	require.Equal(t, r.EndID, end)

	_, err = EndIDOf(stream.Record{Fields: map[string]any{}})
	require.Error(t, err)
}
