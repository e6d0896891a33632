package reduce

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func unit(values ...float64) []Sample {
	out := make([]Sample, len(values))
	for i, v := range values {
		out[i] = Sample{Value: v, Weight: 1}
	}
	return out
}

func TestSummarizeMinuteTier(t *testing.T) {
	s := Summarize(unit(1, 2, 3))

	require.Equal(t, 1.0, s.Min)
	require.Equal(t, 3.0, s.Max)
	require.Equal(t, 2.0, s.Avg)
	require.InDelta(t, math.Sqrt(2.0/3.0), s.Stddev, 1e-12)
	require.InDelta(t, 0.8165, s.Stddev, 1e-4)
}

func TestSummarizeAllNonFinite(t *testing.T) {
	s := Summarize(unit(math.NaN(), math.NaN()))
	require.True(t, math.IsNaN(s.Min))
	require.True(t, math.IsNaN(s.Max))
	require.True(t, math.IsNaN(s.Avg))
	require.True(t, math.IsNaN(s.Stddev))

	s = Summarize(unit(math.Inf(1), math.Inf(-1)))
	require.True(t, math.IsNaN(s.Avg))
}

func TestSummarizeSkipsNonFinite(t *testing.T) {
	s := Summarize(unit(4, math.NaN(), 6, math.Inf(1)))
	require.Equal(t, 4.0, s.Min)
	require.Equal(t, 6.0, s.Max)
	require.Equal(t, 5.0, s.Avg)
	require.Equal(t, 1.0, s.Stddev)
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	require.True(t, math.IsNaN(s.Avg))
	require.True(t, math.IsNaN(s.Min))
}

func TestWeightedMean(t *testing.T) {
	// two MINUTE records of 60 samples each
	require.Equal(t, 15.0, WeightedMean([]float64{10, 20}, []float64{60, 60}))
	require.InDelta(t, 12.5, WeightedMean([]float64{10, 20}, []float64{90, 30}), 1e-12)
	require.True(t, math.IsNaN(WeightedMean([]float64{1}, []float64{0})))
}

func TestPooledStddev(t *testing.T) {
	moments := []Moment{{Avg: 10, Stddev: 0, Weight: 60}, {Avg: 20, Stddev: 0, Weight: 60}}
	require.InDelta(t, 5.0, PooledStddev(moments, 15), 1e-12)

	// equal means: pooled stddev is the upstream stddev
	moments = []Moment{{Avg: 3, Stddev: 2, Weight: 10}, {Avg: 3, Stddev: 2, Weight: 30}}
	require.InDelta(t, 2.0, PooledStddev(moments, 3), 1e-12)
}

func TestPooledStddevNegativeRadicandClampsToZero(t *testing.T) {
	// mean far from the upstream means forces a negative radicand
	moments := []Moment{{Avg: 1, Stddev: 0, Weight: 1}}
	require.Equal(t, 0.0, PooledStddev(moments, 2))

	// catastrophic cancellation with a huge mean and no spread
	big := 1e12 + 0.1
	moments = []Moment{{Avg: big, Stddev: 0, Weight: 3}, {Avg: big, Stddev: 0, Weight: 7}}
	got := PooledStddev(moments, WeightedMean([]float64{big, big}, []float64{3, 7}))
	require.False(t, math.IsNaN(got))
	require.GreaterOrEqual(t, got, 0.0)
}

func TestPooledStddevNaN(t *testing.T) {
	require.True(t, math.IsNaN(PooledStddev(nil, 1)))
	require.True(t, math.IsNaN(PooledStddev([]Moment{{Avg: 1, Weight: 1}}, math.NaN())))
}

func TestAggregationProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	values := gen.SliceOf(gen.Float64Range(-1e6, 1e6)).SuchThat(func(v []float64) bool { return len(v) > 0 })
	// narrower range keeps the pooled-variance cancellation error below the tolerance
	small := gen.SliceOf(gen.Float64Range(-1000, 1000)).SuchThat(func(v []float64) bool { return len(v) > 0 })

	properties.Property("min <= avg <= max", prop.ForAll(func(vs []float64) bool {
		s := Summarize(unit(vs...))
		eps := 1e-9 * (math.Abs(s.Max) + 1)
		return s.Min <= s.Avg+eps && s.Avg <= s.Max+eps
	}, values))

	properties.Property("stddev is finite and non-negative", prop.ForAll(func(vs []float64) bool {
		s := Summarize(unit(vs...))
		return s.Stddev >= 0 && !math.IsNaN(s.Stddev) && !math.IsInf(s.Stddev, 0)
	}, values))

	properties.Property("NaN samples never change the result", prop.ForAll(func(vs []float64, nans int) bool {
		clean := Summarize(unit(vs...))
		dirty := append([]float64{}, vs...)
		for i := 0; i < nans; i++ {
			dirty = append(dirty, math.NaN())
		}
		tainted := Summarize(unit(dirty...))
		return clean == tainted
	}, values, gen.IntRange(0, 5)))

	properties.Property("pooling two halves matches the whole", prop.ForAll(func(a, b []float64) bool {
		sa, sb := Summarize(unit(a...)), Summarize(unit(b...))
		whole := Summarize(unit(append(append([]float64{}, a...), b...)...))

		wa, wb := float64(len(a)), float64(len(b))
		avg := WeightedMean([]float64{sa.Avg, sb.Avg}, []float64{wa, wb})
		sd := PooledStddev([]Moment{{sa.Avg, sa.Stddev, wa}, {sb.Avg, sb.Stddev, wb}}, avg)

		tol := 1e-6 * (math.Abs(whole.Avg) + whole.Stddev + 1)
		return math.Abs(avg-whole.Avg) <= tol && math.Abs(sd-whole.Stddev) <= 1e-3*(whole.Stddev+1)
	}, small, small))

	properties.TestingRun(t)
}
