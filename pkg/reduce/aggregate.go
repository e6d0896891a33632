package reduce

import "math"

// Sample is one value folded into a summary. Weight is 1 for raw samples and
// the upstream num_samples for already-reduced records.
type Sample struct {
	Value  float64
	Weight float64
}

// Summary is the result of folding a window of samples.
type Summary struct {
	Min    float64
	Max    float64
	Avg    float64
	Stddev float64
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Summarize folds samples into min, max, weighted mean and weighted
// population standard deviation. Non-finite values are skipped; when no
// finite value remains every field is NaN. With unit weights this is the
// MINUTE-tier reduction.
func Summarize(samples []Sample) Summary {
	values := make([]float64, 0, len(samples))
	weights := make([]float64, 0, len(samples))
	for _, s := range samples {
		values = append(values, s.Value)
		weights = append(weights, s.Weight)
	}

	avg := WeightedMean(values, weights)
	return Summary{
		Min:    Min(values),
		Max:    Max(values),
		Avg:    avg,
		Stddev: populationStddev(values, weights, avg),
	}
}

// Min returns the smallest finite value, or NaN if there is none.
func Min(values []float64) float64 {
	out := math.NaN()
	for _, v := range values {
		if finite(v) && (math.IsNaN(out) || v < out) {
			out = v
		}
	}
	return out
}

// Max returns the largest finite value, or NaN if there is none.
func Max(values []float64) float64 {
	out := math.NaN()
	for _, v := range values {
		if finite(v) && (math.IsNaN(out) || v > out) {
			out = v
		}
	}
	return out
}

// WeightedMean returns Σ(v·w)/Σw over pairs with a finite value and a
// positive weight. NaN when the total weight is 0.
func WeightedMean(values, weights []float64) float64 {
	var sum, total float64
	for i, v := range values {
		w := weights[i]
		if !finite(v) || !(w > 0) {
			continue
		}
		sum += v * w
		total += w
	}
	if total == 0 {
		return math.NaN()
	}
	return sum / total
}

func populationStddev(values, weights []float64, avg float64) float64 {
	if math.IsNaN(avg) {
		return math.NaN()
	}
	var s2, total float64
	for i, v := range values {
		w := weights[i]
		if !finite(v) || !(w > 0) {
			continue
		}
		d := v - avg
		s2 += w * d * d
		total += w
	}
	return math.Sqrt(s2 / total)
}

// Moment is an upstream window's mean and standard deviation together with
// its sample weight.
type Moment struct {
	Avg    float64
	Stddev float64
	Weight float64
}

// PooledStddev combines upstream (avg, stddev, weight) triples around the
// already pooled mean:
//
//	sqrt( Σ w·(avg_i² + sd_i²) / Σw − avg² )
//
// A negative radicand (cancellation when the variance is tiny next to the
// mean) yields 0. NaN when avg is NaN or no triple is usable.
func PooledStddev(moments []Moment, avg float64) float64 {
	if math.IsNaN(avg) {
		return math.NaN()
	}
	var s2, total float64
	for _, m := range moments {
		if !finite(m.Avg) || !finite(m.Stddev) || !(m.Weight > 0) {
			continue
		}
		s2 += m.Weight * (m.Avg*m.Avg + m.Stddev*m.Stddev)
		total += m.Weight
	}
	if total == 0 {
		return math.NaN()
	}
	radicand := s2/total - avg*avg
	if radicand < 0 {
		return 0
	}
	return math.Sqrt(radicand)
}

// toFloat converts the numeric types a decoded record can carry.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
