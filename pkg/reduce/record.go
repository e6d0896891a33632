package reduce

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/nicktill/telemetryd/pkg/stream"
)

// Reserved record fields. Everything else in a record is telemetry.
const (
	FieldTime       = "time"
	FieldTarget     = "target_name"
	FieldPacket     = "packet_name"
	FieldNumSamples = "num_samples"
	FieldStartID    = "__start_time__"
	FieldEndID      = "__end_id__"
)

// Field suffixes produced by reduction.
const (
	SuffixMin       = "__MIN"
	SuffixMax       = "__MAX"
	SuffixAvg       = "__AVG"
	SuffixStddev    = "__STDDEV"
	SuffixConverted = "__C"
)

var reserved = map[string]bool{
	FieldTime:       true,
	FieldTarget:     true,
	FieldPacket:     true,
	FieldNumSamples: true,
	FieldStartID:    true,
	FieldEndID:      true,
}

// ReducedRecord is the output of folding one window.
type ReducedRecord struct {
	Tier Tier

	// StartID is the first record folded into the window, EndID the last.
	StartID stream.ID
	EndID   stream.ID

	// NumSamples is the number of raw samples behind this record: the record
	// count for MINUTE, the sum of upstream num_samples above it.
	NumSamples int64

	Target string
	Packet string

	// Fields holds <name>__MIN, __MAX, __AVG and __STDDEV values.
	Fields map[string]float64
}

// ToFields converts the record to stream fields, reserved metadata included.
func (r ReducedRecord) ToFields() map[string]any {
	out := make(map[string]any, len(r.Fields)+6)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[FieldTime] = r.EndID.Millis * 1_000_000
	out[FieldNumSamples] = r.NumSamples
	out[FieldStartID] = r.StartID.String()
	out[FieldEndID] = r.EndID.String()
	if r.Target != "" {
		out[FieldTarget] = r.Target
	}
	if r.Packet != "" {
		out[FieldPacket] = r.Packet
	}
	return out
}

// EndIDOf returns the last consumed source ID stored in a reduced record.
func EndIDOf(rec stream.Record) (stream.ID, error) {
	raw, ok := rec.Fields[FieldEndID].(string)
	if !ok {
		return stream.ID{}, errors.Newf("record %s has no %s", rec.ID, FieldEndID)
	}
	return stream.ParseID(raw)
}

// Fold reduces one window of source records for tier. ok is false when recs
// is empty.
func Fold(tier Tier, recs []stream.Record) (out ReducedRecord, ok bool) {
	if len(recs) == 0 {
		return ReducedRecord{}, false
	}

	out = ReducedRecord{
		Tier:    tier,
		StartID: recs[0].ID,
		EndID:   recs[len(recs)-1].ID,
	}
	out.Target, _ = recs[0].Fields[FieldTarget].(string)
	out.Packet, _ = recs[0].Fields[FieldPacket].(string)

	if tier == Minute {
		out.Fields = foldRaw(recs)
		out.NumSamples = int64(len(recs))
	} else {
		out.Fields, out.NumSamples = foldReduced(recs)
	}
	return out, true
}

// foldRaw computes MIN/MAX/AVG/STDDEV per field over raw samples.
func foldRaw(recs []stream.Record) map[string]float64 {
	series := make(map[string][]Sample)
	for _, rec := range recs {
		for name, v := range numericFields(rec.Fields) {
			series[name] = append(series[name], Sample{Value: v, Weight: 1})
		}
	}

	out := make(map[string]float64, len(series)*4)
	for name, samples := range series {
		s := Summarize(samples)
		out[name+SuffixMin] = s.Min
		out[name+SuffixMax] = s.Max
		out[name+SuffixAvg] = s.Avg
		out[name+SuffixStddev] = s.Stddev
	}
	return out
}

// numericFields returns the telemetry values of a raw record. A converted
// value (NAME__C) supersedes its raw counterpart; non-numeric fields such
// as formatted strings are dropped.
func numericFields(fields map[string]any) map[string]float64 {
	out := make(map[string]float64, len(fields))
	for key, raw := range fields {
		if reserved[key] {
			continue
		}
		v, ok := toFloat(raw)
		if !ok {
			continue
		}
		if base, converted := strings.CutSuffix(key, SuffixConverted); converted {
			out[base] = v
			continue
		}
		if _, hasConverted := fields[key+SuffixConverted]; hasConverted {
			if _, numeric := toFloat(fields[key+SuffixConverted]); numeric {
				continue
			}
		}
		out[key] = v
	}
	return out
}

// foldReduced combines already-reduced records. Each record is weighted by
// its num_samples. STDDEV is pooled last, around the combined AVG.
func foldReduced(recs []stream.Record) (map[string]float64, int64) {
	var (
		mins    = make(map[string][]float64)
		maxs    = make(map[string][]float64)
		avgs    = make(map[string][]float64)
		avgW    = make(map[string][]float64)
		moments = make(map[string][]Moment)
		total   int64
	)

	for _, rec := range recs {
		w := weightOf(rec.Fields)
		total += w
		fw := float64(w)

		for key, raw := range rec.Fields {
			if reserved[key] {
				continue
			}
			v, ok := toFloat(raw)
			if !ok {
				continue
			}
			switch {
			case strings.HasSuffix(key, SuffixMin):
				mins[key] = append(mins[key], v)
			case strings.HasSuffix(key, SuffixMax):
				maxs[key] = append(maxs[key], v)
			case strings.HasSuffix(key, SuffixAvg):
				avgs[key] = append(avgs[key], v)
				avgW[key] = append(avgW[key], fw)
			case strings.HasSuffix(key, SuffixStddev):
				base := strings.TrimSuffix(key, SuffixStddev)
				avg, ok := toFloat(rec.Fields[base+SuffixAvg])
				if !ok {
					continue
				}
				moments[base] = append(moments[base], Moment{Avg: avg, Stddev: v, Weight: fw})
			}
		}
	}

	out := make(map[string]float64, len(mins)+len(maxs)+len(avgs)+len(moments))
	for key, vs := range mins {
		out[key] = Min(vs)
	}
	for key, vs := range maxs {
		out[key] = Max(vs)
	}
	for key, vs := range avgs {
		out[key] = WeightedMean(vs, avgW[key])
	}

	// STDDEV depends on the AVG computed above, so it goes last.
	bases := make([]string, 0, len(moments))
	for base := range moments {
		bases = append(bases, base)
	}
	sort.Strings(bases)
	for _, base := range bases {
		avg, ok := out[base+SuffixAvg]
		if !ok {
			continue
		}
		out[base+SuffixStddev] = PooledStddev(moments[base], avg)
	}
	return out, total
}

// weightOf returns a record's num_samples, treating a missing or
// non-positive count as a single sample.
func weightOf(fields map[string]any) int64 {
	v, ok := toFloat(fields[FieldNumSamples])
	if !ok || v < 1 {
		return 1
	}
	return int64(v)
}
