package reduce

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Tier represents the granularity of a reduction
type Tier int

const (
	Minute Tier = iota // raw decom samples -> 1 minute
	Hour               // minute records -> 1 hour
	Day                // hour records -> 1 day
)

// Tiers lists every tier in pipeline order.
var Tiers = []Tier{Minute, Hour, Day}

func (t Tier) String() string {
	switch t {
	case Minute:
		return "MINUTE"
	case Hour:
		return "HOUR"
	case Day:
		return "DAY"
	}
	return "UNKNOWN"
}

// ParseTier accepts the upper- or lower-case tier name.
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(s) {
	case "MINUTE":
		return Minute, nil
	case "HOUR":
		return Hour, nil
	case "DAY":
		return Day, nil
	}
	return 0, errors.Newf("unknown reduction tier %q", s)
}

// Window is the span of source data folded into one output record.
func (t Tier) Window() time.Duration {
	switch t {
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	}
	return time.Minute
}

// WindowMillis is Window in milliseconds.
func (t Tier) WindowMillis() int64 {
	return t.Window().Milliseconds()
}

// MetricName is the duration metric recorded for each pass of the tier.
func (t Tier) MetricName() string {
	return "reducer_" + strings.ToLower(t.String()) + "_duration"
}

// Packet identifies one telemetry packet whose stream is reduced.
type Packet struct {
	Scope  string
	Target string
	Name   string
}

// DecomTopic is the raw decommutated stream of a packet. The target name is
// wrapped in braces so every topic of one target hashes to the same slot
// when the log is sharded.
func DecomTopic(p Packet) string {
	return p.Scope + "__DECOM__{" + p.Target + "}__" + p.Name
}

// OutputTopic is the topic a tier writes its reduced records to.
func OutputTopic(t Tier, p Packet) string {
	return p.Scope + "__REDUCED_" + t.String() + "__{" + p.Target + "}__" + p.Name
}

// SourceTopic is the topic a tier consumes: the decom stream for MINUTE,
// otherwise the previous tier's output.
func SourceTopic(t Tier, p Packet) string {
	switch t {
	case Hour:
		return OutputTopic(Minute, p)
	case Day:
		return OutputTopic(Hour, p)
	}
	return DecomTopic(p)
}

// ParseTopic splits a decom or reduced topic back into its packet.
func ParseTopic(topic string) (Packet, bool) {
	parts := strings.Split(topic, "__")
	if len(parts) != 4 {
		return Packet{}, false
	}
	kind := parts[1]
	if kind != "DECOM" && !strings.HasPrefix(kind, "REDUCED_") {
		return Packet{}, false
	}
	target := strings.TrimSuffix(strings.TrimPrefix(parts[2], "{"), "}")
	if target == "" || parts[0] == "" || parts[3] == "" {
		return Packet{}, false
	}
	return Packet{Scope: parts[0], Target: target, Name: parts[3]}, true
}
