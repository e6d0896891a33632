package stream

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrInvalidID is returned when a record ID or bound cannot be parsed.
var ErrInvalidID = errors.New("invalid stream id")

// ID identifies a record within a topic: the millisecond timestamp it was
// appended at plus a sequence number disambiguating records in the same
// millisecond. IDs are totally ordered within a topic.
type ID struct {
	Millis int64
	Seq    uint64
}

var (
	MinID = ID{}
	MaxID = ID{Millis: math.MaxInt64, Seq: math.MaxUint64}
)

// String renders the ID as "<millis>-<seq>".
func (id ID) String() string {
	return strconv.FormatInt(id.Millis, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Compare returns -1, 0 or +1.
func (id ID) Compare(o ID) int {
	switch {
	case id.Millis < o.Millis:
		return -1
	case id.Millis > o.Millis:
		return 1
	case id.Seq < o.Seq:
		return -1
	case id.Seq > o.Seq:
		return 1
	}
	return 0
}

func (id ID) Less(o ID) bool { return id.Compare(o) < 0 }

func (id ID) IsZero() bool { return id == ID{} }

// MarshalText lets IDs travel as strings in JSON and CBOR.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID parses "<millis>-<seq>". A bare "<millis>" means sequence 0.
func ParseID(s string) (ID, error) {
	ms, seq, hasSeq := strings.Cut(s, "-")
	millis, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || millis < 0 {
		return ID{}, errors.Wrapf(ErrInvalidID, "%q", s)
	}
	id := ID{Millis: millis}
	if hasSeq {
		id.Seq, err = strconv.ParseUint(seq, 10, 64)
		if err != nil {
			return ID{}, errors.Wrapf(ErrInvalidID, "%q", s)
		}
	}
	return id, nil
}

// Bound is one end of a range read. An exclusive bound leaves its own ID out
// of the result.
type Bound struct {
	ID        ID
	Exclusive bool
}

// Inclusive returns a bound that includes id.
func Inclusive(id ID) Bound { return Bound{ID: id} }

// Exclusive returns a bound that excludes id.
func Exclusive(id ID) Bound { return Bound{ID: id, Exclusive: true} }

// Before returns the exclusive upper bound for everything earlier than millis.
func Before(millis int64) Bound { return Exclusive(ID{Millis: millis}) }

// String renders the bound, prefixing exclusive bounds with "(".
func (b Bound) String() string {
	if b.Exclusive {
		return "(" + b.ID.String()
	}
	return b.ID.String()
}

// ParseBound parses a bound. "-" and "+" are the smallest and largest
// possible IDs.
func ParseBound(s string) (Bound, error) {
	switch s {
	case "-":
		return Inclusive(MinID), nil
	case "+":
		return Inclusive(MaxID), nil
	}
	var b Bound
	if strings.HasPrefix(s, "(") {
		b.Exclusive = true
		s = s[1:]
	}
	id, err := ParseID(s)
	if err != nil {
		return Bound{}, err
	}
	b.ID = id
	return b, nil
}

// AdmitsFrom reports whether id satisfies b as a lower bound.
func (b Bound) AdmitsFrom(id ID) bool {
	c := id.Compare(b.ID)
	return c > 0 || (c == 0 && !b.Exclusive)
}

// AdmitsTo reports whether id satisfies b as an upper bound.
func (b Bound) AdmitsTo(id ID) bool {
	c := id.Compare(b.ID)
	return c < 0 || (c == 0 && !b.Exclusive)
}

// Record is an immutable entry in a topic.
type Record struct {
	ID     ID
	Fields map[string]any
}

// NextID returns the ID assigned to a record appended at millis after last.
// A timestamp older than the newest record is clamped so IDs stay monotonic.
func NextID(last ID, hasLast bool, millis int64) ID {
	if !hasLast || millis > last.Millis {
		return ID{Millis: millis}
	}
	return ID{Millis: last.Millis, Seq: last.Seq + 1}
}

// Client is an ordered, appendable, time-indexed log of records keyed by
// topic name.
type Client interface {
	// Append adds fields to topic with a timestamp of millis and returns the
	// assigned ID.
	Append(ctx context.Context, topic string, millis int64, fields map[string]any) (ID, error)

	// ReadRange returns records with IDs between start and end in ascending
	// order. A limit <= 0 means no limit.
	ReadRange(ctx context.Context, topic string, start, end Bound, limit int) ([]Record, error)

	// Oldest and Newest return the first and last record of a topic.
	// ok is false when the topic is empty or unknown.
	Oldest(ctx context.Context, topic string) (rec Record, ok bool, err error)
	Newest(ctx context.Context, topic string) (rec Record, ok bool, err error)

	Exists(ctx context.Context, topic string) (bool, error)

	// InitializeTopics registers topics so Exists reports them before the
	// first append.
	InitializeTopics(ctx context.Context, topics []string) error

	// Topics lists every known topic in name order.
	Topics(ctx context.Context) ([]string, error)
}

// ValidateTopic rejects topic names that cannot be stored.
func ValidateTopic(topic string) error {
	if topic == "" {
		return errors.New("topic name is required")
	}
	if len(topic) > 512 {
		return errors.Newf("topic name too long (%d bytes)", len(topic))
	}
	return nil
}
