// Package activity models scheduled timeline activities and the stores that
// hold them. An activity is keyed within its timeline by its start time in
// epoch seconds (its score); no two activities on a timeline may overlap.
package activity

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind is what an activity does when it fires.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCommand
	KindScript
	KindExpire
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "CMD"
	case KindScript:
		return "SCRIPT"
	case KindExpire:
		return "EXPIRE"
	}
	return "UNKNOWN"
}

// ParseKind accepts the kind names case-insensitively. COMMAND is an alias
// of CMD.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(s) {
	case "CMD", "COMMAND":
		return KindCommand, nil
	case "SCRIPT":
		return KindScript, nil
	case "EXPIRE":
		return KindExpire, nil
	}
	return KindUnknown, errors.Wrapf(ErrInvalidKind, "%q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if k == KindUnknown {
		return nil, errors.Wrap(ErrInvalidKind, "cannot encode unknown kind")
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Status is the lifecycle state recorded in an activity's events.
type Status string

const (
	StatusCreated  Status = "created"
	StatusUpdated  Status = "updated"
	StatusQueued   Status = "queued"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Data keys read by the executors.
const (
	DataCommand = "command"
	DataScript  = "script"
)

// Event is one entry of an activity's append-only history.
type Event struct {
	ID      string `json:"id" cbor:"1,keyasint"`
	Time    int64  `json:"time" cbor:"2,keyasint"`
	Event   Status `json:"event" cbor:"3,keyasint"`
	Commit  bool   `json:"commit,omitempty" cbor:"4,keyasint,omitempty"`
	Message string `json:"message,omitempty" cbor:"5,keyasint,omitempty"`
}

// Activity is a unit of scheduled work on a named timeline. Start and Stop
// are epoch seconds.
type Activity struct {
	Timeline    string            `json:"name" cbor:"1,keyasint"`
	Start       int64             `json:"start" cbor:"2,keyasint"`
	Stop        int64             `json:"stop" cbor:"3,keyasint"`
	Kind        Kind              `json:"kind" cbor:"4,keyasint"`
	Data        map[string]string `json:"data" cbor:"5,keyasint"`
	Status      Status            `json:"status,omitempty" cbor:"6,keyasint,omitempty"`
	Fulfillment bool              `json:"fulfillment" cbor:"7,keyasint"`
	Events      []Event           `json:"events" cbor:"8,keyasint"`
	UpdatedAt   int64             `json:"updated_at" cbor:"9,keyasint"`
}

// Score is the activity's sort key within its timeline.
func (a Activity) Score() int64 { return a.Start }

// Duration in seconds.
func (a Activity) Duration() int64 { return a.Stop - a.Start }

// Clone returns a deep copy, so callers can hand out activities without
// sharing the events slice or data map.
func (a Activity) Clone() Activity {
	out := a
	if a.Data != nil {
		out.Data = make(map[string]string, len(a.Data))
		for k, v := range a.Data {
			out.Data[k] = v
		}
	}
	if a.Events != nil {
		out.Events = append([]Event(nil), a.Events...)
	}
	return out
}

// LastEvent returns the most recent event, if any.
func (a Activity) LastEvent() (Event, bool) {
	if len(a.Events) == 0 {
		return Event{}, false
	}
	return a.Events[len(a.Events)-1], true
}
