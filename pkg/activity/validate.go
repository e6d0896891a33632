package activity

import (
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrInvalidKind     = errors.New("invalid activity kind")
	ErrInvalidTime     = errors.New("invalid activity time")
	ErrDurationTooLong = errors.New("activity duration too long")
	ErrOverlap         = errors.New("activity overlaps another activity")
	ErrMissingData     = errors.New("activity data missing")
	ErrInvalidName     = errors.New("invalid timeline name")
	ErrNotFound        = errors.New("activity not found")
)

const (
	// MaxDuration is the longest an activity may run, in seconds.
	MaxDuration int64 = 86_400

	// MinLeadTime is how far in the future, in seconds, a new activity
	// must start.
	MinLeadTime int64 = 10
)

// ValidateTimeline rejects names that cannot be used as a store key.
func ValidateTimeline(name string) error {
	if name == "" {
		return errors.Wrap(ErrInvalidName, "empty")
	}
	if strings.ContainsRune(name, 0) {
		return errors.Wrapf(ErrInvalidName, "%q contains a NUL byte", name)
	}
	return nil
}

// Validate checks an activity about to be created or updated.
func Validate(a Activity, now time.Time) error {
	if err := ValidateTimeline(a.Timeline); err != nil {
		return err
	}

	switch a.Kind {
	case KindCommand, KindScript:
	default:
		return errors.Wrapf(ErrInvalidKind, "%s cannot be scheduled", a.Kind)
	}

	if nowSec := now.Unix() + MinLeadTime; a.Start <= nowSec {
		return errors.Wrapf(ErrInvalidTime, "activity must start after %d, got %d", nowSec, a.Start)
	}
	switch d := a.Duration(); {
	case d <= 0:
		return errors.Wrapf(ErrInvalidTime, "start %d must be before stop %d", a.Start, a.Stop)
	case d > MaxDuration:
		return errors.Wrapf(ErrDurationTooLong, "%ds exceeds %ds", d, MaxDuration)
	}

	if a.Data == nil {
		return ErrMissingData
	}
	key := DataCommand
	if a.Kind == KindScript {
		key = DataScript
	}
	if a.Data[key] == "" {
		return errors.Wrapf(ErrMissingData, "%s activity needs data.%s", a.Kind, key)
	}
	return nil
}

// overlapWindow is the score range that can hold an activity overlapping a.
// An activity starting at a.Stop does not overlap.
func overlapWindow(a Activity) (min, max int64) {
	return a.Start - MaxDuration, a.Stop - 1
}

// checkOverlap reports ErrOverlap when any of neighbors, other than the one
// scored ignore, runs into a. neighbors must come from overlapWindow.
func checkOverlap(neighbors []Activity, a Activity, ignore int64, hasIgnore bool) error {
	sorted := append([]Activity(nil), neighbors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start > sorted[j].Start })

	for _, n := range sorted {
		if hasIgnore && n.Start == ignore {
			continue
		}
		// Activities never overlap each other, so the latest one starting
		// before a.Stop is the only candidate.
		if n.Stop > a.Start {
			return errors.Wrapf(ErrOverlap, "collides with activity at %d", n.Start)
		}
		return nil
	}
	return nil
}
