package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store holds activities per timeline, ordered by score.
type Store interface {
	// Create validates a and stores it, appending a created event.
	Create(ctx context.Context, a Activity) (Activity, error)

	// Update moves the activity scored score to a's times, kind and data.
	Update(ctx context.Context, timeline string, score int64, a Activity) (Activity, error)

	Get(ctx context.Context, timeline string, score int64) (Activity, error)

	// Range returns activities scored in [start, stop], at most limit of
	// them when limit > 0.
	Range(ctx context.Context, timeline string, start, stop int64, limit int) ([]Activity, error)

	// AddEvent appends an uncommitted event such as queued.
	AddEvent(ctx context.Context, timeline string, score int64, status Status) error

	// Commit records a final status. fulfillment is left unchanged when nil.
	Commit(ctx context.Context, timeline string, score int64, status Status, message string, fulfillment *bool) error

	// DeleteRange removes every activity scored in [min, max] and returns
	// how many were removed. min > max removes nothing.
	DeleteRange(ctx context.Context, timeline string, min, max int64) (int, error)

	Destroy(ctx context.Context, timeline string, score int64) error
}

// Due returns the activities a dispatcher should hold at now: those scored
// from behind before now through lookahead after it.
func Due(ctx context.Context, s Store, timeline string, now time.Time, behind, lookahead time.Duration) ([]Activity, error) {
	sec := now.Unix()
	return s.Range(ctx, timeline, sec-int64(behind/time.Second), sec+int64(lookahead/time.Second), 0)
}

// NotificationKind says what changed on a timeline.
type NotificationKind string

const (
	NotifyCreated NotificationKind = "created"
	NotifyUpdated NotificationKind = "updated"
	NotifyDeleted NotificationKind = "deleted"
	NotifyEvent   NotificationKind = "event"
	NotifyRefresh NotificationKind = "refresh"
)

// Notification is published whenever a timeline changes.
type Notification struct {
	Timeline string           `json:"timeline"`
	Kind     NotificationKind `json:"kind"`
	Time     int64            `json:"time"`
	Activity *Activity        `json:"activity,omitempty"`

	// Previous is the old score of an updated activity.
	Previous int64 `json:"previous,omitempty"`
}

// Notifier receives timeline notifications. Publish must not block.
type Notifier interface {
	Publish(n Notification)
}

type nopNotifier struct{}

func (nopNotifier) Publish(Notification) {}

func notifierOrNop(n Notifier) Notifier {
	if n == nil {
		return nopNotifier{}
	}
	return n
}

func newEvent(now time.Time, status Status, commit bool, message string) Event {
	return Event{
		ID:      uuid.NewString(),
		Time:    now.Unix(),
		Event:   status,
		Commit:  commit,
		Message: message,
	}
}

// applyUpdate copies the mutable parts of in onto cur.
func applyUpdate(cur, in Activity, now time.Time) Activity {
	out := cur.Clone()
	out.Start = in.Start
	out.Stop = in.Stop
	out.Kind = in.Kind
	out.Data = in.Clone().Data
	out.UpdatedAt = now.UnixNano()
	out.Events = append(out.Events, newEvent(now, StatusUpdated, false, ""))
	return out
}

// applyEvent appends an event and, for commits, the final status.
func applyEvent(cur Activity, now time.Time, status Status, commit bool, message string, fulfillment *bool) Activity {
	out := cur.Clone()
	out.Events = append(out.Events, newEvent(now, status, commit, message))
	out.Status = status
	if fulfillment != nil {
		out.Fulfillment = *fulfillment
	}
	return out
}

// prepareCreate fills the bookkeeping fields of a new activity.
func prepareCreate(a Activity, now time.Time) Activity {
	out := a.Clone()
	out.Status = ""
	out.Fulfillment = false
	out.UpdatedAt = now.UnixNano()
	out.Events = []Event{newEvent(now, StatusCreated, false, "")}
	return out
}
