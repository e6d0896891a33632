package activity

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/nicktill/telemetryd/pkg/clock"
)

// MemoryStore keeps activities in sorted slices per timeline.
type MemoryStore struct {
	mu        sync.RWMutex
	timelines map[string][]Activity
	clock     clock.Clock
	notify    Notifier
}

// NewMemoryStore creates an empty store. n may be nil.
func NewMemoryStore(c clock.Clock, n Notifier) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryStore{
		timelines: make(map[string][]Activity),
		clock:     c,
		notify:    notifierOrNop(n),
	}
}

// search returns the index of the first activity scored >= score.
func search(list []Activity, score int64) int {
	return sort.Search(len(list), func(i int) bool { return list[i].Start >= score })
}

// upper returns the index of the first activity scored > score.
func upper(list []Activity, score int64) int {
	return sort.Search(len(list), func(i int) bool { return list[i].Start > score })
}

func between(list []Activity, min, max int64) []Activity {
	if min > max {
		return nil
	}
	return list[search(list, min):upper(list, max)]
}

func (m *MemoryStore) Create(ctx context.Context, a Activity) (Activity, error) {
	if err := ctx.Err(); err != nil {
		return Activity{}, err
	}
	now := m.clock.Now()
	if err := Validate(a, now); err != nil {
		return Activity{}, err
	}

	m.mu.Lock()
	list := m.timelines[a.Timeline]
	lo, hi := overlapWindow(a)
	if err := checkOverlap(between(list, lo, hi), a, 0, false); err != nil {
		m.mu.Unlock()
		return Activity{}, err
	}
	created := prepareCreate(a, now)
	m.timelines[a.Timeline] = insert(list, created)
	m.mu.Unlock()

	out := created.Clone()
	m.notify.Publish(Notification{Timeline: a.Timeline, Kind: NotifyCreated, Time: now.Unix(), Activity: &out})
	return created.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, timeline string, score int64, a Activity) (Activity, error) {
	if err := ctx.Err(); err != nil {
		return Activity{}, err
	}
	now := m.clock.Now()
	a.Timeline = timeline
	if err := Validate(a, now); err != nil {
		return Activity{}, err
	}

	m.mu.Lock()
	list := m.timelines[timeline]
	i, ok := find(list, score)
	if !ok {
		m.mu.Unlock()
		return Activity{}, errors.Wrapf(ErrNotFound, "%s at %d", timeline, score)
	}
	lo, hi := overlapWindow(a)
	if err := checkOverlap(between(list, lo, hi), a, score, true); err != nil {
		m.mu.Unlock()
		return Activity{}, err
	}
	updated := applyUpdate(list[i], a, now)
	list = append(list[:i:i], list[i+1:]...)
	m.timelines[timeline] = insert(list, updated)
	m.mu.Unlock()

	out := updated.Clone()
	m.notify.Publish(Notification{Timeline: timeline, Kind: NotifyUpdated, Time: now.Unix(), Activity: &out, Previous: score})
	return updated.Clone(), nil
}

func (m *MemoryStore) Get(ctx context.Context, timeline string, score int64) (Activity, error) {
	if err := ctx.Err(); err != nil {
		return Activity{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.timelines[timeline]
	i, ok := find(list, score)
	if !ok {
		return Activity{}, errors.Wrapf(ErrNotFound, "%s at %d", timeline, score)
	}
	return list[i].Clone(), nil
}

func (m *MemoryStore) Range(ctx context.Context, timeline string, start, stop int64, limit int) ([]Activity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	found := between(m.timelines[timeline], start, stop)
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	out := make([]Activity, len(found))
	for i, a := range found {
		out[i] = a.Clone()
	}
	return out, nil
}

func (m *MemoryStore) AddEvent(ctx context.Context, timeline string, score int64, status Status) error {
	return m.event(ctx, timeline, score, status, false, "", nil)
}

func (m *MemoryStore) Commit(ctx context.Context, timeline string, score int64, status Status, message string, fulfillment *bool) error {
	return m.event(ctx, timeline, score, status, true, message, fulfillment)
}

func (m *MemoryStore) event(ctx context.Context, timeline string, score int64, status Status, commit bool, message string, fulfillment *bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := m.clock.Now()

	m.mu.Lock()
	list := m.timelines[timeline]
	i, ok := find(list, score)
	if !ok {
		m.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "%s at %d", timeline, score)
	}
	list[i] = applyEvent(list[i], now, status, commit, message, fulfillment)
	out := list[i].Clone()
	m.mu.Unlock()

	m.notify.Publish(Notification{Timeline: timeline, Kind: NotifyEvent, Time: now.Unix(), Activity: &out})
	return nil
}

func (m *MemoryStore) DeleteRange(ctx context.Context, timeline string, min, max int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if min > max {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.timelines[timeline]
	lo, hi := search(list, min), upper(list, max)
	if lo == hi {
		return 0, nil
	}
	m.timelines[timeline] = append(list[:lo:lo], list[hi:]...)
	return hi - lo, nil
}

func (m *MemoryStore) Destroy(ctx context.Context, timeline string, score int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := m.clock.Now()

	m.mu.Lock()
	list := m.timelines[timeline]
	i, ok := find(list, score)
	if !ok {
		m.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "%s at %d", timeline, score)
	}
	removed := list[i]
	m.timelines[timeline] = append(list[:i:i], list[i+1:]...)
	m.mu.Unlock()

	m.notify.Publish(Notification{Timeline: timeline, Kind: NotifyDeleted, Time: now.Unix(), Activity: &removed})
	return nil
}

func find(list []Activity, score int64) (int, bool) {
	i := search(list, score)
	return i, i < len(list) && list[i].Start == score
}

func insert(list []Activity, a Activity) []Activity {
	i := search(list, a.Start)
	list = append(list, Activity{})
	copy(list[i+1:], list[i:])
	list[i] = a
	return list
}
