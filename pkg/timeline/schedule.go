// Package timeline runs scheduled activities. A Schedule caches the
// activities due soon, a Dispatcher enqueues each one when its second
// arrives, and a Pool executes them and commits the outcome to the store.
package timeline

import (
	"slices"
	"sync"

	"github.com/nicktill/telemetryd/pkg/activity"
)

// Schedule is the copy-on-write list of activities the dispatcher looks
// at. The list is never modified in place: every change builds a new slice
// under mu, so a snapshot is always one complete version.
type Schedule struct {
	mu         sync.Mutex
	activities []activity.Activity
}

func NewSchedule() *Schedule {
	return &Schedule{}
}

// Snapshot returns the current activities ordered by score.
func (s *Schedule) Snapshot() []activity.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.activities)
}

// Replace swaps in a new list.
func (s *Schedule) Replace(list []activity.Activity) {
	next := make([]activity.Activity, len(list))
	for i, a := range list {
		next[i] = a.Clone()
	}
	slices.SortFunc(next, byScore)

	s.mu.Lock()
	s.activities = next
	s.mu.Unlock()
}

// Add inserts a unless an activity with the same score is already held.
func (s *Schedule) Add(a activity.Activity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, found := slices.BinarySearchFunc(s.activities, a.Score(), scoreCmp)
	if found {
		return false
	}
	s.activities = slices.Insert(slices.Clone(s.activities), i, a.Clone())
	return true
}

// Remove drops the activity with the given score.
func (s *Schedule) Remove(score int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, found := slices.BinarySearchFunc(s.activities, score, scoreCmp)
	if !found {
		return false
	}
	s.activities = slices.Delete(slices.Clone(s.activities), i, i+1)
	return true
}

func (s *Schedule) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activities)
}

func byScore(a, b activity.Activity) int {
	return scoreCmp(a, b.Score())
}

func scoreCmp(a activity.Activity, score int64) int {
	switch {
	case a.Score() < score:
		return -1
	case a.Score() > score:
		return 1
	}
	return 0
}
