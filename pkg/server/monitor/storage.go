package monitor

import (
	"sync"
	"time"

	"github.com/nicktill/telemetryd/pkg/clock"
)

// Sizer reports the on-disk size of a store. storage.DB implements it.
type Sizer interface {
	Size() (lsm, vlog int64)
}

// StorageUsage is the cached size of the badger store.
type StorageUsage struct {
	LSMBytes  int64 `json:"lsm_bytes"`
	VLogBytes int64 `json:"vlog_bytes"`
	UsedBytes int64 `json:"used_bytes"`
}

// StorageMonitor caches store sizes so the health endpoint does not ask
// badger on every request.
type StorageMonitor struct {
	sizer         Sizer
	clock         clock.Clock
	cacheDuration time.Duration

	mu        sync.Mutex
	cached    StorageUsage
	lastCheck time.Time
}

func NewStorageMonitor(sizer Sizer, c clock.Clock) *StorageMonitor {
	if c == nil {
		c = clock.Real()
	}
	return &StorageMonitor{
		sizer:         sizer,
		clock:         c,
		cacheDuration: 10 * time.Second,
	}
}

// Usage returns the store size, refreshed at most every 10 seconds.
func (sm *StorageMonitor) Usage() StorageUsage {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.clock.Now()
	if !sm.lastCheck.IsZero() && now.Sub(sm.lastCheck) < sm.cacheDuration {
		return sm.cached
	}

	lsm, vlog := sm.sizer.Size()
	sm.cached = StorageUsage{LSMBytes: lsm, VLogBytes: vlog, UsedBytes: lsm + vlog}
	sm.lastCheck = now
	return sm.cached
}
