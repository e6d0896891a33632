package monitor

import (
	"sync"
	"time"

	"github.com/nicktill/telemetryd/pkg/clock"
	"github.com/nicktill/telemetryd/pkg/reduce"
)

// maxConsecutiveErrors is how many failed passes in a row a tier may have
// before it is reported unhealthy.
const maxConsecutiveErrors = 3

// DefaultStaleness is how long a tier may go without a successful pass,
// roughly twice its usual cadence.
var DefaultStaleness = map[reduce.Tier]time.Duration{
	reduce.Minute: 2 * time.Minute,
	reduce.Hour:   30 * time.Minute,
	reduce.Day:    2 * time.Hour,
}

type tierState struct {
	firstAttempt      time.Time
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// ReductionMonitor tracks reduction health per tier. It is the scheduler's
// reduce.Observer.
type ReductionMonitor struct {
	clock     clock.Clock
	staleness map[reduce.Tier]time.Duration

	mu    sync.RWMutex
	tiers map[reduce.Tier]*tierState
}

// NewReductionMonitor creates a monitor. A nil staleness map means
// DefaultStaleness.
func NewReductionMonitor(c clock.Clock, staleness map[reduce.Tier]time.Duration) *ReductionMonitor {
	if c == nil {
		c = clock.Real()
	}
	if staleness == nil {
		staleness = DefaultStaleness
	}
	return &ReductionMonitor{
		clock:     c,
		staleness: staleness,
		tiers:     make(map[reduce.Tier]*tierState),
	}
}

func (m *ReductionMonitor) state(t reduce.Tier, now time.Time) *tierState {
	s, ok := m.tiers[t]
	if !ok {
		s = &tierState{firstAttempt: now}
		m.tiers[t] = s
	}
	return s
}

// RecordSuccess records a pass in which every topic of t reduced cleanly.
func (m *ReductionMonitor) RecordSuccess(t reduce.Tier) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(t, now)
	s.lastSuccess = now
	s.lastAttempt = now
	s.consecutiveErrors = 0
	s.lastError = ""
}

// RecordFailure records a pass of t that failed for at least one topic.
func (m *ReductionMonitor) RecordFailure(t reduce.Tier, err error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(t, now)
	s.lastAttempt = now
	s.consecutiveErrors++
	if err != nil {
		s.lastError = err.Error()
	}
}

// healthy reports whether one tier is working. A tier that has never run is
// healthy; one that has run is unhealthy when:
//   - it failed more than maxConsecutiveErrors times in a row
//   - its last success (or, before any, its first attempt) is stale
func (m *ReductionMonitor) healthy(t reduce.Tier, s *tierState, now time.Time) bool {
	if s.consecutiveErrors > maxConsecutiveErrors {
		return false
	}
	since := s.lastSuccess
	if since.IsZero() {
		since = s.firstAttempt
		if s.consecutiveErrors == 0 {
			return true
		}
	}
	limit, ok := m.staleness[t]
	return !ok || now.Sub(since) <= limit
}

// IsHealthy reports whether every tier that has run is healthy.
func (m *ReductionMonitor) IsHealthy() bool {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for t, s := range m.tiers {
		if !m.healthy(t, s, now) {
			return false
		}
	}
	return true
}

// TierStatus is the health of one tier.
type TierStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the health of every tier that has run, keyed by tier name.
func (m *ReductionMonitor) Status() map[string]TierStatus {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]TierStatus, len(m.tiers))
	for t, s := range m.tiers {
		st := TierStatus{Healthy: m.healthy(t, s, now)}
		if !s.lastSuccess.IsZero() {
			st.LastSuccess = s.lastSuccess.Format(time.RFC3339)
			st.TimeSinceSuccess = now.Sub(s.lastSuccess).String()
		}
		if !s.lastAttempt.IsZero() {
			st.LastAttempt = s.lastAttempt.Format(time.RFC3339)
		}
		if s.consecutiveErrors > 0 {
			st.ConsecutiveErrors = s.consecutiveErrors
			st.LastError = s.lastError
		}
		out[t.String()] = st
	}
	return out
}
