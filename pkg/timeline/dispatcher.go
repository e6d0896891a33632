package timeline

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nicktill/telemetryd/pkg/activity"
	"github.com/nicktill/telemetryd/pkg/clock"
	"github.com/nicktill/telemetryd/pkg/logging"
	"github.com/nicktill/telemetryd/pkg/metrics"
)

// Mode decides when an activity in the schedule is due.
type Mode int

const (
	// ModeExact fires an activity only in the second equal to its score.
	// A second the dispatcher does not observe is never fired.
	ModeExact Mode = iota
	// ModeCatchup fires any activity scored within the catch-up window
	// behind now that has not fired yet.
	ModeCatchup
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "exact":
		return ModeExact, nil
	case "catchup":
		return ModeCatchup, nil
	}
	return ModeExact, errors.Newf("unknown dispatch mode %q", s)
}

func (m Mode) String() string {
	if m == ModeCatchup {
		return "catchup"
	}
	return "exact"
}

const (
	MetricDispatchedTotal = "timeline_activities_dispatched_total"
	MetricQueueDepth      = "timeline_queue_depth"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Timeline string
	Mode     Mode

	// CatchupWindow is how far behind now an activity may still fire in
	// catch-up mode. It also bounds how long fired scores are remembered.
	CatchupWindow time.Duration

	Tick time.Duration

	// ExpireInterval is the number of ticks between expire sweeps.
	ExpireInterval int

	// Retention is how long activities are kept before a sweep removes them.
	Retention time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics metrics.Sink
}

// Dispatcher checks the schedule once per tick and hands due activities to
// the pool, each score at most once.
type Dispatcher struct {
	cfg      DispatcherConfig
	schedule *Schedule
	store    activity.Store
	pool     *Pool
	notify   activity.Notifier
	clock    clock.Clock
	log      *slog.Logger
	metrics  metrics.Sink

	// Owned by the Run goroutine.
	dispatched map[int64]struct{}
	ticks      int

	lastTick atomic.Int64
	total    atomic.Int64
}

// DispatcherStats is a point-in-time view for the health endpoint.
type DispatcherStats struct {
	Mode       string `json:"mode"`
	LastTick   int64  `json:"last_tick"`
	Dispatched int64  `json:"dispatched"`
}

// NewDispatcher creates a dispatcher. notify receives the refresh requests
// that accompany each expire sweep.
func NewDispatcher(cfg DispatcherConfig, schedule *Schedule, store activity.Store, pool *Pool, notify activity.Notifier) *Dispatcher {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.ExpireInterval < 1 {
		cfg.ExpireInterval = 3000
	}
	if cfg.CatchupWindow < time.Second {
		cfg.CatchupWindow = time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if notify == nil {
		notify = NewBus(cfg.Logger)
	}
	return &Dispatcher{
		cfg:        cfg,
		schedule:   schedule,
		store:      store,
		pool:       pool,
		notify:     notify,
		clock:      cfg.Clock,
		log:        logging.OrDefault(cfg.Logger).With("component", "dispatcher", "timeline", cfg.Timeline),
		metrics:    cfg.Metrics,
		dispatched: make(map[int64]struct{}),
	}
}

// Run ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("dispatcher running", "mode", d.cfg.Mode.String(), "tick", d.cfg.Tick)
	defer d.log.Info("dispatcher exiting")

	for {
		if ctx.Err() != nil {
			return
		}
		d.Step(ctx, d.clock.Now())

		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(d.cfg.Tick):
		}
	}
}

// Step runs one tick at now and returns how many activities it enqueued.
func (d *Dispatcher) Step(ctx context.Context, now time.Time) int {
	n := d.dispatch(ctx, now.Unix())
	d.total.Add(int64(n))
	d.lastTick.Store(now.Unix())
	d.metrics.SetGauge(MetricQueueDepth, float64(d.pool.Stats().Queued),
		map[string]string{"timeline": d.cfg.Timeline})

	d.ticks++
	if d.ticks >= d.cfg.ExpireInterval {
		d.ticks = 0
		d.expire(ctx, now)
	}
	return n
}

func (d *Dispatcher) due(score, now int64) bool {
	if d.cfg.Mode == ModeCatchup {
		return score <= now && score >= now-int64(d.cfg.CatchupWindow/time.Second)
	}
	return score == now
}

func (d *Dispatcher) dispatch(ctx context.Context, now int64) int {
	d.prune(now)

	n := 0
	for _, a := range d.schedule.Snapshot() {
		score := a.Score()
		if !d.due(score, now) {
			continue
		}
		if _, done := d.dispatched[score]; done {
			continue
		}
		d.dispatched[score] = struct{}{}

		if err := d.store.AddEvent(ctx, a.Timeline, score, activity.StatusQueued); err != nil {
			d.log.Warn("failed to record queued event", "score", score, "err", err)
		}
		if err := d.pool.Submit(ctx, a); err != nil {
			d.log.Error("failed to enqueue activity", "score", score, "kind", a.Kind.String(), "err", err)
			continue
		}
		n++
		d.log.Debug("activity queued", "score", score, "kind", a.Kind.String(), "lag", now-score)
		d.metrics.IncCounter(MetricDispatchedTotal, map[string]string{"timeline": d.cfg.Timeline})
	}
	return n
}

// prune forgets fired scores too old to be due again.
func (d *Dispatcher) prune(now int64) {
	horizon := now - int64(d.cfg.CatchupWindow/time.Second)
	for score := range d.dispatched {
		if score < horizon {
			delete(d.dispatched, score)
		}
	}
}

// expire queues a sweep of activities older than the retention period and
// asks for the schedule to be reloaded, so it cannot run dry when nothing
// new is created.
func (d *Dispatcher) expire(ctx context.Context, now time.Time) {
	sweep := activity.Activity{
		Timeline: d.cfg.Timeline,
		Kind:     activity.KindExpire,
		Start:    0,
		Stop:     now.Add(-d.cfg.Retention).Unix(),
	}
	if err := d.pool.Submit(ctx, sweep); err != nil {
		d.log.Error("failed to enqueue expire sweep", "err", err)
	}

	d.notify.Publish(activity.Notification{
		Timeline: d.cfg.Timeline,
		Kind:     activity.NotifyRefresh,
		Time:     now.Unix(),
	})
	d.log.Debug("expire sweep queued", "max", sweep.Stop)
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Mode:       d.cfg.Mode.String(),
		LastTick:   d.lastTick.Load(),
		Dispatched: d.total.Load(),
	}
}
