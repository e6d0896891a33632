package timeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nicktill/telemetryd/pkg/activity"
	"github.com/nicktill/telemetryd/pkg/clock"
	"github.com/nicktill/telemetryd/pkg/metrics"
)

// Config configures everything that runs one timeline.
type Config struct {
	Timeline string
	Mode     Mode

	Workers        int
	QueueSize      int
	ExpireInterval int

	Tick            time.Duration
	CatchupWindow   time.Duration
	Lookahead       time.Duration
	Retention       time.Duration
	RefreshInterval time.Duration
	ActivityTimeout time.Duration
	PatchMin        time.Duration
	PatchMax        time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics metrics.Sink
}

// Runner wires the schedule, refresher, dispatcher and pool of one timeline.
type Runner struct {
	name       string
	Schedule   *Schedule
	Pool       *Pool
	Dispatcher *Dispatcher
	Service    *Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RunnerStats summarises one timeline for the health endpoint.
type RunnerStats struct {
	Timeline   string          `json:"timeline"`
	Scheduled  int             `json:"scheduled"`
	Dispatcher DispatcherStats `json:"dispatcher"`
	Pool       PoolStats       `json:"pool"`
}

func NewRunner(cfg Config, store activity.Store, bus *Bus, commands CommandSender, scripts ScriptRunner) *Runner {
	schedule := NewSchedule()
	pool := NewPool(PoolConfig{
		Timeline:        cfg.Timeline,
		Workers:         cfg.Workers,
		QueueSize:       cfg.QueueSize,
		ActivityTimeout: cfg.ActivityTimeout,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
	}, store, commands, scripts)

	return &Runner{
		name:     cfg.Timeline,
		Schedule: schedule,
		Pool:     pool,
		Dispatcher: NewDispatcher(DispatcherConfig{
			Timeline:       cfg.Timeline,
			Mode:           cfg.Mode,
			CatchupWindow:  cfg.CatchupWindow,
			Tick:           cfg.Tick,
			ExpireInterval: cfg.ExpireInterval,
			Retention:      cfg.Retention,
			Clock:          cfg.Clock,
			Logger:         cfg.Logger,
			Metrics:        cfg.Metrics,
		}, schedule, store, pool, bus),
		Service: NewService(ServiceConfig{
			Timeline:        cfg.Timeline,
			Lookahead:       cfg.Lookahead,
			Behind:          cfg.CatchupWindow,
			RefreshInterval: cfg.RefreshInterval,
			PatchMin:        cfg.PatchMin,
			PatchMax:        cfg.PatchMax,
			Clock:           cfg.Clock,
			Logger:          cfg.Logger,
			Metrics:         cfg.Metrics,
		}, schedule, store, bus),
	}
}

func (r *Runner) Name() string { return r.name }

// Start runs the pool, the refresher and the dispatcher in the background.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.Pool.Start()

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.Service.Run(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.Dispatcher.Run(ctx)
	}()
}

// StopDispatch stops the dispatcher and refresher. Queued activities stay
// in the pool until Drain.
func (r *Runner) StopDispatch() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Drain lets the pool finish queued work, waiting at most timeout.
func (r *Runner) Drain(timeout time.Duration) error {
	return r.Pool.Shutdown(timeout)
}

func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		Timeline:   r.name,
		Scheduled:  r.Schedule.Len(),
		Dispatcher: r.Dispatcher.Stats(),
		Pool:       r.Pool.Stats(),
	}
}
