package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nicktill/telemetryd/pkg/activity"
	"github.com/nicktill/telemetryd/pkg/logging"
	"github.com/nicktill/telemetryd/pkg/metrics"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("activity pool is shut down")

const (
	MetricActivitySeconds = "timeline_activity_seconds"
	MetricActivitiesTotal = "timeline_activities_total"
)

// PoolConfig configures a worker pool.
type PoolConfig struct {
	Timeline        string
	Workers         int
	QueueSize       int
	ActivityTimeout time.Duration
	Logger          *slog.Logger
	Metrics         metrics.Sink
}

// PoolStats counts finished activities.
type PoolStats struct {
	Queued    int   `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Expired   int64 `json:"expired"`
	Panics    int64 `json:"panics"`
}

// Pool runs activities on a fixed set of workers fed by one FIFO queue.
// Each queued activity is taken by exactly one worker, which owns it until
// its status is committed.
type Pool struct {
	cfg      PoolConfig
	store    activity.Store
	commands CommandSender
	scripts  ScriptRunner
	log      *slog.Logger
	metrics  metrics.Sink

	// nil is the stop sentinel; each worker exits on the first one it takes.
	queue chan *activity.Activity
	wg    sync.WaitGroup

	// stop is closed when Shutdown gives up, releasing a blocked sentinel push.
	stop    chan struct{}
	pushers sync.WaitGroup

	// mu is held for reading while submitting so Shutdown never races a send.
	mu      sync.RWMutex
	started bool
	closed  bool

	completed atomic.Int64
	failed    atomic.Int64
	expired   atomic.Int64
	panics    atomic.Int64
}

func NewPool(cfg PoolConfig, store activity.Store, commands CommandSender, scripts ScriptRunner) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < cfg.Workers {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = 30 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return &Pool{
		cfg:      cfg,
		store:    store,
		commands: commands,
		scripts:  scripts,
		log:      logging.OrDefault(cfg.Logger).With("component", "pool", "timeline", cfg.Timeline),
		metrics:  cfg.Metrics,
		queue:    make(chan *activity.Activity, cfg.QueueSize),
		stop:     make(chan struct{}),
	}
}

// Start launches the workers. Calling it twice has no effect.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	p.log.Info("activity workers started", "workers", p.cfg.Workers)
}

// Submit queues a for execution, waiting for room when the queue is full.
func (p *Pool) Submit(ctx context.Context, a activity.Activity) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- &a:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting activities and puts one sentinel per worker
// behind everything already queued, so queued work still runs. It waits up
// to timeout for the workers to exit. A pool that was never started has no
// workers; its queue is discarded.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	if !started {
		if n := p.discardQueued(); n > 0 {
			p.log.Warn("activity pool closed before start, queued activities discarded", "discarded", n)
		}
		return nil
	}

	done := make(chan struct{})
	p.pushers.Add(1)
	go func() {
		defer p.pushers.Done()
		for i := 0; i < p.cfg.Workers; i++ {
			select {
			case p.queue <- nil:
			case <-p.stop:
				return
			}
		}
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("activity workers stopped", "completed", p.completed.Load(), "failed", p.failed.Load())
		return nil
	case <-time.After(timeout):
		close(p.stop)
		return errors.Newf("activity workers still busy after %s (%d queued)", timeout, len(p.queue))
	}
}

func (p *Pool) discardQueued() int {
	n := 0
	for {
		select {
		case a := <-p.queue:
			if a != nil {
				n++
			}
		default:
			return n
		}
	}
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Queued:    len(p.queue),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Expired:   p.expired.Load(),
		Panics:    p.panics.Load(),
	}
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	log := p.log.With("worker", id)
	log.Debug("activity worker running")

	for {
		a := <-p.queue
		if a == nil {
			log.Debug("activity worker exiting")
			return
		}
		p.run(log, *a)
	}
}

// run executes one activity. A panic is logged and counted; the worker
// carries on with the next activity.
func (p *Pool) run(log *slog.Logger, a activity.Activity) {
	log = log.With("kind", a.Kind.String(), "score", a.Score())
	start := time.Now()
	status := "unknown"

	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			status = "panic"
			log.Error("activity panicked", "panic", fmt.Sprint(r))
		}
		labels := map[string]string{"timeline": p.cfg.Timeline, "kind": a.Kind.String()}
		p.metrics.RecordDuration(MetricActivitySeconds, time.Since(start).Seconds(), labels)
		p.metrics.IncCounter(MetricActivitiesTotal, map[string]string{
			"timeline": p.cfg.Timeline, "kind": a.Kind.String(), "status": status,
		})
	}()

	switch a.Kind {
	case activity.KindCommand:
		status = p.runCommand(log, a)
	case activity.KindScript:
		status = p.runScript(log, a)
	case activity.KindExpire:
		status = p.runExpire(log, a)
	default:
		log.Error("unknown activity kind, dropped")
	}
}

func (p *Pool) execContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.cfg.ActivityTimeout)
}

func (p *Pool) runCommand(log *slog.Logger, a activity.Activity) string {
	command := a.Data[activity.DataCommand]
	log.Info("running command", "command", command)

	ctx, cancel := p.execContext()
	defer cancel()

	if err := p.commands.SendCommand(ctx, command); err != nil {
		log.Error("command failed", "err", err)
		p.commit(log, a, activity.StatusFailed, err.Error(), nil)
		return string(activity.StatusFailed)
	}
	fulfilled := true
	p.commit(log, a, activity.StatusComplete, "", &fulfilled)
	return string(activity.StatusComplete)
}

func (p *Pool) runScript(log *slog.Logger, a activity.Activity) string {
	name := a.Data[activity.DataScript]
	log.Info("running script", "script", name)

	ctx, cancel := p.execContext()
	defer cancel()

	reply, err := p.scripts.RunScript(ctx, name, a)
	if err != nil {
		log.Error("script failed", "script", name, "err", err)
		p.commit(log, a, activity.StatusFailed, err.Error(), nil)
		return string(activity.StatusFailed)
	}
	fulfilled := true
	p.commit(log, a, activity.StatusComplete, name+" => "+reply, &fulfilled)
	return string(activity.StatusComplete)
}

// runExpire deletes the activities scored in [a.Start, a.Stop]. Expire
// activities are not stored, so nothing is committed.
func (p *Pool) runExpire(log *slog.Logger, a activity.Activity) string {
	ctx, cancel := p.execContext()
	defer cancel()

	n, err := p.store.DeleteRange(ctx, a.Timeline, a.Start, a.Stop)
	if err != nil {
		log.Error("failed to clear expired activities", "min", a.Start, "max", a.Stop, "err", err)
		return string(activity.StatusFailed)
	}
	p.expired.Add(int64(n))
	log.Info("expired activities cleared", "removed", n, "max", a.Stop)
	return string(activity.StatusComplete)
}

// commit records the outcome. A failed commit is logged; the activity keeps
// its last stored state and is not dispatched again.
func (p *Pool) commit(log *slog.Logger, a activity.Activity, status activity.Status, message string, fulfillment *bool) {
	switch status {
	case activity.StatusComplete:
		p.completed.Add(1)
	case activity.StatusFailed:
		p.failed.Add(1)
	}

	ctx, cancel := p.execContext()
	defer cancel()
	if err := p.store.Commit(ctx, a.Timeline, a.Score(), status, message, fulfillment); err != nil {
		log.Error("failed to commit activity", "status", string(status), "err", err)
	}
}
