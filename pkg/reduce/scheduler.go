package reduce

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nicktill/telemetryd/pkg/logging"
	"github.com/nicktill/telemetryd/pkg/metrics"
	"github.com/nicktill/telemetryd/pkg/stream"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Observer is told how each tier pass went. The health monitor implements it.
type Observer interface {
	RecordSuccess(t Tier)
	RecordFailure(t Tier, err error)
}

// SchedulerConfig configures the reduction scheduler.
type SchedulerConfig struct {
	// Standard 5-field cron expressions, one per tier.
	MinuteCron string
	HourCron   string
	DayCron    string

	// RunOnStart runs every tier once as soon as the scheduler starts.
	RunOnStart bool

	// Parallelism bounds how many topics of one tier reduce concurrently.
	Parallelism int

	// ShutdownGrace is how long Stop lets in-flight passes finish before
	// cancelling them.
	ShutdownGrace time.Duration

	// ReadLimit pages window reads; 0 reads each window in one call.
	ReadLimit int

	Logger   *slog.Logger
	Metrics  metrics.Sink
	Observer Observer
}

// Scheduler fires reduction passes for each tier on its own cadence. A tick
// that arrives while the previous pass of the same tier is still running is
// skipped, so each topic has at most one pass in flight.
type Scheduler struct {
	cfg     SchedulerConfig
	client  stream.Client
	workers map[Tier][]*Worker
	log     *slog.Logger
	metrics metrics.Sink

	cron    *cron.Cron
	entries map[Tier]cron.EntryID

	// passCtx is cancelled when the shutdown grace period runs out.
	passCtx    context.Context
	cancelPass context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewScheduler builds one worker per (tier, packet).
func NewScheduler(cfg SchedulerConfig, client stream.Client, offsets Persister, packets []Packet) (*Scheduler, error) {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	log := logging.OrDefault(cfg.Logger).With("component", "reducer")

	s := &Scheduler{
		cfg:     cfg,
		client:  client,
		workers: make(map[Tier][]*Worker),
		log:     log,
		metrics: cfg.Metrics,
		entries: make(map[Tier]cron.EntryID),
	}
	for _, tier := range Tiers {
		for _, p := range packets {
			s.workers[tier] = append(s.workers[tier], NewWorker(tier, p, client, offsets, cfg.ReadLimit, log))
		}
	}

	cronLog := logging.CronLogger{L: log}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog)),
	)

	specs := map[Tier]string{Minute: cfg.MinuteCron, Hour: cfg.HourCron, Day: cfg.DayCron}
	for _, tier := range Tiers {
		tier := tier
		// SkipIfStillRunning is per job, so each tier gets its own guard.
		job := cron.NewChain(cron.SkipIfStillRunning(cronLog)).Then(cron.FuncJob(func() {
			s.runScheduled(tier)
		}))
		id, err := s.cron.AddJob(specs[tier], job)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s cron %q", tier, specs[tier])
		}
		s.entries[tier] = id
	}

	s.passCtx, s.cancelPass = context.WithCancel(context.Background())
	return s, nil
}

// Topics returns every output topic the scheduler writes.
func (s *Scheduler) Topics() []string {
	var out []string
	for _, tier := range Tiers {
		for _, w := range s.workers[tier] {
			out = append(out, w.OutputTopic())
		}
	}
	return out
}

// Start registers the output topics and starts the cadence triggers.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.client.InitializeTopics(ctx, s.Topics()); err != nil {
		return errors.Wrap(err, "failed to initialize reduced topics")
	}

	s.cron.Start()
	s.log.Info("reduction scheduler started",
		"minute", s.cfg.MinuteCron, "hour", s.cfg.HourCron, "day", s.cfg.DayCron,
		"topics", len(s.workers[Minute]))

	if s.cfg.RunOnStart {
		for _, tier := range Tiers {
			// Run through the wrapped job so the skip guard covers it too.
			job := s.cron.Entry(s.entries[tier]).WrappedJob
			go job.Run()
		}
	}
	return nil
}

func (s *Scheduler) runScheduled(tier Tier) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if err := s.RunTier(s.passCtx, tier); err != nil {
		s.log.Warn("reduction pass incomplete", "tier", tier.String(), "err", err)
	}
}

// RunTier runs one pass over every topic of tier. A failing topic is logged
// and skipped; it is retried on the next pass.
func (s *Scheduler) RunTier(ctx context.Context, tier Tier) error {
	workers := s.workers[tier]
	start := time.Now()

	var (
		g       errgroup.Group
		failed  atomic.Int32
		windows atomic.Int64
	)
	g.SetLimit(s.cfg.Parallelism)

	for _, w := range workers {
		w := w
		g.Go(func() error {
			t0 := time.Now()
			n, err := w.Advance(ctx)
			s.metrics.RecordDuration(tier.MetricName(), time.Since(t0).Seconds(),
				map[string]string{"target": w.Packet().Target})
			windows.Add(int64(n))
			if err != nil {
				failed.Add(1)
				s.log.Error("topic reduction failed",
					"tier", tier.String(), "topic", w.SourceTopic(), "windows", n, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.log.Debug("reduction pass finished",
		"tier", tier.String(),
		"topics", len(workers),
		"windows", windows.Load(),
		"elapsed", time.Since(start).Round(time.Millisecond))

	if n := failed.Load(); n > 0 {
		err := errors.Newf("%d of %d %s topics failed", n, len(workers), tier)
		if s.cfg.Observer != nil {
			s.cfg.Observer.RecordFailure(tier, err)
		}
		return err
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.RecordSuccess(tier)
	}
	return nil
}

// Stop halts the triggers and waits up to the grace period for in-flight
// passes. Passes still running after that are cancelled between windows.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("reduction scheduler stopped")
	case <-time.After(s.cfg.ShutdownGrace):
		s.log.Warn("reduction passes still running after grace period, cancelling",
			"grace", s.cfg.ShutdownGrace)
		s.cancelPass()
		select {
		case <-done:
		case <-time.After(s.cfg.ShutdownGrace):
			s.log.Error("reduction passes did not stop after cancellation")
		}
	}
	s.cancelPass()
}
