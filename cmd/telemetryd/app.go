package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nicktill/telemetryd/pkg/activity"
	"github.com/nicktill/telemetryd/pkg/clock"
	"github.com/nicktill/telemetryd/pkg/config"
	"github.com/nicktill/telemetryd/pkg/metrics"
	"github.com/nicktill/telemetryd/pkg/reduce"
	"github.com/nicktill/telemetryd/pkg/server"
	"github.com/nicktill/telemetryd/pkg/server/monitor"
	"github.com/nicktill/telemetryd/pkg/storage"
	badgerstream "github.com/nicktill/telemetryd/pkg/stream/badger"
	"github.com/nicktill/telemetryd/pkg/timeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// app is the wired daemon: one badger database shared by the reduced
// streams, reducer offsets and activity store, plus the loops around it.
type app struct {
	cfg *config.Config
	log *slog.Logger

	db        *storage.DB
	scheduler *reduce.Scheduler
	runners   []*timeline.Runner
	bus       *timeline.Bus
	hub       *server.EventHub
	handler   http.Handler
	http      *http.Server

	// bgCtx drives the hub, notification forwarder and badger GC.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	unsubscribe func()
	serveErr    chan error
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	if !cfg.InMemory {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create data directory %s", cfg.DataDir)
		}
	}
	db, err := storage.Open(storage.Config{
		Path:        cfg.DataDir,
		InMemory:    cfg.InMemory,
		MaxMemoryMB: cfg.MaxMemoryMB,
		Logger:      log.With("component", "badger"),
	})
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", "dir", cfg.DataDir, "in_memory", cfg.InMemory, "max_memory_mb", cfg.MaxMemoryMB)

	a, err := wire(cfg, log, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg *config.Config, log *slog.Logger, db *storage.DB) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewProm(reg, log)
	describeMetrics(sink)

	streams := badgerstream.New(db)
	reduction := monitor.NewReductionMonitor(clock.Real(), nil)

	var packets []reduce.Packet
	for _, t := range cfg.Targets {
		for _, p := range t.Packets {
			packets = append(packets, reduce.Packet{Scope: cfg.Scope, Target: t.Name, Name: p})
		}
	}
	scheduler, err := reduce.NewScheduler(reduce.SchedulerConfig{
		MinuteCron:    cfg.Reducer.MinuteCron,
		HourCron:      cfg.Reducer.HourCron,
		DayCron:       cfg.Reducer.DayCron,
		RunOnStart:    cfg.Reducer.RunsOnStart(),
		Parallelism:   cfg.Reducer.Parallelism,
		ShutdownGrace: cfg.Reducer.ShutdownGrace,
		ReadLimit:     cfg.Reducer.ReadLimit,
		Logger:        log,
		Metrics:       sink,
		Observer:      reduction,
	}, streams, reduce.NewBadgerOffsets(db), packets)
	if err != nil {
		return nil, err
	}

	mode, err := timeline.ParseMode(cfg.Timeline.DispatchMode)
	if err != nil {
		return nil, err
	}
	bus := timeline.NewBus(log)
	activities := activity.NewBadgerStore(db, clock.Real(), bus)

	client := timeline.NewHTTPClient(cfg.Timeline.ActivityTimeout)
	commands := timeline.NewHTTPCommandSender(cfg.Timeline.CommandURL, cfg.Scope, client)
	scripts := timeline.NewHTTPScriptRunner(cfg.Timeline.ScriptURL, cfg.Scope, client)

	t := cfg.Timeline
	runners := make([]*timeline.Runner, 0, len(t.Names))
	for _, name := range t.Names {
		if err := activity.ValidateTimeline(name); err != nil {
			return nil, err
		}
		runners = append(runners, timeline.NewRunner(timeline.Config{
			Timeline:        name,
			Mode:            mode,
			Workers:         t.WorkerCount,
			QueueSize:       t.QueueSize,
			ExpireInterval:  t.ExpireInterval,
			Tick:            t.Tick,
			CatchupWindow:   t.CatchupWindow,
			Lookahead:       t.Lookahead,
			Retention:       t.Retention,
			RefreshInterval: t.RefreshInterval,
			ActivityTimeout: t.ActivityTimeout,
			PatchMin:        t.SchedulePatchMin,
			PatchMax:        t.SchedulePatchMax,
			Logger:          log,
			Metrics:         sink,
		}, activities, bus, commands, scripts))
	}

	hub := server.NewEventHub(log)
	deps := server.Deps{
		Stream:     streams,
		Activities: activities,
		Runners:    runners,
		Reduction:  reduction,
		Hub:        hub,
		Gatherer:   reg,
		Metrics:    sink,
		Logger:     log,
	}
	if !cfg.InMemory {
		deps.Storage = monitor.NewStorageMonitor(db, nil)
	}
	handler := server.New(deps).Routes(cfg.HTTPAddr)

	return &app{
		cfg:       cfg,
		log:       log,
		db:        db,
		scheduler: scheduler,
		runners:   runners,
		bus:       bus,
		hub:       hub,
		handler:   handler,
		serveErr:  make(chan error, 1),
	}, nil
}

func describeMetrics(sink *metrics.Prom) {
	for _, tier := range reduce.Tiers {
		sink.Describe(tier.MetricName(), "Seconds spent reducing one topic in a "+tier.String()+" pass.")
	}
	sink.Describe(timeline.MetricRefreshSeconds, "Seconds spent reloading a timeline schedule.")
	sink.Describe(timeline.MetricActivitySeconds, "Seconds spent executing one activity.")
	sink.Describe(timeline.MetricActivitiesTotal, "Activities executed, by kind and outcome.")
	sink.Describe(timeline.MetricDispatchedTotal, "Activities handed to the worker pool.")
	sink.Describe(timeline.MetricQueueDepth, "Activities waiting in the worker pool queue.")
	sink.Describe(server.MetricRequestsTotal, "HTTP requests served, by route and status.")
	sink.Describe(server.MetricRequestDuration, "Seconds spent serving one HTTP request.")
}

// start launches every loop and the HTTP listener.
func (a *app) start() error {
	a.bgCtx, a.bgCancel = context.WithCancel(context.Background())

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.hub.Run(a.bgCtx)
	}()

	var events <-chan activity.Notification
	events, a.unsubscribe = a.bus.Subscribe(config.WSBroadcastBuffer)
	a.bg.Add(1)
	go server.ForwardNotifications(a.bgCtx, events, a.hub, &a.bg)

	if !a.cfg.InMemory {
		a.bg.Add(1)
		go server.RunBadgerGC(a.bgCtx, a.db, a.cfg.BadgerGCInterval, a.log, &a.bg)
	}

	if err := a.scheduler.Start(a.bgCtx); err != nil {
		return err
	}
	for _, r := range a.runners {
		r.Start(a.bgCtx)
	}
	a.log.Info("timelines running", "count", len(a.runners), "mode", a.cfg.Timeline.DispatchMode)

	if a.cfg.HTTPAddr != "" {
		a.http = server.NewHTTPServer(a.cfg.HTTPAddr, a.handler)
		go func() {
			a.log.Info("ops http server listening", "addr", a.cfg.HTTPAddr)
			if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.serveErr <- err
			}
		}()
	}
	return nil
}

// shutdown stops dispatch first so nothing new is queued, lets the pools
// finish what is queued, stops the reducer, then the HTTP surface, and
// closes the database last.
func (a *app) shutdown() {
	for _, r := range a.runners {
		r.StopDispatch()
	}
	for _, r := range a.runners {
		if err := r.Drain(a.cfg.Timeline.DrainTimeout); err != nil {
			a.log.Warn("activity pool did not drain", "timeline", r.Name(), "err", err)
		}
	}
	a.scheduler.Stop()

	if a.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), config.HTTPShutdownTimeout)
		if err := a.http.Shutdown(ctx); err != nil {
			a.log.Warn("http server shutdown", "err", err)
		}
		cancel()
	}

	if a.bgCancel != nil {
		a.bgCancel()
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	done := make(chan struct{})
	go func() {
		a.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(config.HTTPShutdownTimeout):
		a.log.Warn("background tasks did not stop in time")
	}

	if err := a.db.Close(); err != nil {
		a.log.Error("failed to close storage", "err", err)
	}
	a.log.Info("telemetryd stopped")
}
