package timeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nicktill/telemetryd/pkg/activity"
	"github.com/nicktill/telemetryd/pkg/clock"
	"github.com/nicktill/telemetryd/pkg/logging"
	"github.com/nicktill/telemetryd/pkg/metrics"
)

// MetricRefreshSeconds times each full schedule reload.
const MetricRefreshSeconds = "timeline_activities_duration_seconds"

// ServiceConfig configures the schedule refresher of one timeline.
type ServiceConfig struct {
	Timeline string

	// Lookahead is how far ahead of now a refresh loads activities.
	Lookahead time.Duration

	// Behind is how far before now a refresh still loads activities, so
	// ones that were just due survive a reload.
	Behind time.Duration

	// RefreshInterval reloads the schedule even when nothing asks for it.
	RefreshInterval time.Duration

	// Created and deleted notifications patch the schedule in place only
	// when the activity starts between PatchMin and PatchMax from now.
	PatchMin time.Duration
	PatchMax time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics metrics.Sink
}

// Service keeps a Schedule in step with the store: it reloads the schedule
// on start, on refresh requests and periodically, and patches it as
// activities are created and deleted.
type Service struct {
	cfg      ServiceConfig
	schedule *Schedule
	store    activity.Store
	bus      *Bus
	clock    clock.Clock
	log      *slog.Logger
	metrics  metrics.Sink
}

func NewService(cfg ServiceConfig, schedule *Schedule, store activity.Store, bus *Bus) *Service {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 72 * time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Hour
	}
	if cfg.PatchMax <= 0 {
		cfg.PatchMax = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return &Service{
		cfg:      cfg,
		schedule: schedule,
		store:    store,
		bus:      bus,
		clock:    cfg.Clock,
		log:      logging.OrDefault(cfg.Logger).With("component", "refresher", "timeline", cfg.Timeline),
		metrics:  cfg.Metrics,
	}
}

// Refresh replaces the schedule with the activities currently due.
func (s *Service) Refresh(ctx context.Context) error {
	start := time.Now()
	list, err := activity.Due(ctx, s.store, s.cfg.Timeline, s.clock.Now(), s.cfg.Behind, s.cfg.Lookahead)
	if err != nil {
		return errors.Wrap(err, "failed to load due activities")
	}
	s.schedule.Replace(list)

	s.metrics.RecordDuration(MetricRefreshSeconds, time.Since(start).Seconds(),
		map[string]string{"timeline": s.cfg.Timeline})
	s.log.Debug("schedule refreshed", "activities", len(list))
	return nil
}

// Handle applies one notification to the schedule.
func (s *Service) Handle(ctx context.Context, n activity.Notification) {
	if n.Timeline != s.cfg.Timeline {
		return
	}
	switch n.Kind {
	case activity.NotifyRefresh, activity.NotifyUpdated:
		if err := s.Refresh(ctx); err != nil {
			s.log.Error("schedule refresh failed", "err", err)
		}
	case activity.NotifyCreated:
		if n.Activity != nil && s.patchable(n.Activity.Score()) {
			s.schedule.Add(*n.Activity)
		}
	case activity.NotifyDeleted:
		if n.Activity != nil && s.patchable(n.Activity.Score()) {
			s.schedule.Remove(n.Activity.Score())
		}
	}
}

// patchable reports whether an activity starting at score is close enough
// to patch in directly. Anything further out is picked up by a refresh.
func (s *Service) patchable(score int64) bool {
	diff := time.Duration(score-s.clock.Now().Unix()) * time.Second
	return diff >= s.cfg.PatchMin && diff <= s.cfg.PatchMax
}

// Run refreshes once, then follows the bus until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	events, unsubscribe := s.bus.Subscribe(64)
	defer unsubscribe()

	s.log.Info("schedule refresher running", "lookahead", s.cfg.Lookahead)
	defer s.log.Info("schedule refresher exiting")

	if err := s.Refresh(ctx); err != nil {
		s.log.Error("initial schedule refresh failed", "err", err)
	}

	periodic := s.clock.After(s.cfg.RefreshInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			s.Handle(ctx, n)
		case <-periodic:
			periodic = s.clock.After(s.cfg.RefreshInterval)
			if err := s.Refresh(ctx); err != nil {
				s.log.Error("schedule refresh failed", "err", err)
			}
		}
	}
}
