package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nicktill/telemetryd/pkg/activity"
	"github.com/nicktill/telemetryd/pkg/config"
	"github.com/nicktill/telemetryd/pkg/logging"
)

// GarbageCollector is the part of storage.DB the GC task needs.
type GarbageCollector interface {
	RunGC(discardRatio float64) (bool, error)
}

// RunBadgerGC runs value log garbage collection every interval until ctx is
// cancelled. Badger never reclaims rewritten or deleted values on its own,
// so without this the value log only grows.
func RunBadgerGC(ctx context.Context, db GarbageCollector, interval time.Duration, log *slog.Logger, wg *sync.WaitGroup) {
	defer wg.Done()
	log = logging.OrDefault(log).With("component", "badger-gc")

	if interval <= 0 {
		interval = config.BadgerGCInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("badger gc scheduler started", "interval", interval)
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			rewrote, err := db.RunGC(config.BadgerGCDiscardRatio)
			if err != nil {
				log.Error("badger gc failed", "err", err)
				continue
			}
			log.Debug("badger gc completed", "rewrote", rewrote, "took", time.Since(start).Round(time.Millisecond))
		case <-ctx.Done():
			log.Info("stopping badger gc scheduler")
			return
		}
	}
}

// TimelineEvent is the websocket message for one timeline notification.
type TimelineEvent struct {
	Type string `json:"type"`
	activity.Notification
}

// ForwardNotifications relays timeline notifications from events to the
// hub's websocket clients until ctx is cancelled or events is closed.
func ForwardNotifications(ctx context.Context, events <-chan activity.Notification, hub *EventHub, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			if hub.ClientCount() == 0 {
				continue
			}
			if err := hub.Broadcast(TimelineEvent{Type: "timeline_event", Notification: n}); err != nil {
				hub.log.Warn("failed to broadcast timeline event", "err", err)
			}
		}
	}
}
