package timeline

import (
	"log/slog"
	"sync"

	"github.com/nicktill/telemetryd/pkg/activity"
	"github.com/nicktill/telemetryd/pkg/logging"
)

// Bus fans timeline notifications out to subscribers. Publish never blocks:
// a subscriber whose buffer is full misses the notification.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan activity.Notification
	nextID int
	log    *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	return &Bus{
		subs: make(map[int]chan activity.Notification),
		log:  logging.OrDefault(log),
	}
}

// Subscribe returns a channel receiving every notification published from
// now on, and a function that ends the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan activity.Notification, func()) {
	ch := make(chan activity.Notification, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(n activity.Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			b.log.Warn("timeline subscriber full, notification dropped",
				"timeline", n.Timeline, "kind", string(n.Kind))
		}
	}
}
