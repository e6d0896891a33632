package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/nicktill/telemetryd/pkg/stream"
)

// Client implements stream.Client in memory. Useful for tests and for
// running the reducer without a data directory.
type Client struct {
	mu     sync.RWMutex
	topics map[string][]stream.Record
}

// New creates an in-memory stream client.
func New() *Client {
	return &Client{topics: make(map[string][]stream.Record)}
}

// Append adds a record to topic.
func (c *Client) Append(ctx context.Context, topic string, millis int64, fields map[string]any) (stream.ID, error) {
	if err := ctx.Err(); err != nil {
		return stream.ID{}, err
	}
	if err := stream.ValidateTopic(topic); err != nil {
		return stream.ID{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	recs := c.topics[topic]
	var last stream.ID
	if n := len(recs); n > 0 {
		last = recs[n-1].ID
	}
	id := stream.NextID(last, len(recs) > 0, millis)
	c.topics[topic] = append(recs, stream.Record{ID: id, Fields: maps.Clone(fields)})
	return id, nil
}

// ReadRange returns records between start and end.
func (c *Client) ReadRange(ctx context.Context, topic string, start, end stream.Bound, limit int) ([]stream.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	recs := c.topics[topic]
	i := sort.Search(len(recs), func(i int) bool { return start.AdmitsFrom(recs[i].ID) })

	var out []stream.Record
	for ; i < len(recs); i++ {
		if !end.AdmitsTo(recs[i].ID) {
			break
		}
		out = append(out, recs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (c *Client) Oldest(ctx context.Context, topic string) (stream.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return stream.Record{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	recs := c.topics[topic]
	if len(recs) == 0 {
		return stream.Record{}, false, nil
	}
	return recs[0], true, nil
}

func (c *Client) Newest(ctx context.Context, topic string) (stream.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return stream.Record{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	recs := c.topics[topic]
	if len(recs) == 0 {
		return stream.Record{}, false, nil
	}
	return recs[len(recs)-1], true, nil
}

func (c *Client) Exists(ctx context.Context, topic string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok, nil
}

func (c *Client) InitializeTopics(ctx context.Context, topics []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		if err := stream.ValidateTopic(t); err != nil {
			return err
		}
		if _, ok := c.topics[t]; !ok {
			c.topics[t] = nil
		}
	}
	return nil
}

func (c *Client) Topics(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.topics)), nil
}

// Len returns the number of records in topic.
func (c *Client) Len(topic string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.topics[topic])
}
