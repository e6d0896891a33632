package badger

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/nicktill/telemetryd/pkg/codec"
	"github.com/nicktill/telemetryd/pkg/storage"
	"github.com/nicktill/telemetryd/pkg/stream"
)

// Client implements stream.Client on top of the shared BadgerDB.
//
// Records are keyed by xxhash(topic) followed by the big-endian ID, so a
// topic is one contiguous, ordered key range.
type Client struct {
	db *storage.DB

	// appendMu serializes appends so NextID always sees the newest record.
	appendMu sync.Mutex
}

// New creates a stream client over db.
func New(db *storage.DB) *Client {
	return &Client{db: db}
}

const (
	prefixLen = 1 + 8
	keyLen    = prefixLen + 16

	// CRITICAL: check context periodically during long scans
	ctxCheckEvery = 1000
)

// Append stores fields as the next record of topic.
func (c *Client) Append(ctx context.Context, topic string, millis int64, fields map[string]any) (stream.ID, error) {
	if err := stream.ValidateTopic(topic); err != nil {
		return stream.ID{}, err
	}
	value, err := codec.Marshal(fields)
	if err != nil {
		return stream.ID{}, errors.Wrap(err, "failed to encode record")
	}

	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	var id stream.ID
	err = c.db.Update(ctx, func(txn *badger.Txn) error {
		last, ok, err := newestKey(txn, topic)
		if err != nil {
			return err
		}
		id = stream.NextID(last, ok, millis)
		if err := txn.Set(recordKey(topic, id), value); err != nil {
			return errors.Wrap(err, "failed to write record")
		}
		return txn.Set(topicKey(topic), nil)
	})
	if err != nil {
		return stream.ID{}, errors.Wrapf(err, "append to %s", topic)
	}
	return id, nil
}

// ReadRange returns records of topic between start and end.
func (c *Client) ReadRange(ctx context.Context, topic string, start, end stream.Bound, limit int) ([]stream.Record, error) {
	var out []stream.Record
	err := c.db.View(ctx, func(txn *badger.Txn) error {
		prefix := topicPrefix(topic)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = 100
		if limit > 0 && limit < opts.PrefetchSize {
			opts.PrefetchSize = limit
		}

		it := txn.NewIterator(opts)
		defer it.Close()

		var n int
		for it.Seek(recordKey(topic, start.ID)); it.ValidForPrefix(prefix); it.Next() {
			n++
			if n%ctxCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			item := it.Item()
			id := parseID(item.Key())
			if !start.AdmitsFrom(id) {
				continue
			}
			if !end.AdmitsTo(id) {
				return nil
			}

			rec, err := decodeRecord(id, item)
			if err != nil {
				return err
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read %s %s..%s", topic, start, end)
	}
	return out, nil
}

func (c *Client) Oldest(ctx context.Context, topic string) (stream.Record, bool, error) {
	recs, err := c.ReadRange(ctx, topic, stream.Inclusive(stream.MinID), stream.Inclusive(stream.MaxID), 1)
	if err != nil || len(recs) == 0 {
		return stream.Record{}, false, err
	}
	return recs[0], true, nil
}

func (c *Client) Newest(ctx context.Context, topic string) (stream.Record, bool, error) {
	var (
		rec stream.Record
		ok  bool
	)
	err := c.db.View(ctx, func(txn *badger.Txn) error {
		prefix := topicPrefix(topic)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		opts.PrefetchSize = 1

		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(recordKey(topic, stream.MaxID))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		item := it.Item()
		var err error
		rec, err = decodeRecord(parseID(item.Key()), item)
		ok = err == nil
		return err
	})
	if err != nil {
		return stream.Record{}, false, errors.Wrapf(err, "newest %s", topic)
	}
	return rec, ok, nil
}

func (c *Client) Exists(ctx context.Context, topic string) (bool, error) {
	var ok bool
	err := c.db.View(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(topicKey(topic))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		ok = err == nil
		return err
	})
	return ok, err
}

func (c *Client) InitializeTopics(ctx context.Context, topics []string) error {
	for _, t := range topics {
		if err := stream.ValidateTopic(t); err != nil {
			return err
		}
	}
	return c.db.Update(ctx, func(txn *badger.Txn) error {
		for _, t := range topics {
			if err := txn.Set(topicKey(t), nil); err != nil {
				return errors.Wrapf(err, "register topic %s", t)
			}
		}
		return nil
	})
}

// Topics lists every registered topic. Keys sort by name, so the result is
// already in order.
func (c *Client) Topics(ctx context.Context) ([]string, error) {
	var out []string
	err := c.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{storage.PrefixTopic}

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, string(it.Item().Key()[1:]))
		}
		return nil
	})
	return out, err
}

func newestKey(txn *badger.Txn, topic string) (stream.ID, bool, error) {
	prefix := topicPrefix(topic)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(recordKey(topic, stream.MaxID))
	if !it.ValidForPrefix(prefix) {
		return stream.ID{}, false, nil
	}
	return parseID(it.Item().Key()), true, nil
}

func decodeRecord(id stream.ID, item *badger.Item) (stream.Record, error) {
	rec := stream.Record{ID: id}
	err := item.Value(func(val []byte) error {
		return codec.Unmarshal(val, &rec.Fields)
	})
	if err != nil {
		return stream.Record{}, errors.Wrapf(err, "failed to decode record %s", id)
	}
	return rec, nil
}

// topicPrefix is 's' | xxhash64(topic).
func topicPrefix(topic string) []byte {
	p := make([]byte, prefixLen)
	p[0] = storage.PrefixRecord
	binary.BigEndian.PutUint64(p[1:], xxhash.Sum64String(topic))
	return p
}

// recordKey creates a sortable key: prefix + millis + seq
// Format: ['s'][topic hash (8 bytes)][millis (8 bytes)][seq (8 bytes)]
func recordKey(topic string, id stream.ID) []byte {
	key := make([]byte, keyLen)
	copy(key, topicPrefix(topic))
	binary.BigEndian.PutUint64(key[prefixLen:], uint64(id.Millis))
	binary.BigEndian.PutUint64(key[prefixLen+8:], id.Seq)
	return key
}

func parseID(key []byte) stream.ID {
	return stream.ID{
		Millis: int64(binary.BigEndian.Uint64(key[prefixLen:])),
		Seq:    binary.BigEndian.Uint64(key[prefixLen+8:]),
	}
}

func topicKey(topic string) []byte {
	return append([]byte{storage.PrefixTopic}, topic...)
}
