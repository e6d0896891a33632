package activity

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/nicktill/telemetryd/pkg/clock"
	"github.com/nicktill/telemetryd/pkg/codec"
	"github.com/nicktill/telemetryd/pkg/storage"
)

// BadgerStore persists activities in the shared database.
//
// Key format: ['a'][timeline][0x00][score (8 bytes, sign bit flipped)]
// Flipping the sign bit makes negative scores sort before positive ones.
type BadgerStore struct {
	db     *storage.DB
	clock  clock.Clock
	notify Notifier

	// writeMu makes the overlap check and the write one atomic step.
	writeMu sync.Mutex
}

// NewBadgerStore creates a store over db. n may be nil.
func NewBadgerStore(db *storage.DB, c clock.Clock, n Notifier) *BadgerStore {
	if c == nil {
		c = clock.Real()
	}
	return &BadgerStore{db: db, clock: c, notify: notifierOrNop(n)}
}

func timelinePrefix(timeline string) []byte {
	p := make([]byte, 0, len(timeline)+2)
	p = append(p, storage.PrefixActivity)
	p = append(p, timeline...)
	return append(p, 0)
}

func activityKey(timeline string, score int64) []byte {
	key := timelinePrefix(timeline)
	return binary.BigEndian.AppendUint64(key, uint64(score)^(1<<63))
}

func scoreOf(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]) ^ (1 << 63))
}

func (b *BadgerStore) Create(ctx context.Context, a Activity) (Activity, error) {
	now := b.clock.Now()
	if err := Validate(a, now); err != nil {
		return Activity{}, err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	created := prepareCreate(a, now)
	err := b.db.Update(ctx, func(txn *badger.Txn) error {
		lo, hi := overlapWindow(a)
		neighbors, err := scan(txn, a.Timeline, lo, hi, 0)
		if err != nil {
			return err
		}
		if err := checkOverlap(neighbors, a, 0, false); err != nil {
			return err
		}
		return put(txn, created)
	})
	if err != nil {
		return Activity{}, errors.Wrap(err, "failed to create activity")
	}

	out := created.Clone()
	b.notify.Publish(Notification{Timeline: a.Timeline, Kind: NotifyCreated, Time: now.Unix(), Activity: &out})
	return created, nil
}

func (b *BadgerStore) Update(ctx context.Context, timeline string, score int64, a Activity) (Activity, error) {
	now := b.clock.Now()
	a.Timeline = timeline
	if err := Validate(a, now); err != nil {
		return Activity{}, err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	var updated Activity
	err := b.db.Update(ctx, func(txn *badger.Txn) error {
		cur, err := get(txn, timeline, score)
		if err != nil {
			return err
		}
		lo, hi := overlapWindow(a)
		neighbors, err := scan(txn, timeline, lo, hi, 0)
		if err != nil {
			return err
		}
		if err := checkOverlap(neighbors, a, score, true); err != nil {
			return err
		}
		if err := txn.Delete(activityKey(timeline, score)); err != nil {
			return err
		}
		updated = applyUpdate(cur, a, now)
		return put(txn, updated)
	})
	if err != nil {
		return Activity{}, errors.Wrap(err, "failed to update activity")
	}

	out := updated.Clone()
	b.notify.Publish(Notification{Timeline: timeline, Kind: NotifyUpdated, Time: now.Unix(), Activity: &out, Previous: score})
	return updated, nil
}

func (b *BadgerStore) Get(ctx context.Context, timeline string, score int64) (Activity, error) {
	var a Activity
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		var err error
		a, err = get(txn, timeline, score)
		return err
	})
	return a, err
}

func (b *BadgerStore) Range(ctx context.Context, timeline string, start, stop int64, limit int) ([]Activity, error) {
	var out []Activity
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scan(txn, timeline, start, stop, limit)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s activities", timeline)
	}
	return out, nil
}

func (b *BadgerStore) AddEvent(ctx context.Context, timeline string, score int64, status Status) error {
	return b.event(ctx, timeline, score, status, false, "", nil)
}

func (b *BadgerStore) Commit(ctx context.Context, timeline string, score int64, status Status, message string, fulfillment *bool) error {
	return b.event(ctx, timeline, score, status, true, message, fulfillment)
}

func (b *BadgerStore) event(ctx context.Context, timeline string, score int64, status Status, commit bool, message string, fulfillment *bool) error {
	now := b.clock.Now()

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	var out Activity
	err := b.db.Update(ctx, func(txn *badger.Txn) error {
		cur, err := get(txn, timeline, score)
		if err != nil {
			return err
		}
		out = applyEvent(cur, now, status, commit, message, fulfillment)
		return put(txn, out)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to record %s event", status)
	}

	b.notify.Publish(Notification{Timeline: timeline, Kind: NotifyEvent, Time: now.Unix(), Activity: &out})
	return nil
}

func (b *BadgerStore) DeleteRange(ctx context.Context, timeline string, min, max int64) (int, error) {
	if min > max {
		return 0, nil
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	var n int
	err := b.db.Update(ctx, func(txn *badger.Txn) error {
		keys := scanKeys(txn, timeline, min, max)
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		n = len(keys)
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to delete %s activities in [%d, %d]", timeline, min, max)
	}
	return n, nil
}

func (b *BadgerStore) Destroy(ctx context.Context, timeline string, score int64) error {
	now := b.clock.Now()

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	var removed Activity
	err := b.db.Update(ctx, func(txn *badger.Txn) error {
		var err error
		if removed, err = get(txn, timeline, score); err != nil {
			return err
		}
		return txn.Delete(activityKey(timeline, score))
	})
	if err != nil {
		return errors.Wrap(err, "failed to destroy activity")
	}

	b.notify.Publish(Notification{Timeline: timeline, Kind: NotifyDeleted, Time: now.Unix(), Activity: &removed})
	return nil
}

func put(txn *badger.Txn, a Activity) error {
	val, err := codec.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "failed to encode activity")
	}
	return txn.Set(activityKey(a.Timeline, a.Start), val)
}

func get(txn *badger.Txn, timeline string, score int64) (Activity, error) {
	item, err := txn.Get(activityKey(timeline, score))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Activity{}, errors.Wrapf(ErrNotFound, "%s at %d", timeline, score)
	}
	if err != nil {
		return Activity{}, err
	}
	return decode(item)
}

func decode(item *badger.Item) (Activity, error) {
	var a Activity
	err := item.Value(func(val []byte) error {
		return codec.Unmarshal(val, &a)
	})
	if err != nil {
		return Activity{}, errors.Wrapf(err, "failed to decode activity at %d", scoreOf(item.Key()))
	}
	return a, nil
}

func scan(txn *badger.Txn, timeline string, min, max int64, limit int) ([]Activity, error) {
	if min > max {
		return nil, nil
	}
	prefix := timelinePrefix(timeline)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []Activity
	for it.Seek(activityKey(timeline, min)); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		if scoreOf(item.Key()) > max {
			break
		}
		a, err := decode(item)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func scanKeys(txn *badger.Txn, timeline string, min, max int64) [][]byte {
	prefix := timelinePrefix(timeline)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(activityKey(timeline, min)); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)
		if scoreOf(key) > max {
			break
		}
		keys = append(keys, key)
	}
	return keys
}
