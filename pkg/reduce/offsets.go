package reduce

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/nicktill/telemetryd/pkg/codec"
	"github.com/nicktill/telemetryd/pkg/storage"
	"github.com/nicktill/telemetryd/pkg/stream"
)

// Offset is a worker's position in its source topic. The zero value is the
// "empty" sentinel: nothing consumed yet and the position must be derived.
type Offset struct {
	Cursor    stream.ID `cbor:"1,keyasint"`
	Exclusive bool      `cbor:"2,keyasint"`
	Set       bool      `cbor:"3,keyasint"`
}

// Empty reports whether the offset still has to be resolved.
func (o Offset) Empty() bool { return !o.Set }

// Start is the lower bound of the next window.
func (o Offset) Start() stream.Bound {
	return stream.Bound{ID: o.Cursor, Exclusive: o.Exclusive}
}

// After reports whether o is strictly further along the topic than other.
func (o Offset) After(other Offset) bool {
	if !other.Set {
		return o.Set
	}
	if !o.Set {
		return false
	}
	if c := o.Cursor.Compare(other.Cursor); c != 0 {
		return c > 0
	}
	return o.Exclusive && !other.Exclusive
}

// consumedThrough is the offset positioned just past id.
func consumedThrough(id stream.ID) Offset {
	return Offset{Cursor: id, Exclusive: true, Set: true}
}

// startingAt is the offset whose next window includes id.
func startingAt(id stream.ID) Offset {
	return Offset{Cursor: id, Set: true}
}

// Persister stores offsets so reduction resumes after a restart. Losing an
// offset is safe: the worker re-derives it from its output topic.
type Persister interface {
	LoadOffset(ctx context.Context, topic string) (Offset, bool, error)
	SaveOffset(ctx context.Context, topic string, o Offset) error
}

// MemoryOffsets is a Persister that forgets everything on restart.
type MemoryOffsets struct {
	mu      sync.Mutex
	offsets map[string]Offset
}

func NewMemoryOffsets() *MemoryOffsets {
	return &MemoryOffsets{offsets: make(map[string]Offset)}
}

func (m *MemoryOffsets) LoadOffset(_ context.Context, topic string) (Offset, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offsets[topic]
	return o, ok, nil
}

func (m *MemoryOffsets) SaveOffset(_ context.Context, topic string, o Offset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets[topic] = o
	return nil
}

// BadgerOffsets persists offsets in the shared database under the 'o' prefix.
type BadgerOffsets struct {
	db *storage.DB
}

func NewBadgerOffsets(db *storage.DB) *BadgerOffsets {
	return &BadgerOffsets{db: db}
}

func offsetKey(topic string) []byte {
	return append([]byte{storage.PrefixOffset}, topic...)
}

func (b *BadgerOffsets) LoadOffset(ctx context.Context, topic string) (Offset, bool, error) {
	var (
		o     Offset
		found bool
	)
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(offsetKey(topic))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return codec.Unmarshal(val, &o)
		})
	})
	if err != nil {
		return Offset{}, false, errors.Wrapf(err, "failed to load offset for %s", topic)
	}
	return o, found, nil
}

func (b *BadgerOffsets) SaveOffset(ctx context.Context, topic string, o Offset) error {
	val, err := codec.Marshal(o)
	if err != nil {
		return errors.Wrap(err, "failed to encode offset")
	}
	err = b.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set(offsetKey(topic), val)
	})
	return errors.Wrapf(err, "failed to save offset for %s", topic)
}
