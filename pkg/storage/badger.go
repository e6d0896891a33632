package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = 48 MB default)
	MaxMemoryMB int64

	Logger *slog.Logger
}

// DB wraps a BadgerDB handle shared by the stream and activity stores.
type DB struct {
	db *badger.DB
}

// Open opens (or creates) the database with memory-bounded options.
func Open(cfg Config) (*DB, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	// BadgerDB defaults to a 64 MB memtable x5 plus unbounded caches. Telemetry
	// records are small and written in order, so a 16 MB memtable is plenty.
	memTableSize := int64(16 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB << 20 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20) // 64 MB value log files instead of the 2 GB default

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger")
	}
	return &DB{db: db}, nil
}

// Update runs fn in a read-write transaction. The transaction is committed
// only if ctx is still live once fn returns; a cancelled ctx discards it, so
// an error from Update always means nothing was written.
func (d *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := d.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "badger transaction discarded")
	}
	return txn.Commit()
}

// View runs fn in a read-only transaction. A cancelled ctx is reported even
// when fn succeeded, so callers never act on a read they gave up on.
func (d *DB) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := d.db.NewTransaction(false)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "badger read abandoned")
	}
	return nil
}

// RunGC runs one pass of value log garbage collection.
// It reports false with a nil error when there was nothing worth reclaiming,
// another GC was already running, or the DB has no value log (in-memory).
func (d *DB) RunGC(discardRatio float64) (bool, error) {
	err := d.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) ||
		errors.Is(err, badger.ErrGCInMemoryMode) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Size returns the LSM and value log sizes in bytes.
func (d *DB) Size() (lsm, vlog int64) {
	return d.db.Size()
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error("badger: " + trimf(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn("badger: " + trimf(format, args...))
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Debug("badger: " + trimf(format, args...))
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Debug("badger: " + trimf(format, args...))
}

func trimf(format string, args ...interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
