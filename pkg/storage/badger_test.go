package storage

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func TestOpenInMemory(t *testing.T) {
	db, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte{PrefixTopic, 'x'}, []byte("1"))
	}))

	var got []byte
	require.NoError(t, db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte{PrefixTopic, 'x'})
		if err != nil {
			return err
		}
		got, err = item.ValueCopy(nil)
		return err
	}))
	require.Equal(t, []byte("1"), got)
}

func TestCancelledContextSkipsTransaction(t *testing.T) {
	db, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err = db.Update(ctx, func(txn *badger.Txn) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
}

func TestUpdateOutlivingDeadlineIsDiscarded(t *testing.T) {
	db, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	key := []byte{PrefixTopic, 'k'}
	err = db.Update(ctx, func(txn *badger.Txn) error {
		time.Sleep(50 * time.Millisecond)
		return txn.Set(key, []byte("late"))
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	err = db.View(context.Background(), func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	require.ErrorIs(t, err, badger.ErrKeyNotFound, "a failed Update must not commit")
}

func TestViewReportsDeadline(t *testing.T) {
	db, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = db.View(ctx, func(txn *badger.Txn) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunGCInMemory(t *testing.T) {
	db, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer db.Close()

	reclaimed, err := db.RunGC(0.5)
	require.NoError(t, err)
	require.False(t, reclaimed)
}
