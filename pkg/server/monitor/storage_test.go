package monitor

import (
	"testing"
	"time"

	"github.com/nicktill/telemetryd/pkg/clock"
	"github.com/nicktill/telemetryd/pkg/storage"
	"github.com/stretchr/testify/require"
)

type countingSizer struct {
	calls     int
	lsm, vlog int64
}

func (c *countingSizer) Size() (int64, int64) {
	c.calls++
	return c.lsm, c.vlog
}

func TestStorageMonitorUsage(t *testing.T) {
	sizer := &countingSizer{lsm: 100, vlog: 20}
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	sm := NewStorageMonitor(sizer, fake)

	require.Equal(t, StorageUsage{LSMBytes: 100, VLogBytes: 20, UsedBytes: 120}, sm.Usage())
	require.Equal(t, 1, sizer.calls)
}

func TestStorageMonitorCaching(t *testing.T) {
	sizer := &countingSizer{lsm: 100}
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	sm := NewStorageMonitor(sizer, fake)

	sm.Usage()
	sizer.lsm = 500
	fake.Advance(5 * time.Second)
	require.EqualValues(t, 100, sm.Usage().UsedBytes)

	fake.Advance(5 * time.Second)
	require.EqualValues(t, 500, sm.Usage().UsedBytes)
	require.Equal(t, 2, sizer.calls)
}

func TestStorageMonitorOverBadger(t *testing.T) {
	db, err := storage.Open(storage.Config{InMemory: true})
	require.NoError(t, err)
	defer db.Close()

	sm := NewStorageMonitor(db, nil)
	require.GreaterOrEqual(t, sm.Usage().UsedBytes, int64(0))
}
