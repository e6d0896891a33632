package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	f := NewFake(start)

	late := f.After(2 * time.Second)
	early := f.After(time.Second)
	require.Equal(t, 2, f.Pending())

	f.Advance(500 * time.Millisecond)
	select {
	case <-early:
		t.Fatal("fired before deadline")
	default:
	}

	f.Advance(600 * time.Millisecond)
	got := <-early
	require.Equal(t, start.Add(1100*time.Millisecond), got)
	require.Equal(t, 1, f.Pending())

	f.Advance(time.Second)
	<-late
	require.Zero(t, f.Pending())
}

func TestFakeAfterNonPositive(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	select {
	case <-f.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}

func TestFakeBlockUntil(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		<-f.After(time.Second)
		close(done)
	}()

	f.BlockUntil(1)
	f.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never released")
	}
}

func TestFakeSetDoesNotFire(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ch := f.After(time.Second)
	f.Set(time.Unix(10, 0))
	require.Equal(t, time.Unix(10, 0), f.Now())
	select {
	case <-ch:
		t.Fatal("Set must not fire waiters")
	default:
	}
}
