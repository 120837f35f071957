package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewGateRejectsBadCapacity(t *testing.T) {
	for _, c := range []int{0, -1} {
		g, err := NewGate(c)
		require.ErrorIs(t, err, ErrInvalidConfig)
		require.Nil(t, g)
	}
}

func TestGateNeverExceedsCapacity(t *testing.T) {
	g, err := NewGate(3)
	require.NoError(t, err)

	var (
		holders atomic.Int64
		peak    atomic.Int64
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.Acquire(context.Background()))
			n := holders.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			holders.Add(-1)
			g.Release()
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int64(3))
	require.Equal(t, 0, g.InUse())
}

func TestGateServesWaitersInOrder(t *testing.T) {
	g, err := NewGate(1)
	require.NoError(t, err)
	require.NoError(t, g.Acquire(context.Background()))

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, g.Acquire(context.Background()))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			g.Release()
		}(i)
		// Let each waiter block before starting the next one.
		time.Sleep(30 * time.Millisecond)
	}

	g.Release()
	wg.Wait()
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestGateAcquireHonoursContext(t *testing.T) {
	g, err := NewGate(1)
	require.NoError(t, err)

	require.NoError(t, g.Acquire(context.Background()))
	require.Equal(t, 1, g.InUse())
	require.Equal(t, 1, g.Capacity())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Acquire(ctx), context.DeadlineExceeded)
	require.Equal(t, 1, g.InUse())

	g.Release()
	require.Equal(t, 0, g.InUse())
	require.NoError(t, g.Acquire(context.Background()))
	g.Release()
}
