package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolSize(t *testing.T) {
	assert.Equal(t, 3, PoolSize(10, 3))
	assert.Equal(t, 4, PoolSize(4, 9))
	assert.Equal(t, 1, PoolSize(0, 9))
	assert.Equal(t, 0, PoolSize(4, 0))
}

func TestRunPoolBoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	var seen sync.Map
	RunPool(context.Background(), 2, 8, func(ctx context.Context, i int) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		seen.Store(i, true)
	}, nil)

	assert.LessOrEqual(t, peak, int32(2))
	for i := 0; i < 8; i++ {
		_, ok := seen.Load(i)
		assert.True(t, ok, "task %d did not run", i)
	}
}

func TestRunPoolSkipsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ran, skipped int32
	RunPool(ctx, 1, 5, func(ctx context.Context, i int) {
		atomic.AddInt32(&ran, 1)
		if i == 1 {
			cancel()
		}
	}, func(int) { atomic.AddInt32(&skipped, 1) })

	assert.Equal(t, int32(2), ran)
	assert.Equal(t, int32(3), skipped)
}
