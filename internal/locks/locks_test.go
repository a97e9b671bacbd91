package locks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLock_Busy(t *testing.T) {
	r := NewRegistry()

	release, ok := r.TryLock("a1")
	require.True(t, ok)

	_, ok = r.TryLock("a1")
	assert.False(t, ok, "second TryLock must fail while held")

	other, ok := r.TryLock("a2")
	require.True(t, ok, "different agents do not contend")
	other()

	release()
	release() // idempotent

	again, ok := r.TryLock("a1")
	require.True(t, ok)
	again()
	assert.Equal(t, 0, r.Len(), "entries are dropped when unreferenced")
}

func TestLock_WaitsAndTimesOut(t *testing.T) {
	r := NewRegistry()
	release, ok := r.TryLock("a1")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Lock(ctx, "a1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan struct{})
	go func() {
		rel, err := r.Lock(context.Background(), "a1")
		if err == nil {
			rel()
		}
		close(done)
	}()

	require.Eventually(t, func() bool { return r.Refs("a1") == 2 }, time.Second, time.Millisecond,
		"holder plus one waiter")
	release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.Refs("a1"))
}

func TestLock_MutualExclusion(t *testing.T) {
	r := NewRegistry()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := r.Lock(context.Background(), "a1")
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, r.Len())
}

func TestRemoveAndClear(t *testing.T) {
	r := NewRegistry()
	release, ok := r.TryLock("a1")
	require.True(t, ok)

	assert.False(t, r.Remove("a1"), "held entries are not removed")
	r.Clear()
	assert.Equal(t, 1, r.Len())

	release()
	assert.False(t, r.Remove("a1"), "already gone")
	assert.Equal(t, 0, r.Len())
}
