package faststore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_Acquire(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := MarkerKey("abc")

	ok, err := m.Acquire(ctx, key, "t1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Acquire(ctx, key, "t2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := m.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	t.Run("release by other owner", func(t *testing.T) {
		assert.True(t, errors.Is(m.Release(ctx, key, "t2"), ErrNotOwner))
	})
	t.Run("release", func(t *testing.T) {
		require.NoError(t, m.Release(ctx, key, "t1"))
		exists, err := m.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, exists)
		require.NoError(t, m.Release(ctx, key, "t1"))
	})
}

func TestMemory_AcquireExpires(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.Acquire(ctx, "k", "t1", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)

	ok, err = m.Acquire(ctx, "k", "t2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemory_Commit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.Acquire(ctx, "k", "t1", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Commit(ctx, "k", "t1"))

	time.Sleep(50 * time.Millisecond)

	exists, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, errors.Is(m.Commit(ctx, "missing", "t1"), ErrKeyNotFound))
}

func TestMemory_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var (
		wg       sync.WaitGroup
		acquired atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Acquire(ctx, "same", "token", time.Minute); ok {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, acquired.Load())
}

func TestMemory_Counters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, _, err := ChainView(ctx, m)
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	require.NoError(t, m.SetInt(ctx, KeyCurrentBlock, 101))
	require.NoError(t, m.SetInt(ctx, KeyCurrentEpoch, 7))

	block, epoch, err := ChainView(ctx, m)
	require.NoError(t, err)
	assert.EqualValues(t, 101, block)
	assert.EqualValues(t, 7, epoch)
}
