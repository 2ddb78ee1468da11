package async

import (
	"context"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, p *Prefetcher[int]) []int {
	t.Helper()
	var out []int
	for {
		v, ok, err := p.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func TestPrefetcherPreservesOrder(t *testing.T) {
	for _, workers := range []int{1, 3, 8} {
		produce := func(ctx context.Context, i int) (int, error) {
			// finish out of order
			time.Sleep(time.Duration(rand.Intn(300)) * time.Microsecond)
			return i * i, nil
		}
		p, err := NewPrefetcher(50, produce, PrefetcherConfig{Workers: workers, PrefetchDepth: 4})
		require.NoError(t, err)
		require.NoError(t, p.Start(context.Background()))

		out := drain(t, p)
		require.Len(t, out, 50)
		for i, v := range out {
			assert.Equal(t, i*i, v)
		}
		assert.Equal(t, 50, p.Stats().Consumed)
		require.NoError(t, p.Stop())
	}
}

func TestPrefetcherEmpty(t *testing.T) {
	p, err := NewPrefetcher(0, func(ctx context.Context, i int) (int, error) { return i, nil }, PrefetcherConfig{})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	assert.Empty(t, drain(t, p))
}

func TestPrefetcherBoundsLookahead(t *testing.T) {
	var started int32
	produce := func(ctx context.Context, i int) (int, error) {
		atomic.AddInt32(&started, 1)
		return i, nil
	}
	p, err := NewPrefetcher(100, produce, PrefetcherConfig{Workers: 4, PrefetchDepth: 2})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	time.Sleep(20 * time.Millisecond)
	// depth slots queued plus one slot held by the blocked dispatcher
	assert.LessOrEqual(t, atomic.LoadInt32(&started), int32(3))
}

func TestPrefetcherPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	produce := func(ctx context.Context, i int) (int, error) {
		if i == 3 {
			return 0, boom
		}
		return i, nil
	}
	p, err := NewPrefetcher(10, produce, PrefetcherConfig{Workers: 2})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	for i := 0; i < 3; i++ {
		v, ok, err := p.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok, err := p.Next()
	assert.False(t, ok)
	assert.True(t, errors.Is(err, boom))
}

func TestPrefetcherCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	produce := func(ctx context.Context, i int) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	p, err := NewPrefetcher(10, produce, PrefetcherConfig{Workers: 2})
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))

	cancel()
	_, ok, err := p.Next()
	assert.False(t, ok)
	assert.Error(t, err)
	require.NoError(t, p.Stop())
	assert.False(t, p.Stats().IsRunning)
}

func TestPrefetcherLifecycle(t *testing.T) {
	p, err := NewPrefetcher(2, func(ctx context.Context, i int) (int, error) { return i, nil }, PrefetcherConfig{})
	require.NoError(t, err)

	_, _, err = p.Next()
	assert.Equal(t, ErrNotRunning, err)

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	// restartable
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, []int{0, 1}, drain(t, p))
	require.NoError(t, p.Stop())

	_, err = NewPrefetcher[int](1, nil, PrefetcherConfig{})
	assert.Error(t, err)
}
