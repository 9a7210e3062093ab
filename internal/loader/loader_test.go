package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bunsane/bunsane/internal/types"
)

func TestCoalescesConcurrentLoads(t *testing.T) {
	var fetches atomic.Int64
	var gotKeys []string
	var mu sync.Mutex

	l := NewWithOptions(func(_ context.Context, keys []string) (map[string]int, error) {
		fetches.Add(1)
		mu.Lock()
		gotKeys = append(gotKeys, keys...)
		mu.Unlock()
		out := make(map[string]int, len(keys))
		for _, k := range keys {
			out[k] = len(k)
		}
		return out, nil
	}, Options{Window: 50 * time.Millisecond})

	var wg sync.WaitGroup
	results := make([]int, 6)
	keys := []string{"a", "bb", "a", "ccc", "bb", "a"}
	for i, k := range keys {
		i, k := i, k
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := l.Load(context.Background(), k)
			require.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), fetches.Load(), "all loads must share one fetch")
	assert.Len(t, gotKeys, 3, "fetcher must see each unique key exactly once")
	for i, k := range keys {
		assert.Equal(t, len(k), results[i])
	}
}

func TestLoadManyOmitsAbsentKeys(t *testing.T) {
	l := New(func(_ context.Context, keys []string) (map[string]string, error) {
		return map[string]string{"present": "yes"}, nil
	})

	res, err := l.LoadMany(context.Background(), []string{"present", "absent"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"present": "yes"}, res)

	_, err = l.Load(context.Background(), "absent")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPrimeBypassesFetcher(t *testing.T) {
	var fetches atomic.Int64
	l := New(func(_ context.Context, keys []string) (map[string]int, error) {
		fetches.Add(1)
		return map[string]int{}, nil
	})

	l.Prime("warm", 7)
	v, err := l.Load(context.Background(), "warm")
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, int64(0), fetches.Load())

	l.Clear("warm")
	_, err = l.Load(context.Background(), "warm")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, int64(1), fetches.Load())
}

func TestExplicitDispatch(t *testing.T) {
	var fetches atomic.Int64
	l := NewWithOptions(func(_ context.Context, keys []int) (map[int]int, error) {
		fetches.Add(1)
		out := make(map[int]int)
		for _, k := range keys {
			out[k] = k * 10
		}
		return out, nil
	}, Options{Window: 0}) // manual dispatch only

	done := make(chan int, 2)
	for _, k := range []int{1, 2} {
		k := k
		go func() {
			v, err := l.Load(context.Background(), k)
			require.NoError(t, err)
			done <- v
		}()
	}

	// No window: nothing flushes on its own.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), fetches.Load())

	l.Dispatch(context.Background())

	got := map[int]bool{<-done: true, <-done: true}
	assert.True(t, got[10] && got[20])
	assert.Equal(t, int64(1), fetches.Load())
}

func TestMaxBatchFlushesEarly(t *testing.T) {
	var fetches atomic.Int64
	l := NewWithOptions(func(_ context.Context, keys []int) (map[int]int, error) {
		fetches.Add(1)
		out := make(map[int]int)
		for _, k := range keys {
			out[k] = k
		}
		return out, nil
	}, Options{Window: time.Hour, MaxBatch: 2})

	res, err := l.LoadMany(context.Background(), []int{1, 2})
	require.NoError(t, err)
	assert.Len(t, res, 2)
	assert.Equal(t, int64(1), fetches.Load(), "MaxBatch must flush without waiting for the window")
}

func TestFetchErrorPropagates(t *testing.T) {
	sentinel := errors.New("backend down")
	l := New(func(_ context.Context, keys []string) (map[string]int, error) {
		return nil, sentinel
	})

	_, err := l.Load(context.Background(), "k")
	assert.ErrorIs(t, err, sentinel)
}

func TestLoadRespectsContext(t *testing.T) {
	l := NewWithOptions(func(_ context.Context, keys []string) (map[string]int, error) {
		return map[string]int{}, nil
	}, Options{Window: 0}) // never flushes without Dispatch

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := l.Load(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
