package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-tsbridge/pkg/cache"
)

type countingFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (f *countingFetcher) Fetch(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[key]++
	if f.err != nil {
		return "", f.err
	}
	return "value-" + key, nil
}

func (f *countingFetcher) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func TestNewLRU_Validation(t *testing.T) {
	_, err := cache.NewLRU[string, string](0, &countingFetcher{})
	assert.Error(t, err)

	_, err = cache.NewLRU[string, string](10, nil)
	assert.Error(t, err)
}

func TestLRU_FetchMissThenHit(t *testing.T) {
	fetcher := &countingFetcher{}
	lru, err := cache.NewLRU[string, string](10, fetcher)
	require.NoError(t, err)
	ctx := context.Background()

	v, err := lru.Fetch(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "value-a", v)

	v, err = lru.Fetch(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "value-a", v)

	assert.Equal(t, 1, fetcher.callCount("a"), "second fetch should be a cache hit")
}

func TestLRU_EvictsColdestEntry(t *testing.T) {
	fetcher := &countingFetcher{}
	lru, err := cache.NewLRU[string, string](2, fetcher)
	require.NoError(t, err)
	ctx := context.Background()

	_, _ = lru.Fetch(ctx, "a")
	_, _ = lru.Fetch(ctx, "b")
	// Touch "a" so "b" becomes the coldest entry.
	_, _ = lru.Fetch(ctx, "a")
	_, _ = lru.Fetch(ctx, "c")

	assert.Equal(t, 2, lru.Len())

	_, _ = lru.Fetch(ctx, "a")
	assert.Equal(t, 1, fetcher.callCount("a"), "a should still be cached")

	_, _ = lru.Fetch(ctx, "b")
	assert.Equal(t, 2, fetcher.callCount("b"), "b should have been evicted")
}

func TestLRU_FetchErrorNotCached(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("source unavailable")}
	lru, err := cache.NewLRU[string, string](10, fetcher)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = lru.Fetch(ctx, "a")
	require.Error(t, err)
	assert.Equal(t, 0, lru.Len())

	// The error clears; the next fetch should reach the source again.
	fetcher.mu.Lock()
	fetcher.err = nil
	fetcher.mu.Unlock()

	v, err := lru.Fetch(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "value-a", v)
	assert.Equal(t, 2, fetcher.callCount("a"))
}

func TestLRU_ConcurrentFetch(t *testing.T) {
	fetcher := &countingFetcher{}
	lru, err := cache.NewLRU[string, string](100, fetcher)
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v, fetchErr := lru.Fetch(ctx, "shared")
				assert.NoError(t, fetchErr)
				assert.Equal(t, "value-shared", v)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, lru.Len())
}

func TestLRU_FetcherFunc(t *testing.T) {
	lru, err := cache.NewLRU(10, cache.FetcherFunc[int, int](
		func(_ context.Context, key int) (int, error) {
			return key * 2, nil
		}))
	require.NoError(t, err)

	v, err := lru.Fetch(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
