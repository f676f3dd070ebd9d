package signature

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAddAndHas(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	has, err := store.Has(ctx, "sig-1")
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, store.Add(ctx, "sig-1", time.Hour))

	has, err = store.Has(ctx, "sig-1")
	require.NoError(t, err)
	require.True(t, has)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Add(ctx, "sig-expired", -time.Second))

	has, err := store.Has(ctx, "sig-expired")
	require.NoError(t, err)
	require.False(t, has, "expired signature must not be reported as processed")

	// Lazy eviction removed the entry on read.
	store.mu.Lock()
	_, exists := store.expiry["sig-expired"]
	store.mu.Unlock()
	require.False(t, exists)
}

func TestMemoryStoreClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Add(ctx, "a", time.Hour))
	require.NoError(t, store.Add(ctx, "b", time.Hour))
	require.NoError(t, store.Clear(ctx))

	has, err := store.Has(ctx, "a")
	require.NoError(t, err)
	require.False(t, has)
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Add(ctx, "shared", time.Hour)
			_, _ = store.Has(ctx, "shared")
		}()
	}
	wg.Wait()

	has, err := store.Has(ctx, "shared")
	require.NoError(t, err)
	require.True(t, has)
}
