package checkpoint

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreAdvance(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	cp, err := store.Get(ctx, "signals/")
	require.NoError(t, err)
	assert.True(t, cp.IsZero())
	assert.Equal(t, "signals/", cp.Prefix)

	cp.Pipeline = "signals"
	cp, err = store.Advance(ctx, cp, "signals/acu_chunk_0.parquet", 120)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cp.Version)
	assert.Equal(t, "signals", cp.Pipeline)

	cp, err = store.Advance(ctx, cp, "signals/acu_chunk_1.parquet", 80)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.Version)

	got, err := store.Get(ctx, "signals/")
	require.NoError(t, err)
	assert.Equal(t, "signals/acu_chunk_1.parquet", got.LastFile)
	assert.Equal(t, int64(80), got.LastOffset)
	assert.Equal(t, int64(2), got.Version)
}

func TestFileStoreMonotonic(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	cp, err := store.Get(ctx, "signals/")
	require.NoError(t, err)
	cp, err = store.Advance(ctx, cp, "signals/b.parquet", 1)
	require.NoError(t, err)

	_, err = store.Advance(ctx, cp, "signals/a.parquet", 1)
	assert.ErrorIs(t, err, ErrNotMonotonic)

	_, err = store.Advance(ctx, cp, "signals/b.parquet", 1)
	assert.ErrorIs(t, err, ErrNotMonotonic, "replaying the same file must not advance")
}

func TestFileStoreStaleVersion(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	base, err := store.Get(ctx, "signals/")
	require.NoError(t, err)

	_, err = store.Advance(ctx, base, "signals/a.parquet", 1)
	require.NoError(t, err)

	_, err = store.Advance(ctx, base, "signals/b.parquet", 1)
	assert.True(t, errors.Is(err, ErrStaleCheckpoint), "got %v", err)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	cp, err := store.Get(ctx, "raw/acu/")
	require.NoError(t, err)
	_, err = store.Advance(ctx, cp, "raw/acu/acu_chunk_4.parquet", 10000)
	require.NoError(t, err)

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "raw/acu/")
	require.NoError(t, err)
	assert.Equal(t, "raw/acu/acu_chunk_4.parquet", got.LastFile)

	other, err := reopened.Get(ctx, "raw/vdm/")
	require.NoError(t, err)
	assert.True(t, other.IsZero(), "prefixes are tracked independently")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp files must not linger")
	}
}

func TestFileStoreConcurrentAdvance(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	base, err := store.Get(ctx, "signals/")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = store.Advance(ctx, base, "signals/a.parquet", int64(i))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrStaleCheckpoint)
		}
	}
	assert.Equal(t, 1, wins, "exactly one writer may advance from a given version")
}

func TestNewStoreUnknownBackend(t *testing.T) {
	_, err := NewStore(context.Background(), Config{Backend: "etcd"})
	assert.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("LOADER_TEST_DSN")
	if dsn == "" {
		t.Skip("LOADER_TEST_DSN not set")
	}
	ctx := context.Background()

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	prefix := "test/" + t.Name() + "/"
	_, err = store.pool.Exec(ctx, `DELETE FROM _loader_checkpoints WHERE prefix = $1`, prefix)
	require.NoError(t, err)

	cp, err := store.Get(ctx, prefix)
	require.NoError(t, err)
	require.True(t, cp.IsZero())

	cp.Pipeline = "test"
	next, err := store.Advance(ctx, cp, prefix+"a.parquet", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Version)

	_, err = store.Advance(ctx, cp, prefix+"b.parquet", 3)
	assert.ErrorIs(t, err, ErrStaleCheckpoint)

	got, err := store.Get(ctx, prefix)
	require.NoError(t, err)
	assert.Equal(t, prefix+"a.parquet", got.LastFile)
	assert.Equal(t, int64(3), got.LastOffset)
}
