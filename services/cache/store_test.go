package cache

import (
	"fmt"
	"path"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidecache/models"
)

func testSource(key string, nChannels, nPrograms int) *models.Source {
	src := &models.Source{Key: key, URL: "https://example.com/" + key + ".xml"}
	for i := 0; i < nChannels; i++ {
		id := fmt.Sprintf("%s-ch%d", key, i)
		src.Channels = append(src.Channels, models.Channel{
			ID:           id,
			DisplayNames: []models.DisplayName{{Text: fmt.Sprintf("Channel %d", i)}},
		})
	}
	base := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	for i := 0; i < nPrograms; i++ {
		src.Programs = append(src.Programs, models.Program{
			ChannelID: fmt.Sprintf("%s-ch%d", key, i%max(nChannels, 1)),
			Title:     fmt.Sprintf("Program %d", i),
			Start:     base.Add(time.Duration(i) * time.Hour),
			Stop:      base.Add(time.Duration(i+1) * time.Hour),
		})
	}
	src.BuildProgramMap()
	return src
}

func TestInlineRoundTrip(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "cache", Options{ShardSize: 100})
	src := testSource("alpha", 3, 10)

	res, err := store.WriteSource("alpha", src)
	require.NoError(t, err)
	assert.Equal(t, models.StorageInline, res.Mode)
	assert.False(t, res.Uncacheable)
	assert.Equal(t, 0, res.Shards)

	got, err := store.ReadSource("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Key)
	assert.Len(t, got.Channels, 3)
	assert.Len(t, got.Programs, 10)
	assert.Equal(t, src.Programs[4].Title, got.Programs[4].Title)
	assert.NotEmpty(t, got.ProgramMap)
}

func TestChunkedRoundTrip(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "cache", Options{ShardSize: 10})
	src := testSource("beta", 4, 25)

	res, err := store.WriteSource("beta", src)
	require.NoError(t, err)
	assert.Equal(t, models.StorageChunked, res.Mode)
	assert.Equal(t, 3, res.Shards)
	assert.Equal(t, 25, res.Programs)

	got, err := store.ReadSource("beta")
	require.NoError(t, err)
	require.Len(t, got.Programs, 25)
	// Shard order must preserve the original program order.
	for i, p := range got.Programs {
		assert.Equal(t, fmt.Sprintf("Program %d", i), p.Title)
	}
	assert.Len(t, got.Channels, 4)
	assert.NotEmpty(t, got.ChannelMap)
}

func TestChannelCeilingForcesChunked(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "cache", Options{ChannelCeiling: 2, ShardSize: 100})
	src := testSource("gamma", 3, 5)

	res, err := store.WriteSource("gamma", src)
	require.NoError(t, err)
	assert.Equal(t, models.StorageChunked, res.Mode)

	got, err := store.ReadSource("gamma")
	require.NoError(t, err)
	assert.Len(t, got.Channels, 3)
	assert.Len(t, got.Programs, 5)
}

func TestReadSourceMissing(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "cache", Options{})
	_, err := store.ReadSource("nope")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestIsValidTTLBoundary(t *testing.T) {
	fs := afero.NewMemMapFs()
	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	now := base
	store := NewStore(fs, "cache", Options{Now: func() time.Time { return now }})

	_, err := store.WriteSource("alpha", testSource("alpha", 2, 5))
	require.NoError(t, err)

	idx, err := store.Stats()
	require.NoError(t, err)
	entry := idx.Sources["alpha"]
	full := path.Join("cache", entry.Path)
	require.NoError(t, fs.Chtimes(full, base, base))

	ttl := 24 * time.Hour

	now = base.Add(ttl - time.Second)
	assert.True(t, store.IsValid("alpha", ttl))

	// Age exactly equal to the TTL counts as expired.
	now = base.Add(ttl)
	assert.False(t, store.IsValid("alpha", ttl))

	assert.False(t, store.IsValid("missing", ttl))
}

func TestReadAllEmptyCacheIsMiss(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "cache", Options{})
	_, err := store.ReadAll()
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestReadAll(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "cache", Options{ShardSize: 10})
	_, err := store.WriteSource("alpha", testSource("alpha", 2, 5))
	require.NoError(t, err)
	_, err = store.WriteSource("beta", testSource("beta", 3, 25))
	require.NoError(t, err)

	sources, err := store.ReadAll()
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Len(t, sources["beta"].Programs, 25)
}

func TestReadAllCriticalGate(t *testing.T) {
	fs := afero.NewMemMapFs()
	write := NewStore(fs, "cache", Options{ShardSize: 10})
	_, err := write.WriteSource("alpha", testSource("alpha", 2, 5))
	require.NoError(t, err)

	// Record an uncacheable entry alongside the good one.
	require.NoError(t, write.updateEntry(IndexEntry{
		Key: "beta-memonly", Channels: 1, Programs: 1,
		UpdatedAt: time.Now(), Uncacheable: true,
	}))

	t.Run("satisfied", func(t *testing.T) {
		store := NewStore(fs, "cache", Options{CriticalSources: []string{"alpha"}})
		_, err := store.ReadAll()
		assert.NoError(t, err)
	})

	t.Run("missing from index", func(t *testing.T) {
		store := NewStore(fs, "cache", Options{CriticalSources: []string{"gamma"}})
		_, err := store.ReadAll()
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("only uncacheable", func(t *testing.T) {
		store := NewStore(fs, "cache", Options{CriticalSources: []string{"beta"}})
		_, err := store.ReadAll()
		require.ErrorIs(t, err, ErrCacheMiss)
		assert.Contains(t, err.Error(), "uncacheable")
	})
}

func TestReadAllCriticalSourceFailsToMaterialize(t *testing.T) {
	fs := afero.NewMemMapFs()
	write := NewStore(fs, "cache", Options{ShardSize: 10})
	_, err := write.WriteSource("alpha", testSource("alpha", 2, 5))
	require.NoError(t, err)
	_, err = write.WriteSource("gamma", testSource("gamma", 2, 25))
	require.NoError(t, err)

	// Corrupt one of gamma's shard files.
	require.NoError(t, afero.WriteFile(fs, "cache/sources/gamma/programs_000.json", []byte("{broken"), 0o644))

	// Without the gate the rest of the cache still loads.
	sources, err := NewStore(fs, "cache", Options{}).ReadAll()
	require.NoError(t, err)
	assert.Len(t, sources, 1)

	// With gamma critical the whole cache is rejected.
	store := NewStore(fs, "cache", Options{CriticalSources: []string{"gamma"}})
	_, err = store.ReadAll()
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCorruptIndexRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "cache/index.json", []byte("{not json"), 0o644))

	store := NewStore(fs, "cache", Options{})
	_, err := store.Stats()
	assert.ErrorIs(t, err, ErrIndexCorrupt)

	_, err = store.ReadAll()
	assert.ErrorIs(t, err, ErrIndexCorrupt)
}

func TestCorruptIndexDoesNotBlockWrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "cache/index.json", []byte("{not json"), 0o644))

	store := NewStore(fs, "cache", Options{})
	_, err := store.WriteSource("alpha", testSource("alpha", 2, 5))
	require.NoError(t, err)

	idx, err := store.Stats()
	require.NoError(t, err)
	assert.Len(t, idx.Sources, 1)
}

func TestInvalidate(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "cache", Options{})
	_, err := store.WriteSource("alpha", testSource("alpha", 2, 5))
	require.NoError(t, err)

	require.NoError(t, store.Invalidate("alpha"))
	_, err = store.ReadSource("alpha")
	assert.ErrorIs(t, err, ErrCacheMiss)

	// Invalidating an absent key is a no-op.
	assert.NoError(t, store.Invalidate("alpha"))
}

func TestStatsTotals(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "cache", Options{ShardSize: 10})
	_, err := store.WriteSource("alpha", testSource("alpha", 2, 5))
	require.NoError(t, err)
	_, err = store.WriteSource("beta", testSource("beta", 3, 25))
	require.NoError(t, err)

	idx, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 5, idx.Channels)
	assert.Equal(t, 30, idx.Programs)
	assert.Len(t, idx.Sources, 2)
}
