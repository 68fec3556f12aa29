package terrain

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/worldstream/internal/cache"
	"github.com/annel0/worldstream/internal/streaming"
)

func descriptor(x, z, lod int) streaming.ChunkDescriptor {
	id := streaming.NewChunkID(x, z)
	return streaming.ChunkDescriptor{
		ID:        id,
		ChunkSize: 64,
		LOD:       lod,
		Bounds:    id.Bounds(64),
	}
}

func newLoader(t *testing.T) *NoiseLoader {
	t.Helper()
	l, err := NewNoiseLoader(DefaultNoiseConfig())
	require.NoError(t, err)
	return l
}

func TestNoiseLoaderGeometry(t *testing.T) {
	l := newLoader(t)
	terr, err := l.LoadTerrain(context.Background(), descriptor(1, -2, 0))
	require.NoError(t, err)

	res := 17
	assert.Equal(t, res, terr.Resolution)
	assert.Len(t, terr.Heightmap, res*res)
	assert.Len(t, terr.Vertices, res*res*3)
	assert.Len(t, terr.Normals, res*res*3)
	assert.Len(t, terr.Indices, (res-1)*(res-1)*6)

	for _, h := range terr.Heightmap {
		assert.GreaterOrEqual(t, h, float32(0))
		assert.LessOrEqual(t, h, float32(32))
	}
	for _, idx := range terr.Indices {
		assert.Less(t, idx, uint32(res*res))
	}
	// первая вершина в углу чанка
	assert.Equal(t, float32(64), terr.Vertices[0])
	assert.Equal(t, float32(-128), terr.Vertices[2])
	// нормали смотрят вверх
	for i := 1; i < len(terr.Normals); i += 3 {
		assert.Greater(t, terr.Normals[i], float32(0))
	}
}

func TestNoiseLoaderDeterministicAndSeamless(t *testing.T) {
	ctx := context.Background()
	a, err := newLoader(t).LoadTerrain(ctx, descriptor(0, 0, 0))
	require.NoError(t, err)
	b, err := newLoader(t).LoadTerrain(ctx, descriptor(0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, a.Heightmap, b.Heightmap)

	// правый край чанка (0,0) совпадает с левым краем (1,0)
	right, err := newLoader(t).LoadTerrain(ctx, descriptor(1, 0, 0))
	require.NoError(t, err)
	res := a.Resolution
	for j := 0; j < res; j++ {
		assert.Equal(t, a.Heightmap[j*res+res-1], right.Heightmap[j*res])
	}
}

func TestNoiseLoaderLODReducesResolution(t *testing.T) {
	l := newLoader(t)
	assert.Equal(t, 17, l.ResolutionFor(0))
	assert.Equal(t, 9, l.ResolutionFor(1))
	assert.Equal(t, 5, l.ResolutionFor(2))
	assert.Equal(t, 2, l.ResolutionFor(10))

	terr, err := l.LoadTerrain(context.Background(), descriptor(0, 0, 2))
	require.NoError(t, err)
	assert.Len(t, terr.Heightmap, 25)
}

func TestNoiseLoaderRejects(t *testing.T) {
	cfg := DefaultNoiseConfig()
	cfg.Resolution = 1
	_, err := NewNoiseLoader(cfg)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newLoader(t).LoadTerrain(ctx, descriptor(0, 0, 0))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	terr, err := newLoader(t).LoadTerrain(context.Background(), descriptor(3, 4, 1))
	require.NoError(t, err)

	data := codec.Encode(terr)
	got, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, terr, got)

	_, err = codec.Decode([]byte("garbage"))
	assert.ErrorIs(t, err, ErrCorruptTerrain)
}

type countingLoader struct {
	calls atomic.Int32
	next  streaming.TerrainLoader
}

func (c *countingLoader) LoadTerrain(ctx context.Context, desc streaming.ChunkDescriptor) (*streaming.Terrain, error) {
	c.calls.Add(1)
	return c.next.LoadTerrain(ctx, desc)
}

func TestCachedLoader(t *testing.T) {
	ctx := context.Background()
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	inner := &countingLoader{next: newLoader(t)}
	repo := cache.NewMemoryCache(16)
	l := NewCachedLoader(inner, repo, codec, "42", 0)

	first, err := l.LoadTerrain(ctx, descriptor(0, 0, 0))
	require.NoError(t, err)
	second, err := l.LoadTerrain(ctx, descriptor(0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())

	// другой LOD - другой ключ
	_, err = l.LoadTerrain(ctx, descriptor(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())

	ok, err := repo.Exists(ctx, CacheKey("42", streaming.NewChunkID(0, 0), 1))
	require.NoError(t, err)
	assert.True(t, ok)

	hits, misses := l.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
}

func TestCachedLoaderRecoversFromCorruptEntry(t *testing.T) {
	ctx := context.Background()
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	repo := cache.NewMemoryCache(0)
	key := CacheKey("42", streaming.NewChunkID(0, 0), 0)
	require.NoError(t, repo.Set(ctx, key, []byte("broken"), 0))

	inner := &countingLoader{next: newLoader(t)}
	l := NewCachedLoader(inner, repo, codec, "42", 0)
	terr, err := l.LoadTerrain(ctx, descriptor(0, 0, 0))
	require.NoError(t, err)
	assert.NotNil(t, terr)
	assert.Equal(t, int32(1), inner.calls.Load())

	data, err := repo.Get(ctx, key)
	require.NoError(t, err)
	_, err = codec.Decode(data)
	assert.NoError(t, err)
}

func TestCachedLoaderPropagatesLoadError(t *testing.T) {
	boom := errors.New("boom")
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	failing := streaming.TerrainLoaderFunc(func(context.Context, streaming.ChunkDescriptor) (*streaming.Terrain, error) {
		return nil, boom
	})
	l := NewCachedLoader(failing, cache.NewMemoryCache(0), codec, "x", 0)
	_, err = l.LoadTerrain(context.Background(), descriptor(0, 0, 0))
	assert.ErrorIs(t, err, boom)
}

// batchCountingCache считает пакетные обращения к кешу
type batchCountingCache struct {
	cache.CacheRepo
	batchGets atomic.Int32
	batchSets atomic.Int32
}

func (c *batchCountingCache) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	c.batchGets.Add(1)
	return c.CacheRepo.BatchGet(ctx, keys)
}

func (c *batchCountingCache) BatchSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	c.batchSets.Add(1)
	return c.CacheRepo.BatchSet(ctx, items, ttl)
}

func TestCachedLoaderWarm(t *testing.T) {
	ctx := context.Background()
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	inner := &countingLoader{next: newLoader(t)}
	repo := &batchCountingCache{CacheRepo: cache.NewMemoryCache(64)}
	l := NewCachedLoader(inner, repo, codec, "42", 0)

	// один чанк уже в кеше
	_, err = l.LoadTerrain(ctx, descriptor(0, 0, 0))
	require.NoError(t, err)
	require.Equal(t, int32(1), inner.calls.Load())

	descs := []streaming.ChunkDescriptor{
		descriptor(0, 0, 0), descriptor(1, 0, 0), descriptor(0, 1, 0), descriptor(1, 1, 1), descriptor(1, 0, 0),
	}
	warmed, err := l.Warm(ctx, descs)
	require.NoError(t, err)
	assert.Equal(t, 3, warmed)
	assert.Equal(t, int32(4), inner.calls.Load())
	assert.Equal(t, int32(1), repo.batchGets.Load())
	assert.Equal(t, int32(1), repo.batchSets.Load())

	// после прогрева загрузка идёт из кеша
	_, err = l.LoadTerrain(ctx, descriptor(1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, int32(4), inner.calls.Load())

	// повторный прогрев ничего не строит и не пишет
	warmed, err = l.Warm(ctx, descs)
	require.NoError(t, err)
	assert.Zero(t, warmed)
	assert.Equal(t, int32(2), repo.batchGets.Load())
	assert.Equal(t, int32(1), repo.batchSets.Load())
}

func TestCachedLoaderWarmPropagatesLoadError(t *testing.T) {
	boom := errors.New("boom")
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	failing := streaming.TerrainLoaderFunc(func(context.Context, streaming.ChunkDescriptor) (*streaming.Terrain, error) {
		return nil, boom
	})
	l := NewCachedLoader(failing, cache.NewMemoryCache(0), codec, "x", 0)
	_, err = l.Warm(context.Background(), []streaming.ChunkDescriptor{descriptor(0, 0, 0)})
	assert.ErrorIs(t, err, boom)
}
