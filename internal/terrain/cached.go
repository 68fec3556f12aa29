package terrain

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/annel0/worldstream/internal/cache"
	"github.com/annel0/worldstream/internal/logging"
	"github.com/annel0/worldstream/internal/streaming"
)

// CachedLoader оборачивает TerrainLoader кешем готовой геометрии.
// Ошибки кеша не мешают загрузке: при любой из них геометрия строится заново.
type CachedLoader struct {
	next      streaming.TerrainLoader
	cache     cache.CacheRepo
	codec     *Codec
	namespace string
	ttl       time.Duration
	log       *logging.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedLoader создаёт декоратор. namespace отделяет разные генераторы
// (обычно это зерно шума), ttl = 0 хранит геометрию без истечения.
func NewCachedLoader(next streaming.TerrainLoader, repo cache.CacheRepo, codec *Codec, namespace string, ttl time.Duration) *CachedLoader {
	return &CachedLoader{
		next:      next,
		cache:     repo,
		codec:     codec,
		namespace: namespace,
		ttl:       ttl,
		log:       logging.GetStorageLogger(),
	}
}

// CacheKey ключ вида "terrain:<namespace>:<x,z>:<lod>"
func CacheKey(namespace string, id streaming.ChunkID, lod int) string {
	return fmt.Sprintf("terrain:%s:%s:%d", namespace, id, lod)
}

// LoadTerrain возвращает геометрию из кеша или строит и кладёт её туда
func (l *CachedLoader) LoadTerrain(ctx context.Context, desc streaming.ChunkDescriptor) (*streaming.Terrain, error) {
	key := CacheKey(l.namespace, desc.ID, desc.LOD)

	data, err := l.cache.Get(ctx, key)
	switch {
	case err == nil:
		t, derr := l.codec.Decode(data)
		if derr == nil {
			l.hits.Add(1)
			return t, nil
		}
		l.log.Warn("Повреждённая геометрия в кеше %s: %v", key, derr)
		_ = l.cache.Delete(ctx, key)
	case !cache.IsCacheMiss(err):
		l.log.Debug("Кеш геометрии недоступен (%s): %v", key, err)
	}
	l.misses.Add(1)

	t, err := l.next.LoadTerrain(ctx, desc)
	if err != nil {
		return nil, err
	}
	if err := l.cache.Set(ctx, key, l.codec.Encode(t), l.ttl); err != nil {
		l.log.Debug("Не удалось сохранить геометрию %s: %v", key, err)
	}
	return t, nil
}

// Warm заполняет кеш геометрией для набора чанков: присутствующие ключи
// читаются одним BatchGet, недостающие строятся и пишутся одним BatchSet.
// Возвращает число построенных чанков.
func (l *CachedLoader) Warm(ctx context.Context, descs []streaming.ChunkDescriptor) (int, error) {
	if len(descs) == 0 {
		return 0, nil
	}
	keys := make([]string, len(descs))
	for i, desc := range descs {
		keys[i] = CacheKey(l.namespace, desc.ID, desc.LOD)
	}

	present, err := l.cache.BatchGet(ctx, keys)
	if err != nil {
		l.log.Debug("Кеш геометрии недоступен при прогреве: %v", err)
		present = nil
	}

	missing := make(map[string][]byte)
	for i, desc := range descs {
		if _, ok := present[keys[i]]; ok {
			continue
		}
		if _, dup := missing[keys[i]]; dup {
			continue
		}
		t, err := l.next.LoadTerrain(ctx, desc)
		if err != nil {
			return len(missing), fmt.Errorf("warm %s: %w", desc.ID, err)
		}
		missing[keys[i]] = l.codec.Encode(t)
	}
	if len(missing) == 0 {
		return 0, nil
	}
	if err := l.cache.BatchSet(ctx, missing, l.ttl); err != nil {
		return 0, fmt.Errorf("warm cache: %w", err)
	}
	l.log.Debug("🔥 Прогрето чанков: %d из %d", len(missing), len(descs))
	return len(missing), nil
}

// Stats возвращает число попаданий и промахов
func (l *CachedLoader) Stats() (hits, misses int64) {
	return l.hits.Load(), l.misses.Load()
}
