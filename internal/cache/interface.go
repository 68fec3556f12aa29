package cache

import (
	"context"
	"errors"
	"time"
)

// CacheRepo определяет интерфейс кеширования бинарных данных.
//
// Использование:
//
//	cache := NewMemoryCache(4096)
//	data, err := cache.Get(ctx, "terrain:42:0,0:1")
//	err = cache.Set(ctx, "terrain:42:0,0:1", data, 10*time.Minute)
type CacheRepo interface {
	// Get получает значение по ключу. Возвращает ErrCacheMiss если ключ не найден.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set сохраняет значение с указанным TTL. TTL = 0 означает отсутствие истечения.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete удаляет ключ из кеша.
	Delete(ctx context.Context, key string) error

	// Exists проверяет существование ключа.
	Exists(ctx context.Context, key string) (bool, error)

	// BatchGet получает несколько значений; отсутствующие ключи не попадают в результат.
	BatchGet(ctx context.Context, keys []string) (map[string][]byte, error)

	// BatchSet сохраняет несколько значений.
	BatchSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error

	Close() error

	// GetMetrics возвращает копию метрик.
	GetMetrics() *CacheMetrics
}

// CacheMetrics содержит метрики производительности кеша.
type CacheMetrics struct {
	TotalRequests int64   `json:"total_requests"`
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	HitRatio      float64 `json:"hit_ratio"`

	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`

	TotalKeys int64 `json:"total_keys"`
	Evictions int64 `json:"evictions"`

	LastUpdate time.Time `json:"last_update"`
}

// Ошибки кеша
var (
	ErrCacheMiss   = errors.New("cache miss")
	ErrInvalidKey  = errors.New("invalid key")
	ErrCacheClosed = errors.New("cache closed")
)

// IsCacheMiss проверяет, является ли ошибка промахом кеша.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

func hitRatio(hits, misses int64) float64 {
	if total := hits + misses; total > 0 {
		return float64(hits) / float64(total)
	}
	return 0
}
