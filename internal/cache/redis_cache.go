package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/annel0/worldstream/internal/logging"
)

// RedisConfig настройки подключения к Redis
type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	KeyPrefix      string        // добавляется ко всем ключам
	MaxTTL         time.Duration // 0 - без ограничения
	MaxConnections int
	PoolTimeout    time.Duration
}

// RedisCache реализует CacheRepo поверх Redis.
// Метрики (hit ratio, latency) считаются атомарно.
type RedisCache struct {
	client *redis.Client
	config RedisConfig
	log    *logging.Logger

	requests int64
	hits     int64
	misses   int64

	latencySum   int64 // в наносекундах
	latencyCount int64
	maxLatency   int64
}

// NewRedisCache подключается к Redis и проверяет соединение.
func NewRedisCache(ctx context.Context, config RedisConfig) (*RedisCache, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.PoolTimeout == 0 {
		config.PoolTimeout = 30 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.MaxConnections,
		PoolTimeout:  config.PoolTimeout,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log := logging.GetStorageLogger()
	log.Info("🧊 Redis cache initialized: %s", config.Addr)
	return &RedisCache{client: rdb, config: config, log: log}, nil
}

func (r *RedisCache) key(k string) string {
	return r.config.KeyPrefix + k
}

func (r *RedisCache) ttl(ttl time.Duration) time.Duration {
	if r.config.MaxTTL > 0 && (ttl == 0 || ttl > r.config.MaxTTL) {
		return r.config.MaxTTL
	}
	return ttl
}

// Get получает значение по ключу из Redis.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	start := time.Now()
	defer r.recordLatency(start)
	atomic.AddInt64(&r.requests, 1)

	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	switch {
	case err == nil:
		atomic.AddInt64(&r.hits, 1)
		return val, nil
	case errors.Is(err, redis.Nil):
		atomic.AddInt64(&r.misses, 1)
		return nil, ErrCacheMiss
	default:
		atomic.AddInt64(&r.misses, 1)
		r.log.Error("Redis Get error for key %s: %v", key, err)
		return nil, fmt.Errorf("redis get error: %w", err)
	}
}

// Set сохраняет значение в Redis.
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	start := time.Now()
	defer r.recordLatency(start)

	if err := r.client.Set(ctx, r.key(key), value, r.ttl(ttl)).Err(); err != nil {
		r.log.Error("Redis Set error for key %s: %v", key, err)
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Delete удаляет ключ.
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer r.recordLatency(start)

	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}

// Exists проверяет существование ключа.
func (r *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	count, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists error: %w", err)
	}
	return count > 0, nil
}

// BatchGet получает несколько значений одним конвейером.
func (r *RedisCache) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	start := time.Now()
	defer r.recordLatency(start)
	atomic.AddInt64(&r.requests, int64(len(keys)))

	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(keys))
	for _, key := range keys {
		cmds[key] = pipe.Get(ctx, r.key(key))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis batch get error: %w", err)
	}

	var hits, misses int64
	for key, cmd := range cmds {
		val, err := cmd.Bytes()
		if err == nil {
			result[key] = val
			hits++
			continue
		}
		if !errors.Is(err, redis.Nil) {
			r.log.Error("Redis BatchGet error for key %s: %v", key, err)
		}
		misses++
	}
	atomic.AddInt64(&r.hits, hits)
	atomic.AddInt64(&r.misses, misses)
	return result, nil
}

// BatchSet сохраняет несколько значений одним конвейером.
func (r *RedisCache) BatchSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	start := time.Now()
	defer r.recordLatency(start)

	pipe := r.client.Pipeline()
	for key, value := range items {
		pipe.Set(ctx, r.key(key), value, r.ttl(ttl))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis batch set error: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis.
func (r *RedisCache) Close() error {
	if err := r.client.Close(); err != nil {
		r.log.Error("Error closing Redis connection: %v", err)
		return err
	}
	r.log.Info("Redis cache closed")
	return nil
}

// GetMetrics возвращает текущие метрики кеша.
func (r *RedisCache) GetMetrics() *CacheMetrics {
	hits, misses := atomic.LoadInt64(&r.hits), atomic.LoadInt64(&r.misses)
	m := &CacheMetrics{
		TotalRequests: atomic.LoadInt64(&r.requests),
		CacheHits:     hits,
		CacheMisses:   misses,
		HitRatio:      hitRatio(hits, misses),
		MaxLatencyMs:  float64(atomic.LoadInt64(&r.maxLatency)) / 1e6,
		LastUpdate:    time.Now(),
	}
	if count := atomic.LoadInt64(&r.latencyCount); count > 0 {
		m.AvgLatencyMs = float64(atomic.LoadInt64(&r.latencySum)) / float64(count) / 1e6
	}
	return m
}

// recordLatency записывает latency метрику.
func (r *RedisCache) recordLatency(start time.Time) {
	latency := time.Since(start).Nanoseconds()
	atomic.AddInt64(&r.latencySum, latency)
	atomic.AddInt64(&r.latencyCount, 1)

	for {
		current := atomic.LoadInt64(&r.maxLatency)
		if latency <= current || atomic.CompareAndSwapInt64(&r.maxLatency, current, latency) {
			break
		}
	}
}
