package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryCache реализует CacheRepo в памяти процесса: LRU с ограничением
// числа ключей и TTL. Используется, когда Redis не настроен.
type MemoryCache struct {
	mu         sync.Mutex
	maxEntries int
	items      map[string]*list.Element
	order      *list.List // начало - недавно использованные
	clock      func() time.Time
	closed     bool

	requests  int64
	hits      int64
	misses    int64
	evictions int64
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // ноль - без истечения
}

// NewMemoryCache создаёт кеш. maxEntries <= 0 снимает ограничение.
func NewMemoryCache(maxEntries int) *MemoryCache {
	return &MemoryCache{
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		clock:      time.Now,
	}
}

// WithClock подменяет часы (для тестов)
func (c *MemoryCache) WithClock(clock func() time.Time) *MemoryCache {
	c.clock = clock
	return c
}

// lookup возвращает живую запись, удаляя просроченную. Вызывается под mu.
func (c *MemoryCache) lookup(key string) (*memoryEntry, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*memoryEntry)
	if !e.expiresAt.IsZero() && !c.clock().Before(e.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	return e, true
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	c.requests++

	e, ok := c.lookup(key)
	if !ok {
		c.misses++
		return nil, ErrCacheMiss
	}
	c.hits++
	c.order.MoveToFront(c.items[key])
	return append([]byte(nil), e.value...), nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.set(key, value, ttl)
	return nil
}

func (c *MemoryCache) set(key string, value []byte, ttl time.Duration) {
	entry := &memoryEntry{key: key, value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = c.clock().Add(ttl)
	}
	if el, ok := c.items[key]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(entry)

	for c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*memoryEntry).key)
		c.evictions++
	}
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
	return nil
}

func (c *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lookup(key)
	return ok, nil
}

func (c *MemoryCache) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		val, err := c.Get(ctx, key)
		if IsCacheMiss(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result[key] = val
	}
	return result, nil
}

func (c *MemoryCache) BatchSet(_ context.Context, items map[string][]byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	for key, value := range items {
		if key == "" {
			return ErrInvalidKey
		}
		c.set(key, value, ttl)
	}
	return nil
}

func (c *MemoryCache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) GetMetrics() *CacheMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &CacheMetrics{
		TotalRequests: c.requests,
		CacheHits:     c.hits,
		CacheMisses:   c.misses,
		HitRatio:      hitRatio(c.hits, c.misses),
		TotalKeys:     int64(len(c.items)),
		Evictions:     c.evictions,
		LastUpdate:    c.clock(),
	}
}
